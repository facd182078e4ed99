// Package economy is the boundary to the external virtual-currency ledger.
package economy

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrRejected means the provider refused the transfer (typically
// insufficient balance) as opposed to failing to answer.
var ErrRejected = errors.New("currency transfer rejected")

// Provider is the external wallet: balance reads and transfers. The engine
// never assumes success; a rejected withdraw aborts the trade cleanly.
type Provider interface {
	Balance(ctx context.Context, playerID uuid.UUID) (float64, error)
	Withdraw(ctx context.Context, playerID uuid.UUID, amount float64) error
	Deposit(ctx context.Context, playerID uuid.UUID, amount float64) error
}

// Package ledger holds the per-player financial state: positions with
// cost-basis accounting, price-alert subscriptions, and the daily
// transaction window. All types here are plain in-memory bookkeeping; the
// authoritative loop is the only writer.
package ledger

import (
	"errors"
	"sort"

	"github.com/google/uuid"
)

// ErrInvariantViolation signals a caller bug: a delta that would drive a
// holding negative. Callers validate against current holdings first.
var ErrInvariantViolation = errors.New("position invariant violation")

// Position is a player's holding of one instrument. CostBasis is total
// currency spent net of sells, at average cost.
type Position struct {
	PlayerID     uuid.UUID
	InstrumentID string
	Amount       int64
	CostBasis    float64
}

// AvgPrice derives the average cost per unit; zero when nothing is held.
func (p Position) AvgPrice() float64 {
	if p.Amount <= 0 {
		return 0
	}
	return p.CostBasis / float64(p.Amount)
}

// Portfolio is the position set for a single player.
type Portfolio struct {
	playerID  uuid.UUID
	positions map[string]*Position
}

func NewPortfolio(playerID uuid.UUID) *Portfolio {
	return &Portfolio{playerID: playerID, positions: make(map[string]*Position)}
}

// ApplyDelta adds amountDelta units and costDelta currency to the position.
// A full sell removes the entry outright, so amount==0 never coexists with
// a leftover cost basis. The ledger does not re-derive prices; it only
// bookkeeps what the trade executor decided.
func (pf *Portfolio) ApplyDelta(instrumentID string, amountDelta int64, costDelta float64) error {
	pos, ok := pf.positions[instrumentID]
	if !ok {
		pos = &Position{PlayerID: pf.playerID, InstrumentID: instrumentID}
	}
	newAmount := pos.Amount + amountDelta
	if newAmount < 0 {
		return ErrInvariantViolation
	}
	if newAmount == 0 {
		delete(pf.positions, instrumentID)
		return nil
	}
	pos.Amount = newAmount
	pos.CostBasis += costDelta
	if pos.CostBasis < 0 {
		// Float drift from proportional sells; the true value is zero.
		pos.CostBasis = 0
	}
	pf.positions[instrumentID] = pos
	return nil
}

func (pf *Portfolio) Get(instrumentID string) (Position, bool) {
	pos, ok := pf.positions[instrumentID]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// All returns every held position ordered by instrument id.
func (pf *Portfolio) All() []Position {
	out := make([]Position, 0, len(pf.positions))
	for _, pos := range pf.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// Restore replaces the portfolio contents with a loaded snapshot. Entries
// with amount <= 0 are dropped.
func (pf *Portfolio) Restore(positions []Position) {
	pf.positions = make(map[string]*Position, len(positions))
	for _, pos := range positions {
		if pos.Amount <= 0 {
			continue
		}
		p := pos
		p.PlayerID = pf.playerID
		pf.positions[p.InstrumentID] = &p
	}
}

// PlayerState is the durable snapshot of one player: what the store loads
// on session start and flushes on session end.
type PlayerState struct {
	PlayerID      uuid.UUID
	Positions     []Position
	Subscriptions []string
	Window        *Window
}

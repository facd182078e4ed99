package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"stockd/internal/ledger"
	"stockd/internal/market"
)

var ErrBadPositionAction = errors.New("position action must be set, add or remove")

// LimitStatus reports a player's standing against the daily limits:
// counts used inside the current window and the effective caps (-1 when
// uncapped).
type LimitStatus struct {
	PlayerID   uuid.UUID `json:"player_id"`
	Enabled    bool      `json:"enabled"`
	BuysUsed   int       `json:"buys_used"`
	SellsUsed  int       `json:"sells_used"`
	BuyLimit   int       `json:"buy_limit"`
	SellLimit  int       `json:"sell_limit"`
	Overridden bool      `json:"overridden"`
}

// SetLimitOverride writes a per-player cap for one side. The stored row is
// the source of truth; a connected player's cached override is updated in
// the same call so the new cap applies to their next trade.
func (e *Engine) SetLimitOverride(ctx context.Context, playerID uuid.UUID, isBuy bool, limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must be >= 0 (0 lifts the cap)")
	}
	if err := e.store.SetLimitOverride(ctx, playerID, isBuy, limit); err != nil {
		return err
	}
	return e.do(func() {
		s, ok := e.activeSession(playerID)
		if !ok {
			return
		}
		v := limit
		if isBuy {
			s.override.BuyLimit = &v
		} else {
			s.override.SellLimit = &v
		}
	})
}

// ResetLimits clears a player's transaction counters immediately.
func (e *Engine) ResetLimits(ctx context.Context, playerID uuid.UUID) error {
	if err := e.store.DeleteWindow(ctx, playerID); err != nil {
		return err
	}
	return e.do(func() {
		if s, ok := e.activeSession(playerID); ok {
			s.window = ledger.Window{}
		}
	})
}

// GetLimitStatus reads a player's current usage. Connected players answer
// from the cache; otherwise the stored window and override are consulted.
func (e *Engine) GetLimitStatus(ctx context.Context, playerID uuid.UUID) (LimitStatus, error) {
	var (
		window ledger.Window
		ov     ledger.Override
		cached bool
	)
	if err := e.do(func() {
		if s, ok := e.activeSession(playerID); ok {
			window = s.window
			ov = s.override
			cached = true
		}
	}); err != nil {
		return LimitStatus{}, err
	}
	if !cached {
		state, err := e.store.LoadPlayer(ctx, playerID)
		if err != nil {
			return LimitStatus{}, fmt.Errorf("load limit status: %w", err)
		}
		if state.Window != nil {
			window = *state.Window
		}
		if ov, err = e.store.LimitOverride(ctx, playerID); err != nil {
			return LimitStatus{}, err
		}
	}

	status := LimitStatus{
		PlayerID:   playerID,
		Overridden: ov.BuyLimit != nil || ov.SellLimit != nil,
	}
	// The tracker lives on the loop; read limit math there.
	if err := e.do(func() {
		status.Enabled = e.tracker.Enabled()
		buyDec := e.tracker.Check(&window, ov, true)
		sellDec := e.tracker.Check(&window, ov, false)
		status.BuysUsed = buyDec.Count
		status.SellsUsed = sellDec.Count
		status.BuyLimit = buyDec.Limit
		status.SellLimit = sellDec.Limit
	}); err != nil {
		return LimitStatus{}, err
	}
	return status, nil
}

// ModifyPosition is the admin hook to grant or strip holdings without a
// trade. Connected players are adjusted in the cache; offline players are
// written straight through to storage. Cost basis moves at the position's
// current average price so profit figures stay honest.
func (e *Engine) ModifyPosition(ctx context.Context, playerID uuid.UUID, instrumentID, action string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("amount must be >= 0")
	}

	var (
		handled bool
		merr    error
	)
	if err := e.do(func() {
		if _, ok := e.reg.Get(instrumentID); !ok {
			handled = true
			merr = fmt.Errorf("%w: %s", market.ErrUnknownInstrument, instrumentID)
			return
		}
		s, ok := e.activeSession(playerID)
		if !ok {
			return
		}
		handled = true
		pos, _ := s.portfolio.Get(instrumentID)
		merr = applyPositionAction(s.portfolio, pos, instrumentID, action, amount)
	}); err != nil {
		return err
	}
	if handled {
		return merr
	}

	// Offline path: read-modify-write against storage.
	state, err := e.store.LoadPlayer(ctx, playerID)
	if err != nil {
		return fmt.Errorf("load player: %w", err)
	}
	pf := ledger.NewPortfolio(playerID)
	pf.Restore(state.Positions)
	pos, _ := pf.Get(instrumentID)
	if err := applyPositionAction(pf, pos, instrumentID, action, amount); err != nil {
		return err
	}
	next, _ := pf.Get(instrumentID)
	next.PlayerID = playerID
	next.InstrumentID = instrumentID
	return e.store.UpsertPosition(ctx, next)
}

func applyPositionAction(pf *ledger.Portfolio, pos ledger.Position, instrumentID, action string, amount int64) error {
	avg := pos.AvgPrice()
	switch action {
	case "set":
		delta := amount - pos.Amount
		return pf.ApplyDelta(instrumentID, delta, avg*float64(delta))
	case "add":
		return pf.ApplyDelta(instrumentID, amount, avg*float64(amount))
	case "remove":
		if amount > pos.Amount {
			return fmt.Errorf("%w: have %d, remove %d", ErrInsufficientHoldings, pos.Amount, amount)
		}
		return pf.ApplyDelta(instrumentID, -amount, -avg*float64(amount))
	default:
		return fmt.Errorf("%w: %q", ErrBadPositionAction, action)
	}
}

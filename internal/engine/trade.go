package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"stockd/internal/economy"
	"stockd/internal/market"
)

// Validation rejections surfaced to the caller. No state is mutated when
// any of these is returned.
var (
	ErrNothingToTrade       = errors.New("nothing to trade")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrLimitExceeded        = errors.New("daily transaction limit exceeded")
)

type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

func ParseSide(v string) (Side, error) {
	switch v {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("side must be buy or sell")
	}
}

// QuantityMode selects how the order size is derived.
type QuantityMode int

const (
	// QuantityFixed trades exactly Amount units.
	QuantityFixed QuantityMode = iota
	// QuantityMax buys the most affordable quantity, or sells the whole
	// holding.
	QuantityMax
)

type TradeRequest struct {
	PlayerID     uuid.UUID
	InstrumentID string
	Side         Side
	Mode         QuantityMode
	Amount       int64
}

type TradeResult struct {
	InstrumentID string  `json:"instrument_id"`
	DisplayName  string  `json:"display_name"`
	Side         string  `json:"side"`
	Quantity     int64   `json:"quantity"`
	UnitPrice    float64 `json:"unit_price"`
	Notional     float64 `json:"notional"`
	Fee          float64 `json:"fee"`
	Moved        float64 `json:"moved"`
	RealizedPL   float64 `json:"realized_pl,omitempty"`
	// Remaining trades in the current window; -1 when uncapped.
	RemainingBuys  int `json:"remaining_buys"`
	RemainingSells int `json:"remaining_sells"`
}

// ExecuteTrade validates and applies one order. Order of operations per the
// partial-failure policy: every check first, then the currency transfer,
// then the in-memory ledger and limit mutations, which cannot fail after
// validation. A rejected or failed transfer leaves all state untouched.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	var res TradeResult
	var terr error
	if err := e.do(func() { res, terr = e.executeTrade(ctx, req) }); err != nil {
		return res, err
	}
	return res, terr
}

func (e *Engine) executeTrade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	var res TradeResult

	inst, ok := e.reg.Get(req.InstrumentID)
	if !ok {
		return res, fmt.Errorf("%w: %s", market.ErrUnknownInstrument, req.InstrumentID)
	}
	s, ok := e.activeSession(req.PlayerID)
	if !ok {
		return res, ErrNotConnected
	}

	fee := e.feePercent / 100
	isBuy := req.Side == SideBuy

	var balance float64
	if isBuy {
		bal, err := e.wallet.Balance(ctx, req.PlayerID)
		if err != nil {
			return res, fmt.Errorf("currency provider: %w", err)
		}
		balance = bal
	}

	qty := req.Amount
	if req.Mode == QuantityMax {
		if isBuy {
			qty = int64(math.Floor(balance / (inst.Price * (1 + fee))))
		} else {
			pos, _ := s.portfolio.Get(req.InstrumentID)
			qty = pos.Amount
		}
	}
	if qty <= 0 {
		return res, ErrNothingToTrade
	}

	if dec := e.tracker.Check(&s.window, s.override, isBuy); !dec.Allowed {
		return res, fmt.Errorf("%w: %s %d/%d", ErrLimitExceeded, req.Side, dec.Count, dec.Limit)
	}

	notional := inst.Price * float64(qty)
	res = TradeResult{
		InstrumentID: inst.ID,
		DisplayName:  inst.DisplayName,
		Side:         req.Side.String(),
		Quantity:     qty,
		UnitPrice:    inst.Price,
		Notional:     notional,
	}

	if isBuy {
		cost := notional * (1 + fee)
		res.Fee = cost - notional
		if balance < cost {
			return res, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, cost, balance)
		}
		if err := e.wallet.Withdraw(ctx, req.PlayerID, cost); err != nil {
			if errors.Is(err, economy.ErrRejected) {
				return res, fmt.Errorf("%w: need %.2f", ErrInsufficientFunds, cost)
			}
			return res, fmt.Errorf("currency provider: %w", err)
		}
		// Cost basis records the pre-fee notional; the fee is an expense.
		if err := s.portfolio.ApplyDelta(inst.ID, qty, notional); err != nil {
			return res, err
		}
		e.tracker.Record(&s.window, true)
		res.Moved = cost
	} else {
		pos, _ := s.portfolio.Get(req.InstrumentID)
		if pos.Amount < qty {
			return res, fmt.Errorf("%w: have %d, want %d", ErrInsufficientHoldings, pos.Amount, qty)
		}
		revenue := notional * (1 - fee)
		res.Fee = notional - revenue
		if err := e.wallet.Deposit(ctx, req.PlayerID, revenue); err != nil {
			return res, fmt.Errorf("currency provider: %w", err)
		}
		avg := pos.AvgPrice()
		if err := s.portfolio.ApplyDelta(inst.ID, -qty, -avg*float64(qty)); err != nil {
			return res, err
		}
		e.tracker.Record(&s.window, false)
		res.Moved = revenue
		res.RealizedPL = float64(qty) * (inst.Price - avg)
	}

	res.RemainingBuys = e.tracker.Remaining(&s.window, s.override, true)
	res.RemainingSells = e.tracker.Remaining(&s.window, s.override, false)
	return res, nil
}

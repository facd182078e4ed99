package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"stockd/internal/ledger"
	"stockd/internal/market"
)

type InstrumentView struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Price       float64 `json:"price"`
	Fluctuation float64 `json:"fluctuation"`
	Trend       string  `json:"trend"`
}

type PositionView struct {
	InstrumentID  string  `json:"instrument_id"`
	DisplayName   string  `json:"display_name"`
	Amount        int64   `json:"amount"`
	AvgPrice      float64 `json:"avg_price"`
	CurrentPrice  float64 `json:"current_price"`
	CurrentValue  float64 `json:"current_value"`
	ProfitLoss    float64 `json:"profit_loss"`
	ProfitLossPct float64 `json:"profit_loss_percent"`
}

type PortfolioView struct {
	PlayerID        uuid.UUID      `json:"player_id"`
	Positions       []PositionView `json:"positions"`
	TotalAssetValue float64        `json:"total_asset_value"`
}

// ListInstruments returns every instrument with its current trend.
func (e *Engine) ListInstruments() ([]InstrumentView, error) {
	var out []InstrumentView
	err := e.do(func() {
		for _, inst := range e.reg.List() {
			trend, _ := e.reg.Trend(inst.ID)
			out = append(out, instrumentView(inst, trend))
		}
	})
	return out, err
}

func (e *Engine) GetInstrument(id string) (InstrumentView, error) {
	var out InstrumentView
	var ierr error
	err := e.do(func() {
		inst, ok := e.reg.Get(id)
		if !ok {
			ierr = fmt.Errorf("%w: %s", market.ErrUnknownInstrument, id)
			return
		}
		trend, _ := e.reg.Trend(id)
		out = instrumentView(inst, trend)
	})
	if err != nil {
		return out, err
	}
	return out, ierr
}

func instrumentView(inst market.Instrument, trend market.Trend) InstrumentView {
	return InstrumentView{
		ID:          inst.ID,
		DisplayName: inst.DisplayName,
		Price:       inst.Price,
		Fluctuation: inst.Fluctuation,
		Trend:       trend.Kind.String(),
	}
}

// GetPortfolio values a player's holdings at current prices. Connected
// players are read from the session cache; for anyone else the durable
// store is the source of truth.
func (e *Engine) GetPortfolio(ctx context.Context, playerID uuid.UUID) (PortfolioView, error) {
	var positions []ledger.Position
	var prices map[string]float64
	names := make(map[string]string)
	cached := false
	err := e.do(func() {
		prices = e.reg.PriceIndex()
		for _, inst := range e.reg.List() {
			names[inst.ID] = inst.DisplayName
		}
		if s, ok := e.activeSession(playerID); ok {
			positions = s.portfolio.All()
			cached = true
		}
	})
	if err != nil {
		return PortfolioView{}, err
	}
	if !cached {
		state, err := e.store.LoadPlayer(ctx, playerID)
		if err != nil {
			return PortfolioView{}, fmt.Errorf("load portfolio: %w", err)
		}
		positions = state.Positions
	}

	view := PortfolioView{PlayerID: playerID, Positions: []PositionView{}}
	for _, pos := range positions {
		price, ok := prices[pos.InstrumentID]
		if !ok {
			// Instrument removed by a reload; holdings survive in storage
			// but cannot be valued.
			continue
		}
		value := price * float64(pos.Amount)
		profit := value - pos.CostBasis
		pct := 0.0
		if pos.CostBasis > 0 {
			pct = profit / pos.CostBasis * 100
		}
		view.Positions = append(view.Positions, PositionView{
			InstrumentID:  pos.InstrumentID,
			DisplayName:   names[pos.InstrumentID],
			Amount:        pos.Amount,
			AvgPrice:      pos.AvgPrice(),
			CurrentPrice:  price,
			CurrentValue:  value,
			ProfitLoss:    profit,
			ProfitLossPct: pct,
		})
		view.TotalAssetValue += value
	}
	return view, nil
}

// GetPosition reads one holding, valued like GetPortfolio. A player who
// holds nothing of the instrument gets a zero-amount view, not an error.
func (e *Engine) GetPosition(ctx context.Context, playerID uuid.UUID, instrumentID string) (PositionView, error) {
	inst, err := e.GetInstrument(instrumentID)
	if err != nil {
		return PositionView{}, err
	}
	view, err := e.GetPortfolio(ctx, playerID)
	if err != nil {
		return PositionView{}, err
	}
	for _, pos := range view.Positions {
		if pos.InstrumentID == instrumentID {
			return pos, nil
		}
	}
	return PositionView{
		InstrumentID: instrumentID,
		DisplayName:  inst.DisplayName,
		CurrentPrice: inst.Price,
	}, nil
}

// ToggleSubscription flips a connected player's price-alert subscription
// and reports the new state.
func (e *Engine) ToggleSubscription(playerID uuid.UUID, instrumentID string) (bool, error) {
	var subscribed bool
	var terr error
	err := e.do(func() {
		if _, ok := e.reg.Get(instrumentID); !ok {
			terr = fmt.Errorf("%w: %s", market.ErrUnknownInstrument, instrumentID)
			return
		}
		s, ok := e.activeSession(playerID)
		if !ok {
			terr = ErrNotConnected
			return
		}
		if _, ok := s.subs[instrumentID]; ok {
			delete(s.subs, instrumentID)
			subscribed = false
		} else {
			s.subs[instrumentID] = struct{}{}
			subscribed = true
		}
	})
	if err != nil {
		return false, err
	}
	return subscribed, terr
}

// SetPrice is the admin price override.
func (e *Engine) SetPrice(instrumentID string, price float64) error {
	var serr error
	if err := e.do(func() { serr = e.reg.SetPrice(instrumentID, price) }); err != nil {
		return err
	}
	return serr
}

package market

import (
	"errors"
	"sort"

	"stockd/internal/config"
)

var ErrUnknownInstrument = errors.New("unknown instrument")

// TrendKind is the regime biasing an instrument's random walk.
type TrendKind int

const (
	TrendStable TrendKind = iota
	TrendUp
	TrendDown
)

func (k TrendKind) Multiplier() float64 {
	switch k {
	case TrendUp:
		return 1.5
	case TrendDown:
		return 0.5
	default:
		return 1.0
	}
}

func (k TrendKind) String() string {
	switch k {
	case TrendUp:
		return "up"
	case TrendDown:
		return "down"
	default:
		return "stable"
	}
}

// Trend is transient per-instrument state. It is never persisted; a restart
// or reload puts every instrument back at stable.
type Trend struct {
	Kind           TrendKind
	RemainingTicks int
}

type Instrument struct {
	ID          string
	DisplayName string
	Price       float64
	Fluctuation float64
}

// Registry owns the instrument set and the trend map. It is only ever
// touched from the authoritative loop, so it carries no locks.
type Registry struct {
	instruments map[string]*Instrument
	trends      map[string]*Trend
}

func NewRegistry(cfg *config.MarketConfig) *Registry {
	r := &Registry{}
	r.Reload(cfg)
	return r
}

// Reload rebuilds the instrument set wholesale from configuration. Prices
// restart from initial-price and all trends reset to stable.
func (r *Registry) Reload(cfg *config.MarketConfig) {
	r.instruments = make(map[string]*Instrument, len(cfg.Stocks))
	r.trends = make(map[string]*Trend, len(cfg.Stocks))
	for id, st := range cfg.Stocks {
		r.instruments[id] = &Instrument{
			ID:          id,
			DisplayName: st.Name,
			Price:       st.InitialPrice,
			Fluctuation: st.Fluctuation,
		}
		r.trends[id] = &Trend{Kind: TrendStable}
	}
}

func (r *Registry) Get(id string) (Instrument, bool) {
	inst, ok := r.instruments[id]
	if !ok {
		return Instrument{}, false
	}
	return *inst, true
}

func (r *Registry) Trend(id string) (Trend, bool) {
	t, ok := r.trends[id]
	if !ok {
		return Trend{}, false
	}
	return *t, true
}

// List returns a copy of every instrument, ordered by id.
func (r *Registry) List() []Instrument {
	out := make([]Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetPrice is the admin override. The price floor does not apply here; any
// positive price is accepted.
func (r *Registry) SetPrice(id string, price float64) error {
	inst, ok := r.instruments[id]
	if !ok {
		return ErrUnknownInstrument
	}
	if price <= 0 {
		return errors.New("price must be > 0")
	}
	inst.Price = price
	return nil
}

// PriceIndex returns a point-in-time id -> price map for mark-to-market
// valuation outside the authoritative loop.
func (r *Registry) PriceIndex() map[string]float64 {
	out := make(map[string]float64, len(r.instruments))
	for id, inst := range r.instruments {
		out[id] = inst.Price
	}
	return out
}

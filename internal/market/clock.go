package market

import (
	"math"
	"math/rand"
)

// PriceAlert is raised when a tick moves a price past the notification
// threshold. Delivery to subscribed players is the caller's job.
type PriceAlert struct {
	InstrumentID  string
	DisplayName   string
	OldPrice      float64
	NewPrice      float64
	PercentChange float64
}

// Clock advances every instrument's trend and price once per tick. The rand
// source is injected so simulations are reproducible.
type Clock struct {
	reg              *Registry
	rand             *rand.Rand
	floor            float64
	thresholdPercent float64
}

func NewClock(reg *Registry, rnd *rand.Rand, floor, thresholdPercent float64) *Clock {
	return &Clock{reg: reg, rand: rnd, floor: floor, thresholdPercent: thresholdPercent}
}

// SetParams updates the clock after a configuration reload.
func (c *Clock) SetParams(floor, thresholdPercent float64) {
	c.floor = floor
	c.thresholdPercent = thresholdPercent
}

// Tick mutates every instrument and returns the alerts that crossed the
// threshold. Ticks never overlap: the clock runs only on the authoritative
// loop and does no I/O.
func (c *Clock) Tick() []PriceAlert {
	var alerts []PriceAlert
	for _, inst := range c.reg.List() {
		trend := c.reg.trends[inst.ID]
		stepTrend(trend, c.rand)

		live := c.reg.instruments[inst.ID]
		old := live.Price
		live.Price = nextPrice(old, live.Fluctuation, trend.Kind.Multiplier(), c.rand.Float64(), c.floor)

		pct := percentChange(old, live.Price)
		if math.Abs(pct) >= c.thresholdPercent {
			alerts = append(alerts, PriceAlert{
				InstrumentID:  inst.ID,
				DisplayName:   live.DisplayName,
				OldPrice:      old,
				NewPrice:      live.Price,
				PercentChange: pct,
			})
		}
	}
	return alerts
}

// stepTrend advances the regime process: with probability 0.1 a new kind is
// drawn uniformly (the same kind may be re-drawn) and lasts 3-7 ticks;
// otherwise the remaining duration counts down and expires into stable.
func stepTrend(t *Trend, rnd *rand.Rand) {
	if rnd.Float64() < 0.1 {
		t.Kind = TrendKind(rnd.Intn(3))
		t.RemainingTicks = 3 + rnd.Intn(5)
		return
	}
	t.RemainingTicks--
	if t.RemainingTicks <= 0 {
		t.Kind = TrendStable
		t.RemainingTicks = 0
	}
}

// nextPrice applies one random-walk step. u is uniform in [0,1).
func nextPrice(old, fluctuation, multiplier, u, floor float64) float64 {
	delta := (u*2 - 1) * fluctuation * multiplier
	return math.Max(floor, old+delta)
}

func percentChange(old, next float64) float64 {
	return (next - old) / old * 100
}

package ledger

import "time"

// Window counts a player's buys and sells inside the current rolling
// period. Counts from before ResetAt's expiry are treated as zero.
type Window struct {
	BuyCount  int
	SellCount int
	ResetAt   time.Time
}

// Override is an admin-set per-player limit replacing the global defaults.
// A nil side falls through to the global value; 0 lifts the cap entirely.
type Override struct {
	BuyLimit  *int
	SellLimit *int
}

type LimitConfig struct {
	Enabled    bool
	Buy        int
	Sell       int
	ResetEvery time.Duration
}

// Decision is the outcome of a limit check, with the figures needed for a
// user-facing rejection.
type Decision struct {
	Allowed bool
	Count   int
	Limit   int
}

// Tracker applies the window semantics. It holds no per-player state
// itself; the window lives in the session cache and the tracker is shared.
type Tracker struct {
	cfg LimitConfig
	now func() time.Time
}

func NewTracker(cfg LimitConfig) *Tracker {
	return &Tracker{cfg: cfg, now: time.Now}
}

// SetConfig swaps the global limits after a reload.
func (t *Tracker) SetConfig(cfg LimitConfig) { t.cfg = cfg }

// SetNow overrides the clock; tests only.
func (t *Tracker) SetNow(now func() time.Time) { t.now = now }

func (t *Tracker) Enabled() bool { return t.cfg.Enabled }

func (t *Tracker) limitFor(ov Override, isBuy bool) int {
	if isBuy {
		if ov.BuyLimit != nil {
			return *ov.BuyLimit
		}
		return t.cfg.Buy
	}
	if ov.SellLimit != nil {
		return *ov.SellLimit
	}
	return t.cfg.Sell
}

// Check decides whether one more trade on the given side fits the window.
// The counter is not incremented here; Record runs after the trade commits,
// and both happen on the authoritative loop so no other trade for the same
// player can slip between them.
func (t *Tracker) Check(w *Window, ov Override, isBuy bool) Decision {
	if !t.cfg.Enabled {
		return Decision{Allowed: true, Limit: -1}
	}
	limit := t.limitFor(ov, isBuy)
	if limit <= 0 {
		return Decision{Allowed: true, Limit: -1}
	}
	count := 0
	if t.now().Before(w.ResetAt) {
		if isBuy {
			count = w.BuyCount
		} else {
			count = w.SellCount
		}
	}
	return Decision{Allowed: count < limit, Count: count, Limit: limit}
}

// Record counts an executed trade. The first trade at or past ResetAt
// zeroes both counters and anchors a fresh window.
func (t *Tracker) Record(w *Window, isBuy bool) {
	if !t.cfg.Enabled {
		return
	}
	now := t.now()
	if !now.Before(w.ResetAt) {
		w.BuyCount = 0
		w.SellCount = 0
		w.ResetAt = now.Add(t.cfg.ResetEvery)
	}
	if isBuy {
		w.BuyCount++
	} else {
		w.SellCount++
	}
}

// Remaining reports how many trades are left on a side, or -1 when the side
// is uncapped (limits disabled, or limit configured to 0).
func (t *Tracker) Remaining(w *Window, ov Override, isBuy bool) int {
	if !t.cfg.Enabled {
		return -1
	}
	limit := t.limitFor(ov, isBuy)
	if limit <= 0 {
		return -1
	}
	count := 0
	if t.now().Before(w.ResetAt) {
		if isBuy {
			count = w.BuyCount
		} else {
			count = w.SellCount
		}
	}
	if rem := limit - count; rem > 0 {
		return rem
	}
	return 0
}

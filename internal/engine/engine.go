// Package engine runs the authoritative market loop. A single goroutine
// owns all mutable in-memory state (instrument prices, trends, session
// caches); storage I/O and ranking scans run on a background worker pool
// and hand results back to the loop as messages.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stockd/internal/config"
	"stockd/internal/economy"
	"stockd/internal/ledger"
	"stockd/internal/market"
)

var (
	ErrNotConnected = errors.New("player session not loaded")
	ErrStopped      = errors.New("engine stopped")
)

// Store is the durable-store surface the engine needs. Background workers
// call it; results come back to the loop via posted closures.
type Store interface {
	LoadPlayer(ctx context.Context, playerID uuid.UUID) (ledger.PlayerState, error)
	SavePlayer(ctx context.Context, state ledger.PlayerState) error
	LimitOverride(ctx context.Context, playerID uuid.UUID) (ledger.Override, error)
	SetLimitOverride(ctx context.Context, playerID uuid.UUID, isBuy bool, limit int) error
	DeleteWindow(ctx context.Context, playerID uuid.UUID) error
	ActivePositions(ctx context.Context) ([]ledger.Position, error)
	UpsertPosition(ctx context.Context, pos ledger.Position) error
}

// Notifier delivers price alerts to connected players. Implemented by the
// session/identity collaborator; the default just logs.
type Notifier interface {
	PriceAlert(playerID uuid.UUID, alert market.PriceAlert)
}

type logNotifier struct{ log *slog.Logger }

func (n logNotifier) PriceAlert(playerID uuid.UUID, alert market.PriceAlert) {
	n.log.Info("price alert",
		"player", playerID,
		"instrument", alert.InstrumentID,
		"old_price", alert.OldPrice,
		"new_price", alert.NewPrice,
		"change_percent", alert.PercentChange,
	)
}

type Options struct {
	Market       *config.MarketConfig
	Store        Store
	Wallet       economy.Provider
	Notifier     Notifier
	Logger       *slog.Logger
	Rand         *rand.Rand
	SaveInterval time.Duration
	StoreTimeout time.Duration
	Workers      int
}

type sessionState int

const (
	stateLoading sessionState = iota
	stateActive
	stateSaving
)

// session is one connected player's cached state. Only the loop touches it.
type session struct {
	playerID  uuid.UUID
	state     sessionState
	portfolio *ledger.Portfolio
	subs      map[string]struct{}
	window    ledger.Window
	override  ledger.Override

	// lifecycle flags keeping per-player load/flush strictly ordered
	closeAfterLoad  bool
	evictOnSave     bool
	reopenAfterSave bool
}

type Engine struct {
	log      *slog.Logger
	store    Store
	wallet   economy.Provider
	notifier Notifier

	reg     *market.Registry
	clock   *market.Clock
	tracker *ledger.Tracker

	feePercent   float64
	tickEvery    time.Duration
	saveInterval time.Duration
	storeTimeout time.Duration
	workers      int

	sessions map[uuid.UUID]*session

	ops      chan func()
	tasks    chan func()
	quit     chan struct{}
	tick     *time.Ticker
	stopOnce sync.Once
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = logNotifier{log: logger}
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	saveInterval := opts.SaveInterval
	if saveInterval <= 0 {
		saveInterval = time.Hour
	}
	storeTimeout := opts.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 10 * time.Second
	}

	cfg := opts.Market
	reg := market.NewRegistry(cfg)
	e := &Engine{
		log:          logger,
		store:        opts.Store,
		wallet:       opts.Wallet,
		notifier:     notifier,
		reg:          reg,
		clock:        market.NewClock(reg, rnd, cfg.PriceFloor, cfg.NotificationThresholdPercent),
		tracker:      ledger.NewTracker(limitConfig(cfg)),
		feePercent:   cfg.TransactionFeePercent,
		tickEvery:    time.Duration(cfg.UpdateIntervalSeconds) * time.Second,
		saveInterval: saveInterval,
		storeTimeout: storeTimeout,
		workers:      workers,
		sessions:     make(map[uuid.UUID]*session),
		ops:          make(chan func(), 128),
		tasks:        make(chan func(), 128),
		quit:         make(chan struct{}),
	}
	return e
}

func limitConfig(cfg *config.MarketConfig) ledger.LimitConfig {
	return ledger.LimitConfig{
		Enabled:    cfg.Limits.Enable,
		Buy:        cfg.Limits.Buy,
		Sell:       cfg.Limits.Sell,
		ResetEvery: time.Duration(cfg.Limits.ResetHours) * time.Hour,
	}
}

// Run drives the authoritative loop until ctx is cancelled, then flushes
// every cached session and returns.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case task := <-e.tasks:
					task()
				case <-e.quit:
					return
				}
			}
		}()
	}

	e.tick = time.NewTicker(e.tickEvery)
	defer e.tick.Stop()
	save := time.NewTicker(e.saveInterval)
	defer save.Stop()

	e.log.Info("engine started", "tick_every", e.tickEvery.String(), "save_interval", e.saveInterval.String())
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			wg.Wait()
			return
		case op := <-e.ops:
			op()
		case <-e.tick.C:
			e.runTick()
		case <-save.C:
			e.flushAll()
		}
	}
}

func (e *Engine) shutdown() {
	e.stopOnce.Do(func() { close(e.quit) })
	e.log.Info("flushing sessions", "count", len(e.sessions))
	for id, s := range e.sessions {
		if s.state == stateLoading {
			continue
		}
		fctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout)
		if err := e.store.SavePlayer(fctx, e.snapshot(s)); err != nil {
			e.log.Error("final flush failed", "player", id, "err", err)
		}
		cancel()
	}
	e.sessions = make(map[uuid.UUID]*session)
	e.log.Info("engine stopped")
}

// do runs fn on the authoritative loop and waits for it.
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(done) }:
	case <-e.quit:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-e.quit:
		return ErrStopped
	}
}

// submit hands a task to the background pool. Called from the loop only;
// spills to a fresh goroutine rather than ever blocking the loop.
func (e *Engine) submit(task func()) {
	select {
	case e.tasks <- task:
	default:
		go task()
	}
}

// post delivers a background result to the loop.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.quit:
	}
}

func (e *Engine) runTick() {
	alerts := e.clock.Tick()
	if len(alerts) == 0 {
		return
	}
	for _, alert := range alerts {
		for id, s := range e.sessions {
			if s.state == stateLoading {
				continue
			}
			if _, subscribed := s.subs[alert.InstrumentID]; !subscribed {
				continue
			}
			playerID, a := id, alert
			e.submit(func() { e.notifier.PriceAlert(playerID, a) })
		}
	}
}

// SessionJoin starts the async load of a player's state. Idempotent for an
// already-connected player; a join racing an eviction flush reloads after
// the flush completes.
func (e *Engine) SessionJoin(playerID uuid.UUID) error {
	return e.do(func() { e.handleJoin(playerID) })
}

func (e *Engine) handleJoin(playerID uuid.UUID) {
	if s, ok := e.sessions[playerID]; ok {
		switch s.state {
		case stateLoading:
			s.closeAfterLoad = false
		case stateActive:
			// A failed quit flush leaves the eviction pending; rejoining
			// cancels it so the periodic flush keeps the session.
			s.evictOnSave = false
		case stateSaving:
			if s.evictOnSave {
				s.reopenAfterSave = true
			}
		}
		return
	}
	s := &session{
		playerID:  playerID,
		state:     stateLoading,
		portfolio: ledger.NewPortfolio(playerID),
		subs:      make(map[string]struct{}),
	}
	e.sessions[playerID] = s
	e.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout)
		defer cancel()
		state, err := e.store.LoadPlayer(ctx, playerID)
		var ov ledger.Override
		if err == nil {
			ov, err = e.store.LimitOverride(ctx, playerID)
		}
		e.post(func() { e.installLoad(playerID, state, ov, err) })
	})
}

func (e *Engine) installLoad(playerID uuid.UUID, state ledger.PlayerState, ov ledger.Override, err error) {
	s, ok := e.sessions[playerID]
	if !ok || s.state != stateLoading {
		return
	}
	if err != nil {
		e.log.Error("session load failed", "player", playerID, "err", err)
		delete(e.sessions, playerID)
		return
	}
	s.portfolio.Restore(state.Positions)
	s.subs = make(map[string]struct{}, len(state.Subscriptions))
	for _, id := range state.Subscriptions {
		s.subs[id] = struct{}{}
	}
	if state.Window != nil {
		s.window = *state.Window
	}
	s.override = ov
	s.state = stateActive
	if s.closeAfterLoad {
		e.beginSave(s, true)
	}
}

// SessionQuit flushes the player's cached state and evicts it once the
// flush lands.
func (e *Engine) SessionQuit(playerID uuid.UUID) error {
	return e.do(func() { e.handleQuit(playerID) })
}

func (e *Engine) handleQuit(playerID uuid.UUID) {
	s, ok := e.sessions[playerID]
	if !ok {
		return
	}
	switch s.state {
	case stateLoading:
		s.closeAfterLoad = true
	case stateActive:
		e.beginSave(s, true)
	case stateSaving:
		s.evictOnSave = true
		s.reopenAfterSave = false
	}
}

func (e *Engine) beginSave(s *session, evict bool) {
	s.state = stateSaving
	if evict {
		s.evictOnSave = true
	}
	snap := e.snapshot(s)
	playerID := s.playerID
	e.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout)
		defer cancel()
		err := e.store.SavePlayer(ctx, snap)
		e.post(func() { e.finishSave(playerID, err) })
	})
}

func (e *Engine) finishSave(playerID uuid.UUID, err error) {
	s, ok := e.sessions[playerID]
	if !ok || s.state != stateSaving {
		return
	}
	if err != nil {
		// Keep the session; the periodic flush retries, and evictOnSave
		// survives so a pending quit still completes.
		e.log.Error("session flush failed", "player", playerID, "err", err)
		s.state = stateActive
		return
	}
	if s.evictOnSave {
		delete(e.sessions, playerID)
		if s.reopenAfterSave {
			e.handleJoin(playerID)
		}
		return
	}
	s.state = stateActive
}

// flushAll saves every active session without evicting.
func (e *Engine) flushAll() {
	for _, s := range e.sessions {
		if s.state == stateActive {
			e.beginSave(s, s.evictOnSave)
		}
	}
}

func (e *Engine) snapshot(s *session) ledger.PlayerState {
	state := ledger.PlayerState{
		PlayerID:  s.playerID,
		Positions: s.portfolio.All(),
	}
	subs := make([]string, 0, len(s.subs))
	for id := range s.subs {
		subs = append(subs, id)
	}
	sort.Strings(subs)
	state.Subscriptions = subs
	if s.window != (ledger.Window{}) {
		w := s.window
		state.Window = &w
	}
	return state
}

func (e *Engine) activeSession(playerID uuid.UUID) (*session, bool) {
	s, ok := e.sessions[playerID]
	if !ok || s.state == stateLoading {
		return nil, false
	}
	return s, true
}

// Reload installs a freshly parsed market configuration: instruments are
// rebuilt with trends reset, simulation parameters and limits are swapped.
// Cached player state is untouched.
func (e *Engine) Reload(cfg *config.MarketConfig) error {
	return e.do(func() {
		e.reg.Reload(cfg)
		e.clock.SetParams(cfg.PriceFloor, cfg.NotificationThresholdPercent)
		e.tracker.SetConfig(limitConfig(cfg))
		e.feePercent = cfg.TransactionFeePercent
		e.tickEvery = time.Duration(cfg.UpdateIntervalSeconds) * time.Second
		if e.tick != nil {
			e.tick.Reset(e.tickEvery)
		}
		e.log.Info("market config reloaded", "instruments", len(cfg.Stocks))
	})
}

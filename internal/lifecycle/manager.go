package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ol-hedge-bot/internal/alerts"
	"ol-hedge-bot/internal/config"
	"ol-hedge-bot/internal/costs"
	"ol-hedge-bot/internal/engine"
	"ol-hedge-bot/internal/market"
	"ol-hedge-bot/internal/metrics"
	"ol-hedge-bot/internal/state"
	"ol-hedge-bot/internal/venue"
)

const eventQueueSize = 128

// fillEpsilon tolerates float drift when comparing cumulative fills against
// the requested size.
const fillEpsilon = 1e-9

// Snapshotter provides the combined two-venue market view the manager
// decides on.
type Snapshotter interface {
	Snapshot(ctx context.Context, instrument string) (market.Snapshot, error)
}

// Config is the slice of the application config the manager acts on.
type Config struct {
	Instrument     config.InstrumentConfig
	Lifecycle      config.LifecycleConfig
	DecideInterval time.Duration
}

// Deps carries the manager's collaborators. Maker, Hedge, Snapshots, Engine
// and Costs are required; the rest default to no-ops.
type Deps struct {
	Maker     venue.Adapter
	Hedge     venue.Adapter
	Snapshots Snapshotter
	Engine    *engine.Engine
	Costs     *costs.Model
	Ledger    *costs.Ledger
	Store     state.Store
	History   History
	Alerts    alerts.Notifier
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// Manager owns the full order lifecycle for one instrument: maker entry,
// taker hedge, resting closes and the fee ledger around them. All order
// state is mutated from the single goroutine running Run; push events and
// poll results funnel through one channel so the two paths can never race
// on an order.
type Manager struct {
	cfg     Config
	maker   venue.Adapter
	hedge   venue.Adapter
	snaps   Snapshotter
	eng     *engine.Engine
	model   *costs.Model
	ledger  *costs.Ledger
	store   state.Store
	history History
	alerts  alerts.Notifier
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	machine *Machine
	closes  *ActiveCloseOrderSet
	fills   *FillTracker
	events  chan venue.OrderUpdate

	// Owned by the run goroutine.
	open            *OrderRecord
	openPlacedAt    time.Time
	closeRetries    int
	lastClosePlaced time.Time
	requeued        []*closeRetry

	paused        atomic.Bool
	stopRequested atomic.Bool
	stopped       atomic.Bool

	mu         sync.Mutex
	stopReason string
	makerNet   float64
	hedgeNet   float64
	hedgedSize float64
	openID     string
	openFilled float64
}

// Status is a point-in-time operator view of the manager.
type Status struct {
	Ticker      string
	State       State
	Paused      bool
	Halted      bool
	HaltReason  string
	OpenOrderID string
	OpenFilled  float64
	HedgedSize  float64
	CloseOrders int
	MakerNet    float64
	HedgeNet    float64
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if cfg.Instrument.Ticker == "" {
		return nil, errors.New("lifecycle: instrument ticker required")
	}
	if deps.Maker == nil || deps.Hedge == nil {
		return nil, errors.New("lifecycle: maker and hedge adapters required")
	}
	if deps.Snapshots == nil {
		return nil, errors.New("lifecycle: snapshot source required")
	}
	if deps.Engine == nil || deps.Costs == nil {
		return nil, errors.New("lifecycle: decision engine and cost model required")
	}
	if cfg.DecideInterval <= 0 {
		cfg.DecideInterval = 5 * time.Second
	}
	if cfg.Lifecycle.PollInterval <= 0 {
		cfg.Lifecycle.PollInterval = time.Second
	}
	if deps.History == nil {
		deps.History = NoopHistory{}
	}
	if deps.Alerts == nil {
		deps.Alerts = alerts.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Ledger == nil {
		deps.Ledger = costs.NewLedger(deps.Store, deps.Log)
	}
	return &Manager{
		cfg:     cfg,
		maker:   deps.Maker,
		hedge:   deps.Hedge,
		snaps:   deps.Snapshots,
		eng:     deps.Engine,
		model:   deps.Costs,
		ledger:  deps.Ledger,
		store:   deps.Store,
		history: deps.History,
		alerts:  deps.Alerts,
		metrics: deps.Metrics,
		log:     deps.Log,
		now:     time.Now,
		machine: NewMachine(),
		closes:  NewActiveCloseOrderSet(cfg.Instrument.GridStepBps, cfg.Instrument.MaxCloseOrders),
		fills:   NewFillTracker(),
		events:  make(chan venue.OrderUpdate, eventQueueSize),
	}, nil
}

// Run drives the manager until ctx is done. It restores any persisted
// cycle, starts the push subscription when the venue offers one and then
// serializes every event, poll sweep and decision tick through this one
// goroutine.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.restore(ctx); err != nil {
		m.log.Warn("cycle restore failed, starting clean", zap.Error(err))
	}
	go m.subscribe(ctx)

	decide := time.NewTicker(m.cfg.DecideInterval)
	defer decide.Stop()
	poll := time.NewTicker(m.cfg.Lifecycle.PollInterval)
	defer poll.Stop()

	m.log.Info("lifecycle manager started",
		zap.String("ticker", m.cfg.Instrument.Ticker),
		zap.String("direction", m.cfg.Instrument.Direction),
		zap.Bool("boost", m.cfg.Instrument.Boost),
	)
	for {
		select {
		case <-ctx.Done():
			m.persist(ctx)
			return ctx.Err()
		case u := <-m.events:
			m.handleEvent(ctx, u)
		case <-poll.C:
			m.pollOrders(ctx)
		case <-decide.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) subscribe(ctx context.Context) {
	err := m.maker.SubscribeOrderUpdates(ctx, m.enqueue)
	switch {
	case errors.Is(err, venue.ErrUnsupported):
		m.log.Info("maker venue has no push order updates, relying on polling",
			zap.String("venue", m.maker.Name()))
	case err != nil && ctx.Err() == nil:
		m.log.Warn("order update stream ended", zap.Error(err))
	}
}

func (m *Manager) enqueue(u venue.OrderUpdate) {
	select {
	case m.events <- u:
	default:
		// The next poll sweep re-reads the order, so dropping is safe.
		m.log.Warn("event queue full, dropping update", zap.String("order_id", u.OrderID))
	}
}

// Pause suspends new open placements; live orders stay monitored.
func (m *Manager) Pause() {
	m.paused.Store(true)
	m.log.Info("placements paused by operator")
}

func (m *Manager) Resume() {
	m.paused.Store(false)
	m.log.Info("placements resumed by operator")
}

func (m *Manager) Paused() bool { return m.paused.Load() }

// RequestShutdown asks the run goroutine to cancel all resting orders and
// halt new activity. Safe to call from any goroutine; positions are left
// for manual resolution.
func (m *Manager) RequestShutdown(reason string) {
	m.mu.Lock()
	if m.stopReason == "" {
		m.stopReason = reason
	}
	m.mu.Unlock()
	m.stopRequested.Store(true)
}

func (m *Manager) Halted() bool { return m.stopped.Load() }

// RecordedPositions returns the signed net positions implied by the fills
// the manager has processed, used by the reconciler as ground truth.
func (m *Manager) RecordedPositions() (makerNet, hedgeNet float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.makerNet, m.hedgeNet
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Ticker:      m.cfg.Instrument.Ticker,
		HaltReason:  m.stopReason,
		MakerNet:    m.makerNet,
		HedgeNet:    m.hedgeNet,
		HedgedSize:  m.hedgedSize,
		OpenOrderID: m.openID,
		OpenFilled:  m.openFilled,
	}
	m.mu.Unlock()
	st.State = m.machine.Current()
	st.Paused = m.paused.Load()
	st.Halted = m.stopped.Load()
	st.CloseOrders = m.closes.Count()
	return st
}

// tick runs one decision pass: honor shutdown and pause gates, supervise
// whatever is in flight, otherwise ask the engine for a new entry.
func (m *Manager) tick(ctx context.Context) {
	if m.stopped.Load() {
		return
	}
	if m.stopRequested.Load() {
		m.mu.Lock()
		reason := m.stopReason
		m.mu.Unlock()
		m.performShutdown(ctx, reason)
		return
	}
	snap, err := m.snaps.Snapshot(ctx, m.cfg.Instrument.Ticker)
	if err != nil {
		m.log.Warn("snapshot unavailable", zap.Error(err))
		return
	}
	if stop := m.cfg.Instrument.StopPrice; m.thresholdCrossed(snap.HedgeMid(), stop) {
		m.fatal(ctx, fmt.Sprintf("stop price %.6g crossed at %.6g", stop, snap.HedgeMid()))
		return
	}
	m.resubmitCloses(ctx, snap)
	if m.stopped.Load() {
		return
	}
	if m.open != nil {
		m.superviseOpen(ctx, snap)
		return
	}
	if st := m.machine.Current(); st != StateIdle {
		m.log.Warn("cycle state without an open order, resetting", zap.String("state", string(st)))
		m.machine.SetState(StateIdle)
		return
	}
	if m.paused.Load() {
		return
	}
	if pause := m.cfg.Instrument.PausePrice; m.thresholdCrossed(snap.HedgeMid(), pause) {
		m.log.Debug("pause price crossed, placements suspended",
			zap.Float64("pause_price", pause), zap.Float64("hedge_mid", snap.HedgeMid()))
		return
	}
	if cd := m.closes.Cooldown(m.cfg.Instrument.WaitTime); cd > 0 && m.now().Sub(m.lastClosePlaced) < cd {
		return
	}
	m.evaluateAndPlace(ctx, snap)
}

// thresholdCrossed applies the directional stop/pause semantics: thresholds
// are lower bounds for long runs and upper bounds for short runs. Auto runs
// follow the sign of the current maker exposure.
func (m *Manager) thresholdCrossed(mid, threshold float64) bool {
	if threshold <= 0 || mid <= 0 {
		return false
	}
	if m.runDirection() == venue.DirectionShort {
		return mid >= threshold
	}
	return mid <= threshold
}

func (m *Manager) runDirection() venue.Direction {
	switch m.cfg.Instrument.Direction {
	case "short":
		return venue.DirectionShort
	case "long":
		return venue.DirectionLong
	}
	m.mu.Lock()
	net := m.makerNet
	m.mu.Unlock()
	if net < 0 {
		return venue.DirectionShort
	}
	return venue.DirectionLong
}

func (m *Manager) superviseOpen(ctx context.Context, snap market.Snapshot) {
	rec := m.open
	if rec == nil {
		return
	}
	switch m.machine.Current() {
	case StateOpenPlaced, StateOpenPartiallyFilled:
		adverse := m.openTurnedAdverse(rec, snap)
		expired := m.cfg.Lifecycle.FillTimeout > 0 && m.now().Sub(m.openPlacedAt) >= m.cfg.Lifecycle.FillTimeout
		if !adverse && !expired {
			return
		}
		reason := "fill_timeout"
		if adverse {
			reason = "adverse_move"
		}
		m.cancelOpen(ctx, reason)
	case StateOpenFilled, StateOpenCancelled, StateCloseFailed:
		m.tryPlaceClose(ctx, snap)
	}
}

// openTurnedAdverse reports whether the resting open no longer satisfies the
// offset rule: the hedge touch has moved through the order, or the maker
// touch has drifted so far the order would fill into a falling (rising)
// market.
func (m *Manager) openTurnedAdverse(rec *OrderRecord, snap market.Snapshot) bool {
	off := m.cfg.Instrument.PriceOffsetBps / 1e4
	tick := m.cfg.Instrument.TickSize
	if rec.Direction == venue.DirectionLong {
		if hb := snap.Hedge.Bid; hb > 0 && rec.RequestedPrice > hb {
			return true
		}
		if mb := snap.Maker.Bid; mb > 0 && mb*(1-off) < rec.RequestedPrice-tick {
			return true
		}
		return false
	}
	if ha := snap.Hedge.Ask; ha > 0 && rec.RequestedPrice < ha {
		return true
	}
	if ma := snap.Maker.Ask; ma > 0 && ma*(1+off) > rec.RequestedPrice+tick {
		return true
	}
	return false
}

func (m *Manager) evaluateAndPlace(ctx context.Context, snap market.Snapshot) {
	m.metrics.DecisionsEvaluated.Inc()
	size := m.eng.SizeFor(snap)
	if size <= 0 {
		m.metrics.DecisionsSkipped.Inc()
		m.recordDecision(snap, engine.Decision{Reason: engine.SkipSizeTooSmall})
		return
	}
	cost, err := m.cycleCosts(snap, size)
	if err != nil {
		m.log.Warn("cost estimate unavailable", zap.Error(err))
		return
	}
	d := m.eng.Evaluate(snap, cost)
	m.recordDecision(snap, d)
	if !d.Place {
		m.metrics.DecisionsSkipped.Inc()
		m.log.Debug("entry skipped",
			zap.String("reason", d.Reason),
			zap.Float64("edge_bps", d.EdgeBps),
			zap.Float64("threshold_bps", d.ThresholdBps),
		)
		return
	}

	res, err := m.maker.PlaceOpenOrder(ctx, m.cfg.Instrument.Ticker, d.Size, d.Direction)
	if err != nil {
		m.log.Warn("open placement failed", zap.Error(err))
		return
	}
	if !res.Success {
		m.metrics.OrdersRejected.Inc()
		m.log.Warn("open order rejected",
			zap.String("kind", string(res.ErrorKind)), zap.String("message", res.Message))
		return
	}
	price := d.Price
	if res.Price > 0 {
		// The venue prices maker orders off its own touch; its report wins.
		price = res.Price
	}
	rec := &OrderRecord{
		ID:             res.OrderID,
		Instrument:     m.cfg.Instrument.Ticker,
		Venue:          m.maker.Name(),
		Side:           d.Direction.OpenSide(),
		Role:           venue.RoleOpen,
		Direction:      d.Direction,
		RequestedPrice: price,
		RequestedSize:  d.Size,
		State:          StateOpenPlaced,
		CreatedAt:      m.now(),
	}
	m.machine.Apply(EventPlaceOpen)
	m.open = rec
	m.openPlacedAt = m.now()
	m.setOpenView(rec.ID, 0)
	m.mu.Lock()
	m.hedgedSize = 0
	m.mu.Unlock()
	m.metrics.OrdersPlaced.Inc()
	m.log.Info("open order placed",
		zap.String("order_id", rec.ID),
		zap.String("direction", string(rec.Direction)),
		zap.Float64("price", rec.RequestedPrice),
		zap.Float64("size", rec.RequestedSize),
		zap.Float64("edge_bps", d.EdgeBps),
		zap.Float64("threshold_bps", d.ThresholdBps),
	)
	m.persist(ctx)
}

func (m *Manager) cycleCosts(snap market.Snapshot, size float64) (engine.Costs, error) {
	notional := size * snap.HedgeMid()
	base := costs.Input{
		Ticker:            m.cfg.Instrument.Ticker,
		AssetClass:        m.cfg.Instrument.AssetClass,
		Liquidity:         costs.Maker,
		Leverage:          m.cfg.Instrument.Leverage,
		NotionalUSD:       notional,
		FundingBpsPerHour: snap.FundingBps,
		HasFunding:        snap.HasFunding,
		Horizon:           m.cfg.Instrument.HoldingHorizon,
	}
	long := base
	long.Direction = venue.DirectionLong
	longEst, err := m.model.Estimate(long)
	if err != nil {
		return engine.Costs{}, err
	}
	short := base
	short.Direction = venue.DirectionShort
	shortEst, err := m.model.Estimate(short)
	if err != nil {
		return engine.Costs{}, err
	}
	return engine.Costs{Long: longEst, Short: shortEst}, nil
}

func (m *Manager) recordDecision(snap market.Snapshot, d engine.Decision) {
	m.history.RecordDecision(DecisionRecord{
		Time:           m.now(),
		Ticker:         m.cfg.Instrument.Ticker,
		Place:          d.Place,
		Reason:         d.Reason,
		Direction:      string(d.Direction),
		Price:          d.Price,
		Size:           d.Size,
		EdgeBps:        d.EdgeBps,
		ThresholdBps:   d.ThresholdBps,
		MakerMid:       snap.MakerMid(),
		HedgeMid:       snap.HedgeMid(),
		SpreadBps:      snap.QuotedSpreadBps(),
		DislocationBps: snap.DislocationBps(),
		FundingBps:     snap.FundingBps,
	})
}

// handleEvent is the single consumer for both push and poll order events.
// Any fill delta is hedged synchronously here, before the next event or
// state change for the order is accepted.
func (m *Manager) handleEvent(ctx context.Context, u venue.OrderUpdate) {
	if m.stopped.Load() {
		return
	}
	if m.open != nil && u.OrderID == m.open.ID {
		m.applyOpenUpdate(ctx, u)
		return
	}
	if _, ok := m.closes.Get(u.OrderID); ok {
		m.applyCloseUpdate(ctx, u)
		return
	}
	m.log.Debug("update for untracked order", zap.String("order_id", u.OrderID))
}

func (m *Manager) pollOrders(ctx context.Context) {
	if m.stopped.Load() {
		return
	}
	ids := make([]string, 0, 1+m.closes.Count())
	if m.open != nil {
		ids = append(ids, m.open.ID)
	}
	for _, rec := range m.closes.Orders() {
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		info, ok, err := m.maker.GetOrderInfo(ctx, id)
		if err != nil {
			m.log.Debug("order poll failed", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		m.handleEvent(ctx, updateFromInfo(info))
	}
}

func updateFromInfo(info venue.OrderInfo) venue.OrderUpdate {
	price := info.AvgFillPrice
	if price <= 0 {
		price = info.Price
	}
	return venue.OrderUpdate{
		Instrument:     info.Instrument,
		OrderID:        info.OrderID,
		Status:         info.Status,
		Side:           info.Side,
		Role:           info.Role,
		FilledQuantity: info.FilledSize,
		TotalQuantity:  info.Size,
		Price:          price,
	}
}

func (m *Manager) applyOpenUpdate(ctx context.Context, u venue.OrderUpdate) {
	rec := m.open
	if rec == nil || u.OrderID != rec.ID {
		return
	}
	total := u.TotalQuantity
	if total <= 0 {
		total = rec.RequestedSize
	}
	delta, _ := m.fills.Apply(rec.ID, u.FilledQuantity, total)
	if delta > 0 {
		price := u.Price
		if price <= 0 {
			price = rec.RequestedPrice
		}
		// Hedge before accepting any further state change for this order.
		key := hedgeKey("open", rec.ID, m.fills.Filled(rec.ID))
		if err := m.placeHedge(ctx, key, delta, rec.Direction.Opposite()); err != nil {
			m.fatal(ctx, fmt.Sprintf("unhedged open fill of %.8g on %s: %v", delta, rec.ID, err))
			return
		}
		prevFilled := rec.FilledSize
		rec.FilledSize = m.fills.Filled(rec.ID)
		if rec.FilledSize > 0 {
			rec.AvgFillPrice = (rec.AvgFillPrice*prevFilled + price*delta) / rec.FilledSize
		}
		m.applyExposure(rec.Direction, delta, true)
		m.setOpenView(rec.ID, rec.FilledSize)
		m.recordFillHistory(rec, delta, price)
		m.log.Info("open fill hedged",
			zap.String("order_id", rec.ID),
			zap.Float64("delta", delta),
			zap.Float64("cumulative", rec.FilledSize),
			zap.Float64("price", price),
		)
	}

	switch {
	case u.Status == venue.StatusFilled || rec.RemainingSize() <= fillEpsilon:
		if st, ok := m.machine.Apply(EventFullFill); ok {
			rec.State = st
		}
		if snap, err := m.snaps.Snapshot(ctx, m.cfg.Instrument.Ticker); err == nil {
			m.tryPlaceClose(ctx, snap)
		} else {
			m.log.Debug("close deferred, snapshot unavailable", zap.Error(err))
		}
	case u.Status == venue.StatusCanceled:
		m.concludeOpenCancel(ctx, rec, "venue_canceled")
	case u.Status == venue.StatusRejected:
		m.metrics.OrdersRejected.Inc()
		if _, ok := m.machine.Apply(EventCancelOpen); ok {
			rec.State = StateOpenCancelled
			rec.CancelReason = "rejected"
			m.log.Warn("open order rejected after placement", zap.String("order_id", rec.ID))
			if rec.FilledSize > 0 {
				if snap, err := m.snaps.Snapshot(ctx, m.cfg.Instrument.Ticker); err == nil {
					m.tryPlaceClose(ctx, snap)
				}
			} else {
				m.finishCycle(ctx, rec)
			}
		}
	case delta > 0:
		if st, ok := m.machine.Apply(EventPartialFill); ok {
			rec.State = st
		}
	}
	m.persist(ctx)
}

// cancelOpen cancels the resting open, re-reads the order to catch fills
// that landed while the cancel was in flight, then settles the cycle.
func (m *Manager) cancelOpen(ctx context.Context, reason string) {
	rec := m.open
	if rec == nil {
		return
	}
	if _, err := m.maker.CancelOrder(ctx, rec.ID); err != nil {
		m.log.Warn("cancel failed, retrying next tick",
			zap.String("order_id", rec.ID), zap.Error(err))
		return
	}
	if info, ok, err := m.maker.GetOrderInfo(ctx, rec.ID); err == nil && ok {
		u := updateFromInfo(info)
		// The terminal status is settled below with the requested reason.
		u.Status = venue.StatusOpen
		m.applyOpenUpdate(ctx, u)
	}
	if m.open == nil {
		return
	}
	switch m.machine.Current() {
	case StateOpenPlaced, StateOpenPartiallyFilled:
		m.concludeOpenCancel(ctx, rec, reason)
	}
}

func (m *Manager) concludeOpenCancel(ctx context.Context, rec *OrderRecord, reason string) {
	if _, ok := m.machine.Apply(EventCancelOpen); !ok {
		return
	}
	rec.State = StateOpenCancelled
	if rec.CancelReason == "" {
		rec.CancelReason = reason
	}
	if err := m.ledger.RecordForfeit(ctx, rec.ID, m.model.AncillaryUSD()); err != nil {
		m.log.Warn("forfeit not recorded", zap.Error(err))
	}
	m.metrics.OrdersCanceled.Inc()
	m.metrics.FeesForfeited.Inc()
	m.log.Info("open order canceled",
		zap.String("order_id", rec.ID),
		zap.String("reason", rec.CancelReason),
		zap.Float64("filled", rec.FilledSize),
	)
	if rec.FilledSize > 0 {
		// The hedged partial still needs a close; retried from tick if the
		// snapshot or the grid blocks it now.
		if snap, err := m.snaps.Snapshot(ctx, m.cfg.Instrument.Ticker); err == nil {
			m.tryPlaceClose(ctx, snap)
		}
	} else {
		m.finishCycle(ctx, rec)
	}
	m.persist(ctx)
}

// tryPlaceClose places the close leg for the current cycle's filled
// quantity. Grid spacing can defer it; venue rejection walks the retry
// ceiling toward a fatal halt.
func (m *Manager) tryPlaceClose(ctx context.Context, snap market.Snapshot) {
	rec := m.open
	if rec == nil {
		return
	}
	if rec.FilledSize <= 0 {
		m.finishCycle(ctx, rec)
		return
	}
	price := m.closePriceFor(rec, snap)
	if !m.closes.CanPlace(price) {
		m.log.Debug("close deferred by grid spacing",
			zap.Float64("price", price), zap.Int("resting", m.closes.Count()))
		return
	}
	ev := EventPlaceClose
	if m.machine.Current() == StateCloseFailed {
		ev = EventRetryClose
	}
	if _, ok := m.machine.Apply(ev); !ok {
		return
	}
	if m.cfg.Instrument.Boost {
		m.boostClose(ctx, rec)
		return
	}
	res, err := m.maker.PlaceCloseOrder(ctx, m.cfg.Instrument.Ticker, rec.FilledSize, price, rec.Direction.CloseSide())
	if err != nil || !res.Success {
		m.closeRejected(ctx, res, err)
		return
	}
	crec := &OrderRecord{
		ID:             res.OrderID,
		Instrument:     m.cfg.Instrument.Ticker,
		Venue:          m.maker.Name(),
		Side:           rec.Direction.CloseSide(),
		Role:           venue.RoleClose,
		Direction:      rec.Direction,
		RequestedPrice: price,
		RequestedSize:  rec.FilledSize,
		State:          StateClosePlaced,
		CreatedAt:      m.now(),
	}
	if res.Price > 0 {
		crec.RequestedPrice = res.Price
	}
	m.closes.Add(crec)
	m.lastClosePlaced = m.now()
	m.closeRetries = 0
	m.metrics.ClosesPlaced.Inc()
	m.log.Info("close order resting",
		zap.String("order_id", crec.ID),
		zap.Float64("price", crec.RequestedPrice),
		zap.Float64("size", crec.RequestedSize),
		zap.Int("resting", m.closes.Count()),
	)
	m.finishCycle(ctx, rec)
}

// closePriceFor quotes the close a grid step past the average entry, then
// re-quotes against the current book so the order rests instead of crossing.
func (m *Manager) closePriceFor(rec *OrderRecord, snap market.Snapshot) float64 {
	entry := rec.AvgFillPrice
	if entry <= 0 {
		entry = rec.RequestedPrice
	}
	step := m.cfg.Instrument.GridStepBps / 1e4
	tick := m.cfg.Instrument.TickSize
	if rec.Direction == venue.DirectionLong {
		price := entry * (1 + step)
		if ask := snap.Maker.Ask; ask > 0 && price < ask {
			price = ask
		}
		return engine.RoundUpToTick(price, tick)
	}
	price := entry * (1 - step)
	if bid := snap.Maker.Bid; bid > 0 && price > bid {
		price = bid
	}
	return engine.RoundDownToTick(price, tick)
}

// boostClose unwinds the cycle immediately with a taker order instead of
// resting a close.
func (m *Manager) boostClose(ctx context.Context, rec *OrderRecord) {
	res, err := m.maker.PlaceMarketOrder(ctx, m.cfg.Instrument.Ticker, rec.FilledSize, rec.Direction.Opposite())
	if err != nil || !res.Success {
		m.closeRejected(ctx, res, err)
		return
	}
	m.machine.Apply(EventCloseFill)
	m.metrics.ClosesPlaced.Inc()
	closeID := res.OrderID
	if closeID == "" {
		closeID = rec.ID + ":close"
	}
	key := hedgeKey("unwind", closeID, rec.FilledSize)
	if err := m.placeHedge(ctx, key, rec.FilledSize, rec.Direction); err != nil {
		m.fatal(ctx, fmt.Sprintf("hedge unwind failed for boost close %s: %v", closeID, err))
		return
	}
	m.applyExposure(rec.Direction, rec.FilledSize, false)
	if err := m.ledger.RecordRefund(ctx, closeID, m.model.RefundUSD()); err != nil {
		m.log.Warn("refund not recorded", zap.Error(err))
	}
	m.metrics.FeesRefunded.Inc()
	price := res.Price
	m.log.Info("boost close executed",
		zap.String("order_id", closeID),
		zap.Float64("size", rec.FilledSize),
		zap.Float64("price", price),
	)
	m.finishCycle(ctx, rec)
}

// closeRetry carries the residual exposure of a close order the venue
// terminated before a full fill, until a replacement rests.
type closeRetry struct {
	rec      *OrderRecord
	attempts int
}

// resubmitCloses re-quotes residual exposure from terminated close orders.
// Attempts are bounded by the close retry limit; exposure that cannot be
// re-quoted inside the ceiling halts the bot rather than lingering unhedged.
func (m *Manager) resubmitCloses(ctx context.Context, snap market.Snapshot) {
	if len(m.requeued) == 0 {
		return
	}
	kept := m.requeued[:0]
	for _, rq := range m.requeued {
		if limit := m.cfg.Lifecycle.CloseRetryLimit; limit > 0 && rq.attempts >= limit {
			m.fatal(ctx, fmt.Sprintf("close for %.10g %s could not be re-quoted after %d attempts, position exposed",
				rq.rec.RequestedSize, rq.rec.Direction, rq.attempts))
			return
		}
		price := m.closePriceFor(rq.rec, snap)
		if !m.closes.CanPlace(price) {
			kept = append(kept, rq)
			continue
		}
		rq.attempts++
		m.metrics.CloseRetries.Inc()
		res, err := m.maker.PlaceCloseOrder(ctx, m.cfg.Instrument.Ticker, rq.rec.RequestedSize, price, rq.rec.Direction.CloseSide())
		if err != nil || !res.Success {
			if err == nil {
				err = fmt.Errorf("close resubmit rejected: %s (%s)", res.Message, res.ErrorKind)
			}
			m.log.Warn("close resubmit failed",
				zap.Int("attempt", rq.attempts),
				zap.Float64("size", rq.rec.RequestedSize),
				zap.Error(err))
			kept = append(kept, rq)
			continue
		}
		crec := &OrderRecord{
			ID:             res.OrderID,
			Instrument:     m.cfg.Instrument.Ticker,
			Venue:          m.maker.Name(),
			Side:           rq.rec.Direction.CloseSide(),
			Role:           venue.RoleClose,
			Direction:      rq.rec.Direction,
			RequestedPrice: price,
			RequestedSize:  rq.rec.RequestedSize,
			State:          StateClosePlaced,
			CreatedAt:      m.now(),
		}
		if res.Price > 0 {
			crec.RequestedPrice = res.Price
		}
		m.closes.Add(crec)
		m.metrics.ClosesPlaced.Inc()
		m.log.Info("close re-quoted after venue termination",
			zap.String("order_id", crec.ID),
			zap.Float64("price", crec.RequestedPrice),
			zap.Float64("size", crec.RequestedSize),
			zap.Int("attempt", rq.attempts),
		)
	}
	m.requeued = kept
	m.persist(ctx)
}

func (m *Manager) closeRejected(ctx context.Context, res venue.OrderResult, err error) {
	m.machine.Apply(EventCloseReject)
	m.closeRetries++
	m.metrics.CloseRetries.Inc()
	if err == nil {
		err = fmt.Errorf("close rejected: %s (%s)", res.Message, res.ErrorKind)
	}
	m.log.Warn("close placement failed",
		zap.Int("attempt", m.closeRetries), zap.Error(err))
	if limit := m.cfg.Lifecycle.CloseRetryLimit; limit > 0 && m.closeRetries >= limit {
		m.fatal(ctx, fmt.Sprintf("close leg failed %d times, position may be unhedged: %v", m.closeRetries, err))
	}
}

// finishCycle returns the machine to Idle and releases the open record.
func (m *Manager) finishCycle(ctx context.Context, rec *OrderRecord) {
	m.machine.Apply(EventReset)
	m.fills.Forget(rec.ID)
	m.open = nil
	m.closeRetries = 0
	m.setOpenView("", 0)
	m.persist(ctx)
}

func (m *Manager) applyCloseUpdate(ctx context.Context, u venue.OrderUpdate) {
	rec, ok := m.closes.Get(u.OrderID)
	if !ok {
		return
	}
	total := u.TotalQuantity
	if total <= 0 {
		total = rec.RequestedSize
	}
	delta, _ := m.fills.Apply(rec.ID, u.FilledQuantity, total)
	if delta > 0 {
		price := u.Price
		if price <= 0 {
			price = rec.RequestedPrice
		}
		// Unwind the hedge for the closed slice before anything else.
		key := hedgeKey("unwind", rec.ID, m.fills.Filled(rec.ID))
		if err := m.placeHedge(ctx, key, delta, rec.Direction); err != nil {
			m.fatal(ctx, fmt.Sprintf("hedge unwind failed for close %s: %v", rec.ID, err))
			return
		}
		prevFilled := rec.FilledSize
		rec.FilledSize = m.fills.Filled(rec.ID)
		if rec.FilledSize > 0 {
			rec.AvgFillPrice = (rec.AvgFillPrice*prevFilled + price*delta) / rec.FilledSize
		}
		m.applyExposure(rec.Direction, delta, false)
		m.recordFillHistory(rec, delta, price)
		m.log.Info("close fill unwound",
			zap.String("order_id", rec.ID),
			zap.Float64("delta", delta),
			zap.Float64("cumulative", rec.FilledSize),
		)
	}

	switch {
	case u.Status == venue.StatusFilled || rec.RemainingSize() <= fillEpsilon:
		// Only a complete close earns the refund.
		if err := m.ledger.RecordRefund(ctx, rec.ID, m.model.RefundUSD()); err != nil {
			m.log.Warn("refund not recorded", zap.Error(err))
		}
		m.metrics.FeesRefunded.Inc()
		m.closes.Remove(rec.ID)
		m.fills.Forget(rec.ID)
		m.log.Info("close filled, cycle flat",
			zap.String("order_id", rec.ID), zap.Float64("size", rec.FilledSize))
	case u.Status == venue.StatusCanceled || u.Status == venue.StatusRejected:
		if err := m.ledger.RecordForfeit(ctx, rec.ID, m.model.AncillaryUSD()); err != nil {
			m.log.Warn("forfeit not recorded", zap.Error(err))
		}
		m.metrics.FeesForfeited.Inc()
		m.closes.Remove(rec.ID)
		m.fills.Forget(rec.ID)
		residual := rec.RemainingSize()
		m.log.Warn("close order terminated before full fill, refund forfeited",
			zap.String("order_id", rec.ID),
			zap.String("status", string(u.Status)),
			zap.Float64("filled", rec.FilledSize),
			zap.Float64("residual", residual),
		)
		// The unclosed slice is still exposed on both venues; queue it for a
		// fresh quote instead of dropping it.
		if residual > fillEpsilon {
			m.requeued = append(m.requeued, &closeRetry{rec: &OrderRecord{
				Instrument:     rec.Instrument,
				Venue:          rec.Venue,
				Side:           rec.Side,
				Role:           venue.RoleClose,
				Direction:      rec.Direction,
				RequestedPrice: rec.RequestedPrice,
				RequestedSize:  residual,
				State:          StateCloseFailed,
				CreatedAt:      m.now(),
			}})
		}
	}
	m.persist(ctx)
}

type hedgeIntent struct {
	ClientID  string  `json:"client_id"`
	Quantity  float64 `json:"quantity"`
	Direction string  `json:"direction"`
	AtMS      int64   `json:"at_ms"`
}

func hedgeKey(kind, orderID string, cumulative float64) string {
	return fmt.Sprintf("hedge:%s:%s:%.10g", kind, orderID, cumulative)
}

// placeHedge submits a taker order on the hedge venue for one fill slice.
// The intent is persisted under a deterministic key before the submit, so a
// crash-and-restart replay of the same fill level is skipped instead of
// hedged twice. A submit that cannot be confirmed is escalated, never
// dropped.
func (m *Manager) placeHedge(ctx context.Context, dedupKey string, qty float64, dir venue.Direction) error {
	if qty <= 0 {
		return nil
	}
	if m.store != nil {
		if _, ok, err := m.store.Get(ctx, dedupKey); err == nil && ok {
			m.log.Info("hedge already submitted for this fill level", zap.String("key", dedupKey))
			return nil
		}
	}
	intent := hedgeIntent{
		ClientID:  uuid.NewString(),
		Quantity:  qty,
		Direction: string(dir),
		AtMS:      m.now().UnixMilli(),
	}
	if m.store != nil {
		payload, err := json.Marshal(intent)
		if err == nil {
			if err := m.store.Set(ctx, dedupKey, string(payload)); err != nil {
				m.log.Warn("hedge intent not persisted", zap.Error(err))
			}
		}
	}
	before, posKnown := 0.0, false
	if pos, err := m.hedge.GetAccountPosition(ctx, m.cfg.Instrument.Ticker); err == nil {
		before, posKnown = pos, true
	}
	attempts := m.cfg.Lifecycle.HedgeRetryLimit
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := m.hedge.PlaceMarketOrder(ctx, m.cfg.Instrument.Ticker, qty, dir)
		if err == nil && res.Success {
			m.metrics.HedgesPlaced.Inc()
			m.log.Info("hedge order submitted",
				zap.String("client_id", intent.ClientID),
				zap.String("order_id", res.OrderID),
				zap.String("direction", string(dir)),
				zap.Float64("quantity", qty),
				zap.Int("attempt", attempt),
			)
			if posKnown {
				return m.awaitHedgePosition(ctx, before, dir)
			}
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("hedge rejected: %s (%s)", res.Message, res.ErrorKind)
		}
		m.log.Warn("hedge attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))
	}
	m.metrics.HedgesFailed.Inc()
	return lastErr
}

// awaitHedgePosition polls the hedge venue until the position moves in the
// traded direction, confirming the market order actually executed.
func (m *Manager) awaitHedgePosition(ctx context.Context, before float64, dir venue.Direction) error {
	wait := m.cfg.Lifecycle.HedgeFillWait
	if wait <= 0 {
		return nil
	}
	interval := m.cfg.Lifecycle.HedgeFillPoll
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	want := 1.0
	if dir == venue.DirectionShort {
		want = -1
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(interval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			m.metrics.HedgesFailed.Inc()
			return fmt.Errorf("hedge position unchanged after %s", wait)
		case <-poll.C:
			pos, err := m.hedge.GetAccountPosition(ctx, m.cfg.Instrument.Ticker)
			if err != nil {
				continue
			}
			if (pos-before)*want > 0 {
				return nil
			}
		}
	}
}

// applyExposure folds one fill delta into the recorded net positions.
// opening=true is the maker entry leg; false is the close leg.
func (m *Manager) applyExposure(dir venue.Direction, delta float64, opening bool) {
	sign := 1.0
	if dir == venue.DirectionShort {
		sign = -1
	}
	if !opening {
		sign = -sign
	}
	m.mu.Lock()
	m.makerNet += sign * delta
	m.hedgeNet -= sign * delta
	if opening {
		m.hedgedSize += delta
	}
	m.mu.Unlock()
}

func (m *Manager) recordFillHistory(rec *OrderRecord, delta, price float64) {
	m.history.RecordFill(FillRecord{
		Time:          m.now(),
		Ticker:        m.cfg.Instrument.Ticker,
		Venue:         rec.Venue,
		OrderID:       rec.ID,
		Side:          string(rec.Side),
		Role:          string(rec.Role),
		Price:         price,
		Quantity:      delta,
		CumulativeQty: rec.FilledSize,
	})
}

func (m *Manager) fatal(ctx context.Context, reason string) {
	m.log.Error("fatal condition", zap.String("reason", reason))
	if err := m.alerts.Send(ctx, "hedge bot halted: "+reason); err != nil {
		m.log.Warn("alert delivery failed", zap.Error(err))
	}
	m.performShutdown(ctx, reason)
}

// performShutdown cancels everything resting and halts new activity.
// Positions are deliberately left open for manual resolution.
func (m *Manager) performShutdown(ctx context.Context, reason string) {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	if m.stopReason == "" {
		m.stopReason = reason
	}
	m.mu.Unlock()
	m.log.Error("halting new activity", zap.String("reason", reason))
	if rec := m.open; rec != nil && !rec.State.terminalOpen() {
		if _, err := m.maker.CancelOrder(ctx, rec.ID); err != nil {
			m.log.Warn("shutdown cancel failed", zap.String("order_id", rec.ID), zap.Error(err))
		}
	}
	for _, rec := range m.closes.Orders() {
		if _, err := m.maker.CancelOrder(ctx, rec.ID); err != nil {
			m.log.Warn("shutdown cancel failed", zap.String("order_id", rec.ID), zap.Error(err))
		}
	}
	m.persist(ctx)
}

func (s State) terminalOpen() bool {
	switch s {
	case StateOpenCancelled, StateCloseFilled, StateIdle:
		return true
	}
	return false
}

func (m *Manager) setOpenView(id string, filled float64) {
	m.mu.Lock()
	m.openID = id
	m.openFilled = filled
	m.mu.Unlock()
}

func (m *Manager) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	snap := state.CycleSnapshot{
		Ticker:       m.cfg.Instrument.Ticker,
		Direction:    m.cfg.Instrument.Direction,
		Status:       string(m.machine.Current()),
		CloseRetries: m.closeRetries,
		UpdatedAtMS:  m.now().UnixMilli(),
	}
	if !m.lastClosePlaced.IsZero() {
		snap.LastCloseMS = m.lastClosePlaced.UnixMilli()
	}
	if rec := m.open; rec != nil {
		snap.Direction = string(rec.Direction)
		snap.OpenOrderID = rec.ID
		snap.OpenPrice = rec.RequestedPrice
		snap.OpenSize = rec.RequestedSize
		snap.OpenFilledSize = rec.FilledSize
		snap.OpenAvgFillPrice = rec.AvgFillPrice
	}
	m.mu.Lock()
	snap.HedgedSize = m.hedgedSize
	snap.MakerNet = m.makerNet
	snap.HedgeNet = m.hedgeNet
	m.mu.Unlock()
	for _, rec := range m.closes.Orders() {
		snap.CloseOrders = append(snap.CloseOrders, state.CloseOrderSnapshot{
			OrderID:    rec.ID,
			Price:      rec.RequestedPrice,
			Size:       rec.RequestedSize,
			FilledSize: rec.FilledSize,
			Direction:  string(rec.Direction),
		})
	}
	if err := state.SaveCycleSnapshot(ctx, m.store, snap); err != nil {
		m.log.Warn("cycle snapshot not persisted", zap.Error(err))
	}
}

// restore rebuilds the in-memory cycle from the last persisted snapshot.
// The first poll sweep then reconciles anything that changed while the
// process was down.
func (m *Manager) restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snap, ok, err := state.LoadCycleSnapshot(ctx, m.store)
	if err != nil {
		return err
	}
	if !ok || snap.Ticker != m.cfg.Instrument.Ticker {
		return nil
	}
	if snap.Status != "" {
		m.machine.SetState(State(snap.Status))
	}
	m.mu.Lock()
	m.hedgedSize = snap.HedgedSize
	m.makerNet = snap.MakerNet
	m.hedgeNet = snap.HedgeNet
	m.mu.Unlock()
	m.closeRetries = snap.CloseRetries
	if snap.LastCloseMS > 0 {
		m.lastClosePlaced = time.UnixMilli(snap.LastCloseMS)
	}
	if snap.OpenOrderID != "" {
		dir := venue.Direction(snap.Direction)
		if dir != venue.DirectionShort {
			dir = venue.DirectionLong
		}
		m.open = &OrderRecord{
			ID:             snap.OpenOrderID,
			Instrument:     snap.Ticker,
			Venue:          m.maker.Name(),
			Side:           dir.OpenSide(),
			Role:           venue.RoleOpen,
			Direction:      dir,
			RequestedPrice: snap.OpenPrice,
			RequestedSize:  snap.OpenSize,
			FilledSize:     snap.OpenFilledSize,
			AvgFillPrice:   snap.OpenAvgFillPrice,
			State:          State(snap.Status),
			CreatedAt:      m.now(),
		}
		m.openPlacedAt = m.now()
		m.fills.Apply(snap.OpenOrderID, snap.OpenFilledSize, snap.OpenSize)
		m.setOpenView(snap.OpenOrderID, snap.OpenFilledSize)
	}
	for _, co := range snap.CloseOrders {
		dir := venue.Direction(co.Direction)
		if dir != venue.DirectionShort {
			dir = venue.DirectionLong
		}
		rec := &OrderRecord{
			ID:             co.OrderID,
			Instrument:     snap.Ticker,
			Venue:          m.maker.Name(),
			Side:           dir.CloseSide(),
			Role:           venue.RoleClose,
			Direction:      dir,
			RequestedPrice: co.Price,
			RequestedSize:  co.Size,
			FilledSize:     co.FilledSize,
			State:          StateClosePlaced,
			CreatedAt:      m.now(),
		}
		m.closes.Add(rec)
		m.fills.Apply(co.OrderID, co.FilledSize, co.Size)
	}
	m.log.Info("resumed lifecycle from snapshot",
		zap.String("status", snap.Status),
		zap.String("open_order_id", snap.OpenOrderID),
		zap.Int("close_orders", len(snap.CloseOrders)),
		zap.Float64("maker_net", snap.MakerNet),
	)
	return nil
}

// Package risk maintains portfolio and per-strategy risk counters, answers
// synchronous admission checks and drives the circuit-breaker state machine.
package risk

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

// Consumer is the event log consumer name of the risk manager.
const Consumer = "risk"

// Reset reasons carried by risk.reset events.
const (
	ResetOperator        = "operator_reset"
	ResetSessionRollover = "session_rollover"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default logger. A nil logger silences the manager.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the wall clock used for admission and rollover.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithEvaluationInterval sets how often Run checks for session rollover.
func WithEvaluationInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// Manager owns the risk scopes. Each strategy scope is mutated only by the
// event log lane keyed by its strategy id; Admit reads immutable snapshots.
type Manager struct {
	publisher eventlog.Publisher
	session   Session
	logger    *log.Logger
	clock     func() time.Time
	interval  time.Duration

	limits atomic.Pointer[Limits]

	scopes sync.Map // strategy id -> *strategyScope

	portfolioMu sync.Mutex
	portfolio   atomic.Pointer[schema.RiskState]

	admissions metric.Int64Counter
	halts      metric.Int64Counter
}

type strategyScope struct {
	id        string
	state     schema.RiskState
	exposure  map[string]decimal.Decimal
	versions  map[string]int64
	realized  map[string]decimal.Decimal
	snapshot  atomic.Pointer[schema.RiskState]
	rolloverQ atomic.Pointer[string]
}

// NewManager constructs a risk manager.
func NewManager(publisher eventlog.Publisher, limits Limits, session Session, opts ...Option) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, errs.New("risk", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	m := &Manager{
		publisher: publisher,
		session:   session,
		logger:    log.New(os.Stdout, "risk ", log.LstdFlags|log.Lmicroseconds),
		clock:     time.Now,
		interval:  time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	l := limits
	m.limits.Store(&l)
	m.portfolio.Store(&schema.RiskState{
		Scope:       schema.ScopePortfolio,
		SessionDate: session.Key(m.clock()),
		UpdatedAt:   m.clock().UTC(),
	})

	meter := otel.Meter("risk")
	m.admissions, _ = meter.Int64Counter("risk.admissions",
		metric.WithDescription("Number of admission checks by outcome"),
		metric.WithUnit("{check}"))
	m.halts, _ = meter.Int64Counter("risk.halts",
		metric.WithDescription("Number of circuit breaker trips"),
		metric.WithUnit("{halt}"))
	return m, nil
}

// Limits returns the active limits.
func (m *Manager) Limits() Limits {
	return *m.limits.Load()
}

// SetLimits swaps the active limits.
func (m *Manager) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return errs.New("risk", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	l := limits
	m.limits.Store(&l)
	return nil
}

// Subscription returns the event log subscription driving the manager.
func (m *Manager) Subscription(lanes int) eventlog.SubscriptionSpec {
	return eventlog.SubscriptionSpec{
		Consumer: Consumer,
		Topics: []schema.Topic{
			schema.TopicPositionOpened,
			schema.TopicPositionUpdated,
			schema.TopicPositionClosed,
			schema.TopicRiskHalted,
			schema.TopicRiskReset,
		},
		Lanes:   lanes,
		LaneKey: eventlog.HeaderKey(schema.HeaderStrategyID),
		Rebuild: true,
	}
}

// Admit runs the ordered admission checks. It never blocks on I/O.
func (m *Manager) Admit(ctx context.Context, req AdmissionRequest) Decision {
	now := req.Now
	if now.IsZero() {
		now = m.clock()
	}
	decision := m.admit(req, now)
	result := "allow"
	if !decision.Allow {
		result = "deny"
	}
	attrs := append(telemetry.ReasonAttributes(telemetry.Environment(), "admit", decision.Reason),
		telemetry.AttrResult.String(result))
	m.admissions.Add(ctx, 1, metric.WithAttributes(attrs...))
	return decision
}

// AdmitOrder is Admit for an entry order valued orderValue at the current time.
func (m *Manager) AdmitOrder(strategyID, instrumentID string, orderValue decimal.Decimal) Decision {
	return m.Admit(context.Background(), AdmissionRequest{
		StrategyID:   strategyID,
		InstrumentID: instrumentID,
		OrderValue:   orderValue,
	})
}

func (m *Manager) admit(req AdmissionRequest, now time.Time) Decision {
	limits := m.limits.Load()
	key := m.session.Key(now)
	portfolio := effective(*m.portfolio.Load(), key, now)

	if portfolio.Halted && (!req.Exit || portfolio.HaltKind == schema.HaltHardStop) {
		return deny(schema.ScopePortfolio, schema.ReasonPortfolioHalted)
	}
	if req.Exit {
		return allow()
	}

	scope := schema.StrategyScope(req.StrategyID)
	if sc, ok := m.lookup(req.StrategyID); ok {
		state := effective(*sc.snapshot.Load(), key, now)
		if limits.ConsecutiveLossLimit > 0 && state.ConsecutiveLosses >= limits.ConsecutiveLossLimit {
			return deny(scope, schema.ReasonConsecutiveLossLimit)
		}
		if state.Halted {
			return deny(scope, state.HaltReason)
		}
	}

	if portfolio.OpenPositionValue.Add(req.OrderValue.Abs()).GreaterThan(limits.MaxPositionValue) {
		return deny(schema.ScopePortfolio, schema.ReasonMaxPositionValue)
	}

	maxLoss := req.MaxLoss.Abs()
	if maxLoss.IsZero() {
		maxLoss = req.OrderValue.Abs()
	}
	// Reaching the limit exactly is a breach, as in evaluatePortfolio.
	if !portfolio.DailyPnL.Sub(maxLoss).GreaterThan(limits.MaxDailyLoss.Neg()) {
		return deny(schema.ScopePortfolio, schema.ReasonMaxDailyLoss)
	}
	return allow()
}

// effective projects a stored snapshot onto the session key and time: a
// snapshot from an earlier session has its daily counters and normal halt
// cleared, and an expired halt is not applied.
func effective(state schema.RiskState, key string, now time.Time) schema.RiskState {
	if state.SessionDate != "" && state.SessionDate < key {
		state.DailyPnL = decimal.Zero
		state.ConsecutiveLosses = 0
		if state.HaltKind != schema.HaltHardStop {
			clearHalt(&state)
		}
		state.SessionDate = key
	}
	if state.Halted && state.HaltUntil != nil && !now.Before(*state.HaltUntil) {
		clearHalt(&state)
	}
	return state
}

func clearHalt(state *schema.RiskState) {
	state.Halted = false
	state.HaltKind = schema.HaltNone
	state.HaltReason = ""
	state.HaltUntil = nil
}

// Handle is the event log handler for position and risk events.
func (m *Manager) Handle(ctx context.Context, evt *schema.Event) error {
	switch evt.Topic {
	case schema.TopicPositionOpened, schema.TopicPositionUpdated, schema.TopicPositionClosed:
		var payload schema.PositionEvent
		if err := evt.Decode(&payload); err != nil || payload.Position == nil {
			m.logf("discarding %s@%d: malformed position payload: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		m.applyPosition(ctx, evt, payload)
	case schema.TopicRiskHalted:
		var payload schema.RiskEvent
		if err := evt.Decode(&payload); err != nil {
			m.logf("discarding %s@%d: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		m.applyHalt(payload, evt.Timestamp)
	case schema.TopicRiskReset:
		var payload schema.RiskEvent
		if err := evt.Decode(&payload); err != nil {
			m.logf("discarding %s@%d: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		m.applyReset(ctx, payload, evt.Timestamp)
	default:
		m.logf("ignoring unexpected topic %s", evt.Topic)
	}
	return nil
}

func (m *Manager) applyPosition(ctx context.Context, evt *schema.Event, payload schema.PositionEvent) {
	pos := payload.Position
	now := evt.Timestamp
	key := m.session.Key(now)
	sc := m.scope(pos.StrategyID)
	sc.rollover(key)

	if last, seen := sc.versions[pos.PositionID]; seen && pos.Version <= last {
		return
	}
	sc.versions[pos.PositionID] = pos.Version

	// Position topics interleave across readers, so an older version may be
	// skipped entirely. The cumulative realized P&L carries what it held.
	delta := pos.RealizedPnL.Sub(sc.realized[pos.PositionID])
	sc.realized[pos.PositionID] = pos.RealizedPnL

	if key == sc.state.SessionDate {
		sc.state.DailyPnL = sc.state.DailyPnL.Add(delta)
		if evt.Topic == schema.TopicPositionClosed {
			switch {
			case pos.RealizedPnL.IsNegative():
				sc.state.ConsecutiveLosses++
			case pos.RealizedPnL.IsPositive():
				sc.state.ConsecutiveLosses = 0
			}
		}
	}
	if pos.Open() && evt.Topic != schema.TopicPositionClosed {
		sc.exposure[pos.PositionID] = pos.Value()
	} else {
		delete(sc.exposure, pos.PositionID)
	}
	total := decimal.Zero
	for _, v := range sc.exposure {
		total = total.Add(v)
	}
	sc.state.OpenPositionValue = total
	sc.state.UpdatedAt = now.UTC()

	var tripped *schema.RiskState
	limit := m.limits.Load().ConsecutiveLossLimit
	if limit > 0 && sc.state.ConsecutiveLosses >= limit && !sc.state.Halted {
		until := m.session.End(now).UTC()
		sc.state.Halted = true
		sc.state.HaltKind = schema.HaltNormal
		sc.state.HaltReason = schema.ReasonConsecutiveLossLimit
		sc.state.HaltUntil = &until
		copied := sc.state
		tripped = &copied
	}
	sc.publish()

	if tripped != nil {
		m.announceHalt(ctx, *tripped, pos.StrategyID)
	}
	m.evaluatePortfolio(ctx, now)
}

// evaluatePortfolio recomputes the aggregate from strategy snapshots and trips
// the portfolio breaker on a daily loss breach.
func (m *Manager) evaluatePortfolio(ctx context.Context, now time.Time) {
	m.portfolioMu.Lock()
	cur := *m.portfolio.Load()
	key := m.session.Key(now)
	if key < cur.SessionDate {
		key = cur.SessionDate
	}
	cur = effective(cur, key, now)

	daily := decimal.Zero
	exposure := decimal.Zero
	m.scopes.Range(func(_, value any) bool {
		state := effective(*value.(*strategyScope).snapshot.Load(), key, now)
		if state.SessionDate == key {
			daily = daily.Add(state.DailyPnL)
		}
		exposure = exposure.Add(state.OpenPositionValue)
		return true
	})
	cur.DailyPnL = daily
	cur.OpenPositionValue = exposure
	cur.UpdatedAt = now.UTC()

	var tripped *schema.RiskState
	if !cur.Halted && !daily.GreaterThan(m.limits.Load().MaxDailyLoss.Neg()) {
		until := m.session.End(now).UTC()
		cur.Halted = true
		cur.HaltKind = schema.HaltNormal
		cur.HaltReason = schema.ReasonMaxDailyLoss
		cur.HaltUntil = &until
		copied := cur
		tripped = &copied
	}
	m.portfolio.Store(&cur)
	m.portfolioMu.Unlock()

	if tripped != nil {
		m.announceHalt(ctx, *tripped, "")
	}
}

func (m *Manager) applyHalt(payload schema.RiskEvent, at time.Time) {
	state := payload.State
	if !state.Halted {
		return
	}
	if state.HaltKind != schema.HaltHardStop && state.HaltUntil != nil && !at.Before(*state.HaltUntil) {
		return
	}
	if state.Scope == schema.ScopePortfolio {
		m.portfolioMu.Lock()
		cur := *m.portfolio.Load()
		if !cur.Halted || state.HaltKind == schema.HaltHardStop {
			cur.Halted = true
			cur.HaltKind = state.HaltKind
			cur.HaltReason = state.HaltReason
			cur.HaltUntil = state.HaltUntil
			cur.UpdatedAt = at.UTC()
			m.portfolio.Store(&cur)
		}
		m.portfolioMu.Unlock()
		return
	}
	strategyID, ok := schema.ScopeStrategyID(state.Scope)
	if !ok {
		return
	}
	sc := m.scope(strategyID)
	sc.rollover(m.session.Key(at))
	if sc.state.Halted || state.SessionDate != sc.state.SessionDate {
		return
	}
	sc.state.Halted = true
	sc.state.HaltKind = state.HaltKind
	sc.state.HaltReason = state.HaltReason
	sc.state.HaltUntil = state.HaltUntil
	sc.state.UpdatedAt = at.UTC()
	sc.publish()
}

func (m *Manager) applyReset(ctx context.Context, payload schema.RiskEvent, at time.Time) {
	scope := payload.State.Scope
	rollover := payload.Reason == ResetSessionRollover
	if scope == schema.ScopePortfolio {
		m.portfolioMu.Lock()
		cur := *m.portfolio.Load()
		if !rollover || cur.SessionDate < payload.State.SessionDate {
			clearHalt(&cur)
			if rollover {
				cur.SessionDate = payload.State.SessionDate
				cur.DailyPnL = decimal.Zero
			}
			cur.UpdatedAt = at.UTC()
			m.portfolio.Store(&cur)
		}
		m.portfolioMu.Unlock()
		m.logf("portfolio reset reason=%s", payload.Reason)
		return
	}
	strategyID, ok := schema.ScopeStrategyID(scope)
	if !ok {
		m.logf("ignoring reset of unknown scope %q", scope)
		return
	}
	sc := m.scope(strategyID)
	if rollover {
		sc.rollover(payload.State.SessionDate)
	} else {
		clearHalt(&sc.state)
		sc.state.ConsecutiveLosses = 0
	}
	sc.state.UpdatedAt = at.UTC()
	sc.publish()
	m.logf("%s reset reason=%s", scope, payload.Reason)
	m.evaluatePortfolio(ctx, at)
}

func (m *Manager) announceHalt(ctx context.Context, state schema.RiskState, strategyID string) {
	if eventlog.Replaying(ctx) {
		return
	}
	m.countHalt(ctx, state)
	m.logf("ALERT %s halted reason=%s until=%v daily_pnl=%s", state.Scope, state.HaltReason, state.HaltUntil, state.DailyPnL)
	if _, err := m.publisher.Publish(ctx, schema.TopicRiskHalted, state.Scope, schema.EventTypeRiskHalted,
		schema.RiskEvent{State: state, Reason: state.HaltReason},
		eventlog.WithHeader(schema.HeaderStrategyID, strategyID)); err != nil {
		m.logf("publish risk.halted %s failed: %v", state.Scope, err)
	}
}

// Reset asks the owning lane to clear the halt of scope.
func (m *Manager) Reset(ctx context.Context, scope string) error {
	strategyID := ""
	if scope != schema.ScopePortfolio {
		id, ok := schema.ScopeStrategyID(scope)
		if !ok || id == "" {
			return errs.New("risk", errs.CodeInvalid, errs.WithMessage("unknown risk scope"), errs.WithField("scope", scope))
		}
		strategyID = id
	}
	return m.publishReset(ctx, scope, strategyID, ResetOperator, m.session.Key(m.clock()))
}

// HardStop trips the portfolio kill switch; it blocks exits too and only Reset clears it.
func (m *Manager) HardStop(ctx context.Context, reason string) error {
	if reason == "" {
		reason = schema.ReasonHardStop
	}
	now := m.clock()
	state := schema.RiskState{
		Scope:       schema.ScopePortfolio,
		Halted:      true,
		HaltKind:    schema.HaltHardStop,
		HaltReason:  reason,
		SessionDate: m.session.Key(now),
		UpdatedAt:   now.UTC(),
	}
	m.countHalt(ctx, state)
	m.logf("ALERT hard stop engaged reason=%s", reason)
	if _, err := m.publisher.Publish(ctx, schema.TopicRiskHalted, schema.ScopePortfolio, schema.EventTypeRiskHalted,
		schema.RiskEvent{State: state, Reason: reason},
		eventlog.WithHeader(schema.HeaderStrategyID, "")); err != nil {
		return fmt.Errorf("risk hard stop: %w", err)
	}
	m.applyHalt(schema.RiskEvent{State: state, Reason: reason}, now)
	return nil
}

func (m *Manager) countHalt(ctx context.Context, state schema.RiskState) {
	attrs := append(telemetry.ReasonAttributes(telemetry.Environment(), "halt", state.HaltReason),
		telemetry.AttrScope.String(state.Scope))
	m.halts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Manager) publishReset(ctx context.Context, scope, strategyID, reason, key string) error {
	state := schema.RiskState{Scope: scope, SessionDate: key, UpdatedAt: m.clock().UTC()}
	if _, err := m.publisher.Publish(ctx, schema.TopicRiskReset, scope, schema.EventTypeRiskReset,
		schema.RiskEvent{State: state, Reason: reason},
		eventlog.WithHeader(schema.HeaderStrategyID, strategyID)); err != nil {
		return fmt.Errorf("risk reset %s: %w", scope, err)
	}
	return nil
}

// Run evaluates session rollover periodically until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Rollover(ctx)
		}
	}
}

// Rollover announces session rollover for every scope still holding state
// from an earlier session.
func (m *Manager) Rollover(ctx context.Context) {
	now := m.clock()
	key := m.session.Key(now)
	if p := m.portfolio.Load(); p.SessionDate < key && p.HaltKind != schema.HaltHardStop {
		if err := m.publishReset(ctx, schema.ScopePortfolio, "", ResetSessionRollover, key); err != nil {
			m.logf("rollover portfolio: %v", err)
		} else {
			m.evaluatePortfolio(ctx, now)
		}
	}
	m.scopes.Range(func(_, value any) bool {
		sc := value.(*strategyScope)
		snap := sc.snapshot.Load()
		if snap.SessionDate >= key || sc.rolloverQueued() == key {
			return true
		}
		if err := m.publishReset(ctx, schema.StrategyScope(sc.id), sc.id, ResetSessionRollover, key); err != nil {
			m.logf("rollover %s: %v", sc.id, err)
			return true
		}
		sc.queueRollover(key)
		return true
	})
}

// Portfolio returns the effective portfolio state.
func (m *Manager) Portfolio() schema.RiskState {
	now := m.clock()
	return effective(*m.portfolio.Load(), m.session.Key(now), now)
}

// Strategy returns the effective state of a strategy scope.
func (m *Manager) Strategy(strategyID string) (schema.RiskState, bool) {
	sc, ok := m.lookup(strategyID)
	if !ok {
		return schema.RiskState{}, false
	}
	now := m.clock()
	return effective(*sc.snapshot.Load(), m.session.Key(now), now), true
}

// States returns the portfolio followed by every strategy scope sorted by id.
func (m *Manager) States() []schema.RiskState {
	now := m.clock()
	key := m.session.Key(now)
	out := []schema.RiskState{effective(*m.portfolio.Load(), key, now)}
	var strategies []schema.RiskState
	m.scopes.Range(func(_, value any) bool {
		strategies = append(strategies, effective(*value.(*strategyScope).snapshot.Load(), key, now))
		return true
	})
	sort.Slice(strategies, func(i, j int) bool { return strategies[i].Scope < strategies[j].Scope })
	return append(out, strategies...)
}

func (m *Manager) lookup(strategyID string) (*strategyScope, bool) {
	value, ok := m.scopes.Load(strategyID)
	if !ok {
		return nil, false
	}
	return value.(*strategyScope), true
}

func (m *Manager) scope(strategyID string) *strategyScope {
	if sc, ok := m.lookup(strategyID); ok {
		return sc
	}
	sc := &strategyScope{
		id:       strategyID,
		state:    schema.RiskState{Scope: schema.StrategyScope(strategyID)},
		exposure: make(map[string]decimal.Decimal),
		versions: make(map[string]int64),
		realized: make(map[string]decimal.Decimal),
	}
	sc.publish()
	actual, _ := m.scopes.LoadOrStore(strategyID, sc)
	return actual.(*strategyScope)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// rollover moves the lane-owned state forward to the session key.
func (sc *strategyScope) rollover(key string) {
	if sc.state.SessionDate == "" {
		sc.state.SessionDate = key
		return
	}
	if sc.state.SessionDate >= key {
		return
	}
	sc.state.SessionDate = key
	sc.state.DailyPnL = decimal.Zero
	sc.state.ConsecutiveLosses = 0
	if sc.state.HaltKind != schema.HaltHardStop {
		clearHalt(&sc.state)
	}
}

func (sc *strategyScope) publish() {
	copied := sc.state
	if sc.state.HaltUntil != nil {
		until := *sc.state.HaltUntil
		copied.HaltUntil = &until
	}
	sc.snapshot.Store(&copied)
}

func (sc *strategyScope) rolloverQueued() string {
	if key := sc.rolloverQ.Load(); key != nil {
		return *key
	}
	return ""
}

func (sc *strategyScope) queueRollover(key string) {
	sc.rolloverQ.Store(&key)
}

// Package engine assembles the lifecycle components over one event log.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/orbit/internal/app/candles"
	"github.com/coachpo/orbit/internal/app/oms"
	"github.com/coachpo/orbit/internal/app/positions"
	"github.com/coachpo/orbit/internal/app/risk"
	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/gateway"
	"github.com/coachpo/orbit/internal/domain/orderstore"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
	"github.com/coachpo/orbit/internal/infra/config"
)

// Deps are the collaborators the engine does not own.
type Deps struct {
	Log     *eventlog.Log
	Gateway gateway.Gateway
	// OrderStore is optional audit persistence for orders and fills.
	OrderStore orderstore.Store
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger routes every component's output through logger. A nil logger
// silences the engine.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.sharedLogger = true
	}
}

// WithClock overrides the time source of the risk and order managers.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// Engine owns the candle builder, risk manager, order manager and position
// manager, and their subscriptions.
type Engine struct {
	cfg     config.AppConfig
	log     *eventlog.Log
	gateway gateway.Gateway

	logger       *log.Logger
	sharedLogger bool
	clock        func() time.Time

	Instruments *schema.InstrumentRegistry
	Candles     *candles.Builder
	Risk        *risk.Manager
	OMS         *oms.Manager
	Positions   *positions.Manager

	mu      sync.Mutex
	subs    []*eventlog.Subscription
	cancel  context.CancelFunc
	workers conc.WaitGroup
	started bool
	closed  bool
}

// New builds the components from cfg without starting them.
func New(cfg config.AppConfig, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Log == nil {
		return nil, fmt.Errorf("engine: event log required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("engine: gateway required")
	}
	e := &Engine{
		cfg:     cfg,
		log:     deps.Log,
		gateway: deps.Gateway,
		logger:  log.New(os.Stdout, "engine ", log.LstdFlags|log.Lmicroseconds),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	instruments, err := cfg.InstrumentRegistry()
	if err != nil {
		return nil, fmt.Errorf("engine: instruments: %w", err)
	}
	e.Instruments = instruments

	loc, closeAt, err := cfg.Risk.Session.Resolve()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	maxDailyLoss, maxPositionValue, err := cfg.Risk.Limits()
	if err != nil {
		return nil, fmt.Errorf("engine: risk limits: %w", err)
	}
	riskOpts := []risk.Option{
		risk.WithClock(e.clock),
		risk.WithEvaluationInterval(cfg.Risk.EvaluationInterval),
	}
	if e.sharedLogger {
		riskOpts = append(riskOpts, risk.WithLogger(e.logger))
	}
	e.Risk, err = risk.NewManager(deps.Log, risk.Limits{
		MaxDailyLoss:         maxDailyLoss,
		MaxPositionValue:     maxPositionValue,
		ConsecutiveLossLimit: cfg.Risk.ConsecutiveLossLimit,
	}, risk.NewSession(loc, closeAt), riskOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	timeframes, err := cfg.Candles.ParsedTimeframes()
	if err != nil {
		return nil, fmt.Errorf("engine: candles: %w", err)
	}
	candleOpts := []candles.Option{
		candles.WithTimeframes(timeframes...),
		candles.WithLocation(loc),
		candles.WithMaxGapFill(cfg.Candles.MaxGapFill),
		candles.WithCumulativeVolume(cfg.Candles.CumulativeVolume),
	}
	if e.sharedLogger {
		candleOpts = append(candleOpts, candles.WithLogger(e.logger))
	}
	e.Candles = candles.NewBuilder(deps.Log, instruments, candleOpts...)

	omsOpts := []oms.Option{
		oms.WithClock(e.clock),
		oms.WithDefaultLots(int64(cfg.OMS.DefaultLots)),
		oms.WithSendPolicy(cfg.OMS.SendBackoff.Policy()),
		oms.WithCancelPolicy(cfg.OMS.CancelBackoff.Policy()),
		oms.WithThrottle(rate.Limit(cfg.OMS.OrderThrottle), cfg.OMS.OrderBurst),
	}
	if deps.OrderStore != nil {
		omsOpts = append(omsOpts, oms.WithOrderStore(deps.OrderStore))
	}
	if e.sharedLogger {
		omsOpts = append(omsOpts, oms.WithLogger(e.logger))
	}
	e.OMS = oms.New(deps.Log, deps.Gateway, e.Risk, instruments, omsOpts...)

	distance, percent, err := cfg.Positions.Trailing()
	if err != nil {
		return nil, fmt.Errorf("engine: positions: %w", err)
	}
	positionOpts := []positions.Option{positions.WithTrailing(distance, percent)}
	if e.sharedLogger {
		positionOpts = append(positionOpts, positions.WithLogger(e.logger))
	}
	e.Positions = positions.New(deps.Log, positionOpts...)
	return e, nil
}

// Start rebuilds component state and begins live processing. Risk and
// positions rebuild first so resumed orders are admitted against restored
// counters.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errs.New("engine", errs.CodeUnavailable, errs.WithMessage("engine closed"))
	}
	if e.started {
		return errs.New("engine", errs.CodeConflict, errs.WithMessage("engine already started"))
	}
	began := time.Now()
	lanes := e.cfg.EventLog.Lanes

	if err := e.subscribe(ctx, e.Risk.Subscription(lanes), e.Risk.Handle); err != nil {
		return err
	}
	if err := e.subscribe(ctx, e.Positions.Subscription(lanes), e.Positions.Handle); err != nil {
		return err
	}
	if err := e.OMS.Restore(ctx, e.log); err != nil {
		e.closeSubsLocked()
		return fmt.Errorf("engine: %w", err)
	}
	if err := e.subscribe(ctx, e.Candles.Subscription(lanes), e.Candles.Handle); err != nil {
		return err
	}
	if err := e.subscribe(ctx, e.OMS.Subscription(lanes), e.OMS.Handle); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.workers.Go(func() { e.OMS.RunExecutionPump(runCtx) })
	e.workers.Go(func() { e.Risk.Run(runCtx) })
	e.started = true
	e.logf("engine started in %s: instruments=%d lanes=%d gateway=%s",
		time.Since(began), len(e.Instruments.IDs()), lanes, e.gateway.Name())
	return nil
}

func (e *Engine) subscribe(ctx context.Context, spec eventlog.SubscriptionSpec, handler eventlog.Handler) error {
	sub, err := e.log.Subscribe(ctx, spec, handler)
	if err != nil {
		e.closeSubsLocked()
		return fmt.Errorf("engine: subscribe %s: %w", spec.Consumer, err)
	}
	e.subs = append(e.subs, sub)
	return nil
}

// Sync waits until every subscription has acknowledged the events published
// before the call.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	subs := append([]*eventlog.Subscription(nil), e.subs...)
	e.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Sync(ctx); err != nil {
			return fmt.Errorf("engine sync %s: %w", sub.Consumer(), err)
		}
	}
	return nil
}

// Health reports whether the engine is processing events.
func (e *Engine) Health(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return fmt.Errorf("engine closed")
	case !e.started:
		return fmt.Errorf("engine not started")
	default:
		return nil
	}
}

// Close stops the background workers and commits every subscription. It does
// not close the event log or the gateway.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.workers.Wait()

	e.mu.Lock()
	e.closeSubsLocked()
	e.mu.Unlock()
	e.logf("engine stopped")
}

func (e *Engine) closeSubsLocked() {
	for i := len(e.subs) - 1; i >= 0; i-- {
		e.subs[i].Close()
	}
	e.subs = nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

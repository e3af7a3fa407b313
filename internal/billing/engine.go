// Package billing meters active sessions and settles one transfer per minute.
package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/metrics"
	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultInterval             = time.Minute
	defaultTickTimeout          = 10 * time.Second
	defaultLowBalanceMultiplier = 3
	tickCorrelationPrefix       = "tick:"
)

// Reason explains why billing ended on its own.
type Reason string

const (
	ReasonInsufficientFunds  Reason = "insufficient_funds"
	ReasonBillingFailure     Reason = "billing_failure"
	ReasonInvariantViolation Reason = "invariant_violation"
)

// Wallet is the part of the wallet service the engine settles through.
type Wallet interface {
	Transfer(ctx context.Context, request ledger.TransferRequest) (ledger.TransferResult, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.AmountCents, error)
	VerifyCorrelation(ctx context.Context, correlationID ledger.CorrelationID) error
}

// TerminationHandler is told exactly once when a meter stops itself.
type TerminationHandler interface {
	BillingTerminated(ctx context.Context, sessionID string, reason Reason, summary Summary)
}

// Plan carries everything a meter needs, snapshotted when the session was created.
type Plan struct {
	SessionID      string
	Category       ledger.Category
	Requester      ledger.AccountID
	Provider       ledger.AccountID
	Platform       ledger.AccountID
	PricePerMinute ledger.PositiveAmountCents
	Commission     Commission
	// Activate runs after the first tick settles and before any tick event is emitted.
	Activate func(summary Summary)
}

func (plan Plan) validate() error {
	if strings.TrimSpace(plan.SessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidPlan)
	}
	switch plan.Category {
	case ledger.CategoryChat, ledger.CategoryCall, ledger.CategoryVideo:
	default:
		return fmt.Errorf("%w: category %q", ErrInvalidPlan, plan.Category)
	}
	if plan.Requester.IsZero() || plan.Provider.IsZero() || plan.Platform.IsZero() {
		return fmt.Errorf("%w: requester, provider and platform accounts are required", ErrInvalidPlan)
	}
	if plan.Requester == plan.Provider || plan.Requester == plan.Platform || plan.Provider == plan.Platform {
		return fmt.Errorf("%w: accounts must be distinct", ErrInvalidPlan)
	}
	if plan.PricePerMinute <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidPlan)
	}
	return nil
}

// Summary is a point-in-time view of a meter.
type Summary struct {
	SessionID   string
	Ticks       int
	Accumulated ledger.AmountCents
	Balance     ledger.AmountCents
	StartedAt   time.Time
	LastTickAt  time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval overrides the one minute tick interval.
func WithInterval(interval time.Duration) Option {
	return func(engine *Engine) {
		if interval > 0 {
			engine.interval = interval
		}
	}
}

// WithTickerFactory replaces the time.Ticker based clock.
func WithTickerFactory(factory TickerFactory) Option {
	return func(engine *Engine) {
		if factory != nil {
			engine.newTicker = factory
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

// WithLowBalanceMultiplier sets how many minutes of balance trigger the warning.
func WithLowBalanceMultiplier(multiplier int64) Option {
	return func(engine *Engine) {
		if multiplier > 0 {
			engine.lowBalanceMultiplier = multiplier
		}
	}
}

// WithTickTimeout bounds a single settlement.
func WithTickTimeout(timeout time.Duration) Option {
	return func(engine *Engine) {
		if timeout > 0 {
			engine.tickTimeout = timeout
		}
	}
}

// WithCorrelationCheck verifies the zero-sum property of every settled tick.
func WithCorrelationCheck(enabled bool) Option {
	return func(engine *Engine) {
		engine.verifyCorrelation = enabled
	}
}

// WithClock injects the wall clock used for tick timestamps.
func WithClock(now func() time.Time) Option {
	return func(engine *Engine) {
		if now != nil {
			engine.nowFn = now
		}
	}
}

// Engine owns one meter per active session.
type Engine struct {
	wallet               Wallet
	emitter              realtime.Emitter
	logger               *zap.Logger
	newTicker            TickerFactory
	interval             time.Duration
	tickTimeout          time.Duration
	lowBalanceMultiplier int64
	verifyCorrelation    bool
	nowFn                func() time.Time

	baseContext context.Context
	cancel      context.CancelFunc

	mutex    sync.Mutex
	handler  TerminationHandler
	meters   map[string]*Meter
	starting map[string]struct{}
	closed   bool
}

// NewEngine wires an Engine.
func NewEngine(wallet Wallet, emitter realtime.Emitter, options ...Option) (*Engine, error) {
	if wallet == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidEngineConfig)
	}
	if emitter == nil {
		emitter = realtime.NopEmitter{}
	}
	baseContext, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		wallet:               wallet,
		emitter:              emitter,
		logger:               zap.NewNop(),
		newTicker:            NewTimeTicker,
		interval:             defaultInterval,
		tickTimeout:          defaultTickTimeout,
		lowBalanceMultiplier: defaultLowBalanceMultiplier,
		nowFn:                time.Now,
		baseContext:          baseContext,
		cancel:               cancel,
		meters:               make(map[string]*Meter),
		starting:             make(map[string]struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// SetTerminationHandler registers the receiver of self-termination reports.
func (engine *Engine) SetTerminationHandler(handler TerminationHandler) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	engine.handler = handler
}

// Start charges the first minute synchronously and then meters the session until stopped.
// When the first charge fails nothing is registered and the error wraps ErrFirstTickFailed.
func (engine *Engine) Start(ctx context.Context, plan Plan) (*Meter, error) {
	if err := plan.validate(); err != nil {
		return nil, err
	}
	engine.mutex.Lock()
	if engine.closed {
		engine.mutex.Unlock()
		return nil, ErrEngineClosed
	}
	_, metering := engine.meters[plan.SessionID]
	_, starting := engine.starting[plan.SessionID]
	if metering || starting {
		engine.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMetering, plan.SessionID)
	}
	engine.starting[plan.SessionID] = struct{}{}
	engine.mutex.Unlock()

	meter := newMeter(engine, plan)
	result, err := meter.settle(ctx)
	if err != nil {
		engine.mutex.Lock()
		delete(engine.starting, plan.SessionID)
		engine.mutex.Unlock()
		engine.logger.Info("first billing tick failed",
			zap.String("session_id", plan.SessionID),
			zap.String("requester", plan.Requester.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrFirstTickFailed, err)
	}
	if plan.Activate != nil {
		plan.Activate(meter.Summary())
	}
	meter.announce(result)

	meter.ticker = engine.newTicker(engine.interval)
	engine.mutex.Lock()
	delete(engine.starting, plan.SessionID)
	engine.meters[plan.SessionID] = meter
	engine.mutex.Unlock()
	metrics.ActiveMeters.Inc()
	go meter.run()
	return meter, nil
}

// Stop halts a meter and waits for any in-flight tick. It reports false when nothing was metering.
func (engine *Engine) Stop(sessionID string) (Summary, bool) {
	engine.mutex.Lock()
	meter, ok := engine.meters[sessionID]
	if ok {
		delete(engine.meters, sessionID)
	}
	engine.mutex.Unlock()
	if !ok {
		return Summary{}, false
	}
	meter.stop()
	return meter.Summary(), true
}

// Meter returns the live meter of a session.
func (engine *Engine) Meter(sessionID string) (*Meter, bool) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	meter, ok := engine.meters[sessionID]
	return meter, ok
}

// Active returns how many sessions are metered.
func (engine *Engine) Active() int {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	return len(engine.meters)
}

// Shutdown stops every meter without reporting terminations and refuses new starts.
func (engine *Engine) Shutdown() []Summary {
	engine.mutex.Lock()
	engine.closed = true
	meters := make([]*Meter, 0, len(engine.meters))
	for sessionID, meter := range engine.meters {
		meters = append(meters, meter)
		delete(engine.meters, sessionID)
	}
	engine.mutex.Unlock()

	summaries := make([]Summary, 0, len(meters))
	for _, meter := range meters {
		meter.stop()
		summaries = append(summaries, meter.Summary())
	}
	engine.cancel()
	return summaries
}

func (engine *Engine) detach(meter *Meter) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	if current, ok := engine.meters[meter.plan.SessionID]; ok && current == meter {
		delete(engine.meters, meter.plan.SessionID)
	}
}

func (engine *Engine) terminationHandler() TerminationHandler {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	return engine.handler
}

// TickCorrelationID names the settlement of one tick. Retries of the same tick reuse it.
func TickCorrelationID(sessionID string, tick int) (ledger.CorrelationID, error) {
	return ledger.NewCorrelationID(fmt.Sprintf("%s%s:%d", tickCorrelationPrefix, sessionID, tick))
}

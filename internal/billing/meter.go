package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/metrics"
	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"go.uber.org/zap"
)

const (
	tickResultSettled           = "settled"
	tickResultRecovered         = "recovered"
	tickResultInsufficientFunds = "insufficient_funds"
	tickResultInvariant         = "invariant_violation"
	tickResultFailed            = "failed"
)

// Meter bills one active session. Ticks run on a single goroutine, so at most one is in flight.
type Meter struct {
	engine *Engine
	plan   Plan
	ticker Ticker

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// warned is only touched by Start and then by the meter goroutine.
	warned bool

	mutex       sync.Mutex
	ticks       int
	accumulated ledger.AmountCents
	balance     ledger.AmountCents
	startedAt   time.Time
	lastTickAt  time.Time
}

func newMeter(engine *Engine, plan Plan) *Meter {
	return &Meter{
		engine:    engine,
		plan:      plan,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		startedAt: engine.nowFn(),
	}
}

// Summary returns the current billing totals.
func (meter *Meter) Summary() Summary {
	meter.mutex.Lock()
	defer meter.mutex.Unlock()
	return Summary{
		SessionID:   meter.plan.SessionID,
		Ticks:       meter.ticks,
		Accumulated: meter.accumulated,
		Balance:     meter.balance,
		StartedAt:   meter.startedAt,
		LastTickAt:  meter.lastTickAt,
	}
}

// Done is closed once the meter goroutine has exited.
func (meter *Meter) Done() <-chan struct{} {
	return meter.done
}

func (meter *Meter) stop() {
	meter.stopOnce.Do(func() {
		close(meter.stopCh)
	})
	<-meter.done
}

func (meter *Meter) stopRequested() bool {
	select {
	case <-meter.stopCh:
		return true
	default:
		return false
	}
}

func (meter *Meter) run() {
	reason, cause := meter.loop()
	meter.ticker.Stop()
	metrics.ActiveMeters.Dec()
	if reason == "" {
		close(meter.done)
		return
	}
	meter.engine.detach(meter)
	close(meter.done)
	if meter.stopRequested() {
		return
	}
	summary := meter.Summary()
	meter.engine.logger.Warn("billing terminated",
		zap.String("session_id", meter.plan.SessionID),
		zap.String("reason", string(reason)),
		zap.Int("ticks", summary.Ticks),
		zap.Int64("accumulated", summary.Accumulated.Int64()),
		zap.Error(cause),
	)
	if handler := meter.engine.terminationHandler(); handler != nil {
		handler.BillingTerminated(meter.engine.baseContext, meter.plan.SessionID, reason, summary)
	}
}

func (meter *Meter) loop() (Reason, error) {
	for {
		select {
		case <-meter.stopCh:
			return "", nil
		case <-meter.ticker.C():
			if meter.stopRequested() {
				return "", nil
			}
			if reason, err := meter.tick(); reason != "" {
				return reason, err
			}
		}
	}
}

func (meter *Meter) tick() (Reason, error) {
	ctx, cancel := context.WithTimeout(meter.engine.baseContext, meter.engine.tickTimeout)
	defer cancel()
	result, err := meter.settle(ctx)
	if err == nil {
		meter.announce(result)
		return "", nil
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ReasonInsufficientFunds, err
	case errors.Is(err, ledger.ErrInvariantViolation):
		meter.engine.logger.Error("ledger invariant violated, billing halted",
			zap.String("session_id", meter.plan.SessionID),
			zap.Error(err),
		)
		return ReasonInvariantViolation, err
	default:
		meter.engine.logger.Error("billing tick failed after retry",
			zap.String("session_id", meter.plan.SessionID),
			zap.Error(err),
		)
		return ReasonBillingFailure, err
	}
}

// settle moves one minute of price from the requester. A failed attempt is retried once under the same
// correlation id with its own deadline; a duplicate on the retry means the first attempt committed.
func (meter *Meter) settle(ctx context.Context) (ledger.TransferResult, error) {
	startedAt := time.Now()
	meter.mutex.Lock()
	number := meter.ticks + 1
	meter.mutex.Unlock()

	correlationID, err := TickCorrelationID(meter.plan.SessionID, number)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	request := meter.transferRequest(correlationID)
	outcome := tickResultSettled
	result, err := meter.engine.wallet.Transfer(ctx, request)
	if err != nil && retryable(err) {
		meter.engine.logger.Warn("retrying billing tick",
			zap.String("session_id", meter.plan.SessionID),
			zap.Int("tick", number),
			zap.Error(err),
		)
		retryCtx, cancel := context.WithTimeout(meter.engine.baseContext, meter.engine.tickTimeout)
		defer cancel()
		ctx = retryCtx
		result, err = meter.engine.wallet.Transfer(ctx, request)
		if errors.Is(err, ledger.ErrDuplicateCorrelation) {
			outcome = tickResultRecovered
			result, err = meter.recoverApplied(ctx, correlationID)
		}
	}
	if err != nil {
		metrics.RecordBillingTick(tickOutcome(err), time.Since(startedAt))
		return ledger.TransferResult{}, err
	}

	meter.mutex.Lock()
	meter.ticks = number
	meter.accumulated += meter.plan.PricePerMinute.ToAmountCents()
	meter.balance = result.SourceBalanceAfter
	meter.lastTickAt = meter.engine.nowFn()
	meter.mutex.Unlock()

	if meter.engine.verifyCorrelation {
		if err := meter.engine.wallet.VerifyCorrelation(ctx, correlationID); err != nil {
			metrics.RecordBillingTick(tickOutcome(err), time.Since(startedAt))
			return result, err
		}
	}
	metrics.RecordBillingTick(outcome, time.Since(startedAt))
	return result, nil
}

func (meter *Meter) recoverApplied(ctx context.Context, correlationID ledger.CorrelationID) (ledger.TransferResult, error) {
	balance, err := meter.engine.wallet.Balance(ctx, meter.plan.Requester)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	return ledger.TransferResult{
		CorrelationID:      correlationID,
		Debited:            meter.plan.PricePerMinute.ToAmountCents(),
		SourceBalanceAfter: balance,
	}, nil
}

func (meter *Meter) transferRequest(correlationID ledger.CorrelationID) ledger.TransferRequest {
	price := meter.plan.PricePerMinute.ToAmountCents()
	commission := meter.plan.Commission.Amount(price)
	return ledger.TransferRequest{
		From:     meter.plan.Requester,
		Category: meter.plan.Category,
		Primary: ledger.TransferLeg{
			AccountID: meter.plan.Provider,
			Amount:    price - commission,
			Category:  meter.plan.Category,
		},
		Secondary: ledger.TransferLeg{
			AccountID: meter.plan.Platform,
			Amount:    commission,
			Category:  ledger.CategoryCommission,
		},
		CorrelationID: correlationID,
		Metadata:      tickMetadata(meter.plan.SessionID),
	}
}

// announce notifies both parties of the settled tick and warns the requester once when the balance runs low.
func (meter *Meter) announce(result ledger.TransferResult) {
	summary := meter.Summary()
	ctx := meter.engine.baseContext
	balance := result.SourceBalanceAfter.Int64()
	meter.engine.emitter.Emit(ctx, meter.plan.Requester.String(), realtime.Event{
		Type:      realtime.EventTick,
		SessionID: meter.plan.SessionID,
		Payload: realtime.TickPayload{
			ElapsedMinutes: summary.Ticks,
			Cost:           summary.Accumulated.Int64(),
			Balance:        &balance,
		},
	})
	meter.engine.emitter.Emit(ctx, meter.plan.Provider.String(), realtime.Event{
		Type:      realtime.EventTick,
		SessionID: meter.plan.SessionID,
		Payload: realtime.TickPayload{
			ElapsedMinutes: summary.Ticks,
			Cost:           summary.Accumulated.Int64(),
		},
	})

	price := meter.plan.PricePerMinute.Int64()
	if meter.warned || balance >= price*meter.engine.lowBalanceMultiplier {
		return
	}
	meter.warned = true
	metrics.RecordLowBalanceWarning()
	meter.engine.emitter.Emit(ctx, meter.plan.Requester.String(), realtime.Event{
		Type:      realtime.EventLowBalanceWarning,
		SessionID: meter.plan.SessionID,
		Payload: realtime.LowBalancePayload{
			Balance:          balance,
			PricePerMinute:   price,
			MinutesRemaining: balance / price,
		},
	})
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInvariantViolation),
		errors.Is(err, ledger.ErrInvalidTransfer),
		errors.Is(err, ledger.ErrInvalidAmountCents),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

func tickOutcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return tickResultInsufficientFunds
	case errors.Is(err, ledger.ErrInvariantViolation):
		return tickResultInvariant
	default:
		return tickResultFailed
	}
}

func tickMetadata(sessionID string) ledger.MetadataJSON {
	payload, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return ledger.MetadataJSON{}
	}
	metadata, err := ledger.NewMetadataJSON(string(payload))
	if err != nil {
		return ledger.MetadataJSON{}
	}
	return metadata
}

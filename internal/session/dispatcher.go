package session

import (
	"context"

	"github.com/MarkoPoloResearchLab/consult/internal/metrics"
	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"go.uber.org/zap"
)

// Dispatcher tells the oldest waiting requester that a provider became free. It never opens a
// session on the requester's behalf.
type Dispatcher struct {
	waitlist WaitlistStore
	emitter  realtime.Emitter
	notifier Notifier
	logger   *zap.Logger
	registry *Registry
	release  func(ctx context.Context, sessionID string)
}

func newDispatcher(manager *Manager) *Dispatcher {
	return &Dispatcher{
		waitlist: manager.waitlist,
		emitter:  manager.emitter,
		notifier: manager.notifier,
		logger:   manager.logger,
		registry: manager.registry,
		release:  manager.releaseWaitlisted,
	}
}

// ProviderFreed dequeues the provider's oldest waitlist entry whose capability is free and notifies
// its requester. Failures are logged and never affect the session that just ended.
func (dispatcher *Dispatcher) ProviderFreed(ctx context.Context, providerID ledger.AccountID) (WaitlistEntry, bool) {
	var available []Type
	for _, sessionType := range allTypes {
		if !dispatcher.registry.Busy(providerID, sessionType.Capability()) {
			available = append(available, sessionType)
		}
	}
	if len(available) == 0 {
		return WaitlistEntry{}, false
	}
	waitlistEntry, ok, err := dispatcher.waitlist.DequeueOldest(ctx, providerID.String(), available...)
	if err != nil {
		dispatcher.logger.Warn("waitlist dispatch failed",
			zap.String("provider", providerID.String()),
			zap.Error(err),
		)
		return WaitlistEntry{}, false
	}
	if !ok {
		return WaitlistEntry{}, false
	}
	dispatcher.release(ctx, waitlistEntry.SessionID)
	dispatcher.emitter.Emit(ctx, waitlistEntry.RequesterID, realtime.Event{
		Type:      realtime.EventAvailabilityNotified,
		SessionID: waitlistEntry.SessionID,
		Payload:   realtime.PresencePayload{ProviderID: waitlistEntry.ProviderID, Online: true},
	})
	pushAsync(ctx, dispatcher.notifier, dispatcher.logger, waitlistEntry.RequesterID, "Your provider is available", "Request a new session to start consulting")
	metrics.RecordWaitlistDispatch()
	dispatcher.logger.Info("waitlist dispatched",
		zap.String("provider", providerID.String()),
		zap.String("requester", waitlistEntry.RequesterID),
		zap.String("session_id", waitlistEntry.SessionID),
	)
	return waitlistEntry, true
}

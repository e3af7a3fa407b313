// Package session runs the consultation state machine, its timeouts and the provider waitlist.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/internal/metrics"
	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxMessageLength    = 4000
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Dependencies are the collaborators of a Manager. Waitlist, Emitter, Notifier and Media are optional.
type Dependencies struct {
	Wallet     Wallet
	Biller     Biller
	Rates      RateDirectory
	Repository Repository
	Waitlist   WaitlistStore
	Emitter    realtime.Emitter
	Notifier   Notifier
	Media      MediaProvider
	Platform   ledger.AccountID
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithClock injects the wall clock.
func WithClock(now func() time.Time) Option {
	return func(manager *Manager) {
		if now != nil {
			manager.nowFn = now
		}
	}
}

// WithIDGenerator replaces the uuid session ids.
func WithIDGenerator(newID func() string) Option {
	return func(manager *Manager) {
		if newID != nil {
			manager.newID = newID
		}
	}
}

// WithScheduler replaces the runtime timers driving timeouts.
func WithScheduler(scheduler Scheduler) Option {
	return func(manager *Manager) {
		if scheduler != nil {
			manager.scheduler = scheduler
		}
	}
}

// WithTimeouts overrides the idle timeouts. Zero fields keep their defaults.
func WithTimeouts(timeouts Timeouts) Option {
	return func(manager *Manager) {
		manager.timeouts = timeouts.withDefaults()
	}
}

// Manager owns every live session. Each transition runs under the session's own lock.
type Manager struct {
	wallet     Wallet
	biller     Biller
	rates      RateDirectory
	repository Repository
	waitlist   WaitlistStore
	emitter    realtime.Emitter
	notifier   Notifier
	media      MediaProvider
	platform   ledger.AccountID

	registry   *Registry
	presence   *Presence
	dispatcher *Dispatcher
	scheduler  Scheduler
	timeouts   Timeouts
	logger     *zap.Logger
	nowFn      func() time.Time
	newID      func() string
}

// NewManager wires a Manager. Register it with the billing engine as its termination handler.
func NewManager(dependencies Dependencies, options ...Option) (*Manager, error) {
	switch {
	case dependencies.Wallet == nil:
		return nil, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidManagerConfig)
	case dependencies.Biller == nil:
		return nil, fmt.Errorf("%w: biller dependency is nil", ErrInvalidManagerConfig)
	case dependencies.Rates == nil:
		return nil, fmt.Errorf("%w: rate directory is nil", ErrInvalidManagerConfig)
	case dependencies.Repository == nil:
		return nil, fmt.Errorf("%w: repository is nil", ErrInvalidManagerConfig)
	case dependencies.Platform.IsZero():
		return nil, fmt.Errorf("%w: platform account is required", ErrInvalidManagerConfig)
	}
	manager := &Manager{
		wallet:     dependencies.Wallet,
		biller:     dependencies.Biller,
		rates:      dependencies.Rates,
		repository: dependencies.Repository,
		waitlist:   dependencies.Waitlist,
		emitter:    dependencies.Emitter,
		notifier:   dependencies.Notifier,
		media:      dependencies.Media,
		platform:   dependencies.Platform,
		registry:   NewRegistry(),
		presence:   NewPresence(),
		scheduler:  TimeScheduler{},
		timeouts:   DefaultTimeouts(),
		logger:     zap.NewNop(),
		nowFn:      time.Now,
		newID:      uuid.NewString,
	}
	if manager.waitlist == nil {
		manager.waitlist = NewMemoryWaitlist()
	}
	if manager.emitter == nil {
		manager.emitter = realtime.NopEmitter{}
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	manager.dispatcher = newDispatcher(manager)
	return manager, nil
}

// Registry exposes the live session index.
func (manager *Manager) Registry() *Registry {
	return manager.registry
}

// Online reports whether a provider accepts requests.
func (manager *Manager) Online(providerID ledger.AccountID) bool {
	return manager.presence.Online(providerID)
}

// OnlineProviders lists the providers currently online.
func (manager *Manager) OnlineProviders() []ledger.AccountID {
	return manager.presence.Providers()
}

// Request opens a session. A provider busy in the same capability puts the request on the waitlist;
// otherwise the requester must afford one minute and the provider is asked to confirm.
func (manager *Manager) Request(ctx context.Context, requesterID ledger.AccountID, providerID ledger.AccountID, sessionType Type) (Session, error) {
	if requesterID.IsZero() || providerID.IsZero() {
		return Session{}, fmt.Errorf("%w: requester and provider are required", ErrInvalidRequest)
	}
	if requesterID == providerID || requesterID == manager.platform || providerID == manager.platform {
		return Session{}, fmt.Errorf("%w: requester and provider must be distinct accounts", ErrInvalidRequest)
	}
	sessionType, err := ParseType(string(sessionType))
	if err != nil {
		return Session{}, err
	}
	if !manager.presence.Online(providerID) {
		return Session{}, fmt.Errorf("%w: %s", ErrProviderOffline, providerID)
	}
	if manager.registry.OpenBetween(requesterID, providerID) {
		return Session{}, fmt.Errorf("%w: %s with %s", ErrDuplicateRequest, requesterID, providerID)
	}
	rate, err := manager.rates.Rate(ctx, providerID, sessionType)
	if err != nil {
		return Session{}, err
	}
	if _, err := manager.wallet.OpenAccount(ctx, requesterID, ledger.RoleUser); err != nil {
		return Session{}, err
	}
	if _, err := manager.wallet.OpenAccount(ctx, providerID, ledger.RoleProvider); err != nil {
		return Session{}, err
	}

	now := manager.nowFn()
	session := Session{
		ID:             manager.newID(),
		RequesterID:    requesterID,
		ProviderID:     providerID,
		Type:           sessionType,
		Status:         StatusRequested,
		PricePerMinute: rate.PricePerMinute,
		Commission:     rate.Commission,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if manager.registry.Busy(providerID, sessionType.Capability()) {
		return manager.enqueue(ctx, session)
	}

	balance, err := manager.wallet.Balance(ctx, requesterID)
	if err != nil {
		return Session{}, err
	}
	if balance < session.PricePerMinute.ToAmountCents() {
		return Session{}, fmt.Errorf("%w: balance %d is below the price of one minute %d", ledger.ErrInsufficientFunds, balance, session.PricePerMinute)
	}
	if err := transition(&session, StatusPendingProviderConfirm); err != nil {
		return Session{}, err
	}
	if err := manager.repository.SaveSession(ctx, session); err != nil {
		return Session{}, err
	}

	sessionEntry := newEntry(session)
	sessionEntry.mutex.Lock()
	defer sessionEntry.mutex.Unlock()
	manager.registry.insert(sessionEntry)
	manager.scheduleTimeout(sessionEntry)
	payload := session.Payload()
	manager.emit(ctx, requesterID, realtime.EventSessionPending, session.ID, payload)
	manager.emit(ctx, providerID, realtime.EventSessionRequested, session.ID, payload)
	manager.push(ctx, providerID, "New consultation request", fmt.Sprintf("A %s session is waiting for your confirmation", sessionType))
	manager.logger.Info("session requested",
		zap.String("session_id", session.ID),
		zap.String("requester", requesterID.String()),
		zap.String("provider", providerID.String()),
		zap.String("type", string(sessionType)),
	)
	return session, nil
}

func (manager *Manager) enqueue(ctx context.Context, session Session) (Session, error) {
	if err := transition(&session, StatusWaitlisted); err != nil {
		return Session{}, err
	}
	waitlistEntry := WaitlistEntry{
		SessionID:   session.ID,
		RequesterID: session.RequesterID.String(),
		ProviderID:  session.ProviderID.String(),
		Type:        session.Type,
		EnqueuedAt:  session.CreatedAt,
	}
	if err := manager.waitlist.Enqueue(ctx, waitlistEntry); err != nil {
		return Session{}, err
	}
	if err := manager.repository.SaveSession(ctx, session); err != nil {
		if _, removeErr := manager.waitlist.Remove(ctx, waitlistEntry.ProviderID, session.ID); removeErr != nil {
			manager.logger.Warn("waitlist cleanup failed", zap.String("session_id", session.ID), zap.Error(removeErr))
		}
		return Session{}, err
	}

	sessionEntry := newEntry(session)
	sessionEntry.mutex.Lock()
	defer sessionEntry.mutex.Unlock()
	manager.registry.insert(sessionEntry)
	manager.scheduleTimeout(sessionEntry)
	payload := session.Payload()
	if position, ok := manager.waitlistPosition(ctx, waitlistEntry); ok {
		payload.Extra = map[string]any{"position": position}
	}
	manager.emit(ctx, session.RequesterID, realtime.EventSessionWaitlisted, session.ID, payload)
	manager.logger.Info("session waitlisted",
		zap.String("session_id", session.ID),
		zap.String("requester", session.RequesterID.String()),
		zap.String("provider", session.ProviderID.String()),
	)
	return session, nil
}

func (manager *Manager) waitlistPosition(ctx context.Context, waitlistEntry WaitlistEntry) (int, bool) {
	entries, err := manager.waitlist.List(ctx, waitlistEntry.ProviderID)
	if err != nil {
		return 0, false
	}
	for index, queued := range entries {
		if queued.SessionID == waitlistEntry.SessionID {
			return index + 1, true
		}
	}
	return 0, false
}

// ProviderRespond records the provider's decision on a pending request.
func (manager *Manager) ProviderRespond(ctx context.Context, actorID ledger.AccountID, sessionID string, accept bool) (Session, error) {
	sessionEntry, err := manager.acquire(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer sessionEntry.mutex.Unlock()
	session := &sessionEntry.session
	if session.ProviderID != actorID {
		return Session{}, fmt.Errorf("%w: only the provider can respond", ErrForbidden)
	}
	if session.Status != StatusPendingProviderConfirm {
		return *session, fmt.Errorf("%w: cannot respond to a %s session", ErrInvalidTransition, session.Status)
	}
	if !accept {
		manager.finishLocked(ctx, sessionEntry, StatusCancelled, ReasonProviderRejected, nil)
		return *session, nil
	}
	if manager.registry.Busy(session.ProviderID, session.Type.Capability()) {
		return *session, fmt.Errorf("%w: finish the active %s session first", ErrProviderBusy, session.Type.Capability())
	}
	if err := transition(session, StatusProviderConfirmed); err != nil {
		return *session, err
	}
	session.UpdatedAt = manager.nowFn()
	manager.registry.update(*session)
	manager.scheduleTimeout(sessionEntry)
	manager.persist(ctx, *session)
	payload := session.Payload()
	manager.emit(ctx, session.RequesterID, realtime.EventSessionConfirmed, session.ID, payload)
	manager.emit(ctx, session.ProviderID, realtime.EventSessionConfirmed, session.ID, payload)
	manager.push(ctx, session.RequesterID, "Consultation accepted", "Your provider is ready, join the session to start")
	return *session, nil
}

// RequesterRespond lets the requester join a confirmed session or withdraw an open one.
func (manager *Manager) RequesterRespond(ctx context.Context, actorID ledger.AccountID, sessionID string, accept bool) (Session, error) {
	sessionEntry, err := manager.acquire(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer sessionEntry.mutex.Unlock()
	session := &sessionEntry.session
	if session.RequesterID != actorID {
		return Session{}, fmt.Errorf("%w: only the requester can respond", ErrForbidden)
	}
	if !accept {
		switch session.Status {
		case StatusWaitlisted, StatusPendingProviderConfirm:
			manager.finishLocked(ctx, sessionEntry, StatusCancelled, ReasonRequesterCancelled, nil)
		case StatusProviderConfirmed:
			manager.finishLocked(ctx, sessionEntry, StatusCancelled, ReasonRequesterRejected, nil)
		default:
			return *session, fmt.Errorf("%w: cannot withdraw a %s session", ErrInvalidTransition, session.Status)
		}
		return *session, nil
	}
	if session.Status != StatusProviderConfirmed {
		return *session, fmt.Errorf("%w: cannot accept a %s session", ErrInvalidTransition, session.Status)
	}
	err = manager.joinLocked(ctx, sessionEntry, actorID)
	return *session, err
}

// Join marks a participant present. Chat starts once both joined; calls start once media is allocated.
func (manager *Manager) Join(ctx context.Context, actorID ledger.AccountID, sessionID string) (Session, error) {
	sessionEntry, err := manager.acquire(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer sessionEntry.mutex.Unlock()
	session := &sessionEntry.session
	if !session.Participant(actorID) {
		return Session{}, fmt.Errorf("%w: %s", ErrForbidden, actorID)
	}
	switch session.Status {
	case StatusActive:
		sessionEntry.stopGrace(actorID)
		return *session, nil
	case StatusProviderConfirmed:
	default:
		return *session, fmt.Errorf("%w: cannot join a %s session", ErrInvalidTransition, session.Status)
	}
	err = manager.joinLocked(ctx, sessionEntry, actorID)
	return *session, err
}

func (manager *Manager) joinLocked(ctx context.Context, sessionEntry *entry, actorID ledger.AccountID) error {
	session := &sessionEntry.session
	if actorID == session.RequesterID {
		session.RequesterJoined = true
	} else {
		session.ProviderJoined = true
	}
	session.UpdatedAt = manager.nowFn()
	if session.Type.NeedsMedia() {
		if session.MediaChannelID == "" {
			if err := manager.acquireMedia(ctx, sessionEntry); err != nil {
				return err
			}
		}
	} else if !session.RequesterJoined || !session.ProviderJoined {
		manager.persist(ctx, *session)
		return nil
	}
	return manager.activateLocked(ctx, sessionEntry)
}

func (manager *Manager) acquireMedia(ctx context.Context, sessionEntry *entry) error {
	session := &sessionEntry.session
	if manager.media == nil {
		return fmt.Errorf("%w: media provider is not configured", ErrExternalService)
	}
	channel, err := manager.media.AcquireChannel(ctx, session.ID)
	if err != nil {
		manager.logger.Warn("media channel acquisition failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	session.MediaChannelID = channel.ID
	session.MediaToken = channel.Token
	return nil
}

// activateLocked starts billing. The state flips to Active inside the engine's callback, after the
// first minute settled and before the first tick event goes out. While the provider serves another
// session of the same capability the session stays ProviderConfirmed and ErrProviderBusy is returned.
func (manager *Manager) activateLocked(ctx context.Context, sessionEntry *entry) error {
	session := &sessionEntry.session
	if !manager.registry.reserve(session.ID) {
		manager.persist(ctx, *session)
		return fmt.Errorf("%w: finish the active %s session first", ErrProviderBusy, session.Type.Capability())
	}
	defer manager.registry.unreserve(session.ID)
	plan := billing.Plan{
		SessionID:      session.ID,
		Category:       session.Type.Category(),
		Requester:      session.RequesterID,
		Provider:       session.ProviderID,
		Platform:       manager.platform,
		PricePerMinute: session.PricePerMinute,
		Commission:     session.Commission,
		Activate: func(summary billing.Summary) {
			if err := transition(session, StatusActive); err != nil {
				manager.logger.Error("activation rejected", zap.String("session_id", session.ID), zap.Error(err))
				return
			}
			sessionEntry.stopTimeout()
			session.StartedAt = summary.StartedAt
			session.Ticks = summary.Ticks
			session.Accumulated = summary.Accumulated
			session.LastTickAt = summary.LastTickAt
			session.UpdatedAt = manager.nowFn()
			manager.registry.update(*session)
			payload := session.Payload()
			manager.emit(ctx, session.RequesterID, realtime.EventSessionActive, session.ID, payload)
			manager.emit(ctx, session.ProviderID, realtime.EventSessionActive, session.ID, payload)
		},
	}
	meter, err := manager.biller.Start(ctx, plan)
	if err != nil {
		reason := ReasonBillingFailure
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			reason = ReasonInsufficientFunds
		}
		manager.finishLocked(ctx, sessionEntry, StatusCancelled, reason, nil)
		return err
	}
	sessionEntry.meter = meter
	manager.persist(ctx, *session)
	manager.logger.Info("session active",
		zap.String("session_id", session.ID),
		zap.String("type", string(session.Type)),
		zap.Int64("price_per_minute", session.PricePerMinute.Int64()),
	)
	return nil
}

// End closes a session on behalf of a participant. Active sessions stop billing and end; earlier
// states are cancelled.
func (manager *Manager) End(ctx context.Context, actorID ledger.AccountID, sessionID string) (Session, error) {
	sessionEntry, err := manager.acquire(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	session := &sessionEntry.session
	if !session.Participant(actorID) {
		sessionEntry.mutex.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrForbidden, actorID)
	}
	freed := false
	if session.Status == StatusActive {
		reason := ReasonEndedByProvider
		if actorID == session.RequesterID {
			reason = ReasonEndedByRequester
		}
		summary := manager.stopBilling(sessionEntry)
		freed = manager.finishLocked(ctx, sessionEntry, StatusEnded, reason, &summary)
	} else {
		reason := ReasonProviderRejected
		if actorID == session.RequesterID {
			reason = ReasonRequesterCancelled
		}
		manager.finishLocked(ctx, sessionEntry, StatusCancelled, reason, nil)
	}
	snapshot := *session
	sessionEntry.mutex.Unlock()
	if freed {
		manager.dispatcher.ProviderFreed(ctx, snapshot.ProviderID)
	}
	return snapshot, nil
}

// BillingTerminated ends an active session whose meter stopped on its own.
func (manager *Manager) BillingTerminated(ctx context.Context, sessionID string, reason billing.Reason, summary billing.Summary) {
	sessionEntry, ok := manager.registry.lookup(sessionID)
	if !ok {
		return
	}
	sessionEntry.mutex.Lock()
	if sessionEntry.closed || sessionEntry.session.Status != StatusActive {
		sessionEntry.mutex.Unlock()
		return
	}
	endReason := reasonFromBilling(reason)
	if endReason == ReasonInvariantViolation {
		manager.logger.Error("ledger invariant violated, session halted",
			zap.String("session_id", sessionID),
			zap.Int("ticks", summary.Ticks),
		)
	}
	freed := manager.finishLocked(ctx, sessionEntry, StatusEnded, endReason, &summary)
	providerID := sessionEntry.session.ProviderID
	sessionEntry.mutex.Unlock()
	if freed {
		manager.dispatcher.ProviderFreed(ctx, providerID)
	}
}

// SendMessage relays a chat line between the participants of an active session.
func (manager *Manager) SendMessage(ctx context.Context, actorID ledger.AccountID, sessionID string, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxMessageLength {
		return Message{}, fmt.Errorf("%w: message body must be 1 to %d bytes", ErrInvalidRequest, maxMessageLength)
	}
	sessionEntry, err := manager.acquire(ctx, sessionID)
	if err != nil {
		return Message{}, err
	}
	defer sessionEntry.mutex.Unlock()
	session := sessionEntry.session
	if !session.Participant(actorID) {
		return Message{}, fmt.Errorf("%w: %s", ErrForbidden, actorID)
	}
	if session.Status != StatusActive {
		return Message{}, fmt.Errorf("%w: cannot message in a %s session", ErrInvalidTransition, session.Status)
	}
	message := Message{
		ID:        manager.newID(),
		SessionID: session.ID,
		SenderID:  actorID,
		Body:      body,
		CreatedAt: manager.nowFn(),
	}
	if err := manager.repository.SaveMessage(ctx, message); err != nil {
		return Message{}, err
	}
	payload := realtime.MessagePayload{
		SessionID: session.ID,
		Sender:    actorID.String(),
		Body:      body,
		Timestamp: message.CreatedAt,
	}
	manager.emit(ctx, session.RequesterID, realtime.EventMessage, session.ID, payload)
	manager.emit(ctx, session.ProviderID, realtime.EventMessage, session.ID, payload)
	return message, nil
}

// SetPresence toggles whether a provider accepts requests. Going offline is refused while a session
// is active and cancels the provider's unanswered requests.
func (manager *Manager) SetPresence(ctx context.Context, providerID ledger.AccountID, online bool) error {
	if providerID.IsZero() {
		return fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	}
	if online {
		manager.presence.SetOnline(providerID, manager.nowFn())
		manager.emit(ctx, providerID, realtime.EventPresence, "", realtime.PresencePayload{ProviderID: providerID.String(), Online: true})
		return nil
	}
	if manager.registry.IsBusy(providerID) {
		return fmt.Errorf("%w: %s has an active session", ErrSessionInProgress, providerID)
	}
	manager.presence.SetOffline(providerID)
	for _, sessionID := range manager.registry.SessionsOf(providerID) {
		sessionEntry, ok := manager.registry.lookup(sessionID)
		if !ok {
			continue
		}
		sessionEntry.mutex.Lock()
		session := sessionEntry.session
		if !sessionEntry.closed && session.ProviderID == providerID && !session.Status.Terminal() && session.Status != StatusActive {
			manager.finishLocked(ctx, sessionEntry, StatusCancelled, ReasonProviderOffline, nil)
		}
		sessionEntry.mutex.Unlock()
	}
	manager.emit(ctx, providerID, realtime.EventPresence, "", realtime.PresencePayload{ProviderID: providerID.String(), Online: false})
	return nil
}

// Disconnect starts the grace window for every active session of an account that lost its last connection.
func (manager *Manager) Disconnect(ctx context.Context, accountID ledger.AccountID) {
	for _, sessionID := range manager.registry.SessionsOf(accountID) {
		sessionEntry, ok := manager.registry.lookup(sessionID)
		if !ok {
			continue
		}
		sessionEntry.mutex.Lock()
		if !sessionEntry.closed && sessionEntry.session.Status == StatusActive {
			if _, waiting := sessionEntry.graceTimers[accountID]; !waiting {
				token := sessionEntry.nextToken()
				timer := manager.scheduler.AfterFunc(manager.timeouts.DisconnectGrace, func() {
					manager.graceExpired(sessionID, accountID, token)
				})
				sessionEntry.graceTimers[accountID] = graceTimer{timer: timer, token: token}
				manager.logger.Info("participant disconnected",
					zap.String("session_id", sessionID),
					zap.String("account", accountID.String()),
					zap.Duration("grace", manager.timeouts.DisconnectGrace),
				)
			}
		}
		sessionEntry.mutex.Unlock()
	}
}

// Reconnect cancels pending grace windows of an account and replays the state of its live sessions.
func (manager *Manager) Reconnect(ctx context.Context, accountID ledger.AccountID) {
	for _, sessionID := range manager.registry.SessionsOf(accountID) {
		sessionEntry, ok := manager.registry.lookup(sessionID)
		if !ok {
			continue
		}
		sessionEntry.mutex.Lock()
		if !sessionEntry.closed {
			sessionEntry.stopGrace(accountID)
			session := sessionEntry.session
			if eventType, ok := replayEvent(session, accountID); ok {
				payload := session.Payload()
				if sessionEntry.meter != nil {
					summary := sessionEntry.meter.Summary()
					payload.Billing = &realtime.TickPayload{ElapsedMinutes: summary.Ticks, Cost: summary.Accumulated.Int64()}
				}
				manager.emit(ctx, accountID, eventType, session.ID, payload)
			}
		}
		sessionEntry.mutex.Unlock()
	}
}

func replayEvent(session Session, accountID ledger.AccountID) (realtime.EventType, bool) {
	switch session.Status {
	case StatusWaitlisted:
		return realtime.EventSessionWaitlisted, accountID == session.RequesterID
	case StatusPendingProviderConfirm:
		if accountID == session.ProviderID {
			return realtime.EventSessionRequested, true
		}
		return realtime.EventSessionPending, true
	case StatusProviderConfirmed:
		return realtime.EventSessionConfirmed, true
	case StatusActive:
		return realtime.EventSessionActive, true
	default:
		return "", false
	}
}

func (manager *Manager) graceExpired(sessionID string, accountID ledger.AccountID, token uint64) {
	sessionEntry, ok := manager.registry.lookup(sessionID)
	if !ok {
		return
	}
	sessionEntry.mutex.Lock()
	grace, waiting := sessionEntry.graceTimers[accountID]
	if sessionEntry.closed || !waiting || grace.token != token || sessionEntry.session.Status != StatusActive {
		sessionEntry.mutex.Unlock()
		return
	}
	delete(sessionEntry.graceTimers, accountID)
	ctx := context.Background()
	summary := manager.stopBilling(sessionEntry)
	freed := manager.finishLocked(ctx, sessionEntry, StatusEnded, ReasonDisconnect, &summary)
	providerID := sessionEntry.session.ProviderID
	sessionEntry.mutex.Unlock()
	if freed {
		manager.dispatcher.ProviderFreed(ctx, providerID)
	}
}

func (manager *Manager) scheduleTimeout(sessionEntry *entry) {
	sessionEntry.stopTimeout()
	timeout := manager.timeouts.forStatus(sessionEntry.session.Status)
	if timeout <= 0 {
		return
	}
	token := sessionEntry.nextToken()
	sessionID := sessionEntry.session.ID
	sessionEntry.timerToken = token
	sessionEntry.timer = manager.scheduler.AfterFunc(timeout, func() {
		manager.expire(sessionID, token)
	})
}

func (manager *Manager) expire(sessionID string, token uint64) {
	sessionEntry, ok := manager.registry.lookup(sessionID)
	if !ok {
		return
	}
	sessionEntry.mutex.Lock()
	defer sessionEntry.mutex.Unlock()
	if sessionEntry.closed || sessionEntry.timerToken != token {
		return
	}
	sessionEntry.timer = nil
	sessionEntry.timerToken = 0
	manager.finishLocked(context.Background(), sessionEntry, StatusCancelled, ReasonTimeout, nil)
}

// stopBilling halts the meter and returns its final totals. A meter that already stopped itself
// still reports through the entry.
func (manager *Manager) stopBilling(sessionEntry *entry) billing.Summary {
	summary, stopped := manager.biller.Stop(sessionEntry.session.ID)
	if !stopped && sessionEntry.meter != nil {
		summary = sessionEntry.meter.Summary()
	}
	return summary
}

// finishLocked moves the session to a terminal state exactly once and reports whether the provider
// left an active session.
func (manager *Manager) finishLocked(ctx context.Context, sessionEntry *entry, status Status, reason EndReason, summary *billing.Summary) bool {
	session := &sessionEntry.session
	previous := session.Status
	if err := transition(session, status); err != nil {
		manager.logger.Error("terminal transition rejected", zap.String("session_id", session.ID), zap.Error(err))
		return false
	}
	now := manager.nowFn()
	session.EndReason = reason
	session.EndedAt = now
	session.UpdatedAt = now
	if summary != nil && summary.Ticks > 0 {
		session.Ticks = summary.Ticks
		session.Accumulated = summary.Accumulated
		session.LastTickAt = summary.LastTickAt
	}
	sessionEntry.stopTimers()
	sessionEntry.closed = true
	manager.registry.remove(session.ID)

	if previous == StatusWaitlisted {
		if _, err := manager.waitlist.Remove(ctx, session.ProviderID.String(), session.ID); err != nil {
			manager.logger.Warn("waitlist removal failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	if session.MediaChannelID != "" && manager.media != nil {
		if err := manager.media.Release(ctx, session.MediaChannelID); err != nil {
			manager.logger.Warn("media channel release failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	manager.persist(ctx, *session)

	payload := realtime.EndedPayload{
		Status:         string(session.Status),
		Reason:         string(reason),
		ElapsedMinutes: session.Ticks,
		Cost:           session.Accumulated.Int64(),
	}
	manager.emit(ctx, session.RequesterID, realtime.EventSessionEnded, session.ID, payload)
	manager.emit(ctx, session.ProviderID, realtime.EventSessionEnded, session.ID, payload)
	switch reason {
	case ReasonInsufficientFunds:
		manager.push(ctx, session.RequesterID, "Session ended", "Your balance ran out. Top up to continue consulting")
	case ReasonTimeout, ReasonProviderRejected, ReasonProviderOffline:
		manager.push(ctx, session.RequesterID, "Request closed", "Your provider could not take the session")
	}
	metrics.RecordSessionClosed(string(session.Status), string(reason))
	manager.logger.Info("session closed",
		zap.String("session_id", session.ID),
		zap.String("status", string(session.Status)),
		zap.String("reason", string(reason)),
		zap.Int("ticks", session.Ticks),
		zap.Int64("accumulated", session.Accumulated.Int64()),
	)
	return previous == StatusActive
}

// releaseWaitlisted cancels a waitlisted session once its provider became available.
func (manager *Manager) releaseWaitlisted(ctx context.Context, sessionID string) {
	sessionEntry, ok := manager.registry.lookup(sessionID)
	if !ok {
		return
	}
	sessionEntry.mutex.Lock()
	defer sessionEntry.mutex.Unlock()
	if sessionEntry.closed || sessionEntry.session.Status != StatusWaitlisted {
		return
	}
	manager.finishLocked(ctx, sessionEntry, StatusCancelled, ReasonProviderAvailable, nil)
}

// Get returns a live or persisted session visible to the actor.
func (manager *Manager) Get(ctx context.Context, actorID ledger.AccountID, sessionID string) (Session, error) {
	session, err := manager.lookup(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !session.Participant(actorID) {
		return Session{}, fmt.Errorf("%w: %s", ErrForbidden, actorID)
	}
	return session, nil
}

// History lists an account's sessions, newest first.
func (manager *Manager) History(ctx context.Context, accountID ledger.AccountID, limit int) ([]Session, error) {
	return manager.repository.ListSessions(ctx, accountID, clampLimit(limit))
}

// Messages lists the chat lines of a session visible to the actor.
func (manager *Manager) Messages(ctx context.Context, actorID ledger.AccountID, sessionID string, limit int) ([]Message, error) {
	if _, err := manager.Get(ctx, actorID, sessionID); err != nil {
		return nil, err
	}
	return manager.repository.ListMessages(ctx, sessionID, clampLimit(limit))
}

// Waitlist lists the requesters queued for a provider, oldest first.
func (manager *Manager) Waitlist(ctx context.Context, providerID ledger.AccountID) ([]WaitlistEntry, error) {
	return manager.waitlist.List(ctx, providerID.String())
}

// Live returns a snapshot of every live session.
func (manager *Manager) Live() []Session {
	statuses := manager.registry.Statuses()
	sessions := make([]Session, 0, len(statuses))
	for sessionID := range statuses {
		sessionEntry, ok := manager.registry.lookup(sessionID)
		if !ok {
			continue
		}
		sessionEntry.mutex.Lock()
		if !sessionEntry.closed {
			sessions = append(sessions, sessionEntry.session)
		}
		sessionEntry.mutex.Unlock()
	}
	return sessions
}

// RecoverOrphans closes sessions persisted as open by a previous process. Nothing of them is live,
// so active ones end and the rest are cancelled, all with reason server_restart.
func (manager *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	sessions, err := manager.repository.ListOpenSessions(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, session := range sessions {
		if _, live := manager.registry.lookup(session.ID); live {
			continue
		}
		previous := session.Status
		session.Status = StatusCancelled
		if previous == StatusActive {
			session.Status = StatusEnded
		}
		now := manager.nowFn()
		session.EndReason = ReasonServerRestart
		session.EndedAt = now
		session.UpdatedAt = now
		if previous == StatusWaitlisted {
			if _, err := manager.waitlist.Remove(ctx, session.ProviderID.String(), session.ID); err != nil {
				manager.logger.Warn("waitlist removal failed", zap.String("session_id", session.ID), zap.Error(err))
			}
		}
		if err := manager.repository.SaveSession(ctx, session); err != nil {
			return recovered, err
		}
		metrics.RecordSessionClosed(string(session.Status), string(ReasonServerRestart))
		recovered++
	}
	if recovered > 0 {
		manager.logger.Warn("closed orphaned sessions", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Shutdown closes every live session with reason server_restart. Waitlists are not dispatched.
func (manager *Manager) Shutdown(ctx context.Context) {
	for sessionID := range manager.registry.Statuses() {
		sessionEntry, ok := manager.registry.lookup(sessionID)
		if !ok {
			continue
		}
		sessionEntry.mutex.Lock()
		if !sessionEntry.closed {
			if sessionEntry.session.Status == StatusActive {
				summary := manager.stopBilling(sessionEntry)
				manager.finishLocked(ctx, sessionEntry, StatusEnded, ReasonServerRestart, &summary)
			} else {
				manager.finishLocked(ctx, sessionEntry, StatusCancelled, ReasonServerRestart, nil)
			}
		}
		sessionEntry.mutex.Unlock()
	}
}

// acquire returns the live entry locked. Closed sessions report ErrInvalidTransition, unknown ones
// ErrSessionNotFound.
func (manager *Manager) acquire(ctx context.Context, sessionID string) (*entry, error) {
	if sessionEntry, ok := manager.registry.lookup(sessionID); ok {
		sessionEntry.mutex.Lock()
		if !sessionEntry.closed {
			return sessionEntry, nil
		}
		status := sessionEntry.session.Status
		sessionEntry.mutex.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, status)
	}
	session, err := manager.repository.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, session.Status)
}

func (manager *Manager) lookup(ctx context.Context, sessionID string) (Session, error) {
	if sessionEntry, ok := manager.registry.lookup(sessionID); ok {
		sessionEntry.mutex.Lock()
		session := sessionEntry.session
		if sessionEntry.meter != nil && session.Status == StatusActive {
			summary := sessionEntry.meter.Summary()
			session.Ticks = summary.Ticks
			session.Accumulated = summary.Accumulated
			session.LastTickAt = summary.LastTickAt
		}
		sessionEntry.mutex.Unlock()
		return session, nil
	}
	return manager.repository.GetSession(ctx, sessionID)
}

func (manager *Manager) persist(ctx context.Context, session Session) {
	if err := manager.repository.SaveSession(ctx, session); err != nil {
		manager.logger.Error("session persistence failed",
			zap.String("session_id", session.ID),
			zap.String("status", string(session.Status)),
			zap.Error(err),
		)
	}
}

func (manager *Manager) emit(ctx context.Context, accountID ledger.AccountID, eventType realtime.EventType, sessionID string, payload any) {
	manager.emitter.Emit(ctx, accountID.String(), realtime.Event{Type: eventType, SessionID: sessionID, Payload: payload})
}

// push delivers a notification in the background; failures never touch session state.
func (manager *Manager) push(ctx context.Context, accountID ledger.AccountID, title string, body string) {
	pushAsync(ctx, manager.notifier, manager.logger, accountID.String(), title, body)
}

func pushAsync(ctx context.Context, notifier Notifier, logger *zap.Logger, accountID string, title string, body string) {
	if notifier == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		if err := notifier.Push(detached, accountID, title, body); err != nil {
			logger.Warn("push notification failed",
				zap.String("account", accountID),
				zap.Error(err),
			)
		}
	}()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
)

const (
	requesterValue = "user-1"
	secondValue    = "user-2"
	thirdValue     = "user-3"
	providerValue  = "provider-1"
	platformValue  = "platform"
	waitTimeout    = 2 * time.Second
)

var testTimeouts = Timeouts{
	Waitlisted:             10 * time.Minute,
	PendingProviderConfirm: time.Minute,
	ProviderConfirmed:      2 * time.Minute,
	DisconnectGrace:        30 * time.Second,
}

type harness struct {
	manager    *Manager
	engine     *billing.Engine
	wallet     *memoryWallet
	recorder   *realtime.Recorder
	scheduler  *manualScheduler
	tickers    *tickerHub
	repository *MemoryRepository
	waitlist   *MemoryWaitlist
	media      *fakeMedia
	notifier   *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	testHarness := &harness{
		wallet:     newMemoryWallet(),
		recorder:   realtime.NewRecorder(),
		scheduler:  &manualScheduler{},
		tickers:    &tickerHub{},
		repository: NewMemoryRepository(),
		waitlist:   NewMemoryWaitlist(),
		media:      &fakeMedia{},
		notifier:   &recordingNotifier{},
	}
	engine, err := billing.NewEngine(testHarness.wallet, testHarness.recorder, billing.WithTickerFactory(testHarness.tickers.factory))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	var sequence atomic.Int64
	var clock atomic.Int64
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	manager, err := NewManager(Dependencies{
		Wallet:     testHarness.wallet,
		Biller:     engine,
		Rates:      fixedRates{price: 100, commission: 20},
		Repository: testHarness.repository,
		Waitlist:   testHarness.waitlist,
		Emitter:    testHarness.recorder,
		Notifier:   testHarness.notifier,
		Media:      testHarness.media,
		Platform:   mustAccount(t, platformValue),
	},
		WithScheduler(testHarness.scheduler),
		WithTimeouts(testTimeouts),
		WithIDGenerator(func() string { return fmt.Sprintf("session-%d", sequence.Add(1)) }),
		WithClock(func() time.Time { return base.Add(time.Duration(clock.Add(1)) * time.Second) }),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	engine.SetTerminationHandler(manager)
	t.Cleanup(func() { engine.Shutdown() })
	testHarness.engine = engine
	testHarness.manager = manager
	return testHarness
}

// activeChat drives a chat session from request to Active.
func (testHarness *harness) activeChat(t *testing.T, requester string) Session {
	t.Helper()
	ctx := context.Background()
	provider := mustAccount(t, providerValue)
	requesterID := mustAccount(t, requester)
	session, err := testHarness.manager.Request(ctx, requesterID, provider, TypeChat)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := testHarness.manager.ProviderRespond(ctx, provider, session.ID, true); err != nil {
		t.Fatalf("provider respond: %v", err)
	}
	if _, err := testHarness.manager.Join(ctx, requesterID, session.ID); err != nil {
		t.Fatalf("requester join: %v", err)
	}
	active, err := testHarness.manager.Join(ctx, provider, session.ID)
	if err != nil {
		t.Fatalf("provider join: %v", err)
	}
	if active.Status != StatusActive {
		t.Fatalf("expected active session, got %s", active.Status)
	}
	return active
}

func (testHarness *harness) online(t *testing.T) {
	t.Helper()
	if err := testHarness.manager.SetPresence(context.Background(), mustAccount(t, providerValue), true); err != nil {
		t.Fatalf("set presence: %v", err)
	}
}

func eventTypes(events []realtime.Event) []realtime.EventType {
	types := make([]realtime.EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func lastEnded(t *testing.T, recorder *realtime.Recorder, accountID string) realtime.EndedPayload {
	t.Helper()
	events := recorder.EventsFor(accountID)
	for index := len(events) - 1; index >= 0; index-- {
		if events[index].Type == realtime.EventSessionEnded {
			payload, ok := events[index].Payload.(realtime.EndedPayload)
			if !ok {
				t.Fatalf("unexpected ended payload %T", events[index].Payload)
			}
			return payload
		}
	}
	t.Fatalf("no session_ended event for %s", accountID)
	return realtime.EndedPayload{}
}

func mustAccount(t *testing.T, raw string) ledger.AccountID {
	t.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		t.Fatalf("account id: %v", err)
	}
	return accountID
}

type fixedRates struct {
	price      int64
	commission int64
	missing    bool
}

func (rates fixedRates) Rate(_ context.Context, providerID ledger.AccountID, _ Type) (Rate, error) {
	if rates.missing {
		return Rate{}, fmt.Errorf("%w: %s", ErrRateNotFound, providerID)
	}
	price, err := ledger.NewPositiveAmountCents(rates.price)
	if err != nil {
		return Rate{}, err
	}
	commission, err := billing.FlatCommission(ledger.AmountCents(rates.commission))
	if err != nil {
		return Rate{}, err
	}
	return Rate{PricePerMinute: price, Commission: commission}, nil
}

// memoryWallet settles transfers in memory with the same refusal rules as the ledger.
type memoryWallet struct {
	mutex    sync.Mutex
	balances map[string]ledger.AmountCents
	roles    map[string]ledger.AccountRole
	applied  map[string]struct{}
}

func newMemoryWallet() *memoryWallet {
	return &memoryWallet{
		balances: make(map[string]ledger.AmountCents),
		roles:    make(map[string]ledger.AccountRole),
		applied:  make(map[string]struct{}),
	}
}

func (wallet *memoryWallet) fund(accountID string, amount int64) {
	wallet.mutex.Lock()
	defer wallet.mutex.Unlock()
	wallet.balances[accountID] = ledger.AmountCents(amount)
	if _, ok := wallet.roles[accountID]; !ok {
		wallet.roles[accountID] = ledger.RoleUser
	}
}

func (wallet *memoryWallet) balance(accountID string) ledger.AmountCents {
	wallet.mutex.Lock()
	defer wallet.mutex.Unlock()
	return wallet.balances[accountID]
}

func (wallet *memoryWallet) OpenAccount(_ context.Context, accountID ledger.AccountID, role ledger.AccountRole) (ledger.Account, error) {
	wallet.mutex.Lock()
	defer wallet.mutex.Unlock()
	if _, ok := wallet.roles[accountID.String()]; !ok {
		wallet.roles[accountID.String()] = role
	}
	return ledger.NewAccount(accountID, wallet.roles[accountID.String()], wallet.balances[accountID.String()])
}

func (wallet *memoryWallet) Balance(_ context.Context, accountID ledger.AccountID) (ledger.AmountCents, error) {
	wallet.mutex.Lock()
	defer wallet.mutex.Unlock()
	if _, ok := wallet.roles[accountID.String()]; !ok {
		return 0, ledger.ErrAccountNotFound
	}
	return wallet.balances[accountID.String()], nil
}

func (wallet *memoryWallet) Transfer(_ context.Context, request ledger.TransferRequest) (ledger.TransferResult, error) {
	wallet.mutex.Lock()
	defer wallet.mutex.Unlock()
	if _, ok := wallet.applied[request.CorrelationID.String()]; ok {
		return ledger.TransferResult{}, ledger.ErrDuplicateCorrelation
	}
	from := request.From.String()
	total := request.Total()
	if wallet.balances[from] < total {
		return ledger.TransferResult{}, ledger.ErrInsufficientFunds
	}
	wallet.balances[from] -= total
	wallet.balances[request.Primary.AccountID.String()] += request.Primary.Amount
	if request.Secondary.Amount > 0 {
		wallet.balances[request.Secondary.AccountID.String()] += request.Secondary.Amount
	}
	wallet.applied[request.CorrelationID.String()] = struct{}{}
	return ledger.TransferResult{CorrelationID: request.CorrelationID, Debited: total, SourceBalanceAfter: wallet.balances[from]}, nil
}

func (wallet *memoryWallet) VerifyCorrelation(context.Context, ledger.CorrelationID) error {
	return nil
}

type manualTicker struct {
	ch chan time.Time
}

func (ticker *manualTicker) C() <-chan time.Time { return ticker.ch }

func (ticker *manualTicker) Stop() {}

func (ticker *manualTicker) fire(t *testing.T) {
	t.Helper()
	select {
	case ticker.ch <- time.Now():
	case <-time.After(waitTimeout):
		t.Fatalf("tick was not consumed")
	}
}

// tickerHub hands every new meter its own manual ticker.
type tickerHub struct {
	mutex   sync.Mutex
	tickers []*manualTicker
}

func (hub *tickerHub) factory(time.Duration) billing.Ticker {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	ticker := &manualTicker{ch: make(chan time.Time)}
	hub.tickers = append(hub.tickers, ticker)
	return ticker
}

func (hub *tickerHub) ticker(t *testing.T, index int) *manualTicker {
	t.Helper()
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if index >= len(hub.tickers) {
		t.Fatalf("meter %d was never started", index)
	}
	return hub.tickers[index]
}

type manualTimer struct {
	scheduler *manualScheduler
	delay     time.Duration
	fn        func()
	done      bool
}

func (timer *manualTimer) Stop() bool {
	timer.scheduler.mutex.Lock()
	defer timer.scheduler.mutex.Unlock()
	pending := !timer.done
	timer.done = true
	return pending
}

// manualScheduler fires timers only when told to.
type manualScheduler struct {
	mutex  sync.Mutex
	timers []*manualTimer
}

func (scheduler *manualScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	timer := &manualTimer{scheduler: scheduler, delay: delay, fn: fn}
	scheduler.timers = append(scheduler.timers, timer)
	return timer
}

// fire runs every pending timer scheduled with the delay and reports how many ran.
func (scheduler *manualScheduler) fire(delay time.Duration) int {
	scheduler.mutex.Lock()
	var due []*manualTimer
	for _, timer := range scheduler.timers {
		if !timer.done && timer.delay == delay {
			timer.done = true
			due = append(due, timer)
		}
	}
	scheduler.mutex.Unlock()
	for _, timer := range due {
		timer.fn()
	}
	return len(due)
}

func (scheduler *manualScheduler) pending() int {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	count := 0
	for _, timer := range scheduler.timers {
		if !timer.done {
			count++
		}
	}
	return count
}

var errMediaDown = errors.New("media provider down")

type fakeMedia struct {
	mutex    sync.Mutex
	fail     bool
	acquired []string
	released []string
}

func (media *fakeMedia) setFail(fail bool) {
	media.mutex.Lock()
	defer media.mutex.Unlock()
	media.fail = fail
}

func (media *fakeMedia) AcquireChannel(_ context.Context, sessionID string) (Channel, error) {
	media.mutex.Lock()
	defer media.mutex.Unlock()
	if media.fail {
		return Channel{}, errMediaDown
	}
	media.acquired = append(media.acquired, sessionID)
	return Channel{ID: "channel-" + sessionID, Token: "token-" + sessionID}, nil
}

func (media *fakeMedia) Release(_ context.Context, channelID string) error {
	media.mutex.Lock()
	defer media.mutex.Unlock()
	media.released = append(media.released, channelID)
	return nil
}

func (media *fakeMedia) releasedChannels() []string {
	media.mutex.Lock()
	defer media.mutex.Unlock()
	return append([]string(nil), media.released...)
}

type recordingNotifier struct {
	mutex  sync.Mutex
	pushes []string
}

func (notifier *recordingNotifier) Push(_ context.Context, accountID string, title string, _ string) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.pushes = append(notifier.pushes, accountID+":"+title)
	return nil
}

func (notifier *recordingNotifier) waitFor(t *testing.T, push string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		notifier.mutex.Lock()
		for _, recorded := range notifier.pushes {
			if recorded == push {
				notifier.mutex.Unlock()
				return
			}
		}
		notifier.mutex.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("push %q was not sent", push)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
)

func TestChatSessionEndsWhenFundsRunOut(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 250)

	session := testHarness.activeChat(t, requesterValue)
	if testHarness.wallet.balance(requesterValue) != 150 {
		t.Fatalf("expected first minute charged on activation, balance %d", testHarness.wallet.balance(requesterValue))
	}

	ticker := testHarness.tickers.ticker(t, 0)
	ticker.fire(t)
	if !testHarness.recorder.WaitFor(requesterValue, realtime.EventTick, 2, waitTimeout) {
		t.Fatalf("second tick not announced")
	}
	ticker.fire(t)
	if !testHarness.recorder.WaitFor(requesterValue, realtime.EventSessionEnded, 1, waitTimeout) {
		t.Fatalf("session did not end")
	}

	want := []realtime.EventType{
		realtime.EventSessionPending,
		realtime.EventSessionConfirmed,
		realtime.EventSessionActive,
		realtime.EventTick,
		realtime.EventLowBalanceWarning,
		realtime.EventTick,
		realtime.EventSessionEnded,
	}
	if got := eventTypes(testHarness.recorder.EventsFor(requesterValue)); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected requester events:\n got %v\nwant %v", got, want)
	}
	ended := lastEnded(t, testHarness.recorder, providerValue)
	if ended.Reason != string(ReasonInsufficientFunds) || ended.ElapsedMinutes != 2 || ended.Cost != 200 {
		t.Fatalf("unexpected ended payload: %+v", ended)
	}
	if testHarness.wallet.balance(requesterValue) != 50 || testHarness.wallet.balance(providerValue) != 160 || testHarness.wallet.balance(platformValue) != 40 {
		t.Fatalf("unexpected balances: requester %d provider %d platform %d",
			testHarness.wallet.balance(requesterValue), testHarness.wallet.balance(providerValue), testHarness.wallet.balance(platformValue))
	}

	stored, err := testHarness.repository.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != StatusEnded || stored.EndReason != ReasonInsufficientFunds || stored.Ticks != 2 || stored.Accumulated != 200 {
		t.Fatalf("unexpected stored session: %+v", stored)
	}
	if testHarness.manager.Registry().Len() != 0 || testHarness.engine.Active() != 0 {
		t.Fatalf("expected registry and engine to be empty")
	}
	testHarness.notifier.waitFor(t, requesterValue+":Session ended")
}

func TestFirstTickFailureNeverActivates(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 100)
	ctx := context.Background()
	requester := mustAccount(t, requesterValue)
	provider := mustAccount(t, providerValue)

	session, err := testHarness.manager.Request(ctx, requester, provider, TypeChat)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := testHarness.manager.ProviderRespond(ctx, provider, session.ID, true); err != nil {
		t.Fatalf("provider respond: %v", err)
	}
	testHarness.wallet.fund(requesterValue, 40)
	if _, err := testHarness.manager.Join(ctx, requester, session.ID); err != nil {
		t.Fatalf("requester join: %v", err)
	}
	cancelled, err := testHarness.manager.Join(ctx, provider, session.ID)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.EndReason != ReasonInsufficientFunds {
		t.Fatalf("unexpected session after failed start: %+v", cancelled)
	}
	if testHarness.recorder.Count(requesterValue, realtime.EventSessionActive) != 0 {
		t.Fatalf("session must never be announced active")
	}
	if testHarness.recorder.Count(requesterValue, realtime.EventSessionEnded) != 1 {
		t.Fatalf("expected exactly one session_ended")
	}
	if testHarness.wallet.balance(requesterValue) != 40 || testHarness.engine.Active() != 0 {
		t.Fatalf("nothing should have been charged or metered")
	}
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	ctx := context.Background()
	requester := mustAccount(t, requesterValue)
	provider := mustAccount(t, providerValue)
	testHarness.wallet.fund(requesterValue, 50)

	if _, err := testHarness.manager.Request(ctx, requester, provider, TypeChat); !errors.Is(err, ErrProviderOffline) {
		t.Fatalf("expected provider offline, got %v", err)
	}
	testHarness.online(t)
	if _, err := testHarness.manager.Request(ctx, requester, provider, TypeChat); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := testHarness.manager.Request(ctx, requester, requester, TypeChat); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := testHarness.manager.Request(ctx, requester, provider, Type("fax")); !errors.Is(err, ErrInvalidSessionType) {
		t.Fatalf("expected invalid session type, got %v", err)
	}
	if testHarness.manager.Registry().Len() != 0 {
		t.Fatalf("rejected requests must not register sessions")
	}

	testHarness.wallet.fund(requesterValue, 500)
	if _, err := testHarness.manager.Request(ctx, requester, provider, TypeChat); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := testHarness.manager.Request(ctx, requester, provider, TypeCall); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate request, got %v", err)
	}
}

func TestWaitlistedRequesterIsNotifiedWhenProviderFrees(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	ctx := context.Background()
	provider := mustAccount(t, providerValue)
	for _, requester := range []string{requesterValue, secondValue, thirdValue} {
		testHarness.wallet.fund(requester, 1000)
	}

	active := testHarness.activeChat(t, requesterValue)
	second, err := testHarness.manager.Request(ctx, mustAccount(t, secondValue), provider, TypeChat)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	third, err := testHarness.manager.Request(ctx, mustAccount(t, thirdValue), provider, TypeChat)
	if err != nil {
		t.Fatalf("third request: %v", err)
	}
	if second.Status != StatusWaitlisted || third.Status != StatusWaitlisted {
		t.Fatalf("expected both requests waitlisted, got %s and %s", second.Status, third.Status)
	}
	waitlisted := testHarness.recorder.EventsFor(thirdValue)[0].Payload.(realtime.SessionPayload)
	if waitlisted.Extra["position"] != 2 {
		t.Fatalf("expected waitlist position 2, got %v", waitlisted.Extra["position"])
	}

	if _, err := testHarness.manager.End(ctx, provider, active.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if testHarness.recorder.Count(secondValue, realtime.EventAvailabilityNotified) != 1 {
		t.Fatalf("oldest waiting requester was not notified")
	}
	if testHarness.recorder.Count(thirdValue, realtime.EventAvailabilityNotified) != 0 {
		t.Fatalf("only the oldest entry is dispatched")
	}
	if ended := lastEnded(t, testHarness.recorder, secondValue); ended.Reason != string(ReasonProviderAvailable) {
		t.Fatalf("unexpected waitlist close reason: %+v", ended)
	}
	if sessions := testHarness.manager.Registry().SessionsOf(mustAccount(t, secondValue)); len(sessions) != 0 {
		t.Fatalf("requester must not be auto-joined, found %v", sessions)
	}
	remaining, err := testHarness.manager.Waitlist(ctx, provider)
	if err != nil {
		t.Fatalf("waitlist: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SessionID != third.ID {
		t.Fatalf("unexpected remaining waitlist: %+v", remaining)
	}
	testHarness.notifier.waitFor(t, secondValue+":Your provider is available")
}

func TestFreedChatSkipsWaitersForBusyCall(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	ctx := context.Background()
	provider := mustAccount(t, providerValue)
	const fourthValue = "user-4"
	for _, requester := range []string{requesterValue, secondValue, thirdValue, fourthValue} {
		testHarness.wallet.fund(requester, 1000)
	}

	chat := testHarness.activeChat(t, requesterValue)
	call, err := testHarness.manager.Request(ctx, mustAccount(t, secondValue), provider, TypeCall)
	if err != nil {
		t.Fatalf("call request: %v", err)
	}
	if _, err := testHarness.manager.ProviderRespond(ctx, provider, call.ID, true); err != nil {
		t.Fatalf("accept call: %v", err)
	}
	if active, err := testHarness.manager.Join(ctx, mustAccount(t, secondValue), call.ID); err != nil || active.Status != StatusActive {
		t.Fatalf("expected active call, got %s: %v", active.Status, err)
	}

	callWaiter, err := testHarness.manager.Request(ctx, mustAccount(t, thirdValue), provider, TypeVideo)
	if err != nil {
		t.Fatalf("video request: %v", err)
	}
	chatWaiter, err := testHarness.manager.Request(ctx, mustAccount(t, fourthValue), provider, TypeChat)
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	if callWaiter.Status != StatusWaitlisted || chatWaiter.Status != StatusWaitlisted {
		t.Fatalf("expected both waitlisted, got %s and %s", callWaiter.Status, chatWaiter.Status)
	}

	if _, err := testHarness.manager.End(ctx, provider, chat.ID); err != nil {
		t.Fatalf("end chat: %v", err)
	}
	if testHarness.recorder.Count(thirdValue, realtime.EventAvailabilityNotified) != 0 {
		t.Fatalf("video waiter must wait for the call line")
	}
	if testHarness.recorder.Count(fourthValue, realtime.EventAvailabilityNotified) != 1 {
		t.Fatalf("chat waiter was not notified")
	}
	remaining, err := testHarness.manager.Waitlist(ctx, provider)
	if err != nil {
		t.Fatalf("waitlist: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SessionID != callWaiter.ID {
		t.Fatalf("unexpected remaining waitlist: %+v", remaining)
	}

	if _, err := testHarness.manager.End(ctx, mustAccount(t, secondValue), call.ID); err != nil {
		t.Fatalf("end call: %v", err)
	}
	if testHarness.recorder.Count(thirdValue, realtime.EventAvailabilityNotified) != 1 {
		t.Fatalf("video waiter was not notified once the call ended")
	}
}

func TestProviderCannotActivateTwoSessionsOfOneCapability(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	ctx := context.Background()
	provider := mustAccount(t, providerValue)
	first := mustAccount(t, requesterValue)
	second := mustAccount(t, secondValue)
	testHarness.wallet.fund(requesterValue, 1000)
	testHarness.wallet.fund(secondValue, 1000)

	r1, err := testHarness.manager.Request(ctx, first, provider, TypeChat)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	r2, err := testHarness.manager.Request(ctx, second, provider, TypeChat)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	for _, session := range []Session{r1, r2} {
		if _, err := testHarness.manager.ProviderRespond(ctx, provider, session.ID, true); err != nil {
			t.Fatalf("accept %s: %v", session.ID, err)
		}
	}
	if _, err := testHarness.manager.Join(ctx, first, r1.ID); err != nil {
		t.Fatalf("first requester join: %v", err)
	}
	if _, err := testHarness.manager.Join(ctx, second, r2.ID); err != nil {
		t.Fatalf("second requester join: %v", err)
	}
	if active, err := testHarness.manager.Join(ctx, provider, r1.ID); err != nil || active.Status != StatusActive {
		t.Fatalf("expected first session active, got %s: %v", active.Status, err)
	}
	blocked, err := testHarness.manager.Join(ctx, provider, r2.ID)
	if !errors.Is(err, ErrProviderBusy) {
		t.Fatalf("expected ErrProviderBusy, got %v", err)
	}
	if blocked.Status != StatusProviderConfirmed {
		t.Fatalf("blocked session must stay confirmed, got %s", blocked.Status)
	}
	if active := testHarness.manager.Registry().ActiveFor(provider, CapabilityChat); len(active) != 1 || active[0] != r1.ID {
		t.Fatalf("expected only %s active, got %v", r1.ID, active)
	}
	if testHarness.wallet.balance(secondValue) != 1000 {
		t.Fatalf("blocked requester must not be charged, balance %d", testHarness.wallet.balance(secondValue))
	}
	if fired := testHarness.scheduler.fire(testTimeouts.ProviderConfirmed); fired != 1 {
		t.Fatalf("expected the blocked session to time out, fired %d", fired)
	}
	expired, err := testHarness.manager.Get(ctx, second, r2.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if expired.Status != StatusCancelled || expired.EndReason != ReasonTimeout {
		t.Fatalf("unexpected close of blocked session: %+v", expired)
	}
}

func TestConcurrentActivationsStartOneSession(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	ctx := context.Background()
	provider := mustAccount(t, providerValue)
	requesters := []string{requesterValue, secondValue, thirdValue}
	sessionIDs := make([]string, 0, len(requesters))
	for _, requester := range requesters {
		testHarness.wallet.fund(requester, 1000)
		session, err := testHarness.manager.Request(ctx, mustAccount(t, requester), provider, TypeChat)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if _, err := testHarness.manager.ProviderRespond(ctx, provider, session.ID, true); err != nil {
			t.Fatalf("accept: %v", err)
		}
		if _, err := testHarness.manager.Join(ctx, mustAccount(t, requester), session.ID); err != nil {
			t.Fatalf("requester join: %v", err)
		}
		sessionIDs = append(sessionIDs, session.ID)
	}

	var wait sync.WaitGroup
	var activated atomic.Int32
	for _, sessionID := range sessionIDs {
		wait.Add(1)
		go func(sessionID string) {
			defer wait.Done()
			if _, err := testHarness.manager.Join(ctx, provider, sessionID); err == nil {
				activated.Add(1)
			} else if !errors.Is(err, ErrProviderBusy) {
				t.Errorf("unexpected join error: %v", err)
			}
		}(sessionID)
	}
	wait.Wait()
	if activated.Load() != 1 {
		t.Fatalf("expected exactly one activation, got %d", activated.Load())
	}
	if active := testHarness.manager.Registry().ActiveFor(provider, CapabilityChat); len(active) != 1 {
		t.Fatalf("expected one active chat, got %v", active)
	}
}

func TestIdleSessionsTimeOut(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 500)
	ctx := context.Background()
	requester := mustAccount(t, requesterValue)
	provider := mustAccount(t, providerValue)

	pending, err := testHarness.manager.Request(ctx, requester, provider, TypeChat)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if fired := testHarness.scheduler.fire(testTimeouts.PendingProviderConfirm); fired != 1 {
		t.Fatalf("expected one pending timeout, fired %d", fired)
	}
	expired, err := testHarness.manager.Get(ctx, requester, pending.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if expired.Status != StatusCancelled || expired.EndReason != ReasonTimeout {
		t.Fatalf("unexpected expired session: %+v", expired)
	}
	if testHarness.recorder.Count(providerValue, realtime.EventSessionEnded) != 1 {
		t.Fatalf("provider was not told about the timeout")
	}
	testHarness.notifier.waitFor(t, requesterValue+":Request closed")

	confirmed, err := testHarness.manager.Request(ctx, requester, provider, TypeChat)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if _, err := testHarness.manager.ProviderRespond(ctx, provider, confirmed.ID, true); err != nil {
		t.Fatalf("provider respond: %v", err)
	}
	if fired := testHarness.scheduler.fire(testTimeouts.PendingProviderConfirm); fired != 0 {
		t.Fatalf("pending timer must be cancelled on confirmation, fired %d", fired)
	}
	if fired := testHarness.scheduler.fire(testTimeouts.ProviderConfirmed); fired != 1 {
		t.Fatalf("expected one confirmed timeout, fired %d", fired)
	}
	expired, err = testHarness.manager.Get(ctx, provider, confirmed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if expired.Status != StatusCancelled || expired.EndReason != ReasonTimeout {
		t.Fatalf("unexpected expired confirmed session: %+v", expired)
	}
	if testHarness.scheduler.pending() != 0 {
		t.Fatalf("expected no pending timers")
	}
}

func TestProviderCannotGoOfflineDuringActiveSession(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 1000)
	ctx := context.Background()
	provider := mustAccount(t, providerValue)

	active := testHarness.activeChat(t, requesterValue)
	if err := testHarness.manager.SetPresence(ctx, provider, false); !errors.Is(err, ErrSessionInProgress) {
		t.Fatalf("expected session in progress, got %v", err)
	}
	if !testHarness.manager.Online(provider) {
		t.Fatalf("provider must stay online")
	}
	if _, err := testHarness.manager.End(ctx, mustAccount(t, requesterValue), active.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := testHarness.manager.SetPresence(ctx, provider, false); err != nil {
		t.Fatalf("offline after end: %v", err)
	}
	if _, err := testHarness.manager.Request(ctx, mustAccount(t, requesterValue), provider, TypeChat); !errors.Is(err, ErrProviderOffline) {
		t.Fatalf("expected provider offline, got %v", err)
	}
}

func TestGoingOfflineCancelsUnansweredRequests(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 500)
	ctx := context.Background()
	requester := mustAccount(t, requesterValue)
	provider := mustAccount(t, providerValue)

	pending, err := testHarness.manager.Request(ctx, requester, provider, TypeVideo)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := testHarness.manager.SetPresence(ctx, provider, false); err != nil {
		t.Fatalf("offline: %v", err)
	}
	cancelled, err := testHarness.manager.Get(ctx, requester, pending.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.EndReason != ReasonProviderOffline {
		t.Fatalf("unexpected session: %+v", cancelled)
	}
}

func TestConcurrentEndEmitsOneSessionEnded(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 1000)
	active := testHarness.activeChat(t, requesterValue)

	actors := []ledger.AccountID{mustAccount(t, requesterValue), mustAccount(t, providerValue)}
	results := make([]error, len(actors))
	var waitGroup sync.WaitGroup
	for index, actor := range actors {
		waitGroup.Add(1)
		go func(index int, actor ledger.AccountID) {
			defer waitGroup.Done()
			_, results[index] = testHarness.manager.End(context.Background(), actor, active.ID)
		}(index, actor)
	}
	waitGroup.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, ErrInvalidTransition):
			t.Fatalf("unexpected end error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful end, got %d", succeeded)
	}
	for _, accountID := range []string{requesterValue, providerValue} {
		if count := testHarness.recorder.Count(accountID, realtime.EventSessionEnded); count != 1 {
			t.Fatalf("expected one session_ended for %s, got %d", accountID, count)
		}
	}
	if _, err := testHarness.manager.End(context.Background(), actors[0], active.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on repeated end, got %v", err)
	}
}

func TestDisconnectGraceWindow(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 1000)
	ctx := context.Background()
	requester := mustAccount(t, requesterValue)

	active := testHarness.activeChat(t, requesterValue)
	testHarness.manager.Disconnect(ctx, requester)
	testHarness.manager.Reconnect(ctx, requester)
	if fired := testHarness.scheduler.fire(testTimeouts.DisconnectGrace); fired != 0 {
		t.Fatalf("grace timer must be cancelled on reconnect, fired %d", fired)
	}
	if testHarness.recorder.Count(requesterValue, realtime.EventSessionActive) != 2 {
		t.Fatalf("expected active state replayed on reconnect")
	}

	testHarness.manager.Disconnect(ctx, requester)
	if fired := testHarness.scheduler.fire(testTimeouts.DisconnectGrace); fired != 1 {
		t.Fatalf("expected one grace expiry, fired %d", fired)
	}
	ended, err := testHarness.manager.Get(ctx, requester, active.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ended.Status != StatusEnded || ended.EndReason != ReasonDisconnect || ended.Ticks != 1 {
		t.Fatalf("unexpected session after grace: %+v", ended)
	}
}

func TestCallActivatesOnMediaChannel(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 1000)
	ctx := context.Background()
	requester := mustAccount(t, requesterValue)
	provider := mustAccount(t, providerValue)

	session, err := testHarness.manager.Request(ctx, requester, provider, TypeCall)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := testHarness.manager.ProviderRespond(ctx, provider, session.ID, true); err != nil {
		t.Fatalf("provider respond: %v", err)
	}
	testHarness.media.setFail(true)
	confirmed, err := testHarness.manager.RequesterRespond(ctx, requester, session.ID, true)
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected external service failure, got %v", err)
	}
	if confirmed.Status != StatusProviderConfirmed {
		t.Fatalf("media failure must leave the session confirmed, got %s", confirmed.Status)
	}

	testHarness.media.setFail(false)
	active, err := testHarness.manager.Join(ctx, provider, session.ID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if active.Status != StatusActive || active.MediaChannelID != "channel-"+session.ID {
		t.Fatalf("unexpected call session: %+v", active)
	}
	if testHarness.wallet.balance(requesterValue) != 900 {
		t.Fatalf("expected first minute charged, balance %d", testHarness.wallet.balance(requesterValue))
	}
	if _, err := testHarness.manager.End(ctx, requester, session.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if released := testHarness.media.releasedChannels(); len(released) != 1 || released[0] != active.MediaChannelID {
		t.Fatalf("expected media channel released, got %v", released)
	}
}

func TestRejectionsCancelSessions(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 1000)
	ctx := context.Background()
	requester := mustAccount(t, requesterValue)
	provider := mustAccount(t, providerValue)

	first, err := testHarness.manager.Request(ctx, requester, provider, TypeChat)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := testHarness.manager.ProviderRespond(ctx, requester, first.ID, true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	rejected, err := testHarness.manager.ProviderRespond(ctx, provider, first.ID, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusCancelled || rejected.EndReason != ReasonProviderRejected {
		t.Fatalf("unexpected rejected session: %+v", rejected)
	}

	second, err := testHarness.manager.Request(ctx, requester, provider, TypeChat)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if _, err := testHarness.manager.ProviderRespond(ctx, provider, second.ID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	withdrawn, err := testHarness.manager.RequesterRespond(ctx, requester, second.ID, false)
	if err != nil {
		t.Fatalf("requester reject: %v", err)
	}
	if withdrawn.Status != StatusCancelled || withdrawn.EndReason != ReasonRequesterRejected {
		t.Fatalf("unexpected withdrawn session: %+v", withdrawn)
	}
	if _, err := testHarness.manager.ProviderRespond(ctx, provider, second.ID, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on closed session, got %v", err)
	}
	if _, err := testHarness.manager.Join(ctx, provider, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 1000)
	ctx := context.Background()
	requester := mustAccount(t, requesterValue)

	active := testHarness.activeChat(t, requesterValue)
	message, err := testHarness.manager.SendMessage(ctx, requester, active.ID, "  hello  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if message.Body != "hello" {
		t.Fatalf("expected trimmed body, got %q", message.Body)
	}
	if testHarness.recorder.Count(providerValue, realtime.EventMessage) != 1 {
		t.Fatalf("provider did not receive the message")
	}
	if _, err := testHarness.manager.SendMessage(ctx, requester, active.ID, "   "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := testHarness.manager.SendMessage(ctx, mustAccount(t, secondValue), active.ID, "hi"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	messages, err := testHarness.manager.Messages(ctx, requester, active.ID, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != message.ID {
		t.Fatalf("unexpected stored messages: %+v", messages)
	}
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	ctx := context.Background()
	requester := mustAccount(t, requesterValue)
	provider := mustAccount(t, providerValue)
	seed := []Session{
		{ID: "orphan-active", RequesterID: requester, ProviderID: provider, Type: TypeChat, Status: StatusActive, Ticks: 3, Accumulated: 300},
		{ID: "orphan-pending", RequesterID: requester, ProviderID: provider, Type: TypeCall, Status: StatusPendingProviderConfirm},
		{ID: "closed", RequesterID: requester, ProviderID: provider, Type: TypeChat, Status: StatusEnded, EndReason: ReasonEndedByRequester},
	}
	for _, session := range seed {
		if err := testHarness.repository.SaveSession(ctx, session); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	recovered, err := testHarness.manager.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("expected two orphans, got %d", recovered)
	}
	want := map[string]Status{"orphan-active": StatusEnded, "orphan-pending": StatusCancelled}
	for sessionID, status := range want {
		session, err := testHarness.repository.GetSession(ctx, sessionID)
		if err != nil {
			t.Fatalf("get %s: %v", sessionID, err)
		}
		if session.Status != status || session.EndReason != ReasonServerRestart {
			t.Fatalf("unexpected recovered session: %+v", session)
		}
	}
	closed, _ := testHarness.repository.GetSession(ctx, "closed")
	if closed.EndReason != ReasonEndedByRequester {
		t.Fatalf("terminal sessions must not be touched")
	}
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	t.Parallel()
	testHarness := newHarness(t)
	testHarness.online(t)
	testHarness.wallet.fund(requesterValue, 1000)
	testHarness.wallet.fund(secondValue, 1000)
	ctx := context.Background()

	active := testHarness.activeChat(t, requesterValue)
	waiting, err := testHarness.manager.Request(ctx, mustAccount(t, secondValue), mustAccount(t, providerValue), TypeChat)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	testHarness.manager.Shutdown(ctx)

	for sessionID, status := range map[string]Status{active.ID: StatusEnded, waiting.ID: StatusCancelled} {
		session, err := testHarness.repository.GetSession(ctx, sessionID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if session.Status != status || session.EndReason != ReasonServerRestart {
			t.Fatalf("unexpected session after shutdown: %+v", session)
		}
	}
	if testHarness.engine.Active() != 0 || len(testHarness.manager.Live()) != 0 {
		t.Fatalf("expected nothing live after shutdown")
	}
	if testHarness.recorder.Count(secondValue, realtime.EventAvailabilityNotified) != 0 {
		t.Fatalf("shutdown must not dispatch the waitlist")
	}
	entries, _ := testHarness.waitlist.List(ctx, providerValue)
	if len(entries) != 0 {
		t.Fatalf("expected waitlist cleared, got %+v", entries)
	}
}

func TestNewManagerValidatesDependencies(t *testing.T) {
	t.Parallel()
	if _, err := NewManager(Dependencies{}); !errors.Is(err, ErrInvalidManagerConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()
	cases := map[error]string{
		ledger.ErrInsufficientFunds: CodeInsufficientFunds,
		ErrSessionNotFound:          CodeSessionNotFound,
		ledger.ErrAccountNotFound:   CodeAccountNotFound,
		ErrProviderOffline:          CodeProviderOffline,
		ErrSessionInProgress:        CodeSessionInProgress,
		ErrInvalidTransition:        CodeInvalidTransition,
		ErrForbidden:                CodeForbidden,
		ErrExternalService:          CodeExternalServiceFailure,
		ErrInvalidSessionType:       CodeInvalidPayload,
		errors.New("boom"):          CodeInternal,
	}
	for err, want := range cases {
		if got := ErrorCode(err); got != want {
			t.Fatalf("ErrorCode(%v) = %s, want %s", err, got, want)
		}
	}
	if got := ErrorCode(fmt.Errorf("%w: detail", ErrInvalidRequest)); got != CodeInvalidPayload {
		t.Fatalf("expected wrapped invalid request to map to %s, got %s", CodeInvalidPayload, got)
	}
}

// Package realtime defines the events pushed to connected clients and the emitter contract used to deliver them.
package realtime

import (
	"context"
	"sync"
	"time"
)

// EventType names an outbound event.
type EventType string

const (
	EventSessionRequested     EventType = "session_requested"
	EventSessionWaitlisted    EventType = "session_waitlisted"
	EventSessionPending       EventType = "session_pending"
	EventSessionConfirmed     EventType = "session_confirmed"
	EventSessionActive        EventType = "session_active"
	EventTick                 EventType = "tick"
	EventLowBalanceWarning    EventType = "low_balance_warning"
	EventSessionEnded         EventType = "session_ended"
	EventMessage              EventType = "message"
	EventAvailabilityNotified EventType = "availability_notified"
	EventPresence             EventType = "presence"
	EventError                EventType = "error"
)

// Event is the envelope delivered to a client.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// SessionPayload describes a session to its participants.
type SessionPayload struct {
	SessionID      string         `json:"session_id"`
	RequesterID    string         `json:"requester_id"`
	ProviderID     string         `json:"provider_id"`
	Type           string         `json:"type"`
	Status         string         `json:"status"`
	PricePerMinute int64          `json:"price_per_minute"`
	Media          *MediaPayload  `json:"media,omitempty"`
	Billing        *TickPayload   `json:"billing,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// MediaPayload carries the channel credentials of a call or video session.
type MediaPayload struct {
	ChannelID string `json:"channel_id"`
	Token     string `json:"token"`
}

// TickPayload reports elapsed billing of an active session.
type TickPayload struct {
	ElapsedMinutes int    `json:"elapsed_minutes"`
	Cost           int64  `json:"cost"`
	Balance        *int64 `json:"balance,omitempty"`
}

// LowBalancePayload warns a requester that the balance covers only a few more minutes.
type LowBalancePayload struct {
	Balance          int64 `json:"balance"`
	PricePerMinute   int64 `json:"price_per_minute"`
	MinutesRemaining int64 `json:"minutes_remaining"`
}

// EndedPayload reports why a session reached a terminal state.
type EndedPayload struct {
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	ElapsedMinutes int    `json:"elapsed_minutes"`
	Cost           int64  `json:"cost"`
}

// MessagePayload is a chat line.
type MessagePayload struct {
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// PresencePayload reports a provider going online or offline.
type PresencePayload struct {
	ProviderID string `json:"provider_id"`
	Online     bool   `json:"online"`
}

// ErrorPayload is the structured reason of a rejected action.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Emitter delivers events to every connection of an account.
type Emitter interface {
	Emit(ctx context.Context, accountID string, event Event)
}

// NopEmitter drops every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(context.Context, string, Event) {}

// Delivery is one recorded emission.
type Delivery struct {
	AccountID string
	Event     Event
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mutex      sync.Mutex
	deliveries []Delivery
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements Emitter.
func (recorder *Recorder) Emit(_ context.Context, accountID string, event Event) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.deliveries = append(recorder.deliveries, Delivery{AccountID: accountID, Event: event})
}

// Deliveries returns a copy of everything emitted so far.
func (recorder *Recorder) Deliveries() []Delivery {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]Delivery(nil), recorder.deliveries...)
}

// EventsFor returns the events delivered to one account, in order.
func (recorder *Recorder) EventsFor(accountID string) []Event {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	var events []Event
	for _, delivery := range recorder.deliveries {
		if delivery.AccountID == accountID {
			events = append(events, delivery.Event)
		}
	}
	return events
}

// Count returns how many events of a type were delivered to an account.
func (recorder *Recorder) Count(accountID string, eventType EventType) int {
	count := 0
	for _, event := range recorder.EventsFor(accountID) {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

// WaitFor polls until the account has received at least count events of a type.
func (recorder *Recorder) WaitFor(accountID string, eventType EventType, count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if recorder.Count(accountID, eventType) >= count {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Fanout delivers every event to several emitters.
type Fanout []Emitter

// Emit implements Emitter.
func (fanout Fanout) Emit(ctx context.Context, accountID string, event Event) {
	for _, emitter := range fanout {
		if emitter != nil {
			emitter.Emit(ctx, accountID, event)
		}
	}
}

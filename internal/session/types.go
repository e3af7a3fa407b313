package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidTransition    = errors.New("invalid session transition")
	ErrProviderOffline      = errors.New("provider offline")
	ErrProviderBusy         = errors.New("provider busy")
	ErrSessionInProgress    = errors.New("session in progress")
	ErrForbidden            = errors.New("not a participant of the session")
	ErrInvalidRequest       = errors.New("invalid session request")
	ErrDuplicateRequest     = errors.New("open session already exists")
	ErrRateNotFound         = errors.New("provider rate not found")
	ErrInvalidSessionType   = errors.New("invalid session type")
	ErrInvalidManagerConfig = errors.New("invalid session manager config")
	ErrExternalService      = errors.New("external service failure")
)

// Type is the medium of a session.
type Type string

const (
	TypeChat  Type = "chat"
	TypeCall  Type = "call"
	TypeVideo Type = "video"
)

var allTypes = []Type{TypeChat, TypeCall, TypeVideo}

// Capability groups session types that occupy the same provider resource.
type Capability string

const (
	CapabilityChat Capability = "chat"
	CapabilityCall Capability = "call"
)

// ParseType validates a session type.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeChat:
		return TypeChat, nil
	case TypeCall:
		return TypeCall, nil
	case TypeVideo:
		return TypeVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionType, raw)
	}
}

// Capability returns the provider resource the type occupies. Video shares the call line.
func (sessionType Type) Capability() Capability {
	if sessionType == TypeChat {
		return CapabilityChat
	}
	return CapabilityCall
}

// Category maps the type onto the ledger category of its ticks.
func (sessionType Type) Category() ledger.Category {
	switch sessionType {
	case TypeCall:
		return ledger.CategoryCall
	case TypeVideo:
		return ledger.CategoryVideo
	default:
		return ledger.CategoryChat
	}
}

// NeedsMedia reports whether activation waits for a media channel.
func (sessionType Type) NeedsMedia() bool {
	return sessionType.Capability() == CapabilityCall
}

// Status is a state of the session state machine.
type Status string

const (
	StatusRequested              Status = "requested"
	StatusWaitlisted             Status = "waitlisted"
	StatusPendingProviderConfirm Status = "pending_provider_confirm"
	StatusProviderConfirmed      Status = "provider_confirmed"
	StatusActive                 Status = "active"
	StatusEnded                  Status = "ended"
	StatusCancelled              Status = "cancelled"
)

// ParseStatus validates a persisted status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, raw)
	}
	return status, nil
}

// Terminal reports whether no further transition is possible.
func (status Status) Terminal() bool {
	return status == StatusEnded || status == StatusCancelled
}

// EndReason explains a terminal transition to the client.
type EndReason string

const (
	ReasonEndedByRequester   EndReason = "ended_by_requester"
	ReasonEndedByProvider    EndReason = "ended_by_provider"
	ReasonInsufficientFunds  EndReason = "insufficient_funds"
	ReasonDisconnect         EndReason = "disconnect"
	ReasonTimeout            EndReason = "timeout"
	ReasonProviderRejected   EndReason = "provider_rejected"
	ReasonRequesterRejected  EndReason = "requester_rejected"
	ReasonRequesterCancelled EndReason = "requester_cancelled"
	ReasonProviderOffline    EndReason = "provider_offline"
	ReasonProviderAvailable  EndReason = "provider_available"
	ReasonBillingFailure     EndReason = "billing_failure"
	ReasonInvariantViolation EndReason = "invariant_violation"
	ReasonServerRestart      EndReason = "server_restart"
)

func reasonFromBilling(reason billing.Reason) EndReason {
	switch reason {
	case billing.ReasonInsufficientFunds:
		return ReasonInsufficientFunds
	case billing.ReasonInvariantViolation:
		return ReasonInvariantViolation
	default:
		return ReasonBillingFailure
	}
}

// Session is one chat, call or video engagement. Values returned by the Manager are snapshots.
type Session struct {
	ID              string
	RequesterID     ledger.AccountID
	ProviderID      ledger.AccountID
	Type            Type
	Status          Status
	PricePerMinute  ledger.PositiveAmountCents
	Commission      billing.Commission
	Accumulated     ledger.AmountCents
	Ticks           int
	RequesterJoined bool
	ProviderJoined  bool
	MediaChannelID  string
	MediaToken      string
	EndReason       EndReason
	CreatedAt       time.Time
	StartedAt       time.Time
	LastTickAt      time.Time
	EndedAt         time.Time
	UpdatedAt       time.Time
}

// Participant reports whether the account is the requester or the provider.
func (session Session) Participant(accountID ledger.AccountID) bool {
	return session.RequesterID == accountID || session.ProviderID == accountID
}

// Counterpart returns the other participant.
func (session Session) Counterpart(accountID ledger.AccountID) ledger.AccountID {
	if session.RequesterID == accountID {
		return session.ProviderID
	}
	return session.RequesterID
}

// Payload renders the session for clients.
func (session Session) Payload() realtime.SessionPayload {
	payload := realtime.SessionPayload{
		SessionID:      session.ID,
		RequesterID:    session.RequesterID.String(),
		ProviderID:     session.ProviderID.String(),
		Type:           string(session.Type),
		Status:         string(session.Status),
		PricePerMinute: session.PricePerMinute.Int64(),
	}
	if session.MediaChannelID != "" {
		payload.Media = &realtime.MediaPayload{ChannelID: session.MediaChannelID, Token: session.MediaToken}
	}
	if session.Ticks > 0 {
		payload.Billing = &realtime.TickPayload{ElapsedMinutes: session.Ticks, Cost: session.Accumulated.Int64()}
	}
	if session.EndReason != "" {
		payload.Extra = map[string]any{"end_reason": string(session.EndReason)}
	}
	return payload
}

// Message is a chat line exchanged in an active session.
type Message struct {
	ID        string
	SessionID string
	SenderID  ledger.AccountID
	Body      string
	CreatedAt time.Time
}

// Rate is a provider's price for one session type.
type Rate struct {
	PricePerMinute ledger.PositiveAmountCents
	Commission     billing.Commission
}

// RateDirectory looks up the current rate of a provider.
type RateDirectory interface {
	Rate(ctx context.Context, providerID ledger.AccountID, sessionType Type) (Rate, error)
}

// Repository persists sessions and their chat lines.
type Repository interface {
	SaveSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context, accountID ledger.AccountID, limit int) ([]Session, error)
	ListOpenSessions(ctx context.Context) ([]Session, error)
	SaveMessage(ctx context.Context, message Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// Wallet is the part of the wallet service the manager needs before billing starts.
type Wallet interface {
	OpenAccount(ctx context.Context, accountID ledger.AccountID, role ledger.AccountRole) (ledger.Account, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.AmountCents, error)
}

// Biller starts and stops the per-session meters.
type Biller interface {
	Start(ctx context.Context, plan billing.Plan) (*billing.Meter, error)
	Stop(sessionID string) (billing.Summary, bool)
}

// Notifier pushes a notification to an account's devices.
type Notifier interface {
	Push(ctx context.Context, accountID string, title string, body string) error
}

// Channel is an acquired media channel.
type Channel struct {
	ID    string
	Token string
}

// MediaProvider allocates call and video channels.
type MediaProvider interface {
	AcquireChannel(ctx context.Context, sessionID string) (Channel, error)
	Release(ctx context.Context, channelID string) error
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/MarkoPoloResearchLab/consult/internal/auth"
	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Inbound command types.
const (
	CommandRequestSession   = "request_session"
	CommandProviderRespond  = "provider_respond"
	CommandRequesterRespond = "requester_respond"
	CommandJoin             = "join"
	CommandEndSession       = "end_session"
	CommandSendMessage      = "send_message"
	CommandSetPresence      = "set_presence"
)

// EventAck acknowledges a command that succeeded.
const EventAck realtime.EventType = "ack"

// Command is the inbound envelope.
type Command struct {
	Type        string `json:"type" validate:"required,oneof=request_session provider_respond requester_respond join end_session send_message set_presence"`
	RequestID   string `json:"request_id,omitempty" validate:"omitempty,max=64"`
	SessionID   string `json:"session_id,omitempty" validate:"required_if=Type provider_respond,required_if=Type requester_respond,required_if=Type join,required_if=Type end_session,required_if=Type send_message,max=128"`
	ProviderID  string `json:"provider_id,omitempty" validate:"required_if=Type request_session,max=128"`
	SessionType string `json:"session_type,omitempty" validate:"required_if=Type request_session,max=16"`
	Accept      *bool  `json:"accept,omitempty" validate:"required_if=Type provider_respond,required_if=Type requester_respond"`
	Online      *bool  `json:"online,omitempty" validate:"required_if=Type set_presence"`
	Body        string `json:"body,omitempty" validate:"required_if=Type send_message,max=4000"`
}

// Reply is the outbound answer to a command.
type Reply struct {
	Type      realtime.EventType `json:"type"`
	RequestID string             `json:"request_id,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	Payload   any                `json:"payload,omitempty"`
}

var errProviderOnly = fmt.Errorf("%w: provider role required", session.ErrForbidden)

func (hub *Hub) handle(ctx context.Context, identity auth.Identity, raw []byte) ([]byte, bool) {
	command := Command{}
	if err := json.Unmarshal(raw, &command); err != nil {
		return hub.encode(Reply{Type: realtime.EventError, Payload: realtime.ErrorPayload{Code: session.CodeInvalidPayload, Message: "malformed command"}})
	}
	if err := hub.validate.Struct(command); err != nil {
		return hub.encode(Reply{
			Type:      realtime.EventError,
			RequestID: command.RequestID,
			SessionID: command.SessionID,
			Payload:   realtime.ErrorPayload{Code: session.CodeInvalidPayload, Message: validationMessage(err)},
		})
	}
	payload, sessionID, err := hub.dispatch(ctx, identity, command)
	if err != nil {
		code := session.ErrorCode(err)
		if code == session.CodeInternal {
			hub.logger.Error("gateway command failed",
				zap.String("account_id", identity.AccountID.String()),
				zap.String("command", command.Type),
				zap.Error(err))
		}
		return hub.encode(Reply{
			Type:      realtime.EventError,
			RequestID: command.RequestID,
			SessionID: firstNonEmpty(sessionID, command.SessionID),
			Payload:   realtime.ErrorPayload{Code: code, Message: err.Error()},
		})
	}
	return hub.encode(Reply{Type: EventAck, RequestID: command.RequestID, SessionID: sessionID, Payload: payload})
}

func (hub *Hub) dispatch(ctx context.Context, identity auth.Identity, command Command) (any, string, error) {
	actor := identity.AccountID
	switch command.Type {
	case CommandRequestSession:
		providerID, err := ledger.NewAccountID(command.ProviderID)
		if err != nil {
			return nil, "", err
		}
		sessionType, err := session.ParseType(command.SessionType)
		if err != nil {
			return nil, "", err
		}
		requested, err := hub.commands.Request(ctx, actor, providerID, sessionType)
		return sessionReply(requested, err)
	case CommandProviderRespond:
		if identity.Role != ledger.RoleProvider {
			return nil, command.SessionID, errProviderOnly
		}
		responded, err := hub.commands.ProviderRespond(ctx, actor, command.SessionID, *command.Accept)
		return sessionReply(responded, err)
	case CommandRequesterRespond:
		responded, err := hub.commands.RequesterRespond(ctx, actor, command.SessionID, *command.Accept)
		return sessionReply(responded, err)
	case CommandJoin:
		joined, err := hub.commands.Join(ctx, actor, command.SessionID)
		return sessionReply(joined, err)
	case CommandEndSession:
		ended, err := hub.commands.End(ctx, actor, command.SessionID)
		return sessionReply(ended, err)
	case CommandSendMessage:
		message, err := hub.commands.SendMessage(ctx, actor, command.SessionID, strings.TrimSpace(command.Body))
		if err != nil {
			return nil, command.SessionID, err
		}
		return realtime.MessagePayload{
			SessionID: message.SessionID,
			Sender:    message.SenderID.String(),
			Body:      message.Body,
			Timestamp: message.CreatedAt,
		}, message.SessionID, nil
	case CommandSetPresence:
		if identity.Role != ledger.RoleProvider {
			return nil, "", errProviderOnly
		}
		if err := hub.commands.SetPresence(ctx, actor, *command.Online); err != nil {
			return nil, "", err
		}
		return realtime.PresencePayload{ProviderID: actor.String(), Online: *command.Online}, "", nil
	default:
		return nil, "", fmt.Errorf("%w: unknown command %q", session.ErrInvalidRequest, command.Type)
	}
}

func sessionReply(current session.Session, err error) (any, string, error) {
	if err != nil {
		return nil, current.ID, err
	}
	return current.Payload(), current.ID, nil
}

func (hub *Hub) encode(reply Reply) ([]byte, bool) {
	encoded, err := json.Marshal(reply)
	if err != nil {
		hub.logger.Error("gateway reply encode failed", zap.Error(err))
		return nil, false
	}
	return encoded, true
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

func validationMessage(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return "invalid command"
	}
	fieldError := validationErrors[0]
	switch fieldError.Tag() {
	case "required", "required_if":
		return fieldError.Field() + " is required"
	case "oneof":
		return fieldError.Field() + " must be one of " + fieldError.Param()
	case "max":
		return fieldError.Field() + " is too long"
	default:
		return fieldError.Field() + " is invalid"
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

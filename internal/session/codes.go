package session

import (
	"errors"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
)

// Error codes surfaced to clients.
const (
	CodeInsufficientFunds      = "insufficient_funds"
	CodeSessionNotFound        = "session_not_found"
	CodeAccountNotFound        = "account_not_found"
	CodeProviderOffline        = "provider_offline"
	CodeProviderBusy           = "provider_busy"
	CodeSessionInProgress      = "session_in_progress"
	CodeInvalidTransition      = "invalid_transition"
	CodeForbidden              = "forbidden"
	CodeDuplicateRequest       = "duplicate_request"
	CodeRateNotFound           = "rate_not_found"
	CodeExternalServiceFailure = "external_service_failure"
	CodeInvalidPayload         = "invalid_payload"
	CodeInternal               = "internal"
)

// ErrorCode maps an error onto its client-facing code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ledger.ErrAccountNotFound):
		return CodeAccountNotFound
	case errors.Is(err, ErrProviderOffline):
		return CodeProviderOffline
	case errors.Is(err, ErrProviderBusy):
		return CodeProviderBusy
	case errors.Is(err, ErrSessionInProgress):
		return CodeSessionInProgress
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrDuplicateRequest):
		return CodeDuplicateRequest
	case errors.Is(err, ErrRateNotFound):
		return CodeRateNotFound
	case errors.Is(err, ErrExternalService):
		return CodeExternalServiceFailure
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidSessionType),
		errors.Is(err, ledger.ErrInvalidAmountCents),
		errors.Is(err, ledger.ErrInvalidAccountID),
		errors.Is(err, ledger.ErrInvalidAccountRole):
		return CodeInvalidPayload
	default:
		return CodeInternal
	}
}

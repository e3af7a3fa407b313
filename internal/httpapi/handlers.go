package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/astrology"
	"github.com/MarkoPoloResearchLab/consult/internal/auth"
	"github.com/MarkoPoloResearchLab/consult/internal/payment"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type rechargeRequest struct {
	TransactionRef string `json:"transaction_ref" binding:"required,max=128"`
}

type sessionRequest struct {
	ProviderID string `json:"provider_id" binding:"required,max=128"`
	Type       string `json:"type" binding:"required,oneof=chat call video"`
}

type predictionRequest struct {
	BirthData astrology.BirthData `json:"birth_data"`
	Kind      string              `json:"kind" binding:"required"`
}

type deviceRequest struct {
	Token    string `json:"token" binding:"required,max=512"`
	Platform string `json:"platform" binding:"omitempty,oneof=android ios web"`
}

type walletResponse struct {
	AccountID    string         `json:"account_id"`
	BalanceCents int64          `json:"balance_cents"`
	Entries      []entryPayload `json:"entries"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Direction      string          `json:"direction"`
	AmountCents    int64           `json:"amount_cents"`
	Category       string          `json:"category"`
	CorrelationID  string          `json:"correlation_id"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type sessionPayload struct {
	SessionID        string     `json:"session_id"`
	RequesterID      string     `json:"requester_id"`
	ProviderID       string     `json:"provider_id"`
	Type             string     `json:"type"`
	Status           string     `json:"status"`
	PricePerMinute   int64      `json:"price_per_minute"`
	Commission       string     `json:"commission"`
	ElapsedMinutes   int        `json:"elapsed_minutes"`
	AccumulatedCents int64      `json:"accumulated_cents"`
	EndReason        string     `json:"end_reason,omitempty"`
	MediaChannelID   string     `json:"media_channel_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

type messagePayload struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (server *Server) handleWallet(ctx *gin.Context) {
	identity, ok := server.identity(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	balance, err := server.wallet.Balance(requestCtx, identity.AccountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	before, err := parseInt64Query(ctx, "before", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(session.CodeInvalidPayload, "before must be a unix timestamp"))
		return
	}
	entries, err := server.wallet.ListEntries(requestCtx, identity.AccountID, before, listLimit(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	response := walletResponse{
		AccountID:    identity.AccountID.String(),
		BalanceCents: balance.Int64(),
		Entries:      make([]entryPayload, 0, len(entries)),
	}
	for _, entry := range entries {
		response.Entries = append(response.Entries, entryPayload{
			EntryID:        entry.EntryID().String(),
			Direction:      entry.Direction().String(),
			AmountCents:    entry.Amount().Int64(),
			Category:       entry.Category().String(),
			CorrelationID:  entry.CorrelationID().String(),
			Metadata:       json.RawMessage(entry.MetadataJSON().String()),
			CreatedUnixUTC: entry.CreatedUnixUTC(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": response})
}

func (server *Server) handleRecharge(ctx *gin.Context) {
	identity, ok := server.identity(ctx)
	if !ok {
		return
	}
	if server.recharger == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("payments_disabled", "payment gateway is not configured"))
		return
	}
	var request rechargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(session.CodeInvalidPayload, "transaction_ref is required"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	balance, err := server.recharger.Recharge(requestCtx, identity.AccountID, request.TransactionRef)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "credited", "balance_cents": balance.Int64()})
}

func (server *Server) handleListSessions(ctx *gin.Context) {
	identity, ok := server.identity(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	sessions, err := server.sessions.History(requestCtx, identity.AccountID, listLimit(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]sessionPayload, 0, len(sessions))
	for _, current := range sessions {
		payloads = append(payloads, toSessionPayload(current))
	}
	ctx.JSON(http.StatusOK, gin.H{"sessions": payloads})
}

func (server *Server) handleRequestSession(ctx *gin.Context) {
	identity, ok := server.identity(ctx)
	if !ok {
		return
	}
	var request sessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(session.CodeInvalidPayload, "provider_id and type (chat, call, video) are required"))
		return
	}
	providerID, err := ledger.NewAccountID(request.ProviderID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	sessionType, err := session.ParseType(request.Type)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	requested, err := server.sessions.Request(requestCtx, identity.AccountID, providerID, sessionType)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session": toSessionPayload(requested)})
}

func (server *Server) handleGetSession(ctx *gin.Context) {
	identity, ok := server.identity(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	current, err := server.sessions.Get(requestCtx, identity.AccountID, ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": toSessionPayload(current)})
}

func (server *Server) handleEndSession(ctx *gin.Context) {
	identity, ok := server.identity(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	ended, err := server.sessions.End(requestCtx, identity.AccountID, ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": toSessionPayload(ended)})
}

func (server *Server) handleListMessages(ctx *gin.Context) {
	identity, ok := server.identity(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	messages, err := server.sessions.Messages(requestCtx, identity.AccountID, ctx.Param("id"), listLimit(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, messagePayload{
			MessageID: message.ID,
			SenderID:  message.SenderID.String(),
			Body:      message.Body,
			CreatedAt: message.CreatedAt,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"messages": payloads})
}

func (server *Server) handleOnlineProviders(ctx *gin.Context) {
	providers := server.sessions.OnlineProviders()
	ids := make([]string, 0, len(providers))
	for _, providerID := range providers {
		ids = append(ids, providerID.String())
	}
	ctx.JSON(http.StatusOK, gin.H{"providers": ids})
}

func (server *Server) handleWaitlist(ctx *gin.Context) {
	identity, ok := server.identity(ctx)
	if !ok {
		return
	}
	if identity.Role != ledger.RoleProvider {
		ctx.JSON(http.StatusForbidden, errorResponse(session.CodeForbidden, "provider role required"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	entries, err := server.sessions.Waitlist(requestCtx, identity.AccountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if entries == nil {
		entries = []session.WaitlistEntry{}
	}
	ctx.JSON(http.StatusOK, gin.H{"waitlist": entries})
}

func (server *Server) handlePrediction(ctx *gin.Context) {
	if _, ok := server.identity(ctx); !ok {
		return
	}
	if server.predictor == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("predictions_disabled", "astrology service is not configured"))
		return
	}
	var request predictionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(session.CodeInvalidPayload, "birth_data and kind are required"))
		return
	}
	kind, err := astrology.ParseKind(request.Kind)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	prediction, err := server.predictor.Predict(ctx.Request.Context(), request.BirthData, kind)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"kind": kind, "prediction": prediction})
}

func (server *Server) handleRegisterDevice(ctx *gin.Context) {
	identity, ok := server.identity(ctx)
	if !ok {
		return
	}
	if server.devices == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("push_disabled", "push notifications are not configured"))
		return
	}
	var request deviceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(session.CodeInvalidPayload, "token is required"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	if err := server.devices.RegisterDeviceToken(requestCtx, identity.AccountID.String(), request.Token, request.Platform); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (server *Server) handleRemoveDevice(ctx *gin.Context) {
	if _, ok := server.identity(ctx); !ok {
		return
	}
	if server.devices == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("push_disabled", "push notifications are not configured"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	if err := server.devices.RemoveDeviceToken(requestCtx, ctx.Param("token")); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (server *Server) identity(ctx *gin.Context) (auth.Identity, bool) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
	}
	return identity, ok
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.config.RequestTimeout)
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		server.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.String("code", code), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, payment.ErrPaymentPending):
		return http.StatusAccepted, "payment_pending"
	case errors.Is(err, payment.ErrPaymentRejected):
		return http.StatusPaymentRequired, "payment_rejected"
	case errors.Is(err, payment.ErrAlreadyCredited):
		return http.StatusConflict, "already_credited"
	case errors.Is(err, payment.ErrInvalidReference), errors.Is(err, payment.ErrInvalidAmount):
		return http.StatusBadRequest, session.CodeInvalidPayload
	case errors.Is(err, payment.ErrGatewayUnavailable), errors.Is(err, astrology.ErrUpstream):
		return http.StatusBadGateway, session.CodeExternalServiceFailure
	case errors.Is(err, astrology.ErrInvalidBirthData), errors.Is(err, astrology.ErrUnsupportedKind):
		return http.StatusBadRequest, session.CodeInvalidPayload
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	code := session.ErrorCode(err)
	switch code {
	case session.CodeInsufficientFunds:
		return http.StatusPaymentRequired, code
	case session.CodeSessionNotFound, session.CodeAccountNotFound, session.CodeRateNotFound:
		return http.StatusNotFound, code
	case session.CodeForbidden:
		return http.StatusForbidden, code
	case session.CodeProviderOffline, session.CodeProviderBusy, session.CodeSessionInProgress, session.CodeInvalidTransition, session.CodeDuplicateRequest:
		return http.StatusConflict, code
	case session.CodeExternalServiceFailure:
		return http.StatusBadGateway, code
	case session.CodeInvalidPayload:
		return http.StatusBadRequest, code
	default:
		return http.StatusInternalServerError, code
	}
}

func toSessionPayload(current session.Session) sessionPayload {
	payload := sessionPayload{
		SessionID:        current.ID,
		RequesterID:      current.RequesterID.String(),
		ProviderID:       current.ProviderID.String(),
		Type:             string(current.Type),
		Status:           string(current.Status),
		PricePerMinute:   current.PricePerMinute.Int64(),
		Commission:       current.Commission.String(),
		ElapsedMinutes:   current.Ticks,
		AccumulatedCents: current.Accumulated.Int64(),
		EndReason:        string(current.EndReason),
		MediaChannelID:   current.MediaChannelID,
		CreatedAt:        current.CreatedAt,
	}
	if !current.StartedAt.IsZero() {
		startedAt := current.StartedAt
		payload.StartedAt = &startedAt
	}
	if !current.EndedAt.IsZero() {
		endedAt := current.EndedAt
		payload.EndedAt = &endedAt
	}
	return payload
}

func listLimit(ctx *gin.Context) int {
	limit, err := strconv.Atoi(strings.TrimSpace(ctx.Query("limit")))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func parseInt64Query(ctx *gin.Context, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(ctx.Query(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

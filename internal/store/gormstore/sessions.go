package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	_ session.Repository    = (*Store)(nil)
	_ session.WaitlistStore = (*Store)(nil)
	_ session.RateDirectory = (*Store)(nil)
	_ ledger.Store          = (*Store)(nil)
)

var openStatuses = []string{
	string(session.StatusRequested),
	string(session.StatusWaitlisted),
	string(session.StatusPendingProviderConfirm),
	string(session.StatusProviderConfirmed),
	string(session.StatusActive),
}

// SaveSession upserts the session row. The media token is never persisted.
func (store *Store) SaveSession(ctx context.Context, value session.Session) error {
	model := sessionModel(value)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeSave, err)
	}
	return nil
}

func (store *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	var model Session
	err := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, session.ErrSessionNotFound)
		}
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	value, err := mapSession(model)
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	return value, nil
}

// ListSessions returns the sessions an account took part in, newest first.
func (store *Store) ListSessions(ctx context.Context, accountID ledger.AccountID, limit int) ([]session.Session, error) {
	var rows []Session
	query := store.db.WithContext(ctx).
		Where("requester_id = ? OR provider_id = ?", accountID.String(), accountID.String()).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	return mapSessions(rows)
}

func (store *Store) ListOpenSessions(ctx context.Context) ([]session.Session, error) {
	var rows []Session
	err := store.db.WithContext(ctx).
		Where("status IN ?", openStatuses).
		Order("session_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	return mapSessions(rows)
}

func (store *Store) SaveMessage(ctx context.Context, message session.Message) error {
	model := ChatMessage{
		MessageID: message.ID,
		SessionID: message.SessionID,
		SenderID:  message.SenderID.String(),
		Body:      message.Body,
		CreatedAt: message.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectMessage, errorCodeInsert, err)
	}
	return nil
}

// ListMessages returns the latest messages of a session, oldest first.
func (store *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]session.Message, error) {
	var rows []ChatMessage
	query := store.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Order("message_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectMessage, errorCodeList, err)
	}
	messages := make([]session.Message, 0, len(rows))
	for index := len(rows) - 1; index >= 0; index-- {
		row := rows[index]
		senderID, err := ledger.NewAccountID(row.SenderID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMessage, errorCodeInvalid, err)
		}
		messages = append(messages, session.Message{
			ID:        row.MessageID,
			SessionID: row.SessionID,
			SenderID:  senderID,
			Body:      row.Body,
			CreatedAt: row.CreatedAt,
		})
	}
	return messages, nil
}

func sessionModel(value session.Session) Session {
	return Session{
		SessionID:        value.ID,
		RequesterID:      value.RequesterID.String(),
		ProviderID:       value.ProviderID.String(),
		Type:             string(value.Type),
		Status:           string(value.Status),
		PricePerMinute:   value.PricePerMinute.Int64(),
		CommissionKind:   string(value.Commission.Kind()),
		CommissionValue:  value.Commission.Value(),
		AccumulatedCents: value.Accumulated.Int64(),
		Ticks:            value.Ticks,
		RequesterJoined:  value.RequesterJoined,
		ProviderJoined:   value.ProviderJoined,
		MediaChannelID:   value.MediaChannelID,
		EndReason:        string(value.EndReason),
		CreatedAt:        value.CreatedAt.UTC(),
		StartedAt:        optionalTime(value.StartedAt),
		LastTickAt:       optionalTime(value.LastTickAt),
		EndedAt:          optionalTime(value.EndedAt),
		UpdatedAt:        value.UpdatedAt.UTC(),
	}
}

func mapSessions(rows []Session) ([]session.Session, error) {
	sessions := make([]session.Session, 0, len(rows))
	for _, row := range rows {
		value, err := mapSession(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
		}
		sessions = append(sessions, value)
	}
	return sessions, nil
}

func mapSession(row Session) (session.Session, error) {
	requesterID, err := ledger.NewAccountID(row.RequesterID)
	if err != nil {
		return session.Session{}, err
	}
	providerID, err := ledger.NewAccountID(row.ProviderID)
	if err != nil {
		return session.Session{}, err
	}
	sessionType, err := session.ParseType(row.Type)
	if err != nil {
		return session.Session{}, err
	}
	status, err := session.ParseStatus(row.Status)
	if err != nil {
		return session.Session{}, err
	}
	price, err := ledger.NewPositiveAmountCents(row.PricePerMinute)
	if err != nil {
		return session.Session{}, err
	}
	commission, err := billing.ParseCommission(row.CommissionKind, row.CommissionValue)
	if err != nil {
		return session.Session{}, err
	}
	accumulated, err := ledger.NewAmountCents(row.AccumulatedCents)
	if err != nil {
		return session.Session{}, err
	}
	return session.Session{
		ID:              row.SessionID,
		RequesterID:     requesterID,
		ProviderID:      providerID,
		Type:            sessionType,
		Status:          status,
		PricePerMinute:  price,
		Commission:      commission,
		Accumulated:     accumulated,
		Ticks:           row.Ticks,
		RequesterJoined: row.RequesterJoined,
		ProviderJoined:  row.ProviderJoined,
		MediaChannelID:  row.MediaChannelID,
		EndReason:       session.EndReason(row.EndReason),
		CreatedAt:       row.CreatedAt,
		StartedAt:       timeOrZero(row.StartedAt),
		LastTickAt:      timeOrZero(row.LastTickAt),
		EndedAt:         timeOrZero(row.EndedAt),
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}

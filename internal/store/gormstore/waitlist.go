package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Enqueue adds a waitlist row. Re-enqueueing a session keeps its original position.
func (store *Store) Enqueue(ctx context.Context, entry session.WaitlistEntry) error {
	model := WaitlistEntry{
		SessionID:   entry.SessionID,
		ProviderID:  entry.ProviderID,
		RequesterID: entry.RequesterID,
		Type:        string(entry.Type),
		EnqueuedAt:  entry.EnqueuedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectWaitlist, errorCodeInsert, err)
	}
	return nil
}

// DequeueOldest removes and returns the earliest entry for a provider, limited to types when given.
func (store *Store) DequeueOldest(ctx context.Context, providerID string, types ...session.Type) (session.WaitlistEntry, bool, error) {
	var dequeued session.WaitlistEntry
	found := false
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var model WaitlistEntry
		query := transaction.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider_id = ?", providerID)
		if len(types) > 0 {
			names := make([]string, 0, len(types))
			for _, sessionType := range types {
				names = append(names, string(sessionType))
			}
			query = query.Where("type IN ?", names)
		}
		err := query.
			Order("enqueued_at ASC").
			Order("session_id ASC").
			Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result := transaction.Where("session_id = ?", model.SessionID).Delete(&WaitlistEntry{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		dequeued = mapWaitlistEntry(model)
		found = true
		return nil
	})
	if err != nil {
		return session.WaitlistEntry{}, false, wrapStoreError(errorSubjectWaitlist, errorCodeDelete, err)
	}
	return dequeued, found, nil
}

// List returns a provider's queue in dispatch order.
func (store *Store) List(ctx context.Context, providerID string) ([]session.WaitlistEntry, error) {
	var rows []WaitlistEntry
	err := store.db.WithContext(ctx).
		Where("provider_id = ?", providerID).
		Order("enqueued_at ASC").
		Order("session_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWaitlist, errorCodeList, err)
	}
	entries := make([]session.WaitlistEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapWaitlistEntry(row))
	}
	return entries, nil
}

func (store *Store) Remove(ctx context.Context, providerID string, sessionID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Where("provider_id = ? AND session_id = ?", providerID, sessionID).
		Delete(&WaitlistEntry{})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectWaitlist, errorCodeDelete, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func mapWaitlistEntry(model WaitlistEntry) session.WaitlistEntry {
	return session.WaitlistEntry{
		SessionID:   model.SessionID,
		RequesterID: model.RequesterID,
		ProviderID:  model.ProviderID,
		Type:        session.Type(model.Type),
		EnqueuedAt:  model.EnqueuedAt,
	}
}

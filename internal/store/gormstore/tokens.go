package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// RegisterDeviceToken binds a push token to an account. A token moves to the latest account that registers it.
func (store *Store) RegisterDeviceToken(ctx context.Context, accountID string, token string, platform string) error {
	model := DeviceToken{Token: token, AccountID: accountID, Platform: platform, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_id", "platform", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectDeviceToken, errorCodeSave, err)
	}
	return nil
}

func (store *Store) DeviceTokens(ctx context.Context, accountID string) ([]string, error) {
	var tokens []string
	err := store.db.WithContext(ctx).
		Model(&DeviceToken{}).
		Where("account_id = ?", accountID).
		Order("updated_at DESC").
		Pluck("token", &tokens).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDeviceToken, errorCodeList, err)
	}
	return tokens, nil
}

func (store *Store) RemoveDeviceToken(ctx context.Context, token string) error {
	if err := store.db.WithContext(ctx).Where("token = ?", token).Delete(&DeviceToken{}).Error; err != nil {
		return wrapStoreError(errorSubjectDeviceToken, errorCodeDelete, err)
	}
	return nil
}

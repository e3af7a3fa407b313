package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Rate implements session.RateDirectory.
func (store *Store) Rate(ctx context.Context, providerID ledger.AccountID, sessionType session.Type) (session.Rate, error) {
	var model ProviderRate
	err := store.db.WithContext(ctx).
		Where("provider_id = ? AND type = ?", providerID.String(), string(sessionType)).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Rate{}, wrapStoreError(errorSubjectRate, errorCodeGet, fmt.Errorf("%w: %s %s", session.ErrRateNotFound, providerID, sessionType))
		}
		return session.Rate{}, wrapStoreError(errorSubjectRate, errorCodeGet, err)
	}
	price, err := ledger.NewPositiveAmountCents(model.PricePerMinute)
	if err != nil {
		return session.Rate{}, wrapStoreError(errorSubjectRate, errorCodeInvalid, err)
	}
	commission, err := billing.ParseCommission(model.CommissionKind, model.CommissionValue)
	if err != nil {
		return session.Rate{}, wrapStoreError(errorSubjectRate, errorCodeInvalid, err)
	}
	return session.Rate{PricePerMinute: price, Commission: commission}, nil
}

// SetRate upserts a provider's price for one session type.
func (store *Store) SetRate(ctx context.Context, providerID ledger.AccountID, sessionType session.Type, rate session.Rate) error {
	model := ProviderRate{
		ProviderID:      providerID.String(),
		Type:            string(sessionType),
		PricePerMinute:  rate.PricePerMinute.Int64(),
		CommissionKind:  string(rate.Commission.Kind()),
		CommissionValue: rate.Commission.Value(),
		UpdatedAt:       time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}, {Name: "type"}},
			DoUpdates: clause.AssignmentColumns([]string{"price_per_minute", "commission_kind", "commission_value", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectRate, errorCodeSave, err)
	}
	return nil
}

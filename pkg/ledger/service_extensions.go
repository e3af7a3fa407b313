package ledger

import (
	"context"
	"fmt"
)

// ListEntries lists ledger entries for an account before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

// CorrelationEntries returns every entry written under one correlation id.
func (service *Service) CorrelationEntries(ctx context.Context, correlationID CorrelationID) ([]Entry, error) {
	return service.store.ListEntriesByCorrelation(ctx, correlationID)
}

// VerifyCorrelation checks that the entries of a settlement sum to zero.
func (service *Service) VerifyCorrelation(ctx context.Context, correlationID CorrelationID) error {
	entries, err := service.store.ListEntriesByCorrelation(ctx, correlationID)
	if err != nil {
		return err
	}
	var credits, debits AmountCents
	for _, entry := range entries {
		switch entry.Direction() {
		case DirectionCredit:
			credits += entry.Amount().ToAmountCents()
		case DirectionDebit:
			debits += entry.Amount().ToAmountCents()
		}
	}
	if credits != debits {
		return WrapError(errorOperationService, errorSubjectTransfer, errorCodeZeroSum,
			fmt.Errorf("%w: correlation %s credits %d debits %d", ErrInvariantViolation, correlationID.String(), credits, debits))
	}
	return nil
}

// Reconcile checks the materialized balance against the account's ledger lines.
func (service *Service) Reconcile(ctx context.Context, accountID AccountID) (AmountCents, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	sums, err := service.store.SumEntries(ctx, accountID)
	if err != nil {
		return 0, err
	}
	expected := sums.Credits - sums.Debits
	if expected != account.Balance() {
		return account.Balance(), WrapError(errorOperationService, errorSubjectLedger, errorCodeReconcile,
			fmt.Errorf("%w: account %s balance %d ledger %d", ErrInvariantViolation, accountID.String(), account.Balance(), expected))
	}
	return account.Balance(), nil
}

// ManualCorrelationID builds the correlation id used for operator adjustments.
func ManualCorrelationID(reference string) (CorrelationID, error) {
	return NewCorrelationID(correlationPrefixManual + reference)
}

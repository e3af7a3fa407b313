package ledger

import (
	"context"
	"errors"
	"fmt"
)

const defaultConflictRetries = 1

// Service contains the wallet domain logic over a Store.
type Service struct {
	store           Store
	nowFn           func() int64
	logger          OperationLogger
	locks           *accountLocks
	conflictRetries int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		locks:           newAccountLocks(),
		conflictRetries: defaultConflictRetries,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenAccount creates the account when missing. Opening an existing account with the same role is a no-op.
func (service *Service) OpenAccount(ctx context.Context, accountID AccountID, role AccountRole) (Account, error) {
	var opened Account
	release := service.locks.lock(accountID)
	defer release()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetAccount(ctx, accountID)
		if err == nil {
			if existing.Role() != role {
				return WrapError(errorOperationService, errorSubjectAccount, errorCodeRoleMismatch, ErrAccountRoleMismatch)
			}
			opened = existing
			return nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		account, err := NewAccount(accountID, role, 0)
		if err != nil {
			return err
		}
		created, err := transactionStore.CreateAccount(ctx, account)
		if err != nil {
			return err
		}
		if created.Role() != role {
			return WrapError(errorOperationService, errorSubjectAccount, errorCodeRoleMismatch, ErrAccountRoleMismatch)
		}
		opened = created
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		AccountID: accountID,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return opened, nil
}

// Balance returns the materialized balance of an account.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (AmountCents, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance(), nil
}

// Debit removes funds from an account. It never clamps: a short balance is rejected.
func (service *Service) Debit(ctx context.Context, accountID AccountID, amount PositiveAmountCents, category Category, correlationID CorrelationID, metadata MetadataJSON) error {
	operationError := service.debit(ctx, accountID, amount, category, correlationID, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:     operationDebit,
		AccountID:     accountID,
		Amount:        amount.ToAmountCents(),
		Category:      category,
		CorrelationID: correlationID,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) debit(ctx context.Context, accountID AccountID, amount PositiveAmountCents, category Category, correlationID CorrelationID, metadata MetadataJSON) error {
	release := service.locks.lock(accountID)
	defer release()
	return service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance() < amount.ToAmountCents() {
			return ErrInsufficientFunds
		}
		if err := transactionStore.UpdateBalance(ctx, accountID, account.Balance()-amount.ToAmountCents()); err != nil {
			return err
		}
		return service.appendEntry(ctx, transactionStore, accountID, DirectionDebit, amount, category, correlationID, metadata)
	})
}

// Credit adds funds to an account.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount PositiveAmountCents, category Category, correlationID CorrelationID, metadata MetadataJSON) error {
	operationError := service.credit(ctx, accountID, amount, category, correlationID, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:     operationCredit,
		AccountID:     accountID,
		Amount:        amount.ToAmountCents(),
		Category:      category,
		CorrelationID: correlationID,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) credit(ctx context.Context, accountID AccountID, amount PositiveAmountCents, category Category, correlationID CorrelationID, metadata MetadataJSON) error {
	release := service.locks.lock(accountID)
	defer release()
	return service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, accountID, account.Balance()+amount.ToAmountCents()); err != nil {
			return err
		}
		return service.appendEntry(ctx, transactionStore, accountID, DirectionCredit, amount, category, correlationID, metadata)
	})
}

// Transfer debits the source once and credits both legs under one correlation id, all or nothing.
// A zero secondary leg writes no entry. A correlation whose debit already exists fails with
// ErrDuplicateCorrelation whatever the current balance.
func (service *Service) Transfer(ctx context.Context, request TransferRequest) (TransferResult, error) {
	if err := validateTransfer(request); err != nil {
		return TransferResult{}, err
	}
	involved := []AccountID{request.From, request.Primary.AccountID}
	if request.Secondary.Amount > 0 {
		involved = append(involved, request.Secondary.AccountID)
	}
	release := service.locks.lock(involved...)
	defer release()

	var result TransferResult
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		accounts := make(map[AccountID]Account, len(involved))
		for _, accountID := range sortedAccountIDs(involved...) {
			account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
			if err != nil {
				return err
			}
			accounts[accountID] = account
		}
		applied, err := debitApplied(ctx, transactionStore, request.From, request.CorrelationID)
		if err != nil {
			return err
		}
		if applied {
			return ErrDuplicateCorrelation
		}
		source := accounts[request.From]
		total := request.Total()
		if source.Balance() < total {
			return ErrInsufficientFunds
		}
		sourceBalance := source.Balance() - total
		if err := transactionStore.UpdateBalance(ctx, request.From, sourceBalance); err != nil {
			return err
		}
		if err := service.appendEntry(ctx, transactionStore, request.From, DirectionDebit, PositiveAmountCents(total), request.Category, request.CorrelationID, request.Metadata); err != nil {
			return err
		}
		for _, leg := range []TransferLeg{request.Primary, request.Secondary} {
			if leg.Amount == 0 {
				continue
			}
			destination := accounts[leg.AccountID]
			if err := transactionStore.UpdateBalance(ctx, leg.AccountID, destination.Balance()+leg.Amount); err != nil {
				return err
			}
			category := leg.Category
			if category == "" {
				category = request.Category
			}
			if err := service.appendEntry(ctx, transactionStore, leg.AccountID, DirectionCredit, PositiveAmountCents(leg.Amount), category, request.CorrelationID, request.Metadata); err != nil {
				return err
			}
		}
		result = TransferResult{
			CorrelationID:      request.CorrelationID,
			Debited:            total,
			SourceBalanceAfter: sourceBalance,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationTransfer,
		AccountID:     request.From,
		Counterparts:  involved[1:],
		Amount:        request.Total(),
		Category:      request.Category,
		CorrelationID: request.CorrelationID,
		Error:         operationError,
	})
	if operationError != nil {
		return TransferResult{}, operationError
	}
	return result, nil
}

// Recharge credits a confirmed top-up. The transaction reference makes replays fail as duplicates.
func (service *Service) Recharge(ctx context.Context, accountID AccountID, amount PositiveAmountCents, transactionRef string, metadata MetadataJSON) error {
	correlationID, err := NewCorrelationID(correlationPrefixRecharge + transactionRef)
	if err != nil {
		return err
	}
	operationError := service.credit(ctx, accountID, amount, CategoryRecharge, correlationID, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:     operationRecharge,
		AccountID:     accountID,
		Amount:        amount.ToAmountCents(),
		Category:      CategoryRecharge,
		CorrelationID: correlationID,
		Error:         operationError,
	})
	return operationError
}

// Payout debits a provider's earnings that were paid out of band.
func (service *Service) Payout(ctx context.Context, accountID AccountID, amount PositiveAmountCents, reference string, metadata MetadataJSON) error {
	correlationID, err := NewCorrelationID(correlationPrefixPayout + reference)
	if err != nil {
		return err
	}
	operationError := service.debit(ctx, accountID, amount, CategoryPayout, correlationID, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:     operationPayout,
		AccountID:     accountID,
		Amount:        amount.ToAmountCents(),
		Category:      CategoryPayout,
		CorrelationID: correlationID,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) appendEntry(ctx context.Context, transactionStore Store, accountID AccountID, direction Direction, amount PositiveAmountCents, category Category, correlationID CorrelationID, metadata MetadataJSON) error {
	entryInput, err := NewEntryInput(accountID, direction, amount, category, correlationID, metadata, service.nowFn())
	if err != nil {
		return err
	}
	return transactionStore.InsertEntry(ctx, entryInput)
}

func (service *Service) withConflictRetry(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	var err error
	for attempt := 0; attempt <= service.conflictRetries; attempt++ {
		err = service.store.WithTx(ctx, fn)
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateTransfer(request TransferRequest) error {
	if request.From.IsZero() || request.Primary.AccountID.IsZero() {
		return fmt.Errorf("%w: source and primary destination are required", ErrInvalidTransfer)
	}
	if request.CorrelationID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidCorrelationID)
	}
	if _, err := ParseCategory(request.Category.String()); err != nil {
		return err
	}
	if request.Primary.Amount < 0 || request.Secondary.Amount < 0 {
		return fmt.Errorf("%w: negative leg", ErrInvalidAmountCents)
	}
	if request.Total() <= 0 {
		return fmt.Errorf("%w: transfer total must be greater than zero", ErrInvalidAmountCents)
	}
	if request.Primary.Amount == 0 {
		return fmt.Errorf("%w: primary leg must carry funds", ErrInvalidTransfer)
	}
	if request.From == request.Primary.AccountID {
		return fmt.Errorf("%w: source equals primary destination", ErrInvalidTransfer)
	}
	if request.Secondary.Amount > 0 {
		if request.Secondary.AccountID.IsZero() {
			return fmt.Errorf("%w: secondary destination is required", ErrInvalidTransfer)
		}
		if request.Secondary.AccountID == request.From || request.Secondary.AccountID == request.Primary.AccountID {
			return fmt.Errorf("%w: destinations must be distinct", ErrInvalidTransfer)
		}
	}
	return nil
}

func debitApplied(ctx context.Context, transactionStore Store, accountID AccountID, correlationID CorrelationID) (bool, error) {
	entries, err := transactionStore.ListEntriesByCorrelation(ctx, correlationID)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.AccountID() == accountID && entry.Direction() == DirectionDebit {
			return true, nil
		}
	}
	return false, nil
}

package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintLedgerCorrelation = "uniq_ledger_account_correlation_direction"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	pgSerializationFailureCode  = "40001"
	pgDeadlockDetectedCode      = "40P01"
	sqliteConstraintCode        = 19
	sqliteBusyCode              = 5
	sqliteLockedCode            = 6
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBalance         = "balance"
	errorSubjectEntry           = "entry"
	errorSubjectSession         = "session"
	errorSubjectMessage         = "message"
	errorSubjectWaitlist        = "waitlist"
	errorSubjectRate            = "rate"
	errorSubjectDeviceToken     = "device_token"
	errorCodeCreate             = "create"
	errorCodeDelete             = "delete"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeSave               = "save"
	errorCodeSum                = "sum"
	errorCodeUpdate             = "update"
)

// Store implements ledger.Store and the session persistence contracts using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if !errors.Is(err, ledger.ErrConcurrencyConflict) && isConcurrencyConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrConcurrencyConflict)
	}
	return err
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	now := time.Now().UTC()
	model := Account{
		AccountID:    account.AccountID().String(),
		Role:         account.Role().String(),
		BalanceCents: account.Balance().Int64(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, account.AccountID())
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.getAccount(store.db.WithContext(ctx), accountID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.getAccount(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), accountID)
}

func (store *Store) getAccount(query *gorm.DB, accountID ledger.AccountID) (ledger.Account, error) {
	var model Account
	err := query.Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID ledger.AccountID, balance ledger.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{"balance_cents": balance.Int64(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		if isConcurrencyConflict(result.Error) {
			return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrConcurrencyConflict)
		}
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) error {
	entry := LedgerEntry{
		AccountID:     entryInput.AccountID().String(),
		CorrelationID: entryInput.CorrelationID().String(),
		Direction:     entryInput.Direction().String(),
		AmountCents:   entryInput.Amount().Int64(),
		Category:      entryInput.Category().String(),
		Metadata:      datatypesJSON(entryInput.MetadataJSON().String()),
		CreatedAt:     time.Unix(entryInput.CreatedUnixUTC(), 0).UTC(),
	}
	if entryInput.CreatedUnixUTC() == 0 {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isCorrelationConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateCorrelation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListEntriesByCorrelation(ctx context.Context, correlationID ledger.CorrelationID) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) SumEntries(ctx context.Context, accountID ledger.AccountID) (ledger.Sums, error) {
	var sum sqlSums
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(case when direction = 'credit' then amount_cents else 0 end),0) as credits, "+
			"coalesce(sum(case when direction = 'debit' then amount_cents else 0 end),0) as debits").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return ledger.Sums{}, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.Sums{Credits: ledger.AmountCents(sum.Credits), Debits: ledger.AmountCents(sum.Debits)}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSums struct {
	Credits int64
	Debits  int64
}

func mapAccount(model Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	role, err := ledger.ParseAccountRole(model.Role)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewAmountCents(model.BalanceCents)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.NewAccount(accountID, role, balance)
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	direction, err := ledger.ParseDirection(row.Direction)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return ledger.Entry{}, err
	}
	category, err := ledger.ParseCategory(row.Category)
	if err != nil {
		return ledger.Entry{}, err
	}
	correlationID, err := ledger.NewCorrelationID(row.CorrelationID)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	input, err := ledger.NewEntryInput(accountID, direction, amount, category, correlationID, metadata, row.CreatedAt.Unix())
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(entryID, input)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isCorrelationConflict(err error) bool {
	return isUniqueViolation(err, constraintLedgerCorrelation)
}

func isConcurrencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}

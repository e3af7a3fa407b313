package pgstore

import (
	"context"
	_ "embed"
	"errors"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintLedgerCorrelation = "uniq_ledger_account_correlation_direction"
	pgUniqueViolationCode       = "23505"
	pgSerializationFailureCode  = "40001"
	pgDeadlockDetectedCode      = "40P01"
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBalance         = "balance"
	errorSubjectEntry           = "entry"
	errorSubjectSchema          = "schema"
	errorSubjectTransaction     = "transaction"
	errorCodeApply              = "apply"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeSum                = "sum"
	errorCodeUpdate             = "update"

	sqlInsertAccount = `
		insert into accounts(account_id, role, balance_cents, created_at, updated_at)
		values ($1, $2, $3, now(), now())
		on conflict (account_id) do nothing
	`

	sqlSelectAccount = `
		select account_id, role, balance_cents from accounts where account_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlUpdateBalance = `
		update accounts set balance_cents = $2, updated_at = now() where account_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, correlation_id, direction, amount_cents, category, metadata, created_at
		)
		values(
			gen_random_uuid()::text, $1, $2, $3, $4, $5,
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp($7)
		)
	`

	sqlEntryColumns = `
		select
			entry_id,
			account_id,
			correlation_id,
			direction,
			amount_cents,
			category,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
	`

	sqlListEntriesBefore = sqlEntryColumns + `
		where account_id = $1 and ($2::bigint = 0 or created_at < to_timestamp($2::bigint))
		order by created_at desc
		limit $3
	`

	sqlListEntriesByCorrelation = sqlEntryColumns + `
		where correlation_id = $1
		order by created_at asc
	`

	sqlSumEntries = `
		select
			coalesce(sum(case when direction = 'credit' then amount_cents else 0 end),0),
			coalesce(sum(case when direction = 'debit' then amount_cents else 0 end),0)
		from ledger_entries
		where account_id = $1
	`
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// EnsureSchema creates the ledger tables when they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeApply, err)
	}
	return nil
}

// WithTx runs fn in a serializable transaction. Serialization failures surface as ledger.ErrConcurrencyConflict.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		if isConcurrencyConflict(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.ErrConcurrencyConflict)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isConcurrencyConflict(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.ErrConcurrencyConflict)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx joins the transaction already in progress.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	_, err := store.db.Exec(ctx, sqlInsertAccount,
		account.AccountID().String(),
		account.Role().String(),
		account.Balance().Int64(),
	)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.selectAccount(ctx, sqlSelectAccount, account.AccountID())
}

func (store queries) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccount, accountID)
}

func (store queries) GetAccountForUpdate(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccountForUpdate, accountID)
}

func (store queries) selectAccount(ctx context.Context, query string, accountID ledger.AccountID) (ledger.Account, error) {
	var (
		accountValue string
		roleValue    string
		balanceValue int64
	)
	err := store.db.QueryRow(ctx, query, accountID.String()).Scan(&accountValue, &roleValue, &balanceValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	parsedAccountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	role, err := ledger.ParseAccountRole(roleValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := ledger.NewAmountCents(balanceValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account, err := ledger.NewAccount(parsedAccountID, role, balance)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store queries) UpdateBalance(ctx context.Context, accountID ledger.AccountID, balance ledger.AmountCents) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBalance, accountID.String(), balance.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store queries) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entryInput.AccountID().String(),
		entryInput.CorrelationID().String(),
		entryInput.Direction().String(),
		entryInput.Amount().Int64(),
		entryInput.Category().String(),
		entryInput.MetadataJSON().String(),
		entryInput.CreatedUnixUTC(),
	)
	if isCorrelationConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateCorrelation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store queries) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store queries) ListEntriesByCorrelation(ctx context.Context, correlationID ledger.CorrelationID) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesByCorrelation, correlationID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store queries) SumEntries(ctx context.Context, accountID ledger.AccountID) (ledger.Sums, error) {
	var credits, debits int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, accountID.String()).Scan(&credits, &debits); err != nil {
		return ledger.Sums{}, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.Sums{Credits: ledger.AmountCents(credits), Debits: ledger.AmountCents(debits)}, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var (
			entryValue       string
			accountValue     string
			correlationValue string
			directionValue   string
			amountValue      int64
			categoryValue    string
			metadataValue    string
			createdUnixUTC   int64
		)
		if err := rows.Scan(&entryValue, &accountValue, &correlationValue, &directionValue, &amountValue, &categoryValue, &metadataValue, &createdUnixUTC); err != nil {
			return nil, err
		}
		entry, err := buildEntry(entryValue, accountValue, correlationValue, directionValue, amountValue, categoryValue, metadataValue, createdUnixUTC)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func buildEntry(entryValue, accountValue, correlationValue, directionValue string, amountValue int64, categoryValue, metadataValue string, createdUnixUTC int64) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(entryValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	correlationID, err := ledger.NewCorrelationID(correlationValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	direction, err := ledger.ParseDirection(directionValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(amountValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	category, err := ledger.ParseCategory(categoryValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	input, err := ledger.NewEntryInput(accountID, direction, amount, category, correlationID, metadata, createdUnixUTC)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(entryID, input)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isCorrelationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerCorrelation
	}
	return false
}

func isConcurrencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	return false
}

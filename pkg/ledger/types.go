package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a non-negative integer currency amount in cents.
type AmountCents int64

// PositiveAmountCents is an amount that must be strictly greater than zero.
type PositiveAmountCents int64

// AccountID identifies a wallet account.
type AccountID struct {
	value string
}

// CorrelationID groups the entries written by one atomic money movement.
type CorrelationID struct {
	value string
}

// EntryID identifies a single ledger line.
type EntryID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// AccountRole describes who owns an account.
type AccountRole string

const (
	RoleUser     AccountRole = "user"
	RoleProvider AccountRole = "provider"
	RolePlatform AccountRole = "platform"
)

// Direction is the side of a ledger entry.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Category tags what a money movement paid for.
type Category string

const (
	CategoryChat       Category = "chat"
	CategoryCall       Category = "call"
	CategoryVideo      Category = "video"
	CategoryRecharge   Category = "recharge"
	CategoryPayout     Category = "payout"
	CategoryCommission Category = "commission"
)

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewCorrelationID validates and normalizes a correlation id.
func NewCorrelationID(raw string) (CorrelationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CorrelationID{}, fmt.Errorf("%w: empty value", ErrInvalidCorrelationID)
	}
	return CorrelationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CorrelationID) String() string {
	return id.value
}

// NewEntryID validates an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens the positive amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// ParseAccountRole validates a role string.
func ParseAccountRole(raw string) (AccountRole, error) {
	switch AccountRole(strings.TrimSpace(raw)) {
	case RoleUser:
		return RoleUser, nil
	case RoleProvider:
		return RoleProvider, nil
	case RolePlatform:
		return RolePlatform, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountRole, raw)
	}
}

// String returns the role value.
func (role AccountRole) String() string {
	return string(role)
}

// ParseDirection validates a direction string.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.TrimSpace(raw)) {
	case DirectionCredit:
		return DirectionCredit, nil
	case DirectionDebit:
		return DirectionDebit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// String returns the direction value.
func (direction Direction) String() string {
	return string(direction)
}

// ParseCategory validates a category string.
func ParseCategory(raw string) (Category, error) {
	switch Category(strings.TrimSpace(raw)) {
	case CategoryChat:
		return CategoryChat, nil
	case CategoryCall:
		return CategoryCall, nil
	case CategoryVideo:
		return CategoryVideo, nil
	case CategoryRecharge:
		return CategoryRecharge, nil
	case CategoryPayout:
		return CategoryPayout, nil
	case CategoryCommission:
		return CategoryCommission, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, raw)
	}
}

// String returns the category value.
func (category Category) String() string {
	return string(category)
}

// Account is a wallet with its materialized balance.
type Account struct {
	accountID AccountID
	role      AccountRole
	balance   AmountCents
}

// NewAccount validates and constructs an Account.
func NewAccount(accountID AccountID, role AccountRole, balance AmountCents) (Account, error) {
	if accountID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseAccountRole(role.String()); err != nil {
		return Account{}, err
	}
	if balance < 0 {
		return Account{}, fmt.Errorf("%w: negative balance", ErrInvalidBalance)
	}
	return Account{accountID: accountID, role: role, balance: balance}, nil
}

func (account Account) AccountID() AccountID { return account.accountID }
func (account Account) Role() AccountRole    { return account.role }
func (account Account) Balance() AmountCents { return account.balance }

// EntryInput is an entry about to be appended; the store assigns its id.
type EntryInput struct {
	accountID      AccountID
	direction      Direction
	amount         PositiveAmountCents
	category       Category
	correlationID  CorrelationID
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewEntryInput validates a pending ledger line.
func NewEntryInput(accountID AccountID, direction Direction, amount PositiveAmountCents, category Category, correlationID CorrelationID, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if accountID.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseDirection(direction.String()); err != nil {
		return EntryInput{}, err
	}
	if amount <= 0 {
		return EntryInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	if _, err := ParseCategory(category.String()); err != nil {
		return EntryInput{}, err
	}
	if correlationID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidCorrelationID)
	}
	return EntryInput{
		accountID:      accountID,
		direction:      direction,
		amount:         amount,
		category:       category,
		correlationID:  correlationID,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

func (input EntryInput) AccountID() AccountID         { return input.accountID }
func (input EntryInput) Direction() Direction         { return input.direction }
func (input EntryInput) Amount() PositiveAmountCents  { return input.amount }
func (input EntryInput) Category() Category           { return input.category }
func (input EntryInput) CorrelationID() CorrelationID { return input.correlationID }
func (input EntryInput) MetadataJSON() MetadataJSON   { return input.metadata }
func (input EntryInput) CreatedUnixUTC() int64        { return input.createdUnixUTC }

// Entry is a single immutable line in the ledger.
type Entry struct {
	entryID EntryID
	EntryInput
}

// NewEntry constructs a stored ledger line.
func NewEntry(entryID EntryID, input EntryInput) (Entry, error) {
	if entryID.String() == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	if input.accountID.IsZero() {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return Entry{entryID: entryID, EntryInput: input}, nil
}

// EntryID returns the stored id.
func (entry Entry) EntryID() EntryID {
	return entry.entryID
}

// TransferLeg is one destination of a transfer.
type TransferLeg struct {
	AccountID AccountID
	Amount    AmountCents
	Category  Category
}

// TransferRequest moves the sum of both legs out of From atomically.
type TransferRequest struct {
	From          AccountID
	Category      Category
	Primary       TransferLeg
	Secondary     TransferLeg
	CorrelationID CorrelationID
	Metadata      MetadataJSON
}

// Total returns the amount debited from the source.
func (request TransferRequest) Total() AmountCents {
	return request.Primary.Amount + request.Secondary.Amount
}

// TransferResult reports a settled transfer.
type TransferResult struct {
	CorrelationID      CorrelationID
	Debited            AmountCents
	SourceBalanceAfter AmountCents
}

// Sums aggregates an account's ledger lines.
type Sums struct {
	Credits AmountCents
	Debits  AmountCents
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	UpdateBalance(ctx context.Context, accountID AccountID, balance AmountCents) error
	InsertEntry(ctx context.Context, entry EntryInput) error
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
	ListEntriesByCorrelation(ctx context.Context, correlationID CorrelationID) ([]Entry, error)
	SumEntries(ctx context.Context, accountID AccountID) (Sums, error)
}

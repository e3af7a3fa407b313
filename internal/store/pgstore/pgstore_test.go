package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresDSNEnv = "CONSULT_TEST_POSTGRES_DSN"

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	duplicate := fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintLedgerCorrelation})
	if !isCorrelationConflict(duplicate) {
		t.Fatalf("expected correlation conflict")
	}
	otherUnique := &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "accounts_pkey"}
	if isCorrelationConflict(otherUnique) {
		t.Fatalf("other unique violations are not correlation conflicts")
	}
	for _, code := range []string{pgSerializationFailureCode, pgDeadlockDetectedCode} {
		if !isConcurrencyConflict(&pgconn.PgError{Code: code}) {
			t.Fatalf("expected %s to be a concurrency conflict", code)
		}
	}
	if isConcurrencyConflict(errors.New("boom")) || isCorrelationConflict(nil) {
		t.Fatalf("plain errors must not be classified")
	}
}

func TestBuildEntryValidatesColumns(t *testing.T) {
	t.Parallel()
	entry, err := buildEntry("entry-1", "user-1", "tick:s:1", "debit", 100, "chat", `{"tick":1}`, 1700000000)
	if err != nil {
		t.Fatalf("build entry: %v", err)
	}
	if entry.Direction() != ledger.DirectionDebit || entry.Amount() != 100 || entry.CreatedUnixUTC() != 1700000000 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if _, err := buildEntry("entry-2", "user-1", "tick:s:1", "sideways", 100, "chat", "{}", 0); !errors.Is(err, ledger.ErrInvalidDirection) {
		t.Fatalf("expected invalid direction, got %v", err)
	}
	if _, err := buildEntry("entry-3", "user-1", "tick:s:1", "credit", 0, "chat", "{}", 0); !errors.Is(err, ledger.ErrInvalidAmountCents) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestStoreAgainstPostgres(t *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	service, err := ledger.NewService(New(pool), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	suffix := uuid.NewString()
	user, _ := ledger.NewAccountID("user-" + suffix)
	provider, _ := ledger.NewAccountID("provider-" + suffix)
	if _, err := service.OpenAccount(ctx, user, ledger.RoleUser); err != nil {
		t.Fatalf("open user: %v", err)
	}
	if _, err := service.OpenAccount(ctx, provider, ledger.RoleProvider); err != nil {
		t.Fatalf("open provider: %v", err)
	}
	if err := service.Recharge(ctx, user, 300, "order-"+suffix, ledger.MetadataJSON{}); err != nil {
		t.Fatalf("recharge: %v", err)
	}
	if err := service.Recharge(ctx, user, 300, "order-"+suffix, ledger.MetadataJSON{}); !errors.Is(err, ledger.ErrDuplicateCorrelation) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	correlationID, _ := ledger.NewCorrelationID("tick:" + suffix + ":1")
	if _, err := service.Transfer(ctx, ledger.TransferRequest{
		From:          user,
		Category:      ledger.CategoryCall,
		Primary:       ledger.TransferLeg{AccountID: provider, Amount: 120},
		CorrelationID: correlationID,
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	balance, err := service.Reconcile(ctx, user)
	if err != nil || balance != 180 {
		t.Fatalf("expected 180, got %d (%v)", balance, err)
	}
	if err := service.VerifyCorrelation(ctx, correlationID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	entries, err := service.ListEntries(ctx, user, 0, 10)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d (%v)", len(entries), err)
	}
}

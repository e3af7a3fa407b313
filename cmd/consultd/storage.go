package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/consult/internal/config"
	"github.com/MarkoPoloResearchLab/consult/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/consult/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
)

// storage bundles the stores one process uses. The ledger lives in gormstore or pgstore, everything else in gormstore.
type storage struct {
	db          *gorm.DB
	driver      string
	sessions    *gormstore.Store
	ledgerStore ledger.Store
	pool        *pgxpool.Pool
	closeDB     func() error
}

func openStorage(ctx context.Context, cfg config.Config) (*storage, error) {
	db, closeDB, driver, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	opened := &storage{db: db, driver: driver, sessions: gormstore.New(db), closeDB: closeDB}
	opened.ledgerStore = opened.sessions
	if cfg.LedgerDriver == config.LedgerDriverPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = closeDB()
			return nil, fmt.Errorf("ledger pool open: %w", err)
		}
		opened.pool = pool
		opened.ledgerStore = pgstore.New(pool)
	}
	return opened, nil
}

// migrate creates the schema. With the pgx ledger the ledger tables come from pgstore's DDL.
func (opened *storage) migrate(ctx context.Context) error {
	if opened.pool != nil {
		if err := pgstore.EnsureSchema(ctx, opened.pool); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
		if err := gormstore.MigrateSessions(opened.db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if err := gormstore.Migrate(opened.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (opened *storage) Close() error {
	if opened.pool != nil {
		opened.pool.Close()
	}
	return opened.closeDB()
}

func runMigrate(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opened, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = opened.Close() }()
	if err := opened.migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema migrated")
	return nil
}

// openPlatformAccount makes sure the commission account exists before any session settles.
func openPlatformAccount(ctx context.Context, service *ledger.Service, rawAccountID string) (ledger.AccountID, error) {
	platform, err := ledger.NewAccountID(rawAccountID)
	if err != nil {
		return ledger.AccountID{}, err
	}
	if _, err := service.OpenAccount(ctx, platform, ledger.RolePlatform); err != nil {
		if errors.Is(err, ledger.ErrAccountRoleMismatch) {
			return ledger.AccountID{}, fmt.Errorf("platform account %s exists with another role: %w", platform, err)
		}
		return ledger.AccountID{}, err
	}
	return platform, nil
}

package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/internal/config"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoadConfigMergesFlagsAndEnvironment(t *testing.T) {
	t.Setenv("CONSULT_JWT_SIGNING_KEY", "env-secret")
	t.Setenv("CONSULT_DATABASE_URL", "sqlite:///tmp/env.db")
	t.Setenv("CONSULT_BILLING_INTERVAL", "30s")

	root := newRootCommand()
	serveCmd, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	if err := serveCmd.ParseFlags([]string{"--http-listen-addr", ":9999", "--allowed-origins", "https://a.example,https://b.example"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := &config.Config{}
	if err := loadConfig(serveCmd, cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.HTTPListenAddr != ":9999" {
		t.Fatalf("flag must win, got %q", cfg.HTTPListenAddr)
	}
	if cfg.SessionSigningKey != "env-secret" || cfg.DatabaseURL != "sqlite:///tmp/env.db" {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.BillingInterval != 30*time.Second {
		t.Fatalf("expected 30s billing interval, got %s", cfg.BillingInterval)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.AllowedOrigins)
	}
}

func TestBuildRate(t *testing.T) {
	providerID, sessionType, rate, err := buildRate(rateRequest{
		provider:        "provider-1",
		sessionType:     "Chat",
		priceCents:      500,
		commissionKind:  "percent",
		commissionValue: "20",
	})
	if err != nil {
		t.Fatalf("build rate: %v", err)
	}
	if providerID.String() != "provider-1" || sessionType != session.TypeChat {
		t.Fatalf("unexpected target %s %s", providerID, sessionType)
	}
	if rate.PricePerMinute.Int64() != 500 || rate.Commission.Kind() != billing.CommissionPercent {
		t.Fatalf("unexpected rate %+v", rate)
	}
	if got := rate.Commission.Amount(rate.PricePerMinute.ToAmountCents()); got != 100 {
		t.Fatalf("expected 100 cents commission, got %d", got)
	}

	invalid := []rateRequest{
		{provider: "", sessionType: "chat", priceCents: 500, commissionKind: "flat", commissionValue: "0"},
		{provider: "p", sessionType: "fax", priceCents: 500, commissionKind: "flat", commissionValue: "0"},
		{provider: "p", sessionType: "chat", priceCents: 0, commissionKind: "flat", commissionValue: "0"},
		{provider: "p", sessionType: "chat", priceCents: 500, commissionKind: "tithe", commissionValue: "10"},
	}
	for _, request := range invalid {
		if _, _, _, err := buildRate(request); err == nil {
			t.Fatalf("expected %+v to be rejected", request)
		}
	}
}

func TestOperationLoggerLevels(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	operationLogger := newOperationLogger(zap.New(core))
	accountID, _ := ledger.NewAccountID("user-1")
	correlationID, _ := ledger.NewCorrelationID("recharge:ref-1")

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation:     "recharge",
		AccountID:     accountID,
		Amount:        500,
		Category:      ledger.CategoryRecharge,
		CorrelationID: correlationID,
		Status:        "ok",
	})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation:     "recharge",
		AccountID:     accountID,
		Amount:        500,
		Category:      ledger.CategoryRecharge,
		CorrelationID: correlationID,
		Status:        "error",
		Error:         errors.New("duplicate"),
	})

	entries := recorded.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected levels %s %s", entries[0].Level, entries[1].Level)
	}
	if entries[0].ContextMap()["correlation_id"] != "recharge:ref-1" {
		t.Fatalf("correlation id missing: %v", entries[0].ContextMap())
	}
	if entries[0].LoggerName != "ledger" {
		t.Fatalf("expected ledger logger name, got %q", entries[0].LoggerName)
	}
}

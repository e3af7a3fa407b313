package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/internal/config"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/MarkoPoloResearchLab/consult/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagProvider        = "provider"
	flagSessionType     = "type"
	flagPriceCents      = "price-cents"
	flagCommissionKind  = "commission-kind"
	flagCommissionValue = "commission-value"
)

type rateRequest struct {
	provider        string
	sessionType     string
	priceCents      int64
	commissionKind  string
	commissionValue string
}

func newRatesCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Manage provider per-minute rates",
	}
	request := &rateRequest{}
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Set the per-minute price and platform commission of a provider",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.ValidateStorage()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetRate(cmd.Context(), *cfg, *request)
		},
	}
	flags := setCmd.Flags()
	flags.StringVar(&request.provider, flagProvider, "", "provider account id (required)")
	flags.StringVar(&request.sessionType, flagSessionType, "", "session type: chat, call or video (required)")
	flags.Int64Var(&request.priceCents, flagPriceCents, 0, "price per minute in cents (required)")
	flags.StringVar(&request.commissionKind, flagCommissionKind, string(billing.CommissionPercent), "commission kind: flat or percent")
	flags.StringVar(&request.commissionValue, flagCommissionValue, "0", "flat cents per minute or percent of the price")
	_ = setCmd.MarkFlagRequired(flagProvider)
	_ = setCmd.MarkFlagRequired(flagSessionType)
	_ = setCmd.MarkFlagRequired(flagPriceCents)
	cmd.AddCommand(setCmd)
	return cmd
}

// buildRate validates a rate before anything is written.
func buildRate(request rateRequest) (ledger.AccountID, session.Type, session.Rate, error) {
	providerID, err := ledger.NewAccountID(request.provider)
	if err != nil {
		return ledger.AccountID{}, "", session.Rate{}, err
	}
	sessionType, err := session.ParseType(request.sessionType)
	if err != nil {
		return ledger.AccountID{}, "", session.Rate{}, err
	}
	price, err := ledger.NewPositiveAmountCents(request.priceCents)
	if err != nil {
		return ledger.AccountID{}, "", session.Rate{}, err
	}
	commission, err := billing.ParseCommission(request.commissionKind, request.commissionValue)
	if err != nil {
		return ledger.AccountID{}, "", session.Rate{}, err
	}
	return providerID, sessionType, session.Rate{PricePerMinute: price, Commission: commission}, nil
}

func runSetRate(ctx context.Context, cfg config.Config, request rateRequest) error {
	providerID, sessionType, rate, err := buildRate(request)
	if err != nil {
		return err
	}
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
	if opened.driver == gormstore.DriverSQLite {
		if err := opened.migrate(ctx); err != nil {
			return err
		}
	}
	service, err := ledger.NewService(opened.ledgerStore, func() int64 { return time.Now().UTC().Unix() }, ledger.WithOperationLogger(newOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	if _, err := service.OpenAccount(ctx, providerID, ledger.RoleProvider); err != nil {
		return fmt.Errorf("open provider account: %w", err)
	}
	if err := opened.sessions.SetRate(ctx, providerID, sessionType, rate); err != nil {
		return err
	}
	logger.Info("rate set",
		zap.String("provider_id", providerID.String()),
		zap.String("type", string(sessionType)),
		zap.Int64("price_cents", rate.PricePerMinute.Int64()),
		zap.String("commission", rate.Commission.String()))
	return nil
}

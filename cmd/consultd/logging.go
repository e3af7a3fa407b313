package main

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"go.uber.org/zap"
)

func newLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}

// operationLogger writes every ledger mutation as one structured line.
type operationLogger struct {
	logger *zap.Logger
}

func newOperationLogger(logger *zap.Logger) operationLogger {
	return operationLogger{logger: logger.Named("ledger")}
}

func (operationLogger operationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("category", entry.Category.String()),
		zap.String("correlation_id", entry.CorrelationID.String()),
		zap.String("status", entry.Status),
	}
	if len(entry.Counterparts) > 0 {
		counterparts := make([]string, 0, len(entry.Counterparts))
		for _, accountID := range entry.Counterparts {
			counterparts = append(counterparts, accountID.String())
		}
		fields = append(fields, zap.Strings("counterparts", counterparts))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

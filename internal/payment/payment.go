// Package payment confirms wallet top-ups with the payment gateway and credits them to the ledger.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarkoPoloResearchLab/consult/internal/metrics"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	statusSettlement = "settlement"
	statusCapture    = "capture"
	statusPending    = "pending"
	fraudAccept      = "accept"
	resultSuccess    = "success"
	resultPending    = "pending"
	resultDuplicate  = "duplicate"
	resultRejected   = "rejected"
	resultError      = "error"
)

var (
	ErrPaymentPending       = errors.New("payment pending")
	ErrPaymentRejected      = errors.New("payment rejected")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrInvalidAmount        = errors.New("invalid payment amount")
	ErrInvalidReference     = errors.New("invalid transaction reference")
	ErrAlreadyCredited      = errors.New("transaction already credited")
	ErrInvalidGatewayConfig = errors.New("invalid payment gateway config")
)

var hundred = decimal.NewFromInt(100)

// StatusChecker is the subset of the Midtrans core API client used here.
type StatusChecker interface {
	CheckTransaction(param string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
}

// Gateway confirms recharges against Midtrans.
type Gateway struct {
	checker StatusChecker
}

// NewMidtransGateway builds a Gateway from a server key. Production selects the live environment.
func NewMidtransGateway(serverKey string, production bool) (*Gateway, error) {
	if strings.TrimSpace(serverKey) == "" {
		return nil, fmt.Errorf("%w: server key is required", ErrInvalidGatewayConfig)
	}
	environment := midtrans.Sandbox
	if production {
		environment = midtrans.Production
	}
	client := &coreapi.Client{}
	client.New(serverKey, environment)
	return NewGateway(client), nil
}

// NewGateway wraps any StatusChecker.
func NewGateway(checker StatusChecker) *Gateway {
	return &Gateway{checker: checker}
}

// Confirmation is a settled top-up.
type Confirmation struct {
	TransactionRef string
	Amount         ledger.PositiveAmountCents
	Metadata       ledger.MetadataJSON
}

// ConfirmRecharge returns the settled amount of a transaction.
func (gateway *Gateway) ConfirmRecharge(ctx context.Context, transactionRef string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	reference := strings.TrimSpace(transactionRef)
	if reference == "" {
		return Confirmation{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	response, gatewayErr := gateway.checker.CheckTransaction(reference)
	if gatewayErr != nil {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrGatewayUnavailable, gatewayErr.GetMessage())
	}
	if response == nil {
		return Confirmation{}, fmt.Errorf("%w: empty response", ErrGatewayUnavailable)
	}
	switch {
	case response.TransactionStatus == statusSettlement:
	case response.TransactionStatus == statusCapture && response.FraudStatus == fraudAccept:
	case response.TransactionStatus == statusPending || (response.TransactionStatus == statusCapture && response.FraudStatus != fraudAccept):
		return Confirmation{}, fmt.Errorf("%w: %s", ErrPaymentPending, reference)
	default:
		return Confirmation{}, fmt.Errorf("%w: status %s", ErrPaymentRejected, response.TransactionStatus)
	}
	amount, err := ParseAmount(response.GrossAmount)
	if err != nil {
		return Confirmation{}, err
	}
	metadata, err := gatewayMetadata(response)
	if err != nil {
		return Confirmation{}, err
	}
	return Confirmation{TransactionRef: reference, Amount: amount, Metadata: metadata}, nil
}

// ParseAmount converts a gateway amount in major units ("150.00") to cents.
func ParseAmount(raw string) (ledger.PositiveAmountCents, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	cents := amount.Mul(hundred)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: fractional cents in %s", ErrInvalidAmount, raw)
	}
	positive, err := ledger.NewPositiveAmountCents(cents.IntPart())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return positive, nil
}

func gatewayMetadata(response *coreapi.TransactionStatusResponse) (ledger.MetadataJSON, error) {
	raw, err := json.Marshal(map[string]string{
		"gateway":        "midtrans",
		"transaction_id": response.TransactionID,
		"payment_type":   response.PaymentType,
		"gross_amount":   response.GrossAmount,
		"currency":       response.Currency,
	})
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(raw))
}

// Confirmer is what Recharger needs from a gateway.
type Confirmer interface {
	ConfirmRecharge(ctx context.Context, transactionRef string) (Confirmation, error)
}

// Wallet is the ledger surface Recharger writes to.
type Wallet interface {
	Recharge(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveAmountCents, transactionRef string, metadata ledger.MetadataJSON) error
	CorrelationEntries(ctx context.Context, correlationID ledger.CorrelationID) ([]ledger.Entry, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.AmountCents, error)
}

// Recharger credits confirmed top-ups exactly once across all accounts.
type Recharger struct {
	confirmer Confirmer
	wallet    Wallet
	logger    *zap.Logger
	mutex     sync.Mutex
}

// NewRecharger constructs a Recharger.
func NewRecharger(confirmer Confirmer, wallet Wallet, logger *zap.Logger) *Recharger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recharger{confirmer: confirmer, wallet: wallet, logger: logger}
}

// Recharge confirms the transaction and credits the account. It returns the new balance.
func (recharger *Recharger) Recharge(ctx context.Context, accountID ledger.AccountID, transactionRef string) (ledger.AmountCents, error) {
	balance, result, err := recharger.recharge(ctx, accountID, transactionRef)
	metrics.RecordRecharge(result)
	if err != nil {
		recharger.logger.Warn("recharge failed",
			zap.String("account_id", accountID.String()),
			zap.String("transaction_ref", transactionRef),
			zap.String("result", result),
			zap.Error(err))
		return 0, err
	}
	recharger.logger.Info("recharge credited",
		zap.String("account_id", accountID.String()),
		zap.String("transaction_ref", transactionRef),
		zap.Int64("balance", balance.Int64()))
	return balance, nil
}

func (recharger *Recharger) recharge(ctx context.Context, accountID ledger.AccountID, transactionRef string) (ledger.AmountCents, string, error) {
	confirmation, err := recharger.confirmer.ConfirmRecharge(ctx, transactionRef)
	if err != nil {
		switch {
		case errors.Is(err, ErrPaymentPending):
			return 0, resultPending, err
		case errors.Is(err, ErrPaymentRejected):
			return 0, resultRejected, err
		default:
			return 0, resultError, err
		}
	}
	correlationID, err := ledger.NewCorrelationID("recharge:" + confirmation.TransactionRef)
	if err != nil {
		return 0, resultError, err
	}
	recharger.mutex.Lock()
	defer recharger.mutex.Unlock()
	existing, err := recharger.wallet.CorrelationEntries(ctx, correlationID)
	if err != nil {
		return 0, resultError, err
	}
	if len(existing) > 0 {
		return 0, resultDuplicate, fmt.Errorf("%w: %s", ErrAlreadyCredited, confirmation.TransactionRef)
	}
	if err := recharger.wallet.Recharge(ctx, accountID, confirmation.Amount, confirmation.TransactionRef, confirmation.Metadata); err != nil {
		if errors.Is(err, ledger.ErrDuplicateCorrelation) {
			return 0, resultDuplicate, fmt.Errorf("%w: %s", ErrAlreadyCredited, confirmation.TransactionRef)
		}
		return 0, resultError, err
	}
	balance, err := recharger.wallet.Balance(ctx, accountID)
	if err != nil {
		return 0, resultError, err
	}
	return balance, resultSuccess, nil
}

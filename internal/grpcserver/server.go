// Package grpcserver exposes operator wallet commands over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInsufficientFunds    = "insufficient_funds"
	errorAccountNotFound      = "account_not_found"
	errorRoleMismatch         = "account_role_mismatch"
	errorDuplicateCorrelation = "duplicate_correlation"
	errorConcurrencyConflict  = "concurrency_conflict"
	errorInvariantViolation   = "invariant_violation"
	errorInvalidAccountID     = "invalid_account_id"
	errorInvalidCorrelationID = "invalid_correlation_id"
	errorInvalidAmount        = "invalid_amount_cents"
	errorInvalidMetadata      = "invalid_metadata_json"
	errorInvalidListLimit     = "invalid_list_limit"
	errorInvalidField         = "invalid_field"

	defaultListEntriesLimit = 50
	maxListEntriesLimit     = 200
)

var errInvalidField = errors.New("invalid field")

// Ledger is the wallet surface operators may touch.
type Ledger interface {
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.AmountCents, error)
	ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
	Payout(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveAmountCents, reference string, metadata ledger.MetadataJSON) error
	Reconcile(ctx context.Context, accountID ledger.AccountID) (ledger.AmountCents, error)
	VerifyCorrelation(ctx context.Context, correlationID ledger.CorrelationID) error
}

// WalletAdminService implements WalletAdminServer over the ledger.
type WalletAdminService struct {
	walletLedger Ledger
}

// NewWalletAdminService constructs the operator service.
func NewWalletAdminService(walletLedger Ledger) *WalletAdminService {
	return &WalletAdminService{walletLedger: walletLedger}
}

func (service *WalletAdminService) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, "account_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := service.walletLedger.Balance(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		"account_id":    accountID.String(),
		"balance_cents": balance.Int64(),
	})
}

func (service *WalletAdminService) ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, "account_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	before, err := int64Field(request, "before_unix_utc")
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if before <= 0 {
		before = math.MaxInt64
	}
	rawLimit, err := int64Field(request, "limit")
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit, err := normalizeListLimit(rawLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	entries, err := service.walletLedger.ListEntries(ctx, accountID, before, limit)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	items := make([]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"entry_id":         entry.EntryID().String(),
			"direction":        entry.Direction().String(),
			"amount_cents":     entry.Amount().Int64(),
			"category":         entry.Category().String(),
			"correlation_id":   entry.CorrelationID().String(),
			"metadata_json":    entry.MetadataJSON().String(),
			"created_unix_utc": entry.CreatedUnixUTC(),
		})
	}
	return newResponse(map[string]any{
		"account_id": accountID.String(),
		"entries":    items,
	})
}

func (service *WalletAdminService) Payout(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, "account_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawAmount, err := int64Field(request, "amount_cents")
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewPositiveAmountCents(rawAmount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reference := strings.TrimSpace(stringField(request, "reference"))
	if reference == "" {
		return nil, status.Error(codes.InvalidArgument, errorInvalidCorrelationID)
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, "metadata_json"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if err := service.walletLedger.Payout(ctx, accountID, amount, reference, metadata); err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := service.walletLedger.Balance(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		"account_id":    accountID.String(),
		"balance_cents": balance.Int64(),
	})
}

func (service *WalletAdminService) Reconcile(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, "account_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := service.walletLedger.Reconcile(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		"account_id":    accountID.String(),
		"balance_cents": balance.Int64(),
		"consistent":    true,
	})
}

func (service *WalletAdminService) VerifyCorrelation(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	correlationID, err := ledger.NewCorrelationID(stringField(request, "correlation_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if err := service.walletLedger.VerifyCorrelation(ctx, correlationID); err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		"correlation_id": correlationID.String(),
		"balanced":       true,
	})
}

func newResponse(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func stringField(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}

// int64Field reads a whole number. Missing fields read as zero.
func int64Field(request *structpb.Struct, name string) (int64, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, nil
	}
	if _, isNull := value.GetKind().(*structpb.Value_NullValue); isNull {
		return 0, nil
	}
	number, isNumber := value.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, fmt.Errorf("%w: %s must be a number", errInvalidField, name)
	}
	if number.NumberValue != math.Trunc(number.NumberValue) || math.Abs(number.NumberValue) > 1<<53 {
		return 0, fmt.Errorf("%w: %s must be a whole number", errInvalidField, name)
	}
	return int64(number.NumberValue), nil
}

func normalizeListLimit(limit int64) (int, error) {
	if limit <= 0 {
		return defaultListEntriesLimit, nil
	}
	if limit > maxListEntriesLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListEntriesLimit)
	}
	return int(limit), nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, errInvalidField) {
		return status.Error(codes.InvalidArgument, errorInvalidField)
	}
	if errors.Is(source, ledger.ErrInvalidAccountID) {
		return status.Error(codes.InvalidArgument, errorInvalidAccountID)
	}
	if errors.Is(source, ledger.ErrInvalidCorrelationID) {
		return status.Error(codes.InvalidArgument, errorInvalidCorrelationID)
	}
	if errors.Is(source, ledger.ErrInvalidAmountCents) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, ledger.ErrInvalidMetadataJSON) {
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	}
	if errors.Is(source, ledger.ErrInsufficientFunds) {
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	}
	if errors.Is(source, ledger.ErrAccountRoleMismatch) {
		return status.Error(codes.FailedPrecondition, errorRoleMismatch)
	}
	if errors.Is(source, ledger.ErrAccountNotFound) {
		return status.Error(codes.NotFound, errorAccountNotFound)
	}
	if errors.Is(source, ledger.ErrDuplicateCorrelation) {
		return status.Error(codes.AlreadyExists, errorDuplicateCorrelation)
	}
	if errors.Is(source, ledger.ErrConcurrencyConflict) {
		return status.Error(codes.Aborted, errorConcurrencyConflict)
	}
	if errors.Is(source, ledger.ErrInvariantViolation) {
		return status.Error(codes.DataLoss, errorInvariantViolation)
	}
	return status.Error(codes.Internal, source.Error())
}

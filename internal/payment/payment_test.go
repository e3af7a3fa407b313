package payment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
)

type fakeChecker struct {
	responses map[string]*coreapi.TransactionStatusResponse
	err       *midtrans.Error
}

func (checker fakeChecker) CheckTransaction(orderID string) (*coreapi.TransactionStatusResponse, *midtrans.Error) {
	if checker.err != nil {
		return nil, checker.err
	}
	return checker.responses[orderID], nil
}

type fakeWallet struct {
	mutex    sync.Mutex
	balances map[string]int64
	credited map[string]string
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{balances: map[string]int64{}, credited: map[string]string{}}
}

func (wallet *fakeWallet) Recharge(_ context.Context, accountID ledger.AccountID, amount ledger.PositiveAmountCents, transactionRef string, _ ledger.MetadataJSON) error {
	wallet.mutex.Lock()
	defer wallet.mutex.Unlock()
	if _, ok := wallet.credited[transactionRef]; ok {
		return ledger.ErrDuplicateCorrelation
	}
	wallet.credited[transactionRef] = accountID.String()
	wallet.balances[accountID.String()] += amount.Int64()
	return nil
}

func (wallet *fakeWallet) CorrelationEntries(_ context.Context, correlationID ledger.CorrelationID) ([]ledger.Entry, error) {
	wallet.mutex.Lock()
	defer wallet.mutex.Unlock()
	reference := correlationID.String()[len("recharge:"):]
	if _, ok := wallet.credited[reference]; ok {
		return []ledger.Entry{{}}, nil
	}
	return nil, nil
}

func (wallet *fakeWallet) Balance(_ context.Context, accountID ledger.AccountID) (ledger.AmountCents, error) {
	wallet.mutex.Lock()
	defer wallet.mutex.Unlock()
	return ledger.NewAmountCents(wallet.balances[accountID.String()])
}

func settled(grossAmount string) *coreapi.TransactionStatusResponse {
	return &coreapi.TransactionStatusResponse{TransactionStatus: "settlement", GrossAmount: grossAmount, TransactionID: "tx-1", Currency: "IDR"}
}

func TestConfirmRechargeMapsGatewayStatus(t *testing.T) {
	gateway := NewGateway(fakeChecker{responses: map[string]*coreapi.TransactionStatusResponse{
		"order-settled":  settled("150.00"),
		"order-captured": {TransactionStatus: "capture", FraudStatus: "accept", GrossAmount: "20"},
		"order-review":   {TransactionStatus: "capture", FraudStatus: "challenge", GrossAmount: "20"},
		"order-pending":  {TransactionStatus: "pending", GrossAmount: "20"},
		"order-expired":  {TransactionStatus: "expire", GrossAmount: "20"},
		"order-denied":   {TransactionStatus: "deny", GrossAmount: "20"},
		"order-odd":      settled("1.005"),
	}})
	testCases := []struct {
		name      string
		reference string
		amount    int64
		expected  error
	}{
		{name: "settlement", reference: "order-settled", amount: 15000},
		{name: "capture accepted", reference: "order-captured", amount: 2000},
		{name: "capture under review", reference: "order-review", expected: ErrPaymentPending},
		{name: "pending", reference: "order-pending", expected: ErrPaymentPending},
		{name: "expired", reference: "order-expired", expected: ErrPaymentRejected},
		{name: "denied", reference: "order-denied", expected: ErrPaymentRejected},
		{name: "fractional cents", reference: "order-odd", expected: ErrInvalidAmount},
		{name: "unknown", reference: "order-missing", expected: ErrGatewayUnavailable},
		{name: "blank", reference: "  ", expected: ErrInvalidReference},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			confirmation, err := gateway.ConfirmRecharge(context.Background(), testCase.reference)
			if testCase.expected != nil {
				if !errors.Is(err, testCase.expected) {
					t.Fatalf("expected %v, got %v", testCase.expected, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("confirm: %v", err)
			}
			if confirmation.Amount.Int64() != testCase.amount {
				t.Fatalf("expected %d cents, got %d", testCase.amount, confirmation.Amount.Int64())
			}
		})
	}
}

func TestConfirmRechargeSurfacesGatewayErrors(t *testing.T) {
	gateway := NewGateway(fakeChecker{err: &midtrans.Error{Message: "timeout", StatusCode: 504}})
	if _, err := gateway.ConfirmRecharge(context.Background(), "order-1"); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if _, err := NewMidtransGateway(" ", false); !errors.Is(err, ErrInvalidGatewayConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if _, err := NewMidtransGateway("SB-Mid-server-key", false); err != nil {
		t.Fatalf("sandbox gateway: %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	amount, err := ParseAmount("99.90")
	if err != nil || amount.Int64() != 9990 {
		t.Fatalf("expected 9990, got %d (%v)", amount.Int64(), err)
	}
	for _, raw := range []string{"", "abc", "0", "-5.00"} {
		if _, err := ParseAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected invalid amount for %q, got %v", raw, err)
		}
	}
}

func TestRechargerCreditsOnce(t *testing.T) {
	gateway := NewGateway(fakeChecker{responses: map[string]*coreapi.TransactionStatusResponse{"order-1": settled("50")}})
	wallet := newFakeWallet()
	recharger := NewRecharger(gateway, wallet, nil)
	user, err := ledger.NewAccountID("user-1")
	if err != nil {
		t.Fatalf("account id: %v", err)
	}
	other, err := ledger.NewAccountID("user-2")
	if err != nil {
		t.Fatalf("account id: %v", err)
	}
	balance, err := recharger.Recharge(context.Background(), user, "order-1")
	if err != nil {
		t.Fatalf("recharge: %v", err)
	}
	if balance.Int64() != 5000 {
		t.Fatalf("expected balance 5000, got %d", balance.Int64())
	}
	if _, err := recharger.Recharge(context.Background(), user, "order-1"); !errors.Is(err, ErrAlreadyCredited) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
	if _, err := recharger.Recharge(context.Background(), other, "order-1"); !errors.Is(err, ErrAlreadyCredited) {
		t.Fatalf("expected cross-account replay to fail, got %v", err)
	}
	if wallet.balances["user-2"] != 0 {
		t.Fatalf("second account must not be credited")
	}
}

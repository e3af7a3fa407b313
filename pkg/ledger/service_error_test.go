package ledger

import (
	"context"
	"errors"
	"testing"
)

const (
	errStoreMessage        = "store error"
	caseAccountLookupError = "account lookup error"
	caseUpdateBalanceError = "update balance error"
	caseInsertEntryError   = "insert entry error"
	caseSumEntriesError    = "sum entries error"
	caseCorrelationError   = "correlation lookup error"
	caseCreateAccountError = "create account error"
	errorMismatchMessage   = "expected %v, got %v"
)

var errStoreFailure = errors.New(errStoreMessage)

func TestTransferReturnsStoreErrorsAndRollsBack(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
		wantErr   error
	}{
		{
			name: caseAccountLookupError,
			configure: func(store *stubStore) {
				store.getAccountError = errStoreFailure
			},
			wantErr: errStoreFailure,
		},
		{
			name: caseUpdateBalanceError,
			configure: func(store *stubStore) {
				store.updateBalanceErr = errStoreFailure
			},
			wantErr: errStoreFailure,
		},
		{
			name: caseInsertEntryError,
			configure: func(store *stubStore) {
				store.insertEntryError = errStoreFailure
			},
			wantErr: errStoreFailure,
		},
		{
			name: caseCorrelationError,
			configure: func(store *stubStore) {
				store.correlationsError = errStoreFailure
			},
			wantErr: errStoreFailure,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			requester, provider, platform := seedParticipants(test, service, store, 200)
			entriesBefore := len(store.entries)
			testCase.configure(store)

			_, err := service.Transfer(context.Background(), tickRequest(test, requester, provider, platform, 80, 20, correlationValue))
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if len(store.entries) != entriesBefore {
				test.Fatalf("expected rollback, got %d entries", len(store.entries))
			}
			store.getAccountError = nil
			assertBalance(test, service, requester, 200)
			assertBalance(test, service, provider, 0)
		})
	}
}

func TestDebitAndCreditReturnStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{
			name: caseAccountLookupError,
			configure: func(store *stubStore) {
				store.getAccountError = errStoreFailure
			},
		},
		{
			name: caseUpdateBalanceError,
			configure: func(store *stubStore) {
				store.updateBalanceErr = errStoreFailure
			},
		},
		{
			name: caseInsertEntryError,
			configure: func(store *stubStore) {
				store.insertEntryError = errStoreFailure
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			requester, _, _ := seedParticipants(test, service, store, 100)
			testCase.configure(store)
			amount := mustPositiveAmount(test, 10)

			if err := service.Debit(context.Background(), requester, amount, CategoryChat, mustCorrelationID(test, "manual:debit"), MetadataJSON{}); !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
			if err := service.Credit(context.Background(), requester, amount, CategoryChat, mustCorrelationID(test, "manual:credit"), MetadataJSON{}); !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
		})
	}
}

func TestReadOperationsReturnStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
		call      func(service *Service, accountID AccountID) error
	}{
		{
			name: caseAccountLookupError,
			configure: func(store *stubStore) {
				store.getAccountError = errStoreFailure
			},
			call: func(service *Service, accountID AccountID) error {
				_, err := service.Balance(context.Background(), accountID)
				return err
			},
		},
		{
			name: caseSumEntriesError,
			configure: func(store *stubStore) {
				store.sumEntriesError = errStoreFailure
			},
			call: func(service *Service, accountID AccountID) error {
				_, err := service.Reconcile(context.Background(), accountID)
				return err
			},
		},
		{
			name: caseCorrelationError,
			configure: func(store *stubStore) {
				store.correlationsError = errStoreFailure
			},
			call: func(service *Service, accountID AccountID) error {
				correlationID, err := NewCorrelationID(correlationValue)
				if err != nil {
					return err
				}
				return service.VerifyCorrelation(context.Background(), correlationID)
			},
		},
		{
			name: caseCreateAccountError,
			configure: func(store *stubStore) {
				store.createAccountErr = errStoreFailure
			},
			call: func(service *Service, accountID AccountID) error {
				newAccountID, err := NewAccountID("fresh")
				if err != nil {
					return err
				}
				_, err = service.OpenAccount(context.Background(), newAccountID, RoleUser)
				return err
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			requester, _, _ := seedParticipants(test, service, store, 100)
			testCase.configure(store)

			if err := testCase.call(service, requester); !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
		})
	}
}

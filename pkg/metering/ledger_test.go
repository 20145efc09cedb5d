package metering

import (
	"context"
	"errors"
	"testing"
)

func TestCreditAppendsTransactionAndReturnsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := store.seedAccount(test, "acct-credit", 5)
	ledger := mustNewLedger(test, store)

	newBalance, err := ledger.Credit(context.Background(), accountID, mustChargeCredits(test, 7), ReasonPurchase, mustMetadata(test, `{"order_id":"ORDER_1"}`))
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if newBalance != 12 {
		test.Fatalf("expected balance 12, got %d", newBalance)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(store.transactions))
	}
	transaction := store.transactions[0]
	if transaction.Kind != TransactionCredit || transaction.Amount != 7 || transaction.ResultingBalance != 12 {
		test.Fatalf("unexpected transaction: %+v", transaction)
	}
	if transaction.Reason != ReasonPurchase {
		test.Fatalf("expected PURCHASE reason, got %s", transaction.Reason)
	}
}

func TestDebitFailsClosedWhenBalanceWouldGoNegative(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := store.seedAccount(test, "acct-short", 1)
	ledger := mustNewLedger(test, store)

	_, err := ledger.Debit(context.Background(), accountID, mustChargeCredits(test, 2), ReasonAPIUsage, mustMetadata(test, "{}"))
	var insufficientError InsufficientCreditsError
	if !errors.As(err, &insufficientError) {
		test.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficientError.Required != 2 || insufficientError.Balance != 1 {
		test.Fatalf("unexpected shortfall: %+v", insufficientError)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transactions after rejected debit, got %d", len(store.transactions))
	}
	if store.accounts[accountID.String()].Balance != 1 {
		test.Fatalf("balance mutated by rejected debit")
	}
}

func TestDebitRejectsDisabledAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := store.seedAccount(test, "acct-disabled", 10)
	account := store.accounts[accountID.String()]
	account.Disabled = true
	store.accounts[accountID.String()] = account
	ledger := mustNewLedger(test, store)

	_, err := ledger.Debit(context.Background(), accountID, mustChargeCredits(test, 1), ReasonAPIUsage, mustMetadata(test, "{}"))
	if !errors.Is(err, ErrAccountDisabled) {
		test.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestSettleCommitsDebitAndUsageAtomically(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := store.seedAccount(test, "acct-settle", 5)
	ledger := mustNewLedger(test, store)
	operation := mustOperationName(test, "document-identification")

	newBalance, err := ledger.Settle(context.Background(), accountID, mustChargeCredits(test, 2), mustMetadata(test, "{}"), UsageEntry{
		AccountID:      accountID,
		Operation:      operation,
		StatusCode:     200,
		CreditsCharged: 2,
	})
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if newBalance != 3 {
		test.Fatalf("expected balance 3, got %d", newBalance)
	}
	if len(store.transactions) != 1 || store.transactions[0].Kind != TransactionDebit {
		test.Fatalf("expected exactly one DEBIT transaction, got %+v", store.transactions)
	}
	if len(store.usage) != 1 || store.usage[0].CreditsCharged != 2 {
		test.Fatalf("expected one usage entry charging 2, got %+v", store.usage)
	}
}

func TestSettleRollsBackEverythingWhenUsageInsertFails(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := store.seedAccount(test, "acct-rollback", 5)
	store.insertUsageErrors = []error{errors.New("usage table gone")}
	ledger := mustNewLedger(test, store)

	_, err := ledger.Settle(context.Background(), accountID, mustChargeCredits(test, 2), mustMetadata(test, "{}"), UsageEntry{
		AccountID:      accountID,
		Operation:      mustOperationName(test, "document-identification"),
		StatusCode:     200,
		CreditsCharged: 2,
	})
	if err == nil {
		test.Fatalf("expected settle failure")
	}
	if store.accounts[accountID.String()].Balance != 5 {
		test.Fatalf("balance must be untouched after rollback, got %d", store.accounts[accountID.String()].Balance)
	}
	if len(store.transactions) != 0 || len(store.usage) != 0 {
		test.Fatalf("expected no partial writes, got %d transactions, %d usage entries", len(store.transactions), len(store.usage))
	}
}

func TestCreditRetriesTransientStoreFailures(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := store.seedAccount(test, "acct-retry", 0)
	store.lockAccountErrors = []error{
		MarkTransient(errors.New("connection reset")),
		MarkTransient(errors.New("connection reset")),
	}
	sleeps := 0
	ledger := mustNewLedger(test, store, WithLedgerRetryPolicy(immediateRetry(test, &sleeps)))

	newBalance, err := ledger.Credit(context.Background(), accountID, mustChargeCredits(test, 4), ReasonBonus, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("credit after retries: %v", err)
	}
	if newBalance != 4 {
		test.Fatalf("expected balance 4, got %d", newBalance)
	}
	if sleeps != 2 {
		test.Fatalf("expected 2 backoff sleeps, got %d", sleeps)
	}
}

func TestDebitDoesNotRetryDomainFailures(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := store.seedAccount(test, "acct-domain", 1)
	sleeps := 0
	ledger := mustNewLedger(test, store, WithLedgerRetryPolicy(immediateRetry(test, &sleeps)))

	_, err := ledger.Debit(context.Background(), accountID, mustChargeCredits(test, 3), ReasonAPIUsage, mustMetadata(test, "{}"))
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if sleeps != 0 {
		test.Fatalf("domain failure must not be retried, slept %d times", sleeps)
	}
}

func TestEnsureAccountCreatesWithStartingGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	ledger := mustNewLedger(test, store)
	accountID := mustAccountID(test, "acct-new")

	account, err := ledger.EnsureAccount(context.Background(), accountID, Credits(10))
	if err != nil {
		test.Fatalf("ensure account: %v", err)
	}
	if account.Balance != 10 {
		test.Fatalf("expected starting balance 10, got %d", account.Balance)
	}
	if len(store.transactions) != 1 || store.transactions[0].Reason != ReasonBonus {
		test.Fatalf("expected one BONUS grant transaction, got %+v", store.transactions)
	}

	again, err := ledger.EnsureAccount(context.Background(), accountID, Credits(10))
	if err != nil {
		test.Fatalf("ensure existing account: %v", err)
	}
	if again.Balance != 10 || len(store.transactions) != 1 {
		test.Fatalf("second bootstrap must not grant again: balance %d, %d transactions", again.Balance, len(store.transactions))
	}
}

func TestResultingBalanceChainIsGapless(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := store.seedAccount(test, "acct-chain", 10)
	ledger := mustNewLedger(test, store)
	ctx := context.Background()
	metadata := mustMetadata(test, "{}")

	if _, err := ledger.Debit(ctx, accountID, mustChargeCredits(test, 3), ReasonAPIUsage, metadata); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if _, err := ledger.Credit(ctx, accountID, mustChargeCredits(test, 5), ReasonPurchase, metadata); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := ledger.Debit(ctx, accountID, mustChargeCredits(test, 2), ReasonAPIUsage, metadata); err != nil {
		test.Fatalf("debit: %v", err)
	}

	running := Credits(10)
	for index, transaction := range store.transactions {
		switch transaction.Kind {
		case TransactionCredit:
			running += transaction.Amount
		case TransactionDebit:
			running -= transaction.Amount
		}
		if transaction.ResultingBalance != running {
			test.Fatalf("entry %d breaks the balance chain: expected %d, got %d", index, running, transaction.ResultingBalance)
		}
	}
	if store.accounts[accountID.String()].Balance != running {
		test.Fatalf("final balance %d does not match chain %d", store.accounts[accountID.String()].Balance, running)
	}
}

func TestListTransactionsClampsPagination(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := store.seedAccount(test, "acct-list", 0)
	ledger := mustNewLedger(test, store)

	if _, err := ledger.ListTransactions(context.Background(), accountID, TransactionFilter{}, 0, 0, SortDescending); err != nil {
		test.Fatalf("list: %v", err)
	}
	if store.lastListPageSize != defaultTransactionPageSize {
		test.Fatalf("expected default page size %d, got %d", defaultTransactionPageSize, store.lastListPageSize)
	}
	if _, err := ledger.ListTransactions(context.Background(), accountID, TransactionFilter{}, 1, 10000, SortDescending); err != nil {
		test.Fatalf("list: %v", err)
	}
	if store.lastListPageSize != maxTransactionPageSize {
		test.Fatalf("expected max page size %d, got %d", maxTransactionPageSize, store.lastListPageSize)
	}
}

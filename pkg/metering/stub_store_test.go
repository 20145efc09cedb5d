package metering

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

// stubStore is the in-memory Store used by the unit tests. WithTx snapshots
// the state and restores it when the closure fails, so atomicity assertions
// are real.
type stubStore struct {
	accounts     map[string]Account
	transactions []Transaction
	entitlements map[string]Entitlement
	usage        []UsageEntry

	lockAccountErrors []error
	saveBalanceErrors []error
	insertUsageErrors []error
	getOrCreateErrors []error

	lastListPageSize int
}

func newStubStore() *stubStore {
	return &stubStore{
		accounts:     make(map[string]Account),
		entitlements: make(map[string]Entitlement),
	}
}

func (store *stubStore) seedAccount(test *testing.T, rawID string, balance int64) AccountID {
	test.Helper()
	accountID := mustAccountID(test, rawID)
	store.accounts[accountID.String()] = Account{AccountID: accountID, Balance: Credits(balance)}
	return accountID
}

func (store *stubStore) seedEntitlement(test *testing.T, accountID AccountID, rawOperation string, status EntitlementStatus, usageCount int64, ceiling int64) OperationName {
	test.Helper()
	operation := mustOperationName(test, rawOperation)
	store.entitlements[entitlementKey(accountID, operation)] = Entitlement{
		AccountID:    accountID,
		Operation:    operation,
		Status:       status,
		UsageCount:   usageCount,
		UsageCeiling: ceiling,
	}
	return operation
}

func entitlementKey(accountID AccountID, operation OperationName) string {
	return accountID.String() + "|" + operation.String()
}

func popError(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (store *stubStore) snapshot() *stubStore {
	copied := newStubStore()
	for key, account := range store.accounts {
		copied.accounts[key] = account
	}
	for key, entitlement := range store.entitlements {
		copied.entitlements[key] = entitlement
	}
	copied.transactions = append([]Transaction(nil), store.transactions...)
	copied.usage = append([]UsageEntry(nil), store.usage...)
	return copied
}

func (store *stubStore) restore(saved *stubStore) {
	store.accounts = saved.accounts
	store.entitlements = saved.entitlements
	store.transactions = saved.transactions
	store.usage = saved.usage
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, accountID AccountID, startingGrant Credits) (Account, error) {
	if err := popError(&store.getOrCreateErrors); err != nil {
		return Account{}, err
	}
	if account, exists := store.accounts[accountID.String()]; exists {
		return account, nil
	}
	account := Account{AccountID: accountID, Balance: startingGrant}
	store.accounts[accountID.String()] = account
	if startingGrant > 0 {
		store.appendTransaction(Transaction{
			AccountID:        accountID,
			Kind:             TransactionCredit,
			Amount:           startingGrant,
			ResultingBalance: startingGrant,
			Reason:           ReasonBonus,
		})
	}
	return account, nil
}

func (store *stubStore) LockAccount(_ context.Context, accountID AccountID) (Account, error) {
	if err := popError(&store.lockAccountErrors); err != nil {
		return Account{}, err
	}
	account, exists := store.accounts[accountID.String()]
	if !exists {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) SaveBalance(_ context.Context, accountID AccountID, balance Credits) error {
	if err := popError(&store.saveBalanceErrors); err != nil {
		return err
	}
	account, exists := store.accounts[accountID.String()]
	if !exists {
		return ErrUnknownAccount
	}
	account.Balance = balance
	store.accounts[accountID.String()] = account
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	account, exists := store.accounts[accountID.String()]
	if !exists {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) appendTransaction(transaction Transaction) {
	transaction.TransactionID = fmt.Sprintf("tx-%d", len(store.transactions)+1)
	store.transactions = append(store.transactions, transaction)
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	store.appendTransaction(transaction)
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, accountID AccountID, filter TransactionFilter, page int, pageSize int, order SortOrder) (TransactionPage, error) {
	store.lastListPageSize = pageSize
	matched := make([]Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.AccountID.String() != accountID.String() {
			continue
		}
		if filter.Kind != nil && transaction.Kind != *filter.Kind {
			continue
		}
		if filter.FromUnixUTC > 0 && transaction.CreatedUnixUTC < filter.FromUnixUTC {
			continue
		}
		if filter.UntilUnixUTC > 0 && transaction.CreatedUnixUTC > filter.UntilUnixUTC {
			continue
		}
		matched = append(matched, transaction)
	}
	if order == SortDescending {
		sort.SliceStable(matched, func(left, right int) bool {
			return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
		})
	} else {
		sort.SliceStable(matched, func(left, right int) bool {
			return matched[left].CreatedUnixUTC < matched[right].CreatedUnixUTC
		})
	}
	total := int64(len(matched))
	start := (page - 1) * pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return TransactionPage{Items: matched[start:end], Total: total}, nil
}

func (store *stubStore) GetEntitlement(_ context.Context, accountID AccountID, operation OperationName) (Entitlement, error) {
	entitlement, exists := store.entitlements[entitlementKey(accountID, operation)]
	if !exists {
		return Entitlement{}, ErrNotEntitled
	}
	return entitlement, nil
}

func (store *stubStore) LockEntitlement(ctx context.Context, accountID AccountID, operation OperationName) (Entitlement, error) {
	return store.GetEntitlement(ctx, accountID, operation)
}

func (store *stubStore) CreateEntitlement(_ context.Context, entitlement Entitlement) error {
	key := entitlementKey(entitlement.AccountID, entitlement.Operation)
	if _, exists := store.entitlements[key]; exists {
		return ErrEntitlementExists
	}
	store.entitlements[key] = entitlement
	return nil
}

func (store *stubStore) SaveEntitlement(_ context.Context, entitlement Entitlement) error {
	key := entitlementKey(entitlement.AccountID, entitlement.Operation)
	if _, exists := store.entitlements[key]; !exists {
		return ErrNotEntitled
	}
	store.entitlements[key] = entitlement
	return nil
}

func (store *stubStore) InsertUsageEntry(_ context.Context, entry UsageEntry) error {
	if err := popError(&store.insertUsageErrors); err != nil {
		return err
	}
	store.usage = append(store.usage, entry)
	return nil
}

func (store *stubStore) AggregateUsage(_ context.Context, accountID AccountID, sinceUnixUTC int64) ([]OperationUsage, error) {
	type bucket struct {
		calls     int64
		credits   Credits
		latency   int64
		successes int64
		lastUsed  int64
	}
	buckets := make(map[string]*bucket)
	for _, entry := range store.usage {
		if entry.AccountID.String() != accountID.String() || entry.CreatedUnixUTC < sinceUnixUTC {
			continue
		}
		key := entry.Operation.String()
		if buckets[key] == nil {
			buckets[key] = &bucket{}
		}
		buckets[key].calls++
		buckets[key].credits += entry.CreditsCharged
		buckets[key].latency += entry.LatencyMillis
		if entry.StatusCode >= 200 && entry.StatusCode < 300 {
			buckets[key].successes++
		}
		if entry.CreatedUnixUTC > buckets[key].lastUsed {
			buckets[key].lastUsed = entry.CreatedUnixUTC
		}
	}
	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]OperationUsage, 0, len(names))
	for _, name := range names {
		grouped := buckets[name]
		operation, err := NewOperationName(name)
		if err != nil {
			return nil, err
		}
		rows = append(rows, OperationUsage{
			Operation:        operation,
			TotalCalls:       grouped.calls,
			TotalCreditsUsed: grouped.credits,
			AverageLatencyMS: float64(grouped.latency) / float64(grouped.calls),
			SuccessRate:      float64(grouped.successes) / float64(grouped.calls),
			LastUsedUnixUTC:  grouped.lastUsed,
		})
	}
	return rows, nil
}

func (store *stubStore) debits(accountID AccountID) []Transaction {
	matched := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if transaction.AccountID.String() == accountID.String() && transaction.Kind == TransactionDebit {
			matched = append(matched, transaction)
		}
	}
	return matched
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustOperationName(test *testing.T, raw string) OperationName {
	test.Helper()
	operation, err := NewOperationName(raw)
	if err != nil {
		test.Fatalf("operation name %q: %v", raw, err)
	}
	return operation
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustChargeCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	amount, err := NewChargeCredits(raw)
	if err != nil {
		test.Fatalf("credits %d: %v", raw, err)
	}
	return amount
}

func mustNewLedger(test *testing.T, store Store, options ...LedgerOption) *Ledger {
	test.Helper()
	ledger, err := NewLedger(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new ledger: %v", err)
	}
	return ledger
}

// immediateRetry keeps the bounded attempt budget but skips real sleeping.
func immediateRetry(test *testing.T, sleeps *int) RetryPolicy {
	test.Helper()
	policy, err := NewRetryPolicy(3, FixedBackoff(0))
	if err != nil {
		test.Fatalf("retry policy: %v", err)
	}
	return policy.WithSleeper(func(context.Context, time.Duration) error {
		if sleeps != nil {
			*sleeps++
		}
		return nil
	})
}

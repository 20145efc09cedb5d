package metering

import "context"

// Store is the persistence contract used by the metering services.
// (internal/store/gormstore implements this.)
//
// Per-account serialization is the store's responsibility: mutations happen
// inside WithTx with the account row locked, so unrelated accounts never
// contend and concurrent debits against one account cannot interleave.
type Store interface {
	// WithTx executes fn inside a single atomic storage transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// GetOrCreateAccount returns the account, creating it with the given
	// starting grant (balance plus a matching BONUS transaction) when absent.
	GetOrCreateAccount(ctx context.Context, accountID AccountID, startingGrant Credits) (Account, error)
	// LockAccount reads the account for update; mutations that follow in the
	// same transaction are serialized against other writers.
	LockAccount(ctx context.Context, accountID AccountID) (Account, error)
	// SaveBalance persists a new balance for a previously locked account.
	SaveBalance(ctx context.Context, accountID AccountID, balance Credits) error
	// GetAccount reads the account without locking.
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)

	// InsertTransaction appends one immutable ledger entry.
	InsertTransaction(ctx context.Context, transaction Transaction) error
	// ListTransactions returns a page of ledger entries ordered by commit time.
	ListTransactions(ctx context.Context, accountID AccountID, filter TransactionFilter, page int, pageSize int, order SortOrder) (TransactionPage, error)

	// GetEntitlement reads the entitlement for (account, operation);
	// ErrNotEntitled when none exists.
	GetEntitlement(ctx context.Context, accountID AccountID, operation OperationName) (Entitlement, error)
	// LockEntitlement reads the entitlement for update.
	LockEntitlement(ctx context.Context, accountID AccountID, operation OperationName) (Entitlement, error)
	// CreateEntitlement inserts a new entitlement record.
	CreateEntitlement(ctx context.Context, entitlement Entitlement) error
	// SaveEntitlement persists counter and status changes.
	SaveEntitlement(ctx context.Context, entitlement Entitlement) error

	// InsertUsageEntry appends one usage log record.
	InsertUsageEntry(ctx context.Context, entry UsageEntry) error
	// AggregateUsage aggregates usage entries per operation since the cutoff.
	AggregateUsage(ctx context.Context, accountID AccountID, sinceUnixUTC int64) ([]OperationUsage, error)
}

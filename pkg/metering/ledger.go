package metering

import (
	"context"
	"fmt"
)

// Ledger owns all balance movement. Every mutation is one atomic unit scoped
// to a single account: balance update plus transaction append, with the
// resulting balance assigned under the account row lock so concurrent debits
// serialize and the resulting-balance chain stays gapless.
type Ledger struct {
	store  Store
	nowFn  func() int64
	retry  RetryPolicy
	logger OperationLogger
}

// LedgerOption configures a Ledger instance.
type LedgerOption func(*Ledger)

// WithLedgerLogger wires a logger that receives callbacks for every ledger
// operation.
func WithLedgerLogger(logger OperationLogger) LedgerOption {
	return func(ledger *Ledger) {
		ledger.logger = logger
	}
}

// WithLedgerRetryPolicy replaces the bounded retry applied to commit units.
func WithLedgerRetryPolicy(policy RetryPolicy) LedgerOption {
	return func(ledger *Ledger) {
		ledger.retry = policy
	}
}

// NewLedger wires a Ledger.
func NewLedger(store Store, now func() int64, options ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	ledger := &Ledger{store: store, nowFn: now, retry: DefaultRetryPolicy()}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// EnsureAccount returns the account, creating it with the starting grant when
// it does not exist yet.
func (ledger *Ledger) EnsureAccount(ctx context.Context, accountID AccountID, startingGrant Credits) (Account, error) {
	var account Account
	err := ledger.retry.Run(ctx, func(ctx context.Context) error {
		var innerErr error
		account, innerErr = ledger.store.GetOrCreateAccount(ctx, accountID, startingGrant)
		return innerErr
	})
	return account, err
}

// Balance returns the committed balance for an account.
func (ledger *Ledger) Balance(ctx context.Context, accountID AccountID) (Credits, error) {
	account, err := ledger.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Credit adds credits to an account and appends the matching CREDIT
// transaction in one atomic unit. Returns the new balance.
func (ledger *Ledger) Credit(ctx context.Context, accountID AccountID, amount Credits, reason TransactionReason, metadata MetadataJSON) (Credits, error) {
	newBalance, operationError := ledger.apply(ctx, accountID, TransactionCredit, amount, reason, metadata, nil)
	ledger.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID,
		Amount:    amount,
		Balance:   newBalance,
		Metadata:  metadata,
		Error:     operationError,
	})
	return newBalance, operationError
}

// Debit removes credits from an account and appends the matching DEBIT
// transaction in one atomic unit. Fails closed with InsufficientCreditsError
// when the balance would go negative; nothing is written in that case.
func (ledger *Ledger) Debit(ctx context.Context, accountID AccountID, amount Credits, reason TransactionReason, metadata MetadataJSON) (Credits, error) {
	newBalance, operationError := ledger.apply(ctx, accountID, TransactionDebit, amount, reason, metadata, nil)
	ledger.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		AccountID: accountID,
		Amount:    amount,
		Balance:   newBalance,
		Metadata:  metadata,
		Error:     operationError,
	})
	return newBalance, operationError
}

// Settle debits the operation cost and appends both the DEBIT transaction and
// the successful usage entry as one atomic unit: either all three effects are
// visible or none are.
func (ledger *Ledger) Settle(ctx context.Context, accountID AccountID, cost Credits, metadata MetadataJSON, usage UsageEntry) (Credits, error) {
	newBalance, operationError := ledger.apply(ctx, accountID, TransactionDebit, cost, ReasonAPIUsage, metadata, func(ctx context.Context, transactionStore Store, balance Credits) error {
		return transactionStore.InsertUsageEntry(ctx, usage)
	})
	ledger.logOperation(ctx, OperationLog{
		Operation:     operationDebit,
		AccountID:     accountID,
		OperationName: usage.Operation,
		Amount:        cost,
		Balance:       newBalance,
		Metadata:      metadata,
		Error:         operationError,
	})
	return newBalance, operationError
}

// ListTransactions returns a filtered, paginated view of the account's ledger.
func (ledger *Ledger) ListTransactions(ctx context.Context, accountID AccountID, filter TransactionFilter, page int, pageSize int, order SortOrder) (TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultTransactionPageSize
	}
	if pageSize > maxTransactionPageSize {
		pageSize = maxTransactionPageSize
	}
	return ledger.store.ListTransactions(ctx, accountID, filter, page, pageSize, order)
}

const (
	defaultTransactionPageSize = 20
	maxTransactionPageSize     = 100
)

func (ledger *Ledger) apply(ctx context.Context, accountID AccountID, kind TransactionKind, amount Credits, reason TransactionReason, metadata MetadataJSON, alsoCommit func(ctx context.Context, transactionStore Store, balance Credits) error) (Credits, error) {
	if amount.Int64() <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	var newBalance Credits
	operationError := ledger.retry.Run(ctx, func(ctx context.Context) error {
		return ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.LockAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if account.Disabled {
				return ErrAccountDisabled
			}
			balance := account.Balance
			switch kind {
			case TransactionCredit:
				balance += amount
			case TransactionDebit:
				if account.Balance < amount {
					return InsufficientCreditsError{Required: amount, Balance: account.Balance}
				}
				balance -= amount
			default:
				return fmt.Errorf("%w: %q", ErrInvalidTransactionKind, kind)
			}
			if err := transactionStore.SaveBalance(ctx, accountID, balance); err != nil {
				return err
			}
			if err := transactionStore.InsertTransaction(ctx, Transaction{
				AccountID:        accountID,
				Kind:             kind,
				Amount:           amount,
				ResultingBalance: balance,
				Reason:           reason,
				Metadata:         metadata,
				CreatedUnixUTC:   ledger.nowFn(),
			}); err != nil {
				return err
			}
			if alsoCommit != nil {
				if err := alsoCommit(ctx, transactionStore, balance); err != nil {
					return err
				}
			}
			newBalance = balance
			return nil
		})
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

func (ledger *Ledger) logOperation(ctx context.Context, entry OperationLog) {
	if ledger.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	ledger.logger.LogOperation(ctx, entry)
}

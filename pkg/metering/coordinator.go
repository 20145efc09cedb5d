package metering

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExternalResult is whatever the document-processing collaborator returned:
// either a decoded JSON document or a binary artifact.
type ExternalResult struct {
	StatusCode  int
	ContentType string
	JSON        map[string]any
	Artifact    []byte
}

// PerformFunc invokes the external operation. It may take arbitrary time and
// is never retried by the coordinator; retry policy for the external call
// belongs to the collaborator boundary.
type PerformFunc func(ctx context.Context) (ExternalResult, error)

// ChargeResult is the outcome of a committed metered call.
type ChargeResult struct {
	Result         ExternalResult
	NewBalance     Credits
	CreditsCharged Credits
}

// Coordinator drives a metered call through admission, external work, and
// settlement:
//
//	ADMITTED -> WORK_DONE -> COMMITTED
//	ADMITTED -> WORK_FAILED            (no charge)
//	WORK_DONE -> COMMIT_FAILED         (no charge; billing reported as failed)
//
// The commit (debit, DEBIT transaction, success usage entry) is one atomic
// unit retried under the ledger's bounded policy. An admitted call whose
// external work completed is always settled, even if the caller disconnects:
// the commit runs on a context detached from the request.
type Coordinator struct {
	store    Store
	registry *Registry
	gate     *Gate
	ledger   *Ledger
	catalog  *Catalog
	notifier Notifier
	logger   OperationLogger
	nowFn    func() int64
}

// CoordinatorOption configures a Coordinator instance.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorNotifier wires the fan-out hub invoked after commit.
func WithCoordinatorNotifier(notifier Notifier) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.notifier = notifier
	}
}

// WithCoordinatorLogger wires a logger for charge operations.
func WithCoordinatorLogger(logger OperationLogger) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.logger = logger
	}
}

const usageWriteTimeout = 5 * time.Second

// NewCoordinator wires a Coordinator.
func NewCoordinator(store Store, registry *Registry, gate *Gate, ledger *Ledger, catalog *Catalog, now func() int64, options ...CoordinatorOption) (*Coordinator, error) {
	if store == nil || registry == nil || gate == nil || ledger == nil || catalog == nil {
		return nil, fmt.Errorf("%w: missing coordinator dependency", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	coordinator := &Coordinator{
		store:    store,
		registry: registry,
		gate:     gate,
		ledger:   ledger,
		catalog:  catalog,
		nowFn:    now,
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	return coordinator, nil
}

// AdmitAndCharge is the single entry point for a metered call. Admission
// failures and external failures charge nothing; only a fully committed
// settlement debits the account and triggers fan-out.
func (coordinator *Coordinator) AdmitAndCharge(ctx context.Context, accountID AccountID, operation OperationName, perform PerformFunc) (ChargeResult, error) {
	if perform == nil {
		return ChargeResult{}, fmt.Errorf("%w: perform function is nil", ErrInvalidServiceConfig)
	}
	startedAt := time.Now()

	if _, err := coordinator.registry.CheckEntitlement(ctx, accountID, operation); err != nil {
		return ChargeResult{}, err
	}
	cost, err := coordinator.gate.CheckBalance(ctx, accountID, operation)
	if err != nil {
		return ChargeResult{}, err
	}

	result, performError := perform(ctx)
	if performError != nil {
		coordinator.appendFailureUsage(accountID, operation, performError, startedAt)
		chargeError := asExternalError(performError)
		coordinator.logCharge(ctx, accountID, operation, cost, 0, chargeError)
		return ChargeResult{}, chargeError
	}

	newBalance, commitError := coordinator.commit(accountID, operation, cost, result.StatusCode, startedAt)
	if commitError != nil {
		coordinator.appendFailureUsage(accountID, operation, commitError, startedAt)
		coordinator.logCharge(ctx, accountID, operation, cost, 0, commitError)
		if errors.Is(commitError, ErrInsufficientCredits) {
			return ChargeResult{}, commitError
		}
		return ChargeResult{}, fmt.Errorf("%w: %v", ErrCommitFailed, commitError)
	}

	coordinator.logCharge(ctx, accountID, operation, cost, newBalance, nil)
	if coordinator.notifier != nil {
		coordinator.notifier.Notify(accountID, BalanceEvent(newBalance, TransactionDebit, cost, ReasonAPIUsage, operation))
	}
	return ChargeResult{Result: result, NewBalance: newBalance, CreditsCharged: cost}, nil
}

// commit settles the debit on a context detached from the caller so a
// disconnect after the external work cannot leave the call half-applied. Each
// settlement attempt carries its own deadline from the ledger's retry policy,
// so a stalled attempt expires without spending the budget of the retries
// after it. The debit re-checks the balance under the account row lock; a
// concurrent debit that won the race surfaces as InsufficientCreditsError
// here.
func (coordinator *Coordinator) commit(accountID AccountID, operation OperationName, cost Credits, statusCode int, startedAt time.Time) (Credits, error) {
	metadata, err := NewMetadataJSON(fmt.Sprintf(`{"operation":%q}`, operation.String()))
	if err != nil {
		return 0, err
	}
	if statusCode == 0 {
		statusCode = 200
	}
	return coordinator.ledger.Settle(context.Background(), accountID, cost, metadata, UsageEntry{
		AccountID:      accountID,
		Operation:      operation,
		StatusCode:     statusCode,
		LatencyMillis:  time.Since(startedAt).Milliseconds(),
		CreditsCharged: cost,
		CreatedUnixUTC: coordinator.nowFn(),
	})
}

func (coordinator *Coordinator) appendFailureUsage(accountID AccountID, operation OperationName, failure error, startedAt time.Time) {
	statusCode := 500
	var externalError ExternalError
	if errors.As(failure, &externalError) && externalError.StatusCode != 0 {
		statusCode = externalError.StatusCode
	}
	if errors.Is(failure, ErrInsufficientCredits) {
		statusCode = 403
	}
	coordinator.appendUsage(UsageEntry{
		AccountID:      accountID,
		Operation:      operation,
		StatusCode:     statusCode,
		LatencyMillis:  time.Since(startedAt).Milliseconds(),
		CreditsCharged: 0,
		CreatedUnixUTC: coordinator.nowFn(),
	})
}

// appendUsage is best effort: the usage log is read-side reporting and must
// never fail a call that already settled one way or the other.
func (coordinator *Coordinator) appendUsage(entry UsageEntry) {
	usageCtx, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
	defer cancel()
	if err := coordinator.store.InsertUsageEntry(usageCtx, entry); err != nil && coordinator.logger != nil {
		coordinator.logger.LogOperation(usageCtx, OperationLog{
			Operation:     operationCharge,
			AccountID:     entry.AccountID,
			OperationName: entry.Operation,
			Status:        operationStatusError,
			Error:         err,
		})
	}
}

func (coordinator *Coordinator) logCharge(ctx context.Context, accountID AccountID, operation OperationName, cost Credits, balance Credits, chargeError error) {
	if coordinator.logger == nil {
		return
	}
	status := operationStatusOK
	if chargeError != nil {
		status = operationStatusError
	}
	coordinator.logger.LogOperation(ctx, OperationLog{
		Operation:     operationCharge,
		AccountID:     accountID,
		OperationName: operation,
		Amount:        cost,
		Balance:       balance,
		Status:        status,
		Error:         chargeError,
	})
}

func asExternalError(performError error) error {
	var externalError ExternalError
	if errors.As(performError, &externalError) {
		return externalError
	}
	return ExternalError{StatusCode: 502, Message: performError.Error()}
}

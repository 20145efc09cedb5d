package metering

import (
	"context"
	"errors"
	"fmt"
)

// Registry tracks per-account, per-operation entitlements and their usage
// counters.
type Registry struct {
	store    Store
	catalog  *Catalog
	nowFn    func() int64
	notifier Notifier
	logger   OperationLogger
}

// RegistryOption configures a Registry instance.
type RegistryOption func(*Registry)

// WithRegistryNotifier wires the fan-out hub for subscribe/unsubscribe events.
func WithRegistryNotifier(notifier Notifier) RegistryOption {
	return func(registry *Registry) {
		registry.notifier = notifier
	}
}

// WithRegistryLogger wires a logger for entitlement lifecycle operations.
func WithRegistryLogger(logger OperationLogger) RegistryOption {
	return func(registry *Registry) {
		registry.logger = logger
	}
}

// NewRegistry wires a Registry.
func NewRegistry(store Store, catalog *Catalog, now func() int64, options ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	registry := &Registry{store: store, catalog: catalog, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	return registry, nil
}

// CheckEntitlement admits or rejects a call attempt for (account, operation).
// Entitlement-free operations always pass. On pass the usage counter is
// incremented and LastUsed stamped in its own committed unit; the increment is
// intentionally not rolled back if the charge that follows fails: the counter
// tracks attempts admitted past this gate, not billed calls.
func (registry *Registry) CheckEntitlement(ctx context.Context, accountID AccountID, operation OperationName) (Entitlement, error) {
	spec := registry.catalog.Lookup(operation)
	if spec.EntitlementFree {
		return Entitlement{AccountID: accountID, Operation: operation, Status: EntitlementActive}, nil
	}
	var admitted Entitlement
	err := registry.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entitlement, err := transactionStore.LockEntitlement(ctx, accountID, operation)
		if err != nil {
			return err
		}
		if entitlement.Status != EntitlementActive {
			return ErrNotEntitled
		}
		if entitlement.UsageCeiling > 0 && entitlement.UsageCount >= entitlement.UsageCeiling {
			return ErrLimitExceeded
		}
		entitlement.UsageCount++
		entitlement.LastUsedUnixUTC = registry.nowFn()
		if err := transactionStore.SaveEntitlement(ctx, entitlement); err != nil {
			return err
		}
		admitted = entitlement
		return nil
	})
	if err != nil {
		return Entitlement{}, err
	}
	return admitted, nil
}

// Subscribe activates the entitlement for (account, operation), creating it on
// first subscribe with the catalog's usage ceiling. Re-activating resets
// nothing; counters only reset through plan renewal.
func (registry *Registry) Subscribe(ctx context.Context, accountID AccountID, operation OperationName) (Entitlement, error) {
	spec := registry.catalog.Lookup(operation)
	var subscribed Entitlement
	operationError := registry.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entitlement, err := transactionStore.LockEntitlement(ctx, accountID, operation)
		if errors.Is(err, ErrNotEntitled) {
			subscribed = Entitlement{
				AccountID:    accountID,
				Operation:    operation,
				Status:       EntitlementActive,
				UsageCeiling: spec.UsageCeiling,
			}
			return transactionStore.CreateEntitlement(ctx, subscribed)
		}
		if err != nil {
			return err
		}
		if entitlement.Status == EntitlementActive {
			return ErrEntitlementExists
		}
		entitlement.Status = EntitlementActive
		if err := transactionStore.SaveEntitlement(ctx, entitlement); err != nil {
			return err
		}
		subscribed = entitlement
		return nil
	})
	registry.logOperation(ctx, OperationLog{
		Operation:     operationSubscribe,
		AccountID:     accountID,
		OperationName: operation,
		Error:         operationError,
	})
	if operationError != nil {
		return Entitlement{}, operationError
	}
	registry.notify(accountID, EntitlementEvent(subscribed))
	return subscribed, nil
}

// Unsubscribe deactivates the entitlement for (account, operation).
func (registry *Registry) Unsubscribe(ctx context.Context, accountID AccountID, operation OperationName) (Entitlement, error) {
	var unsubscribed Entitlement
	operationError := registry.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entitlement, err := transactionStore.LockEntitlement(ctx, accountID, operation)
		if err != nil {
			return err
		}
		entitlement.Status = EntitlementInactive
		if err := transactionStore.SaveEntitlement(ctx, entitlement); err != nil {
			return err
		}
		unsubscribed = entitlement
		return nil
	})
	registry.logOperation(ctx, OperationLog{
		Operation:     operationUnsubscribe,
		AccountID:     accountID,
		OperationName: operation,
		Error:         operationError,
	})
	if operationError != nil {
		return Entitlement{}, operationError
	}
	registry.notify(accountID, EntitlementEvent(unsubscribed))
	return unsubscribed, nil
}

// Entitlement reads the stored entitlement without side effects.
func (registry *Registry) Entitlement(ctx context.Context, accountID AccountID, operation OperationName) (Entitlement, error) {
	return registry.store.GetEntitlement(ctx, accountID, operation)
}

func (registry *Registry) notify(accountID AccountID, event Event) {
	if registry.notifier == nil {
		return
	}
	registry.notifier.Notify(accountID, event)
}

func (registry *Registry) logOperation(ctx context.Context, entry OperationLog) {
	if registry.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	registry.logger.LogOperation(ctx, entry)
}

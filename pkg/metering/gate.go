package metering

import (
	"context"
	"fmt"
)

// Gate performs the pre-flight balance check for a metered operation.
//
// The check is read-then-decide, not a reservation: the decrement happens
// later in the coordinator's commit, which re-validates non-negativity under
// the account row lock to close the race where two concurrent requests both
// pass this gate.
type Gate struct {
	store   Store
	catalog *Catalog
}

// NewGate wires a Gate.
func NewGate(store Store, catalog *Catalog) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	return &Gate{store: store, catalog: catalog}, nil
}

// CheckBalance returns the operation's cost if the account can currently
// afford it, or InsufficientCreditsError carrying the required cost.
func (gate *Gate) CheckBalance(ctx context.Context, accountID AccountID, operation OperationName) (Credits, error) {
	cost := gate.catalog.Lookup(operation).Cost
	account, err := gate.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if account.Disabled {
		return 0, ErrAccountDisabled
	}
	if account.Balance < cost {
		return 0, InsufficientCreditsError{Required: cost, Balance: account.Balance}
	}
	return cost, nil
}

// Cost returns the catalog cost without a balance check.
func (gate *Gate) Cost(operation OperationName) Credits {
	return gate.catalog.Lookup(operation).Cost
}

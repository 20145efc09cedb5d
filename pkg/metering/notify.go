package metering

import "sync"

// EventType names a fan-out event.
type EventType string

const (
	EventBalanceUpdated     EventType = "balance.updated"
	EventEntitlementUpdated EventType = "entitlement.updated"
)

// Event is one state change pushed to an account's live connections. Fields
// are flat primitives so the payload marshals cleanly on any transport.
type Event struct {
	Type      EventType `json:"type"`
	Balance   int64     `json:"balance,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// BalanceEvent builds a balance.updated event from a committed ledger move.
func BalanceEvent(balance Credits, kind TransactionKind, amount Credits, reason TransactionReason, operation OperationName) Event {
	return Event{
		Type:      EventBalanceUpdated,
		Balance:   balance.Int64(),
		Kind:      kind.String(),
		Amount:    amount.Int64(),
		Reason:    reason.String(),
		Operation: operation.String(),
	}
}

// EntitlementEvent builds an entitlement.updated event.
func EntitlementEvent(entitlement Entitlement) Event {
	return Event{
		Type:      EventEntitlementUpdated,
		Operation: entitlement.Operation.String(),
		Status:    entitlement.Status.String(),
	}
}

// Notifier pushes events to an account's live connections, best effort.
type Notifier interface {
	Notify(accountID AccountID, event Event)
}

// Hub is an explicit, instance-owned connection registry: per-account sets of
// bounded subscriber channels. Notify never blocks and never retries; a full
// or absent subscriber drops the event, which is acceptable because balance is
// always re-derivable from the ledger. Per-account ordering follows commit
// order because Notify runs after commit on the request goroutine.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	bufferSize  int
}

const defaultSubscriberBuffer = 16

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a live connection for the account and returns its event
// channel plus a cancel function that must be called when the connection ends.
func (hub *Hub) Subscribe(accountID AccountID) (<-chan Event, func()) {
	channel := make(chan Event, hub.bufferSize)
	key := accountID.String()

	hub.mu.Lock()
	set, exists := hub.subscribers[key]
	if !exists {
		set = make(map[chan Event]struct{})
		hub.subscribers[key] = set
	}
	set[channel] = struct{}{}
	hub.mu.Unlock()

	cancel := func() {
		hub.mu.Lock()
		if set, exists := hub.subscribers[key]; exists {
			delete(set, channel)
			if len(set) == 0 {
				delete(hub.subscribers, key)
			}
		}
		hub.mu.Unlock()
	}
	return channel, cancel
}

// Notify pushes the event to every live connection owned by the account.
// Absence of a connection is not an error.
func (hub *Hub) Notify(accountID AccountID, event Event) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for channel := range hub.subscribers[accountID.String()] {
		select {
		case channel <- event:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
}

// SubscriberCount reports live connections for an account.
func (hub *Hub) SubscriberCount(accountID AccountID) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subscribers[accountID.String()])
}

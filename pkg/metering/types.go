package metering

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative integer credit balance or amount.
type Credits int64

// AccountID identifies a billable account.
type AccountID struct {
	value string
}

// OperationName identifies a metered operation.
type OperationName struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TransactionKind enumerates ledger entry directions.
type TransactionKind string

const (
	TransactionCredit TransactionKind = "CREDIT"
	TransactionDebit  TransactionKind = "DEBIT"
)

// TransactionReason enumerates why a ledger entry was written.
type TransactionReason string

const (
	ReasonPurchase     TransactionReason = "PURCHASE"
	ReasonAPIUsage     TransactionReason = "API_USAGE"
	ReasonBonus        TransactionReason = "BONUS"
	ReasonRefund       TransactionReason = "REFUND"
	ReasonSubscription TransactionReason = "SUBSCRIPTION"
)

// EntitlementStatus enumerates the entitlement lifecycle.
type EntitlementStatus string

const (
	EntitlementActive   EntitlementStatus = "ACTIVE"
	EntitlementInactive EntitlementStatus = "INACTIVE"
)

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewOperationName validates and normalizes an operation name.
func NewOperationName(raw string) (OperationName, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return OperationName{}, fmt.Errorf("%w: empty value", ErrInvalidOperationName)
	}
	return OperationName{value: trimmed}, nil
}

// String returns the normalized operation name.
func (name OperationName) String() string {
	return name.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCredits validates a non-negative credit count.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// NewChargeCredits validates a strictly positive credit amount.
func NewChargeCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// ParseTransactionKind validates a stored transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case TransactionCredit, TransactionDebit:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// String returns the stored kind value.
func (kind TransactionKind) String() string {
	return string(kind)
}

// ParseTransactionReason validates a stored transaction reason.
func ParseTransactionReason(raw string) (TransactionReason, error) {
	switch TransactionReason(raw) {
	case ReasonPurchase, ReasonAPIUsage, ReasonBonus, ReasonRefund, ReasonSubscription:
		return TransactionReason(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionReason, raw)
}

// String returns the stored reason value.
func (reason TransactionReason) String() string {
	return string(reason)
}

// ParseEntitlementStatus validates a stored entitlement status.
func ParseEntitlementStatus(raw string) (EntitlementStatus, error) {
	switch EntitlementStatus(raw) {
	case EntitlementActive, EntitlementInactive:
		return EntitlementStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntitlementStatus, raw)
}

// String returns the stored status value.
func (status EntitlementStatus) String() string {
	return string(status)
}

// Account is the billable entity holding a credit balance. The balance is never
// set directly; it only moves through ledger operations.
type Account struct {
	AccountID      AccountID
	Balance        Credits
	Disabled       bool
	CreatedUnixUTC int64
}

// Transaction is a single immutable ledger entry. ResultingBalance is the
// balance snapshot after this entry, assigned by the store inside the atomic
// unit, never by the caller.
type Transaction struct {
	TransactionID    string
	AccountID        AccountID
	Kind             TransactionKind
	Amount           Credits
	ResultingBalance Credits
	Reason           TransactionReason
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// Entitlement grants an account access to one operation, optionally bounded by
// a usage ceiling. A ceiling of zero is unenforced.
type Entitlement struct {
	AccountID       AccountID
	Operation       OperationName
	Status          EntitlementStatus
	UsageCount      int64
	UsageCeiling    int64
	LastUsedUnixUTC int64
}

// UsageEntry is one append-only record of a metered call attempt.
// CreditsCharged is zero when the call failed before charging.
type UsageEntry struct {
	AccountID      AccountID
	Operation      OperationName
	StatusCode     int
	LatencyMillis  int64
	CreditsCharged Credits
	CreatedUnixUTC int64
}

// SortOrder selects transaction listing order by commit time.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// ParseSortOrder validates a listing sort order, defaulting to descending.
func ParseSortOrder(raw string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "desc":
		return SortDescending, nil
	case "asc":
		return SortAscending, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSortOrder, raw)
}

// TransactionFilter narrows a transaction listing.
type TransactionFilter struct {
	Kind         *TransactionKind
	FromUnixUTC  int64
	UntilUnixUTC int64
}

// TransactionPage is one page of a transaction listing plus the unpaged total.
type TransactionPage struct {
	Items []Transaction
	Total int64
}

// OperationUsage is the read-side aggregation over usage entries for one
// operation.
type OperationUsage struct {
	Operation        OperationName
	TotalCalls       int64
	TotalCreditsUsed Credits
	AverageLatencyMS float64
	SuccessRate      float64
	LastUsedUnixUTC  int64
}

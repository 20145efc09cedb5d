package metering

import "context"

const (
	operationCredit      = "credit"
	operationDebit       = "debit"
	operationCharge      = "charge"
	operationSubscribe   = "subscribe"
	operationUnsubscribe = "unsubscribe"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// OperationLogger records domain-level events emitted by the metering services.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing metering operation.
type OperationLog struct {
	Operation     string
	AccountID     AccountID
	OperationName OperationName
	Amount        Credits
	Balance       Credits
	Metadata      MetadataJSON
	Status        string
	Error         error
}

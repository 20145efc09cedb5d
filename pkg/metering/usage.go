package metering

import (
	"context"
	"fmt"
)

// UsageSummary is the account-wide rollup over one reporting window.
type UsageSummary struct {
	TotalCalls       int64
	TotalCreditsUsed Credits
	AverageLatencyMS float64
	SuccessRate      float64
	PerOperation     []OperationUsage
}

// UsageReporter serves the read-side aggregation over the append-only usage
// log. It never mutates anything.
type UsageReporter struct {
	store Store
}

// NewUsageReporter wires a UsageReporter.
func NewUsageReporter(store Store) (*UsageReporter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	return &UsageReporter{store: store}, nil
}

// Summarize aggregates the account's usage entries since the cutoff.
func (reporter *UsageReporter) Summarize(ctx context.Context, accountID AccountID, sinceUnixUTC int64) (UsageSummary, error) {
	perOperation, err := reporter.store.AggregateUsage(ctx, accountID, sinceUnixUTC)
	if err != nil {
		return UsageSummary{}, err
	}
	summary := UsageSummary{PerOperation: perOperation}
	var latencyWeighted float64
	var successWeighted float64
	for _, operationUsage := range perOperation {
		summary.TotalCalls += operationUsage.TotalCalls
		summary.TotalCreditsUsed += operationUsage.TotalCreditsUsed
		latencyWeighted += operationUsage.AverageLatencyMS * float64(operationUsage.TotalCalls)
		successWeighted += operationUsage.SuccessRate * float64(operationUsage.TotalCalls)
	}
	if summary.TotalCalls > 0 {
		summary.AverageLatencyMS = latencyWeighted / float64(summary.TotalCalls)
		summary.SuccessRate = successWeighted / float64(summary.TotalCalls)
	}
	return summary, nil
}

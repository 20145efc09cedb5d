// Package oplog adapts the domain's operation callback to zap.
package oplog

import (
	"context"

	"github.com/swaroopai/metergate/pkg/metering"
	"go.uber.org/zap"
)

// ZapLogger emits one structured log line per metering operation.
type ZapLogger struct {
	logger *zap.Logger
}

// New wires a ZapLogger.
func New(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation implements metering.OperationLogger.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry metering.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("status", entry.Status),
	}
	if entry.OperationName.String() != "" {
		fields = append(fields, zap.String("metered_operation", entry.OperationName.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("metering operation failed", fields...)
		return
	}
	fields = append(fields, zap.Int64("balance", entry.Balance.Int64()))
	zapLogger.logger.Info("metering operation", fields...)
}

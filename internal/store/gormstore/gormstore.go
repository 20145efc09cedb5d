package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/swaroopai/metergate/pkg/metering"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	sqliteBusyCode        = 5
	sqliteLockedCode      = 6

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorSubjectEntitlement = "entitlement"
	errorSubjectUsage       = "usage"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeSave           = "save"
	errorCodeAggregate      = "aggregate"
)

// Store implements metering.Store using GORM (Postgres or sqlite).
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore metering.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID metering.AccountID, startingGrant metering.Credits) (metering.Account, error) {
	var created metering.Account
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var model Account
		lookupError := transaction.Where("account_id = ?", accountID.String()).Take(&model).Error
		if lookupError == nil {
			var mapError error
			created, mapError = mapAccount(model)
			return mapError
		}
		if !errors.Is(lookupError, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectAccount, errorCodeGet, classify(lookupError))
		}
		model = Account{
			AccountID: accountID.String(),
			Balance:   startingGrant.Int64(),
			CreatedAt: time.Now().UTC(),
		}
		if createError := transaction.Create(&model).Error; createError != nil {
			if isUniqueViolation(createError) {
				// Lost a creation race; the winner's row is authoritative.
				if rereadError := transaction.Where("account_id = ?", accountID.String()).Take(&model).Error; rereadError != nil {
					return wrapStoreError(errorSubjectAccount, errorCodeGet, classify(rereadError))
				}
				var mapError error
				created, mapError = mapAccount(model)
				return mapError
			}
			return wrapStoreError(errorSubjectAccount, errorCodeCreate, classify(createError))
		}
		if startingGrant.Int64() > 0 {
			grant := LedgerTransaction{
				AccountID:        accountID.String(),
				Kind:             metering.TransactionCredit.String(),
				Amount:           startingGrant.Int64(),
				ResultingBalance: startingGrant.Int64(),
				Reason:           metering.ReasonBonus.String(),
				Metadata:         datatypesJSON(`{"grant":"signup"}`),
				CreatedAt:        model.CreatedAt,
			}
			if grantError := transaction.Create(&grant).Error; grantError != nil {
				return wrapStoreError(errorSubjectTransaction, errorCodeInsert, classify(grantError))
			}
		}
		var mapError error
		created, mapError = mapAccount(model)
		return mapError
	})
	if err != nil {
		return metering.Account{}, err
	}
	return created, nil
}

func (store *Store) GetAccount(ctx context.Context, accountID metering.AccountID) (metering.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return metering.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, metering.ErrUnknownAccount)
		}
		return metering.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, classify(err))
	}
	return mapAccount(model)
}

func (store *Store) LockAccount(ctx context.Context, accountID metering.AccountID) (metering.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return metering.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, metering.ErrUnknownAccount)
		}
		return metering.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, classify(err))
	}
	return mapAccount(model)
}

func (store *Store) SaveBalance(ctx context.Context, accountID metering.AccountID, balance metering.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("balance", balance.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, metering.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, record metering.Transaction) error {
	model := LedgerTransaction{
		TransactionID:    record.TransactionID,
		AccountID:        record.AccountID.String(),
		Kind:             record.Kind.String(),
		Amount:           record.Amount.Int64(),
		ResultingBalance: record.ResultingBalance.Int64(),
		Reason:           record.Reason.String(),
		Metadata:         datatypesJSON(record.Metadata.String()),
		CreatedAt:        time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if record.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, classify(err))
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID metering.AccountID, filter metering.TransactionFilter, page int, pageSize int, order metering.SortOrder) (metering.TransactionPage, error) {
	query := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Where("account_id = ?", accountID.String())
	if filter.Kind != nil {
		query = query.Where("kind = ?", filter.Kind.String())
	}
	if filter.FromUnixUTC > 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.FromUnixUTC, 0).UTC())
	}
	if filter.UntilUnixUTC > 0 {
		query = query.Where("created_at <= ?", time.Unix(filter.UntilUnixUTC, 0).UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return metering.TransactionPage{}, wrapStoreError(errorSubjectTransaction, errorCodeList, classify(err))
	}

	// transaction_id breaks same-second ties so listings stay stable across
	// reads and pagination.
	direction := "created_at DESC, transaction_id DESC"
	if order == metering.SortAscending {
		direction = "created_at ASC, transaction_id ASC"
	}
	var rows []LedgerTransaction
	err := query.
		Order(direction).
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return metering.TransactionPage{}, wrapStoreError(errorSubjectTransaction, errorCodeList, classify(err))
	}

	items := make([]metering.Transaction, 0, len(rows))
	for _, row := range rows {
		record, mapError := mapTransaction(row)
		if mapError != nil {
			return metering.TransactionPage{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, mapError)
		}
		items = append(items, record)
	}
	return metering.TransactionPage{Items: items, Total: total}, nil
}

func (store *Store) GetEntitlement(ctx context.Context, accountID metering.AccountID, operation metering.OperationName) (metering.Entitlement, error) {
	return store.readEntitlement(ctx, accountID, operation, false)
}

func (store *Store) LockEntitlement(ctx context.Context, accountID metering.AccountID, operation metering.OperationName) (metering.Entitlement, error) {
	return store.readEntitlement(ctx, accountID, operation, true)
}

func (store *Store) readEntitlement(ctx context.Context, accountID metering.AccountID, operation metering.OperationName, forUpdate bool) (metering.Entitlement, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Entitlement
	err := query.
		Where("account_id = ? AND operation = ?", accountID.String(), operation.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return metering.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, metering.ErrNotEntitled)
		}
		return metering.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, classify(err))
	}
	return mapEntitlement(model)
}

func (store *Store) CreateEntitlement(ctx context.Context, entitlement metering.Entitlement) error {
	model := Entitlement{
		AccountID:    entitlement.AccountID.String(),
		Operation:    entitlement.Operation.String(),
		Status:       entitlement.Status.String(),
		UsageCount:   entitlement.UsageCount,
		UsageCeiling: entitlement.UsageCeiling,
	}
	if entitlement.LastUsedUnixUTC != 0 {
		lastUsed := time.Unix(entitlement.LastUsedUnixUTC, 0).UTC()
		model.LastUsedAt = &lastUsed
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, metering.ErrEntitlementExists)
		}
		return wrapStoreError(errorSubjectEntitlement, errorCodeCreate, classify(err))
	}
	return nil
}

func (store *Store) SaveEntitlement(ctx context.Context, entitlement metering.Entitlement) error {
	updates := map[string]interface{}{
		"status":        entitlement.Status.String(),
		"usage_count":   entitlement.UsageCount,
		"usage_ceiling": entitlement.UsageCeiling,
	}
	if entitlement.LastUsedUnixUTC != 0 {
		updates["last_used_at"] = time.Unix(entitlement.LastUsedUnixUTC, 0).UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&Entitlement{}).
		Where("account_id = ? AND operation = ?", entitlement.AccountID.String(), entitlement.Operation.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeSave, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntitlement, errorCodeSave, metering.ErrNotEntitled)
	}
	return nil
}

func (store *Store) InsertUsageEntry(ctx context.Context, entry metering.UsageEntry) error {
	model := UsageLog{
		AccountID:      entry.AccountID.String(),
		Operation:      entry.Operation.String(),
		StatusCode:     entry.StatusCode,
		LatencyMillis:  entry.LatencyMillis,
		CreditsCharged: entry.CreditsCharged.Int64(),
		CreatedAt:      entry.CreatedUnixUTC,
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC().Unix()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, classify(err))
	}
	return nil
}

func (store *Store) AggregateUsage(ctx context.Context, accountID metering.AccountID, sinceUnixUTC int64) ([]metering.OperationUsage, error) {
	type usageRow struct {
		Operation      string
		TotalCalls     int64
		CreditsUsed    int64
		AverageLatency float64
		SuccessRate    float64
		LastUsed       int64
	}
	var rows []usageRow
	query := store.db.WithContext(ctx).
		Model(&UsageLog{}).
		Select("operation, " +
			"count(*) as total_calls, " +
			"coalesce(sum(credits_charged),0) as credits_used, " +
			"coalesce(avg(latency_millis),0) as average_latency, " +
			"coalesce(avg(case when status_code between 200 and 299 then 1.0 else 0.0 end),0) as success_rate, " +
			"max(created_at) as last_used").
		Where("account_id = ?", accountID.String())
	if sinceUnixUTC > 0 {
		query = query.Where("created_at >= ?", sinceUnixUTC)
	}
	if err := query.Group("operation").Scan(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeAggregate, classify(err))
	}

	aggregates := make([]metering.OperationUsage, 0, len(rows))
	for _, row := range rows {
		operation, err := metering.NewOperationName(row.Operation)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
		}
		creditsUsed, err := metering.NewCredits(row.CreditsUsed)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
		}
		aggregates = append(aggregates, metering.OperationUsage{
			Operation:        operation,
			TotalCalls:       row.TotalCalls,
			TotalCreditsUsed: creditsUsed,
			AverageLatencyMS: row.AverageLatency,
			SuccessRate:      row.SuccessRate,
			LastUsedUnixUTC:  row.LastUsed,
		})
	}
	return aggregates, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return metering.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (metering.Account, error) {
	accountID, err := metering.NewAccountID(model.AccountID)
	if err != nil {
		return metering.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := metering.NewCredits(model.Balance)
	if err != nil {
		return metering.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return metering.Account{
		AccountID:      accountID,
		Balance:        balance,
		Disabled:       model.Disabled,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(model LedgerTransaction) (metering.Transaction, error) {
	accountID, err := metering.NewAccountID(model.AccountID)
	if err != nil {
		return metering.Transaction{}, err
	}
	kind, err := metering.ParseTransactionKind(model.Kind)
	if err != nil {
		return metering.Transaction{}, err
	}
	amount, err := metering.NewChargeCredits(model.Amount)
	if err != nil {
		return metering.Transaction{}, err
	}
	resultingBalance, err := metering.NewCredits(model.ResultingBalance)
	if err != nil {
		return metering.Transaction{}, err
	}
	reason, err := metering.ParseTransactionReason(model.Reason)
	if err != nil {
		return metering.Transaction{}, err
	}
	metadata, err := metering.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return metering.Transaction{}, err
	}
	return metering.Transaction{
		TransactionID:    model.TransactionID,
		AccountID:        accountID,
		Kind:             kind,
		Amount:           amount,
		ResultingBalance: resultingBalance,
		Reason:           reason,
		Metadata:         metadata,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func mapEntitlement(model Entitlement) (metering.Entitlement, error) {
	accountID, err := metering.NewAccountID(model.AccountID)
	if err != nil {
		return metering.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	operation, err := metering.NewOperationName(model.Operation)
	if err != nil {
		return metering.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	status, err := metering.ParseEntitlementStatus(model.Status)
	if err != nil {
		return metering.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	return metering.Entitlement{
		AccountID:       accountID,
		Operation:       operation,
		Status:          status,
		UsageCount:      model.UsageCount,
		UsageCeiling:    model.UsageCeiling,
		LastUsedUnixUTC: timeOrZero(model.LastUsedAt),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// classify tags connection drops, serialization failures, and lock contention
// as transient so the ledger's bounded retry picks them up.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions; class 40: transaction rollback
		// (serialization failure, deadlock detected).
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "40") {
			return metering.MarkTransient(err)
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		if primary == sqliteBusyCode || primary == sqliteLockedCode {
			return metering.MarkTransient(err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return metering.MarkTransient(err)
	}
	return err
}

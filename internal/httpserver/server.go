package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/swaroopai/metergate/internal/docproc"
	"github.com/swaroopai/metergate/pkg/metering"
	"go.uber.org/zap"
)

const welcomeOperation = "swaroop-welcome"

// Server is the HTTP façade over the metering core.
type Server struct {
	cfg         Config
	logger      *zap.Logger
	ledger      *metering.Ledger
	registry    *metering.Registry
	coordinator *metering.Coordinator
	usage       *metering.UsageReporter
	hub         *metering.Hub
	catalog     *metering.Catalog
	processor   *docproc.Client
}

// New wires a Server.
func New(cfg Config, logger *zap.Logger, ledger *metering.Ledger, registry *metering.Registry, coordinator *metering.Coordinator, usage *metering.UsageReporter, hub *metering.Hub, catalog *metering.Catalog, processor *docproc.Client) (*Server, error) {
	if logger == nil || ledger == nil || registry == nil || coordinator == nil || usage == nil || hub == nil || catalog == nil || processor == nil {
		return nil, fmt.Errorf("httpserver: missing dependency")
	}
	return &Server{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		ledger:      ledger,
		registry:    registry,
		coordinator: coordinator,
		usage:       usage,
		hub:         hub,
		catalog:     catalog,
		processor:   processor,
	}, nil
}

// Router builds the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.MaxMultipartMemory = server.cfg.MaxUploadBytes

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(authMiddleware(server.cfg.JWTSigningKey, server.cfg.JWTIssuer))

	api.POST("/bootstrap", server.handleBootstrap)
	api.GET("/balance", server.handleBalance)
	api.GET("/transactions", server.handleTransactions)
	api.POST("/purchases", server.handlePurchase)
	api.POST("/subscriptions/:operation", server.handleSubscribe)
	api.DELETE("/subscriptions/:operation", server.handleUnsubscribe)
	api.GET("/analytics", server.handleAnalytics)
	api.GET("/operations", server.handleOperations)
	api.GET("/events", server.handleEvents)
	api.POST("/call/:operation", server.handleMeteredCall)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gateway listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) handleBootstrap(ctx *gin.Context) {
	accountID, err := accountFromContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	grant, err := metering.NewCredits(server.cfg.StartingGrant)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "invalid starting grant"))
		return
	}
	account, err := server.ledger.EnsureAccount(ctx.Request.Context(), accountID, grant)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id": account.AccountID.String(),
		"balance":    account.Balance.Int64(),
	})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, err := accountFromContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	balance, err := server.ledger.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance.Int64()})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	accountID, err := accountFromContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}

	var filter metering.TransactionFilter
	if rawKind := ctx.Query("kind"); rawKind != "" {
		kind, parseError := metering.ParseTransactionKind(rawKind)
		if parseError != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", "kind must be CREDIT or DEBIT"))
			return
		}
		filter.Kind = &kind
	}
	filter.FromUnixUTC = queryInt64(ctx, "from", 0)
	filter.UntilUnixUTC = queryInt64(ctx, "until", 0)
	page := int(queryInt64(ctx, "page", 1))
	pageSize := int(queryInt64(ctx, "page_size", 0))
	order, err := metering.ParseSortOrder(ctx.Query("sort"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_sort", "sort must be asc or desc"))
		return
	}

	listing, err := server.ledger.ListTransactions(ctx.Request.Context(), accountID, filter, page, pageSize, order)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	items := make([]transactionPayload, 0, len(listing.Items))
	for _, record := range listing.Items {
		items = append(items, mapTransactionPayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"items": items, "total": listing.Total})
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	accountID, err := accountFromContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := metering.NewChargeCredits(request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", "credits must be a positive integer"))
		return
	}
	// Settlement happens upstream of this core; by the time the request gets
	// here the credits are trusted.
	metadata, err := metering.NewMetadataJSON(fmt.Sprintf(`{"order_id":%q}`, "ORDER_"+uuid.NewString()))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "metadata build failed"))
		return
	}
	newBalance, err := server.ledger.Credit(ctx.Request.Context(), accountID, amount, metering.ReasonPurchase, metadata)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	server.hub.Notify(accountID, metering.BalanceEvent(newBalance, metering.TransactionCredit, amount, metering.ReasonPurchase, metering.OperationName{}))
	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"balance": newBalance.Int64(),
	})
}

func (server *Server) handleSubscribe(ctx *gin.Context) {
	server.handleEntitlementChange(ctx, true)
}

func (server *Server) handleUnsubscribe(ctx *gin.Context) {
	server.handleEntitlementChange(ctx, false)
}

func (server *Server) handleEntitlementChange(ctx *gin.Context, subscribe bool) {
	accountID, err := accountFromContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	operation, err := metering.NewOperationName(ctx.Param("operation"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_operation", "operation name is required"))
		return
	}
	var entitlement metering.Entitlement
	if subscribe {
		entitlement, err = server.registry.Subscribe(ctx.Request.Context(), accountID, operation)
	} else {
		entitlement, err = server.registry.Unsubscribe(ctx.Request.Context(), accountID, operation)
	}
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"operation":     entitlement.Operation.String(),
		"status":        entitlement.Status.String(),
		"usage_count":   entitlement.UsageCount,
		"usage_ceiling": entitlement.UsageCeiling,
	})
}

func (server *Server) handleAnalytics(ctx *gin.Context) {
	accountID, err := accountFromContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	since, err := sinceFromRange(ctx.DefaultQuery("time_range", "7d"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_time_range", "time_range must be one of 24h, 7d, 30d, 90d"))
		return
	}
	summary, err := server.usage.Summarize(ctx.Request.Context(), accountID, since)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	perOperation := make([]operationUsagePayload, 0, len(summary.PerOperation))
	for _, operationUsage := range summary.PerOperation {
		perOperation = append(perOperation, operationUsagePayload{
			Operation:        operationUsage.Operation.String(),
			TotalCalls:       operationUsage.TotalCalls,
			TotalCreditsUsed: operationUsage.TotalCreditsUsed.Int64(),
			AverageLatencyMS: operationUsage.AverageLatencyMS,
			SuccessRate:      operationUsage.SuccessRate,
			LastUsedUnixUTC:  operationUsage.LastUsedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total_calls":        summary.TotalCalls,
		"total_credits_used": summary.TotalCreditsUsed.Int64(),
		"average_latency_ms": summary.AverageLatencyMS,
		"success_rate":       summary.SuccessRate,
		"operations":         perOperation,
	})
}

func (server *Server) handleOperations(ctx *gin.Context) {
	names := server.catalog.Operations()
	sort.Slice(names, func(left, right int) bool {
		return names[left].String() < names[right].String()
	})
	operations := make([]operationPayload, 0, len(names))
	for _, name := range names {
		spec := server.catalog.Lookup(name)
		operations = append(operations, operationPayload{
			Operation:       name.String(),
			Cost:            spec.Cost.Int64(),
			EntitlementFree: spec.EntitlementFree,
			UsageCeiling:    spec.UsageCeiling,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"operations": operations})
}

func (server *Server) handleEvents(ctx *gin.Context) {
	accountID, err := accountFromContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	events, cancel := server.hub.Subscribe(accountID)
	defer cancel()

	ctx.Writer.Header().Set("Cache-Control", "no-cache")
	ctx.Writer.Header().Set("Connection", "keep-alive")
	ctx.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-events:
			if !open {
				return false
			}
			ctx.SSEvent(string(event.Type), event)
			return true
		case <-ctx.Request.Context().Done():
			return false
		}
	})
}

func (server *Server) handleMeteredCall(ctx *gin.Context) {
	accountID, err := accountFromContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	operation, err := metering.NewOperationName(ctx.Param("operation"))
	if err != nil || !server.catalog.Known(operation) {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_operation", "no such metered operation"))
		return
	}

	perform, err := server.buildPerform(ctx, accountID, operation)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	charge, err := server.coordinator.AdmitAndCharge(ctx.Request.Context(), accountID, operation, perform)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}

	if charge.Result.Artifact != nil {
		ctx.Header("X-Credits-Remaining", strconv.FormatInt(charge.NewBalance.Int64(), 10))
		ctx.Data(http.StatusOK, charge.Result.ContentType, charge.Result.Artifact)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":           true,
		"data":              charge.Result.JSON,
		"credits_charged":   charge.CreditsCharged.Int64(),
		"credits_remaining": charge.NewBalance.Int64(),
	})
}

// buildPerform resolves how the external work runs: the trial greeting is
// served locally, everything else forwards the uploaded document upstream.
func (server *Server) buildPerform(ctx *gin.Context, accountID metering.AccountID, operation metering.OperationName) (metering.PerformFunc, error) {
	if operation.String() == welcomeOperation {
		return func(context.Context) (metering.ExternalResult, error) {
			return metering.ExternalResult{
				StatusCode:  http.StatusOK,
				ContentType: "application/json",
				JSON: map[string]any{
					"message":    "Welcome to the Swaroop document API!",
					"account_id": accountID.String(),
					"timestamp":  time.Now().UTC().Format(time.RFC3339),
				},
			}, nil
		}, nil
	}

	fileHeader, err := ctx.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("no image file provided")
	}
	if fileHeader.Size > server.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("image exceeds the %d byte limit", server.cfg.MaxUploadBytes)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("unreadable image upload")
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, server.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("unreadable image upload")
	}
	if int64(len(content)) > server.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("image exceeds the %d byte limit", server.cfg.MaxUploadBytes)
	}

	document := docproc.Document{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Content:     content,
	}
	return func(performCtx context.Context) (metering.ExternalResult, error) {
		return server.processor.Process(performCtx, operation, document)
	}, nil
}

func (server *Server) respondDomainError(ctx *gin.Context, err error) {
	var insufficientError metering.InsufficientCreditsError
	if errors.As(err, &insufficientError) {
		ctx.JSON(http.StatusForbidden, gin.H{
			"error": gin.H{
				"code":     "insufficient_credits",
				"message":  fmt.Sprintf("Insufficient credits. This operation requires %d credits.", insufficientError.Required.Int64()),
				"required": insufficientError.Required.Int64(),
				"balance":  insufficientError.Balance.Int64(),
			},
		})
		return
	}
	var externalError metering.ExternalError
	if errors.As(err, &externalError) {
		ctx.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{
				"code":            "external_operation_failed",
				"message":         externalError.Message,
				"upstream_status": externalError.StatusCode,
			},
		})
		return
	}
	switch {
	case errors.Is(err, metering.ErrNotEntitled):
		ctx.JSON(http.StatusForbidden, errorResponse("subscription_required", "Please subscribe to this operation first"))
	case errors.Is(err, metering.ErrLimitExceeded):
		ctx.JSON(http.StatusTooManyRequests, errorResponse("limit_exceeded", "Usage limit exceeded for the current subscription"))
	case errors.Is(err, metering.ErrEntitlementExists):
		ctx.JSON(http.StatusConflict, errorResponse("already_subscribed", "Subscription is already active"))
	case errors.Is(err, metering.ErrCommitFailed):
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_incomplete", "The operation could not be billed and is treated as not having happened"))
	case errors.Is(err, metering.ErrUnknownAccount):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_account", "Account does not exist; call bootstrap first"))
	case errors.Is(err, metering.ErrAccountDisabled):
		ctx.JSON(http.StatusForbidden, errorResponse("account_disabled", "Account is disabled"))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal server error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func queryInt64(ctx *gin.Context, name string, fallback int64) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func sinceFromRange(timeRange string) (int64, error) {
	var window time.Duration
	switch timeRange {
	case "24h":
		window = 24 * time.Hour
	case "7d":
		window = 7 * 24 * time.Hour
	case "30d":
		window = 30 * 24 * time.Hour
	case "90d":
		window = 90 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown time range %q", timeRange)
	}
	return time.Now().UTC().Add(-window).Unix(), nil
}

type purchaseRequest struct {
	Credits int64 `json:"credits"`
}

type transactionPayload struct {
	TransactionID    string `json:"transaction_id"`
	Kind             string `json:"kind"`
	Amount           int64  `json:"amount"`
	ResultingBalance int64  `json:"resulting_balance"`
	Reason           string `json:"reason"`
	Metadata         string `json:"metadata"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}

func mapTransactionPayload(record metering.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:    record.TransactionID,
		Kind:             record.Kind.String(),
		Amount:           record.Amount.Int64(),
		ResultingBalance: record.ResultingBalance.Int64(),
		Reason:           record.Reason.String(),
		Metadata:         record.Metadata.String(),
		CreatedUnixUTC:   record.CreatedUnixUTC,
	}
}

type operationPayload struct {
	Operation       string `json:"operation"`
	Cost            int64  `json:"cost"`
	EntitlementFree bool   `json:"entitlement_free"`
	UsageCeiling    int64  `json:"usage_ceiling,omitempty"`
}

type operationUsagePayload struct {
	Operation        string  `json:"operation"`
	TotalCalls       int64   `json:"total_calls"`
	TotalCreditsUsed int64   `json:"total_credits_used"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	SuccessRate      float64 `json:"success_rate"`
	LastUsedUnixUTC  int64   `json:"last_used_unix_utc"`
}

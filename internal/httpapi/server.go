package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/aicredit/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidPayload       = "invalid_payload"
	errorCodeInvalidUserID        = "invalid_user_id"
	errorCodeInvalidTraceID       = "invalid_trace_id"
	errorCodeInvalidAmount        = "invalid_credit_amount"
	errorCodeInvalidUsageUnits    = "invalid_usage_units"
	errorCodeInvalidMetadata      = "invalid_metadata_json"
	errorCodeInsufficientBalance  = "insufficient_balance"
	errorCodeDuplicateReservation = "duplicate_reservation"
	errorCodeUnknownReservation   = "unknown_reservation"
	errorCodeUnknownModelRate     = "unknown_model_rate"
	errorCodeConflictRetryBudget  = "conflict_retry_exhausted"
	errorCodeLedgerError          = "ledger_error"
)

// Ledger is the subset of the credit service the facade exposes.
type Ledger interface {
	DeductCredits(ctx context.Context, userID credits.UserID, amount credits.CreditAmount) error
	AddCredits(ctx context.Context, userID credits.UserID, amount int64, reason string) error
	PreDeduct(ctx context.Context, traceID credits.TraceID, userID credits.UserID, estimatedCost credits.CreditAmount, provider string, modelID string, featureType string, metadata credits.MetadataJSON) (credits.PreDeductResult, error)
	Adjust(ctx context.Context, traceID credits.TraceID, actualInputUnits int64, actualOutputUnits int64) (credits.AdjustResult, error)
	Refund(ctx context.Context, traceID credits.TraceID) error
	GetBalance(ctx context.Context, userID credits.UserID) (credits.Account, error)
	GetReservation(ctx context.Context, traceID credits.TraceID) (credits.ReservationRecord, error)
}

// RewardQueue is the best-effort lane the facade forwards reward grants to.
type RewardQueue interface {
	Queue(userID credits.UserID, amount int64, reason string) bool
	PendingSnapshot() map[string]int64
}

// Server wires the gin router over the ledger and reward queue.
type Server struct {
	logger  *zap.Logger
	ledger  Ledger
	rewards RewardQueue
	cfg     Config
}

// NewServer constructs a Server; rewards may be nil when the batched lane is
// disabled.
func NewServer(logger *zap.Logger, ledger Ledger, rewards RewardQueue, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, ledger: ledger, rewards: rewards, cfg: cfg}, nil
}

// Router builds the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/accounts/:user_id/balance", server.handleBalance)
	api.POST("/credits/deduct", server.handleDeduct)
	api.POST("/credits/add", server.handleAdd)
	api.POST("/reservations", server.handlePreDeduct)
	api.GET("/reservations/:trace_id", server.handleGetReservation)
	api.POST("/reservations/:trace_id/adjust", server.handleAdjust)
	api.POST("/reservations/:trace_id/refund", server.handleRefund)
	api.POST("/rewards", server.handleQueueReward)
	api.GET("/rewards/pending", server.handlePendingRewards)

	return router
}

// Run serves the router until ctx is cancelled, then drains connections.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("credit api listening", zap.String("addr", server.cfg.ListenAddr))
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

type deductRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type addRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type preDeductRequest struct {
	TraceID       string `json:"trace_id"`
	UserID        string `json:"user_id"`
	EstimatedCost int64  `json:"estimated_cost"`
	Provider      string `json:"provider"`
	ModelID       string `json:"model_id"`
	FeatureType   string `json:"feature_type"`
	Metadata      string `json:"metadata"`
}

type adjustRequest struct {
	InputUnits  int64 `json:"input_units"`
	OutputUnits int64 `json:"output_units"`
}

type rewardRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	account, err := server.ledger.GetBalance(requestCtx, userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":                account.UserID,
		"credit_balance":         account.CreditBalance,
		"total_credits_consumed": account.TotalCreditsConsumed,
	})
}

func (server *Server) handleDeduct(ctx *gin.Context) {
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	if err := server.ledger.DeductCredits(requestCtx, userID, amount); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handleAdd(ctx *gin.Context) {
	var request addRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	if err := server.ledger.AddCredits(requestCtx, userID, request.Amount, request.Reason); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handlePreDeduct(ctx *gin.Context) {
	var request preDeductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	if request.TraceID == "" {
		request.TraceID = uuid.NewString()
	}
	traceID, err := credits.NewTraceID(request.TraceID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	estimatedCost, err := credits.NewCreditAmount(request.EstimatedCost)
	if err != nil {
		respondError(ctx, err)
		return
	}
	metadata, err := credits.NewMetadataJSON(request.Metadata)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	result, err := server.ledger.PreDeduct(requestCtx, traceID, userID, estimatedCost, request.Provider, request.ModelID, request.FeatureType, metadata)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"trace_id":          result.TraceID,
		"remaining_balance": result.RemainingBalance,
	})
}

func (server *Server) handleGetReservation(ctx *gin.Context) {
	traceID, err := credits.NewTraceID(ctx.Param("trace_id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	record, err := server.ledger.GetReservation(requestCtx, traceID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, reservationPayload(record))
}

func (server *Server) handleAdjust(ctx *gin.Context) {
	traceID, err := credits.NewTraceID(ctx.Param("trace_id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	result, err := server.ledger.Adjust(requestCtx, traceID, request.InputUnits, request.OutputUnits)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"kind":              result.Kind.String(),
		"reserved_amount":   result.ReservedAmount,
		"settled_cost":      result.SettledCost,
		"adjustment_amount": result.AdjustmentAmount,
		"outstanding_debt":  result.OutstandingDebt,
	})
}

func (server *Server) handleRefund(ctx *gin.Context) {
	traceID, err := credits.NewTraceID(ctx.Param("trace_id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	if err := server.ledger.Refund(requestCtx, traceID); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"refunded": true})
}

func (server *Server) handleQueueReward(ctx *gin.Context) {
	if server.rewards == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeLedgerError, "reward queue disabled"))
		return
	}
	var request rewardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	if request.Amount <= 0 {
		respondError(ctx, credits.ErrInvalidCreditAmount)
		return
	}
	accepted := server.rewards.Queue(userID, request.Amount, request.Reason)
	status := http.StatusAccepted
	if !accepted {
		status = http.StatusTooManyRequests
	}
	ctx.JSON(status, gin.H{"accepted": accepted})
}

func (server *Server) handlePendingRewards(ctx *gin.Context) {
	if server.rewards == nil {
		ctx.JSON(http.StatusOK, gin.H{"pending": gin.H{}})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"pending": server.rewards.PendingSnapshot()})
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func reservationPayload(record credits.ReservationRecord) gin.H {
	payload := gin.H{
		"trace_id":         record.TraceID,
		"user_id":          record.UserID,
		"reserved_amount":  record.ReservedAmount,
		"provider":         record.Provider,
		"model_id":         record.ModelID,
		"feature_type":     record.FeatureType,
		"status":           record.Status.String(),
		"outstanding_debt": record.OutstandingDebt,
		"created_unix_utc": record.CreatedUnixUTC,
	}
	if record.SettledCost != nil {
		payload["settled_cost"] = *record.SettledCost
	}
	if record.AdjustmentAmount != nil {
		payload["adjustment_amount"] = *record.AdjustmentAmount
	}
	if record.AdjustmentKind != nil {
		payload["adjustment_kind"] = record.AdjustmentKind.String()
	}
	if record.SettledUnixUTC != 0 {
		payload["settled_unix_utc"] = record.SettledUnixUTC
	}
	return payload
}

func respondError(ctx *gin.Context, err error) {
	var insufficientError credits.InsufficientBalanceError
	if errors.As(err, &insufficientError) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":      errorCodeInsufficientBalance,
				"message":   insufficientError.Error(),
				"balance":   insufficientError.Balance,
				"shortfall": insufficientError.Shortfall(),
			},
		})
		return
	}
	status, code := mapToHTTPError(err)
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func mapToHTTPError(source error) (int, string) {
	switch {
	case errors.Is(source, credits.ErrInvalidUserID):
		return http.StatusBadRequest, errorCodeInvalidUserID
	case errors.Is(source, credits.ErrInvalidTraceID):
		return http.StatusBadRequest, errorCodeInvalidTraceID
	case errors.Is(source, credits.ErrInvalidCreditAmount):
		return http.StatusBadRequest, errorCodeInvalidAmount
	case errors.Is(source, credits.ErrInvalidUsageUnits):
		return http.StatusBadRequest, errorCodeInvalidUsageUnits
	case errors.Is(source, credits.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, errorCodeInvalidMetadata
	case errors.Is(source, credits.ErrInsufficientBalance):
		return http.StatusConflict, errorCodeInsufficientBalance
	case errors.Is(source, credits.ErrDuplicateReservation):
		return http.StatusConflict, errorCodeDuplicateReservation
	case errors.Is(source, credits.ErrUnknownReservation):
		return http.StatusNotFound, errorCodeUnknownReservation
	case errors.Is(source, credits.ErrUnknownModelRate):
		return http.StatusUnprocessableEntity, errorCodeUnknownModelRate
	case errors.Is(source, credits.ErrTransientConflict):
		return http.StatusServiceUnavailable, errorCodeConflictRetryBudget
	}
	return http.StatusInternalServerError, errorCodeLedgerError
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// Package httpapi exposes the wallet ledger over HTTP for studio staff tooling.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey       = "auth_claims"
	idempotencyKeyHeader   = "Idempotency-Key"
	referenceTypePurchase  = "purchase"
	referenceTypeBooking   = "booking"
	defaultRequestTimeout  = 5 * time.Second
	retryAfterSeconds      = "1"
	headerRetryAfter       = "Retry-After"
	queryParameterBefore   = "before"
	queryParameterLimit    = "limit"
	pathParameterStudioID  = "studioID"
	pathParameterClientID  = "clientID"
	pathParameterWalletID  = "walletID"
	errorCodeUnauthorized  = "unauthorized"
	errorCodeInvalidInput  = "invalid_request"
	errorMessageNoSession  = "missing session"
	errorMessageBadPayload = "expected JSON body"
)

// Config controls the HTTP surface.
type Config struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

type httpHandler struct {
	logger  *zap.Logger
	service *ledger.Service
	cfg     Config
}

// NewRouter builds the gin engine serving health, metrics, and the wallet API.
// Every /api route requires a valid session.
func NewRouter(cfg Config, service *ledger.Service, validator *sessionvalidator.Validator, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	handler := &httpHandler{logger: logger, service: service, cfg: cfg}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	handler.registerRoutes(api)
	return router
}

func (handler *httpHandler) registerRoutes(api *gin.RouterGroup) {
	api.GET("/studios/:studioID/wallets", handler.handleListWallets)
	api.POST("/studios/:studioID/clients/:clientID/wallet", handler.handleProvisionWallet)
	api.GET("/studios/:studioID/clients/:clientID/balance", handler.handleBalance)

	api.GET("/wallets/:walletID/transactions", handler.handleListTransactions)
	api.GET("/wallets/:walletID/reconcile", handler.handleReconcile)
	api.POST("/wallets/:walletID/purchases", handler.handlePurchase)
	api.POST("/wallets/:walletID/bookings", handler.handleBooking)
	api.POST("/wallets/:walletID/refunds", handler.handleRefund)
	api.POST("/wallets/:walletID/adjustments", handler.handleAdjustment)
	api.POST("/wallets/:walletID/expirations", handler.handleExpiration)
}

func (handler *httpHandler) handleListWallets(ctx *gin.Context) {
	studioID, err := ledger.NewStudioID(ctx.Param(pathParameterStudioID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallets, err := handler.service.ListWalletsByStudio(requestCtx, studioID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]walletPayload, 0, len(wallets))
	for _, wallet := range wallets {
		payload = append(payload, newWalletPayload(wallet))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallets": payload})
}

func (handler *httpHandler) handleProvisionWallet(ctx *gin.Context) {
	studioID, clientID, ok := handler.studioClient(ctx)
	if !ok {
		return
	}
	var request provisionRequest
	if !bindOptionalJSON(ctx, &request) {
		return
	}
	var creditsType ledger.CreditsType
	if request.CreditsType != "" {
		parsed, err := ledger.NewCreditsType(request.CreditsType)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		creditsType = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.service.GetOrCreateWallet(requestCtx, clientID, studioID, creditsType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	studioID, clientID, ok := handler.studioClient(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.GetBalance(requestCtx, clientID, studioID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"studio_id": studioID.String(),
		"client_id": clientID.String(),
		"balance":   balance.StringFixed(ledger.CreditsScale),
	})
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	walletID, ok := handler.walletID(ctx)
	if !ok {
		return
	}
	before, err := parseIntQuery(ctx, queryParameterBefore)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidInput, "before must be an integer"))
		return
	}
	limit, err := parseIntQuery(ctx, queryParameterLimit)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidInput, "limit must be an integer"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.service.ListTransactions(requestCtx, walletID, before, int(limit))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	response := gin.H{"transactions": payload}
	if count := len(transactions); count > 0 && transactions[count-1].Sequence > 1 {
		response["next_before"] = transactions[count-1].Sequence
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	walletID, ok := handler.walletID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.service.Reconcile(requestCtx, walletID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newReconciliationPayload(report))
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	handler.handlePositiveOperation(ctx, referenceTypePurchase, handler.service.Credit)
}

func (handler *httpHandler) handleBooking(ctx *gin.Context) {
	handler.handlePositiveOperation(ctx, referenceTypeBooking, handler.service.Debit)
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	handler.handlePositiveOperation(ctx, "", handler.service.Refund)
}

func (handler *httpHandler) handleExpiration(ctx *gin.Context) {
	handler.handlePositiveOperation(ctx, "", handler.service.Expire)
}

type positiveOperation func(context.Context, ledger.OperationRequest, ledger.PositiveCredits) (ledger.Result, error)

func (handler *httpHandler) handlePositiveOperation(ctx *gin.Context, defaultReferenceType string, operation positiveOperation) {
	request, payload, ok := handler.operationRequest(ctx, defaultReferenceType)
	if !ok {
		return
	}
	amount, err := ledger.NewPositiveCredits(payload.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := operation(requestCtx, request, amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	respondResult(ctx, result)
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	request, payload, ok := handler.operationRequest(ctx, "")
	if !ok {
		return
	}
	delta, err := ledger.NewCreditsDelta(payload.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Adjust(requestCtx, request, delta)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	respondResult(ctx, result)
}

// operationRequest binds the shared mutation payload. The session user becomes the actor.
func (handler *httpHandler) operationRequest(ctx *gin.Context, defaultReferenceType string) (ledger.OperationRequest, operationPayload, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, errorMessageNoSession))
		return ledger.OperationRequest{}, operationPayload{}, false
	}
	walletID, ok := handler.walletID(ctx)
	if !ok {
		return ledger.OperationRequest{}, operationPayload{}, false
	}
	var payload operationPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidInput, errorMessageBadPayload))
		return ledger.OperationRequest{}, operationPayload{}, false
	}
	request, err := payload.toRequest(walletID, claims.GetUserID(), ctx.GetHeader(idempotencyKeyHeader), defaultReferenceType)
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.OperationRequest{}, operationPayload{}, false
	}
	return request, payload, true
}

func (handler *httpHandler) studioClient(ctx *gin.Context) (ledger.StudioID, ledger.ClientID, bool) {
	studioID, err := ledger.NewStudioID(ctx.Param(pathParameterStudioID))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.StudioID{}, ledger.ClientID{}, false
	}
	clientID, err := ledger.NewClientID(ctx.Param(pathParameterClientID))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.StudioID{}, ledger.ClientID{}, false
	}
	return studioID, clientID, true
}

func (handler *httpHandler) walletID(ctx *gin.Context) (ledger.WalletID, bool) {
	walletID, err := ledger.NewWalletID(ctx.Param(pathParameterWalletID))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.WalletID{}, false
	}
	return walletID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	mapped := mapError(err)
	switch {
	case mapped.status >= http.StatusInternalServerError:
		handler.logger.Error("wallet request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	default:
		handler.logger.Debug("wallet request rejected", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	if mapped.retryable {
		ctx.Header(headerRetryAfter, retryAfterSeconds)
	}
	ctx.JSON(mapped.status, errorResponse(mapped.code, mapped.message))
}

func respondResult(ctx *gin.Context, result ledger.Result) {
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	ctx.JSON(status, gin.H{
		"wallet":      newWalletPayload(result.Wallet),
		"transaction": newTransactionPayload(result.Transaction),
		"replayed":    result.Replayed,
	})
}

func bindOptionalJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidInput, errorMessageBadPayload))
		return false
	}
	return true
}

func parseIntQuery(ctx *gin.Context, name string) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

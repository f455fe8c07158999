package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditwallet/internal/telemetry"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSigningKey   = "secret-key"
	testIssuer       = "tauth"
	testCookieName   = "app_session"
	testUserID       = "front-desk-1"
	testStudioID     = "studio-1"
	testClientID     = "client-1"
	contentTypeJSON  = "application/json"
	headerContentTyp = "Content-Type"
)

type testServer struct {
	server *httptest.Server
	cookie *http.Cookie
}

func newTestServer(test *testing.T) *testServer {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "wallets.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	sqlDB, err := database.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := gormstore.New(database)
	require.NoError(test, store.AutoMigrate(context.Background()))

	registry := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(registry)
	require.NoError(test, err)
	service, err := ledger.NewService(store, time.Now, ledger.WithOperationLogger(metrics))
	require.NoError(test, err)

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(testSigningKey),
		Issuer:     testIssuer,
		CookieName: testCookieName,
	})
	require.NoError(test, err)

	router := NewRouter(Config{AllowedOrigins: []string{"http://localhost:8000"}, RequestTimeout: 2 * time.Second}, service, validator, registry, zap.NewNop())
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)
	return &testServer{server: server, cookie: buildSessionCookie(test)}
}

func buildSessionCookie(test *testing.T) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          testUserID,
		UserEmail:       "desk@example.com",
		UserDisplayName: "Front Desk",
		UserRoles:       []string{"staff"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(test, err)
	return &http.Cookie{Name: testCookieName, Value: signed}
}

func (server *testServer) do(test *testing.T, method string, path string, payload any, headers map[string]string) (int, map[string]any) {
	test.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(test, err)
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, server.server.URL+path, body)
	require.NoError(test, err)
	if payload != nil {
		request.Header.Set(headerContentTyp, contentTypeJSON)
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	if server.cookie != nil {
		request.AddCookie(server.cookie)
	}
	response, err := server.server.Client().Do(request)
	require.NoError(test, err)
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	require.NoError(test, err)
	decoded := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(response.Header.Get(headerContentTyp), contentTypeJSON) {
		require.NoError(test, json.Unmarshal(raw, &decoded), string(raw))
	}
	return response.StatusCode, decoded
}

func nested(test *testing.T, payload map[string]any, keys ...string) any {
	test.Helper()
	var current any = payload
	for _, key := range keys {
		object, ok := current.(map[string]any)
		require.True(test, ok, "expected object at %q in %v", key, payload)
		current = object[key]
	}
	return current
}

func (server *testServer) provision(test *testing.T) string {
	test.Helper()
	status, body := server.do(test, http.MethodPost, fmt.Sprintf("/api/studios/%s/clients/%s/wallet", testStudioID, testClientID), nil, nil)
	require.Equal(test, http.StatusOK, status, body)
	return nested(test, body, "wallet", "id").(string)
}

func TestWalletLifecycleOverHTTP(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	walletID := server.provision(test)
	walletPath := "/api/wallets/" + walletID

	status, body := server.do(test, http.MethodPost, walletPath+"/purchases", map[string]any{
		"amount":       "10",
		"description":  "10 hour package",
		"reference_id": "pur_1",
		"metadata":     map[string]any{"package": "10-pack"},
	}, map[string]string{idempotencyKeyHeader: "purchase:pur_1"})
	require.Equal(test, http.StatusCreated, status, body)
	require.Equal(test, "10.0000", nested(test, body, "wallet", "credits_balance"))
	require.Equal(test, "purchase", nested(test, body, "transaction", "reference_type"))
	require.Equal(test, testUserID, nested(test, body, "transaction", "created_by"))

	status, body = server.do(test, http.MethodPost, walletPath+"/purchases", map[string]any{"amount": "10", "reference_id": "pur_1"},
		map[string]string{idempotencyKeyHeader: "purchase:pur_1"})
	require.Equal(test, http.StatusOK, status, body)
	require.Equal(test, true, nested(test, body, "replayed"))
	require.Equal(test, "10.0000", nested(test, body, "wallet", "credits_balance"))

	status, body = server.do(test, http.MethodPost, walletPath+"/bookings", map[string]any{"amount": 7, "reference_id": "bk_1"}, nil)
	require.Equal(test, http.StatusCreated, status, body)
	require.Equal(test, "3.0000", nested(test, body, "wallet", "credits_balance"))

	status, body = server.do(test, http.MethodPost, walletPath+"/bookings", map[string]any{"amount": 7, "reference_id": "bk_2"}, nil)
	require.Equal(test, http.StatusConflict, status, body)
	require.Equal(test, "insufficient_credits", nested(test, body, "error", "code"))
	require.Equal(test, "not enough credits", nested(test, body, "error", "message"))

	status, body = server.do(test, http.MethodPost, walletPath+"/refunds", map[string]any{"amount": "2", "reference_type": "booking", "reference_id": "bk_1"}, nil)
	require.Equal(test, http.StatusCreated, status, body)
	require.Equal(test, "5.0000", nested(test, body, "wallet", "credits_balance"))

	status, body = server.do(test, http.MethodPost, walletPath+"/adjustments", map[string]any{"amount": "-1.5", "description": "miscount"}, nil)
	require.Equal(test, http.StatusCreated, status, body)
	require.Equal(test, "3.5000", nested(test, body, "wallet", "credits_balance"))
	require.Equal(test, testUserID, nested(test, body, "transaction", "created_by"))

	status, body = server.do(test, http.MethodPost, walletPath+"/adjustments", map[string]any{"amount": "-100"}, nil)
	require.Equal(test, http.StatusUnprocessableEntity, status, body)
	require.Equal(test, "negative_balance", nested(test, body, "error", "code"))

	status, body = server.do(test, http.MethodPost, walletPath+"/expirations", map[string]any{"amount": "100"}, nil)
	require.Equal(test, http.StatusCreated, status, body)
	require.Equal(test, "3.5000", nested(test, body, "transaction", "amount"))
	require.Equal(test, "0.0000", nested(test, body, "wallet", "credits_balance"))

	status, body = server.do(test, http.MethodGet, walletPath+"/transactions?limit=2", nil, nil)
	require.Equal(test, http.StatusOK, status, body)
	transactions := nested(test, body, "transactions").([]any)
	require.Len(test, transactions, 2)
	require.Equal(test, "expire", transactions[0].(map[string]any)["type"])
	require.Equal(test, float64(4), nested(test, body, "next_before"))

	status, body = server.do(test, http.MethodGet, walletPath+"/transactions?before=4", nil, nil)
	require.Equal(test, http.StatusOK, status, body)
	require.Len(test, nested(test, body, "transactions").([]any), 3)

	status, body = server.do(test, http.MethodGet, walletPath+"/reconcile", nil, nil)
	require.Equal(test, http.StatusOK, status, body)
	require.Equal(test, true, nested(test, body, "consistent"))
	require.Equal(test, float64(5), nested(test, body, "transaction_count"))

	status, body = server.do(test, http.MethodGet, fmt.Sprintf("/api/studios/%s/clients/%s/balance", testStudioID, testClientID), nil, nil)
	require.Equal(test, http.StatusOK, status, body)
	require.Equal(test, "0.0000", nested(test, body, "balance"))

	status, body = server.do(test, http.MethodGet, fmt.Sprintf("/api/studios/%s/wallets", testStudioID), nil, nil)
	require.Equal(test, http.StatusOK, status, body)
	require.Len(test, nested(test, body, "wallets").([]any), 1)

	response, err := server.server.Client().Get(server.server.URL + "/metrics")
	require.NoError(test, err)
	defer response.Body.Close()
	exposition, err := io.ReadAll(response.Body)
	require.NoError(test, err)
	require.Contains(test, string(exposition), `creditwallet_ledger_operations_total{operation="debit",status="rejected"} 1`)
}

func TestRequestValidation(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	walletID := server.provision(test)
	walletPath := "/api/wallets/" + walletID

	testCases := []struct {
		name       string
		method     string
		path       string
		payload    any
		wantStatus int
		wantCode   string
	}{
		{name: "missing amount", method: http.MethodPost, path: walletPath + "/purchases", payload: map[string]any{}, wantStatus: http.StatusBadRequest, wantCode: errorCodeInvalidInput},
		{name: "negative amount", method: http.MethodPost, path: walletPath + "/bookings", payload: map[string]any{"amount": "-1"}, wantStatus: http.StatusBadRequest, wantCode: errorCodeInvalidInput},
		{name: "too many decimals", method: http.MethodPost, path: walletPath + "/purchases", payload: map[string]any{"amount": "1.00001"}, wantStatus: http.StatusBadRequest, wantCode: errorCodeInvalidInput},
		{name: "zero adjustment", method: http.MethodPost, path: walletPath + "/adjustments", payload: map[string]any{"amount": "0"}, wantStatus: http.StatusBadRequest, wantCode: errorCodeInvalidInput},
		{name: "metadata not an object", method: http.MethodPost, path: walletPath + "/purchases", payload: map[string]any{"amount": "1", "metadata": []int{1}}, wantStatus: http.StatusBadRequest, wantCode: errorCodeInvalidInput},
		{name: "reference type without id", method: http.MethodPost, path: walletPath + "/refunds", payload: map[string]any{"amount": "1", "reference_type": "booking"}, wantStatus: http.StatusBadRequest, wantCode: errorCodeInvalidInput},
		{name: "unknown wallet", method: http.MethodPost, path: "/api/wallets/missing/purchases", payload: map[string]any{"amount": "1"}, wantStatus: http.StatusNotFound, wantCode: "wallet_not_found"},
		{name: "unknown wallet history", method: http.MethodGet, path: "/api/wallets/missing/transactions", wantStatus: http.StatusNotFound, wantCode: "wallet_not_found"},
		{name: "bad limit", method: http.MethodGet, path: walletPath + "/transactions?limit=ten", wantStatus: http.StatusBadRequest, wantCode: errorCodeInvalidInput},
		{name: "malformed body", method: http.MethodPost, path: walletPath + "/purchases", payload: "not json", wantStatus: http.StatusBadRequest, wantCode: errorCodeInvalidInput},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			status, body := server.do(test, testCase.method, testCase.path, testCase.payload, nil)
			require.Equal(test, testCase.wantStatus, status, body)
			require.Equal(test, testCase.wantCode, nested(test, body, "error", "code"))
		})
	}
}

func TestIdempotencyKeyReusedForOtherOperation(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	walletPath := "/api/wallets/" + server.provision(test)
	status, _ := server.do(test, http.MethodPost, walletPath+"/purchases", map[string]any{"amount": "5", "idempotency_key": "shared"}, nil)
	require.Equal(test, http.StatusCreated, status)
	status, body := server.do(test, http.MethodPost, walletPath+"/bookings", map[string]any{"amount": "1", "idempotency_key": "shared"}, nil)
	require.Equal(test, http.StatusConflict, status, body)
	require.Equal(test, "idempotency_key_reused", nested(test, body, "error", "code"))
}

func TestAPIRequiresSession(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	server.cookie = nil
	status, _ := server.do(test, http.MethodGet, fmt.Sprintf("/api/studios/%s/wallets", testStudioID), nil, nil)
	require.GreaterOrEqual(test, status, http.StatusBadRequest)
	require.Less(test, status, http.StatusInternalServerError)

	status, body := server.do(test, http.MethodGet, "/healthz", nil, nil)
	require.Equal(test, http.StatusOK, status)
	require.Equal(test, "ok", body["status"])
}

func TestMapError(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		retryable  bool
	}{
		{name: "insufficient", err: ledger.WrapError("debit", "balance", "insufficient", ledger.ErrInsufficientBalance), wantStatus: http.StatusConflict},
		{name: "negative", err: ledger.ErrNegativeBalanceRejected, wantStatus: http.StatusUnprocessableEntity},
		{name: "actor", err: ledger.ErrMissingActor, wantStatus: http.StatusUnauthorized},
		{name: "not found", err: ledger.ErrWalletNotFound, wantStatus: http.StatusNotFound},
		{name: "stale version", err: ledger.WrapError("expire", "wallet", "stale", ledger.ErrWalletChanged), wantStatus: http.StatusConflict},
		{name: "conflict", err: fmt.Errorf("store: %w", ledger.ErrConcurrencyConflict), wantStatus: http.StatusServiceUnavailable, retryable: true},
		{name: "invalid", err: ledger.ErrInvalidMetadataJSON, wantStatus: http.StatusBadRequest},
		{name: "other", err: io.ErrUnexpectedEOF, wantStatus: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			mapped := mapError(testCase.err)
			require.Equal(test, testCase.wantStatus, mapped.status)
			require.Equal(test, testCase.retryable, mapped.retryable)
		})
	}
}

package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/richxcame/visitguard/pkg/jwtkeys"
	"github.com/richxcame/visitguard/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "handler-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Fields map[string]string `json:"fields"`
}

func token(t *testing.T, role string) string {
	t.Helper()
	claims := middleware.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "caller-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func newRouter(svc *Service) *gin.Engine {
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r, jwtkeys.NewStaticProvider(testJWTSecret))
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, role string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func verifyBody(nonce string) map[string]interface{} {
	return map[string]interface{}{
		"clientId":  "client-1",
		"branchId":  "branch-1",
		"deviceId":  "device-1",
		"qrContent": "q8Zr2LmX9vT4bNc7-" + nonce,
		"nonceCode": nonce,
		"location":  map[string]interface{}{"latitude": 52.52, "longitude": 13.405, "accuracyMeters": 8},
		"device":    map[string]interface{}{"model": "Pixel 8", "osVersion": "14"},
	}
}

// ========================================
// CLAIMS
// ========================================

func TestHandler_VerifyClaim(t *testing.T) {
	f := newFixture(t, nil)
	r := newRouter(f.svc)

	w, env := do(t, r, http.MethodPost, "/api/v1/claims/verify", "device", verifyBody("nonce-1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)

	var decision ClaimDecision
	require.NoError(t, json.Unmarshal(env.Data, &decision))
	assert.True(t, decision.Accepted)
	assert.Equal(t, OutcomeAccepted, decision.Outcome)

	// a policy denial is still a 200
	w, env = do(t, r, http.MethodPost, "/api/v1/claims/verify", "device", verifyBody("nonce-1"))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &decision))
	assert.False(t, decision.Accepted)
	assert.Equal(t, DenyReplay, decision.DenyReason)

	fp, err := f.scorer.GetFingerprint(context.Background(), "device-1")
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.Equal(t, "Pixel 8", fp.Model)
}

func TestHandler_VerifyClaim_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		field  string
	}{
		{"missing client", func(b map[string]interface{}) { delete(b, "clientId") }, "clientId"},
		{"blank branch", func(b map[string]interface{}) { b["branchId"] = "   " }, "branchId"},
		{"unknown mode", func(b map[string]interface{}) { b["mode"] = "carrier-pigeon" }, "mode"},
		{"latitude", func(b map[string]interface{}) {
			b["location"] = map[string]interface{}{"latitude": 123.0, "longitude": 1.0}
		}, "location.latitude"},
		{"no qr or nonce", func(b map[string]interface{}) { delete(b, "qrContent"); delete(b, "nonceCode") }, "qrContent"},
	}

	f := newFixture(t, nil)
	r := newRouter(f.svc)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := verifyBody("nonce-1")
			tt.mutate(body)

			w, env := do(t, r, http.MethodPost, "/api/v1/claims/verify", "device", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, env.Success)
			assert.Contains(t, env.Fields, tt.field)
		})
	}
}

func TestHandler_VerifyClaim_ErrorStatuses(t *testing.T) {
	nonces := new(mockNonces)
	nonces.On("Claim", mock.Anything, "nonce-1", mock.Anything, mock.Anything).Return(nil, errBackend)
	svc := NewService(nonces, new(mockLimiter), new(mockScorer), nil)
	r := newRouter(svc)

	w, env := do(t, r, http.MethodPost, "/api/v1/claims/verify", "device", verifyBody("nonce-1"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, env.Success)

	var decision ClaimDecision
	require.NoError(t, json.Unmarshal(env.Data, &decision))
	assert.Equal(t, OutcomeStorageError, decision.Outcome)
}

func TestHandler_VerifyClaim_RequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	r := newRouter(f.svc)

	w, _ := do(t, r, http.MethodPost, "/api/v1/claims/verify", "", verifyBody("nonce-1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    int
	}{
		{OutcomeAccepted, http.StatusOK},
		{OutcomePolicyDenial, http.StatusOK},
		{OutcomeInvalidInput, http.StatusBadRequest},
		{OutcomeStorageError, http.StatusServiceUnavailable},
		{OutcomeSystemError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.outcome))
		})
	}
}

// ========================================
// NONCE SYNC
// ========================================

func TestHandler_PendingAndConfirm(t *testing.T) {
	f := newFixture(t, nil)
	r := newRouter(f.svc)

	_, err := f.svc.VerifyClaim(context.Background(), newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)

	w, env := do(t, r, http.MethodGet, "/api/v1/nonces/pending?limit=10", "sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Nonces []struct {
			Code string `json:"code"`
		} `json:"nonces"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Count)
	assert.Equal(t, "nonce-1", page.Nonces[0].Code)

	w, env = do(t, r, http.MethodPost, "/api/v1/nonces/confirm", "sync", map[string]interface{}{
		"codes": []string{"nonce-1", "nonce-x"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var result ConfirmResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, []string{"nonce-1"}, result.Migrated)
	assert.Equal(t, []string{"nonce-x"}, result.Missing)
}

func TestHandler_PendingNonces_BadLimit(t *testing.T) {
	f := newFixture(t, nil)
	r := newRouter(f.svc)

	for _, q := range []string{"abc", "0", "-1"} {
		w, _ := do(t, r, http.MethodGet, "/api/v1/nonces/pending?limit="+q, "sync", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestHandler_ConfirmNonces_Validation(t *testing.T) {
	f := newFixture(t, nil)
	r := newRouter(f.svc)

	w, _ := do(t, r, http.MethodPost, "/api/v1/nonces/confirm", "sync", map[string]interface{}{"codes": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodPost, "/api/v1/nonces/confirm", "sync", map[string]interface{}{"codes": []string{""}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ========================================
// ADMIN
// ========================================

func TestHandler_AdminRequiresRole(t *testing.T) {
	f := newFixture(t, nil)
	r := newRouter(f.svc)

	w, _ := do(t, r, http.MethodGet, "/api/v1/admin/stats", "device", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(t, r, http.MethodGet, "/api/v1/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_Stats(t *testing.T) {
	f := newFixture(t, nil)
	r := newRouter(f.svc)

	_, err := f.svc.VerifyClaim(context.Background(), newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)

	w, env := do(t, r, http.MethodGet, "/api/v1/admin/stats", middleware.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.PendingNonces)
}

func TestHandler_BlockLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	r := newRouter(f.svc)
	ctx := context.Background()

	w, _ := do(t, r, http.MethodGet, "/api/v1/admin/clients/client-1/block", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, f.limiter.BlockClient(ctx, "client-1", "manual review", t0))

	w, env := do(t, r, http.MethodGet, "/api/v1/admin/clients/client-1/block", middleware.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var block struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &block))
	assert.Equal(t, "manual review", block.Reason)

	w, _ = do(t, r, http.MethodPost, "/api/v1/admin/clients/client-1/unblock", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodGet, "/api/v1/admin/clients/client-1/block", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StorageErrorIs503(t *testing.T) {
	limiter := new(mockLimiter)
	limiter.On("GetBlock", mock.Anything, "client-1").Return(nil, errBackend)
	r := newRouter(NewService(new(mockNonces), limiter, new(mockScorer), nil))

	w, env := do(t, r, http.MethodGet, "/api/v1/admin/clients/client-1/block", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "storage unavailable", env.Error.Message)
}

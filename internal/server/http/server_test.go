package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/cache"
	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/database/dbtest"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

type body struct {
	Success bool              `json:"success"`
	Data    map[string]string `json:"data"`
	Error   struct {
		Kind    string         `json:"kind"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type failingCache struct{ cache.Store }

func (failingCache) Ping(context.Context) error { return errors.New("connection refused") }

func do(t *testing.T, e *echo.Echo, method, path string) (*httptest.ResponseRecorder, body) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var b body
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b), rec.Body.String())
	}
	return rec, b
}

func TestHealthAndReady(t *testing.T) {
	e := NewEcho(Params{
		Logger: zap.NewNop(),
		DB:     dbtest.NewSQLite(t),
		Cache:  cache.Namespace(cache.NewMemoryStore(time.Minute), "test"),
	})

	rec, _ := do(t, e, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	rec, b := do(t, e, http.MethodGet, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"database": "ok", "cache": "ok"}, b.Data)
}

func TestReadyReportsFailingDependency(t *testing.T) {
	e := NewEcho(Params{
		Logger: zap.NewNop(),
		Cache:  failingCache{cache.NewMemoryStore(time.Minute)},
	})

	rec, b := do(t, e, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", b.Error.Code)
	assert.Contains(t, b.Error.Details["checks"], "cache")
}

func TestErrorEnvelope(t *testing.T) {
	e := NewEcho(Params{Config: config.Config{}, Logger: zap.NewNop()})
	e.GET("/boom", func(echo.Context) error { panic("boom") })
	e.GET("/conflict", func(echo.Context) error {
		return errorbank.Conflict("busy", errorbank.WithCode("concurrent_update"),
			errorbank.WithCause(echo.NewHTTPError(http.StatusTeapot)))
	})

	rec, b := do(t, e, http.MethodGet, "/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, b.Success)
	assert.Equal(t, string(errorbank.KindNotFound), b.Error.Kind)

	rec, b = do(t, e, http.MethodPost, "/health")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, string(errorbank.KindNotFound), b.Error.Kind)

	rec, b = do(t, e, http.MethodGet, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(errorbank.KindInternal), b.Error.Kind)

	rec, b = do(t, e, http.MethodGet, "/conflict")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "concurrent_update", b.Error.Code)
}

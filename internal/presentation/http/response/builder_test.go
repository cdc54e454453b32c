package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yagydev/animalmela/pkg/errorbank"
)

func build(t *testing.T, fn func(c echo.Context) error) (int, Envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.Response().Header().Set(echo.HeaderXRequestID, "req-1")
	require.NoError(t, fn(c))

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func TestSuccessWithPage(t *testing.T) {
	code, env := build(t, func(c echo.Context) error {
		return New(c).WithData([]string{"a"}).WithPage(3, 2, 0).Build()
	})
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
	assert.Equal(t, true, env.Meta["has_more"])
	assert.Equal(t, "req-1", env.Meta["request_id"])
}

func TestErrorUsesKindStatus(t *testing.T) {
	code, env := build(t, func(c echo.Context) error {
		return New(c).WithError(errorbank.Forbidden("nope", errorbank.WithCode("access_denied"))).Build()
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "access_denied", env.Error.Code)

	code, env = build(t, func(c echo.Context) error {
		return New(c).WithStatus(http.StatusCreated).WithError(errors.New("db down")).Build()
	})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, string(errorbank.KindInternal), env.Error.Kind)
}

package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

func ok(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

func TestAdminGuard(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid token", "s3cret", "s3cret", http.StatusNoContent},
		{"wrong token", "s3cret", "guess", http.StatusForbidden},
		{"missing header", "s3cret", "", http.StatusForbidden},
		{"unconfigured", "", "", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			if tc.header != "" {
				req.Header.Set(AdminTokenHeader, tc.header)
			}
			rec := httptest.NewRecorder()
			err := AdminGuard(tc.token)(ok)(e.NewContext(req, rec))
			assert.NoError(t, err)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := echo.New()
	e.Use(RequestLogger(zap.New(core)))
	e.GET("/ok", ok)
	e.GET("/boom", func(echo.Context) error { return errors.New("boom") })

	for _, path := range []string{"/ok", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zap.InfoLevel, entries[0].Level)
		assert.Equal(t, int64(http.StatusNoContent), entries[0].ContextMap()["status"])
		assert.Equal(t, zap.ErrorLevel, entries[1].Level)
		assert.Equal(t, "/boom", entries[1].ContextMap()["uri"])
	}
}

func TestErrorHandler(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{apperr.Validation("amount must be positive"), http.StatusBadRequest, "validation_error"},
		{apperr.NotFound("wallet", "w1"), http.StatusNotFound, "not_found"},
		{apperr.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
		{apperr.ErrOperationInFlight, http.StatusConflict, "operation_in_flight"},
		{apperr.Unavailable("paystack", errors.New("502")), http.StatusServiceUnavailable, "provider_unavailable"},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, "internal_error"},
		{echo.NewHTTPError(http.StatusNotFound), http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			ErrorHandler(zap.NewNop())(tc.err, c)

			assert.Equal(t, tc.want, rec.Code)
			var body map[string]string
			assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body["code"])
			assert.NotContains(t, body["error"], "pq:")
		})
	}
}

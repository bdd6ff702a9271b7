package middleware_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bailedk/mile-quest-realtime/internal/server/middleware"
)

func TestRequestLoggerRecordsResolvedIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
		require.True(t, ok)
		// the auth middleware resolves identity onto the shared metadata
		// before the handler runs; the log line must reflect it.
		reqMeta.UserID = "user-1"
		w.WriteHeader(http.StatusOK)
	})

	chained := middleware.Chain(handler,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
	)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.9:4242"
	rec := httptest.NewRecorder()
	chained.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := buf.String()
	assert.Contains(t, out, "component=http")
	assert.Contains(t, out, "method=GET")
	assert.Contains(t, out, "path=/ws")
	assert.Contains(t, out, "ip=203.0.113.9")
	assert.Contains(t, out, "userID=user-1")
}

func TestRequestLoggerOmitsUserIDForAnonymousClients(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	chained := middleware.Chain(handler,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	chained.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, buf.String(), "userID=")
}

package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/and161185/group-keeper/internal/observability/metrics"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestRouter_Healthz(t *testing.T) {
	t.Parallel()

	code, body := get(t, Router(prometheus.NewRegistry(), nil), "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	down := func(context.Context) error { return errors.New("redis down") }
	code, _ = get(t, Router(prometheus.NewRegistry(), down), "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg, "gk-relay")
	metrics.RelayEnvelopesTotal.WithLabelValues("group", "queued").Inc()

	code, body := get(t, Router(reg, nil), "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, `relay_envelopes_total{channel="group",outcome="queued",service="gk-relay"}`), body)
}

func TestRouter_UnknownPath(t *testing.T) {
	t.Parallel()

	code, _ := get(t, Router(prometheus.NewRegistry(), nil), "/nope")
	require.Equal(t, http.StatusNotFound, code)
}

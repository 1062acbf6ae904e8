package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	internaltelemetry "github.com/sushant-115/gojokv/internal/telemetry"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Meter)

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, shutdown(context.Background()))
}

// TestNew_ExportsStorageMetrics checks that engine instruments show up in
// the Prometheus exposition.
func TestNew_ExportsStorageMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojokv-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	require.NoError(t, err)
	metrics.CommitsCounter.Add(context.Background(), 3)
	metrics.CacheHitsCounter.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "gojokv_tx_commits")
	require.Contains(t, body, "gojokv_cache_hits")
	require.Contains(t, body, "go_goroutines")
}

// TestNew_RegistriesAreIndependent checks that a second telemetry setup in
// the same process does not collide with the first one's collectors.
func TestNew_RegistriesAreIndependent(t *testing.T) {
	first, shutdownFirst, err := New(Config{Enabled: true, ServiceName: "first"})
	require.NoError(t, err)
	defer shutdownFirst(context.Background())
	second, shutdownSecond, err := New(Config{Enabled: true, ServiceName: "second"})
	require.NoError(t, err)
	defer shutdownSecond(context.Background())
	require.NotSame(t, first.Registry, second.Registry)
}

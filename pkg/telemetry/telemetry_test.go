package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)
	require.NoError(t, shutdown(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojotxn-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	counter, err := tel.Meter.Int64Counter("gojotxn_test_requests")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	resp, err := http.Get("http://" + tel.MetricsAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "gojotxn_test_requests")
}

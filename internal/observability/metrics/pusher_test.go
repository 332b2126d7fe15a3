package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPusherSelectsExporter(t *testing.T) {
	log := zap.NewNop()

	assert.Nil(t, NewPusher(PushConfig{}, log))
	assert.Nil(t, NewPusher(PushConfig{Exporter: ExporterRemoteWrite}, log))
	assert.Nil(t, NewPusher(PushConfig{Exporter: "statsd", Endpoint: "http://collector"}, log))
	assert.Nil(t, NewPusher(PushConfig{Exporter: ExporterRemoteWrite, Endpoint: "not a url"}, log))

	assert.IsType(t, &RemoteWritePusher{}, NewPusher(PushConfig{Exporter: ExporterRemoteWrite, Endpoint: "http://collector/api/v1/write"}, log))
	assert.IsType(t, &PushgatewayPusher{}, NewPusher(PushConfig{Exporter: "Prometheus_Pushgateway", Endpoint: "http://gateway:9091", Job: "modulebilling"}, log))
}

func TestRemoteWritePushSendsCountersAndGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_job_runs_total", Help: "runs"}, []string{"job"})
	lag := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_lag_seconds", Help: "lag"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds", Help: "duration"})
	registry.MustRegister(runs, lag, duration)
	runs.WithLabelValues("expire_entitlements").Add(3)
	lag.Set(1.5)
	duration.Observe(0.2)

	var received prompb.WriteRequest
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		decoded, err := snappy.Decode(nil, body)
		if !assert.NoError(t, err) || !assert.NoError(t, received.Unmarshal(decoded)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	pusher := NewRemoteWritePusher(server.URL, "secret")
	pusher.now = func() time.Time { return time.UnixMilli(1717200000000) }
	require.NoError(t, pusher.Push(context.Background(), registry))

	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))

	values := map[string]float64{}
	for _, series := range received.Timeseries {
		var name string
		for _, label := range series.Labels {
			if label.Name == "__name__" {
				name = label.Value
			}
		}
		require.Len(t, series.Samples, 1)
		assert.Equal(t, int64(1717200000000), series.Samples[0].Timestamp)
		values[name] = series.Samples[0].Value
	}
	assert.Equal(t, map[string]float64{
		"test_job_runs_total": 3,
		"test_lag_seconds":    1.5,
	}, values)
}

func TestRemoteWritePushReportsServerErrors(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "total"})
	registry.MustRegister(counter)
	counter.Inc()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewRemoteWritePusher(server.URL, "").Push(context.Background(), registry)
	assert.ErrorContains(t, err, "502")
}

func TestPushgatewayRequiresJob(t *testing.T) {
	err := NewPushgatewayPusher("http://gateway:9091", " ", nil).Push(context.Background(), prometheus.NewRegistry())
	assert.Error(t, err)
}

package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewProviderDisabledIsNoop(t *testing.T) {
	provider, err := NewProvider(nil, Config{Enabled: true})
	require.NoError(t, err)
	require.IsType(t, noop.MeterProvider{}, provider)

	m, err := New(Config{}, provider)
	require.NoError(t, err)
	require.NotNil(t, m)
}

package httpclient

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())

	m, err := newMetrics(mp.Meter("test"))

	require.NoError(t, err)
	assert.NotNil(t, m.breakerRequests)
	assert.NotNil(t, m.breakerState)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics
	assert.NotPanics(t, func() {
		m.recordBreakerRequest(context.Background(), "test", breakerResultSuccess)
		m.recordBreakerState(context.Background(), "test", 2)
	})
}

func TestMetrics_BreakerRequests(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		calls      int
		wantResult map[string]int64
		wantState  int64
	}{
		{
			name:       "given successful calls, then records successes",
			statusCode: http.StatusOK,
			calls:      2,
			wantResult: map[string]int64{breakerResultSuccess: 2},
			wantState:  -1,
		},
		{
			name:       "given failures beyond the limit, then records rejections and open state",
			statusCode: http.StatusInternalServerError,
			calls:      3,
			wantResult: map[string]int64{
				breakerResultFailure:  2,
				breakerResultRejected: 1,
			},
			wantState: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := sdkmetric.NewManualReader()
			mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
			defer mp.Shutdown(context.Background())

			bc := DefaultBreakerConfig()
			bc.ConsecutiveFailures = 2
			mock := NewMockTransport().StubResponse(tt.statusCode, "")
			h := newHostHandler(mock, "api.example.com", &bc, newConfig(WithMeterProvider(mp)))

			for range tt.calls {
				req, err := http.NewRequest(http.MethodGet, "http://api.example.com/", nil)
				require.NoError(t, err)
				resp, err := h.Call(context.Background(), req)
				if err == nil {
					resp.Body.Close()
				}
			}

			var rm metricdata.ResourceMetrics
			require.NoError(t, reader.Collect(context.Background(), &rm))

			got := map[string]int64{}
			state := int64(-1)
			for _, sm := range rm.ScopeMetrics {
				for _, m := range sm.Metrics {
					switch data := m.Data.(type) {
					case metricdata.Sum[int64]:
						if m.Name != "http.client.breaker.requests" {
							continue
						}
						for _, dp := range data.DataPoints {
							v, ok := dp.Attributes.Value(attribute.Key("breaker.result"))
							require.True(t, ok)
							got[v.AsString()] += dp.Value
						}
					case metricdata.Gauge[int64]:
						if m.Name == "http.client.breaker.state" && len(data.DataPoints) > 0 {
							state = data.DataPoints[0].Value
						}
					}
				}
			}

			assert.Equal(t, tt.wantResult, got)
			assert.Equal(t, tt.wantState, state)
		})
	}
}

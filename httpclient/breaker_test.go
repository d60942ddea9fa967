package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type NetError struct {
	Msg string
}

func (e *NetError) Error() string   { return e.Msg }
func (e *NetError) Timeout() bool   { return false }
func (e *NetError) Temporary() bool { return false }

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()
	assert.Equal(t, uint32(1), cfg.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, uint32(20), cfg.FailureThreshold)
	assert.InEpsilon(t, 0.5, cfg.FailureRatio, 0.001)
	assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
	assert.NotNil(t, cfg.Classifier)
	assert.Nil(t, cfg.Store)
}

func TestDistributedBreakerConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisStore(rdb)
	cfg := DistributedBreakerConfig(store)

	assert.Equal(t, store, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
}

func TestDefaultBreakerClassifier(t *testing.T) {
	type args struct {
		resp *http.Response
		err  error
	}

	tests := []struct {
		name string
		args args
		want bool
	}{
		{
			name: "given 200 response, then not a failure",
			args: args{resp: &http.Response{StatusCode: http.StatusOK}},
			want: false,
		},
		{
			name: "given 429 response, then not a failure",
			args: args{resp: &http.Response{StatusCode: http.StatusTooManyRequests}},
			want: false,
		},
		{
			name: "given 503 response, then failure",
			args: args{resp: &http.Response{StatusCode: http.StatusServiceUnavailable}},
			want: true,
		},
		{
			name: "given net error, then failure",
			args: args{err: &NetError{Msg: "network error"}},
			want: true,
		},
		{
			name: "given connection refused, then failure",
			args: args{err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED)},
			want: true,
		},
		{
			name: "given cancelled context, then not a failure",
			args: args{err: fmt.Errorf("round trip: %w", context.Canceled)},
			want: false,
		},
		{
			name: "given other error, then not a failure",
			args: args{err: errors.New("malformed url")},
			want: false,
		},
		{
			name: "given nothing, then not a failure",
			args: args{},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultBreakerClassifier(tt.args.resp, tt.args.err))
		})
	}
}

func TestBreakerSettings_ReadyToTrip(t *testing.T) {
	tests := []struct {
		name   string
		counts gobreaker.Counts
		want   bool
	}{
		{
			name:   "given consecutive failures at the limit, then trips",
			counts: gobreaker.Counts{Requests: 5, TotalFailures: 5, ConsecutiveFailures: 5},
			want:   true,
		},
		{
			name:   "given high ratio below the request threshold, then does not trip",
			counts: gobreaker.Counts{Requests: 10, TotalFailures: 6, ConsecutiveFailures: 1},
			want:   false,
		},
		{
			name:   "given high ratio above the request threshold, then trips",
			counts: gobreaker.Counts{Requests: 20, TotalFailures: 10, ConsecutiveFailures: 1},
			want:   true,
		},
		{
			name:   "given low ratio above the request threshold, then does not trip",
			counts: gobreaker.Counts{Requests: 40, TotalFailures: 5, ConsecutiveFailures: 1},
			want:   false,
		},
		{
			name:   "given excluded requests, then they do not count toward the threshold",
			counts: gobreaker.Counts{Requests: 25, TotalExclusions: 10, TotalFailures: 12, ConsecutiveFailures: 1},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := breakerSettings("test", DefaultBreakerConfig(), func(string, gobreaker.State, gobreaker.State) {})
			assert.Equal(t, tt.want, st.ReadyToTrip(tt.counts))
		})
	}
}

func TestBreakerSettings_OnStateChange(t *testing.T) {
	var internal, user []gobreaker.State

	bc := DefaultBreakerConfig()
	bc.OnStateChange = func(_ string, _, to gobreaker.State) {
		user = append(user, to)
	}
	st := breakerSettings("test", bc, func(_ string, _, to gobreaker.State) {
		internal = append(internal, to)
	})

	st.OnStateChange("test", gobreaker.StateClosed, gobreaker.StateOpen)

	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, internal)
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, user)
}

func TestHostHandler_BreakerTrips(t *testing.T) {
	mock := NewMockTransport().StubResponse(http.StatusInternalServerError, "boom")

	bc := DefaultBreakerConfig()
	bc.ConsecutiveFailures = 3
	h := newHostHandler(mock, "api.example.com", &bc, newConfig())

	ready, err := h.Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)

	for range 3 {
		req, err := http.NewRequest(http.MethodGet, "http://api.example.com/", nil)
		require.NoError(t, err)
		resp, err := h.Call(context.Background(), req)
		require.NoError(t, err, "failures are reported as responses")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		resp.Body.Close()
	}

	ready, err = h.Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, ready, "open breaker reports backpressure")

	req, err := http.NewRequest(http.MethodGet, "http://api.example.com/", nil)
	require.NoError(t, err)
	_, err = h.Call(context.Background(), req)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, mock.RequestCount())
}

func TestHostHandler_CancelledAttemptInHalfOpen(t *testing.T) {
	mock := NewMockTransport().StubResponse(http.StatusInternalServerError, "boom")

	bc := DefaultBreakerConfig()
	bc.ConsecutiveFailures = 1
	bc.Timeout = 50 * time.Millisecond
	h := newHostHandler(mock, "api.example.com", &bc, newConfig())
	cb, ok := h.breaker.(*gobreaker.CircuitBreaker[*http.Response])
	require.True(t, ok)

	call := func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequest(http.MethodGet, "http://api.example.com/", nil)
		require.NoError(t, err)
		return h.Call(ctx, req)
	}

	resp, err := call(context.Background())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(2 * bc.Timeout)
	require.Equal(t, gobreaker.StateHalfOpen, cb.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err = call(ctx)
	require.NoError(t, err, "a response that arrived is handed back for discarding")
	resp.Body.Close()
	assert.Equal(t, gobreaker.StateHalfOpen, cb.State(), "cancelled attempt is not a success")

	resp, err = call(context.Background())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	ready, err := h.Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestHostHandler_DistributedBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	bc := DistributedBreakerConfig(NewRedisStore(rdb))
	bc.ConsecutiveFailures = 2

	mock := NewMockTransport().StubResponse(http.StatusBadGateway, "")
	cfg := newConfig(WithServiceName("orders"))

	first := newHostHandler(mock, "api.example.com", &bc, cfg)
	require.True(t, first.distributed)
	assert.Equal(t, "orders/api.example.com", first.breakerName)

	for range 2 {
		req, err := http.NewRequest(http.MethodGet, "http://api.example.com/", nil)
		require.NoError(t, err)
		resp, err := first.Call(context.Background(), req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	// A second instance sharing the store sees the open breaker.
	second := newHostHandler(mock, "api.example.com", &bc, cfg)
	req, err := http.NewRequest(http.MethodGet, "http://api.example.com/", nil)
	require.NoError(t, err)
	_, err = second.Call(context.Background(), req)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, mock.RequestCount())
}

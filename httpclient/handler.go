package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kroma-labs/sentinel-hedge/hedge"
	gobreaker "github.com/sony/gobreaker/v2"
)

// errSyntheticFailure is a sentinel error used to signal the circuit breaker
// that a request failed (e.g. 500 status) even if the underlying RoundTrip returned no error.
// It is intercepted and unwrapped by the handler before returning to the caller.
var errSyntheticFailure = errors.New("synthetic failure")

// errAttemptCancelled marks attempts whose context ended before the response
// arrived. The breaker excludes them from its counts.
var errAttemptCancelled = errors.New("attempt cancelled")

// hostHandler sends the attempts of one host through the next RoundTripper,
// optionally behind a circuit breaker.
type hostHandler struct {
	next        http.RoundTripper
	cfg         *internalConfig
	breaker     CircuitBreaker
	breakerName string
	classifier  BreakerClassifier
	distributed bool

	// open mirrors the breaker state as reported through OnStateChange.
	open atomic.Bool
}

var (
	_ hedge.Handler[*http.Request, *http.Response] = (*hostHandler)(nil)
	_ hedge.Discarder[*http.Response]              = (*hostHandler)(nil)
	_ hedge.Binder[*http.Response]                 = (*hostHandler)(nil)
)

// newHostHandler creates the handler for host. A nil bc disables the
// circuit breaker.
func newHostHandler(
	next http.RoundTripper,
	host string,
	bc *BreakerConfig,
	cfg *internalConfig,
) *hostHandler {
	h := &hostHandler{next: next, cfg: cfg}
	if bc == nil {
		return h
	}

	h.breakerName = cfg.ServiceName + "/" + host
	h.classifier = bc.Classifier
	if h.classifier == nil {
		h.classifier = DefaultBreakerClassifier
	}

	st := breakerSettings(h.breakerName, *bc, h.onStateChange)
	if bc.Store == nil {
		h.breaker = gobreaker.NewCircuitBreaker[*http.Response](st)
		return h
	}

	dcb, err := gobreaker.NewDistributedCircuitBreaker[*http.Response](bc.Store, st)
	if err != nil {
		// A local breaker still protects this process.
		cfg.Logger.Warn().
			Err(err).
			Str("breaker", h.breakerName).
			Msg("distributed circuit breaker unavailable, using local breaker")
		h.breaker = gobreaker.NewCircuitBreaker[*http.Response](st)
		return h
	}
	h.breaker = dcb
	h.distributed = true
	return h
}

// Ready reports false while the host's breaker is open, which keeps hedges
// from adding load to a failing host.
func (h *hostHandler) Ready(context.Context) (bool, error) {
	return !h.open.Load(), nil
}

// Call sends req with ctx as its context.
func (h *hostHandler) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if h.breaker == nil {
		return h.next.RoundTrip(req)
	}

	// Errors the breaker does not count are passed around it.
	var passErr error
	resp, err := h.breaker.Execute(func() (*http.Response, error) {
		resp, err := h.next.RoundTrip(req) //nolint:bodyclose
		if ctx.Err() != nil {
			// Attempts cancelled by the caller, or because the other attempt
			// won, say nothing about the host.
			passErr = err
			return resp, errAttemptCancelled
		}
		if !h.classifier(resp, err) {
			passErr = err
			return resp, nil
		}
		if err != nil {
			return resp, err
		}
		return resp, errSyntheticFailure
	})
	if errors.Is(err, errAttemptCancelled) {
		return resp, passErr
	}
	if err != nil {
		// Differentiate between "Circuit Open" rejection and "Actual Failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			h.cfg.Metrics.recordBreakerRequest(ctx, h.breakerName, breakerResultRejected)
			return nil, err
		}

		h.cfg.Metrics.recordBreakerRequest(ctx, h.breakerName, breakerResultFailure)
		if errors.Is(err, errSyntheticFailure) {
			return resp, nil
		}
		return nil, err
	}

	h.cfg.Metrics.recordBreakerRequest(ctx, h.breakerName, breakerResultSuccess)
	return resp, passErr
}

// Discard closes the body of a response that lost the race.
func (h *hostHandler) Discard(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// Bind ties the winning attempt to the response body: the attempt's context
// is cancelled when the body is closed.
func (h *hostHandler) Bind(resp *http.Response, release func()) *http.Response {
	if resp == nil || resp.Body == nil {
		release()
		return resp
	}

	body := &releasingBody{ReadCloser: resp.Body, release: release}
	if w, ok := resp.Body.(io.Writer); ok {
		// Upgraded connections (101) are writable.
		resp.Body = &releasingReadWriteBody{releasingBody: body, Writer: w}
		return resp
	}
	resp.Body = body
	return resp
}

func (h *hostHandler) onStateChange(name string, from, to gobreaker.State) {
	h.open.Store(to == gobreaker.StateOpen)
	h.cfg.Logger.Info().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")
	h.cfg.Metrics.recordBreakerState(context.Background(), name, int64(to))
}

// releasingBody calls release after the first Close.
type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

type releasingReadWriteBody struct {
	*releasingBody
	io.Writer
}

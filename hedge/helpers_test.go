package hedge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testPercentile     = 50
	testRotationPeriod = 60 * time.Second
	waitTimeout        = time.Second
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu         sync.Mutex
	now        time.Time
	timers     []*fakeTimer
	failTimers bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, ch: make(chan time.Time, 1), at: c.now.Add(d)}
	switch {
	case c.failTimers:
		t.done = true
		close(t.ch)
	case d <= 0:
		t.fire(c.now)
	default:
		c.timers = append(c.timers, t)
	}
	return t
}

// Advance moves the clock forward and fires every due timer.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if !t.at.After(c.now) {
			t.fire(c.now)
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
}

// Pending returns the number of armed, unfired timers.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *fakeClock) FailTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failTimers = true
}

type fakeTimer struct {
	clock   *fakeClock
	ch      chan time.Time
	at      time.Time
	stopped bool
	done    bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.done || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fire must be called with the clock's mutex held.
func (t *fakeTimer) fire(now time.Time) {
	t.done = true
	t.ch <- now
}

// waitForTimers blocks until n timers are armed on the clock.
func waitForTimers(t *testing.T, c *fakeClock, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Pending() >= n
	}, waitTimeout, time.Millisecond)
}

// attemptCall is one invocation of stubHandler.Call, resolved by the test.
type attemptCall struct {
	ctx  context.Context
	req  string
	done chan result[string]
}

func (a *attemptCall) resolve(resp string, err error) {
	a.done <- result[string]{resp: resp, err: err}
}

// stubHandler hands every call to the test through calls.
type stubHandler struct {
	ready        atomic.Bool
	readyErr     error
	ignoreCancel bool
	calls        chan *attemptCall
	count        atomic.Int32
	readyChecks  atomic.Int32
}

func newStubHandler() *stubHandler {
	h := &stubHandler{calls: make(chan *attemptCall, 8)}
	h.ready.Store(true)
	return h
}

func (h *stubHandler) Ready(context.Context) (bool, error) {
	h.readyChecks.Add(1)
	if h.readyErr != nil {
		return false, h.readyErr
	}
	return h.ready.Load(), nil
}

func (h *stubHandler) Call(ctx context.Context, req string) (string, error) {
	h.count.Add(1)
	a := &attemptCall{ctx: ctx, req: req, done: make(chan result[string], 1)}
	h.calls <- a

	if h.ignoreCancel {
		r := <-a.done
		return r.resp, r.err
	}
	select {
	case r := <-a.done:
		return r.resp, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *stubHandler) next(t *testing.T) *attemptCall {
	t.Helper()
	select {
	case a := <-h.calls:
		return a
	case <-time.After(waitTimeout):
		t.Fatal("expected a handler call")
		return nil
	}
}

func (h *stubHandler) expectNoCall(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case a := <-h.calls:
		t.Fatalf("unexpected handler call for %q", a.req)
	case <-time.After(wait):
	}
}

// discardingHandler records responses released through Discard.
type discardingHandler struct {
	*stubHandler
	discarded chan string
}

func (h *discardingHandler) Discard(resp string) {
	h.discarded <- resp
}

// bindingHandler takes over the release of winning attempts.
type bindingHandler struct {
	*stubHandler
	release chan func()
}

func (h *bindingHandler) Bind(resp string, release func()) string {
	h.release <- release
	return resp + "+bound"
}

type stubPolicy struct {
	clonable      bool
	allow         atomic.Bool
	canRetryCalls atomic.Int32
	cloneCalls    atomic.Int32
	released      atomic.Int32
}

func newStubPolicy(clonable, allow bool) *stubPolicy {
	p := &stubPolicy{clonable: clonable}
	p.allow.Store(allow)
	return p
}

func (p *stubPolicy) CanRetry(string) bool {
	p.canRetryCalls.Add(1)
	return p.allow.Load()
}

func (p *stubPolicy) ReleaseRequest(string) {
	p.released.Add(1)
}

func (p *stubPolicy) CloneRequest(req string) (string, bool) {
	p.cloneCalls.Add(1)
	if !p.clonable {
		return "", false
	}
	return req, true
}

// sampleLog collects every sample added to any spyHistogram sharing it.
type sampleLog struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *sampleLog) factory() func() Histogram {
	return func() Histogram {
		return &spyHistogram{BucketHistogram: NewBucketHistogram(nil), log: l}
	}
}

func (l *sampleLog) all() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.samples...)
}

type spyHistogram struct {
	*BucketHistogram
	log *sampleLog
}

func (s *spyHistogram) Add(d time.Duration) {
	s.log.mu.Lock()
	s.log.samples = append(s.log.samples, d)
	s.log.mu.Unlock()
	s.BucketHistogram.Add(d)
}

func newTestHedge(
	t *testing.T,
	policy Policy[string],
	handler Handler[string, string],
	clock *fakeClock,
	opts ...Option,
) *Hedge[string, string] {
	t.Helper()

	opts = append([]Option{
		WithClock(clock),
		WithRecheckBackOff(time.Millisecond, time.Millisecond),
	}, opts...)

	h, err := New(policy, handler, testPercentile, testRotationPeriod, opts...)
	require.NoError(t, err)
	return h
}

// warm fills the tracker with n samples of d and moves the clock past the
// rotation period so the next access exposes them as the read window.
func warm(h *Hedge[string, string], clock *fakeClock, n int, d time.Duration) {
	for range n {
		h.Tracker().Record(d)
	}
	clock.Advance(testRotationPeriod)
}

type waitResult struct {
	resp string
	err  error
}

func waitAsync(c *Call[string, string]) <-chan waitResult {
	out := make(chan waitResult, 1)
	go func() {
		resp, err := c.Wait()
		out <- waitResult{resp: resp, err: err}
	}()
	return out
}

func receive(t *testing.T, ch <-chan waitResult) waitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("call did not complete")
		return waitResult{}
	}
}

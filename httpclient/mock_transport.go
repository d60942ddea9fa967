package httpclient

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// MockTransport provides a configurable http.RoundTripper for testing
// hedged clients. Stubs may delay their response to simulate a slow
// attempt, and the transport counts how many response bodies were closed,
// which shows whether losing attempts are released.
type MockTransport struct {
	mu          sync.RWMutex
	stubs       []stub
	defaultResp *http.Response
	defaultErr  error
	requests    []*http.Request
	requestHook func(*http.Request)

	closed atomic.Int64
}

type stub struct {
	matcher  func(*http.Request) bool
	response *http.Response
	err      error
	delay    time.Duration
}

// NewMockTransport creates a new MockTransport for testing.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// StubResponse stubs all requests to return the given response.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = newStubResponse(statusCode, body)
	return m
}

// StubError stubs all requests to return the given error.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultErr = err
	return m
}

// StubPath stubs requests matching the path to return the given response.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Path == path
	}, statusCode, body)
}

// StubFunc stubs requests matching the predicate to return the given response.
func (m *MockTransport) StubFunc(
	matcher func(*http.Request) bool,
	statusCode int,
	body string,
) *MockTransport {
	return m.StubDelayed(matcher, 0, statusCode, body)
}

// StubDelayed stubs requests matching the predicate to return the given
// response after delay. A request whose context ends first fails with the
// context's error.
func (m *MockTransport) StubDelayed(
	matcher func(*http.Request) bool,
	delay time.Duration,
	statusCode int,
	body string,
) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{
		matcher:  matcher,
		response: newStubResponse(statusCode, body),
		delay:    delay,
	})
	return m
}

// StubFuncError stubs requests matching the predicate to return the given error.
func (m *MockTransport) StubFuncError(matcher func(*http.Request) bool, err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{
		matcher: matcher,
		err:     err,
	})
	return m
}

// OnRequest sets a hook that is called for each request.
// Useful for assertions or capturing request details.
func (m *MockTransport) OnRequest(fn func(*http.Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.requestHook
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	s, ok := m.match(req)
	if !ok {
		return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
	}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	if s.err != nil {
		return nil, s.err
	}
	resp := m.cloneResponse(s.response)
	resp.Request = req
	return resp, nil
}

// match returns the first stub matching req, falling back to the defaults.
func (m *MockTransport) match(req *http.Request) (stub, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Check stubs in order (first match wins)
	for _, s := range m.stubs {
		if s.matcher(req) {
			return s, true
		}
	}

	if m.defaultErr != nil {
		return stub{err: m.defaultErr}, true
	}
	if m.defaultResp != nil {
		return stub{response: m.defaultResp}, true
	}
	return stub{}, false
}

// Requests returns all requests made through this transport.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*http.Request{}, m.requests...)
}

// RequestCount returns the number of requests made.
func (m *MockTransport) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil if none.
func (m *MockTransport) LastRequest() *http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// ClosedBodies returns the number of response bodies closed so far.
func (m *MockTransport) ClosedBodies() int {
	return int(m.closed.Load())
}

// Reset clears all recorded requests and stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.stubs = nil
	m.defaultResp = nil
	m.defaultErr = nil
	m.requestHook = nil
	m.closed.Store(0)
}

func newStubResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode:    statusCode,
		Status:        http.StatusText(statusCode),
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewBufferString(body)),
		ContentLength: int64(len(body)),
	}
}

// cloneResponse copies a stubbed response so its body can be read by
// every request.
func (m *MockTransport) cloneResponse(resp *http.Response) *http.Response {
	var bodyBytes []byte
	if resp.Body != nil {
		m.mu.Lock()
		bodyBytes, _ = io.ReadAll(resp.Body)
		resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		m.mu.Unlock()
	}

	return &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Header:        resp.Header.Clone(),
		Body:          &closeCounter{Reader: bytes.NewReader(bodyBytes), closed: &m.closed},
		ContentLength: resp.ContentLength,
	}
}

// closeCounter counts the first Close of a response body.
type closeCounter struct {
	io.Reader
	once   sync.Once
	closed *atomic.Int64
}

func (c *closeCounter) Close() error {
	c.once.Do(func() { c.closed.Add(1) })
	return nil
}

package hedge

import "context"

// Handler is the downstream request handler wrapped by a Hedge.
//
// Call may be invoked a second time while an earlier call for a duplicate
// of the same request is still running.
type Handler[Req, Resp any] interface {
	// Ready reports whether the handler can accept another request now.
	// (false, nil) signals backpressure; a non-nil error is terminal.
	Ready(ctx context.Context) (bool, error)

	// Call sends req downstream. The context is cancelled when the
	// attempt loses the race or the call is abandoned.
	Call(ctx context.Context, req Req) (Resp, error)
}

// Discarder is implemented by handlers that need to release the response of
// an attempt that lost the race, for example by closing a body.
type Discarder[Resp any] interface {
	Discard(resp Resp)
}

// Binder is implemented by handlers whose responses keep using the attempt's
// context after Call returned, for example a streamed body. Bind receives the
// winning response and the function that cancels its attempt, and returns
// the response handed to the caller. The handler must call release once the
// response is consumed; Close then leaves the attempt alone.
type Binder[Resp any] interface {
	Bind(resp Resp, release func()) Resp
}

// Policy decides whether and how a request may be hedged.
type Policy[Req any] interface {
	// CanRetry reports whether a hedge for req is currently permitted,
	// e.g. by a retry budget or an idempotency check.
	CanRetry(req Req) bool

	// CloneRequest returns a duplicate of req suitable for a second
	// attempt. It returns false when req cannot be safely duplicated.
	CloneRequest(req Req) (Req, bool)
}

// RequestReleaser is implemented by policies whose duplicates hold resources,
// for example an opened request body. ReleaseRequest is called for every
// duplicate that is never sent.
type RequestReleaser[Req any] interface {
	ReleaseRequest(req Req)
}

// HandlerFunc adapts a function to a Handler that is always ready.
type HandlerFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Ready always reports true.
func (f HandlerFunc[Req, Resp]) Ready(context.Context) (bool, error) {
	return true, nil
}

// Call calls f(ctx, req).
func (f HandlerFunc[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// PolicyFuncs builds a Policy from two functions. A nil Allow permits every
// hedge; a nil Clone makes every request non-clonable.
type PolicyFuncs[Req any] struct {
	Allow func(req Req) bool
	Clone func(req Req) (Req, bool)
}

// CanRetry implements Policy.
func (p PolicyFuncs[Req]) CanRetry(req Req) bool {
	if p.Allow == nil {
		return true
	}
	return p.Allow(req)
}

// CloneRequest implements Policy.
func (p PolicyFuncs[Req]) CloneRequest(req Req) (Req, bool) {
	if p.Clone == nil {
		var zero Req
		return zero, false
	}
	return p.Clone(req)
}

// ValuePolicy returns a policy for value-typed requests that can be copied
// by assignment. Every hedge is permitted.
func ValuePolicy[Req any]() Policy[Req] {
	return PolicyFuncs[Req]{
		Clone: func(req Req) (Req, bool) { return req, true },
	}
}

package hedge

import "errors"

var (
	// ErrInvalidPercentile is returned by New when the percentile is not in (0, 100].
	ErrInvalidPercentile = errors.New("hedge: percentile must be in (0, 100]")

	// ErrInvalidRotationPeriod is returned when the rotation period is not positive.
	ErrInvalidRotationPeriod = errors.New("hedge: rotation period must be positive")

	// ErrReadiness wraps a handler readiness failure hit while deciding to
	// hedge. It is terminal for the call.
	ErrReadiness = errors.New("hedge: handler readiness check failed")

	// ErrAbandoned is returned by Call.Wait once the call has been closed
	// before producing a result.
	ErrAbandoned = errors.New("hedge: call abandoned")
)

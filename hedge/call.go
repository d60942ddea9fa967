package hedge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is the progress of a single hedged call.
type State int32

const (
	// StateInit means no hedge deadline is armed.
	StateInit State = iota
	// StateDelayArmed means a hedge deadline exists but no hedge was issued.
	StateDelayArmed
	// StateHedgeInFlight means both attempts are outstanding.
	StateHedgeInFlight
	// StateDone means the call produced its result.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDelayArmed:
		return "delay_armed"
	case StateHedgeInFlight:
		return "hedge_in_flight"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// attempt identifies one side of the race.
type attempt uint8

const (
	attemptOriginal attempt = iota
	attemptHedge
)

func (a attempt) String() string {
	if a == attemptHedge {
		return "hedge"
	}
	return "original"
}

type result[Resp any] struct {
	resp Resp
	err  error
}

// Call is a single in-flight hedged request, created by Hedge.Call.
//
// Wait drives the race between the original attempt and the hedge and
// returns exactly one result. Close abandons the call.
type Call[Req, Resp any] struct {
	id    string
	hedge *Hedge[Req, Resp]
	ctx   context.Context
	log   zerolog.Logger
	start time.Time

	// request is the retained duplicate used to issue the hedge.
	request    Req
	hasRequest bool

	orig        <-chan result[Resp]
	origCancel  context.CancelFunc
	hedged      <-chan result[Resp]
	hedgeCancel context.CancelFunc
	// release cancels the winning attempt when the call is closed.
	release context.CancelFunc

	delay          Timer
	recheck        Timer
	recheckBackOff *backoff.ExponentialBackOff
	skipped        map[string]struct{}

	state     atomic.Int32
	once      sync.Once
	closeOnce sync.Once
	abandon   chan struct{}
	resp      Resp
	err       error
}

// ID returns the call's unique identifier, also used in logs.
func (c *Call[Req, Resp]) ID() string {
	return c.id
}

// State returns the current state of the call.
func (c *Call[Req, Resp]) State() State {
	return State(c.state.Load())
}

// Wait blocks until one attempt completes and returns its result. Only the
// first attempt to complete is ever returned or recorded; repeated calls
// return the same result.
//
// Wait returns ErrAbandoned if the call was closed first, or the context's
// error if the context passed to Hedge.Call ends first.
func (c *Call[Req, Resp]) Wait() (Resp, error) {
	c.once.Do(func() {
		c.resp, c.err = c.run()
	})
	return c.resp, c.err
}

// Close releases the call. Before a result exists, both attempts are
// cancelled, nothing is recorded and Wait returns ErrAbandoned. After that,
// Close cancels the winning attempt's context, unless the handler took it
// over through Binder.
func (c *Call[Req, Resp]) Close() {
	c.closeOnce.Do(func() { close(c.abandon) })
	c.once.Do(func() {
		c.resp, c.err = c.fail(ErrAbandoned)
	})
	if c.release != nil {
		c.release()
	}
}

func (c *Call[Req, Resp]) run() (Resp, error) {
	defer c.stopTimers()

	for {
		var delayC, recheckC <-chan time.Time
		if c.delay != nil {
			delayC = c.delay.C()
		}
		if c.recheck != nil {
			recheckC = c.recheck.C()
		}

		select {
		case r := <-c.orig:
			return c.finish(attemptOriginal, r, c.hedged)

		case r := <-c.hedged:
			// The original wins a tie.
			if o, ok := c.pollOriginal(); ok {
				c.discard(r)
				return c.finish(attemptOriginal, o, nil)
			}
			return c.finish(attemptHedge, r, c.orig)

		case _, ok := <-delayC:
			c.delay = nil
			if !ok {
				c.timerFailed()
				continue
			}
			c.log.Trace().Msg("hedge timeout reached")
			if o, ok := c.pollOriginal(); ok {
				return c.finish(attemptOriginal, o, nil)
			}
			if err := c.tryHedge(); err != nil {
				return c.fail(err)
			}

		case _, ok := <-recheckC:
			c.recheck = nil
			if !ok {
				c.timerFailed()
				continue
			}
			if o, ok := c.pollOriginal(); ok {
				return c.finish(attemptOriginal, o, nil)
			}
			if err := c.tryHedge(); err != nil {
				return c.fail(err)
			}

		case <-c.abandon:
			return c.fail(ErrAbandoned)

		case <-c.ctx.Done():
			return c.fail(c.ctx.Err())
		}
	}
}

// tryHedge issues the hedge attempt if the handler, the retained request
// and the policy all allow it. A non-nil error is terminal for the call.
func (c *Call[Req, Resp]) tryHedge() error {
	h := c.hedge

	ready, err := h.handler.Ready(c.ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("handler readiness failed")
		return fmt.Errorf("%w: %w", ErrReadiness, err)
	}
	if !ready {
		c.log.Trace().Msg("handler not ready, deferring hedge")
		c.skip(reasonBackpressure)
		c.scheduleRecheck()
		return nil
	}

	if !c.hasRequest {
		c.log.Trace().Msg("request not clonable, no hedge")
		c.skip(reasonNotClonable)
		return nil
	}

	if !h.policy.CanRetry(c.request) {
		c.log.Trace().Msg("no budget for hedge")
		c.skip(reasonPolicyDenied)
		c.scheduleRecheck()
		return nil
	}

	req := c.request
	c.request, c.hasRequest = h.policy.CloneRequest(req)
	// A call hedges at most once.
	c.dropRequest()
	c.hedged, c.hedgeCancel = h.start(c.ctx, req)
	c.state.Store(int32(StateHedgeInFlight))

	elapsed := h.cfg.Clock.Now().Sub(c.start)
	c.log.Trace().Dur("elapsed", elapsed).Msg("issuing hedge request")
	h.cfg.Metrics.recordHedge(c.ctx, h.attrs)
	trace.SpanFromContext(c.ctx).AddEvent("hedge.issued", trace.WithAttributes(
		attribute.String("hedge.call_id", c.id),
		attribute.Int64("hedge.elapsed_ms", elapsed.Milliseconds()),
	))
	return nil
}

// finish records the latency of the winning attempt and releases the loser.
func (c *Call[Req, Resp]) finish(
	winner attempt,
	r result[Resp],
	loser <-chan result[Resp],
) (Resp, error) {
	h := c.hedge

	elapsed := h.cfg.Clock.Now().Sub(c.start)
	h.tracker.Record(elapsed)
	c.state.Store(int32(StateDone))

	winnerCancel := c.origCancel
	if winner == attemptOriginal {
		if c.hedgeCancel != nil {
			c.hedgeCancel()
		}
	} else {
		winnerCancel = c.hedgeCancel
		c.origCancel()
	}
	c.drain(loser)
	c.dropRequest()

	if b, ok := h.handler.(Binder[Resp]); ok && r.err == nil {
		r.resp = b.Bind(r.resp, winnerCancel)
	} else {
		c.release = winnerCancel
	}

	c.log.Trace().
		Str("winner", winner.String()).
		Dur("latency", elapsed).
		Msg("recording latency")
	h.cfg.Metrics.recordLatency(c.ctx, elapsed, h.attrs)
	h.cfg.Metrics.recordWin(c.ctx, winner.String(), h.attrs)
	trace.SpanFromContext(c.ctx).AddEvent("hedge.completed", trace.WithAttributes(
		attribute.String("hedge.call_id", c.id),
		attribute.String("hedge.winner", winner.String()),
		attribute.Bool("hedge.hedged", c.hedged != nil),
	))

	return r.resp, r.err
}

// fail ends the call without a result from either attempt. Nothing is
// recorded.
func (c *Call[Req, Resp]) fail(err error) (Resp, error) {
	c.origCancel()
	c.drain(c.orig)
	if c.hedgeCancel != nil {
		c.hedgeCancel()
		c.drain(c.hedged)
	}
	c.stopTimers()
	c.dropRequest()
	c.state.Store(int32(StateDone))

	var zero Resp
	return zero, err
}

// pollOriginal returns the original attempt's result if it is available.
func (c *Call[Req, Resp]) pollOriginal() (result[Resp], bool) {
	select {
	case r := <-c.orig:
		return r, true
	default:
		return result[Resp]{}, false
	}
}

// drain hands the eventual result on ch to the handler's Discarder, if any.
func (c *Call[Req, Resp]) drain(ch <-chan result[Resp]) {
	if ch == nil {
		return
	}
	if _, ok := c.hedge.handler.(Discarder[Resp]); !ok {
		return
	}
	go func() {
		c.discard(<-ch)
	}()
}

func (c *Call[Req, Resp]) discard(r result[Resp]) {
	if r.err != nil {
		return
	}
	if d, ok := c.hedge.handler.(Discarder[Resp]); ok {
		d.Discard(r.resp)
	}
}

func (c *Call[Req, Resp]) scheduleRecheck() {
	if c.recheckBackOff == nil {
		c.recheckBackOff = c.hedge.cfg.newRecheckBackOff()
	}
	c.recheck = c.hedge.cfg.Clock.NewTimer(c.recheckBackOff.NextBackOff())
}

func (c *Call[Req, Resp]) timerFailed() {
	c.log.Error().Msg("hedge timer failed, continuing without hedge")
	c.skip(reasonTimerFailure)
	c.stopTimers()
	c.state.Store(int32(StateInit))
}

func (c *Call[Req, Resp]) stopTimers() {
	if c.delay != nil {
		c.delay.Stop()
		c.delay = nil
	}
	if c.recheck != nil {
		c.recheck.Stop()
		c.recheck = nil
	}
}

// dropRequest releases the retained duplicate, if any.
func (c *Call[Req, Resp]) dropRequest() {
	if c.hasRequest {
		if r, ok := c.hedge.policy.(RequestReleaser[Req]); ok {
			r.ReleaseRequest(c.request)
		}
	}
	var zero Req
	c.request, c.hasRequest = zero, false
}

// skip counts a withheld hedge once per call and reason.
func (c *Call[Req, Resp]) skip(reason string) {
	if _, ok := c.skipped[reason]; ok {
		return
	}
	if c.skipped == nil {
		c.skipped = make(map[string]struct{}, 1)
	}
	c.skipped[reason] = struct{}{}
	c.hedge.cfg.Metrics.recordSkipped(c.ctx, reason, c.hedge.attrs)
}

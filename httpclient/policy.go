package httpclient

import (
	"net/http"

	"github.com/kroma-labs/sentinel-hedge/hedge"
	"golang.org/x/time/rate"
)

// IdempotencyKeyHeader marks a request as safe to send twice regardless of
// its method.
const IdempotencyKeyHeader = "Idempotency-Key"

// requestPolicy decides which requests may be hedged.
//
// A request is clonable when it is idempotent and its body, if any, can be
// replayed. Issuing a hedge additionally takes a token from budget.
type requestPolicy struct {
	methods map[string]struct{}
	budget  *rate.Limiter
}

var (
	_ hedge.Policy[*http.Request]          = (*requestPolicy)(nil)
	_ hedge.RequestReleaser[*http.Request] = (*requestPolicy)(nil)
)

// newRequestPolicy creates the policy for one host.
func newRequestPolicy(cfg HedgeConfig) *requestPolicy {
	p := &requestPolicy{
		methods: make(map[string]struct{}, len(cfg.Methods)),
	}
	for _, m := range cfg.Methods {
		p.methods[m] = struct{}{}
	}
	if cfg.BudgetPerSecond > 0 {
		burst := cfg.BudgetBurst
		if burst <= 0 {
			burst = 1 // Minimum burst of 1
		}
		p.budget = rate.NewLimiter(rate.Limit(cfg.BudgetPerSecond), burst)
	}
	return p
}

// CanRetry takes one token from the hedge budget, if any.
func (p *requestPolicy) CanRetry(*http.Request) bool {
	if p.budget == nil {
		return true
	}
	return p.budget.Allow()
}

// CloneRequest returns a copy of req with a fresh body.
func (p *requestPolicy) CloneRequest(req *http.Request) (*http.Request, bool) {
	if !p.idempotent(req) {
		return nil, false
	}

	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, true
	}
	if req.GetBody == nil {
		return nil, false
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	clone.Body = body
	return clone, true
}

// ReleaseRequest closes the body of a clone that was never sent.
func (p *requestPolicy) ReleaseRequest(req *http.Request) {
	if req != nil && req.Body != nil && req.Body != http.NoBody {
		_ = req.Body.Close()
	}
}

func (p *requestPolicy) idempotent(req *http.Request) bool {
	if req.Header.Get(IdempotencyKeyHeader) != "" {
		return true
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	_, ok := p.methods[method]
	return ok
}

// tokens returns the currently available hedge budget, or -1 when the
// budget is disabled.
func (p *requestPolicy) tokens() float64 {
	if p.budget == nil {
		return -1
	}
	return p.budget.Tokens()
}

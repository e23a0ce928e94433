package simbridge

import (
	"context"
	"fmt"
	"sync"

	"simbridge/internal/metrics"
	"simbridge/internal/msgs"
)

// State is the lifecycle of a Pending request.
type State int

const (
	Armed State = iota
	Resolved
	Cancelled
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Resolved:
		return "resolved"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Expectation describes the response a pending request waits for. Empty
// fields match anything.
type Expectation struct {
	// Request is the command kind echoed in the response, e.g. "entity_delete".
	Request string
	// Response is the status, e.g. "success". Leave empty to accept any outcome.
	Response string
	// Target is compared with the response's data field, but only when the
	// response carries one. Without it matching degrades to kind and status.
	Target string
	// ID is compared with the response id when both are non-zero.
	ID int64
	// Match is an additional predicate evaluated last.
	Match func(msgs.Response) bool
}

func (e Expectation) matches(r msgs.Response) bool {
	if e.Request != "" && r.Request != e.Request {
		return false
	}
	if e.Response != "" && r.Response != e.Response {
		return false
	}
	if e.ID != 0 && r.ID != 0 && r.ID != e.ID {
		return false
	}
	if e.Target != "" && r.Data != "" && r.Data != e.Target {
		return false
	}
	if e.Match != nil && !e.Match(r) {
		return false
	}
	return true
}

// Pending is an armed expectation. It leaves the Armed state exactly once.
type Pending struct {
	c    *Correlator
	exp  Expectation
	done func(msgs.Response)

	// guarded by c.mu
	state State
	resp  msgs.Response

	finished chan struct{}
}

func (p *Pending) Expectation() Expectation {
	return p.exp
}

// Done is closed once the request is resolved or cancelled, after the
// completion callback returned.
func (p *Pending) Done() <-chan struct{} {
	return p.finished
}

func (p *Pending) State() State {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.state
}

// Response returns the matching response once resolved.
func (p *Pending) Response() (msgs.Response, bool) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.resp, p.state == Resolved
}

// Cancel withdraws the request. It reports false when the request already
// left the Armed state.
func (p *Pending) Cancel() bool {
	return p.c.Cancel(p)
}

// Wait blocks until the request finishes or ctx ends. On ctx expiry the
// request is cancelled; if a response won the race it is returned instead.
func (p *Pending) Wait(ctx context.Context) (msgs.Response, error) {
	select {
	case <-p.finished:
	case <-ctx.Done():
		if p.Cancel() {
			return msgs.Response{}, fmt.Errorf("wait for %s: %w", p.exp.Request, ctx.Err())
		}
		<-p.finished
	}
	if resp, ok := p.Response(); ok {
		return resp, nil
	}
	return msgs.Response{}, ErrCancelled
}

// Correlator matches responses against pending requests in arming order.
type Correlator struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending []*Pending
}

func NewCorrelator(m *metrics.Metrics) *Correlator {
	return &Correlator{metrics: m}
}

// Arm registers an expectation. done, if non-nil, is invoked once with the
// matching response; it is never invoked for a cancelled request.
func (c *Correlator) Arm(exp Expectation, done func(msgs.Response)) *Pending {
	p := &Pending{c: c, exp: exp, done: done, finished: make(chan struct{})}
	c.mu.Lock()
	c.pending = append(c.pending, p)
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPending(n)
	return p
}

// Resolve finds the first armed request matching resp, resolves it and
// invokes its callback. It returns nil when nothing matched, which is not an
// error: nobody has to be listening for a response.
func (c *Correlator) Resolve(resp msgs.Response) *Pending {
	c.mu.Lock()
	var hit *Pending
	for i, p := range c.pending {
		if p.exp.matches(resp) {
			hit = p
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			p.state = Resolved
			p.resp = resp
			break
		}
	}
	n := len(c.pending)
	c.mu.Unlock()
	if hit == nil {
		return nil
	}

	c.metrics.SetPending(n)
	c.metrics.IncCorrelation("resolved")
	defer close(hit.finished)
	if hit.done != nil {
		hit.done(resp)
	}
	return hit
}

// Cancel withdraws p if it is still armed.
func (c *Correlator) Cancel(p *Pending) bool {
	c.mu.Lock()
	if p.state != Armed {
		c.mu.Unlock()
		return false
	}
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			break
		}
	}
	p.state = Cancelled
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPending(n)
	c.metrics.IncCorrelation("cancelled")
	close(p.finished)
	return true
}

// CancelAll withdraws every armed request and returns how many there were.
func (c *Correlator) CancelAll() int {
	c.mu.Lock()
	all := c.pending
	c.pending = nil
	for _, p := range all {
		p.state = Cancelled
	}
	c.mu.Unlock()

	c.metrics.SetPending(0)
	for _, p := range all {
		c.metrics.IncCorrelation("cancelled")
		close(p.finished)
	}
	return len(all)
}

// Len returns the number of armed requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

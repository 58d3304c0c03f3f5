// Package gating implements the request-context gates and subrequest
// budget of section 5: an input gate that suspends inbound event
// dispatch while a Durable Object write is in flight, and an output
// gate that suspends outbound effects until that write is durable.
package gating

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
)

// Error is the class for gating failures.
var Error = errs.Class("gating")

// ErrSubrequestLimitExceeded is returned once a context's external
// subrequest budget is exhausted.
var ErrSubrequestLimitExceeded = Error.New("subrequest limit exceeded")

// Gate is a binary condition that suspends callers while it is closed.
// NewGate returns it open; Close and Open are idempotent.
type Gate struct {
	mu     sync.Mutex
	open   bool
	waitCh chan struct{}
}

// NewGate returns an open gate (the common case: most operations are
// not behind a pending write).
func NewGate() *Gate {
	return &Gate{open: true, waitCh: make(chan struct{})}
}

// Close closes the gate; subsequent Wait calls block until Open.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.waitCh = make(chan struct{})
	}
}

// Open opens the gate, releasing anyone blocked in Wait.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.waitCh)
	}
}

// Wait blocks until the gate is open or ctx is cancelled.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return nil
	}
	ch := g.waitCh
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Budget tracks the subrequest counters of section 5: requestDepth,
// pipelineDepth, externalSubrequestLimit.
type Budget struct {
	mu                      sync.Mutex
	RequestDepth            int
	PipelineDepth           int
	ExternalSubrequestLimit int
	used                    int
}

// NewBudget constructs a Budget with the given limit (0 = unlimited).
func NewBudget(requestDepth, pipelineDepth, limit int) *Budget {
	return &Budget{RequestDepth: requestDepth, PipelineDepth: pipelineDepth, ExternalSubrequestLimit: limit}
}

// Charge increments the subrequest counter, failing once the limit is
// exceeded. Called for each outbound fetch, cache-miss upstream fetch,
// or coupled WebSocket message (section 5 "Subrequest budget").
func (b *Budget) Charge() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ExternalSubrequestLimit > 0 && b.used >= b.ExternalSubrequestLimit {
		return ErrSubrequestLimitExceeded
	}
	b.used++
	return nil
}

// Used reports the number of subrequests charged so far.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Context is the per-request context of section 5: input/output gates
// plus the subrequest budget. Durable-Object-scoped contexts get a
// fresh Budget so internal WebSocket traffic doesn't count against the
// outer request (section 5 "Subrequest budget" closing note).
type Context struct {
	context.Context

	InputGate  *Gate
	OutputGate *Gate
	Budget     *Budget

	mu       sync.Mutex
	rolledBackDO bool
}

// New constructs a request Context wrapping parent, with both gates
// initially open (no DO write in flight yet).
func New(parent context.Context, budget *Budget) *Context {
	return &Context{
		Context:    parent,
		InputGate:  NewGate(),
		OutputGate: NewGate(),
		Budget:     budget,
	}
}

// WithDOBudget returns a child Context whose subrequest Budget is reset,
// for dispatch scoped to a single Durable Object (section 5).
func (c *Context) WithDOBudget(limit int) *Context {
	return &Context{
		Context:    c.Context,
		InputGate:  c.InputGate,
		OutputGate: c.OutputGate,
		Budget:     NewBudget(c.Budget.RequestDepth+1, c.Budget.PipelineDepth, limit),
	}
}

// BeginWrite closes both gates for the duration of an in-flight DO
// write; EndWrite reopens them once the write is durable.
func (c *Context) BeginWrite() {
	c.InputGate.Close()
	c.OutputGate.Close()
}

// EndWrite reopens both gates once the write that closed them has
// committed (or failed and been rolled back).
func (c *Context) EndWrite() {
	c.InputGate.Open()
	c.OutputGate.Open()
}

// Cancel marks any in-flight DO transaction on this context as rolled
// back, so commit observes it and skips the write, and reopens both
// gates. It does not cancel the embedded parent context, so outbound
// subrequests made under it are not aborted.
func (c *Context) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolledBackDO = true
	c.EndWrite()
}

// Cancelled reports whether Cancel has been called on this context,
// used by the DO transaction wrapper to refuse to commit.
func (c *Context) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rolledBackDO
}

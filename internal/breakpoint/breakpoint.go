// Package breakpoint implements the rule engine that suspends matching
// in-flight requests for out-of-band inspection and edit (spec §4.5).
package breakpoint

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Context is the explicit matching input presented to the rule engine,
// recovered from the pre-distillation model (cert_manager/breakpoints.rs
// named this input explicitly; the distilled spec only lists the fields).
type Context struct {
	Method string
	Host   string
	Path   string
}

// Rule is one breakpoint rule. Disjunctive across rules, conjunctive across
// the fields set within a single rule.
type Rule struct {
	ID           string `json:"id"`
	Enabled      bool   `json:"enabled"`
	Method       string `json:"method,omitempty"`
	HostContains string `json:"host_contains,omitempty"`
	PathContains string `json:"path_contains,omitempty"`
}

// Matches reports whether the rule applies to ctx. A disabled rule never
// matches. Unset fields are wildcards.
func (r *Rule) Matches(ctx Context) bool {
	if !r.Enabled {
		return false
	}
	if r.Method != "" && !strings.EqualFold(r.Method, ctx.Method) {
		return false
	}
	if r.HostContains != "" && !strings.Contains(strings.ToLower(ctx.Host), strings.ToLower(r.HostContains)) {
		return false
	}
	if r.PathContains != "" && !strings.Contains(strings.ToLower(ctx.Path), strings.ToLower(r.PathContains)) {
		return false
	}
	return true
}

// Edit is an operator-supplied override applied to a paused request before
// it resumes forwarding (spec §4.5).
type Edit struct {
	Method  *string
	Path    *string
	Headers []EditHeader // nil = unchanged; non-nil replaces the full list
	Body    []byte       // nil = unchanged; non-nil (incl. empty) replaces the body
}

// EditHeader is one header name/value pair in a replacement header list.
type EditHeader struct {
	Name  string
	Value string
}

// IsEmpty reports whether the edit changes nothing, used to decide the
// Resumed{edited} flag.
func (e *Edit) IsEmpty() bool {
	if e == nil {
		return true
	}
	return e.Method == nil && e.Path == nil && e.Headers == nil && e.Body == nil
}

// EventKind discriminates EventBus events.
type EventKind int

const (
	EventHit EventKind = iota
	EventResumed
	EventAborted
)

// Event is one item on the breakpoint broadcast stream.
type Event struct {
	Kind          EventKind
	TransactionID string
	Context       Context
	Edited        bool
	Reason        string
}

// decision is the outcome delivered through a suspended request's one-shot
// channel.
type decision struct {
	aborted bool
	reason  string
	edit    *Edit
}

// pending is the state held for one suspended transaction.
type pending struct {
	ch chan decision
}

// EventBus is an unbounded-subscriber broadcast of breakpoint events,
// distinct from the Shared Fabric's single-subscriber traffic sink — the
// original Rust implementation modeled this with a tokio::broadcast
// channel of capacity 128; here each subscriber gets its own buffered Go
// channel of the same depth, which publish fills synchronously from the
// publishing goroutine.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is buffered at 128 events; a slow
// subscriber that falls behind has further events dropped for it rather
// than blocking publishers.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 128)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *EventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Engine holds the rule list and the pending suspension map.
type Engine struct {
	Events *EventBus

	mu    sync.Mutex
	rules []*Rule

	pendMu  sync.Mutex
	pending map[string]*pending
}

// NewEngine creates an Engine with no rules configured.
func NewEngine() *Engine {
	return &Engine{
		Events:  NewEventBus(),
		pending: make(map[string]*pending),
	}
}

// SetRules replaces the rule list wholesale, used when loading seeded rules
// from configuration.
func (e *Engine) SetRules(rules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// ListRules returns a copy of the current rule list.
func (e *Engine) ListRules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// AddRule appends a new rule, assigning it a fresh id if absent.
func (e *Engine) AddRule(r *Rule) *Rule {
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err == nil {
			r.ID = id.String()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	return r
}

// RemoveRule deletes the rule with the given id, reporting whether it
// existed.
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Matched reports whether any enabled rule matches ctx (disjunction across
// rules).
func (e *Engine) Matched(ctx Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.Matches(ctx) {
			return true
		}
	}
	return false
}

// Outcome is the result of a pause: either the request resumes with an edit
// to apply, or the caller must abort it.
type Outcome struct {
	Aborted bool
	Reason  string
	Edit    *Edit
}

// Pause registers transactionID as suspended, emits Hit, and blocks until a
// resume or abort decision arrives, or ctxDone fires (connection teardown).
// The pending entry is removed before the decision is delivered to the
// caller, so the rendezvous cannot be resolved twice.
func (e *Engine) Pause(transactionID string, ctx Context, done <-chan struct{}) Outcome {
	p := &pending{ch: make(chan decision, 1)}
	e.pendMu.Lock()
	e.pending[transactionID] = p
	e.pendMu.Unlock()

	e.Events.publish(Event{Kind: EventHit, TransactionID: transactionID, Context: ctx})

	select {
	case d := <-p.ch:
		if d.aborted {
			e.Events.publish(Event{Kind: EventAborted, TransactionID: transactionID, Reason: d.reason})
			return Outcome{Aborted: true, Reason: d.reason}
		}
		e.Events.publish(Event{Kind: EventResumed, TransactionID: transactionID, Edited: !d.edit.IsEmpty()})
		return Outcome{Edit: d.edit}
	case <-done:
		e.pendMu.Lock()
		delete(e.pending, transactionID)
		e.pendMu.Unlock()
		return Outcome{Aborted: true, Reason: "connection closed"}
	}
}

// Resume delivers a resume decision with the given edit to the suspended
// transaction, reporting whether it was found.
func (e *Engine) Resume(transactionID string, edit *Edit) bool {
	e.pendMu.Lock()
	p, ok := e.pending[transactionID]
	if ok {
		delete(e.pending, transactionID)
	}
	e.pendMu.Unlock()
	if !ok {
		return false
	}
	p.ch <- decision{edit: edit}
	return true
}

// Abort delivers an abort decision with reason to the suspended transaction,
// reporting whether it was found.
func (e *Engine) Abort(transactionID string, reason string) bool {
	e.pendMu.Lock()
	p, ok := e.pending[transactionID]
	if ok {
		delete(e.pending, transactionID)
	}
	e.pendMu.Unlock()
	if !ok {
		return false
	}
	p.ch <- decision{aborted: true, reason: reason}
	return true
}

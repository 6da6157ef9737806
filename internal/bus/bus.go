// Package bus routes envelopes to subscribed agents.
//
// Publish is synchronous: the envelope is validated, appended to the audit
// log, and handed to every subscriber of its type, in subscription order,
// before Publish returns. Publishes are serialized, which gives per-type FIFO
// delivery. Handlers run while the bus holds its publish lock and therefore
// must not call Publish themselves; agents only enqueue into their mailbox.
package bus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"voxelcrew.ai/internal/protocol"
)

// Handler receives a private copy of a delivered envelope.
type Handler func(env protocol.Envelope) error

// Validator rejects malformed envelopes. *protocol.Registry satisfies it.
type Validator interface {
	Validate(env protocol.Envelope) error
}

// AuditSink receives every audit record after it is appended.
type AuditSink interface {
	WriteAudit(rec AuditRecord) error
}

type AuditRecord struct {
	Seq         uint64            `json:"seq"`
	Envelope    protocol.Envelope `json:"envelope"`
	DeliveredAt time.Time         `json:"delivered_at"`
	Recipients  []string          `json:"recipients,omitempty"`
	Faults      []string          `json:"faults,omitempty"`
}

var ErrNoEndpoint = errors.New("no endpoint registered")

// HandlerFault captures a single subscriber failure during delivery.
type HandlerFault struct {
	AgentID string
	Type    string
	Err     error
}

func (f HandlerFault) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", f.Type, f.AgentID, f.Err)
}

func (f HandlerFault) Unwrap() error { return f.Err }

func (HandlerFault) ErrorCode() string { return protocol.ErrHandlerFault }

// Report summarizes one publish.
type Report struct {
	Seq       uint64
	Delivered []string
	Faults    []HandlerFault
}

// Err joins the handler faults, or returns nil when every delivery succeeded.
func (r Report) Err() error {
	if len(r.Faults) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Faults))
	for _, f := range r.Faults {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

type Bus struct {
	validator Validator
	log       *log.Logger
	now       func() time.Time

	mu        sync.RWMutex
	endpoints map[string]Handler
	table     map[string][]string // type -> agent ids in subscription order
	sinks     []AuditSink

	pubMu sync.Mutex
	seq   uint64
	audit []AuditRecord
}

type Option func(*Bus)

func WithLogger(l *log.Logger) Option { return func(b *Bus) { b.log = l } }

// WithClock overrides the timestamp source (tests).
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

func WithSink(s AuditSink) Option { return func(b *Bus) { b.sinks = append(b.sinks, s) } }

func New(v Validator, opts ...Option) *Bus {
	b := &Bus{
		validator: v,
		now:       time.Now,
		endpoints: map[string]Handler{},
		table:     map[string][]string{},
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = log.New(io.Discard, "", 0)
	}
	return b
}

// AddSink attaches an audit sink. Records already in the log are not replayed.
func (b *Bus) AddSink(s AuditSink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Register binds the delivery endpoint for agentID, replacing any previous one.
func (b *Bus) Register(agentID string, h Handler) {
	b.mu.Lock()
	b.endpoints[agentID] = h
	b.mu.Unlock()
}

// Subscribe is idempotent.
func (b *Bus) Subscribe(agentID, msgType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.table[msgType] {
		if id == agentID {
			return
		}
	}
	b.table[msgType] = append(b.table[msgType], agentID)
	b.log.Printf("subscribe agent=%s type=%s", agentID, msgType)
}

func (b *Bus) Unsubscribe(agentID, msgType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.table[msgType]
	for i, id := range subs {
		if id != agentID {
			continue
		}
		next := make([]string, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.table, msgType)
		} else {
			b.table[msgType] = next
		}
		b.log.Printf("unsubscribe agent=%s type=%s", agentID, msgType)
		return
	}
}

// Subscribers returns the current subscribers of msgType in delivery order.
func (b *Bus) Subscribers(msgType string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.table[msgType]...)
}

// Publish stamps, validates and delivers env. A validation failure returns a
// *protocol.SchemaError and nothing is delivered or audited. Handler failures
// never abort delivery; they are collected in the report.
func (b *Bus) Publish(env protocol.Envelope) (Report, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	env.Timestamp = b.now()
	if b.validator != nil {
		if err := b.validator.Validate(env); err != nil {
			b.log.Printf("publish rejected type=%s source=%s: %v", env.Type, env.Source, err)
			return Report{}, err
		}
	}

	b.mu.RLock()
	subs := append([]string(nil), b.table[env.Type]...)
	handlers := make([]Handler, len(subs))
	for i, id := range subs {
		handlers[i] = b.endpoints[id]
	}
	sinks := append([]AuditSink(nil), b.sinks...)
	b.mu.RUnlock()

	b.seq++
	rep := Report{Seq: b.seq}
	for i, id := range subs {
		if err := deliver(handlers[i], env.Clone()); err != nil {
			f := HandlerFault{AgentID: id, Type: env.Type, Err: err}
			rep.Faults = append(rep.Faults, f)
			b.log.Printf("handler fault: %v", f)
			continue
		}
		rep.Delivered = append(rep.Delivered, id)
	}

	rec := AuditRecord{
		Seq:         rep.Seq,
		Envelope:    env.Clone(),
		DeliveredAt: b.now(),
		Recipients:  rep.Delivered,
	}
	for _, f := range rep.Faults {
		rec.Faults = append(rec.Faults, f.Error())
	}
	b.audit = append(b.audit, rec)
	for _, s := range sinks {
		if err := s.WriteAudit(rec); err != nil {
			b.log.Printf("audit sink: %v", err)
		}
	}
	return rep, nil
}

func deliver(h Handler, env protocol.Envelope) (err error) {
	if h == nil {
		return ErrNoEndpoint
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(env)
}

// Audit returns a snapshot of the audit log in publish order.
func (b *Bus) Audit() []AuditRecord {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	out := make([]AuditRecord, len(b.audit))
	copy(out, b.audit)
	return out
}

// AuditLen is the number of records appended so far.
func (b *Bus) AuditLen() int {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return len(b.audit)
}

// Package correlation tracks causal chains across service boundaries. A
// context is created per inbound event, child contexts are spawned as work
// fans out, and trace events record per-operation timing. The store is an
// injected dependency, bounded by age-based pruning.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status of a trace event.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Context is one node in a correlation tree. Children inherit TraceID from
// their parent; a root context generates a fresh trace.
type Context struct {
	CorrelationID  string    `json:"correlationId"`
	ParentID       string    `json:"parentId,omitempty"`
	TraceID        string    `json:"traceId"`
	SpanID         string    `json:"spanId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	EmployeeID     string    `json:"employeeId,omitempty"`
	WorkflowID     string    `json:"workflowId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TraceEvent is one recorded operation transition within a correlation.
type TraceEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	Operation string         `json:"operation"`
	Status    Status         `json:"status"`
	Duration  *time.Duration `json:"duration,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Options scope a new context. ParentID links into an existing trace.
type Options struct {
	ParentID       string
	OrganizationID string
	EmployeeID     string
	WorkflowID     string
}

// FullTrace is the result of GetFullTrace: the context, its events, and its
// direct children (one hop).
type FullTrace struct {
	Context  Context      `json:"context"`
	Events   []TraceEvent `json:"events"`
	Children []FullTrace  `json:"children,omitempty"`
}

// Span is an OpenTelemetry-shaped export of one context: parent linkage via
// span ids, timestamps from the first and last recorded event.
type Span struct {
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Name         string         `json:"name"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      time.Time      `json:"endTime"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

type entry struct {
	ctx          Context
	events       []TraceEvent
	children     []string
	lastActivity time.Time
}

// Store holds correlation state for the process. All methods are safe for
// concurrent use; updates within one correlation are serialized.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*entry
	now      func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{contexts: make(map[string]*entry), now: time.Now}
}

// CreateContext creates a root or parent-linked context. When opts.ParentID
// names a known context the new one joins its trace; an unknown parent
// starts a new trace but keeps the parent reference.
func (s *Store) CreateContext(opts Options) Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(opts)
}

func (s *Store) createLocked(opts Options) Context {
	now := s.now().UTC()
	ctx := Context{
		CorrelationID:  uuid.New().String(),
		ParentID:       opts.ParentID,
		SpanID:         uuid.New().String(),
		OrganizationID: opts.OrganizationID,
		EmployeeID:     opts.EmployeeID,
		WorkflowID:     opts.WorkflowID,
		CreatedAt:      now,
	}
	if parent, ok := s.contexts[opts.ParentID]; ok {
		ctx.TraceID = parent.ctx.TraceID
		parent.children = append(parent.children, ctx.CorrelationID)
	} else {
		ctx.TraceID = uuid.New().String()
	}
	s.contexts[ctx.CorrelationID] = &entry{ctx: ctx, lastActivity: now}
	return ctx
}

// CreateChildContext spawns a child of an existing context, inheriting its
// tenant/employee/workflow scope unless overridden.
func (s *Store) CreateChildContext(parentCorrelationID string, opts Options) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.contexts[parentCorrelationID]
	if !ok {
		return Context{}, fmt.Errorf("unknown parent correlation %s", parentCorrelationID)
	}
	opts.ParentID = parentCorrelationID
	if opts.OrganizationID == "" {
		opts.OrganizationID = parent.ctx.OrganizationID
	}
	if opts.EmployeeID == "" {
		opts.EmployeeID = parent.ctx.EmployeeID
	}
	if opts.WorkflowID == "" {
		opts.WorkflowID = parent.ctx.WorkflowID
	}
	return s.createLocked(opts), nil
}

// Register adopts an externally-created correlation id (one that arrived on
// an envelope) so events can be recorded against it.
func (s *Store) Register(correlationID string, opts Options) Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.contexts[correlationID]; ok {
		return e.ctx
	}
	now := s.now().UTC()
	ctx := Context{
		CorrelationID:  correlationID,
		ParentID:       opts.ParentID,
		TraceID:        uuid.New().String(),
		SpanID:         uuid.New().String(),
		OrganizationID: opts.OrganizationID,
		EmployeeID:     opts.EmployeeID,
		WorkflowID:     opts.WorkflowID,
		CreatedAt:      now,
	}
	if parent, ok := s.contexts[opts.ParentID]; ok {
		ctx.TraceID = parent.ctx.TraceID
		parent.children = append(parent.children, correlationID)
	}
	s.contexts[correlationID] = &entry{ctx: ctx, lastActivity: now}
	return ctx
}

// RecordEvent appends a trace event. Completed and failed events are joined
// to the most recent matching started event on the same (service, operation)
// to compute duration.
func (s *Store) RecordEvent(correlationID, service, operation string, status Status, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.contexts[correlationID]
	if !ok {
		return fmt.Errorf("unknown correlation %s", correlationID)
	}
	now := s.now().UTC()
	ev := TraceEvent{
		Timestamp: now,
		Service:   service,
		Operation: operation,
		Status:    status,
		Metadata:  metadata,
	}
	if status == StatusCompleted || status == StatusFailed {
		for i := len(e.events) - 1; i >= 0; i-- {
			prev := e.events[i]
			if prev.Status == StatusStarted && prev.Service == service && prev.Operation == operation {
				d := now.Sub(prev.Timestamp)
				if d < 0 {
					d = 0
				}
				ev.Duration = &d
				break
			}
		}
	}
	e.events = append(e.events, ev)
	e.lastActivity = now
	return nil
}

// Get returns the context for a correlation id.
func (s *Store) Get(correlationID string) (Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.contexts[correlationID]
	if !ok {
		return Context{}, false
	}
	return e.ctx, true
}

// GetFullTrace returns the context, its events, and its direct children.
func (s *Store) GetFullTrace(correlationID string) (FullTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.contexts[correlationID]
	if !ok {
		return FullTrace{}, fmt.Errorf("unknown correlation %s", correlationID)
	}
	out := FullTrace{Context: e.ctx, Events: append([]TraceEvent(nil), e.events...)}
	for _, childID := range e.children {
		if c, ok := s.contexts[childID]; ok {
			out.Children = append(out.Children, FullTrace{
				Context: c.ctx,
				Events:  append([]TraceEvent(nil), c.events...),
			})
		}
	}
	return out, nil
}

// ExportTrace renders the correlation tree rooted at correlationID as
// OpenTelemetry-shaped spans, one per context.
func (s *Store) ExportTrace(correlationID string) ([]Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.contexts[correlationID]
	if !ok {
		return nil, fmt.Errorf("unknown correlation %s", correlationID)
	}

	var spans []Span
	var walk func(e *entry, parentSpanID string)
	walk = func(e *entry, parentSpanID string) {
		start, end := e.ctx.CreatedAt, e.lastActivity
		if len(e.events) > 0 {
			start = e.events[0].Timestamp
			end = e.events[len(e.events)-1].Timestamp
		}
		name := e.ctx.CorrelationID
		if len(e.events) > 0 {
			name = e.events[0].Service + "." + e.events[0].Operation
		}
		attrs := map[string]any{"correlation.id": e.ctx.CorrelationID}
		if e.ctx.OrganizationID != "" {
			attrs["organization.id"] = e.ctx.OrganizationID
		}
		if e.ctx.EmployeeID != "" {
			attrs["employee.id"] = e.ctx.EmployeeID
		}
		if e.ctx.WorkflowID != "" {
			attrs["workflow.id"] = e.ctx.WorkflowID
		}
		spans = append(spans, Span{
			TraceID:      e.ctx.TraceID,
			SpanID:       e.ctx.SpanID,
			ParentSpanID: parentSpanID,
			Name:         name,
			StartTime:    start,
			EndTime:      end,
			Attributes:   attrs,
		})
		for _, childID := range e.children {
			if c, ok := s.contexts[childID]; ok {
				walk(c, e.ctx.SpanID)
			}
		}
	}
	walk(root, "")
	return spans, nil
}

// Cleanup prunes contexts whose latest activity is older than maxAge and
// returns how many were removed.
func (s *Store) Cleanup(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.contexts {
		if e.lastActivity.Before(cutoff) {
			delete(s.contexts, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of live contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// DefaultMaxAge bounds context lifetime when pruning.
const DefaultMaxAge = 24 * time.Hour

// StartPruner runs Cleanup on the given interval until ctx is canceled.
func (s *Store) StartPruner(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Cleanup(maxAge); n > 0 {
				log.Debug().Int("pruned", n).Msg("correlation store cleanup")
			}
		}
	}
}

package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildInheritsTrace(t *testing.T) {
	t.Parallel()
	s := NewStore()

	a := s.CreateContext(Options{OrganizationID: "org-1", EmployeeID: "e-1"})
	assert.NotEmpty(t, a.TraceID)
	assert.NotEmpty(t, a.SpanID)
	assert.Empty(t, a.ParentID)

	b, err := s.CreateChildContext(a.CorrelationID, Options{})
	require.NoError(t, err)
	assert.Equal(t, a.TraceID, b.TraceID)
	assert.Equal(t, a.CorrelationID, b.ParentID)
	assert.NotEqual(t, a.SpanID, b.SpanID)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
	// Scope fields inherit unless overridden.
	assert.Equal(t, "org-1", b.OrganizationID)
	assert.Equal(t, "e-1", b.EmployeeID)

	c, err := s.CreateChildContext(a.CorrelationID, Options{EmployeeID: "e-2"})
	require.NoError(t, err)
	assert.Equal(t, "e-2", c.EmployeeID)

	_, err = s.CreateChildContext("nope", Options{})
	assert.Error(t, err)
}

func TestRootContextsGetDistinctTraces(t *testing.T) {
	t.Parallel()
	s := NewStore()
	a := s.CreateContext(Options{})
	b := s.CreateContext(Options{})
	assert.NotEqual(t, a.TraceID, b.TraceID)
}

func TestRecordEventDuration(t *testing.T) {
	t.Parallel()
	s := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := s.CreateContext(Options{})
	require.NoError(t, s.RecordEvent(ctx.CorrelationID, "gateway", "normalize", StatusStarted, nil))

	now = now.Add(250 * time.Millisecond)
	require.NoError(t, s.RecordEvent(ctx.CorrelationID, "gateway", "normalize", StatusCompleted, nil))

	trace, err := s.GetFullTrace(ctx.CorrelationID)
	require.NoError(t, err)
	require.Len(t, trace.Events, 2)
	completed := trace.Events[1]
	require.NotNil(t, completed.Duration)
	assert.Equal(t, 250*time.Millisecond, *completed.Duration)
	assert.GreaterOrEqual(t, *completed.Duration, time.Duration(0))

	// A failed event with no matching start carries no duration.
	require.NoError(t, s.RecordEvent(ctx.CorrelationID, "gateway", "publish", StatusFailed, nil))
	trace, err = s.GetFullTrace(ctx.CorrelationID)
	require.NoError(t, err)
	assert.Nil(t, trace.Events[2].Duration)

	assert.Error(t, s.RecordEvent("missing", "x", "y", StatusStarted, nil))
}

func TestDurationMatchesSameOperationOnly(t *testing.T) {
	t.Parallel()
	s := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := s.CreateContext(Options{})
	require.NoError(t, s.RecordEvent(ctx.CorrelationID, "svc", "a", StatusStarted, nil))
	now = now.Add(time.Second)
	require.NoError(t, s.RecordEvent(ctx.CorrelationID, "svc", "b", StatusStarted, nil))
	now = now.Add(time.Second)
	require.NoError(t, s.RecordEvent(ctx.CorrelationID, "svc", "a", StatusCompleted, nil))

	trace, err := s.GetFullTrace(ctx.CorrelationID)
	require.NoError(t, err)
	require.NotNil(t, trace.Events[2].Duration)
	assert.Equal(t, 2*time.Second, *trace.Events[2].Duration)
}

func TestGetFullTraceOneHop(t *testing.T) {
	t.Parallel()
	s := NewStore()
	a := s.CreateContext(Options{})
	b, err := s.CreateChildContext(a.CorrelationID, Options{})
	require.NoError(t, err)
	_, err = s.CreateChildContext(b.CorrelationID, Options{})
	require.NoError(t, err)

	trace, err := s.GetFullTrace(a.CorrelationID)
	require.NoError(t, err)
	require.Len(t, trace.Children, 1)
	assert.Equal(t, b.CorrelationID, trace.Children[0].Context.CorrelationID)
	// Grandchildren are not expanded.
	assert.Empty(t, trace.Children[0].Children)
}

func TestExportTrace(t *testing.T) {
	t.Parallel()
	s := NewStore()
	a := s.CreateContext(Options{OrganizationID: "org-1"})
	b, err := s.CreateChildContext(a.CorrelationID, Options{})
	require.NoError(t, err)

	require.NoError(t, s.RecordEvent(a.CorrelationID, "gateway", "ingest", StatusStarted, nil))
	require.NoError(t, s.RecordEvent(a.CorrelationID, "gateway", "ingest", StatusCompleted, nil))

	spans, err := s.ExportTrace(a.CorrelationID)
	require.NoError(t, err)
	require.Len(t, spans, 2)

	assert.Equal(t, a.TraceID, spans[0].TraceID)
	assert.Equal(t, a.SpanID, spans[0].SpanID)
	assert.Empty(t, spans[0].ParentSpanID)
	assert.Equal(t, "gateway.ingest", spans[0].Name)
	assert.Equal(t, "org-1", spans[0].Attributes["organization.id"])

	assert.Equal(t, a.TraceID, spans[1].TraceID)
	assert.Equal(t, b.SpanID, spans[1].SpanID)
	assert.Equal(t, a.SpanID, spans[1].ParentSpanID)

	_, err = s.ExportTrace("missing")
	assert.Error(t, err)
}

func TestCleanupPrunesStaleContexts(t *testing.T) {
	t.Parallel()
	s := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	old := s.CreateContext(Options{})
	now = now.Add(48 * time.Hour)
	fresh := s.CreateContext(Options{})

	removed := s.Cleanup(24 * time.Hour)
	assert.Equal(t, 1, removed)
	_, ok := s.Get(old.CorrelationID)
	assert.False(t, ok)
	_, ok = s.Get(fresh.CorrelationID)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestRegisterAdoptsExternalCorrelation(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := s.Register("ext-corr-1", Options{OrganizationID: "org-1"})
	assert.Equal(t, "ext-corr-1", ctx.CorrelationID)
	again := s.Register("ext-corr-1", Options{})
	assert.Equal(t, ctx.TraceID, again.TraceID)
	assert.Equal(t, 1, s.Len())
}

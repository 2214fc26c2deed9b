package hrms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"officeflow/internal/lifecycle"
	"officeflow/internal/observability"
)

// EventPublisher hands a normalized batch to the bus. The whole batch must
// be accepted before the adapter's cursor advances.
type EventPublisher interface {
	PublishLifecycle(ctx context.Context, events []lifecycle.Event) error
}

type pollerState struct {
	adapter  Adapter
	interval time.Duration
	enabled  bool

	mu           sync.Mutex
	lastPolledAt time.Time
	lastErr      error
}

// Manager owns one polling loop per registered adapter. Each loop ticks on
// the adapter's interval, skips while disabled, and advances the cursor only
// after a successful publish.
type Manager struct {
	publisher EventPublisher

	mu      sync.Mutex
	pollers map[string]*pollerState
}

// NewManager builds an empty poll manager.
func NewManager(publisher EventPublisher) *Manager {
	return &Manager{publisher: publisher, pollers: make(map[string]*pollerState)}
}

// Register adds an adapter to the manager. Interval below the minimum is
// rejected, matching adapter config validation.
func (m *Manager) Register(adapter Adapter, interval time.Duration, enabled bool) error {
	if interval < MinPollInterval {
		return fmt.Errorf("%s: poll interval %s is below the %s minimum", adapter.Source(), interval, MinPollInterval)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.pollers[adapter.Source()]; dup {
		return fmt.Errorf("adapter %s already registered", adapter.Source())
	}
	m.pollers[adapter.Source()] = &pollerState{adapter: adapter, interval: interval, enabled: enabled}
	return nil
}

// Run starts every polling loop and blocks until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	states := make([]*pollerState, 0, len(m.pollers))
	for _, p := range m.pollers {
		states = append(states, p)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range states {
		g.Go(func() error {
			return m.runOne(ctx, p)
		})
	}
	return g.Wait()
}

func (m *Manager) runOne(ctx context.Context, p *pollerState) error {
	logger := observability.LoggerWithTrace(ctx).With().Str("source", p.adapter.Source()).Logger()
	if !p.enabled {
		logger.Info().Msg("poller disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	logger.Info().Dur("interval", p.interval).Msg("poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	backoff := p.interval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		n, err := m.pollOnce(ctx, p)
		switch {
		case err == nil:
			backoff = p.interval
			if n > 0 {
				logger.Info().Int("events", n).Msg("poll published")
			}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			logger.Error().Err(err).Msg("poll failed")
			var uerr *UpstreamError
			if errors.As(err, &uerr) {
				switch {
				case uerr.Kind == ErrRateLimit && uerr.RetryAfter > 0:
					if serr := sleepPoll(ctx, uerr.RetryAfter); serr != nil {
						return serr
					}
				case !uerr.Retryable():
					// Credential or permission failures will not clear on
					// their own; widen the interval so logs stay readable.
					backoff = minDuration(backoff*2, time.Hour)
					if serr := sleepPoll(ctx, backoff); serr != nil {
						return serr
					}
				}
			}
		}
	}
}

// pollOnce runs a single poll→publish→advance cycle. The interval guard
// lives in the ticker; forced polls bypass it deliberately. Adapter panics
// surface as errors so a bad upstream response cannot kill the loop.
func (m *Manager) pollOnce(ctx context.Context, p *pollerState) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s poll panic: %v", p.adapter.Source(), r)
			p.setErr(err)
		}
	}()
	batch, err := p.adapter.Poll(ctx)
	if err != nil {
		p.setErr(err)
		return 0, err
	}
	if len(batch.Events) > 0 {
		if err := m.publisher.PublishLifecycle(ctx, batch.Events); err != nil {
			// Cursor unchanged: the batch is re-fetched on the next tick
			// rather than lost.
			p.setErr(err)
			return 0, fmt.Errorf("publish %s batch: %w", p.adapter.Source(), err)
		}
	}
	batch.Advance()
	p.setOK()
	return len(batch.Events), nil
}

// PollNow forces an out-of-band poll for one source, returning the number of
// events published.
func (m *Manager) PollNow(ctx context.Context, source string) (int, error) {
	m.mu.Lock()
	p, ok := m.pollers[source]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no adapter registered for source %q", source)
	}
	return m.pollOnce(ctx, p)
}

// Health probes every registered adapter and reports per-source status.
func (m *Manager) Health(ctx context.Context) map[string]error {
	m.mu.Lock()
	states := make(map[string]*pollerState, len(m.pollers))
	for s, p := range m.pollers {
		states[s] = p
	}
	m.mu.Unlock()

	out := make(map[string]error, len(states))
	for source, p := range states {
		out[source] = p.adapter.HealthCheck(ctx)
	}
	return out
}

func (p *pollerState) setErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *pollerState) setOK() {
	p.mu.Lock()
	p.lastErr = nil
	p.lastPolledAt = time.Now().UTC()
	p.mu.Unlock()
}

func sleepPoll(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

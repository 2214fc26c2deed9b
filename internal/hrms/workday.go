package hrms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"officeflow/internal/lifecycle"
	"officeflow/internal/observability"
)

// Workday paging: 100 events per page, hard poll cap at 1000 events so one
// tick never produces an unbounded batch. When the cap is hit with hasMore
// still true, the cursor is persisted at the break and the next poll resumes
// from it.
const (
	workdayPageSize = 100
	workdayPollCap  = 1000
)

var workdayIDFields = []string{"workerId", "id", "employeeId"}

type workdayAdapter struct {
	cfg    AdapterConfig
	client *http.Client

	mu           sync.Mutex
	cursor       string
	lastPolledAt time.Time
}

func newWorkday(cfg AdapterConfig) *workdayAdapter {
	return &workdayAdapter{cfg: cfg, client: cfg.HTTPClient}
}

func (a *workdayAdapter) Source() string { return SourceWorkday }

func (a *workdayAdapter) ValidateSignature(rawBody []byte, signature, secret string) error {
	return VerifySignature(rawBody, signature, secret, SourceWorkday)
}

func (a *workdayAdapter) ProcessWebhook(ctx context.Context, payload WebhookPayload) ([]lifecycle.Event, []error) {
	return processWebhookRecords(ctx, SourceWorkday, payload, "worker", workdayIDFields)
}

type workdayEvent struct {
	ID        string         `json:"id"`
	EventType string         `json:"eventType"`
	Worker    map[string]any `json:"worker"`
}

type workdayPage struct {
	Events     []workdayEvent `json:"events"`
	HasMore    bool           `json:"hasMore"`
	NextCursor string         `json:"nextCursor"`
}

func (a *workdayAdapter) Poll(ctx context.Context) (*Batch, error) {
	a.mu.Lock()
	cursor := a.cursor
	since := a.lastPolledAt
	a.mu.Unlock()

	logger := observability.LoggerWithTrace(ctx)
	var events []lifecycle.Event
	nextCursor := cursor

	for len(events) < workdayPollCap {
		page, err := a.fetchPage(ctx, nextCursor, since)
		if err != nil {
			// Cursor unchanged; the next tick retries the same window.
			return nil, err
		}
		for _, ev := range page.Events {
			event, nerr := normalizeRecord(SourceWorkday, ev.EventType, ev.ID, a.cfg.OrganizationID, ev.Worker, workdayIDFields)
			if nerr != nil {
				logger.Warn().Err(nerr).Str("sourceEventId", ev.ID).Msg("dropping workday event")
				continue
			}
			events = append(events, event)
		}
		nextCursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	committed := nextCursor
	return &Batch{
		Events: events,
		Advance: func() {
			a.mu.Lock()
			a.cursor = committed
			a.lastPolledAt = time.Now().UTC()
			a.mu.Unlock()
		},
	}, nil
}

func (a *workdayAdapter) fetchPage(ctx context.Context, cursor string, since time.Time) (*workdayPage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(workdayPageSize))
	q.Set("types", "worker.hire,worker.onboard,worker.terminate,worker.transfer,worker.update,worker.change")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339))
	}
	endpoint := fmt.Sprintf("%s/api/v1/events?%s", a.cfg.Credentials.TenantURL, q.Encode())

	var page workdayPage
	if err := getJSON(ctx, a.client, a.cfg.Credentials, endpoint, &page); err != nil {
		return nil, fmt.Errorf("workday poll: %w", err)
	}
	return &page, nil
}

func (a *workdayAdapter) HealthCheck(ctx context.Context) error {
	endpoint := a.cfg.Credentials.TenantURL + "/api/v1/ping"
	if err := getJSON(ctx, a.client, a.cfg.Credentials, endpoint, nil); err != nil {
		return fmt.Errorf("workday health: %w", err)
	}
	return nil
}

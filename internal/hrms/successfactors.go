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

const successFactorsPollCap = 1000

var successFactorsIDFields = []string{"userId", "id", "employeeId"}

// successFactorsAdapter polls the OData event feed with a timestamp cursor:
// only events strictly newer than the last seen timestamp are fetched.
type successFactorsAdapter struct {
	cfg    AdapterConfig
	client *http.Client

	mu            sync.Mutex
	lastEventTime time.Time
	lastPolledAt  time.Time
}

func newSuccessFactors(cfg AdapterConfig) *successFactorsAdapter {
	return &successFactorsAdapter{cfg: cfg, client: cfg.HTTPClient}
}

func (a *successFactorsAdapter) Source() string { return SourceSuccessFactors }

func (a *successFactorsAdapter) ValidateSignature(rawBody []byte, signature, secret string) error {
	return VerifySignature(rawBody, signature, secret, SourceSuccessFactors)
}

func (a *successFactorsAdapter) ProcessWebhook(ctx context.Context, payload WebhookPayload) ([]lifecycle.Event, []error) {
	return processWebhookRecords(ctx, SourceSuccessFactors, payload, "employee", successFactorsIDFields)
}

type successFactorsEvent struct {
	EventID   string         `json:"eventId"`
	EventType string         `json:"eventType"`
	Timestamp string         `json:"timestamp"`
	Employee  map[string]any `json:"employee"`
}

type successFactorsFeed struct {
	D struct {
		Results []successFactorsEvent `json:"results"`
	} `json:"d"`
}

func (a *successFactorsAdapter) Poll(ctx context.Context) (*Batch, error) {
	a.mu.Lock()
	since := a.lastEventTime
	a.mu.Unlock()

	q := url.Values{}
	q.Set("$orderby", "timestamp asc")
	q.Set("$top", fmt.Sprint(successFactorsPollCap))
	if !since.IsZero() {
		q.Set("$filter", fmt.Sprintf("timestamp gt datetime'%s'", since.UTC().Format("2006-01-02T15:04:05")))
	}
	endpoint := fmt.Sprintf("%s/odata/v2/EmployeeEvents?%s", a.cfg.Credentials.TenantURL, q.Encode())

	var feed successFactorsFeed
	if err := getJSON(ctx, a.client, a.cfg.Credentials, endpoint, &feed); err != nil {
		return nil, fmt.Errorf("successfactors poll: %w", err)
	}

	logger := observability.LoggerWithTrace(ctx)
	var events []lifecycle.Event
	maxSeen := since
	for _, ev := range feed.D.Results {
		if ts := parseTime(ev.Timestamp); ts != nil && ts.After(maxSeen) {
			maxSeen = *ts
		}
		record := ev.Employee
		event, err := normalizeRecord(SourceSuccessFactors, ev.EventType, ev.EventID, a.cfg.OrganizationID, record, successFactorsIDFields)
		if err != nil {
			logger.Warn().Err(err).Str("sourceEventId", ev.EventID).Msg("dropping successfactors event")
			continue
		}
		events = append(events, event)
	}

	committed := maxSeen
	return &Batch{
		Events: events,
		Advance: func() {
			a.mu.Lock()
			a.lastEventTime = committed
			a.lastPolledAt = time.Now().UTC()
			a.mu.Unlock()
		},
	}, nil
}

func (a *successFactorsAdapter) HealthCheck(ctx context.Context) error {
	endpoint := a.cfg.Credentials.TenantURL + "/odata/v2/$metadata"
	if err := getJSON(ctx, a.client, a.cfg.Credentials, endpoint, nil); err != nil {
		return fmt.Errorf("successfactors health: %w", err)
	}
	return nil
}

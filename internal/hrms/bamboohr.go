package hrms

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"officeflow/internal/config"
	"officeflow/internal/dedupe"
	"officeflow/internal/lifecycle"
	"officeflow/internal/observability"
)

var bambooIDFields = []string{"id", "employeeId"}

// onboardWindow is the hire-date proximity used to classify a changed
// directory record as a new hire.
const onboardWindow = 7 * 24 * time.Hour

// bambooDedupeTTL bounds repeat synthesis when lastChanged keeps moving inside the
// onboard window.
const bambooDedupeTTL = 7 * 24 * time.Hour

// bambooAdapter has no native event API. It polls the employee directory,
// diffs lastChanged against the previous poll, and synthesizes one event per
// changed record.
type bambooAdapter struct {
	cfg    AdapterConfig
	creds  config.HRMSCredentials
	client *http.Client
	dedupe dedupe.Store

	mu           sync.Mutex
	lastPolledAt time.Time
}

func newBambooHR(cfg AdapterConfig) *bambooAdapter {
	creds := cfg.Credentials
	if creds.APIKey != "" {
		// BambooHR authenticates with the API key as the basic-auth user.
		creds.Username, creds.Password, creds.APIKey = creds.APIKey, "x", ""
	}
	store := cfg.Dedupe
	if store == nil {
		store = dedupe.NewMemoryStore()
	}
	return &bambooAdapter{cfg: cfg, creds: creds, client: cfg.HTTPClient, dedupe: store}
}

func (a *bambooAdapter) Source() string { return SourceBambooHR }

func (a *bambooAdapter) ValidateSignature(rawBody []byte, signature, secret string) error {
	return VerifySignature(rawBody, signature, secret, SourceBambooHR)
}

func (a *bambooAdapter) ProcessWebhook(ctx context.Context, payload WebhookPayload) ([]lifecycle.Event, []error) {
	return processWebhookRecords(ctx, SourceBambooHR, payload, "employee", bambooIDFields)
}

type bambooDirectory struct {
	Employees []map[string]any `json:"employees"`
}

func (a *bambooAdapter) Poll(ctx context.Context) (*Batch, error) {
	a.mu.Lock()
	since := a.lastPolledAt
	a.mu.Unlock()

	endpoint := fmt.Sprintf("%s/api/gateway.php/%s/v1/employees/directory", a.creds.TenantURL, a.cfg.Credentials.CompanyID)
	var dir bambooDirectory
	if err := getJSON(ctx, a.client, a.creds, endpoint, &dir); err != nil {
		return nil, fmt.Errorf("bamboohr poll: %w", err)
	}

	logger := observability.LoggerWithTrace(ctx)
	now := time.Now().UTC()
	var events []lifecycle.Event
	for _, rec := range dir.Employees {
		changed := pickTime(rec, "lastChanged")
		if changed == nil || (!since.IsZero() && !changed.After(since)) {
			continue
		}
		sourceEventType := a.deriveEventType(rec, now)

		empID := pickString(rec, bambooIDFields...)
		key := fmt.Sprintf("bamboohr:%s:%s:%s", a.cfg.OrganizationID, empID, sourceEventType)
		if seen, err := a.dedupe.SeenOrMark(ctx, key, bambooDedupeTTL); err != nil {
			logger.Warn().Err(err).Str("employeeId", empID).Msg("bamboohr dedupe check failed, emitting anyway")
		} else if seen {
			continue
		}

		event, err := normalizeRecord(SourceBambooHR, sourceEventType, "", a.cfg.OrganizationID, rec, bambooIDFields)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping bamboohr record")
			continue
		}
		events = append(events, event)
	}

	return &Batch{
		Events: events,
		Advance: func() {
			a.mu.Lock()
			a.lastPolledAt = now
			a.mu.Unlock()
		},
	}, nil
}

// deriveEventType classifies a changed directory record: a hire date within
// the last week on an active record is a new hire; a termination date on a
// record that is not active is an exit; everything else is an update.
func (a *bambooAdapter) deriveEventType(rec map[string]any, now time.Time) string {
	status := pickString(rec, "status")
	hire := pickTime(rec, "hireDate")
	term := pickTime(rec, "terminationDate")

	mapped := lifecycle.MapStatus(status)
	switch {
	case hire != nil && now.Sub(*hire) <= onboardWindow && now.Sub(*hire) >= 0 && mapped == lifecycle.StatusActive:
		return "employee.new"
	case term != nil && mapped != lifecycle.StatusActive:
		return "employee.terminated"
	default:
		return "employee.updated"
	}
}

func (a *bambooAdapter) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/gateway.php/%s/v1/meta/users", a.creds.TenantURL, a.cfg.Credentials.CompanyID)
	if err := getJSON(ctx, a.client, a.creds, endpoint, nil); err != nil {
		return fmt.Errorf("bamboohr health: %w", err)
	}
	return nil
}

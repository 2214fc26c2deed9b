package hrms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"officeflow/internal/config"
	"officeflow/internal/dedupe"
	"officeflow/internal/lifecycle"
)

func bambooTestAdapter(t *testing.T, serverURL string) *bambooAdapter {
	t.Helper()
	a, err := New(AdapterConfig{
		Source:         SourceBambooHR,
		OrganizationID: "org-1",
		Credentials: config.HRMSCredentials{
			TenantURL:    serverURL,
			APIKey:       "key",
			CompanyID:    "acme",
			PollInterval: time.Minute,
		},
		Dedupe: dedupe.NewMemoryStore(),
	})
	require.NoError(t, err)
	return a.(*bambooAdapter)
}

func bambooServer(t *testing.T, employees []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// BambooHR authenticates with the API key as basic-auth user.
		user, _, ok := r.BasicAuth()
		if !ok || user != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(bambooDirectory{Employees: employees})
	}))
}

func TestBambooSynthesizesOnboard(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	srv := bambooServer(t, []map[string]any{{
		"id":          "42",
		"workEmail":   "a@x.io",
		"firstName":   "A",
		"lastName":    "B",
		"hireDate":    now.Format("2006-01-02"),
		"status":      "Active",
		"lastChanged": now.Format(time.RFC3339),
	}})
	defer srv.Close()

	a := bambooTestAdapter(t, srv.URL)
	a.mu.Lock()
	a.lastPolledAt = now.Add(-24 * time.Hour)
	a.mu.Unlock()

	batch, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)

	event := batch.Events[0]
	assert.Equal(t, lifecycle.EventOnboard, event.Type)
	assert.Equal(t, "42", event.Employee.ID)
	assert.Equal(t, "a@x.io", event.Employee.Email)
	assert.Equal(t, lifecycle.StatusActive, event.Employee.Status)
	assert.Equal(t, "org-1", event.OrganizationID)
	assert.Equal(t, "employee.new", event.Metadata.SourceEventType)
}

func TestBambooSynthesizesExitAndUpdate(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	srv := bambooServer(t, []map[string]any{
		{
			"id":              "7",
			"terminationDate": now.Format("2006-01-02"),
			"status":          "Inactive",
			"lastChanged":     now.Format(time.RFC3339),
		},
		{
			"id":          "8",
			"hireDate":    now.AddDate(-1, 0, 0).Format("2006-01-02"),
			"status":      "Active",
			"lastChanged": now.Format(time.RFC3339),
		},
	})
	defer srv.Close()

	a := bambooTestAdapter(t, srv.URL)
	a.mu.Lock()
	a.lastPolledAt = now.Add(-time.Hour)
	a.mu.Unlock()

	batch, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)

	byID := map[string]lifecycle.Event{}
	for _, e := range batch.Events {
		byID[e.Employee.ID] = e
	}
	assert.Equal(t, lifecycle.EventExit, byID["7"].Type)
	assert.Equal(t, lifecycle.EventUpdate, byID["8"].Type)
}

func TestBambooSkipsUnchangedRecords(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	srv := bambooServer(t, []map[string]any{{
		"id":          "42",
		"status":      "Active",
		"lastChanged": now.Add(-48 * time.Hour).Format(time.RFC3339),
	}})
	defer srv.Close()

	a := bambooTestAdapter(t, srv.URL)
	a.mu.Lock()
	a.lastPolledAt = now.Add(-time.Hour)
	a.mu.Unlock()

	batch, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Events)
}

func TestBambooDeduplicatesRepeatedSynthesis(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	srv := bambooServer(t, []map[string]any{{
		"id":          "42",
		"hireDate":    now.Format("2006-01-02"),
		"status":      "Active",
		"lastChanged": now.Format(time.RFC3339),
	}})
	defer srv.Close()

	a := bambooTestAdapter(t, srv.URL)
	a.mu.Lock()
	a.lastPolledAt = now.Add(-24 * time.Hour)
	a.mu.Unlock()

	first, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Events, 1)

	// The cursor was not advanced, so the record still reads as changed;
	// the same (employee, type) pair is not synthesized twice.
	second, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Events)
}

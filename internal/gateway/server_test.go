package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"officeflow/internal/config"
	"officeflow/internal/hrms"
	"officeflow/internal/lifecycle"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []lifecycle.Event
	err    error
}

func (p *fakePublisher) PublishLifecycle(_ context.Context, events []lifecycle.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func testServer(pub *fakePublisher, quota int) *Server {
	cfg := config.GatewayConfig{
		Addr:            ":0",
		MaxBodyBytes:    10 << 20,
		RequestTimeout:  30 * time.Second,
		RateLimitWindow: time.Minute,
		RateLimitQuota:  quota,
	}
	return NewServer(cfg, NewRegistry(), NewMemoryRateLimiter(cfg.RateLimitWindow, cfg.RateLimitQuota), pub, hrms.NewManager(pub))
}

func doWebhook(s *Server, source, org, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/"+source+"/"+org, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestWebhookSuccess(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	s := testServer(pub, 100)

	body := `{"eventType":"worker.terminate","worker":{"workerId":"w1","email":"u@x.io","status":"terminated"}}`
	rec := doWebhook(s, "workday", "org-1", body, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.EventsProcessed)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	assert.Equal(t, lifecycle.EventExit, pub.events[0].Type)
	assert.Equal(t, "org-1", pub.events[0].OrganizationID)
}

func TestWebhookMalformedJSON(t *testing.T) {
	t.Parallel()
	s := testServer(&fakePublisher{}, 100)
	rec := doWebhook(s, "workday", "org-1", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookUnknownSource(t *testing.T) {
	t.Parallel()
	s := testServer(&fakePublisher{}, 100)
	rec := doWebhook(s, "peoplesoft", "org-1", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookSignatureRejected(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	s := testServer(pub, 100)
	require.NoError(t, s.registry.Register(WebhookConfig{
		OrganizationID: "org-1",
		Source:         "workday",
		SecretKey:      "s3cret",
		IsActive:       true,
	}))

	body := `{"eventType":"worker.terminate","worker":{"workerId":"w1"}}`
	rec := doWebhook(s, "workday", "org-1", body, map[string]string{"x-signature": "sha256=deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Missing signature with a registered secret is also a hard failure.
	rec = doWebhook(s, "workday", "org-1", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	pub.mu.Lock()
	assert.Empty(t, pub.events, "nothing is published on signature failure")
	pub.mu.Unlock()
}

func TestWebhookSignatureAccepted(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	s := testServer(pub, 100)
	require.NoError(t, s.registry.Register(WebhookConfig{
		OrganizationID: "org-1",
		Source:         "workday",
		SecretKey:      "s3cret",
		IsActive:       true,
	}))

	body := `{"eventType":"worker.terminate","worker":{"workerId":"w1","status":"terminated"}}`
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	rec := doWebhook(s, "workday", "org-1", body, map[string]string{"x-signature": sig})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWebhookPartialFailureReturns422(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	s := testServer(pub, 100)

	body := `{"events":[
		{"eventType":"onboard","employee":{"id":"e-1"}},
		{"eventType":"onboard","employee":{"email":"no-id@x.io"}}
	]}`
	rec := doWebhook(s, "generic", "org-1", body, nil)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.EventsProcessed)
	assert.NotEmpty(t, resp.Errors)

	// The good event still got published.
	pub.mu.Lock()
	assert.Len(t, pub.events, 1)
	pub.mu.Unlock()
}

func TestWebhookRateLimited(t *testing.T) {
	t.Parallel()
	s := testServer(&fakePublisher{}, 2)

	body := `{"eventType":"update","employee":{"id":"e-1"}}`
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = doWebhook(s, "generic", "org-1", body, nil)
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &resp))
	assert.Contains(t, resp, "retryAfter")
}

func TestWebhookPublishFailureReturns500(t *testing.T) {
	t.Parallel()
	s := testServer(&fakePublisher{err: assert.AnError}, 100)
	body := `{"eventType":"update","employee":{"id":"e-1"}}`
	rec := doWebhook(s, "generic", "org-1", body, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookConfigLifecycle(t *testing.T) {
	t.Parallel()
	s := testServer(&fakePublisher{}, 100)

	cfg := `{"organizationId":"org-1","source":"workday","secretKey":"s","isActive":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/config/webhook", strings.NewReader(cfg))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := s.registry.Get("org-1", "workday")
	assert.True(t, ok)

	req = httptest.NewRequest(http.MethodDelete, "/api/config/webhook/org-1/workday", nil)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/config/webhook/org-1/workday", nil)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookConfigValidation(t *testing.T) {
	t.Parallel()
	s := testServer(&fakePublisher{}, 100)
	req := httptest.NewRequest(http.MethodPost, "/api/config/webhook", strings.NewReader(`{"source":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s := testServer(&fakePublisher{}, 100)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

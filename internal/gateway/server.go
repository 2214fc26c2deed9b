// Package gateway is the webhook ingress: it terminates HRMS webhook HTTP
// traffic, rate-limits and authenticates it, and hands normalized events to
// the bus publisher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"officeflow/internal/config"
	"officeflow/internal/hrms"
	"officeflow/internal/observability"
)

// Server wires the ingress HTTP surface.
type Server struct {
	cfg       config.GatewayConfig
	echo      *echo.Echo
	registry  *Registry
	limiter   RateLimiter
	publisher hrms.EventPublisher
	pollers   *hrms.Manager

	// Audit publishes an audit-trail entry; best-effort, may be nil.
	Audit func(ctx context.Context, action string, fields map[string]any)
}

// NewServer assembles the echo application and its routes.
func NewServer(cfg config.GatewayConfig, registry *Registry, limiter RateLimiter, publisher hrms.EventPublisher, pollers *hrms.Manager) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		limiter:   limiter,
		publisher: publisher,
		pollers:   pollers,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.MaxBodyBytes>>20)))

	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	api := e.Group("/api")
	api.POST("/webhook/:source/:organizationId", s.receiveWebhook)
	api.GET("/health", s.health)
	api.POST("/config/webhook", s.registerWebhookConfig)
	api.DELETE("/config/webhook/:organizationId/:source", s.deleteWebhookConfig)
	api.POST("/admin/adapters/:source/poll", s.forcePoll)
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.echo.Server.ReadTimeout = s.cfg.RequestTimeout
	s.echo.Server.WriteTimeout = s.cfg.RequestTimeout

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

type webhookResponse struct {
	Success         bool     `json:"success"`
	EventsProcessed int      `json:"eventsProcessed"`
	Errors          []string `json:"errors,omitempty"`
}

func (s *Server) receiveWebhook(c echo.Context) error {
	ctx := c.Request().Context()
	source := c.Param("source")
	organizationID := c.Param("organizationId")
	logger := observability.LoggerWithTrace(ctx)

	if !hrms.KnownSource(source) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": fmt.Sprintf("unknown source %q", source)})
	}

	// Rate-limit key prefers the tenant; unidentified callers share a
	// per-IP budget.
	rateKey := organizationID
	if rateKey == "" {
		if v := c.Request().Header.Get("x-organization-id"); v != "" {
			rateKey = v
		} else {
			rateKey = c.RealIP()
		}
	}
	v, err := s.limiter.Allow(ctx, rateKey)
	if err != nil {
		logger.Error().Err(err).Msg("rate limiter unavailable")
	} else if !v.Allowed {
		c.Response().Header().Set("Retry-After", fmt.Sprint(int(v.RetryAfter.Seconds())+1))
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":      "rate limit exceeded",
			"retryAfter": int(v.RetryAfter.Seconds()) + 1,
		})
	} else if v.SlowDown {
		t := time.NewTimer(v.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	rawBody, err := io.ReadAll(io.LimitReader(c.Request().Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed JSON body"})
	}

	// Signature verification applies whenever a secret is registered for
	// this (organization, source); a missing signature is then a hard
	// failure.
	signature := extractSignature(c.Request().Header)
	if wcfg, ok := s.registry.Get(organizationID, source); ok && wcfg.SecretKey != "" {
		if !wcfg.IsActive {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "webhook is disabled"})
		}
		if err := hrms.VerifySignature(rawBody, signature, wcfg.SecretKey, source); err != nil {
			logger.Warn().Err(err).
				Str("source", source).
				Str("organizationId", organizationID).
				Msg("webhook signature rejected")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "signature verification failed"})
		}
	}

	headers := make(map[string]string)
	for name := range c.Request().Header {
		headers[name] = c.Request().Header.Get(name)
	}
	payload := hrms.WebhookPayload{
		Source:         source,
		EventType:      stringField(body, "eventType"),
		Timestamp:      time.Now().UTC(),
		OrganizationID: organizationID,
		EmployeeID:     stringField(body, "employeeId"),
		Data:           body,
		Signature:      signature,
		Headers:        headers,
		RawBody:        rawBody,
	}

	events, recordErrs, err := hrms.ProcessWebhook(ctx, payload)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	if len(events) > 0 {
		if err := s.publisher.PublishLifecycle(ctx, events); err != nil {
			logger.Error().Err(err).Str("source", source).Msg("webhook publish failed")
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to publish events"})
		}
	}

	if s.Audit != nil {
		s.Audit(ctx, "webhook.received", map[string]any{
			"source":         source,
			"organizationId": organizationID,
			"events":         len(events),
			"errors":         len(recordErrs),
		})
	}

	resp := webhookResponse{Success: len(recordErrs) == 0, EventsProcessed: len(events)}
	if len(recordErrs) > 0 {
		for _, e := range recordErrs {
			resp.Errors = append(resp.Errors, e.Error())
		}
		// Partial or total normalization failure.
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func extractSignature(h http.Header) string {
	for _, name := range hrms.SignatureHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	details := make(map[string]any)
	healthy := true
	if s.pollers != nil {
		for source, err := range s.pollers.Health(ctx) {
			if err != nil {
				healthy = false
				details[source] = err.Error()
			} else {
				details[source] = "ok"
			}
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, echo.Map{"status": status, "details": details})
}

func (s *Server) registerWebhookConfig(c echo.Context) error {
	var cfg WebhookConfig
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed configuration"})
	}
	if err := s.registry.Register(cfg); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (s *Server) deleteWebhookConfig(c echo.Context) error {
	if !s.registry.Delete(c.Param("organizationId"), c.Param("source")) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "webhook configuration not found"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (s *Server) forcePoll(c echo.Context) error {
	source := c.Param("source")
	n, err := s.pollers.PollNow(c.Request().Context(), source)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "eventsPublished": n})
}

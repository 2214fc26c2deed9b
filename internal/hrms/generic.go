package hrms

import (
	"context"

	"officeflow/internal/lifecycle"
)

var genericIDFields = []string{"id", "employeeId"}

// genericAdapter accepts arbitrary webhook sources that follow the simple
// {onboard,hire,exit,terminate,transfer,update} event vocabulary. It has no
// upstream to poll.
type genericAdapter struct {
	cfg AdapterConfig
}

func newGeneric(cfg AdapterConfig) *genericAdapter {
	return &genericAdapter{cfg: cfg}
}

func (a *genericAdapter) Source() string { return SourceGeneric }

func (a *genericAdapter) ValidateSignature(rawBody []byte, signature, secret string) error {
	return VerifySignature(rawBody, signature, secret, SourceGeneric)
}

func (a *genericAdapter) ProcessWebhook(ctx context.Context, payload WebhookPayload) ([]lifecycle.Event, []error) {
	return processWebhookRecords(ctx, SourceGeneric, payload, "employee", genericIDFields)
}

func (a *genericAdapter) Poll(context.Context) (*Batch, error) {
	return &Batch{Advance: func() {}}, nil
}

func (a *genericAdapter) HealthCheck(context.Context) error {
	return nil
}

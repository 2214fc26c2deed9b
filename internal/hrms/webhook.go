package hrms

import (
	"context"
	"fmt"
	"strings"

	"officeflow/internal/lifecycle"
	"officeflow/internal/observability"
)

// ProcessWebhook dispatches a webhook payload to the source's normalization
// rules without requiring a configured adapter instance; webhook handling is
// stateless per source.
func ProcessWebhook(ctx context.Context, payload WebhookPayload) ([]lifecycle.Event, []error, error) {
	switch strings.ToLower(payload.Source) {
	case SourceWorkday:
		events, errs := processWebhookRecords(ctx, SourceWorkday, payload, "worker", workdayIDFields)
		return events, errs, nil
	case SourceSuccessFactors:
		events, errs := processWebhookRecords(ctx, SourceSuccessFactors, payload, "employee", successFactorsIDFields)
		return events, errs, nil
	case SourceBambooHR:
		events, errs := processWebhookRecords(ctx, SourceBambooHR, payload, "employee", bambooIDFields)
		return events, errs, nil
	case SourceGeneric:
		events, errs := processWebhookRecords(ctx, SourceGeneric, payload, "employee", genericIDFields)
		return events, errs, nil
	default:
		return nil, nil, fmt.Errorf("unknown HRMS source %q", payload.Source)
	}
}

// processWebhookRecords is the shared webhook normalization path. A body may
// carry a single event or an "events" array; each record is normalized
// independently so one bad record does not discard its siblings. Unrecognized
// event types are dropped with a warning, never errored.
func processWebhookRecords(ctx context.Context, source string, payload WebhookPayload, recordKey string, idFields []string) ([]lifecycle.Event, []error) {
	logger := observability.LoggerWithTrace(ctx)

	type rawEvent struct {
		eventType string
		eventID   string
		record    map[string]any
	}

	var raws []rawEvent
	appendRaw := func(data map[string]any) {
		eventType := pickString(data, "eventType", "event", "type")
		if eventType == "" {
			eventType = payload.EventType
		}
		record := data
		if recordKey != "" {
			if nested, ok := asRecord(data[recordKey]); ok {
				record = nested
			}
		}
		raws = append(raws, rawEvent{
			eventType: eventType,
			eventID:   pickString(data, "eventId", "id"),
			record:    record,
		})
	}

	if list, ok := payload.Data["events"].([]any); ok {
		for _, item := range list {
			if data, ok := asRecord(item); ok {
				appendRaw(data)
			}
		}
	} else {
		appendRaw(payload.Data)
	}

	var events []lifecycle.Event
	var errs []error
	for _, raw := range raws {
		if _, known := lifecycle.MapEventType(raw.eventType); !known {
			logger.Warn().
				Str("source", source).
				Str("eventType", raw.eventType).
				Msg("dropping unrecognized event type")
			continue
		}
		event, err := normalizeRecord(source, raw.eventType, raw.eventID, payload.OrganizationID, raw.record, idFields)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s webhook: %w", source, err))
			continue
		}
		events = append(events, event)
	}
	return events, errs
}

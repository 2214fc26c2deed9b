package hrms

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"officeflow/internal/lifecycle"
)

// normalizeRecord maps one source employee record into the canonical model.
// Field resolution favors the source-specific name (first entry in idFields)
// before the generic ones. Bad date values become nil, never errors.
func normalizeRecord(source, sourceEventType, sourceEventID, organizationID string, rec map[string]any, idFields []string) (lifecycle.Event, error) {
	canonical, ok := lifecycle.MapEventType(sourceEventType)
	if !ok {
		return lifecycle.Event{}, fmt.Errorf("unrecognized event type %q", sourceEventType)
	}

	id := pickString(rec, idFields...)
	if id == "" {
		return lifecycle.Event{}, fmt.Errorf("employee id missing in %s record", source)
	}
	if sourceEventID == "" {
		sourceEventID = uuid.New().String()
	}

	emp := lifecycle.Employee{
		ID:           id,
		Email:        pickString(rec, "email", "workEmail", "primaryEmail"),
		FirstName:    pickString(rec, "firstName", "first_name", "givenName"),
		LastName:     pickString(rec, "lastName", "last_name", "familyName"),
		Department:   pickString(rec, "department", "departmentName", "orgUnit"),
		JobTitle:     pickString(rec, "jobTitle", "title", "position"),
		ManagerID:    pickString(rec, "managerId", "manager", "supervisorId"),
		StartDate:    pickTime(rec, "startDate", "hireDate", "start_date"),
		EndDate:      pickTime(rec, "endDate", "terminationDate", "end_date"),
		Location:     pickString(rec, "location", "office", "site"),
		EmployeeType: pickString(rec, "employeeType", "workerType", "employmentType"),
		Status:       lifecycle.MapStatus(pickString(rec, "status", "employmentStatus", "workerStatus")),
	}

	event := lifecycle.Event{
		Type:           canonical,
		OrganizationID: organizationID,
		EmployeeID:     id,
		Employee:       emp,
		Metadata: lifecycle.Metadata{
			Source:          source,
			SourceEventID:   sourceEventID,
			SourceEventType: sourceEventType,
			ProcessedAt:     time.Now().UTC(),
			Version:         "1.0",
		},
	}
	if err := event.Validate(); err != nil {
		return lifecycle.Event{}, err
	}
	return event, nil
}

func pickString(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%v", f)
			}
		}
	}
	return ""
}

// pickTime parses the first present field as a UTC timestamp. Supported
// layouts are RFC3339 (with or without fractional seconds), date-times
// without a zone, and bare dates; anything else is dropped.
func pickTime(rec map[string]any, keys ...string) *time.Time {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		if t := parseTime(s); t != nil {
			return t
		}
	}
	return nil
}

func parseTime(s string) *time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

func asRecord(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

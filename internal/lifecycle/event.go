// Package lifecycle defines the canonical employee lifecycle event model that
// every HRMS adapter normalizes into.
package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the canonical lifecycle event kind.
type EventType string

const (
	EventOnboard  EventType = "onboard"
	EventExit     EventType = "exit"
	EventTransfer EventType = "transfer"
	EventUpdate   EventType = "update"
)

// EmployeeStatus is the canonical employment status.
type EmployeeStatus string

const (
	StatusActive     EmployeeStatus = "active"
	StatusInactive   EmployeeStatus = "inactive"
	StatusTerminated EmployeeStatus = "terminated"
)

// Employee is the canonical employee record carried on lifecycle events.
type Employee struct {
	ID           string         `json:"id"`
	Email        string         `json:"email,omitempty"`
	FirstName    string         `json:"firstName,omitempty"`
	LastName     string         `json:"lastName,omitempty"`
	Department   string         `json:"department,omitempty"`
	JobTitle     string         `json:"jobTitle,omitempty"`
	ManagerID    string         `json:"managerId,omitempty"`
	StartDate    *time.Time     `json:"startDate,omitempty"`
	EndDate      *time.Time     `json:"endDate,omitempty"`
	Location     string         `json:"location,omitempty"`
	EmployeeType string         `json:"employeeType,omitempty"`
	Status       EmployeeStatus `json:"status"`
}

// Metadata records the provenance of a normalized event. (Source,
// SourceEventID) is the downstream idempotency key.
type Metadata struct {
	Source          string    `json:"source"`
	SourceEventID   string    `json:"sourceEventId"`
	SourceEventType string    `json:"sourceEventType"`
	ProcessedAt     time.Time `json:"processedAt"`
	Version         string    `json:"version"`
}

// Event is the canonical employee lifecycle payload published on the
// employee.* topics.
type Event struct {
	Type           EventType `json:"type"`
	OrganizationID string    `json:"organizationId"`
	EmployeeID     string    `json:"employeeId"`
	Employee       Employee  `json:"employee"`
	Metadata       Metadata  `json:"metadata"`
}

// Validate enforces the event invariants.
func (e Event) Validate() error {
	switch e.Type {
	case EventOnboard, EventExit, EventTransfer, EventUpdate:
	default:
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if e.Employee.ID == "" {
		return fmt.Errorf("employee id is required")
	}
	return nil
}

// Topic names the bus topic carrying this event type.
func (t EventType) Topic() string {
	return "employee." + string(t)
}

// EnvelopeType is the envelope routing type for this event.
func (t EventType) EnvelopeType() string {
	return "employee." + string(t)
}

// eventTypeMap is the normalization contract from source event names to
// canonical types, shared by all adapters.
var eventTypeMap = map[string]EventType{
	"worker.hire":          EventOnboard,
	"worker.onboard":       EventOnboard,
	"worker.terminate":     EventExit,
	"worker.transfer":      EventTransfer,
	"worker.update":        EventUpdate,
	"worker.change":        EventUpdate,
	"employee.hired":       EventOnboard,
	"employee.terminated":  EventExit,
	"employee.transferred": EventTransfer,
	"employee.updated":     EventUpdate,
	"employee.new":         EventOnboard,
	"onboard":              EventOnboard,
	"hire":                 EventOnboard,
	"exit":                 EventExit,
	"terminate":            EventExit,
	"transfer":             EventTransfer,
	"update":               EventUpdate,
}

// MapEventType normalizes a source event name. Unrecognized names return
// ok=false and produce no canonical event.
func MapEventType(sourceEventType string) (EventType, bool) {
	t, ok := eventTypeMap[strings.ToLower(strings.TrimSpace(sourceEventType))]
	return t, ok
}

// MapStatus normalizes a source employment status. Unknown values default to
// active.
func MapStatus(sourceStatus string) EmployeeStatus {
	switch strings.ToLower(strings.TrimSpace(sourceStatus)) {
	case "active", "employed", "current":
		return StatusActive
	case "inactive", "suspended", "leave":
		return StatusInactive
	case "terminated", "ended", "exit", "quit":
		return StatusTerminated
	default:
		return StatusActive
	}
}

package bus

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// TopicSpec is the static configuration for one bus topic.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Retention         time.Duration
	Compression       string
	MinInsyncReplicas int
}

// TopicConfig renders the spec into a kafka-go admin topic config.
func (t TopicSpec) TopicConfig() kafka.TopicConfig {
	return kafka.TopicConfig{
		Topic:             t.Name,
		NumPartitions:     t.Partitions,
		ReplicationFactor: t.ReplicationFactor,
		ConfigEntries: []kafka.ConfigEntry{
			{ConfigName: "retention.ms", ConfigValue: fmt.Sprint(t.Retention.Milliseconds())},
			{ConfigName: "compression.type", ConfigValue: t.Compression},
			{ConfigName: "min.insync.replicas", ConfigValue: fmt.Sprint(t.MinInsyncReplicas)},
		},
	}
}

const (
	day = 24 * time.Hour

	// Terminal queues fed by the DLQ handler.
	TopicManualReview = "manual.review.queue"
	TopicQuarantine   = "quarantine.queue"

	TopicAuditEvents   = "audit.events"
	TopicMetricsEvents = "metrics.events"
)

func topic(name string, partitions int, retention time.Duration, compression string) TopicSpec {
	return TopicSpec{
		Name:              name,
		Partitions:        partitions,
		ReplicationFactor: 3,
		Retention:         retention,
		Compression:       compression,
		MinInsyncReplicas: 2,
	}
}

// Topics is the authoritative bus topology. Retention on employee.exit and
// audit.events is compliance-driven.
var Topics = []TopicSpec{
	topic("employee.onboard", 12, 7*day, "snappy"),
	topic("employee.exit", 12, 30*day, "snappy"),
	topic("employee.transfer", 12, 7*day, "snappy"),
	topic("employee.update", 12, 3*day, "snappy"),
	topic("workflow.run.request", 24, 1*day, "snappy"),
	topic("workflow.run.pause", 12, 1*day, "snappy"),
	topic("workflow.run.resume", 12, 1*day, "snappy"),
	topic("workflow.run.cancel", 12, 1*day, "snappy"),
	topic("node.execute.request", 24, 1*day, "snappy"),
	topic("node.execute.result", 24, 3*day, "snappy"),
	topic("node.execute.retry", 12, 1*day, "snappy"),
	topic("identity.provision.request", 12, 1*day, "snappy"),
	topic("identity.provision.result", 12, 7*day, "snappy"),
	topic("email.send.request", 12, 1*day, "snappy"),
	topic("email.send.result", 12, 3*day, "snappy"),
	topic("calendar.schedule.request", 12, 1*day, "snappy"),
	topic("calendar.schedule.result", 12, 3*day, "snappy"),
	topic(TopicAuditEvents, 12, 90*day, "gzip"),
	topic(TopicMetricsEvents, 6, 7*day, "snappy"),
	topic(TopicManualReview, 3, 30*day, "gzip"),
	topic(TopicQuarantine, 3, 30*day, "gzip"),
}

// DLQTopics lists the dead-letter mirrors of the topics consumers read from.
// DLQ topics carry fewer partitions since triage is low-volume.
var DLQTopics = func() []TopicSpec {
	bases := []string{
		"employee.onboard", "employee.exit", "employee.transfer", "employee.update",
		"workflow.run.request", "node.execute.request", "node.execute.result",
		"identity.provision.request", "email.send.request", "calendar.schedule.request",
	}
	out := make([]TopicSpec, 0, len(bases))
	for _, b := range bases {
		out = append(out, topic(DLQTopic(b), 3, 30*day, "gzip"))
	}
	return out
}()

// AllTopics returns the full topology including DLQ mirrors.
func AllTopics() []TopicSpec {
	out := make([]TopicSpec, 0, len(Topics)+len(DLQTopics))
	out = append(out, Topics...)
	return append(out, DLQTopics...)
}

// DLQTopic names the dead-letter topic for a base topic. A topic that is
// already a DLQ topic maps to itself to avoid dlq.dlq chains.
func DLQTopic(base string) string {
	if strings.HasPrefix(base, "dlq.") {
		return base
	}
	return "dlq." + base
}

// OriginalTopic strips the DLQ prefix, returning the topic the record was
// originally published to.
func OriginalTopic(dlqTopic string) string {
	return strings.TrimPrefix(dlqTopic, "dlq.")
}

// OrganizationTopic names a tenant-scoped topic: base.<organizationId>.
func OrganizationTopic(base, organizationID string) string {
	if organizationID == "" {
		return base
	}
	return base + "." + organizationID
}

// MatchTopics expands subscription patterns (exact names or path globs such
// as "employee.onboard.*" or "dlq.*") against the registered topology.
func MatchTopics(patterns ...string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[") {
			add(p)
			continue
		}
		for _, t := range AllTopics() {
			if ok, err := path.Match(p, t.Name); err == nil && ok {
				add(t.Name)
			}
		}
	}
	return out
}

// ConsumerGroupSpec configures one named consumer group.
type ConsumerGroupSpec struct {
	GroupID           string
	Subscriptions     []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	RebalanceTimeout  time.Duration
	MinBytes          int
	MaxBytes          int
	MaxRetries        int
}

func group(id string, subs ...string) ConsumerGroupSpec {
	return ConsumerGroupSpec{
		GroupID:           id,
		Subscriptions:     subs,
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		RebalanceTimeout:  60 * time.Second,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxRetries:        3,
	}
}

// ConsumerGroups is the authoritative group registry, one per downstream
// service with independent offsets.
var ConsumerGroups = map[string]ConsumerGroupSpec{
	"workflow-engine":  group("workflow-engine", "employee.onboard", "employee.exit", "employee.transfer", "employee.update", "workflow.run.request", "workflow.run.pause", "workflow.run.resume", "workflow.run.cancel"),
	"identity-service": group("identity-service", "identity.provision.request"),
	"email-service":    group("email-service", "email.send.request"),
	"calendar-service": group("calendar-service", "calendar.schedule.request"),
	"slack-service":    group("slack-service", "employee.onboard", "employee.exit", "employee.transfer"),
	"document-service": group("document-service", "employee.onboard", "employee.exit"),
	"ai-service":       group("ai-service", "node.execute.request"),
	"audit-service":    group("audit-service", TopicAuditEvents),
	"webhook-gateway":  group("webhook-gateway", "node.execute.result"),
	"scheduler-service": group("scheduler-service", "workflow.run.request", "node.execute.retry"),
	"dlq-handler":      group("dlq-handler", "dlq.*"),
}

// GroupSpec looks up a registered consumer group by id.
func GroupSpec(id string) (ConsumerGroupSpec, error) {
	g, ok := ConsumerGroups[id]
	if !ok {
		return ConsumerGroupSpec{}, fmt.Errorf("unknown consumer group %q", id)
	}
	return g, nil
}

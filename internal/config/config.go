package config

import (
	"time"
)

// KafkaConfig describes the broker connection shared by producers, consumers,
// and the admin helpers.
type KafkaConfig struct {
	Brokers       string `yaml:"brokers"`
	ClientID      string `yaml:"client_id"`
	GroupID       string `yaml:"group_id"`
	SSL           bool   `yaml:"ssl"`
	SASLMechanism string `yaml:"sasl_mechanism"`
	SASLUsername  string `yaml:"sasl_username"`
	SASLPassword  string `yaml:"sasl_password"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HRMSCredentials is one upstream HRMS connection. A source is considered
// registered when any of TenantURL, Username, APIKey or CompanyID is set;
// registered sources are validated strictly at startup.
type HRMSCredentials struct {
	TenantURL      string        `yaml:"tenant_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	APIKey         string        `yaml:"api_key"`
	CompanyID      string        `yaml:"company_id"`
	OrganizationID string        `yaml:"organization_id"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Enabled        bool          `yaml:"enabled"`
}

// IsRegistered reports whether the operator supplied a tenant URL, username,
// API key or company id for this source.
func (c HRMSCredentials) IsRegistered() bool {
	return c.TenantURL != "" || c.Username != "" || c.APIKey != "" || c.CompanyID != ""
}

// ObsConfig mirrors the observability package needs.
type ObsConfig struct {
	OTLP           string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// GatewayConfig holds the HTTP ingress settings.
type GatewayConfig struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	RateLimitQuota  int           `yaml:"rate_limit_quota"`
}

// Config is the full runtime configuration for the gateway and the DLQ
// handler binaries.
type Config struct {
	Kafka   KafkaConfig   `yaml:"kafka"`
	Gateway GatewayConfig `yaml:"gateway"`
	Obs     ObsConfig     `yaml:"observability"`

	RedisAddr string `yaml:"redis_addr"`

	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`

	Workday        HRMSCredentials `yaml:"workday"`
	SuccessFactors HRMSCredentials `yaml:"successfactors"`
	BambooHR       HRMSCredentials `yaml:"bamboohr"`
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load reads configuration from an optional config.yaml and the environment
// (optionally .env). Environment values win over file values so deployments
// can override a checked-in file without editing it.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	if path := firstNonEmpty(os.Getenv("OFFICEFLOW_CONFIG"), "config.yaml"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	// Environment overrides.
	if v := getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = v
	}
	if v := getenv("KAFKA_CLIENT_ID"); v != "" {
		cfg.Kafka.ClientID = v
	}
	if v := getenv("KAFKA_GROUP_ID"); v != "" {
		cfg.Kafka.GroupID = v
	}
	if v := getenv("KAFKA_SSL"); v != "" {
		cfg.Kafka.SSL = parseBool(v)
	}
	if v := getenv("KAFKA_SASL_MECHANISM"); v != "" {
		cfg.Kafka.SASLMechanism = v
	}
	if v := getenv("KAFKA_SASL_USERNAME"); v != "" {
		cfg.Kafka.SASLUsername = v
	}
	if v := getenv("KAFKA_SASL_PASSWORD"); v != "" {
		cfg.Kafka.SASLPassword = v
	}
	if v := getenv("HTTP_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if v := getenv("OTEL_OTLP_ENDPOINT"); v != "" {
		cfg.Obs.OTLP = v
	}
	if v := getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.Obs.ServiceName = v
	}
	if v := getenv("ENVIRONMENT"); v != "" {
		cfg.Obs.Environment = v
	}

	loadHRMSEnv("WORKDAY", &cfg.Workday)
	loadHRMSEnv("SUCCESSFACTORS", &cfg.SuccessFactors)
	loadHRMSEnv("BAMBOOHR", &cfg.BambooHR)

	applyDefaults(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadHRMSEnv(prefix string, creds *HRMSCredentials) {
	if v := getenv(prefix + "_TENANT_URL"); v != "" {
		creds.TenantURL = v
	}
	if v := getenv(prefix + "_USERNAME"); v != "" {
		creds.Username = v
	}
	if v := getenv(prefix + "_PASSWORD"); v != "" {
		creds.Password = v
	}
	if v := getenv(prefix + "_API_KEY"); v != "" {
		creds.APIKey = v
	}
	if v := getenv(prefix + "_COMPANY_ID"); v != "" {
		creds.CompanyID = v
	}
	if v := getenv(prefix + "_ORGANIZATION_ID"); v != "" {
		creds.OrganizationID = v
	}
	if v := getenv(prefix + "_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			creds.PollInterval = d
		}
	}
	if v := getenv(prefix + "_ENABLED"); v != "" {
		creds.Enabled = parseBool(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Kafka.Brokers == "" {
		cfg.Kafka.Brokers = "localhost:9092"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "officeflow"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "webhook-gateway"
	}
	if cfg.Kafka.ConnectTimeout <= 0 {
		cfg.Kafka.ConnectTimeout = 30 * time.Second
	}
	if cfg.Kafka.RequestTimeout <= 0 {
		cfg.Kafka.RequestTimeout = 30 * time.Second
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = ":8080"
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = 10 << 20
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		cfg.Gateway.RequestTimeout = 30 * time.Second
	}
	if cfg.Gateway.RateLimitWindow <= 0 {
		cfg.Gateway.RateLimitWindow = time.Minute
	}
	if cfg.Gateway.RateLimitQuota <= 0 {
		cfg.Gateway.RateLimitQuota = 120
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = "officeflow-core"
	}
	if cfg.Obs.ServiceVersion == "" {
		cfg.Obs.ServiceVersion = "dev"
	}
	if cfg.Obs.Environment == "" {
		cfg.Obs.Environment = "development"
	}
	for _, creds := range []*HRMSCredentials{&cfg.Workday, &cfg.SuccessFactors, &cfg.BambooHR} {
		if creds.PollInterval <= 0 {
			creds.PollInterval = 5 * time.Minute
		}
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Kafka.Brokers) == "" {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.Kafka.SASLMechanism != "" && (cfg.Kafka.SASLUsername == "" || cfg.Kafka.SASLPassword == "") {
		return fmt.Errorf("KAFKA_SASL_MECHANISM set but SASL credentials are incomplete")
	}
	for _, s := range []struct {
		name  string
		creds HRMSCredentials
	}{
		{"workday", cfg.Workday},
		{"successfactors", cfg.SuccessFactors},
		{"bamboohr", cfg.BambooHR},
	} {
		if !s.creds.IsRegistered() {
			continue
		}
		if s.creds.TenantURL == "" {
			return fmt.Errorf("%s: tenant URL is required", s.name)
		}
		if s.creds.APIKey == "" && (s.creds.Username == "" || s.creds.Password == "") {
			return fmt.Errorf("%s: either an API key or username/password is required", s.name)
		}
		if s.creds.OrganizationID == "" {
			return fmt.Errorf("%s: organization id is required", s.name)
		}
		if s.creds.PollInterval < time.Minute {
			return fmt.Errorf("%s: poll interval %s is below the 60s minimum", s.name, s.creds.PollInterval)
		}
	}
	return nil
}

// BrokerList returns the configured brokers, trimmed and with empty entries
// removed.
func (k KafkaConfig) BrokerList() []string {
	parts := strings.Split(k.Brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

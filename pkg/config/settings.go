// Package config assembles process settings from the environment and
// expands environment references in YAML files.
//
// Settings are read once at startup. Anything invalid or missing that the
// process cannot run without is a fatal ConfigError; nothing here is
// re-read or mutated after Load returns.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Token store backends.
const (
	TokenBackendMemory = "memory"
	TokenBackendRemote = "remote"
)

// SIEM sink types.
const (
	SIEMNone          = "none"
	SIEMSplunk        = "splunk"
	SIEMElasticsearch = "elasticsearch"
	SIEMDatadog       = "datadog"
	SIEMSyslog        = "syslog"
)

// Output safety modes for the response post-filter.
const (
	SafetyOff     = "off"
	SafetyWarning = "warning"
	SafetyBlock   = "block"
)

const (
	defaultMaxPayloadBytes = 262144
	defaultHTTPPort        = "8019"
	defaultPolicyPath      = "./deploy/policy.yaml"
	defaultAuditPath       = "./audit/audit.jsonl"
	minSaltBytes           = 16
)

// Default upstream endpoints, overridable per provider.
const (
	DefaultUpstreamOpenAI    = "https://api.openai.com"
	DefaultUpstreamAnthropic = "https://api.anthropic.com"
	DefaultUpstreamGoogle    = "https://generativelanguage.googleapis.com"
)

// SIEMSettings carries the per-sink credentials for the configured SIEM type.
type SIEMSettings struct {
	Type string

	SplunkHECURL   string
	SplunkHECToken string

	ElasticsearchURL    string
	ElasticsearchIndex  string
	ElasticsearchAPIKey string

	DatadogAPIKey string
	DatadogSite   string

	SyslogAddr     string
	SyslogFacility int

	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
}

// Enabled reports whether a SIEM sink is configured.
func (s SIEMSettings) Enabled() bool {
	return s.Type != "" && s.Type != SIEMNone
}

// Settings is the process configuration, assembled once from the environment.
type Settings struct {
	HTTPPort string

	// Salt is the process-wide HMAC secret behind placeholder determinism.
	Salt []byte

	TokenBackend  string
	RemoteURL     string
	EncryptionKey string
	// TokenKDFSalt overrides the built-in KDF salt for the remote token
	// store. Empty means the store's default.
	TokenKDFSalt []byte
	TokenTTL     time.Duration

	PolicyPath string
	AuditPath  string

	MaxPayloadBytes int

	ProxyEnabled      bool
	UpstreamOpenAI    string
	UpstreamAnthropic string
	UpstreamGoogle    string
	DefaultRegion     string
	DefaultEnv        string

	ExportControlThreshold int
	InternalDomainSuffixes []string
	OutputSafetyMode       string

	SIEM SIEMSettings
}

// Load assembles Settings from the environment. Every failure it returns is
// a ConfigError and fatal for startup.
func Load() (*Settings, error) {
	s := &Settings{
		HTTPPort:          getEnv("HTTP_PORT", defaultHTTPPort),
		TokenBackend:      getEnv("TOKEN_BACKEND", TokenBackendMemory),
		RemoteURL:         os.Getenv("REMOTE_URL"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		PolicyPath:        getEnv("POLICY_PATH", defaultPolicyPath),
		AuditPath:         getEnv("AUDIT_PATH", defaultAuditPath),
		UpstreamOpenAI:    getEnv("UPSTREAM_OPENAI_URL", DefaultUpstreamOpenAI),
		UpstreamAnthropic: getEnv("UPSTREAM_ANTHROPIC_URL", DefaultUpstreamAnthropic),
		UpstreamGoogle:    getEnv("UPSTREAM_GOOGLE_URL", DefaultUpstreamGoogle),
		DefaultRegion:     getEnv("DEFAULT_REGION", "us"),
		DefaultEnv:        getEnv("DEFAULT_ENV", "prod"),
		OutputSafetyMode:  getEnv("OUTPUT_SAFETY_MODE", SafetyOff),
	}

	salt := os.Getenv("SALT_ENV")
	if salt == "" {
		return nil, missingField("SALT_ENV")
	}
	if len(salt) < minSaltBytes {
		return nil, invalidValue("SALT_ENV",
			fmt.Sprintf("salt must be at least %d bytes, got %d", minSaltBytes, len(salt)))
	}
	s.Salt = []byte(salt)

	switch s.TokenBackend {
	case TokenBackendMemory:
	case TokenBackendRemote:
		if s.RemoteURL == "" {
			return nil, missingField("REMOTE_URL")
		}
		if s.EncryptionKey == "" {
			return nil, missingField("ENCRYPTION_KEY")
		}
		// Key material may arrive base64-encoded; decode transparently.
		if decoded, err := base64.StdEncoding.DecodeString(s.EncryptionKey); err == nil && len(decoded) >= minSaltBytes {
			s.EncryptionKey = string(decoded)
		}
		if kdfSalt := os.Getenv("TOKEN_KDF_SALT"); kdfSalt != "" {
			if len(kdfSalt) < minSaltBytes {
				return nil, invalidValue("TOKEN_KDF_SALT",
					fmt.Sprintf("salt must be at least %d bytes, got %d", minSaltBytes, len(kdfSalt)))
			}
			s.TokenKDFSalt = []byte(kdfSalt)
		}
	default:
		return nil, invalidValue("TOKEN_BACKEND",
			fmt.Sprintf("must be %q or %q, got %q", TokenBackendMemory, TokenBackendRemote, s.TokenBackend))
	}

	var err error
	if s.MaxPayloadBytes, err = getEnvInt("MAX_PAYLOAD_BYTES", defaultMaxPayloadBytes); err != nil {
		return nil, err
	}
	if s.MaxPayloadBytes <= 0 {
		return nil, invalidValue("MAX_PAYLOAD_BYTES", "must be positive")
	}

	if s.ProxyEnabled, err = getEnvBool("PROXY_ENABLED", false); err != nil {
		return nil, err
	}

	ttlHours, err := getEnvInt("TOKEN_TTL_HOURS", 24)
	if err != nil {
		return nil, err
	}
	if ttlHours <= 0 {
		return nil, invalidValue("TOKEN_TTL_HOURS", "must be positive")
	}
	s.TokenTTL = time.Duration(ttlHours) * time.Hour

	if s.ExportControlThreshold, err = getEnvInt("EXPORT_CONTROL_THRESHOLD", 2); err != nil {
		return nil, err
	}

	if raw := os.Getenv("INTERNAL_DOMAIN_SUFFIXES"); raw != "" {
		for _, suffix := range strings.Split(raw, ",") {
			if suffix = strings.TrimSpace(suffix); suffix != "" {
				s.InternalDomainSuffixes = append(s.InternalDomainSuffixes, suffix)
			}
		}
	}

	switch s.OutputSafetyMode {
	case SafetyOff, SafetyWarning, SafetyBlock:
	default:
		return nil, invalidValue("OUTPUT_SAFETY_MODE",
			fmt.Sprintf("must be off, warning, or block, got %q", s.OutputSafetyMode))
	}

	if err := loadSIEM(&s.SIEM); err != nil {
		return nil, err
	}

	return s, nil
}

// loadSIEM validates the sink selection and its credentials.
func loadSIEM(s *SIEMSettings) error {
	s.Type = strings.ToLower(getEnv("SIEM_TYPE", SIEMNone))

	var err error
	if s.QueueCapacity, err = getEnvInt("SIEM_QUEUE_CAPACITY", 1000); err != nil {
		return err
	}
	if s.BatchSize, err = getEnvInt("SIEM_BATCH_SIZE", 100); err != nil {
		return err
	}
	flushSeconds, err := getEnvInt("SIEM_FLUSH_SECONDS", 5)
	if err != nil {
		return err
	}
	s.FlushInterval = time.Duration(flushSeconds) * time.Second

	switch s.Type {
	case SIEMNone:
	case SIEMSplunk:
		s.SplunkHECURL = os.Getenv("SPLUNK_HEC_URL")
		s.SplunkHECToken = os.Getenv("SPLUNK_HEC_TOKEN")
		if s.SplunkHECURL == "" {
			return missingField("SPLUNK_HEC_URL")
		}
		if s.SplunkHECToken == "" {
			return missingField("SPLUNK_HEC_TOKEN")
		}
	case SIEMElasticsearch:
		s.ElasticsearchURL = os.Getenv("ELASTICSEARCH_URL")
		s.ElasticsearchIndex = getEnv("ELASTICSEARCH_INDEX", "skyfence-audit")
		s.ElasticsearchAPIKey = os.Getenv("ELASTICSEARCH_API_KEY")
		if s.ElasticsearchURL == "" {
			return missingField("ELASTICSEARCH_URL")
		}
	case SIEMDatadog:
		s.DatadogAPIKey = os.Getenv("DATADOG_API_KEY")
		s.DatadogSite = getEnv("DATADOG_SITE", "datadoghq.com")
		if s.DatadogAPIKey == "" {
			return missingField("DATADOG_API_KEY")
		}
	case SIEMSyslog:
		host := os.Getenv("SYSLOG_HOST")
		if host == "" {
			return missingField("SYSLOG_HOST")
		}
		port, err := getEnvInt("SYSLOG_PORT", 514)
		if err != nil {
			return err
		}
		s.SyslogAddr = fmt.Sprintf("%s:%d", host, port)
		if s.SyslogFacility, err = getEnvInt("SYSLOG_FACILITY", 16); err != nil {
			return err
		}
	default:
		return invalidValue("SIEM_TYPE", fmt.Sprintf("unknown sink %q", s.Type))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidValue(key, fmt.Sprintf("not an integer: %q", raw))
	}
	return value, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalidValue(key, fmt.Sprintf("not a boolean: %q", raw))
	}
	return value, nil
}

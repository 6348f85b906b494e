package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderSection selects a pluggable implementation by type. Config is kept
// as a generic map so it can be written as plain YAML and handed to the
// provider as JSON.
type ProviderSection struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// RawConfig returns Config encoded as JSON, or nil when empty.
func (p ProviderSection) RawConfig() (json.RawMessage, error) {
	if len(p.Config) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", p.Type, err)
	}
	return b, nil
}

type TaskConfig struct {
	Title                     string  `yaml:"title"`
	Description               string  `yaml:"description"`
	Keywords                  string  `yaml:"keywords"`
	Content                   string  `yaml:"content"`
	Reward                    float64 `yaml:"reward"`
	AssignmentDurationSeconds int     `yaml:"assignmentDurationSeconds"`
	AutoApprovalDelaySeconds  int     `yaml:"autoApprovalDelaySeconds"`
	LifetimeSeconds           int     `yaml:"lifetimeSeconds"`
	MaxSubmissions            int     `yaml:"maxSubmissions"`
}

type ClassifierConfig struct {
	Type      string  `yaml:"type"`
	Threshold float64 `yaml:"threshold"`
}

type BucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type RateLimitConfig struct {
	// Store is "local" (per process) or "redis" (shared across processes).
	Store string `yaml:"store"`
	// Backend throttles calls to the marketplace per credential.
	Backend BucketConfig `yaml:"backend"`
	// Operator throttles mutating operator API calls per bearer token.
	Operator BucketConfig `yaml:"operator"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

type UploadConfig struct {
	Type     string `yaml:"type"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

type Config struct {
	Port          int    `yaml:"port"`
	Env           string `yaml:"env"`
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	Timezone      string `yaml:"timezone"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	OutputDir           string `yaml:"outputDir"`
	LogDir              string `yaml:"logDir"`
	SurveyPath          string `yaml:"surveyPath"`
	Participants        int    `yaml:"participants"`
	PollIntervalSeconds int    `yaml:"pollIntervalSeconds"`

	BackoffPolicy         string `yaml:"backoffPolicy"`
	BackoffBaseSeconds    int    `yaml:"backoffBaseSeconds"`
	BackoffMaxWaitSeconds int    `yaml:"backoffMaxWaitSeconds"`

	Backend            ProviderSection  `yaml:"backend"`
	BackendExtraFields []string         `yaml:"backendExtraFields"`
	ApprovalFeedback   string           `yaml:"approvalFeedback"`
	Task               TaskConfig       `yaml:"task"`
	Classifier         ClassifierConfig `yaml:"classifier"`
	RateLimit          RateLimitConfig  `yaml:"rateLimit"`
	AuditDSN           string           `yaml:"auditDsn"`
	Tracing            TracingConfig    `yaml:"tracing"`
	AdminAuth          ProviderSection  `yaml:"adminAuth"`
	ReportUpload       UploadConfig     `yaml:"reportUpload"`
}

// LoadConfig reads filePath, applies environment overrides and fills defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return parse(data)
}

// LoadConfigOptional behaves like LoadConfig, but an empty path or a missing
// file yields a config built from environment and defaults alone.
func LoadConfigOptional(filePath string) (*Config, error) {
	if strings.TrimSpace(filePath) == "" {
		return parse(nil)
	}
	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return parse(nil)
	}
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var c Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (c *Config) applyEnv() error {
	envInt("PORT", &c.Port)
	envString("CROWDQ_ENV", &c.Env)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("TZ_NAME", &c.Timezone)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)

	envString("OUTPUT_DIR", &c.OutputDir)
	envString("LOG_DIR", &c.LogDir)
	envString("SURVEY_PATH", &c.SurveyPath)
	envInt("PARTICIPANTS", &c.Participants)
	envInt("POLL_INTERVAL_SECONDS", &c.PollIntervalSeconds)

	envString("BACKOFF_POLICY", &c.BackoffPolicy)
	envInt("BACKOFF_BASE_SECONDS", &c.BackoffBaseSeconds)
	envInt("BACKOFF_MAX_WAIT_SECONDS", &c.BackoffMaxWaitSeconds)

	envString("BACKEND_PROVIDER", &c.Backend.Type)
	if v := os.Getenv("BACKEND_CONFIG"); v != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return fmt.Errorf("BACKEND_CONFIG: %w", err)
		}
		c.Backend.Config = m
	}
	if v := os.Getenv("BACKEND_EXTRA_FIELDS"); v != "" {
		c.BackendExtraFields = splitList(v)
	}

	envString("CLASSIFIER_TYPE", &c.Classifier.Type)
	envFloat("CLASSIFIER_THRESHOLD", &c.Classifier.Threshold)
	envString("RATE_LIMIT_STORE", &c.RateLimit.Store)
	envInt("BACKEND_REQUESTS_PER_MINUTE", &c.RateLimit.Backend.RequestsPerMinute)
	envInt("OPERATOR_REQUESTS_PER_MINUTE", &c.RateLimit.Operator.RequestsPerMinute)
	envString("AUDIT_DSN", &c.AuditDSN)

	envBool("TRACING_ENABLED", &c.Tracing.Enabled)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)
	envFloat("TRACING_SAMPLE_RATIO", &c.Tracing.SampleRatio)

	envString("ADMIN_AUTH_PROVIDER", &c.AdminAuth.Type)
	if v := os.Getenv("ADMIN_AUTH_CONFIG"); v != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return fmt.Errorf("ADMIN_AUTH_CONFIG: %w", err)
		}
		c.AdminAuth.Config = m
	}

	envString("REPORT_UPLOAD_TYPE", &c.ReportUpload.Type)
	envString("REPORT_UPLOAD_BUCKET", &c.ReportUpload.Bucket)
	envString("REPORT_UPLOAD_DIR", &c.ReportUpload.Dir)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 30
	}
	if c.BackoffPolicy == "" {
		c.BackoffPolicy = "exponential"
	}
	if c.BackoffBaseSeconds <= 0 {
		c.BackoffBaseSeconds = 1
	}
	if c.BackoffMaxWaitSeconds <= 0 {
		c.BackoffMaxWaitSeconds = 120
	}
	if c.Backend.Type == "" {
		c.Backend.Type = "memory"
	}
	if c.ApprovalFeedback == "" {
		c.ApprovalFeedback = "Thank you for your response."
	}
	if c.Task.LifetimeSeconds <= 0 {
		c.Task.LifetimeSeconds = 3600
	}
	if c.Task.AssignmentDurationSeconds <= 0 {
		c.Task.AssignmentDurationSeconds = 1800
	}
	if c.Task.AutoApprovalDelaySeconds <= 0 {
		c.Task.AutoApprovalDelaySeconds = 86400
	}
	if c.Classifier.Type == "" {
		c.Classifier.Type = "completion"
	}
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = "local"
	}
	if c.AuditDSN == "" {
		c.AuditDSN = "file:crowdq-audit.db"
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.ReportUpload.Type == "" {
		c.ReportUpload.Type = "local"
	}
	if c.ReportUpload.Type == "local" && c.ReportUpload.Dir == "" {
		c.ReportUpload.Dir = "published"
	}
}

func (c *Config) Validate() error {
	var errs []string
	env := strings.ToLower(strings.TrimSpace(c.Env))
	dev := env == "dev"

	if strings.TrimSpace(c.SurveyPath) == "" {
		errs = append(errs, "surveyPath is required")
	}
	if c.Participants <= 0 {
		errs = append(errs, "participants must be positive")
	}
	if c.Classifier.Threshold < 0 {
		errs = append(errs, "classifier.threshold must not be negative")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, "logFormat must be json or text")
	}
	switch c.RateLimit.Store {
	case "local", "redis":
	default:
		errs = append(errs, "rateLimit.store must be local or redis")
	}
	switch c.ReportUpload.Type {
	case "local":
	case "s3":
		if c.ReportUpload.Bucket == "" {
			errs = append(errs, "reportUpload.bucket is required for s3")
		}
	default:
		errs = append(errs, "reportUpload.type must be local or s3")
	}
	if c.Backend.Type == "memory" && !dev {
		errs = append(errs, "backend.type memory is only allowed in dev")
	}
	if c.AdminAuth.Type == "" && !dev {
		errs = append(errs, "adminAuth is required in non-dev")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

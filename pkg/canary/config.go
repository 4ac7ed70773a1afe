package canary

import (
	"errors"
	"flag"
	"time"
)

// Config controls the write client, its retry schedule, circuit breaker and
// session lifecycle.
type Config struct {
	BaseURL      string   `yaml:"base_url"`
	EndpointPath string   `yaml:"endpoint_path"`
	APIToken     string   `yaml:"api_token"`
	ClientID     string   `yaml:"client_id"`
	Historians   []string `yaml:"historians"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	BurstSize       int           `yaml:"burst_size"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	MaxBatchTags    int           `yaml:"max_batch_tags"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`

	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	CircuitConsecutiveFailures uint32        `yaml:"circuit_consecutive_failures"`
	CircuitResetTimeout        time.Duration `yaml:"circuit_reset_timeout"`

	SessionTimeout  time.Duration `yaml:"session_timeout"`
	KeepaliveIdle   time.Duration `yaml:"keepalive_idle"`
	KeepaliveJitter time.Duration `yaml:"keepalive_jitter"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.EndpointPath = "/storeData"
	cfg.ClientID = "metasync"
	cfg.RequestTimeout = 10 * time.Second
	cfg.RateLimitRPS = 500
	cfg.BurstSize = 500
	cfg.QueueCapacity = 1000
	cfg.MaxBatchTags = 100
	cfg.MaxPayloadBytes = 1_000_000
	cfg.RetryAttempts = 6
	cfg.RetryBaseDelay = 200 * time.Millisecond
	cfg.RetryMaxDelay = 6400 * time.Millisecond
	cfg.CircuitConsecutiveFailures = 20
	cfg.CircuitResetTimeout = 60 * time.Second
	cfg.SessionTimeout = 120 * time.Second
	cfg.KeepaliveIdle = 30 * time.Second
	cfg.KeepaliveJitter = 10 * time.Second
}

func (cfg *Config) Validate() error {
	if cfg.BaseURL == "" {
		return errors.New("canary base_url is required")
	}
	if cfg.RateLimitRPS <= 0 {
		return errors.New("canary rate_limit_rps must be positive")
	}
	if cfg.QueueCapacity <= 0 || cfg.MaxBatchTags <= 0 {
		return errors.New("canary queue_capacity and max_batch_tags must be positive")
	}
	if cfg.MaxPayloadBytes <= 0 {
		return errors.New("canary max_payload_bytes must be positive")
	}
	if cfg.RetryAttempts < 0 || cfg.RetryBaseDelay <= 0 || cfg.RetryMaxDelay <= 0 {
		return errors.New("canary retry settings must be positive")
	}
	return nil
}

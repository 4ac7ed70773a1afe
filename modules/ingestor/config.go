package ingestor

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// MQTTConfig describes the broker connection and the Sparkplug topic
// subscriptions. The connection always runs over TLS; tls_insecure disables
// certificate verification for brokers with self-signed certificates.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TLSInsecure bool   `yaml:"tls_insecure"`

	TopicAll       string `yaml:"topic_all"`
	TopicNBirthAll string `yaml:"topic_nbirth_all"`
	TopicDBirthAll string `yaml:"topic_dbirth_all"`

	AutoRequestRebirth bool          `yaml:"auto_request_rebirth"`
	RebirthThrottle    time.Duration `yaml:"rebirth_throttle"`
}

// StoreConfig is the metadata database connection. Mode "mock" keeps frames
// out of the database entirely and is the safe default for development.
type StoreConfig struct {
	Mode     string `yaml:"db_mode"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the pgx connection string for the metadata store.
func (cfg StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode,
	)
}

// JSONLConfig controls the per-topic audit trail. Pattern substitutes
// {topic} with the slashes-to-underscores topic slug.
type JSONLConfig struct {
	Write   bool   `yaml:"write_jsonl"`
	Pattern string `yaml:"pattern"`
}

type Config struct {
	Enabled bool `yaml:"ingest_enabled"`

	MQTT  MQTTConfig  `yaml:"mqtt"`
	Store StoreConfig `yaml:"store"`
	JSONL JSONLConfig `yaml:"jsonl"`

	AliasCachePath string `yaml:"alias_cache_path"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Enabled = true

	cfg.MQTT = MQTTConfig{
		Port:               8883,
		ClientID:           "metasync-ingest",
		TopicAll:           "spBv1.0/#",
		TopicNBirthAll:     "spBv1.0/+/NBIRTH/#",
		TopicDBirthAll:     "spBv1.0/+/DBIRTH/#",
		AutoRequestRebirth: true,
		RebirthThrottle:    60 * time.Second,
	}
	cfg.Store = StoreConfig{
		Mode:     "mock",
		Host:     "localhost",
		Port:     5432,
		Database: "uns_metadata",
		User:     "postgres",
		SSLMode:  "prefer",
	}
	cfg.JSONL = JSONLConfig{
		Write:   true,
		Pattern: "messages_{topic}.jsonl",
	}
	cfg.AliasCachePath = "alias_cache.json"
}

func (cfg *Config) Validate() error {
	if cfg.MQTT.Broker == "" {
		return errors.New("mqtt broker is required")
	}
	if cfg.MQTT.Port <= 0 {
		return errors.New("mqtt port must be positive")
	}
	switch cfg.Store.Mode {
	case "mock", "local":
	default:
		return fmt.Errorf("unknown db_mode %q, expected mock or local", cfg.Store.Mode)
	}
	if cfg.JSONL.Write && cfg.JSONL.Pattern == "" {
		return errors.New("jsonl pattern is required when write_jsonl is set")
	}
	return nil
}

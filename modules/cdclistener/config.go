package cdclistener

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/unsmeta/metasync/pkg/cdc"
)

// ReplicationConfig is the connection used for the logical replication
// stream and the metadata lookups.
type ReplicationConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`

	// ReadTimeout bounds a single stream read. An idle stream past this
	// deadline ends the batch so debounce flushes keep running.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// DSN renders the replication connection string. replication=database puts
// the connection into logical replication mode.
func (cfg ReplicationConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s replication=database",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode,
	)
}

type Config struct {
	Enabled           bool          `yaml:"enabled"`
	Slot              string        `yaml:"slot"`
	Publication       string        `yaml:"publication"`
	ReplicationPlugin string        `yaml:"replication_plugin"`
	Window            time.Duration `yaml:"window"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	BufferCap         int           `yaml:"buffer_cap"`
	IdleSleep         time.Duration `yaml:"idle_sleep"`
	MaxBatchMessages  int           `yaml:"max_batch_messages"`
	CheckpointBackend string        `yaml:"checkpoint_backend"`
	ResumePath        string        `yaml:"resume_path"`
	ResumeFsync       bool          `yaml:"resume_fsync"`

	Backoff     cdc.BackoffConfig `yaml:"backoff"`
	Replication ReplicationConfig `yaml:"replication"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Slot = "uns_meta_slot"
	cfg.Publication = "uns_meta_pub"
	cfg.ReplicationPlugin = "wal2json"
	cfg.Window = 180 * time.Second
	cfg.FlushInterval = 5 * time.Second
	cfg.BufferCap = 1000
	cfg.IdleSleep = time.Second
	cfg.MaxBatchMessages = 500
	cfg.CheckpointBackend = "file"
	cfg.ResumePath = "cdc_resume_tokens.json"

	cfg.Backoff = cdc.BackoffConfig{
		Base:       500 * time.Millisecond,
		Multiplier: 2,
		Max:        30 * time.Second,
		Jitter:     true,
	}
	cfg.Replication = ReplicationConfig{
		Host:        "localhost",
		Port:        5432,
		Database:    "uns_metadata",
		User:        "postgres",
		SSLMode:     "prefer",
		ReadTimeout: time.Second,
	}
}

func (cfg *Config) Validate() error {
	if cfg.Slot == "" {
		return errors.New("cdc slot is required")
	}
	switch cfg.CheckpointBackend {
	case "file", "memory":
	default:
		return fmt.Errorf("unknown checkpoint backend %q, expected file or memory", cfg.CheckpointBackend)
	}
	switch cfg.ReplicationPlugin {
	case "wal2json", "pgoutput":
	default:
		return fmt.Errorf("unsupported replication plugin %q", cfg.ReplicationPlugin)
	}
	if cfg.Window <= 0 || cfg.FlushInterval <= 0 {
		return errors.New("cdc window and flush_interval must be positive")
	}
	if cfg.BufferCap <= 0 || cfg.MaxBatchMessages <= 0 {
		return errors.New("cdc buffer_cap and max_batch_messages must be positive")
	}
	return nil
}

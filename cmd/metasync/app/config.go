package app

import (
	"errors"
	"flag"

	dslog "github.com/grafana/dskit/log"

	"github.com/unsmeta/metasync/modules/canarywriter"
	"github.com/unsmeta/metasync/modules/cdclistener"
	"github.com/unsmeta/metasync/modules/ingestor"
)

// ServerConfig is the HTTP and logging surface of the process.
type ServerConfig struct {
	HTTPListenAddress string      `yaml:"http_listen_address"`
	HTTPListenPort    int         `yaml:"http_listen_port"`
	LogLevel          dslog.Level `yaml:"log_level"`
	LogFormat         string      `yaml:"log_format"`
}

// Config is the full service configuration as loaded from YAML.
type Config struct {
	Server ServerConfig `yaml:"server"`

	Ingest ingestor.Config     `yaml:",inline"`
	CDC    cdclistener.Config  `yaml:"cdc"`
	Canary canarywriter.Config `yaml:"canary"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Server.HTTPListenPort = 3300
	cfg.Server.LogFormat = "logfmt"
	_ = cfg.Server.LogLevel.Set("info")

	cfg.Ingest.RegisterFlagsAndApplyDefaults(prefix, f)
	cfg.CDC.RegisterFlagsAndApplyDefaults(prefix, f)
	cfg.Canary.RegisterFlagsAndApplyDefaults(prefix, f)

	f.IntVar(&cfg.Server.HTTPListenPort, "server.http-listen-port", cfg.Server.HTTPListenPort, "HTTP port for metrics and readiness.")
	f.StringVar(&cfg.Ingest.MQTT.Broker, "mqtt.broker", cfg.Ingest.MQTT.Broker, "MQTT broker hostname.")
	f.StringVar(&cfg.Ingest.Store.Mode, "store.db-mode", cfg.Ingest.Store.Mode, "Metadata store mode, mock or local.")
}

// CheckConfig validates cross-module constraints before any service starts.
func (cfg *Config) CheckConfig() error {
	if cfg.Ingest.Enabled {
		if err := cfg.Ingest.Validate(); err != nil {
			return err
		}
	}
	if cfg.CDC.Enabled {
		if cfg.Ingest.Store.Mode != "local" {
			return errors.New("cdc requires store db_mode local")
		}
		if err := cfg.CDC.Validate(); err != nil {
			return err
		}
	}
	if cfg.Canary.Enabled {
		if cfg.Canary.Client.APIToken == "" {
			return errors.New("canary api_token is required when the writer is enabled")
		}
		if err := cfg.Canary.Client.Validate(); err != nil {
			return err
		}
	}
	return nil
}

package canarywriter

import (
	"flag"

	"github.com/unsmeta/metasync/pkg/canary"
)

type Config struct {
	Enabled bool          `yaml:"enabled"`
	Client  canary.Config `yaml:",inline"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Client.RegisterFlagsAndApplyDefaults(prefix, f)
}

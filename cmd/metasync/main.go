package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v2"

	"github.com/unsmeta/metasync/cmd/metasync/app"
	"github.com/unsmeta/metasync/pkg/util/log"
)

const configFileOption = "config.file"

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.InitLogger(config.Server.LogFormat, config.Server.LogLevel)

	application, err := app.New(*config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise: %v\n", err)
		os.Exit(1)
	}
	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "terminated with error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers configuration: defaults, then the YAML file named by
// -config.file with environment variables expanded, then explicit flags.
func loadConfig() (*app.Config, error) {
	args := os.Args[1:]

	fs := flag.NewFlagSet("", flag.ExitOnError)
	fs.SetOutput(os.Stderr)

	config := &app.Config{}
	config.RegisterFlagsAndApplyDefaults("", fs)

	var configFile string
	fs.StringVar(&configFile, configFileOption, "", "Path to the YAML configuration file.")

	// the file has to be read before Parse so that flags override it, so
	// find its name with a pre-scan of the arguments.
	if name := scanConfigFile(args); name != "" {
		raw, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		expanded, err := envsubst.EvalEnv(string(raw))
		if err != nil {
			return nil, fmt.Errorf("expanding environment in %s: %w", name, err)
		}
		if err := yaml.UnmarshalStrict([]byte(expanded), config); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

func scanConfigFile(args []string) string {
	for i, arg := range args {
		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == configFileOption && i+1 < len(args) {
			return args[i+1]
		}
		if value, ok := strings.CutPrefix(trimmed, configFileOption+"="); ok {
			return value
		}
	}
	return ""
}

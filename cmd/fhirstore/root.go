package main

import (
	"github.com/spf13/cobra"

	"github.com/nainya/fhirstore/internal/config"
	"github.com/nainya/fhirstore/internal/logger"
)

// rootOptions holds the flags shared by every command. Flags that are set
// override the config file.
type rootOptions struct {
	configPath string
	dataPath   string
	backend    string
	inMemory   bool
	logLevel   string
	pretty     bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fhirstore",
		Short:         "Versioned clinical resource store",
		Long:          "A file-backed, versioned store for clinical resources with search, history and validation.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.dataPath, "data", "", "storage path (directory for badger, file for sqlite)")
	flags.StringVar(&opts.backend, "backend", "", "storage backend (badger|sqlite)")
	flags.BoolVar(&opts.inMemory, "in-memory", false, "keep all data in memory (badger only)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	flags.BoolVar(&opts.pretty, "pretty", false, "human readable logs")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newReindexCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	return cmd
}

// load reads the config file and applies the flags the user set.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data") {
		cfg.Storage.Path = o.dataPath
	}
	if flags.Changed("backend") {
		cfg.Storage.Backend = o.backend
	}
	if flags.Changed("in-memory") {
		cfg.Storage.InMemory = o.inMemory
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("pretty") {
		cfg.Log.Pretty = o.pretty
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config, cmd *cobra.Command) *logger.Logger {
	return logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Pretty:     cfg.Log.Pretty,
		Output:     cmd.ErrOrStderr(),
		WithCaller: cfg.Log.Level == "debug",
	})
}

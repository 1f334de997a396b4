package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kuyruk-go/kuyruk/internal/config"
	"github.com/kuyruk-go/kuyruk/internal/isolate"
	"github.com/kuyruk-go/kuyruk/internal/logging"
)

// cliFlags holds the parsed command line. settings is keyed by long option
// name; set records which of those the user actually passed.
type cliFlags struct {
	configFile *string
	module     *string
	tomlFile   *string
	settings   map[string]*string
	set        map[string]*bool
}

func main() {
	isolate.Init()

	app, flags := newApp()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger, err := logging.New("INFO")
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	cfg, err := load(flags, config.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger = reconfigureLogger(cfg, logger)
	defer func() {
		_ = logger.Sync()
	}()

	if err := dump(os.Stdout, cfg); err != nil {
		logger.Fatal("failed to write configuration", zap.Error(err))
	}
	logger.Debug("effective configuration written")
}

func newApp() (*kingpin.Application, *cliFlags) {
	app := kingpin.New("kuyruk", "Kuyruk configuration loader - prints the effective worker configuration")
	flags := &cliFlags{
		configFile: app.Flag("config", "Path to a Starlark configuration file").String(),
		module:     app.Flag("module", "Dotted name of a configuration module").String(),
		tomlFile:   app.Flag("toml", "Path to a TOML configuration file").String(),
		settings:   make(map[string]*string),
		set:        make(map[string]*bool),
	}

	for _, s := range config.Settings() {
		set := new(bool)
		flags.settings[s.Flag()] = app.Flag(s.Flag(), s.Help).IsSetByUser(set).String()
		flags.set[s.Flag()] = set
	}

	return app, flags
}

// args returns the setting options with nil for those left unset.
func (f *cliFlags) args() map[string]*string {
	out := make(map[string]*string, len(f.settings))
	for name, value := range f.settings {
		if *f.set[name] {
			out[name] = value
		} else {
			out[name] = nil
		}
	}
	return out
}

// load runs the override pipeline: module, file, TOML, environment, then
// command-line options.
func load(flags *cliFlags, opts ...config.Option) (*config.Config, error) {
	cfg := config.New(opts...)

	if *flags.module != "" {
		cfg.FromModule(*flags.module)
	}
	if *flags.configFile != "" {
		cfg.FromFile(*flags.configFile)
	}
	if *flags.tomlFile != "" {
		if err := cfg.FromTOML(*flags.tomlFile); err != nil {
			return nil, fmt.Errorf("load TOML config: %w", err)
		}
	}
	cfg.FromEnv()
	cfg.FromArgs(flags.args())

	return cfg, nil
}

// reconfigureLogger builds the logger the loaded settings ask for, keeping
// the current one if that fails.
func reconfigureLogger(cfg *config.Config, current *zap.Logger) *zap.Logger {
	snapshot, err := cfg.Snapshot()
	if err != nil {
		current.Warn("cannot read logging settings", zap.Error(err))
		return current
	}

	logger, err := logging.FromSettings(snapshot.LoggingLevel, snapshot.LoggingConfig)
	if err != nil {
		current.Warn("cannot apply logging settings", zap.Error(err))
		return current
	}

	_ = current.Sync()
	return logger
}

func dump(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Values()); err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	return enc.Close()
}

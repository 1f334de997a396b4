package config

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/kuyruk-go/kuyruk/internal/isolate"
)

// Source identifies where a batch of overrides came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceObject  Source = "object"
	SourceMapping Source = "mapping"
	SourceFile    Source = "file"
	SourceModule  Source = "module"
	SourceTOML    Source = "toml"
	SourceEnv     Source = "env"
	SourceArgs    Source = "args"
)

// Runner reads a configuration file or module and returns its bindings.
// *isolate.Executor is the production implementation.
type Runner interface {
	Run(target isolate.Target) (map[string]any, error)
}

// Config aggregates the effective value of every registered setting.
// It is mutated only during startup and is not safe for concurrent writes.
type Config struct {
	values      map[string]any
	logger      *zap.Logger
	runner      Runner
	exit        func(int)
	diagnostics io.Writer
	environ     func() []string
}

// Option configures a Config.
type Option func(*Config)

// WithLogger sets the logger used for load records.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRunner replaces the isolated executor used by file and module loads.
func WithRunner(runner Runner) Option {
	return func(c *Config) {
		c.runner = runner
	}
}

// WithExit replaces os.Exit for FromFile and FromModule failures.
func WithExit(exit func(int)) Option {
	return func(c *Config) {
		if exit != nil {
			c.exit = exit
		}
	}
}

// WithDiagnostics sets where fatal load diagnostics are printed.
func WithDiagnostics(w io.Writer) Option {
	return func(c *Config) {
		if w != nil {
			c.diagnostics = w
		}
	}
}

// WithEnviron replaces os.Environ for FromEnv.
func WithEnviron(environ func() []string) Option {
	return func(c *Config) {
		if environ != nil {
			c.environ = environ
		}
	}
}

// New returns a Config holding the registry defaults.
func New(opts ...Option) *Config {
	c := &Config{
		values:      defaults(),
		logger:      zap.NewNop(),
		exit:        os.Exit,
		diagnostics: os.Stderr,
		environ:     os.Environ,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the current value of a setting.
func (c *Config) Get(name string) (any, bool) {
	value, ok := c.values[name]
	return cloneValue(value), ok
}

// Values returns a copy of every setting.
func (c *Config) Values() map[string]any {
	out := make(map[string]any, len(c.values))
	for name, value := range c.values {
		out[name] = cloneValue(value)
	}
	return out
}

// String returns a string setting, or "" when it is null.
func (c *Config) String(name string) string {
	s, _ := c.values[name].(string)
	return s
}

// Int returns an integer setting.
func (c *Config) Int(name string) int {
	n, _ := c.values[name].(int)
	return n
}

// Float returns a float setting and whether it is set.
func (c *Config) Float(name string) (float64, bool) {
	f, ok := c.values[name].(float64)
	return f, ok
}

// Bool returns a boolean setting.
func (c *Config) Bool(name string) bool {
	b, _ := c.values[name].(bool)
	return b
}

// Strings returns a copy of a list setting.
func (c *Config) Strings(name string) []string {
	list, _ := c.values[name].([]string)
	return slices.Clone(list)
}

// Snapshot is a typed view of the configuration. Nullable settings are
// pointers so that null survives the conversion.
type Snapshot struct {
	RabbitHost        string   `config:"RABBIT_HOST"`
	RabbitPort        int      `config:"RABBIT_PORT"`
	RabbitVirtualHost string   `config:"RABBIT_VIRTUAL_HOST"`
	RabbitUser        string   `config:"RABBIT_USER"`
	RabbitPassword    string   `config:"RABBIT_PASSWORD"`
	WorkerClass       string   `config:"WORKER_CLASS"`
	ImportPath        *string  `config:"IMPORT_PATH"`
	Imports           []string `config:"IMPORTS"`
	Eager             bool     `config:"EAGER"`
	MaxLoad           *float64 `config:"MAX_LOAD"`
	MaxWorkerRunTime  *float64 `config:"MAX_WORKER_RUN_TIME"`
	MaxTaskRunTime    *float64 `config:"MAX_TASK_RUN_TIME"`
	LoggingLevel      string   `config:"LOGGING_LEVEL"`
	LoggingConfig     *string  `config:"LOGGING_CONFIG"`
	SentryDSN         *string  `config:"SENTRY_DSN"`
}

// Snapshot decodes the current values into a Snapshot.
func (c *Config) Snapshot() (Snapshot, error) {
	var s Snapshot
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "config",
		Result:  &s,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(c.Values()); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// Merge applies a batch of overrides. Unrecognized names are ignored and
// values that cannot be converted to the setting's type are skipped with a
// warning. An empty batch changes nothing.
func (c *Config) Merge(source Source, batch map[string]any) {
	c.merge(source, string(source), batch)
}

func (c *Config) merge(source Source, origin string, batch map[string]any) {
	applied := 0
	names := make([]string, 0, len(batch))
	for name := range batch {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		setting, ok := Lookup(name)
		if !ok {
			continue
		}
		value, err := setting.Normalize(batch[name])
		if err != nil {
			c.logger.Warn("skipping invalid setting",
				zap.String("source", string(source)),
				zap.String("setting", name),
				zap.Error(err),
			)
			continue
		}
		c.values[name] = value
		applied++
	}

	c.logger.Info("config is loaded",
		zap.String("source", string(source)),
		zap.String("origin", origin),
		zap.Int("applied", applied),
	)
}

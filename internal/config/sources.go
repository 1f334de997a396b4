package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/kuyruk-go/kuyruk/internal/isolate"
)

// EnvPrefix marks environment variables that override settings.
const EnvPrefix = "KUYRUK_"

// LoadError reports a configuration file or module that could not be read.
type LoadError struct {
	Source Source
	Name   string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load config %s %s: %v", e.Source, e.Name, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// FromObject reads the exported fields of a struct. The `config` tag names
// the setting; untagged fields use the field name. Values are merged as is.
func (c *Config) FromObject(obj any) error {
	fields := make(map[string]any)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "config",
		Result:  &fields,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(obj); err != nil {
		return fmt.Errorf("read object: %w", err)
	}
	c.merge(SourceObject, fmt.Sprintf("%T", obj), upperOnly(fields))
	return nil
}

// FromMap merges the upper-case keys of m.
func (c *Config) FromMap(m map[string]any) {
	c.merge(SourceMapping, string(SourceMapping), upperOnly(m))
}

// LoadFile executes a configuration file in a child process and merges
// its upper-case bindings. On failure the snapshot is left untouched.
func (c *Config) LoadFile(path string) error {
	return c.load(SourceFile, isolate.Target{
		Kind:       isolate.KindFile,
		Name:       path,
		SearchPath: c.searchPath(),
	})
}

// LoadModule resolves a dotted module name against IMPORT_PATH and the
// working directory, then loads it like LoadFile.
func (c *Config) LoadModule(name string) error {
	return c.load(SourceModule, isolate.Target{
		Kind:       isolate.KindModule,
		Name:       name,
		SearchPath: c.searchPath(),
	})
}

// FromFile is LoadFile that terminates the process on failure.
func (c *Config) FromFile(path string) {
	if err := c.LoadFile(path); err != nil {
		c.fatal(err)
	}
}

// FromModule is LoadModule that terminates the process on failure.
func (c *Config) FromModule(name string) {
	if err := c.LoadModule(name); err != nil {
		c.fatal(err)
	}
}

// FromTOML merges a data-only TOML file. Nothing is executed, so it is
// decoded in process.
func (c *Config) FromTOML(path string) error {
	raw := make(map[string]any)
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	c.merge(SourceTOML, path, upperOnly(raw))
	return nil
}

// FromEnv merges variables named KUYRUK_<SETTING>. Values are parsed as
// literals when possible and kept as strings otherwise.
func (c *Config) FromEnv() {
	c.merge(SourceEnv, EnvPrefix+"*", envOverrides(c.environ()))
}

// FromArgs merges parsed command-line options keyed by long option name
// (e.g. "max-load"). Nil values are options the user did not pass.
func (c *Config) FromArgs(args map[string]*string) {
	batch := make(map[string]any)
	for option, value := range args {
		if value == nil {
			continue
		}
		name := strings.ToUpper(strings.ReplaceAll(option, "-", "_"))
		batch[name] = coerce(name, *value)
	}
	c.merge(SourceArgs, string(SourceArgs), batch)
}

// envOverrides removes EnvPrefix exactly once; the rest of the name is kept
// even when it starts with the same letters.
func envOverrides(environ []string) map[string]any {
	batch := make(map[string]any)
	for _, entry := range environ {
		key, raw, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		name := strings.ToUpper(strings.TrimPrefix(key, EnvPrefix))
		batch[name] = coerce(name, raw)
	}
	return batch
}

func (c *Config) load(source Source, target isolate.Target) error {
	if c.runner == nil {
		c.runner = isolate.New(c.logger)
	}
	// The child logs at the level in effect now, which an earlier load may
	// have changed.
	target.LogLevel = c.String("LOGGING_LEVEL")
	values, err := c.runner.Run(target)
	if err != nil {
		return &LoadError{Source: source, Name: target.Name, Err: err}
	}
	c.merge(source, target.Name, values)
	return nil
}

func (c *Config) fatal(err error) {
	source, name := Source("config"), ""
	if le, ok := err.(*LoadError); ok {
		source, name = le.Source, le.Name
	}
	c.logger.Error("cannot load config",
		zap.String("source", string(source)),
		zap.String("name", name),
		zap.Error(err),
	)
	fmt.Fprintf(c.diagnostics, "Cannot load config %s: %s\n", source, name)
	c.exit(1)
}

func (c *Config) searchPath() []string {
	var dirs []string
	if dir := c.String("IMPORT_PATH"); dir != "" {
		dirs = append(dirs, dir)
	}
	return append(dirs, ".")
}

// coerce parses raw as a literal. String settings keep the raw text unless
// it is a quoted string, or None for a nullable setting.
func coerce(name, raw string) any {
	parsed, ok := ParseLiteral(raw)
	if !ok {
		return raw
	}
	setting, known := Lookup(name)
	if !known || setting.Kind != KindString {
		return parsed
	}
	switch parsed.(type) {
	case string:
		return parsed
	case nil:
		if setting.Nullable {
			return nil
		}
	}
	return raw
}

func upperOnly(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for name, value := range in {
		if isolate.IsSettingName(name) {
			out[name] = value
		}
	}
	return out
}

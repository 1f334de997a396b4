package config

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/spf13/cast"
)

// Kind is the type family of a setting.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Setting describes one recognized configuration name.
type Setting struct {
	Name     string
	Default  any
	Kind     Kind
	Nullable bool
	Help     string
}

var registry = []Setting{
	// Connection
	{Name: "RABBIT_HOST", Default: "localhost", Kind: KindString, Help: "RabbitMQ host."},
	{Name: "RABBIT_PORT", Default: 5672, Kind: KindInt, Help: "RabbitMQ port."},
	{Name: "RABBIT_VIRTUAL_HOST", Default: "/", Kind: KindString, Help: "RabbitMQ virtual host."},
	{Name: "RABBIT_USER", Default: "guest", Kind: KindString, Help: "RabbitMQ user."},
	{Name: "RABBIT_PASSWORD", Default: "guest", Kind: KindString, Help: "RabbitMQ password."},

	// Worker
	{Name: "WORKER_CLASS", Default: "kuyruk.worker.Worker", Kind: KindString, Help: "Worker implementation class."},
	{Name: "IMPORT_PATH", Default: nil, Kind: KindString, Nullable: true, Help: "Directory tasks and config modules are imported from."},
	{Name: "IMPORTS", Default: []string{}, Kind: KindList, Help: "Task modules imported when the worker starts."},
	{Name: "EAGER", Default: false, Kind: KindBool, Help: "Run tasks in process without sending them to the queue."},
	{Name: "MAX_LOAD", Default: nil, Kind: KindFloat, Nullable: true, Help: "Stop consuming when the load goes above this level."},
	{Name: "MAX_WORKER_RUN_TIME", Default: nil, Kind: KindFloat, Nullable: true, Help: "Gracefully shut a worker down after this many seconds."},
	{Name: "MAX_TASK_RUN_TIME", Default: nil, Kind: KindFloat, Nullable: true, Help: "Fail a task that runs longer than this many seconds."},

	// Logging
	{Name: "LOGGING_LEVEL", Default: "INFO", Kind: KindString, Help: "Level of the root logger."},
	{Name: "LOGGING_CONFIG", Default: nil, Kind: KindString, Nullable: true, Help: "Logging configuration file; takes precedence over LOGGING_LEVEL."},

	// Crash reporting
	{Name: "SENTRY_DSN", Default: nil, Kind: KindString, Nullable: true, Help: "Send exceptions to Sentry."},
}

var registryIndex = func() map[string]int {
	index := make(map[string]int, len(registry))
	for i, s := range registry {
		index[s.Name] = i
	}
	return index
}()

// Settings returns the registry in declaration order.
func Settings() []Setting {
	out := make([]Setting, len(registry))
	for i, s := range registry {
		s.Default = cloneValue(s.Default)
		out[i] = s
	}
	return out
}

// Lookup returns the setting registered under name.
func Lookup(name string) (Setting, bool) {
	i, ok := registryIndex[name]
	if !ok {
		return Setting{}, false
	}
	s := registry[i]
	s.Default = cloneValue(s.Default)
	return s, true
}

// IsRecognized reports whether name is a registered setting.
func IsRecognized(name string) bool {
	_, ok := registryIndex[name]
	return ok
}

// Flag returns the long command-line option for the setting, e.g. "max-load".
func (s Setting) Flag() string {
	return strings.ToLower(strings.ReplaceAll(s.Name, "_", "-"))
}

// Normalize converts value into the setting's type family. Null is only
// accepted by nullable settings.
func (s Setting) Normalize(value any) (any, error) {
	value = indirect(value)
	if value == nil {
		if s.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("%s does not accept null", s.Name)
	}

	var (
		out any
		err error
	)
	switch s.Kind {
	case KindString:
		out, err = cast.ToStringE(value)
	case KindInt:
		if f, ok := value.(float64); ok && f != math.Trunc(f) {
			return nil, fmt.Errorf("%s expects an integer, got %v", s.Name, f)
		}
		out, err = cast.ToIntE(value)
	case KindFloat:
		out, err = cast.ToFloat64E(value)
	case KindBool:
		out, err = cast.ToBoolE(value)
	case KindList:
		var list []string
		list, err = cast.ToStringSliceE(value)
		out = slices.Clone(list)
	default:
		return nil, fmt.Errorf("%s has unknown kind %v", s.Name, s.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%s expects a %s: %w", s.Name, s.Kind, err)
	}
	return out, nil
}

func defaults() map[string]any {
	values := make(map[string]any, len(registry))
	for _, s := range registry {
		values[s.Name] = cloneValue(s.Default)
	}
	return values
}

func cloneValue(value any) any {
	if list, ok := value.([]string); ok {
		return slices.Clone(list)
	}
	return value
}

func indirect(value any) any {
	if value == nil {
		return nil
	}
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

package isolate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// jobEnv carries the YAML encoded job from parent to child. Its presence
	// is what turns a process into a config reader.
	jobEnv = "_KUYRUK_ISOLATE"

	// resultFD is the child's end of the result pipe (first of ExtraFiles).
	resultFD = 3
)

var (
	// ErrSourceFailed is returned when the child reported that executing the
	// configuration source failed. Details are in the child's log output.
	ErrSourceFailed = errors.New("configuration source failed")
	// ErrNoResult is returned when the child exited without delivering a
	// readable result.
	ErrNoResult = errors.New("config reader exited without a result")
	// ErrNotFound is returned when a file or module target does not resolve.
	ErrNotFound = errors.New("configuration source not found")
)

// Kind selects how a Target name is interpreted.
type Kind string

const (
	KindFile   Kind = "file"
	KindModule Kind = "module"
)

// Target names the configuration source to execute.
type Target struct {
	Kind Kind
	// Name is a file path for KindFile, a dotted module name for KindModule.
	Name string
	// SearchPath lists directories used to resolve modules and load()
	// statements. The working directory is used when empty.
	SearchPath []string
	// LogLevel is the level of the child's logger for this load. The
	// executor's default level is used when empty.
	LogLevel string
}

// job is the child's work order.
type job struct {
	Kind       Kind     `yaml:"kind"`
	Name       string   `yaml:"name"`
	SearchPath []string `yaml:"search_path,omitempty"`
	LogLevel   string   `yaml:"log_level,omitempty"`
	LoadID     string   `yaml:"load_id"`
}

func (j job) target() Target {
	return Target{Kind: j.Kind, Name: j.Name, SearchPath: j.SearchPath, LogLevel: j.LogLevel}
}

// result is the single message sent from child to parent.
type result struct {
	OK     bool           `yaml:"ok"`
	Values map[string]any `yaml:"values,omitempty"`
}

// Executor spawns config readers. The zero value is not usable; use New.
type Executor struct {
	logger   *zap.Logger
	binary   string
	logLevel string
}

// Option configures an Executor.
type Option func(*Executor)

// WithBinary overrides the program started as the child. By default the
// current executable is re-run.
func WithBinary(path string) Option {
	return func(e *Executor) {
		e.binary = path
	}
}

// WithLogLevel sets the default level of the child's logger.
func WithLogLevel(level string) Option {
	return func(e *Executor) {
		e.logLevel = level
	}
}

// New constructs an Executor reporting through logger.
func New(logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger:   logger,
		logLevel: "INFO",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes target in a child process and returns the harvested settings.
// It blocks until the child has delivered its result and has been reaped.
// There is no timeout: a hung source blocks the caller.
func (e *Executor) Run(target Target) (map[string]any, error) {
	binary := e.binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		binary = self
	}

	loadID := uuid.NewString()
	s := &session{
		state: StateIdle,
		logger: e.logger.With(
			zap.String("load_id", loadID),
			zap.String("kind", string(target.Kind)),
			zap.String("target", target.Name),
		),
	}

	encoded, err := yaml.Marshal(e.newJob(target, loadID))
	if err != nil {
		return nil, fmt.Errorf("encode config job: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create result pipe: %w", err)
	}

	cmd := exec.Command(binary)
	cmd.Env = append(environWithout(jobEnv), jobEnv+"="+string(encoded))
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{w}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start config reader: %w", err)
	}
	// Only the child may hold the write end, otherwise EOF never arrives.
	_ = w.Close()
	s.transition(StateSpawned, zap.Int("pid", cmd.Process.Pid))

	s.transition(StateAwaitingResult)
	payload, readErr := io.ReadAll(r)
	_ = r.Close()

	values, resultErr := decodeResult(payload, readErr)
	if resultErr != nil {
		s.transition(StateFailed, zap.Error(resultErr))
	} else {
		s.transition(StateSucceeded, zap.Int("values", len(values)))
	}

	waitErr := cmd.Wait()
	s.transition(StateJoined, zap.NamedError("exit", waitErr))

	if resultErr != nil {
		return nil, resultErr
	}
	return values, nil
}

func (e *Executor) newJob(target Target, loadID string) job {
	level := target.LogLevel
	if level == "" {
		level = e.logLevel
	}
	return job{
		Kind:       target.Kind,
		Name:       target.Name,
		SearchPath: target.SearchPath,
		LogLevel:   level,
		LoadID:     loadID,
	}
}

func decodeResult(payload []byte, readErr error) (map[string]any, error) {
	if readErr != nil {
		return nil, fmt.Errorf("%w: read result: %v", ErrNoResult, readErr)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrNoResult
	}

	var msg result
	if err := yaml.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode result: %v", ErrNoResult, err)
	}
	if !msg.OK {
		return nil, ErrSourceFailed
	}
	if msg.Values == nil {
		return map[string]any{}, nil
	}
	return msg.Values, nil
}

func environWithout(name string) []string {
	prefix := name + "="
	env := os.Environ()
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

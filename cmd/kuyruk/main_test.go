package main

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/kuyruk-go/kuyruk/internal/config"
	"github.com/kuyruk-go/kuyruk/internal/isolate"
)

// runMainEnv makes the test binary behave as the kuyruk command.
const runMainEnv = "RUN_KUYRUK_MAIN"

func TestMain(m *testing.M) {
	isolate.Init()
	if os.Getenv(runMainEnv) == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runCommand(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), runMainEnv+"=1")
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	default:
		t.Fatalf("run command: %v", err)
	}
	return out.String(), errOut.String(), code
}

func parseFlags(t *testing.T, args ...string) *cliFlags {
	t.Helper()
	app, flags := newApp()
	if _, err := app.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return flags
}

func TestArgsReportsOnlyUserSetOptions(t *testing.T) {
	flags := parseFlags(t, "--max-load", "0.9", "--rabbit-host", "")

	args := flags.args()
	if len(args) != len(config.Settings()) {
		t.Fatalf("expected one entry per setting, got %d", len(args))
	}
	if v := args["max-load"]; v == nil || *v != "0.9" {
		t.Fatalf("unexpected max-load %v", v)
	}
	if v := args["rabbit-host"]; v == nil || *v != "" {
		t.Fatalf("expected explicit empty rabbit-host, got %v", v)
	}
	if v := args["rabbit-port"]; v != nil {
		t.Fatalf("expected unset rabbit-port to be nil, got %q", *v)
	}
}

func TestLoadAppliesSourcesInOrder(t *testing.T) {
	dir := t.TempDir()
	module := filepath.Join(dir, "settings")
	if err := os.MkdirAll(module, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(module, "base.star"), "RABBIT_HOST = \"module\"\nRABBIT_USER = \"module\"\nEAGER = True\n")
	starFile := writeFile(t, filepath.Join(dir, "kuyruk.star"), "RABBIT_HOST = \"file\"\nRABBIT_PASSWORD = \"file\"\n")
	tomlFile := writeFile(t, filepath.Join(dir, "kuyruk.toml"), "RABBIT_PASSWORD = \"toml\"\nRABBIT_PORT = 1\n")

	// Modules resolve against the working directory until IMPORT_PATH is set.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("KUYRUK_RABBIT_PORT", "5673")

	flags := parseFlags(t,
		"--module", "settings.base",
		"--config", starFile,
		"--toml", tomlFile,
		"--max-load", "0.9",
	)

	cfg, err := load(flags, config.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}

	want := map[string]any{
		"RABBIT_HOST":     "file",
		"RABBIT_USER":     "module",
		"RABBIT_PASSWORD": "toml",
		"RABBIT_PORT":     5673,
		"EAGER":           true,
		"MAX_LOAD":        0.9,
	}
	got := make(map[string]any, len(want))
	for name := range want {
		got[name], _ = cfg.Get(name)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("configuration mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadExitsWhenConfigFileFails(t *testing.T) {
	var diagnostics bytes.Buffer
	var codes []int
	missing := filepath.Join(t.TempDir(), "missing.star")
	flags := parseFlags(t, "--config", missing)

	cfg, err := load(flags,
		config.WithLogger(zaptest.NewLogger(t)),
		config.WithDiagnostics(&diagnostics),
		config.WithExit(func(code int) { codes = append(codes, code) }),
	)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}

	if diff := cmp.Diff([]int{1}, codes); diff != "" {
		t.Fatalf("exit codes mismatch (-want +got):\n%s", diff)
	}
	if got := diagnostics.String(); got != "Cannot load config file: "+missing+"\n" {
		t.Fatalf("unexpected diagnostic %q", got)
	}
	if got := cfg.String("RABBIT_HOST"); got != "localhost" {
		t.Fatalf("snapshot changed: RABBIT_HOST=%q", got)
	}
}

func TestLoadRejectsBrokenTOML(t *testing.T) {
	tomlFile := writeFile(t, filepath.Join(t.TempDir(), "kuyruk.toml"), "RABBIT_PORT = \n")
	flags := parseFlags(t, "--toml", tomlFile)

	if _, err := load(flags); err == nil {
		t.Fatalf("expected error for malformed TOML")
	}
}

func TestDumpWritesYAML(t *testing.T) {
	cfg := config.New()
	cfg.Merge(config.SourceMapping, map[string]any{"IMPORTS": []any{"tasks"}})

	var out bytes.Buffer
	if err := dump(&out, cfg); err != nil {
		t.Fatalf("dump returned error: %v", err)
	}

	if !strings.Contains(out.String(), "RABBIT_PORT: 5672\n") {
		t.Fatalf("expected RABBIT_PORT in output:\n%s", out.String())
	}

	var decoded map[string]any
	if err := yaml.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if len(decoded) != len(config.Settings()) {
		t.Fatalf("expected %d settings, got %d", len(config.Settings()), len(decoded))
	}
	if diff := cmp.Diff([]any{"tasks"}, decoded["IMPORTS"]); diff != "" {
		t.Fatalf("IMPORTS mismatch (-want +got):\n%s", diff)
	}
	if decoded["MAX_LOAD"] != nil {
		t.Fatalf("expected null MAX_LOAD, got %v", decoded["MAX_LOAD"])
	}
}

func TestReconfigureLoggerKeepsCurrentOnError(t *testing.T) {
	cfg := config.New()
	cfg.Merge(config.SourceMapping, map[string]any{"LOGGING_LEVEL": "LOUD"})

	current := zaptest.NewLogger(t)
	if got := reconfigureLogger(cfg, current); got != current {
		t.Fatalf("expected current logger to be kept")
	}
}

func TestReconfigureLoggerAppliesLevel(t *testing.T) {
	cfg := config.New()
	cfg.Merge(config.SourceMapping, map[string]any{"LOGGING_LEVEL": "ERROR"})

	logger := reconfigureLogger(cfg, zaptest.NewLogger(t))
	if logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn to be disabled at ERROR level")
	}
}

func TestCommandPrintsConfiguration(t *testing.T) {
	starFile := writeFile(t, filepath.Join(t.TempDir(), "kuyruk.star"), "RABBIT_HOST = \"file\"\n")

	stdout, stderr, code := runCommand(t, "--config", starFile, "--rabbit-port", "5673")
	if code != 0 {
		t.Fatalf("unexpected exit code %d, stderr:\n%s", code, stderr)
	}

	var decoded map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("stdout is not YAML: %v\n%s", err, stdout)
	}
	if decoded["RABBIT_HOST"] != "file" || decoded["RABBIT_PORT"] != 5673 {
		t.Fatalf("unexpected configuration:\n%s", stdout)
	}
}

func TestCommandExitsOnBrokenConfigFile(t *testing.T) {
	starFile := writeFile(t, filepath.Join(t.TempDir(), "kuyruk.star"), "RABBIT_HOST = \"partial\"\nfail(\"boom\")\n")

	stdout, stderr, code := runCommand(t, "--config", starFile)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, "Cannot load config file: "+starFile) {
		t.Fatalf("expected diagnostic on stderr, got:\n%s", stderr)
	}
	if stdout != "" {
		t.Fatalf("expected no configuration output, got:\n%s", stdout)
	}
}

func writeFile(t *testing.T, path, data string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

package isolate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
	"go.uber.org/zap"
)

const (
	sourceExt   = ".star"
	packageFile = "__init__" + sourceExt
	dirLocal    = "kuyruk.dir"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// IsSettingName reports whether name follows the setting naming convention:
// at least one cased letter and no lower-case letters.
func IsSettingName(name string) bool {
	cased := false
	for _, r := range name {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}

// execute runs the target in the current process and harvests its settings.
// Only the child calls it.
func execute(target Target, logger *zap.Logger) (map[string]any, error) {
	path, err := resolve(target)
	if err != nil {
		return nil, err
	}

	ld := newLoader(searchPath(target))
	globals, err := ld.exec(path, logger)
	if err != nil {
		return nil, err
	}
	return harvest(globals, logger), nil
}

func searchPath(target Target) []string {
	if len(target.SearchPath) == 0 {
		return []string{"."}
	}
	return target.SearchPath
}

func resolve(target Target) (string, error) {
	switch target.Kind {
	case KindFile:
		if _, err := os.Stat(target.Name); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrNotFound, target.Name, err)
		}
		return target.Name, nil
	case KindModule:
		return resolveModule(target.Name, searchPath(target))
	default:
		return "", fmt.Errorf("unknown source kind %q", target.Kind)
	}
}

func resolveModule(name string, dirs []string) (string, error) {
	parts := strings.Split(name, ".")
	for _, part := range parts {
		if part == "" || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid module name %q", name)
		}
	}

	rel := filepath.Join(parts...)
	for _, dir := range dirs {
		for _, candidate := range []string{
			filepath.Join(dir, rel+sourceExt),
			filepath.Join(dir, rel, packageFile),
		} {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: module %s (searched %s)", ErrNotFound, name, strings.Join(dirs, string(os.PathListSeparator)))
}

// loader executes source files and serves their load() statements.
type loader struct {
	searchPath  []string
	predeclared starlark.StringDict
	// cache holds a nil entry while a file is executing, to detect cycles.
	cache map[string]*loadEntry
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

func newLoader(searchPath []string) *loader {
	return &loader{
		searchPath:  searchPath,
		predeclared: predeclared(),
		cache:       make(map[string]*loadEntry),
	}
}

func (l *loader) exec(path string, logger *zap.Logger) (starlark.StringDict, error) {
	globals, err := l.run(path, logger)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", path, err)
	}
	return globals, nil
}

// run executes one file and caches its globals, including the names it
// bound with load().
func (l *loader) run(path string, logger *zap.Logger) (starlark.StringDict, error) {
	l.cache[path] = nil
	globals, err := l.runFile(path, logger)
	l.cache[path] = &loadEntry{globals: globals, err: err}
	return globals, err
}

func (l *loader) runFile(path string, logger *zap.Logger) (starlark.StringDict, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]starlark.StringDict)
	globals, err := starlark.ExecFileOptions(fileOptions, l.thread(path, loaded, logger), path, src, l.predeclared)
	if err != nil {
		return nil, err
	}
	return withLoadBindings(path, src, globals, loaded)
}

func (l *loader) thread(path string, loaded map[string]starlark.StringDict, logger *zap.Logger) *starlark.Thread {
	thread := &starlark.Thread{
		Name: path,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info(msg, zap.String("source", path))
		},
		Load: func(parent *starlark.Thread, module string) (starlark.StringDict, error) {
			globals, err := l.load(parent, module, logger)
			if err == nil {
				loaded[module] = globals
			}
			return globals, err
		},
	}
	thread.SetLocal(dirLocal, filepath.Dir(path))
	return thread
}

func (l *loader) load(parent *starlark.Thread, module string, logger *zap.Logger) (starlark.StringDict, error) {
	dir, _ := parent.Local(dirLocal).(string)
	path, err := l.locate(dir, module)
	if err != nil {
		return nil, err
	}

	if entry, ok := l.cache[path]; ok {
		if entry == nil {
			return nil, fmt.Errorf("cycle in load graph at %s", module)
		}
		return entry.globals, entry.err
	}
	return l.run(path, logger)
}

// withLoadBindings adds the names a file bound with load() to its globals.
// Starlark keeps those bindings file-local; a config file that loads a
// setting from a shared file still defines it.
func withLoadBindings(path string, src []byte, globals starlark.StringDict, loaded map[string]starlark.StringDict) (starlark.StringDict, error) {
	f, err := fileOptions.Parse(path, src, 0)
	if err != nil {
		return nil, err
	}

	out := make(starlark.StringDict, len(globals))
	for name, value := range globals {
		out[name] = value
	}
	for _, stmt := range f.Stmts {
		load, ok := stmt.(*syntax.LoadStmt)
		if !ok {
			continue
		}
		module := loaded[load.ModuleName()]
		for i, to := range load.To {
			if _, defined := out[to.Name]; defined {
				continue
			}
			if value, ok := module[load.From[i].Name]; ok {
				out[to.Name] = value
			}
		}
	}
	return out, nil
}

func (l *loader) locate(dir, module string) (string, error) {
	if filepath.IsAbs(module) {
		return module, nil
	}

	dirs := make([]string, 0, len(l.searchPath)+1)
	if dir != "" {
		dirs = append(dirs, dir)
	}
	dirs = append(dirs, l.searchPath...)

	for _, d := range dirs {
		candidate := filepath.Join(d, module)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: load(%q)", ErrNotFound, module)
}

// predeclared is the entire namespace a source starts with.
func predeclared() starlark.StringDict {
	env := os.Environ()
	environ := starlark.NewDict(len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		_ = environ.SetKey(starlark.String(k), starlark.String(v))
	}
	environ.Freeze()

	return starlark.StringDict{
		"module": starlark.NewBuiltin("module", starlarkstruct.MakeModule),
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"os": &starlarkstruct.Module{
			Name: "os",
			Members: starlark.StringDict{
				"getenv":  starlark.NewBuiltin("getenv", getenv),
				"environ": environ,
			},
		},
	}
}

func getenv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var fallback starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &fallback); err != nil {
		return nil, err
	}
	if value, ok := os.LookupEnv(name); ok {
		return starlark.String(value), nil
	}
	return fallback, nil
}

// harvest keeps the upper-case, non-module, plain-data globals.
func harvest(globals starlark.StringDict, logger *zap.Logger) map[string]any {
	values := make(map[string]any)
	for _, name := range globals.Keys() {
		if !IsSettingName(name) {
			continue
		}
		value := globals[name]
		if _, ok := value.(*starlarkstruct.Module); ok {
			continue
		}
		converted, err := toGo(value)
		if err != nil {
			logger.Warn("skipping setting that is not plain data", zap.String("name", name), zap.Error(err))
			continue
		}
		values[name] = converted
	}
	return values
}

func toGo(value starlark.Value) (any, error) {
	switch v := value.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", v.String())
		}
		return i, nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.List:
		return sequenceToGo(v)
	case starlark.Tuple:
		return sequenceToGo(v)
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0].String())
			}
			converted, err := toGo(item[1])
			if err != nil {
				return nil, fmt.Errorf("dict value %q: %w", key, err)
			}
			out[key] = converted
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range v.AttrNames() {
			attr, err := v.Attr(name)
			if err != nil {
				return nil, err
			}
			converted, err := toGo(attr)
			if err != nil {
				return nil, fmt.Errorf("struct field %q: %w", name, err)
			}
			out[name] = converted
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", value.Type())
	}
}

func sequenceToGo(seq starlark.Indexable) ([]any, error) {
	out := make([]any, 0, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		converted, err := toGo(seq.Index(i))
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, converted)
	}
	return out, nil
}

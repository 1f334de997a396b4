// Package isolate runs a configuration source in a child process and hands
// the harvested settings back to the caller.
//
// A configuration source may load helper files and read the environment
// while it executes. None of that may happen inside the process that later
// forks workers, so the source is executed by re-running the current binary
// as a child. The child writes a single YAML message to an inherited pipe
// (fd 3) and exits; the parent blocks on that pipe, then reaps the child.
//
// # Usage
//
// Init must be the first statement of main, and of TestMain in any test
// package that spawns readers:
//
//	func main() {
//	    isolate.Init()
//	    ...
//	}
//
// The parent side:
//
//	exec := isolate.New(logger)
//	values, err := exec.Run(isolate.Target{Kind: isolate.KindFile, Name: "kuyruk.star"})
//
// # Sources
//
// Sources are Starlark files. Every top-level binding whose name is
// upper-case and whose value is plain data (None, bool, int, float, string,
// list, tuple, dict, struct) is a setting. Lower-case names, modules and
// functions are never harvested.
//
// A module target is a dotted name such as "myapp.settings", resolved to
// myapp/settings.star or myapp/settings/__init__.star along the search path.
package isolate

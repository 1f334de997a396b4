// Package config holds the Kuyruk configuration snapshot and the adapters
// that override it. Defaults come from a fixed registry of settings; later
// sources win over earlier ones. The precedence used by the CLI is:
// object < mapping < module < file < TOML < environment < command line.
//
// Keys are always canonical setting names (upper-case, underscore
// separated). Names outside the registry are ignored on every path.
// Configuration files are executed in a child process; see package isolate.
package config

// Package config holds the flat configuration record the core is driven
// from (spec.md §6) plus the optional project file and CLI flag wiring
// that produce it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ProjectFileName is the optional per-project config file, merged beneath
// whatever the user passed on the command line.
const ProjectFileName = ".ghciwatch.yaml"

// Config is the plain configuration record the core is driven from.
type Config struct {
	Command []string `yaml:"command,omitempty"`

	TestGhci string `yaml:"test_ghci,omitempty"`
	Errors   string `yaml:"errors,omitempty"`

	Watch           []string `yaml:"watch,omitempty"`
	WatchExtensions []string `yaml:"watch_extension,omitempty"`
	Debounce        time.Duration `yaml:"debounce,omitempty"`
	Poll            time.Duration `yaml:"poll,omitempty"`

	Clear bool `yaml:"clear,omitempty"`

	BeforeStartupGhci []string `yaml:"before_startup_ghci,omitempty"`
	AfterStartupGhci  []string `yaml:"after_startup_ghci,omitempty"`
	BeforeReloadGhci  []string `yaml:"before_reload_ghci,omitempty"`
	AfterReloadGhci   []string `yaml:"after_reload_ghci,omitempty"`

	// Prompt, Dir, HistoryDB, ControlSocket, and HashSuppression aren't in
	// spec.md's CLI table verbatim, but are the ambient/domain-stack
	// additions from SPEC_FULL.md §4.9/§6.
	Prompt           string `yaml:"prompt,omitempty"`
	Dir              string `yaml:"dir,omitempty"`
	HistoryDB        string `yaml:"history_db,omitempty"`
	ControlSocket    string `yaml:"control_socket,omitempty"`
	HashSuppression  bool   `yaml:"hash_suppression,omitempty"`
	LogFile          string `yaml:"log_file,omitempty"`
	LogLevel         string `yaml:"log_level,omitempty"`
}

// Default returns the configuration's zero-state defaults.
func Default() Config {
	return Config{
		Command:         []string{"cabal", "repl"},
		WatchExtensions: []string{".hs", ".lhs"},
		Debounce:        500 * time.Millisecond,
		HashSuppression: true,
		LogLevel:        "info",
	}
}

// RegisterFlags binds cfg's fields onto flags, seeded with cfg's current
// values. Call before the flags are parsed (cmd/ghciwatch registers them
// before root.Execute).
func RegisterFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringSliceVar(&cfg.Command, "command", cfg.Command, "command used to spawn the REPL, as comma-separated arguments (e.g. cabal,repl); the value is not split on spaces")
	flags.StringVar(&cfg.TestGhci, "test-ghci", cfg.TestGhci, "expression to run after each successful reload")
	flags.StringVar(&cfg.Errors, "errors", cfg.Errors, "error-log file path")
	flags.StringSliceVar(&cfg.Watch, "watch", cfg.Watch, "additional watch roots")
	flags.StringSliceVar(&cfg.WatchExtensions, "watch-extension", cfg.WatchExtensions, "additional file extensions to watch")
	flags.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "debounce window")
	flags.DurationVar(&cfg.Poll, "poll", cfg.Poll, "force polling at the given interval instead of native events")
	flags.BoolVar(&cfg.Clear, "clear", cfg.Clear, "clear the output sink on each reload/restart")
	flags.StringArrayVar(&cfg.BeforeStartupGhci, "before-startup-ghci", cfg.BeforeStartupGhci, "command run when a restarted REPL starts, before its modules are re-added (not run for the first REPL)")
	flags.StringArrayVar(&cfg.AfterStartupGhci, "after-startup-ghci", cfg.AfterStartupGhci, "command run after a restarted REPL has re-added its modules (not run for the first REPL)")
	flags.StringArrayVar(&cfg.BeforeReloadGhci, "before-reload-ghci", cfg.BeforeReloadGhci, "command run before each reload")
	flags.StringArrayVar(&cfg.AfterReloadGhci, "after-reload-ghci", cfg.AfterReloadGhci, "command run after each reload")
	flags.StringVar(&cfg.Prompt, "prompt", cfg.Prompt, "prompt sentinel injected via :set prompt")
	flags.StringVar(&cfg.Dir, "project-directory", cfg.Dir, "project root (defaults to the working directory)")
	flags.StringVar(&cfg.HistoryDB, "history-db", cfg.HistoryDB, "optional sqlite database recording compilation history")
	flags.StringVar(&cfg.ControlSocket, "control-socket", cfg.ControlSocket, "optional unix control socket path")
	flags.BoolVar(&cfg.HashSuppression, "hash-suppression", cfg.HashSuppression, "suppress reloads for saves that don't change file content")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "additionally log to this file")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
}

// LoadProjectFile reads dir/.ghciwatch.yaml, if present, returning nil, nil
// if it doesn't exist.
func LoadProjectFile(dir string) (*Config, error) {
	path := filepath.Join(dir, ProjectFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var fc Config
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

// MergeProjectFile fills the fields in cfg that the user did not pass
// explicitly on the command line (per flags.Changed) from file, so the
// project file acts as a set of defaults beneath explicit flags. Only
// non-empty file values are used, and the file's dir and hash_suppression
// are not read.
func MergeProjectFile(cfg *Config, flags *pflag.FlagSet, file *Config) {
	if file == nil {
		return
	}
	setIfUnchanged := func(name string, assign func()) {
		if !flags.Changed(name) {
			assign()
		}
	}
	if len(file.Command) > 0 {
		setIfUnchanged("command", func() { cfg.Command = file.Command })
	}
	if file.TestGhci != "" {
		setIfUnchanged("test-ghci", func() { cfg.TestGhci = file.TestGhci })
	}
	if file.Errors != "" {
		setIfUnchanged("errors", func() { cfg.Errors = file.Errors })
	}
	if len(file.Watch) > 0 {
		setIfUnchanged("watch", func() { cfg.Watch = file.Watch })
	}
	if len(file.WatchExtensions) > 0 {
		setIfUnchanged("watch-extension", func() { cfg.WatchExtensions = file.WatchExtensions })
	}
	if file.Debounce > 0 {
		setIfUnchanged("debounce", func() { cfg.Debounce = file.Debounce })
	}
	if file.Poll > 0 {
		setIfUnchanged("poll", func() { cfg.Poll = file.Poll })
	}
	if file.Clear {
		setIfUnchanged("clear", func() { cfg.Clear = file.Clear })
	}
	if len(file.BeforeStartupGhci) > 0 {
		setIfUnchanged("before-startup-ghci", func() { cfg.BeforeStartupGhci = file.BeforeStartupGhci })
	}
	if len(file.AfterStartupGhci) > 0 {
		setIfUnchanged("after-startup-ghci", func() { cfg.AfterStartupGhci = file.AfterStartupGhci })
	}
	if len(file.BeforeReloadGhci) > 0 {
		setIfUnchanged("before-reload-ghci", func() { cfg.BeforeReloadGhci = file.BeforeReloadGhci })
	}
	if len(file.AfterReloadGhci) > 0 {
		setIfUnchanged("after-reload-ghci", func() { cfg.AfterReloadGhci = file.AfterReloadGhci })
	}
	if file.Prompt != "" {
		setIfUnchanged("prompt", func() { cfg.Prompt = file.Prompt })
	}
	if file.HistoryDB != "" {
		setIfUnchanged("history-db", func() { cfg.HistoryDB = file.HistoryDB })
	}
	if file.ControlSocket != "" {
		setIfUnchanged("control-socket", func() { cfg.ControlSocket = file.ControlSocket })
	}
	if file.LogFile != "" {
		setIfUnchanged("log-file", func() { cfg.LogFile = file.LogFile })
	}
	if file.LogLevel != "" {
		setIfUnchanged("log-level", func() { cfg.LogLevel = file.LogLevel })
	}
}

// Validate checks the startup-error conditions from spec.md §7 category 1
// that can be caught before spawning the child.
func (c *Config) Validate() error {
	if len(c.Command) == 0 {
		return fmt.Errorf("command must not be empty")
	}
	if c.Dir != "" {
		if info, err := os.Stat(c.Dir); err != nil || !info.IsDir() {
			return fmt.Errorf("project directory %q does not exist", c.Dir)
		}
	}
	for _, w := range c.Watch {
		// A watch root may be a plain file (e.g. package.yaml): supervisor's
		// splitRootsAndFiles turns those into force-reload paths rather than
		// fsnotify roots, so only existence is required here, not IsDir.
		if _, err := os.Stat(w); err != nil {
			return fmt.Errorf("watch root %q does not exist", w)
		}
	}
	if c.Errors != "" {
		dir := filepath.Dir(c.Errors)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("error log directory %q does not exist", dir)
		}
	}
	return nil
}

// WatchRoots returns the project directory plus any additional --watch
// entries. A --watch entry may be a plain file rather than a directory.
func (c *Config) WatchRoots() []string {
	root := c.Dir
	if root == "" {
		root = "."
	}
	roots := []string{root}
	roots = append(roots, c.Watch...)
	return roots
}

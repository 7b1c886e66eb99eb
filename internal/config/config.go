// Package config loads pklctl settings from a TOML or YAML file and turns
// them into manager configuration and evaluator options. It is the only
// package that looks at the host environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pklctl/internal/evaluator"
	"gopkg.in/yaml.v3"
)

var outputFormats = map[string]bool{
	"json": true, "jsonnet": true, "pcf": true, "properties": true,
	"plist": true, "textproto": true, "xml": true, "yaml": true,
}

type fileConfig struct {
	Engine    engineSection    `toml:"engine" yaml:"engine"`
	Evaluator evaluatorSection `toml:"evaluator" yaml:"evaluator"`
}

type engineSection struct {
	Executable             string   `toml:"executable" yaml:"executable"`
	Args                   []string `toml:"args" yaml:"args"`
	RequestTimeout         string   `toml:"request_timeout" yaml:"request_timeout"`
	VersionTimeout         string   `toml:"version_timeout" yaml:"version_timeout"`
	StopTimeout            string   `toml:"stop_timeout" yaml:"stop_timeout"`
	MaxConsecutiveTimeouts int      `toml:"max_consecutive_timeouts" yaml:"max_consecutive_timeouts"`
}

type evaluatorSection struct {
	AllowedModules   []string          `toml:"allowed_modules" yaml:"allowed_modules"`
	AllowedResources []string          `toml:"allowed_resources" yaml:"allowed_resources"`
	ModulePaths      []string          `toml:"module_paths" yaml:"module_paths"`
	InheritEnv       bool              `toml:"inherit_env" yaml:"inherit_env"`
	Env              map[string]string `toml:"env" yaml:"env"`
	Properties       map[string]string `toml:"properties" yaml:"properties"`
	OutputFormat     string            `toml:"output_format" yaml:"output_format"`
	RootDir          string            `toml:"root_dir" yaml:"root_dir"`
	CacheDir         string            `toml:"cache_dir" yaml:"cache_dir"`
	Timeout          string            `toml:"timeout" yaml:"timeout"`
}

// Config is everything needed to start a session and create evaluators.
type Config struct {
	Manager evaluator.Config
	Options evaluator.Options
}

// Default builds the configuration used when no file is given.
func Default(host evaluator.Host) Config {
	return Config{
		Manager: evaluator.DefaultConfig(),
		Options: evaluator.DefaultOptions(host),
	}
}

// HostFromOS captures the home directory and environment of this process.
func HostFromOS() evaluator.Host {
	home, _ := os.UserHomeDir()
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			env[k] = v
		}
	}
	return evaluator.Host{HomeDir: home, Env: env}
}

// Load reads path and applies the keys it defines on top of Default(host).
// Files ending in .yaml or .yml are YAML; anything else is TOML.
func Load(path string, host evaluator.Host) (Config, error) {
	var raw fileConfig
	var defined func(keys ...string) bool

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		defined = func(keys ...string) bool { return yamlDefined(tree, keys...) }
	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		defined = meta.IsDefined
	}

	cfg, err := apply(Default(host), raw, defined)
	if err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func yamlDefined(tree map[string]any, keys ...string) bool {
	var cur any = tree
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		if cur, ok = m[k]; !ok {
			return false
		}
	}
	return true
}

func apply(cfg Config, raw fileConfig, defined func(keys ...string) bool) (Config, error) {
	eng := raw.Engine
	if defined("engine", "executable") {
		cfg.Manager.Process.Executable = strings.TrimSpace(eng.Executable)
	}
	if defined("engine", "args") {
		cfg.Manager.Process.Args = append([]string(nil), eng.Args...)
	}
	if defined("engine", "request_timeout") {
		d, err := parseDuration("engine.request_timeout", eng.RequestTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Manager.RequestTimeout = d
	}
	if defined("engine", "version_timeout") {
		d, err := parseDuration("engine.version_timeout", eng.VersionTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Manager.Process.VersionTimeout = d
	}
	if defined("engine", "stop_timeout") {
		d, err := parseDuration("engine.stop_timeout", eng.StopTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Manager.Process.StopTimeout = d
	}
	if defined("engine", "max_consecutive_timeouts") {
		cfg.Manager.MaxConsecutiveTimeouts = eng.MaxConsecutiveTimeouts
	}

	ev := raw.Evaluator
	if defined("evaluator", "allowed_modules") {
		cfg.Options.AllowedModules = append([]string(nil), ev.AllowedModules...)
	}
	if defined("evaluator", "allowed_resources") {
		cfg.Options.AllowedResources = append([]string(nil), ev.AllowedResources...)
	}
	if defined("evaluator", "module_paths") {
		cfg.Options.ModulePaths = append([]string(nil), ev.ModulePaths...)
	}
	if defined("evaluator", "inherit_env") && !ev.InheritEnv {
		cfg.Options.Env = nil
	}
	if defined("evaluator", "env") {
		if cfg.Options.Env == nil {
			cfg.Options.Env = make(map[string]string, len(ev.Env))
		}
		for k, v := range ev.Env {
			cfg.Options.Env[k] = v
		}
	}
	if defined("evaluator", "properties") {
		cfg.Options.Properties = make(map[string]string, len(ev.Properties))
		for k, v := range ev.Properties {
			cfg.Options.Properties[k] = v
		}
	}
	if defined("evaluator", "output_format") {
		cfg.Options.OutputFormat = strings.ToLower(strings.TrimSpace(ev.OutputFormat))
	}
	if defined("evaluator", "root_dir") {
		cfg.Options.RootDir = strings.TrimSpace(ev.RootDir)
	}
	if defined("evaluator", "cache_dir") {
		cfg.Options.CacheDir = strings.TrimSpace(ev.CacheDir)
	}
	if defined("evaluator", "timeout") {
		d, err := parseDuration("evaluator.timeout", ev.Timeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Options.Timeout = d
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Manager.Process.Executable) == "" {
		return fmt.Errorf("engine executable is required")
	}
	if cfg.Manager.MaxConsecutiveTimeouts < 0 {
		return fmt.Errorf("max_consecutive_timeouts must not be negative")
	}
	if f := cfg.Options.OutputFormat; f != "" && !outputFormats[f] {
		return fmt.Errorf("unknown output format: %s", f)
	}
	for i, prefix := range cfg.Options.AllowedModules {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("allowed_modules[%d] is empty", i)
		}
	}
	for i, prefix := range cfg.Options.AllowedResources {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("allowed_resources[%d] is empty", i)
		}
	}
	return nil
}

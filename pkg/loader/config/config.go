// Package config loads loader settings from configuration files and the
// environment: default module type, per-stage ignore rules, and declarative
// plugin registrations whose handlers are resolved by name against the
// registry's named-handler table.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/nucliweb/bit-loader/pkg/loader"
	"github.com/nucliweb/bit-loader/pkg/loader/plugin"
)

// DefaultEnvPrefix namespaces environment overrides, e.g.
// BITLOADER_DEFAULTTYPE=cjs.
const DefaultEnvPrefix = "BITLOADER"

// ErrConfigLoad wraps failures reading or decoding a configuration file.
var ErrConfigLoad = errors.New("loading loader configuration")

// IgnoreRule silences pipeline stages for modules matching a glob pattern.
// An empty stage list silences every stage.
type IgnoreRule struct {
	Pattern string   `mapstructure:"pattern"`
	Stages  []string `mapstructure:"stages"`
}

// HandlerConfig names a registry-registered handler and its invocation
// options.
type HandlerConfig struct {
	Name    string         `mapstructure:"name"`
	Options map[string]any `mapstructure:"options"`
}

// PluginConfig declares one plugin: its matching rules per dimension and its
// named handlers per hook.
type PluginConfig struct {
	Name  string                     `mapstructure:"name"`
	Match map[string][]string        `mapstructure:"match"`
	Hooks map[string][]HandlerConfig `mapstructure:"hooks"`
}

// Config is the file/environment-sourced portion of loader settings.
// Collaborators (compiler, linker, fetcher) are code-only and injected by
// the host.
type Config struct {
	DefaultType string         `mapstructure:"defaultType"`
	Ignore      []IgnoreRule   `mapstructure:"ignore"`
	Plugins     []PluginConfig `mapstructure:"plugins"`
}

// Load reads configuration from the given file (YAML, TOML, or JSON, decided
// by extension) plus environment variables under envPrefix. An empty path
// skips file loading and returns defaults merged with the environment; a
// named file that does not exist is an error.
func Load(path, envPrefix string) (*Config, error) {
	v := viper.New()
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("defaultType", "unknown")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigLoad, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigLoad, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for _, p := range c.Plugins {
		for hook := range p.Hooks {
			if !plugin.ValidHook(plugin.Hook(hook)) {
				return fmt.Errorf("%w: plugin %q declares unknown hook %q", ErrConfigLoad, p.Name, hook)
			}
		}
	}
	for _, rule := range c.Ignore {
		if rule.Pattern == "" {
			return fmt.Errorf("%w: ignore rule with empty pattern", ErrConfigLoad)
		}
		for _, stage := range rule.Stages {
			if !plugin.ValidHook(plugin.Hook(stage)) {
				return fmt.Errorf("%w: ignore rule %q names unknown stage %q", ErrConfigLoad, rule.Pattern, stage)
			}
		}
	}
	return nil
}

// IgnoreMatcher builds the loader's ignore matcher from the ignore rules.
func (c *Config) IgnoreMatcher() (loader.IgnoreMatcher, error) {
	if len(c.Ignore) == 0 {
		return &loader.NoOpIgnoreMatcher{}, nil
	}
	rules := make(map[string][]plugin.Hook, len(c.Ignore))
	for _, rule := range c.Ignore {
		stages := make([]plugin.Hook, 0, len(rule.Stages))
		for _, stage := range rule.Stages {
			stages = append(stages, plugin.Hook(stage))
		}
		rules[rule.Pattern] = stages
	}
	return loader.NewRuleIgnoreMatcher(rules)
}

// Apply registers every declared plugin on the registry. Handler names must
// already be registered on the registry's named-handler table; an
// unresolvable name fails the whole plugin's batch and is reported here.
func (c *Config) Apply(registry *plugin.Registry) error {
	for _, p := range c.Plugins {
		spec := plugin.Spec{
			Name:  p.Name,
			Match: p.Match,
			Hooks: make(map[plugin.Hook][]plugin.HandlerEntry, len(p.Hooks)),
		}
		for hook, handlers := range p.Hooks {
			entries := make([]plugin.HandlerEntry, 0, len(handlers))
			for _, h := range handlers {
				entries = append(entries, plugin.Named(h.Name, h.Options))
			}
			spec.Hooks[plugin.Hook(hook)] = entries
		}
		if _, err := registry.Register(spec); err != nil {
			return fmt.Errorf("%w: plugin %q: %w", ErrConfigLoad, p.Name, err)
		}
	}
	return nil
}

// Package config loads and validates the daemon configuration. Config
// errors are fatal: the daemon refuses to start rather than run with
// guessed settings.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the YAML config at path. A file may carry an `include`
// list; included files merge first, in order, so later files and the
// including file itself win on conflicting keys.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	files, err := expandIncludes(abs, map[string]bool{}, map[string]bool{})
	if err != nil {
		return nil, err
	}

	merged := viper.New()
	merged.SetConfigType("yaml")
	for _, f := range files {
		one := viper.New()
		one.SetConfigFile(f)
		if err := one.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", f, err)
		}
		if err := merged.MergeConfigMap(one.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", f, err)
		}
	}

	var cfg Config
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}
	if err := merged.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandIncludes returns the files to merge, depth first with the
// including file last. stack catches include cycles; seen deduplicates
// a file included twice along different paths.
func expandIncludes(path string, seen, stack map[string]bool) ([]string, error) {
	path = filepath.Clean(path)
	if stack[path] {
		return nil, fmt.Errorf("include cycle detected: %s", path)
	}
	if seen[path] {
		return nil, nil
	}
	stack[path] = true
	defer delete(stack, path)

	includes, err := includeList(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	var out []string
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		nested, err := expandIncludes(inc, seen, stack)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	seen[path] = true
	return append(out, path), nil
}

func includeList(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	if v.Get("include") == nil {
		return nil, nil
	}
	var out []string
	for _, inc := range v.GetStringSlice("include") {
		if inc = strings.TrimSpace(inc); inc != "" {
			out = append(out, inc)
		}
	}
	return out, nil
}

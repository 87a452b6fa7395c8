package config

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	r := cfg.Runner
	if r.WorkerLimit < 1 {
		return fmt.Errorf("runner.worker_limit must be at least 1 (got %d)", r.WorkerLimit)
	}
	if r.RetryCount < 0 {
		return fmt.Errorf("runner.retry_count must not be negative (got %d)", r.RetryCount)
	}
	if r.RetryDelay < 0 {
		return fmt.Errorf("runner.retry_delay must not be negative")
	}
	if r.TestTimeout <= 0 {
		return fmt.Errorf("runner.test_timeout must be positive")
	}
	if r.SpawnTimeout <= 0 {
		return fmt.Errorf("runner.spawn_timeout must be positive")
	}
	if r.KillGrace <= 0 {
		return fmt.Errorf("runner.kill_grace must be positive")
	}
	if r.DebugPortBase < 0 || r.DebugPortBase+r.WorkerLimit > 65535 {
		return fmt.Errorf("runner.debug_port_base out of range (got %d)", r.DebugPortBase)
	}

	for i, pattern := range append(append([]string{}, cfg.Tests.Include...), cfg.Tests.Exclude...) {
		if _, err := path.Match(strings.ReplaceAll(pattern, "**/", ""), ""); err != nil {
			return fmt.Errorf("tests pattern %d %q: %w", i, pattern, err)
		}
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	if cfg.Artifacts.Retention < 0 {
		return fmt.Errorf("artifacts.retention must not be negative")
	}

	if keys := unresolvedKeys("parameters", cfg.Parameters); len(keys) > 0 {
		return fmt.Errorf("environment variable not set for %s", strings.Join(keys, ", "))
	}
	if keys := unresolvedKeys("env_parameters", cfg.EnvParameters); len(keys) > 0 {
		return fmt.Errorf("environment variable not set for %s", strings.Join(keys, ", "))
	}
	return nil
}

// unresolvedKeys lists the dotted keys whose string values still contain a
// ${VAR} placeholder.
func unresolvedKeys(prefix string, m map[string]any) []string {
	var out []string
	for k, v := range m {
		key := prefix + "." + k
		switch tv := v.(type) {
		case string:
			if match := envVarPattern.FindStringSubmatch(tv); match != nil {
				out = append(out, fmt.Sprintf("%s (${%s})", key, match[1]))
			}
		case map[string]any:
			out = append(out, unresolvedKeys(key, tv)...)
		}
	}
	sort.Strings(out)
	return out
}

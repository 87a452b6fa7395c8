package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged in order, later files
// taking precedence. Relative paths resolve against the root file's
// directory.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	hash, err := HashFiles(cfg.SourceFiles)
	if err != nil {
		return nil, err
	}
	cfg.Hash = hash
	return cfg, nil
}

// loadIncludes merges each include into cfg, depth first.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for _, include := range includes {
		includePath := interpolateEnv(include)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}
		includePath = filepath.Clean(includePath)
		if visited[includePath] {
			return fmt.Errorf("include cycle detected at %s", includePath)
		}
		visited[includePath] = true

		partial, err := loadConfigFile(includePath)
		if err != nil {
			return fmt.Errorf("include %s: %w", includePath, err)
		}
		mergeConfig(cfg, partial)
		cfg.SourceFiles = append(cfg.SourceFiles, includePath)

		if len(partial.Include) > 0 {
			if err := loadIncludes(cfg, partial.Include, filepath.Dir(includePath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst, with src taking precedence for non-zero values.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}

	if src.Runner.WorkerLimit != 0 {
		dst.Runner.WorkerLimit = src.Runner.WorkerLimit
	}
	if src.Runner.RetryCount != 0 {
		dst.Runner.RetryCount = src.Runner.RetryCount
	}
	if src.Runner.RetryDelay != 0 {
		dst.Runner.RetryDelay = src.Runner.RetryDelay
	}
	if src.Runner.TestTimeout != 0 {
		dst.Runner.TestTimeout = src.Runner.TestTimeout
	}
	if src.Runner.SpawnTimeout != 0 {
		dst.Runner.SpawnTimeout = src.Runner.SpawnTimeout
	}
	if src.Runner.KillGrace != 0 {
		dst.Runner.KillGrace = src.Runner.KillGrace
	}
	if src.Runner.LocalWorker {
		dst.Runner.LocalWorker = true
	}
	if src.Runner.DebugPortBase != 0 {
		dst.Runner.DebugPortBase = src.Runner.DebugPortBase
	}
	if src.Runner.WaitForRelease {
		dst.Runner.WaitForRelease = true
	}

	if src.Tests.Root != "" {
		dst.Tests.Root = src.Tests.Root
	}
	if len(src.Tests.Include) > 0 {
		dst.Tests.Include = src.Tests.Include
	}
	if len(src.Tests.Exclude) > 0 {
		dst.Tests.Exclude = src.Tests.Exclude
	}

	dst.Parameters = mergeMaps(dst.Parameters, src.Parameters)
	dst.EnvParameters = mergeMaps(dst.EnvParameters, src.EnvParameters)

	if src.Artifacts.Dir != "" {
		dst.Artifacts.Dir = src.Artifacts.Dir
	}
	if src.Artifacts.Retention != 0 {
		dst.Artifacts.Retention = src.Artifacts.Retention
	}
	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.API.Enabled || src.API.Listen != "" || src.API.Token != "" {
		dst.API = src.API
	}
}

// mergeMaps overlays src on dst recursively; nested maps merge, other
// values replace.
func mergeMaps(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		sv, sok := v.(map[string]any)
		dv, dok := dst[k].(map[string]any)
		if sok && dok {
			dst[k] = mergeMaps(dv, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Runner.WorkerLimit == 0 {
		cfg.Runner.WorkerLimit = defaults.Runner.WorkerLimit
	}
	if cfg.Runner.RetryDelay == 0 {
		cfg.Runner.RetryDelay = defaults.Runner.RetryDelay
	}
	if cfg.Runner.TestTimeout == 0 {
		cfg.Runner.TestTimeout = defaults.Runner.TestTimeout
	}
	if cfg.Runner.SpawnTimeout == 0 {
		cfg.Runner.SpawnTimeout = defaults.Runner.SpawnTimeout
	}
	if cfg.Runner.KillGrace == 0 {
		cfg.Runner.KillGrace = defaults.Runner.KillGrace
	}

	if cfg.Tests.Root == "" {
		cfg.Tests.Root = defaults.Tests.Root
	}
	if len(cfg.Tests.Include) == 0 {
		cfg.Tests.Include = defaults.Tests.Include
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = defaults.Artifacts.Dir
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	return cfg
}

func resolvePaths(cfg *Config, baseDir string) {
	for _, p := range []*string{&cfg.Tests.Root, &cfg.Artifacts.Dir, &cfg.State.Path} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

// interpolateEnv replaces ${VAR} with its value. Unset variables are left
// in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

package config

import (
	"runtime"
	"time"
)

// Config represents the complete testhive configuration.
type Config struct {
	Include       []string        `yaml:"include,omitempty"`
	Service       ServiceConfig   `yaml:"service"`
	Runner        RunnerConfig    `yaml:"runner"`
	Tests         TestsConfig     `yaml:"tests"`
	Parameters    map[string]any  `yaml:"parameters,omitempty"`
	EnvParameters map[string]any  `yaml:"env_parameters,omitempty"`
	Artifacts     ArtifactsConfig `yaml:"artifacts"`
	State         StateConfig     `yaml:"state"`
	API           APIConfig       `yaml:"api,omitempty"`

	// SourceFiles lists every file that contributed, root first.
	SourceFiles []string `yaml:"-"`
	// Hash is the BLAKE3 digest over SourceFiles, recorded on each run.
	Hash string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RunnerConfig bounds the worker pool.
type RunnerConfig struct {
	WorkerLimit  int           `yaml:"worker_limit"`
	RetryCount   int           `yaml:"retry_count"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	TestTimeout  time.Duration `yaml:"test_timeout"`
	SpawnTimeout time.Duration `yaml:"spawn_timeout"`
	KillGrace    time.Duration `yaml:"kill_grace"`
	// LocalWorker runs tests in-process, without isolation.
	LocalWorker    bool `yaml:"local_worker"`
	DebugPortBase  int  `yaml:"debug_port_base,omitempty"`
	WaitForRelease bool `yaml:"wait_for_release,omitempty"`
}

// TestsConfig selects test files.
type TestsConfig struct {
	Root    string   `yaml:"root"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// ArtifactsConfig defines where arbiter-issued files live.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
	// Retention removes run directories older than this at startup; 0 keeps all.
	Retention time.Duration `yaml:"retention"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the control API server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token, when set, is required as a bearer token on every route but
	// /healthz.
	Token string `yaml:"token,omitempty"`
}

// Defaults returns a config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "testhive",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Runner: RunnerConfig{
			WorkerLimit:  runtime.NumCPU(),
			RetryCount:   0,
			RetryDelay:   time.Second,
			TestTimeout:  5 * time.Minute,
			SpawnTimeout: 10 * time.Second,
			KillGrace:    5 * time.Second,
		},
		Tests: TestsConfig{
			Root:    ".",
			Include: []string{"**/*.test.js"},
		},
		Artifacts: ArtifactsConfig{
			Dir: "./artifacts",
		},
		State: StateConfig{
			Path: "./data/testhive.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

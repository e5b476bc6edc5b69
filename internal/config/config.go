// Package config loads the kernel's configuration.
//
// Loading strategy, carried over from the teacher's config package:
//  1. Load .env (or .env.{APP_ENV}) for secrets and APP_ENV itself.
//  2. Load configs/default.yaml, then configs/{APP_ENV}.yaml on top of it,
//     for everything else.
//  3. Environment variables supply the handful of keys that carry
//     credentials, and LOG_LEVEL overrides the YAML log level.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment selects which YAML file and .env variant to load.
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// AgentConfig is the per-agent section of the YAML schema (spec.md §6).
type AgentConfig struct {
	ContainerMemory     string `yaml:"container_memory"`
	ContainerCPU        string `yaml:"container_cpu"`
	HealthCheckInterval int    `yaml:"health_check_interval"`
}

// CommunicationConfig is the Channel/Protocol section.
type CommunicationConfig struct {
	SocketPath     string `yaml:"socket_path"`
	MessageTimeout float64 `yaml:"message_timeout"`
	RetryCount     int    `yaml:"retry_count"`
	AuthSecret     string `yaml:"-"` // only from COMM_AUTH_SECRET, §6 handshake
}

// TaskQueueConfig bounds the in-memory priority queue.
type TaskQueueConfig struct {
	MaxSize        int `yaml:"max_size"`
	PriorityLevels int `yaml:"priority_levels"`
}

// SnapshotArchiveConfig is the optional MinIO-backed snapshot archival tier
// (SPEC_FULL.md §4.3a).
type SnapshotArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // SNAPSHOT_ARCHIVE_ACCESS_KEY
	SecretKey string `yaml:"-"` // SNAPSHOT_ARCHIVE_SECRET_KEY
	UseSSL    bool   `yaml:"use_ssl"`
}

// IsolatedWorkspaceConfig controls the Workspace Controller.
type IsolatedWorkspaceConfig struct {
	Enabled         bool                  `yaml:"enabled"`
	Mode            string                `yaml:"mode"` // sandbox, shared, hybrid
	BaseImage       string                `yaml:"base_image"`
	PackageList     []string              `yaml:"package_list"`
	WorkspaceRoot   string                `yaml:"workspace_root"`
	SnapshotArchive SnapshotArchiveConfig `yaml:"snapshot_archive"`
}

// TaskExecutionConfig controls retry/snapshot/isolation behavior around a
// task dispatch.
type TaskExecutionConfig struct {
	MaxRetries           int     `yaml:"max_retries"`
	RetryDelay           float64 `yaml:"retry_delay"`
	ParallelExecution    bool    `yaml:"parallel_execution"`
	CleanupOnFailure     bool    `yaml:"cleanup_on_failure"`
	SnapshotBeforeTask   bool    `yaml:"snapshot_before_task"`
	RestoreOnError       bool    `yaml:"restore_on_error"`
	CoordinationStrategy string  `yaml:"coordination_strategy"`
}

// ResultStoreConfig selects the result-store persistence driver
// (SPEC_FULL.md §4.6a). Driver "memory" (the default) never touches DSN or
// CacheRedisAddr.
type ResultStoreConfig struct {
	Driver         string        `yaml:"driver"` // memory, sqlite, postgres, mongo
	DSN            string        `yaml:"dsn"`
	CacheRedisAddr string        `yaml:"cache_redis_addr"`
	Retention      time.Duration `yaml:"retention"`
}

// YAMLConfig is the full on-disk schema.
type YAMLConfig struct {
	NumAgents        int                     `yaml:"num_agents"`
	MaxWorkers       int                     `yaml:"max_workers"`
	TaskTimeout      float64                 `yaml:"task_timeout"`
	LogLevel         string                  `yaml:"log_level"`
	LogFormat        string                  `yaml:"log_format"`
	Agent            AgentConfig             `yaml:"agent"`
	Communication    CommunicationConfig     `yaml:"communication"`
	TaskQueue        TaskQueueConfig         `yaml:"task_queue"`
	IsolatedWorkspace IsolatedWorkspaceConfig `yaml:"isolated_workspace"`
	TaskExecution    TaskExecutionConfig     `yaml:"task_execution"`
	ResultStore      ResultStoreConfig       `yaml:"result_store"`
	MetricsAddr      string                  `yaml:"metrics_addr"`
}

// Config is the fully resolved configuration the kernel runs with: YAML
// defaults overlaid with environment-variable overrides for credentials.
type Config struct {
	Env Environment
	YAMLConfig

	ConfigFilePath string
}

var configDir string

// SetConfigDir overrides the search path used by Load, for the --config
// command-line flag.
func SetConfigDir(dir string) { configDir = dir }

var defaultConfigPaths = []string{"configs", "../configs", "../../configs"}

var envSearchDirs = []string{".", ".."}

// Load resolves the kernel configuration following the strategy documented
// on the package. It never fails on a missing file: an absent YAML file
// simply leaves the documented defaults in place, since spec.md treats
// every configuration key as optional with a stated default.
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg := defaultYAMLConfig()
	path, err := loadYAMLInto(&yamlCfg, env)
	if err != nil {
		return nil, fmt.Errorf("configuration_error: %w", err)
	}

	cfg := &Config{Env: env, YAMLConfig: yamlCfg, ConfigFilePath: path}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration_error: %w", err)
	}
	return cfg, nil
}

func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		NumAgents:   3,
		MaxWorkers:  10,
		TaskTimeout: 300,
		LogLevel:    "INFO",
		LogFormat:   "text",
		Agent: AgentConfig{
			ContainerMemory:     "2g",
			ContainerCPU:        "1.0",
			HealthCheckInterval: 30,
		},
		Communication: CommunicationConfig{
			SocketPath:     "/tmp/claude_orchestrator.sock",
			MessageTimeout: 30,
			RetryCount:     3,
		},
		TaskQueue: TaskQueueConfig{
			MaxSize:        1000,
			PriorityLevels: 10,
		},
		IsolatedWorkspace: IsolatedWorkspaceConfig{
			Enabled:       false,
			Mode:          "sandbox",
			BaseImage:     "claude-agent-base:latest",
			WorkspaceRoot: "/var/lib/orchestrator/workspaces",
		},
		TaskExecution: TaskExecutionConfig{
			MaxRetries:            2,
			RetryDelay:            2,
			ParallelExecution:     true,
			CleanupOnFailure:      true,
			CoordinationStrategy:  "fanout",
		},
		ResultStore: ResultStoreConfig{
			Driver:    "memory",
			Retention: time.Hour,
		},
	}
}

// loadYAMLInto reads configs/default.yaml over cfg and then
// configs/{env}.yaml over that, so env-specific values override the
// defaults; either file may be absent. Returns the path of the
// env-specific file, or "" if there is none (even when default.yaml was
// read).
func loadYAMLInto(cfg *YAMLConfig, env Environment) (string, error) {
	for _, name := range []string{"default.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range searchPaths() {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return path, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	return findConfigFile(env), nil
}

func findConfigFile(env Environment) string {
	for _, base := range searchPaths() {
		path := filepath.Join(base, fmt.Sprintf("%s.yaml", env))
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func searchPaths() []string {
	if configDir != "" {
		return []string{configDir}
	}
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return []string{dir}
	}
	return defaultConfigPaths
}

func loadEnvFiles(env Environment) {
	if env == EnvProduction {
		return
	}
	name := fmt.Sprintf(".env.%s", env)
	for _, dir := range envSearchDirs {
		if err := godotenv.Load(filepath.Join(dir, name)); err == nil {
			return
		}
	}
	for _, dir := range envSearchDirs {
		if err := godotenv.Load(filepath.Join(dir, ".env")); err == nil {
			return
		}
	}
}

// applyEnvOverrides layers environment variables on top of the YAML-sourced
// config. The credential keys are never read from YAML so a checked-in
// config file cannot leak a secret; LOG_LEVEL, when set, overrides the
// YAML log_level.
func applyEnvOverrides(cfg *Config) {
	cfg.Communication.AuthSecret = os.Getenv("COMM_AUTH_SECRET")
	cfg.IsolatedWorkspace.SnapshotArchive.AccessKey = os.Getenv("SNAPSHOT_ARCHIVE_ACCESS_KEY")
	cfg.IsolatedWorkspace.SnapshotArchive.SecretKey = os.Getenv("SNAPSHOT_ARCHIVE_SECRET_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// IsTest reports whether the kernel was configured for the test environment.
func (c *Config) IsTest() bool { return c.Env == EnvTest }

// String returns a log-safe summary (no secrets).
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, NumAgents: %d, Socket: %s, ResultStore: %s (%s)}",
		c.Env, c.NumAgents, c.Communication.SocketPath, c.ResultStore.Driver, maskSecret(c.ResultStore.DSN))
}

var validResultStoreDrivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "mongo": true}
var validWorkspaceModes = map[string]bool{"sandbox": true, "shared": true, "hybrid": true}

// Validate enforces the cross-field constraints spec.md §7 calls
// "configuration error — malformed or incompatible options; surfaced at
// startup, aborts process."
func (c *Config) Validate() error {
	if c.NumAgents <= 0 {
		return fmt.Errorf("num_agents must be positive, got %d", c.NumAgents)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.TaskQueue.MaxSize <= 0 {
		return fmt.Errorf("task_queue.max_size must be positive, got %d", c.TaskQueue.MaxSize)
	}
	if !validResultStoreDrivers[c.ResultStore.Driver] {
		return fmt.Errorf("result_store.driver %q is not one of memory|sqlite|postgres|mongo", c.ResultStore.Driver)
	}
	if c.ResultStore.Driver != "memory" && c.ResultStore.DSN == "" {
		return fmt.Errorf("result_store.dsn is required when driver is %q", c.ResultStore.Driver)
	}
	if c.IsolatedWorkspace.Enabled && !validWorkspaceModes[c.IsolatedWorkspace.Mode] {
		return fmt.Errorf("isolated_workspace.mode %q is not one of sandbox|shared|hybrid", c.IsolatedWorkspace.Mode)
	}
	return nil
}

// maskSecret is kept for log call sites that render a connection string
// containing credentials (e.g. result_store.dsn) and need to redact it
// before it reaches a log line.
func maskSecret(s string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(s, "${1}***${3}")
}

// Package config loads TaskForge's runtime configuration from environment
// variables, an optional config file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every configuration section TaskForge needs.
type Config struct {
	AR       ARConfig       `mapstructure:"ar"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Projects ProjectsConfig `mapstructure:"projects"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// ARConfig configures the AR runtime handle.
type ARConfig struct {
	Hostname  string `mapstructure:"hostname"`
	Port      int    `mapstructure:"port"`
	TimeoutMs int    `mapstructure:"timeoutMs"`
	// Backend selects which agent adapter the AR runtime handle talks
	// through: "native", "acp", or "copilot".
	Backend string       `mapstructure:"backend"`
	Docker  DockerConfig `mapstructure:"docker"`
}

// DockerConfig configures the optional container-based AR launcher.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// TasksConfig configures the scheduler and cleanup behavior.
type TasksConfig struct {
	MaxConcurrent     int    `mapstructure:"maxConcurrent"`
	CleanupOnSuccess  string `mapstructure:"cleanupOnSuccess"`
	CleanupOnFailure  string `mapstructure:"cleanupOnFailure"`
}

// ProjectsConfig configures the project registry's root whitelist.
type ProjectsConfig struct {
	AllowedRootDirectories []string `mapstructure:"allowedRootDirectories"`
}

// DatabaseConfig configures the worktree/session metadata store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// EventsConfig configures the event bus's optional NATS mirror.
type EventsConfig struct {
	NATSURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig configures the runtime logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ServerConfig configures the local HTTP/WS gateway.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MCPConfig configures the read-only MCP tool surface.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ar.hostname", "")
	v.SetDefault("ar.port", 0)
	v.SetDefault("ar.timeoutMs", 10000)
	v.SetDefault("ar.backend", "native")
	v.SetDefault("ar.docker.enabled", false)
	v.SetDefault("ar.docker.host", defaultDockerHost())
	v.SetDefault("ar.docker.apiVersion", "1.41")
	v.SetDefault("ar.docker.defaultNetwork", "taskforge-network")

	v.SetDefault("tasks.maxConcurrent", 2)
	v.SetDefault("tasks.cleanupOnSuccess", "keep")
	v.SetDefault("tasks.cleanupOnFailure", "keep")

	v.SetDefault("projects.allowedRootDirectories", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./taskforge.db")
	v.SetDefault("database.dsn", "")

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7420)

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 7421)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, an optional
// config.yaml, and defaults, in that precedence order (env wins).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but adds configPath to the config file
// search path.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The literal, unprefixed env vars this control plane's external
	// interface is defined by: bind them explicitly since they don't
	// follow the TASKFORGE_ prefix/casing convention above.
	_ = v.BindEnv("ar.hostname", "AR_HOSTNAME")
	_ = v.BindEnv("ar.port", "AR_PORT")
	_ = v.BindEnv("ar.timeoutMs", "AR_TIMEOUT_MS")
	_ = v.BindEnv("tasks.maxConcurrent", "TASK_MAX_CONCURRENT")
	_ = v.BindEnv("tasks.cleanupOnSuccess", "TASK_CLEANUP_ON_SUCCESS")
	_ = v.BindEnv("tasks.cleanupOnFailure", "TASK_CLEANUP_ON_FAILURE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskforge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// ALLOWED_PROJECT_PATHS doesn't fit viper's string/slice binding
	// cleanly (it's OS-path-separator delimited, not comma-delimited),
	// so it's parsed directly from the environment.
	if raw := os.Getenv("ALLOWED_PROJECT_PATHS"); raw != "" {
		cfg.Projects.AllowedRootDirectories = splitPathList(raw)
	}

	normalizeAllowedRoots(&cfg.Projects)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func splitPathList(raw string) []string {
	parts := strings.Split(raw, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeAllowedRoots(p *ProjectsConfig) {
	seen := make(map[string]struct{}, len(p.AllowedRootDirectories))
	cleaned := make([]string, 0, len(p.AllowedRootDirectories))
	for _, root := range p.AllowedRootDirectories {
		c := filepath.Clean(root)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		cleaned = append(cleaned, c)
	}
	sortStrings(cleaned)
	p.AllowedRootDirectories = cleaned
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.AR.Port != 0 && (cfg.AR.Port <= 0 || cfg.AR.Port > 65535) {
		errs = append(errs, "ar.port must be between 1 and 65535")
	}
	if cfg.AR.TimeoutMs <= 0 {
		errs = append(errs, "ar.timeoutMs must be positive")
	}
	validBackends := map[string]bool{"native": true, "acp": true, "copilot": true}
	if !validBackends[cfg.AR.Backend] {
		errs = append(errs, "ar.backend must be one of: native, acp, copilot")
	}

	if cfg.Tasks.MaxConcurrent <= 0 {
		errs = append(errs, "tasks.maxConcurrent must be positive")
	}
	validCleanup := map[string]bool{"keep": true, "remove": true}
	if !validCleanup[cfg.Tasks.CleanupOnSuccess] {
		errs = append(errs, "tasks.cleanupOnSuccess must be one of: keep, remove")
	}
	if !validCleanup[cfg.Tasks.CleanupOnFailure] {
		errs = append(errs, "tasks.cleanupOnFailure must be one of: keep, remove")
	}

	for _, root := range cfg.Projects.AllowedRootDirectories {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Sprintf("projects.allowedRootDirectories entry %q must be absolute", root))
		}
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true}
	if !validDrivers[cfg.Database.Driver] {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ParsePositiveInt parses s as a positive integer, returning an error
// suitable for a validation-error-class collaborator.
func ParsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive: %d", n)
	}
	return n, nil
}

// Package config loads the Live Contest Engine's configuration: a YAML
// file for the knobs that make sense to version (server binding, CORS,
// rate-limit defaults) overlaid with the environment variables spec.md
// §6.7 names, grounded on the teacher's internal/config.Load/LoadOrDefault
// shape.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Backup    BackupConfig    `yaml:"backup"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ServerConfig controls HTTP binding and CORS.
type ServerConfig struct {
	Port               int      `yaml:"port"`
	Host               string   `yaml:"host"`
	ServerSideTimer    bool     `yaml:"server_side_timer"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	AllowedOriginRegex string   `yaml:"allowed_origin_regex"`
}

// AuthConfig controls token signing and lifetime.
type AuthConfig struct {
	JWTSecret             string        `yaml:"jwt_secret"`
	AccessTokenExpires    time.Duration `yaml:"access_token_expires"`
}

// StorageConfig controls the persistence root and audit rotation.
type StorageConfig struct {
	Dir                string `yaml:"dir"`
	MaxAuditFileSizeMB  int    `yaml:"max_audit_file_size_mb"`
	ResetBoxesOnStart   bool   `yaml:"reset_boxes_on_start"`
}

// BackupConfig controls the periodic snapshot loop.
type BackupConfig struct {
	Dir             string        `yaml:"dir"`
	Interval        time.Duration `yaml:"interval"`
	RetentionFiles  int           `yaml:"retention_files"`
}

// RateLimitConfig controls the token-bucket/sliding-window limiter and
// its GC loop.
type RateLimitConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AdminConfig controls default-admin materialization.
type AdminConfig struct {
	DefaultPassword string `yaml:"default_password"`
	ResetPassword   bool   `yaml:"reset_password"`
}

// Load reads a YAML config file at path, falling back to defaultConfig()
// for any field the file omits, then applies the environment overlay.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	ApplyEnv(cfg)
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default config
// (with the environment overlay applied) if path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		ApplyEnv(cfg)
		return cfg, nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ServerSideTimer: true,
		},
		Auth: AuthConfig{
			AccessTokenExpires: 12 * time.Hour,
		},
		Storage: StorageConfig{
			Dir:                filepath.Join(".", "data"),
			MaxAuditFileSizeMB: 50,
			ResetBoxesOnStart:  true,
		},
		Backup: BackupConfig{
			Dir:            filepath.Join(".", "data", "backups"),
			Interval:       15 * time.Minute,
			RetentionFiles: 48,
		},
		RateLimit: RateLimitConfig{
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// ApplyEnv overlays spec.md §6.7's recognized environment variables onto
// cfg, mutating it in place. Unset variables leave the existing value
// (file-provided or default) untouched.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("JWT_SECRET"); ok {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := envInt("ACCESS_TOKEN_EXPIRES_MIN"); ok {
		cfg.Auth.AccessTokenExpires = time.Duration(v) * time.Minute
	}
	if v, ok := os.LookupEnv("STORAGE_DIR"); ok {
		cfg.Storage.Dir = v
	}
	if v, ok := os.LookupEnv("BACKUP_DIR"); ok {
		cfg.Backup.Dir = v
	}
	if v, ok := envInt("BACKUP_INTERVAL_MIN"); ok {
		cfg.Backup.Interval = time.Duration(v) * time.Minute
	}
	if v, ok := envInt("BACKUP_RETENTION_FILES"); ok {
		cfg.Backup.RetentionFiles = v
	}
	if v, ok := envInt("RATE_LIMIT_CLEANUP_INTERVAL_MIN"); ok {
		cfg.RateLimit.CleanupInterval = time.Duration(v) * time.Minute
	}
	if v, ok := envInt("MAX_AUDIT_FILE_SIZE_MB"); ok {
		cfg.Storage.MaxAuditFileSizeMB = v
	}
	if v, ok := envBool("SERVER_SIDE_TIMER"); ok {
		cfg.Server.ServerSideTimer = v
	}
	if v, ok := envBool("RESET_BOXES_ON_START"); ok {
		cfg.Storage.ResetBoxesOnStart = v
	}
	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}
	if v, ok := os.LookupEnv("ALLOWED_ORIGIN_REGEX"); ok {
		cfg.Server.AllowedOriginRegex = v
	}
	if v, ok := os.LookupEnv("DEFAULT_ADMIN_PASSWORD"); ok {
		cfg.Admin.DefaultPassword = v
	}
	if v, ok := envBool("RESET_ADMIN_PASSWORD"); ok {
		cfg.Admin.ResetPassword = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// envBool follows spec.md §6.7's "0/false/no ⇒ opt out" convention: any
// other non-empty value (including unset-but-present "1", "true", "yes")
// is truthy.
func envBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no":
		return false, true
	default:
		return true, true
	}
}

// Diff compares two configs and returns human-readable descriptions of
// what changed, for the SIGHUP-triggered reload path (teacher:
// config.Diff). Only the fields safe to hot-reload are compared.
func Diff(old, new *Config) []string {
	var changes []string

	if old.RateLimit.CleanupInterval != new.RateLimit.CleanupInterval {
		changes = append(changes, fmt.Sprintf("rate_limit.cleanup_interval: %s -> %s", old.RateLimit.CleanupInterval, new.RateLimit.CleanupInterval))
	}
	if old.Backup.Interval != new.Backup.Interval {
		changes = append(changes, fmt.Sprintf("backup.interval: %s -> %s", old.Backup.Interval, new.Backup.Interval))
	}
	if old.Backup.RetentionFiles != new.Backup.RetentionFiles {
		changes = append(changes, fmt.Sprintf("backup.retention_files: %d -> %d", old.Backup.RetentionFiles, new.Backup.RetentionFiles))
	}
	if !stringSlicesEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		changes = append(changes, fmt.Sprintf("server.allowed_origins: %v -> %v", old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	}
	if old.Server.AllowedOriginRegex != new.Server.AllowedOriginRegex {
		changes = append(changes, fmt.Sprintf("server.allowed_origin_regex: %q -> %q", old.Server.AllowedOriginRegex, new.Server.AllowedOriginRegex))
	}
	if old.Server.ServerSideTimer != new.Server.ServerSideTimer {
		changes = append(changes, fmt.Sprintf("server.server_side_timer: %v -> %v", old.Server.ServerSideTimer, new.Server.ServerSideTimer))
	}

	return changes
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "livecontest", "config.yaml")
}

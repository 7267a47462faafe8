package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"apex-build/internal/wes"
)

// Config bootstraps paths, bind address, auth config, executable
// workflow list, and snapshot interval (component C8). Values are
// resolved CLI > env ("SAPPORO_"-prefixed) > default, per §6.3.
type Config struct {
	Host     string
	Port     int
	Debug    bool
	RunDir   string

	ServiceInfoPath          string
	ExecutableWorkflowsPath  string
	RunShPath                string
	AuthConfigPath           string
	RoCrateGeneratorCmd      string

	URLPrefix   string
	BaseURL     string
	AllowOrigin string

	RunRemoveOlderThanDays int
	SnapshotIntervalMin    int

	RunSubmissionsPerMinute int
	RunSubmissionBurst      int

	AllowInsecureIdp bool

	ServiceInfo         json.RawMessage
	ExecutableWorkflows wes.ExecutableWorkflows
	AuthConfig          wes.AuthConfig
}

// Load parses CLI flags (falling back to SAPPORO_-prefixed env vars,
// then defaults) and loads the three config-referenced JSON files:
// service-info, executable-workflows, and auth-config.
func Load(args []string) (*Config, error) {
	// Best-effort local-dev convenience; production deployments set
	// real environment variables and an absent .env is not an error.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("wes-httpd", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.Host, "host", getEnv("SAPPORO_HOST", "127.0.0.1"), "bind address")
	fs.IntVar(&cfg.Port, "port", getEnvInt("SAPPORO_PORT", 1122), "bind port")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("SAPPORO_DEBUG", false), "enable debug mode")
	fs.StringVar(&cfg.RunDir, "run-dir", getEnv("SAPPORO_RUN_DIR", "./runs"), "run directory root")
	fs.StringVar(&cfg.ServiceInfoPath, "service-info", getEnv("SAPPORO_SERVICE_INFO", ""), "path to service-info JSON")
	fs.StringVar(&cfg.ExecutableWorkflowsPath, "executable-workflows", getEnv("SAPPORO_EXECUTABLE_WORKFLOWS", ""), "path to executable-workflows JSON")
	fs.StringVar(&cfg.RunShPath, "run-sh", getEnv("SAPPORO_RUN_SH", ""), "path to dispatcher executable")
	fs.StringVar(&cfg.AuthConfigPath, "auth-config", getEnv("SAPPORO_AUTH_CONFIG", ""), "path to auth config JSON")
	fs.StringVar(&cfg.RoCrateGeneratorCmd, "ro-crate-generator-cmd", getEnv("SAPPORO_RO_CRATE_GENERATOR_CMD", ""), "external RO-Crate generator executable, invoked as <cmd> <run-dir> (empty = RO-Crate generation disabled)")
	fs.StringVar(&cfg.URLPrefix, "url-prefix", getEnv("SAPPORO_URL_PREFIX", ""), "URL path prefix")
	fs.StringVar(&cfg.BaseURL, "base-url", getEnv("SAPPORO_BASE_URL", ""), "externally visible base URL")
	fs.StringVar(&cfg.AllowOrigin, "allow-origin", getEnv("SAPPORO_ALLOW_ORIGIN", "*"), "CORS allow-origin value")
	fs.IntVar(&cfg.RunRemoveOlderThanDays, "run-remove-older-than-days", getEnvInt("SAPPORO_RUN_REMOVE_OLDER_THAN_DAYS", 0), "remove run directories older than this many days (0 = disabled)")
	fs.IntVar(&cfg.SnapshotIntervalMin, "snapshot-interval", getEnvInt("SAPPORO_SNAPSHOT_INTERVAL", 30), "Indexer snapshot interval in minutes")
	fs.IntVar(&cfg.RunSubmissionsPerMinute, "run-submissions-per-minute", getEnvInt("SAPPORO_RUN_SUBMISSIONS_PER_MINUTE", 0), "cap POST /runs to this many submissions/minute process-wide (0 = unlimited)")
	fs.IntVar(&cfg.RunSubmissionBurst, "run-submissions-burst", getEnvInt("SAPPORO_RUN_SUBMISSIONS_BURST", 5), "token bucket burst size for the run submission limiter")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.AllowInsecureIdp = getEnvBool("SAPPORO_ALLOW_INSECURE_IDP", false)

	if cfg.SnapshotIntervalMin < 1 {
		return nil, errors.New("snapshot-interval must be >= 1")
	}
	if cfg.RunRemoveOlderThanDays != 0 && cfg.RunRemoveOlderThanDays < 1 {
		return nil, errors.New("run-remove-older-than-days must be >= 1 when set")
	}

	if cfg.ExecutableWorkflowsPath != "" {
		if err := readJSONFile(cfg.ExecutableWorkflowsPath, &cfg.ExecutableWorkflows); err != nil {
			return nil, fmt.Errorf("executable-workflows: %w", err)
		}
	}

	if cfg.AuthConfigPath != "" {
		if err := readJSONFile(cfg.AuthConfigPath, &cfg.AuthConfig); err != nil {
			return nil, fmt.Errorf("auth-config: %w", err)
		}
	} else {
		cfg.AuthConfig = wes.AuthConfig{AuthEnabled: false}
	}

	if cfg.AuthConfig.AuthEnabled && cfg.AuthConfig.IdpProvider == "sapporo" && !cfg.Debug {
		if err := ValidateJWTSecret(cfg.AuthConfig.SapporoAuthConfig.SecretKey); err != nil {
			return nil, fmt.Errorf("auth-config.sapporo_auth_config.secret_key: %w", err)
		}
		if cfg.AuthConfig.SapporoAuthConfig.ExpiresDeltaHours == nil {
			return nil, errors.New("auth-config.sapporo_auth_config.expires_delta_hours: non-expiring tokens are only allowed with --debug")
		}
	}

	if cfg.ServiceInfoPath != "" {
		data, err := os.ReadFile(cfg.ServiceInfoPath)
		if err != nil {
			return nil, fmt.Errorf("service-info: %w", err)
		}
		cfg.ServiceInfo = data
	}

	return cfg, nil
}

func readJSONFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

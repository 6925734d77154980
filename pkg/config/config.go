package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the client needs to reach the backend and persist tasks.
type Config struct {
	BackendURL    string        `yaml:"backend_url"`
	CreatePath    string        `yaml:"create_path"`
	ToolsPath     string        `yaml:"tools_path"`
	HealthPath    string        `yaml:"health_path"`
	LoginPath     string        `yaml:"login_path"`
	AuthToken     string        `yaml:"auth_token"`
	OAuthClientID string        `yaml:"oauth_client_id"`
	Timeout       time.Duration `yaml:"timeout"`
	TLS           TLSConfig     `yaml:"tls"`
	Storage       StorageConfig `yaml:"storage"`
	LogLevel      string        `yaml:"log_level"`
	LogFile       string        `yaml:"log_file"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure"`
}

// StorageConfig selects the key-value backend that mirrors task lists.
type StorageConfig struct {
	Backend     string        `yaml:"backend"` // memory|sqlite|mysql|consul
	Path        string        `yaml:"path"`
	MySQLDSN    string        `yaml:"mysql_dsn"`
	ConsulAddr  string        `yaml:"consul_addr"`
	ConsulToken string        `yaml:"consul_token"`
	Prefix      string        `yaml:"prefix"`
	Debounce    time.Duration `yaml:"debounce"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BackendURL: "http://127.0.0.1:8000",
		CreatePath: "/cipher",
		ToolsPath:  "/api/tools",
		HealthPath: "/health",
		LoginPath:  "/api/v1/auth/login",
		Timeout:    60 * time.Second,
		Storage: StorageConfig{
			Backend:  "sqlite",
			Path:     defaultStatePath(),
			Prefix:   "repo-cipher/",
			Debounce: time.Second,
		},
		LogLevel: "warn",
	}
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "repo-cipher", "state.db")
}

// Load resolves configuration from defaults, an optional YAML file, a .env file in the
// working directory and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if err := loadDotEnv(); err != nil {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.BackendURL, "CIPHER_BACKEND_URL")
	setString(&cfg.CreatePath, "CIPHER_CREATE_PATH")
	setString(&cfg.AuthToken, "CIPHER_TOKEN")
	setString(&cfg.OAuthClientID, "CIPHER_OAUTH_CLIENT_ID")
	setString(&cfg.Storage.Backend, "CIPHER_STORAGE")
	setString(&cfg.Storage.Path, "CIPHER_STORAGE_PATH")
	setString(&cfg.Storage.MySQLDSN, "CIPHER_MYSQL_DSN")
	setString(&cfg.Storage.ConsulAddr, "CIPHER_CONSUL_ADDR")
	setString(&cfg.Storage.ConsulToken, "CIPHER_CONSUL_TOKEN")
	setString(&cfg.LogLevel, "CIPHER_LOG_LEVEL")
	setString(&cfg.LogFile, "CIPHER_LOG_FILE")
	setString(&cfg.TLS.CAFile, "CIPHER_CA_FILE")
	if v := os.Getenv("CIPHER_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CIPHER_INSECURE: %w", err)
		}
		cfg.TLS.Insecure = b
	}
	if v := os.Getenv("CIPHER_DEBOUNCE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CIPHER_DEBOUNCE: %w", err)
		}
		cfg.Storage.Debounce = d
	}
	if v := os.Getenv("CIPHER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CIPHER_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate checks the fields other packages rely on.
func (c Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("backend url is required")
	}
	switch c.Storage.Backend {
	case "memory", "sqlite", "mysql", "consul":
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	if c.Storage.Backend == "mysql" && c.Storage.MySQLDSN == "" {
		return errors.New("storage.mysql_dsn is required for the mysql backend")
	}
	if c.Storage.Debounce < 0 {
		return errors.New("storage.debounce must not be negative")
	}
	return nil
}

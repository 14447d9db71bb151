package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Model   ModelConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// AllowedOrigins is a comma-separated list of browser origins.
	AllowedOrigins string
	APIToken       string
}

type StorageConfig struct {
	Driver       string
	DataDir      string
	DatabaseURL  string
	WriteTimeout time.Duration
}

type ModelConfig struct {
	APIKey        string
	BaseURL       string
	Name          string
	StreamTimeout time.Duration
}

type LogConfig struct {
	Level string
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Origins splits AllowedOrigins into a list.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			AllowedOrigins: "http://localhost:5173",
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DataDir:      defaultDataDir(),
			WriteTimeout: 10 * time.Second,
		},
		Model: ModelConfig{
			BaseURL:       "https://api.openai.com/v1",
			Name:          "gpt-4o",
			StreamTimeout: 120 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in increasing precedence: defaults, the JSON file
// at $XDG_CONFIG_HOME/vitastack/config.json, the secrets file, and the
// environment. A .env file in the working directory (or at
// VITASTACK_ENV_FILE) is loaded into the environment first without
// replacing variables that are already set.
//
// Load does not check for required values; call Validate before serving.
func Load() (Config, error) {
	if err := loadEnvFile(envFilePath()); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applySecrets(&cfg, secrets)
	applyEnvOverrides(&cfg)

	return cfg, nil
}

// Validate reports missing or inconsistent values needed to serve requests.
func (c Config) Validate() error {
	var errs []error
	if c.Model.APIKey == "" {
		errs = append(errs, errors.New("missing required config: model API key. "+
			"Set VITASTACK_MODEL_API_KEY or OPENAI_API_KEY, or run `vitastack config set model.api_key <key>`"))
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.driver is postgres but no database url is set (VITASTACK_STORAGE_DATABASE_URL or DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q (want sqlite or postgres)", c.Storage.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

func envFilePath() string {
	if p := os.Getenv("VITASTACK_ENV_FILE"); p != "" {
		return p
	}
	return ".env"
}

// loadEnvFile loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

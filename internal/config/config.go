package config

import (
	"errors"
	"time"
)

type Config struct {
	Server   ServerConfig
	Ollama   OllamaConfig
	Storage  StorageConfig
	Log      LogConfig
	Research ResearchConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type OllamaConfig struct {
	Enabled bool
	BaseURL string
	Model   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ResearchConfig struct {
	DefaultCondition    string
	DetectionTimeout    time.Duration
	CacheSize           int
	Parallelism         int
	ValidationThreshold float64
}

type WorkerConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			Enabled: true,
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Research: ResearchConfig{
			DefaultCondition:    "used_good",
			DetectionTimeout:    20 * time.Second,
			CacheSize:           256,
			Parallelism:         4,
			ValidationThreshold: 0.8,
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
			MaxAttempts:  3,
		},
	}
}

// Load reads configuration from the JSON file at ConfigFilePath, then
// applies LISTFORGE_* environment overrides. The API token is read from
// LISTFORGE_API_TOKEN, falling back to the secrets file.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), fileSecrets{path: SecretsFilePath()})
}

func loadFromPath(path string, secrets secretStore) (Config, error) {
	return loadWith(newFileBackend(path), secrets)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.APIToken == "" {
		if tok, err := secrets.Get(apiTokenKey); err == nil && tok != "" {
			cfg.Server.APIToken = tok
		}
	}

	return cfg, nil
}

// RequireAPIToken fails when no API token is configured. The server refuses
// to start without one.
func (c Config) RequireAPIToken() error {
	if c.Server.APIToken == "" {
		return errors.New("missing required config: API token. " +
			"Set it via environment variable LISTFORGE_API_TOKEN or `listforge config set server.api_token <token>`")
	}
	return nil
}

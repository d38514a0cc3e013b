package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr        string `toml:"addr"`
	DatabaseURL string `toml:"database_url"`

	KafkaBrokers  []string `toml:"kafka_brokers"`
	KafkaTopic    string   `toml:"kafka_topic"`
	ArchiveBucket string   `toml:"archive_bucket"`
	ArchivePrefix string   `toml:"archive_prefix"`
	EventQueue    int      `toml:"event_queue"`

	SandboxURL  string        `toml:"sandbox_url"`
	ExecTimeout time.Duration `toml:"exec_timeout"`
	ExecRPS     float64       `toml:"exec_rps"`
	ExecBurst   int           `toml:"exec_burst"`

	SignerKeyB64 string `toml:"signer_key_b64"`
	SignerID     string `toml:"signer_id"`
	KMSEndpoint  string `toml:"kms_endpoint"`

	LogLevel   string `toml:"log_level"`
	SeedSource string `toml:"seed_source"`
}

const (
	defaultAddr        = ":8071"
	defaultKafkaTopic  = "coder.lifecycle"
	defaultEventQueue  = 1024
	defaultExecTimeout = 5 * time.Second
	defaultSignerID    = "coder-dev"
	defaultLogLevel    = "info"
)

func Defaults() Config {
	return Config{
		Addr:        defaultAddr,
		KafkaTopic:  defaultKafkaTopic,
		EventQueue:  defaultEventQueue,
		ExecTimeout: defaultExecTimeout,
		SignerID:    defaultSignerID,
		LogLevel:    defaultLogLevel,
	}
}

// Load reads the optional TOML file named by CODER_CONFIG, then applies
// environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CODER_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Addr, "CODER_ADDR")
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("CODER_DATABASE_URL"), os.Getenv("DATABASE_URL"), cfg.DatabaseURL)
	if v := os.Getenv("CODER_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	setString(&cfg.KafkaTopic, "CODER_KAFKA_TOPIC")
	setString(&cfg.ArchiveBucket, "CODER_ARCHIVE_BUCKET")
	setString(&cfg.ArchivePrefix, "CODER_ARCHIVE_PREFIX")
	setString(&cfg.SandboxURL, "CODER_SANDBOX_URL")
	setString(&cfg.SignerKeyB64, "CODER_SIGNER_KEY_B64")
	setString(&cfg.SignerID, "CODER_SIGNER_ID")
	cfg.KMSEndpoint = firstNonEmpty(os.Getenv("CODER_KMS_ENDPOINT"), os.Getenv("KMS_ENDPOINT"), cfg.KMSEndpoint)
	setString(&cfg.LogLevel, "CODER_LOG_LEVEL")
	setString(&cfg.SeedSource, "CODER_SEED_SOURCE")

	if v := os.Getenv("CODER_EXEC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CODER_EXEC_TIMEOUT: %w", err)
		}
		cfg.ExecTimeout = d
	}
	if v := os.Getenv("CODER_EXEC_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CODER_EXEC_RPS: %w", err)
		}
		cfg.ExecRPS = f
	}
	if v := os.Getenv("CODER_EXEC_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CODER_EXEC_BURST: %w", err)
		}
		cfg.ExecBurst = n
	}
	if v := os.Getenv("CODER_EVENT_QUEUE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CODER_EVENT_QUEUE: %w", err)
		}
		cfg.EventQueue = n
	}
	return nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address required")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("CODER_KAFKA_TOPIC required when CODER_KAFKA_BROKERS is set")
	}
	if c.ExecTimeout < 0 {
		return fmt.Errorf("exec timeout must not be negative")
	}
	if c.ExecRPS < 0 || c.ExecBurst < 0 {
		return fmt.Errorf("exec rate limit must not be negative")
	}
	if c.EventQueue <= 0 {
		return fmt.Errorf("event queue size must be positive")
	}
	if c.SignerKeyB64 != "" {
		if _, err := base64.StdEncoding.DecodeString(c.SignerKeyB64); err != nil {
			return fmt.Errorf("CODER_SIGNER_KEY_B64: %w", err)
		}
	}
	return nil
}

// RateLimited reports whether the execute endpoint is throttled.
func (c Config) RateLimited() bool { return c.ExecRPS > 0 }

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config loads service settings from an optional YAML file and
// DUES_-prefixed environment variables (DUES_SERVER_ADDR, DUES_REDIS_ADDR, ...).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	// Path is a SQLite file, or ":memory:".
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EvidenceConfig struct {
	Backend            string        `mapstructure:"backend"` // file, gcs or memory
	Dir                string        `mapstructure:"dir"`
	GCSBucket          string        `mapstructure:"gcs_bucket"`
	GCSCredentialsFile string        `mapstructure:"gcs_credentials_file"`
	SigningSecret      string        `mapstructure:"signing_secret"`
	URLTTL             time.Duration `mapstructure:"url_ttl"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type SheetsConfig struct {
	CredentialsJSON string `mapstructure:"credentials_json"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type ResolverConfig struct {
	SkipRecordedOverride bool `mapstructure:"skip_recorded_override"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Evidence EvidenceConfig `mapstructure:"evidence"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Sheets   SheetsConfig   `mapstructure:"sheets"`
	Resolver ResolverConfig `mapstructure:"resolver"`
}

var defaults = map[string]any{
	"server.addr":                     ":8080",
	"server.shutdown_timeout":         10 * time.Second,
	"server.cors_origins":             []string{"*"},
	"database.path":                   "dues.db",
	"log.level":                       "info",
	"log.format":                      "text",
	"evidence.backend":                "file",
	"evidence.dir":                    "./evidence",
	"evidence.gcs_bucket":             "",
	"evidence.gcs_credentials_file":   "",
	"evidence.signing_secret":         "",
	"evidence.url_ttl":                15 * time.Minute,
	"amqp.url":                        "",
	"amqp.exchange":                   "dues.events",
	"amqp.queue":                      "dues.ledger",
	"redis.addr":                      "",
	"redis.password":                  "",
	"redis.db":                        0,
	"redis.ttl":                       10 * time.Minute,
	"sheets.credentials_json":         "",
	"sheets.credentials_file":         "",
	"resolver.skip_recorded_override": false,
}

// Load reads path if given, else ./config.yaml when present, then applies
// environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DUES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, "server address cannot be empty")
	}
	if c.Server.ShutdownTimeout < time.Second {
		problems = append(problems, fmt.Sprintf("invalid shutdown timeout %v: must be at least 1s", c.Server.ShutdownTimeout))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		problems = append(problems, "database path cannot be empty")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("invalid log format %q: must be text or json", c.Log.Format))
	}

	switch c.Evidence.Backend {
	case "memory":
	case "file":
		if strings.TrimSpace(c.Evidence.Dir) == "" {
			problems = append(problems, "evidence dir is required for the file backend")
		}
	case "gcs":
		if strings.TrimSpace(c.Evidence.GCSBucket) == "" {
			problems = append(problems, "evidence GCS bucket is required for the gcs backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid evidence backend %q: must be file, gcs or memory", c.Evidence.Backend))
	}
	if len(c.Evidence.SigningSecret) < 16 {
		problems = append(problems, "evidence signing secret must be at least 16 characters")
	}
	if c.Evidence.URLTTL <= 0 {
		problems = append(problems, "evidence URL TTL must be positive")
	}

	if c.AMQP.URL != "" {
		u, err := url.Parse(c.AMQP.URL)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("invalid AMQP URL: %v", err))
		case u.Scheme != "amqp" && u.Scheme != "amqps":
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme %q: must be amqp or amqps", u.Scheme))
		}
		if c.AMQP.Exchange == "" || c.AMQP.Queue == "" {
			problems = append(problems, "AMQP exchange and queue are required when an AMQP URL is set")
		}
	}

	if c.Redis.DB < 0 {
		problems = append(problems, fmt.Sprintf("invalid redis db %d", c.Redis.DB))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// AMQPEnabled reports whether ledger events should be published.
func (c *Config) AMQPEnabled() bool { return c.AMQP.URL != "" }

// RedisEnabled reports whether report caching should use Redis.
func (c *Config) RedisEnabled() bool { return c.Redis.Addr != "" }

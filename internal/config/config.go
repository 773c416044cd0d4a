package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres or sqlite
	URL    string `mapstructure:"url"`
}

type NonceConfig struct {
	Backend   string        `mapstructure:"backend"` // redis or local
	TTL       time.Duration `mapstructure:"ttl"`
	MaxTokens int           `mapstructure:"max_tokens"`
	LocalSize int           `mapstructure:"local_size"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type EmailConfig struct {
	From     string `mapstructure:"from"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type BlueskyConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceURL  string        `mapstructure:"service_url"`
	AuthMode    string        `mapstructure:"auth_mode"` // app_password or oauth
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxFollower int           `mapstructure:"max_followers"`
	// used when auth_mode is oauth
	OAuthClientID string `mapstructure:"oauth_client_id"`
	OAuthTokenURL string `mapstructure:"oauth_token_url"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	TTL               time.Duration `mapstructure:"ttl"`
}

type Config struct {
	ServerPort     string          `mapstructure:"server_port"`
	BaseURL        string          `mapstructure:"base_url"`
	RSVPURLPath    string          `mapstructure:"rsvp_url_path"`
	JWTSecret      string          `mapstructure:"jwt_secret"`
	EncryptionKey  string          `mapstructure:"encryption_key"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	Database       DatabaseConfig  `mapstructure:"database"`
	Nonce          NonceConfig     `mapstructure:"nonce"`
	Redis          RedisConfig     `mapstructure:"redis"`
	Email          EmailConfig     `mapstructure:"email"`
	Bluesky        BlueskyConfig   `mapstructure:"bluesky"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	cfg, err := LoadFrom(".", "./config")
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	return cfg
}

// LoadFrom reads config.yaml from the first of paths that has one. Values can
// be overridden with GATHERLY_* environment variables.
func LoadFrom(paths ...string) (*Config, error) {
	v := viper.New()
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("gatherly")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&config)
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(config *Config) {
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:" + config.ServerPort
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.RSVPURLPath == "" {
		config.RSVPURLPath = "/rsvp/%s"
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if config.Database.Driver == "" {
		config.Database.Driver = "postgres"
	}
	if config.Nonce.Backend == "" {
		config.Nonce.Backend = "local"
	}
	if config.Nonce.TTL <= 0 {
		config.Nonce.TTL = 24 * time.Hour
	}
	if config.Nonce.MaxTokens <= 0 {
		config.Nonce.MaxTokens = 8
	}
	if config.Redis.PoolSize <= 0 {
		config.Redis.PoolSize = 10
	}
	if config.Email.SMTPPort == 0 {
		config.Email.SMTPPort = 587
	}
	if config.Bluesky.ServiceURL == "" {
		config.Bluesky.ServiceURL = "https://bsky.social"
	}
	if config.Bluesky.AuthMode == "" {
		config.Bluesky.AuthMode = "app_password"
	}
	if config.Bluesky.Timeout <= 0 {
		config.Bluesky.Timeout = 15 * time.Second
	}
	if config.Bluesky.MaxFollower <= 0 {
		config.Bluesky.MaxFollower = 5000
	}
	if config.RateLimit.RequestsPerMinute <= 0 {
		config.RateLimit.RequestsPerMinute = 30
	}
	if config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = 10
	}
	if config.RateLimit.TTL <= 0 {
		config.RateLimit.TTL = 5 * time.Minute
	}
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret must be set in the config file")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url must be set in the config file")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Nonce.Backend {
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address is required for the redis nonce backend")
		}
	case "local":
	default:
		return fmt.Errorf("unsupported nonce backend %q", c.Nonce.Backend)
	}
	if c.Bluesky.Enabled {
		if c.EncryptionKey == "" {
			return fmt.Errorf("encryption_key is required when bluesky is enabled")
		}
		switch c.Bluesky.AuthMode {
		case "app_password":
		case "oauth":
			if c.Bluesky.OAuthClientID == "" || c.Bluesky.OAuthTokenURL == "" {
				return fmt.Errorf("bluesky.oauth_client_id and bluesky.oauth_token_url are required for oauth")
			}
		default:
			return fmt.Errorf("unsupported bluesky auth mode %q", c.Bluesky.AuthMode)
		}
	}
	if !strings.Contains(c.RSVPURLPath, "%s") {
		return fmt.Errorf("rsvp_url_path must contain %%s for the token")
	}
	return nil
}

// RSVPURLTemplate is the absolute RSVP link with a %s placeholder for the token.
func (c *Config) RSVPURLTemplate() string {
	return c.BaseURL + c.RSVPURLPath
}

// VerifyEmailURLTemplate is the address confirmation link with a %s
// placeholder for the token.
func (c *Config) VerifyEmailURLTemplate() string {
	return c.BaseURL + "/verify-email?token=%s"
}

// Package config loads runtime configuration.
//
// SOURCES, lowest to highest precedence:
//  1. Defaults set in setDefaults
//  2. configs/settings.yml (optional)
//  3. A .env file (optional, loaded into the process environment first)
//  4. Environment variables: "provider.api_key" is read from PROVIDER_API_KEY
//
// A handful of variables keep the names the hosted deployment already uses
// (NEXT_PUBLIC_SITE_URL, FAL_KEY, SENDGRID_API_KEY, ...); those are bound
// explicitly in bindLegacyEnv so existing environments keep working.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Env        string           `mapstructure:"env"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Email      EmailConfig      `mapstructure:"email"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Generation GenerationConfig `mapstructure:"generation"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	SiteURL        string   `mapstructure:"site_url"`
	AppURL         string   `mapstructure:"app_url"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ServiceKey grants privileged history reads (X-Service-Key header).
	ServiceKey string `mapstructure:"service_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path   string `mapstructure:"path"`   // sqlite file
	URL    string `mapstructure:"url"`    // postgres DSN
}

type AuthConfig struct {
	JWTSecret                string        `mapstructure:"jwt_secret"`
	SessionTTL               time.Duration `mapstructure:"session_ttl"`
	SecureCookies            bool          `mapstructure:"secure_cookies"`
	RequireEmailVerification bool          `mapstructure:"require_email_verification"`
	GoogleClientID           string        `mapstructure:"google_client_id"`
	GoogleClientSecret       string        `mapstructure:"google_client_secret"`
	GoogleCallbackURL        string        `mapstructure:"google_callback_url"`
}

type ProviderConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type EmailConfig struct {
	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
	FromEmail      string `mapstructure:"from_email"`
	FromName       string `mapstructure:"from_name"`
}

type StorageConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Bucket        string `mapstructure:"bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	UsePathStyle  bool   `mapstructure:"use_path_style"`
	Prefix        string `mapstructure:"prefix"`
}

type GenerationConfig struct {
	Cost             int    `mapstructure:"cost"`
	RefundOnFailure  bool   `mapstructure:"refund_on_failure"`
	MonthlyResetCron string `mapstructure:"monthly_reset_cron"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// Development reports whether the server runs locally; redirects then stay
// on the request origin.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// StorageEnabled reports whether S3 uploads are configured.
func (c *Config) StorageEnabled() bool {
	return c.Storage.Bucket != ""
}

// GoogleEnabled reports whether Google sign-in is configured.
func (c *Config) GoogleEnabled() bool {
	return c.Auth.GoogleClientID != "" && c.Auth.GoogleClientSecret != ""
}

// Load reads configuration from defaults, the optional settings file, an
// optional .env file and the environment.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AddConfigPath("./configs")
	v.AddConfigPath("/configs")
	v.SetConfigName("settings")
	v.SetConfigType("yml")

	return load(v)
}

// load is split out so tests can point viper at a temporary directory.
func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading settings file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	if cfg.Auth.GoogleCallbackURL == "" {
		cfg.Auth.GoogleCallbackURL = fmt.Sprintf("http://localhost:%d/auth/callback", cfg.Server.Port)
	}
	cfg.Provider.BaseURL = strings.TrimRight(cfg.Provider.BaseURL, "/")

	return &cfg, nil
}

// Validate reports every missing required value at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if c.Provider.APIKey == "" {
		missing = append(missing, "PROVIDER_API_KEY")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			missing = append(missing, "DATABASE_PATH")
		}
	case "postgres":
		if c.Database.URL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Generation.Cost < 1 {
		return fmt.Errorf("config: generation.cost must be at least 1, got %d", c.Generation.Cost)
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required values: %v", missing)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/clickmodel.db")
	v.SetDefault("database.url", "")
	v.SetDefault("auth.session_ttl", 7*24*time.Hour)
	v.SetDefault("auth.secure_cookies", true)
	v.SetDefault("auth.require_email_verification", true)
	v.SetDefault("provider.base_url", "https://queue.fal.run")
	v.SetDefault("provider.model", "fal-ai/idm-vton")
	v.SetDefault("provider.poll_interval", 2*time.Second)
	v.SetDefault("provider.max_attempts", 90)
	v.SetDefault("provider.timeout", 5*time.Minute)
	v.SetDefault("email.from_email", "noreply@clickmodel.ai")
	v.SetDefault("email.from_name", "ClickModel.AI")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.use_path_style", false)
	v.SetDefault("storage.prefix", "generations")
	v.SetDefault("generation.cost", 1)
	v.SetDefault("generation.refund_on_failure", true)
	v.SetDefault("generation.monthly_reset_cron", "@monthly")
	v.SetDefault("rate_limit.requests_per_minute", 10)
	v.SetDefault("rate_limit.burst", 3)
}

// bindLegacyEnv maps the deployment's existing variable names onto config
// keys. The first name set wins.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"env":                       {"APP_ENV", "NODE_ENV"},
		"server.port":               {"SERVER_PORT", "PORT"},
		"server.site_url":           {"SERVER_SITE_URL", "NEXT_PUBLIC_SITE_URL"},
		"server.app_url":            {"SERVER_APP_URL", "NEXT_PUBLIC_APP_URL"},
		"server.service_key":        {"SERVER_SERVICE_KEY", "SUPABASE_SERVICE_ROLE_KEY"},
		"database.path":             {"DATABASE_PATH", "DB_PATH"},
		"auth.jwt_secret":           {"AUTH_JWT_SECRET", "JWT_SECRET"},
		"auth.google_client_id":     {"AUTH_GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_ID"},
		"auth.google_client_secret": {"AUTH_GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET"},
		"auth.google_callback_url":  {"AUTH_GOOGLE_CALLBACK_URL", "GOOGLE_CALLBACK_URL"},
		"provider.api_key":          {"PROVIDER_API_KEY", "FAL_KEY"},
		"email.sendgrid_api_key":    {"EMAIL_SENDGRID_API_KEY", "SENDGRID_API_KEY"},
		"email.from_email":          {"EMAIL_FROM_EMAIL", "SENDGRID_FROM_EMAIL"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("config: binding %s: %w", key, err)
		}
	}
	return nil
}

// loadEnvFile loads the first .env file found. A missing file is not an
// error: production reads plain environment variables.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates, filepath.Join("configs", ".env"), ".env")

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: accessing env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		// Load (not Overload): variables already set in the environment win.
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("config: loading env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}

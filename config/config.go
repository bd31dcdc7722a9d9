package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway.
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Entitlement  EntitlementConfig  `mapstructure:"entitlement"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Lease        LeaseConfig        `mapstructure:"lease"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug       bool   `mapstructure:"debug"`
	LogLevel    string `mapstructure:"log_level"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// Validate ensures the write timeout outlives the run poll cap.
func (s ServerConfig) Validate(o OrchestratorConfig) error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	if s.WriteTimeout > 0 && s.WriteTimeout <= o.MaxWait {
		return fmt.Errorf("server.write_timeout (%s) must exceed orchestrator.max_wait (%s)", s.WriteTimeout, o.MaxWait)
	}
	return nil
}

// AuthConfig describes how bearer tokens are verified and who is an admin.
type AuthConfig struct {
	JWTSecret   string   `mapstructure:"jwt_secret"` // identity provider HS256 secret
	Issuer      string   `mapstructure:"issuer"`
	Audience    string   `mapstructure:"audience"`
	AdminEmails []string `mapstructure:"admin_emails"`
	AdminRoles  []string `mapstructure:"admin_roles"`
}

// Normalize lower-cases and de-duplicates the admin allow-list.
func (a AuthConfig) Normalize() AuthConfig {
	seen := make(map[string]struct{}, len(a.AdminEmails))
	var emails []string
	for _, e := range a.AdminEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		emails = append(emails, e)
	}
	a.AdminEmails = emails
	if len(a.AdminRoles) == 0 {
		a.AdminRoles = []string{"admin"}
	}
	return a
}

func (a AuthConfig) Validate() error {
	if strings.TrimSpace(a.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret required")
	}
	return nil
}

// OpenAIConfig contains the Assistants API credentials.
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	OrgID   string        `mapstructure:"org_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (o OpenAIConfig) Validate() error {
	if strings.TrimSpace(o.APIKey) == "" {
		return fmt.Errorf("openai.api_key required")
	}
	return nil
}

// OrchestratorConfig bounds a single thread/run exchange.
type OrchestratorConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	MaxWait             time.Duration `mapstructure:"max_wait"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	DelayStep           time.Duration `mapstructure:"delay_step"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	MaxCompletionTokens int           `mapstructure:"max_completion_tokens"`
	MessageListLimit    int           `mapstructure:"message_list_limit"`
}

// Normalize applies defaults for unset poll values.
func (c OrchestratorConfig) Normalize() OrchestratorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 60
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 60 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 300 * time.Millisecond
	}
	if c.DelayStep <= 0 {
		c.DelayStep = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Second
	}
	if c.MaxCompletionTokens <= 0 {
		c.MaxCompletionTokens = 4000
	}
	if c.MessageListLimit <= 0 {
		c.MessageListLimit = 20
	}
	return c
}

func (c OrchestratorConfig) Validate() error {
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("orchestrator.max_delay must be >= orchestrator.base_delay")
	}
	return nil
}

// EntitlementConfig tunes renewal prompts.
type EntitlementConfig struct {
	WarningDays int `mapstructure:"warning_days"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings. Redis is optional; an
// empty host selects in-process conversation leases.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres:// connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// LeaseConfig controls per-conversation leases.
type LeaseConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// SchedulerConfig controls the subscription expiry sweeper.
type SchedulerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	SweepCron string        `mapstructure:"sweep_cron"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// TelemetryConfig contains tracing settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.environment", "dev")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{
		"auth.jwt_secret", "auth.issuer", "auth.audience",
		"openai.api_key", "openai.base_url", "openai.org_id",
		"storage.postgres.url", "storage.postgres.host", "storage.postgres.user",
		"storage.postgres.password", "storage.postgres.dbname",
		"storage.redis.host", "storage.redis.password",
		"telemetry.otlp_endpoint",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.admin_emails", []string{})
	v.SetDefault("auth.admin_roles", []string{"admin"})
	v.SetDefault("openai.timeout", 30*time.Second)
	v.SetDefault("orchestrator.max_attempts", 60)
	v.SetDefault("orchestrator.max_wait", 60*time.Second)
	v.SetDefault("orchestrator.base_delay", 300*time.Millisecond)
	v.SetDefault("orchestrator.delay_step", 100*time.Millisecond)
	v.SetDefault("orchestrator.max_delay", time.Second)
	v.SetDefault("orchestrator.max_completion_tokens", 4000)
	v.SetDefault("orchestrator.message_list_limit", 20)
	v.SetDefault("entitlement.warning_days", 3)
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("lease.ttl", 90*time.Second)
	v.SetDefault("lease.key_prefix", "neuroia:conv:lease:")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sweep_cron", "@hourly")
	v.SetDefault("scheduler.lock_ttl", 2*time.Minute)
	v.SetDefault("telemetry.service_name", "neuroia-gateway")
}

// Load reads config from path (or the default search paths when empty),
// applies NEUROIA_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return load(path, (*Config).Validate)
}

// LoadStorage is Load for maintenance commands that only touch the
// database; auth and provider settings are not required.
func LoadStorage(path string) (*Config, error) {
	return load(path, func(c *Config) error { return c.Storage.Postgres.Validate() })
}

func load(path string, validate func(*Config) error) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("NEUROIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Missing file is fine when everything comes from the environment.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Platform-style variables take precedence over the file.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Storage.Postgres.URL = dbURL
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = key
	}
	if secret := os.Getenv("SUPABASE_JWT_SECRET"); secret != "" && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = secret
	}

	cfg.Auth = cfg.Auth.Normalize()
	cfg.Orchestrator = cfg.Orchestrator.Normalize()
	if cfg.Entitlement.WarningDays < 0 {
		cfg.Entitlement.WarningDays = 0
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	if err := c.Server.Validate(c.Orchestrator); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.OpenAI.Validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	return nil
}

// LoadConfig is Load that panics, for command entry points.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Inference   InferenceConfig   `mapstructure:"inference"`
	Scraper     ScraperConfig     `mapstructure:"scraper"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Storage     StorageConfig     `mapstructure:"storage"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`   // sqlite file path
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

// AccountConfig holds credentials for one pool account.
type AccountConfig struct {
	Name     string `mapstructure:"name"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Proxy    string `mapstructure:"proxy"`
}

type PoolConfig struct {
	Accounts    []AccountConfig `mapstructure:"accounts"`
	HourlyQuota int             `mapstructure:"hourly_quota"`
	Cooldown    time.Duration   `mapstructure:"cooldown"`
	MaxAttempts int             `mapstructure:"max_attempts"`
}

type DispatcherConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Concurrency   int           `mapstructure:"concurrency"`
	FetchLimit    int           `mapstructure:"fetch_limit"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type BatchConfig struct {
	MinSize      int           `mapstructure:"min_size"`
	MaxSize      int           `mapstructure:"max_size"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type InferenceConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	CompletionWindow string `mapstructure:"completion_window"`
}

type ScraperConfig struct {
	// Backend selects the implementation: "session" drives the account
	// pool directly, "proxyapi" delegates to the hosted proxy service.
	Backend string `mapstructure:"backend"`

	BaseURL string `mapstructure:"base_url"`

	ProxyAPI ProxyAPIConfig `mapstructure:"proxy_api"`
}

type ProxyAPIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type MaintenanceConfig struct {
	RunningTimeout     time.Duration `mapstructure:"running_timeout"`
	LongRunningTimeout time.Duration `mapstructure:"long_running_timeout"`
	StaleBatchAge      time.Duration `mapstructure:"stale_batch_age"`
	Freshness          time.Duration `mapstructure:"freshness"`
	Schedule           string        `mapstructure:"schedule"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/scout.db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("pool.hourly_quota", 100)
	v.SetDefault("pool.cooldown", 15*time.Minute)
	v.SetDefault("pool.max_attempts", 3)
	v.SetDefault("dispatcher.poll_interval", 10*time.Second)
	v.SetDefault("dispatcher.concurrency", 5)
	v.SetDefault("dispatcher.fetch_limit", 20)
	v.SetDefault("dispatcher.shutdown_grace", 30*time.Second)
	v.SetDefault("batch.min_size", 10)
	v.SetDefault("batch.max_size", 100)
	v.SetDefault("batch.max_wait", 30*time.Minute)
	v.SetDefault("batch.poll_interval", time.Minute)
	v.SetDefault("inference.base_url", "https://api.openai.com/v1")
	v.SetDefault("inference.model", "gpt-4o-mini")
	v.SetDefault("inference.completion_window", "24h")
	v.SetDefault("scraper.backend", "session")
	v.SetDefault("maintenance.running_timeout", 30*time.Minute)
	v.SetDefault("maintenance.long_running_timeout", 26*time.Hour)
	v.SetDefault("maintenance.stale_batch_age", 30*time.Hour)
	v.SetDefault("maintenance.freshness", 7*24*time.Hour)
	v.SetDefault("maintenance.schedule", "@every 5m")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "scout-avatars")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("inference.api_key", "OPENAI_API_KEY")
	v.BindEnv("inference.base_url", "OPENAI_BASE_URL")
	v.BindEnv("inference.model", "INFERENCE_MODEL")
	v.BindEnv("scraper.proxy_api.api_key", "PROXY_API_KEY")
	v.BindEnv("scraper.proxy_api.base_url", "PROXY_API_BASE_URL")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("pool.accounts_env", "POOL_ACCOUNTS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// POOL_ACCOUNTS overrides the account list from the config file so
	// credentials never need to live on disk.
	if env := v.GetString("pool.accounts_env"); env != "" {
		accounts, err := ParseAccountsEnv(env)
		if err != nil {
			return nil, err
		}
		cfg.Pool.Accounts = accounts
	}

	return &cfg, nil
}

// ParseAccountsEnv parses the POOL_ACCOUNTS environment variable, a
// comma-separated list of "name:username:password[:proxy]" entries.
func ParseAccountsEnv(s string) ([]AccountConfig, error) {
	var accounts []AccountConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) < 3 {
			return nil, fmt.Errorf("invalid POOL_ACCOUNTS entry %q: want name:username:password[:proxy]", redactEntry(entry))
		}
		acct := AccountConfig{
			Name:     parts[0],
			Username: parts[1],
			Password: parts[2],
		}
		if len(parts) == 4 {
			acct.Proxy = parts[3]
		}
		accounts = append(accounts, acct)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("POOL_ACCOUNTS set but contained no accounts")
	}
	return accounts, nil
}

// redactEntry keeps only the account name so a malformed entry can be
// reported without leaking its password.
func redactEntry(entry string) string {
	if idx := strings.Index(entry, ":"); idx != -1 {
		return entry[:idx] + ":***"
	}
	return entry
}

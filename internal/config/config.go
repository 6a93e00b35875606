package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MailSync MailSyncConfig `mapstructure:"mail_sync"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Debug    bool   `mapstructure:"debug"`
	Timezone string `mapstructure:"timezone"`
	// SystemDomains are domains owned by the platform itself. Mail originating
	// from them is never allowed to create tickets.
	SystemDomains []string `mapstructure:"system_domains"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// LockPrefix namespaces the per-mailbox single-flight sync locks.
	LockPrefix string        `mapstructure:"lock_prefix"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

type MailSyncConfig struct {
	// Schedule is a cron expression (with seconds) for the sync sweep.
	Schedule string `mapstructure:"schedule"`
	// ProviderBaseURL points at the mailbox provider REST API.
	ProviderBaseURL string        `mapstructure:"provider_base_url"`
	TokenURL        string        `mapstructure:"token_url"`
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	// RefreshWindow is how close to expiry a token is refreshed proactively.
	RefreshWindow   time.Duration `mapstructure:"refresh_window"`
	ProcessedFolder string        `mapstructure:"processed_folder"`
	BatchLimit      int           `mapstructure:"batch_limit"`
	// HousekeepEvery runs mapping housekeeping every Nth sync cycle.
	HousekeepEvery int `mapstructure:"housekeep_every"`
	// HousekeepWindow bounds the subject-consistency scan to recent mappings.
	HousekeepWindow time.Duration `mapstructure:"housekeep_window"`
}

type StorageConfig struct {
	// Backend selects where offloaded comment content lives: s3 or database.
	Backend string        `mapstructure:"backend"`
	S3      S3Config      `mapstructure:"s3"`
	Offload OffloadConfig `mapstructure:"offload"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	KeyPrefix string `mapstructure:"key_prefix"`
	PublicURL string `mapstructure:"public_url"`
}

// OffloadConfig holds the tunable thresholds that decide when comment HTML is
// moved to object storage instead of being stored inline.
type OffloadConfig struct {
	MaxInlineBytes   int  `mapstructure:"max_inline_bytes"`
	MaxInlineStyles  int  `mapstructure:"max_inline_styles"`
	MaxSignatureHits int  `mapstructure:"max_signature_hits"`
	AlwaysOffload    bool `mapstructure:"always_offload"`
}

type SecretsConfig struct {
	// Key is a 32-byte hex key used to seal refresh tokens at rest.
	Key string `mapstructure:"key"`
}

// Load initializes the configuration with hot reload support
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := viper.New()
		v.SetConfigType("yaml")

		v.SetConfigName("default")
		v.AddConfigPath(configPath)
		if err = v.ReadInConfig(); err != nil {
			err = fmt.Errorf("failed to read default config: %w", err)
			return
		}

		// Environment-specific overrides are optional.
		v.SetConfigName("config")
		if err = v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to merge config: %w", err)
				return
			}
			err = nil
		}

		v.SetEnvPrefix("OPENDESK")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}
		applyDefaults(cfg)

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			mu.Lock()
			defer mu.Unlock()
			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				fmt.Printf("Failed to reload config: %v\n", err)
				return
			}
			applyDefaults(newCfg)
			cfg = newCfg
		})
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if cfg == nil {
		c := &Config{}
		applyDefaults(c)
		return c
	}
	return cfg
}

// Set replaces the configuration. Intended for tests.
func Set(c *Config) {
	mu.Lock()
	defer mu.Unlock()
	applyDefaults(c)
	cfg = c
}

func applyDefaults(c *Config) {
	if c == nil {
		return
	}
	if c.App.Name == "" {
		c.App.Name = "opendesk"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Redis.LockPrefix == "" {
		c.Redis.LockPrefix = "opendesk:sync:lock:"
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 10 * time.Minute
	}
	if c.MailSync.Schedule == "" {
		c.MailSync.Schedule = "0 */1 * * * *"
	}
	if c.MailSync.CallTimeout == 0 {
		c.MailSync.CallTimeout = 30 * time.Second
	}
	if c.MailSync.RefreshWindow == 0 {
		c.MailSync.RefreshWindow = 5 * time.Minute
	}
	if c.MailSync.ProcessedFolder == "" {
		c.MailSync.ProcessedFolder = "Processed"
	}
	if c.MailSync.BatchLimit == 0 {
		c.MailSync.BatchLimit = 50
	}
	if c.MailSync.HousekeepEvery == 0 {
		c.MailSync.HousekeepEvery = 10
	}
	if c.MailSync.HousekeepWindow == 0 {
		c.MailSync.HousekeepWindow = 72 * time.Hour
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "database"
	}
	if c.Storage.Offload.MaxInlineBytes == 0 {
		c.Storage.Offload.MaxInlineBytes = 64 * 1024
	}
	if c.Storage.Offload.MaxInlineStyles == 0 {
		c.Storage.Offload.MaxInlineStyles = 40
	}
	if c.Storage.Offload.MaxSignatureHits == 0 {
		c.Storage.Offload.MaxSignatureHits = 3
	}
}

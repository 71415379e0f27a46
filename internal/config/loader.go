package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rpattn/contactsync/internal/db"
	"github.com/spf13/viper"
)

const envPrefix = "CONTACTSYNC"

// Environment names accepted in the environment key.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Storage drivers.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	Environment string           `mapstructure:"environment" validate:"oneof=development production test"`
	Database    db.Config        `mapstructure:"database"`
	Storage     StorageConfig    `mapstructure:"storage"`
	Normalizer  NormalizerConfig `mapstructure:"normalizer"`
	RunPolicy   RunPolicyConfig  `mapstructure:"run_policy"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Server      ServerConfig     `mapstructure:"server"`
	Log         LogConfig        `mapstructure:"log"`
}

type StorageConfig struct {
	Driver  string        `mapstructure:"driver" validate:"oneof=postgres memory"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type NormalizerConfig struct {
	DefaultRegion  string `mapstructure:"default_region" validate:"len=2,uppercase"`
	MinPhoneDigits int    `mapstructure:"min_phone_digits" validate:"min=1,max=15"`
}

type RunPolicyConfig struct {
	ErrorThreshold      float64 `mapstructure:"error_threshold" validate:"gt=0,lte=1"`
	DowngradesAsWarning bool    `mapstructure:"downgrades_as_warning"`
}

// KafkaConfig leaves Brokers empty to disable event publishing.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers" validate:"dive,hostname_port"`
	ContactTopic string   `mapstructure:"contact_topic" validate:"required"`
	RunTopic     string   `mapstructure:"run_topic" validate:"required"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr" validate:"required"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Development reports whether strict development checks are enabled.
func (c Config) Development() bool {
	return c.Environment == EnvDevelopment
}

// Default returns the configuration used when no file or env override is present.
func Default() Config {
	return Config{
		Environment: EnvProduction,
		Database:    db.DefaultConfig(),
		Storage: StorageConfig{
			Driver:  StorageDriverPostgres,
			Timeout: 5 * time.Second,
		},
		Normalizer: NormalizerConfig{
			DefaultRegion:  "FR",
			MinPhoneDigits: 8,
		},
		RunPolicy: RunPolicyConfig{
			ErrorThreshold: 1.0,
		},
		Kafka: KafkaConfig{
			ContactTopic: "contacts.inserted",
			RunTopic:     "ingestion.runs",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads config.yaml from configPath (optional), applies CONTACTSYNC_*
// environment overrides and validates the result. The returned bool reports
// whether a config file was found.
func Load(configPath string) (Config, bool, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, false, fmt.Errorf("failed to read config: %w", err)
		}
		found = false
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, found, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalizer.DefaultRegion = strings.ToUpper(strings.TrimSpace(cfg.Normalizer.DefaultRegion))
	if err := Validate(cfg); err != nil {
		return Config{}, found, err
	}
	return cfg, found, nil
}

// Validate checks the struct tags of cfg.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("environment", cfg.Environment)

	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.user", cfg.Database.User)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.dbname", cfg.Database.DBName)
	v.SetDefault("database.sslmode", cfg.Database.SSLMode)
	v.SetDefault("database.max_conns", cfg.Database.MaxConns)
	v.SetDefault("database.statement_timeout", cfg.Database.StatementTimeout)

	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.timeout", cfg.Storage.Timeout)

	v.SetDefault("normalizer.default_region", cfg.Normalizer.DefaultRegion)
	v.SetDefault("normalizer.min_phone_digits", cfg.Normalizer.MinPhoneDigits)

	v.SetDefault("run_policy.error_threshold", cfg.RunPolicy.ErrorThreshold)
	v.SetDefault("run_policy.downgrades_as_warning", cfg.RunPolicy.DowngradesAsWarning)

	v.SetDefault("kafka.brokers", cfg.Kafka.Brokers)
	v.SetDefault("kafka.contact_topic", cfg.Kafka.ContactTopic)
	v.SetDefault("kafka.run_topic", cfg.Kafka.RunTopic)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

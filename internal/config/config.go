package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Log       Log       `mapstructure:"log"       validate:"required"`
	Telemetry Telemetry `mapstructure:"telemetry" validate:"required"`
	SAT       SAT       `mapstructure:"sat"       validate:"required"`
	Poll      Poll      `mapstructure:"poll"      validate:"required"`
	Download  Download  `mapstructure:"download"  validate:"required"`
	Parse     Parse     `mapstructure:"parse"`
	Store     Store     `mapstructure:"store"`
	Cancel    Cancel    `mapstructure:"cancel"`
	Archive   Archive   `mapstructure:"archive"`
	Status    Status    `mapstructure:"status"`
}

type Log struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogDir   string `mapstructure:"log_dir"`
}

type Telemetry struct {
	Enabled     bool              `mapstructure:"enabled"`
	Exporter    string            `mapstructure:"exporter"     validate:"omitempty,oneof=otlp stdout none"`
	Endpoint    string            `mapstructure:"endpoint"`
	Protocol    string            `mapstructure:"protocol"     validate:"omitempty,oneof=grpc http"`
	Insecure    bool              `mapstructure:"insecure"`
	Headers     map[string]string `mapstructure:"headers"`
	ServiceName string            `mapstructure:"service_name"`
}

// SAT describes the signing gateway that fronts the SAT bulk-download web services.
type SAT struct {
	BaseURL   string        `mapstructure:"base_url"   validate:"required,url"`
	Timeout   time.Duration `mapstructure:"timeout"    validate:"required,gt=0"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int           `mapstructure:"rate_burst" validate:"min=1"`
}

type Poll struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"required,gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval"     validate:"required,gtefield=InitialInterval"`
	MaxAttempts     int           `mapstructure:"max_attempts"     validate:"min=1,max=1000"`
	MaxWait         time.Duration `mapstructure:"max_wait"         validate:"required,gt=0"`
}

type Download struct {
	Directory  string `mapstructure:"directory"   validate:"required"`
	MaxRetries int    `mapstructure:"max_retries" validate:"min=0,max=10"`
	Workers    int    `mapstructure:"workers"     validate:"min=1,max=16"`
}

type Parse struct {
	Mode string `mapstructure:"mode" validate:"oneof=regex xml"`
}

type Store struct {
	Driver   string   `mapstructure:"driver"   validate:"oneof=memory postgres"`
	Postgres Postgres `mapstructure:"postgres"`
}

type Postgres struct {
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections" validate:"min=1,max=200"`
}

type Cancel struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory redis"`
	Redis  Redis  `mapstructure:"redis"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type Archive struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"   validate:"required_if=Enabled true"`
	Bucket    string `mapstructure:"bucket"     validate:"required_if=Enabled true"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type Status struct {
	LogLimit int `mapstructure:"log_limit" validate:"min=1,max=5000"`
}

// Load merges, lowest precedence first: defaults, the config file, .env and
// SAT_* environment variables, then flags that were set. Flag names map to
// keys by replacing "-" with "_" (telemetry.service-name → telemetry.service_name).
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvPrefix("SAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sat-processor")
		v.AddConfigPath("/etc/sat-processor")
		v.SetConfigType("yaml")
	}

	setDefaults(v)
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal error: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file, env or flag overrides it.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.log_level", "info")
	v.SetDefault("log.log_dir", "logs")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.protocol", "grpc")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "sat-processor")
	v.SetDefault("sat.base_url", "http://localhost:8089")
	v.SetDefault("sat.timeout", 60*time.Second)
	v.SetDefault("sat.rate_limit", 2.0)
	v.SetDefault("sat.rate_burst", 1)
	v.SetDefault("poll.initial_interval", 30*time.Second)
	v.SetDefault("poll.max_interval", 5*time.Minute)
	v.SetDefault("poll.max_attempts", 40)
	v.SetDefault("poll.max_wait", 2*time.Hour)
	v.SetDefault("download.directory", os.TempDir()+"/sat-processor")
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.workers", 1)
	v.SetDefault("parse.mode", "regex")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.postgres.max_connections", 10)
	v.SetDefault("cancel.driver", "memory")
	v.SetDefault("cancel.redis.addr", "localhost:6379")
	v.SetDefault("status.log_limit", 200)
}

func Validate(cfg Config) error {
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Exporter == "otlp" && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when using otlp exporter")
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn is required when store.driver is postgres")
	}
	if cfg.Cancel.Driver == "redis" && cfg.Cancel.Redis.Addr == "" {
		return fmt.Errorf("cancel.redis.addr is required when cancel.driver is redis")
	}
	return nil
}

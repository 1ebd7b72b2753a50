package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/spf13/viper"
)

// AuthMode selects how the session manager bootstraps without saved state.
type AuthMode string

const (
	AuthModeAccount AuthMode = "account"
	AuthModeToken   AuthMode = "token"
)

// Store backends.
const (
	StoreBolt   = "bolt"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Config holds application configuration
type Config struct {
	LogLevel string
	Server   ServerConfig
	Navien   NavienConfig
	Vendor   VendorConfig
	Store    StoreConfig
	MongoDB  MongoDBConfig
	Redis    RedisConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	APIToken     string
	RPS          float64
	Burst        int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NavienConfig is the read-only account snapshot the session manager
// bootstraps from and validates saved state against.
type NavienConfig struct {
	AuthMode      AuthMode
	Username      string
	Password      string
	RefreshToken  string
	AccountSeq    int64
	VerifySession bool
}

type VendorConfig struct {
	LoginURL       string
	APIURL         string
	IoTEndpoint    string
	IoTRegion      string
	UserAgent      string
	RequestTimeout time.Duration
	RPS            float64
	Burst          int
}

type StoreConfig struct {
	Backend string
	Path    string
	Prefix  string
}

type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"

// LoadConfig loads configuration from .env, the environment, and the optional
// file named by CONFIG_FILE (json, yaml or toml).
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env")
	return Load(viper.New(), os.Getenv("CONFIG_FILE"))
}

// Load reads configuration through v. Keys are dotted (navien.username) and
// map to env vars with dots replaced by underscores (NAVIEN_USERNAME).
func Load(v *viper.Viper, file string) (*Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("server.port", "5080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("bridge.rps", 10)
	v.SetDefault("bridge.burst", 20)
	v.SetDefault("navien.auth_mode", string(AuthModeAccount))
	v.SetDefault("navien.verify_session", false)
	v.SetDefault("vendor.login_url", "https://member.naviensmartcontrol.com")
	v.SetDefault("vendor.api_url", "https://api.naviensmartcontrol.com/api/v2")
	v.SetDefault("vendor.iot_endpoint", "a1t30mldyslmuq-ats.iot.ap-northeast-2.amazonaws.com")
	v.SetDefault("vendor.iot_region", "ap-northeast-2")
	v.SetDefault("vendor.user_agent", defaultUserAgent)
	v.SetDefault("vendor.timeout_seconds", 15)
	v.SetDefault("vendor.rps", 5)
	v.SetDefault("vendor.burst", 5)
	v.SetDefault("store.backend", StoreBolt)
	v.SetDefault("store.path", "./data/navien.db")
	v.SetDefault("store.prefix", "navien:")
	v.SetDefault("mongodb.database", "navibridge")
	v.SetDefault("mongodb.timeout", 10)
	v.SetDefault("redis.port", "6379")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrapf(err, "read config file %s", file)
		}
	}

	cfg := &Config{
		LogLevel: v.GetString("log.level"),
		Server: ServerConfig{
			Port:         v.GetString("server.port"),
			Host:         v.GetString("server.host"),
			APIToken:     v.GetString("bridge.api_token"),
			RPS:          v.GetFloat64("bridge.rps"),
			Burst:        v.GetInt("bridge.burst"),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Navien: NavienConfig{
			AuthMode:      AuthMode(strings.ToLower(strings.TrimSpace(v.GetString("navien.auth_mode")))),
			Username:      v.GetString("navien.username"),
			Password:      v.GetString("navien.password"),
			RefreshToken:  v.GetString("navien.refresh_token"),
			AccountSeq:    v.GetInt64("navien.account_seq"),
			VerifySession: v.GetBool("navien.verify_session"),
		},
		Vendor: VendorConfig{
			LoginURL:       strings.TrimRight(v.GetString("vendor.login_url"), "/"),
			APIURL:         strings.TrimRight(v.GetString("vendor.api_url"), "/"),
			IoTEndpoint:    v.GetString("vendor.iot_endpoint"),
			IoTRegion:      v.GetString("vendor.iot_region"),
			UserAgent:      v.GetString("vendor.user_agent"),
			RequestTimeout: time.Duration(v.GetInt("vendor.timeout_seconds")) * time.Second,
			RPS:            v.GetFloat64("vendor.rps"),
			Burst:          v.GetInt("vendor.burst"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(v.GetString("store.backend")),
			Path:    v.GetString("store.path"),
			Prefix:  v.GetString("store.prefix"),
		},
		MongoDB: MongoDBConfig{
			URI:      v.GetString("mongodb.uri"),
			Database: v.GetString("mongodb.database"),
			Timeout:  time.Duration(v.GetInt("mongodb.timeout")) * time.Second,
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}
	return cfg, nil
}

// Validate checks the fields required by the selected auth mode and store.
// The returned error is a *errors.ConfigurationError naming the property.
func (c *Config) Validate() error {
	if err := c.Navien.Validate(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case StoreBolt:
		if c.Store.Path == "" {
			return apperrors.EmptyConfig("store.path")
		}
	case StoreRedis:
		if c.Redis.Host == "" {
			return apperrors.EmptyConfig("redis.host")
		}
	case StoreMongo:
		if c.MongoDB.URI == "" {
			return apperrors.EmptyConfig("mongodb.uri")
		}
	case StoreMemory:
	default:
		return apperrors.InvalidConfig("store.backend", c.Store.Backend, "bolt, redis, mongo or memory")
	}
	return nil
}

// Validate checks the account snapshot alone.
func (n NavienConfig) Validate() error {
	if n.Username == "" {
		return apperrors.EmptyConfig("username")
	}
	switch n.AuthMode {
	case AuthModeAccount:
		if n.Password == "" {
			return apperrors.EmptyConfig("password")
		}
	case AuthModeToken:
		if n.AccountSeq == 0 {
			return apperrors.EmptyConfig("accountSeq")
		}
		if n.RefreshToken == "" {
			return apperrors.EmptyConfig("refreshToken")
		}
	default:
		return apperrors.InvalidConfig("authMode", n.AuthMode, "account or token")
	}
	return nil
}

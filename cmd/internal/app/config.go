package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "SIGNALHUB"

// ErrConfig wraps every configuration error.
var ErrConfig = errors.New("invalid config")

// Config contains all runtime configuration. Every field maps to
// SIGNALHUB_<KEY> in the environment, or <key> in the optional config file.
type Config struct {
	Env      string `mapstructure:"env"`
	HTTPAddr string `mapstructure:"http_addr"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	ReadHeaderTimeout time.Duration `mapstructure:"http_read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"http_read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"http_write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"http_idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"http_shutdown_timeout"`
	MaxHeaderBytes    int           `mapstructure:"http_max_header_bytes"`
	MaxBodyBytes      int64         `mapstructure:"http_max_body_bytes"`
	TrustProxy        bool          `mapstructure:"trust_proxy"`

	CORSAllowedOrigins   []string `mapstructure:"cors_allowed_origins"`
	CORSAllowCredentials bool     `mapstructure:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `mapstructure:"cors_max_age_seconds"`

	// DatabaseURL selects Postgres persistence. Empty runs every store in
	// memory, which is only fit for development and a single replica.
	DatabaseURL        string `mapstructure:"database_url"`
	DBMaxConns         int32  `mapstructure:"db_max_conns"`
	DBMinConns         int32  `mapstructure:"db_min_conns"`
	MigrateOnStart     bool   `mapstructure:"migrate_on_start"`
	ReadinessRequireDB bool   `mapstructure:"readiness_require_db"`

	// RedisAddr selects the shared rate-limit store. Empty keeps counters in
	// process memory.
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	RedisKeyPrefix string `mapstructure:"redis_key_prefix"`

	KafkaBrokers    []string `mapstructure:"kafka_brokers"`
	KafkaAlertTopic string   `mapstructure:"kafka_alert_topic"`

	// MasterKey is the root secret every signing and hashing key is derived
	// from. At least 32 bytes.
	MasterKey   string `mapstructure:"master_key"`
	InternalKey string `mapstructure:"internal_key"`

	TokenIssuer       string        `mapstructure:"token_issuer"`
	TokenAudience     string        `mapstructure:"token_audience"`
	AccessTokenTTL    time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `mapstructure:"refresh_token_ttl"`
	FamilyMaxLifetime time.Duration `mapstructure:"family_max_lifetime"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`

	ReplayRevokesAllSessions bool `mapstructure:"replay_revokes_all_sessions"`

	RateLimitAuthPerMinute  int           `mapstructure:"ratelimit_auth_per_minute"`
	RateLimitAdminPerMinute int           `mapstructure:"ratelimit_admin_per_minute"`
	RateLimitAPIPerMinute   int           `mapstructure:"ratelimit_api_per_minute"`
	RateLimitPenalty        time.Duration `mapstructure:"ratelimit_penalty"`

	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
	PurgeInterval     time.Duration `mapstructure:"purge_interval"`

	WSAllowedOrigins []string `mapstructure:"ws_allowed_origins"`
	WSDevInsecure    bool     `mapstructure:"ws_dev_insecure"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("http_addr", "0.0.0.0:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("http_read_header_timeout", 5*time.Second)
	v.SetDefault("http_read_timeout", 15*time.Second)
	v.SetDefault("http_write_timeout", 15*time.Second)
	v.SetDefault("http_idle_timeout", 60*time.Second)
	v.SetDefault("http_shutdown_timeout", 10*time.Second)
	v.SetDefault("http_max_header_bytes", 1<<20)
	v.SetDefault("http_max_body_bytes", 1<<20)
	v.SetDefault("trust_proxy", false)

	v.SetDefault("cors_allowed_origins", []string{})
	v.SetDefault("cors_allow_credentials", false)
	v.SetDefault("cors_max_age_seconds", 600)

	v.SetDefault("database_url", "")
	v.SetDefault("db_max_conns", 10)
	v.SetDefault("db_min_conns", 0)
	v.SetDefault("migrate_on_start", false)
	v.SetDefault("readiness_require_db", false)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_key_prefix", "signalhub:rl")

	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_alert_topic", "signalhub.security-alerts")

	v.SetDefault("master_key", "")
	v.SetDefault("internal_key", "")

	v.SetDefault("token_issuer", "signalhub")
	v.SetDefault("token_audience", "signalhub-api")
	v.SetDefault("access_token_ttl", 15*time.Minute)
	v.SetDefault("refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("family_max_lifetime", 30*24*time.Hour)
	v.SetDefault("session_ttl", 30*24*time.Hour)
	v.SetDefault("replay_revokes_all_sessions", false)

	v.SetDefault("ratelimit_auth_per_minute", 10)
	v.SetDefault("ratelimit_admin_per_minute", 100)
	v.SetDefault("ratelimit_api_per_minute", 120)
	v.SetDefault("ratelimit_penalty", 5*time.Minute)

	v.SetDefault("scheduler_interval", 5*time.Second)
	v.SetDefault("purge_interval", 10*time.Minute)

	v.SetDefault("ws_allowed_origins", []string{})
	v.SetDefault("ws_dev_insecure", false)

	v.SetDefault("metrics_enabled", true)
}

// LoadConfig reads configuration from the environment and, when
// SIGNALHUB_CONFIG_FILE is set, from that file first. Environment values win.
func LoadConfig() (Config, error) {
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.BindEnv("config_file"); err != nil {
		return Config{}, err
	}
	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.CORSAllowedOrigins = splitList(cfg.CORSAllowedOrigins)
	cfg.WSAllowedOrigins = splitList(cfg.WSAllowedOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Production reports whether the process runs with production policy.
func (c Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// Validate checks cross-field rules that the component configs cannot see.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.HTTPAddr) == "":
		return fmt.Errorf("%w: http_addr must be set", ErrConfig)
	case c.LogFormat != "json" && c.LogFormat != "text":
		return fmt.Errorf("%w: log_format must be json or text", ErrConfig)
	case c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns):
		return fmt.Errorf("%w: db_min_conns out of range", ErrConfig)
	case c.ReadinessRequireDB && c.DatabaseURL == "":
		return fmt.Errorf("%w: readiness_require_db needs database_url", ErrConfig)
	case c.MigrateOnStart && c.DatabaseURL == "":
		return fmt.Errorf("%w: migrate_on_start needs database_url", ErrConfig)
	case len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaAlertTopic) == "":
		return fmt.Errorf("%w: kafka_alert_topic must be set with kafka_brokers", ErrConfig)
	case c.SchedulerInterval <= 0 || c.PurgeInterval <= 0:
		return fmt.Errorf("%w: scheduler and purge intervals must be positive", ErrConfig)
	}
	return ValidateSecurityConfig(c)
}

// splitList flattens comma-separated entries and drops blanks; env values
// arrive as one element.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Package config loads the integration manager configuration
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/spf13/viper"
)

// ErrConfigMissing is returned when a required option is absent or invalid
var ErrConfigMissing = errors.New("configuration missing")

// Config holds all configuration for the integration manager
type Config struct {
	Boot         BootConfig              `mapstructure:"boot"`
	Log          observability.LogConfig `mapstructure:"$log"`
	Polling      PollingConfig           `mapstructure:"polling"`
	Refresh      RefreshConfig           `mapstructure:"refresh"`
	TCP          TCPConfig               `mapstructure:"tcp"`
	Manufacturer ManufacturerConfig      `mapstructure:"manufacturer"`
	ThreadPool   ThreadPoolConfig        `mapstructure:"thread_pool"`
	Platform     PlatformConfig          `mapstructure:"platform"`
	Dispatch     DispatchConfig          `mapstructure:"dispatch"`
	MQTT         MQTTConfig              `mapstructure:"mqtt"`
	Vendor       VendorConfig            `mapstructure:"vendor"`
	Access       AccessConfig            `mapstructure:"access"`
	Service      ServiceConfig           `mapstructure:"service"`
}

// BootConfig is the `boot` section
type BootConfig struct {
	Rest      RestConfig    `mapstructure:"rest"`
	HTTP      HTTPConfig    `mapstructure:"http"`
	Redis     RedisConfig   `mapstructure:"redis"`
	TLS       TLSConfig     `mapstructure:"tls"`
	Modules   ModulesConfig `mapstructure:"modules"`
	KeepAlive int           `mapstructure:"keep_alive"`
}

type RestConfig struct {
	Credentials PlatformCredentials `mapstructure:"credentials"`
}

// PlatformCredentials are the manager's own OAuth client settings
type PlatformCredentials struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Server       string `mapstructure:"server"`
	GrantType    string `mapstructure:"grant_type"`
	Scope        string `mapstructure:"scope"`
	Version      string `mapstructure:"version"`
}

type HTTPConfig struct {
	Public string `mapstructure:"public"`
	Bind   string `mapstructure:"bind"`
}

type RedisConfig struct {
	Managers RedisManagersConfig `mapstructure:"managers"`
}

type RedisManagersConfig struct {
	Bind     string `mapstructure:"bind"`
	DB       string `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

type TLSConfig struct {
	Cert string `mapstructure:"cert"`
}

type ModulesConfig struct {
	// name of the registered adapter implementation
	SkeletonImplementation string `mapstructure:"skeleton_implementation"`
}

type PollingConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	RateLimit       float64 `mapstructure:"rate_limit"`
}

type RefreshConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	IntervalSeconds      int     `mapstructure:"interval_seconds"`
	RateLimit            float64 `mapstructure:"rate_limit"`
	BeforeExpiresSeconds int64   `mapstructure:"before_expires_seconds"`
	UpdateOwners         bool    `mapstructure:"update_owners"`
	PoolSize             int     `mapstructure:"pool_size"`
	SafetyMarginSeconds  int64   `mapstructure:"safety_margin_seconds"`
}

type TCPConfig struct {
	IPAddress         string `mapstructure:"ip_address"`
	Port              int    `mapstructure:"port"`
	ConnectionTimeout int    `mapstructure:"connection_timeout"`
	DataLength        int    `mapstructure:"data_length"`
	ThreadPoolLimit   int    `mapstructure:"thread_pool_limit"`
}

type ManufacturerConfig struct {
	Credentials map[string]AppCredentials `mapstructure:"credentials"`
	Rest        map[string]interface{}    `mapstructure:"rest"`
}

// AppCredentials are the vendor-side credentials of one application client
type AppCredentials struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
}

type ThreadPoolConfig struct {
	SleepTime  time.Duration `mapstructure:"sleep_time"`
	ThreadName string        `mapstructure:"thread_name"`
	Workers    int           `mapstructure:"workers"`
}

type PlatformConfig struct {
	RenewBefore   time.Duration `mapstructure:"renew_before"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type DispatchConfig struct {
	Workers           int           `mapstructure:"workers"`
	BatchSize         int           `mapstructure:"batch_size"`
	MinWait           time.Duration `mapstructure:"min_wait"`
	InboundCapacity   int           `mapstructure:"inbound_capacity"`
	OutboundCapacity  int           `mapstructure:"outbound_capacity"`
	PublishRate       float64       `mapstructure:"publish_rate"`
	HeartbeatProperty string        `mapstructure:"heartbeat_property"`
}

type MQTTConfig struct {
	Topic             string        `mapstructure:"topic"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
}

type VendorConfig struct {
	Timeout        time.Duration        `mapstructure:"timeout"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// AccessConfig overrides the strings published on the access property
type AccessConfig struct {
	Values map[string]string `mapstructure:"values"`
}

type ServiceConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from path (or the search paths when empty),
// the environment and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("integration-manager")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/integration-manager")
	}

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("boot.rest.credentials.grant_type", "client_credentials")
	v.SetDefault("boot.rest.credentials.version", "v3")
	v.SetDefault("boot.http.bind", "0.0.0.0:8080")
	v.SetDefault("boot.redis.managers.bind", "localhost:6379")
	v.SetDefault("boot.modules.skeleton_implementation", "oauthrest")
	v.SetDefault("boot.keep_alive", 0)

	v.SetDefault("$log.level", 3)
	v.SetDefault("$log.format", "json")

	v.SetDefault("polling.enabled", false)
	v.SetDefault("polling.interval_seconds", 60)
	v.SetDefault("polling.rate_limit", 5)

	v.SetDefault("refresh.enabled", false)
	v.SetDefault("refresh.interval_seconds", 60)
	v.SetDefault("refresh.rate_limit", 5)
	v.SetDefault("refresh.before_expires_seconds", 600)
	v.SetDefault("refresh.update_owners", false)
	v.SetDefault("refresh.pool_size", 2)
	v.SetDefault("refresh.safety_margin_seconds", 60)

	v.SetDefault("tcp.ip_address", "0.0.0.0")
	v.SetDefault("tcp.port", 0)
	v.SetDefault("tcp.connection_timeout", 10)
	v.SetDefault("tcp.data_length", 1024)
	v.SetDefault("tcp.thread_pool_limit", 16)

	v.SetDefault("thread_pool.sleep_time", "1s")
	v.SetDefault("thread_pool.thread_name", "task-pool")
	v.SetDefault("thread_pool.workers", 2)

	v.SetDefault("platform.renew_before", "48h")
	v.SetDefault("platform.retry_interval", "10s")
	v.SetDefault("platform.timeout", "30s")

	v.SetDefault("dispatch.workers", 1)
	v.SetDefault("dispatch.batch_size", 10)
	v.SetDefault("dispatch.min_wait", "100ms")
	v.SetDefault("dispatch.inbound_capacity", 1024)
	v.SetDefault("dispatch.outbound_capacity", 1024)
	v.SetDefault("dispatch.publish_rate", 100)
	v.SetDefault("dispatch.heartbeat_property", "heartbeat")

	v.SetDefault("mqtt.topic", "managers")
	v.SetDefault("mqtt.reconnect_interval", "5s")
	v.SetDefault("mqtt.connect_timeout", "30s")

	v.SetDefault("vendor.timeout", "30s")
	v.SetDefault("vendor.circuit_breaker.max_requests", 5)
	v.SetDefault("vendor.circuit_breaker.interval", "60s")
	v.SetDefault("vendor.circuit_breaker.timeout", "30s")
	v.SetDefault("vendor.circuit_breaker.failure_ratio", 0.6)

	v.SetDefault("service.shutdown_timeout", "30s")
}

func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("IM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("boot.rest.credentials.client_secret", "IM_CLIENT_SECRET")
	_ = v.BindEnv("boot.redis.managers.bind", "REDIS_ADDR")
	_ = v.BindEnv("boot.redis.managers.password", "REDIS_PASSWORD")
	_ = v.BindEnv("$log.level", "LOG_LEVEL")
}

func validate(cfg *Config) error {
	creds := cfg.Boot.Rest.Credentials
	required := map[string]string{
		"boot.rest.credentials.client_id":     creds.ClientID,
		"boot.rest.credentials.client_secret": creds.ClientSecret,
		"boot.rest.credentials.server":        creds.Server,
		"boot.http.public":                    cfg.Boot.HTTP.Public,
		"boot.redis.managers.db":              cfg.Boot.Redis.Managers.DB,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("%w: %s", ErrConfigMissing, key)
		}
	}

	if _, err := url.ParseRequestURI(cfg.Boot.HTTP.Public); err != nil {
		return fmt.Errorf("%w: boot.http.public is not a URL: %v", ErrConfigMissing, err)
	}

	if cfg.Log.Level < observability.MinLevel || cfg.Log.Level > observability.MaxLevel {
		return fmt.Errorf("%w: $log.level must be within 0..9, got %d", ErrConfigMissing, cfg.Log.Level)
	}

	if cfg.Polling.Enabled && cfg.Polling.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: polling.interval_seconds must be positive", ErrConfigMissing)
	}
	if cfg.Refresh.Enabled && cfg.Refresh.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: refresh.interval_seconds must be positive", ErrConfigMissing)
	}
	if cfg.Dispatch.Workers <= 0 {
		return fmt.Errorf("%w: dispatch.workers must be positive", ErrConfigMissing)
	}

	return nil
}

// APIVersion returns the prefix used for topics and webhook routes
func (c *Config) APIVersion() string {
	return strings.Trim(c.Boot.Rest.Credentials.Version, "/")
}

// AppCredentials looks up the vendor credentials configured for an application
// client. Viper lowercases map keys, so the lookup is case-insensitive.
func (c *Config) AppCredentials(client string) (AppCredentials, bool) {
	if creds, ok := c.Manufacturer.Credentials[client]; ok {
		return creds, true
	}
	creds, ok := c.Manufacturer.Credentials[strings.ToLower(client)]
	return creds, ok
}

// KeepAlive returns the watchdog interval, zero when disabled
func (c *Config) KeepAlive() time.Duration {
	return time.Duration(c.Boot.KeepAlive) * time.Second
}

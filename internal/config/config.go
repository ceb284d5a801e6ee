// Package config loads server configuration from a YAML file and PANTRY_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Channel names as they appear on the wire and in configuration.
const (
	ChannelObjectStore = "cfr2"
	ChannelRelay       = "telegram"
	ChannelS3          = "s3"
	ChannelExternal    = "external"
)

// Config holds all server configuration. It is loaded once at startup and
// passed by pointer; nothing mutates it afterwards.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Cache      CacheConfig      `mapstructure:"cache"`
	GeoIP      GeoIPConfig      `mapstructure:"geoip"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	PublicURL       string        `mapstructure:"public_url" validate:"omitempty,url"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// TrustedProxies are the peers whose forwarding headers name the client.
	TrustedProxies []string `mapstructure:"trusted_proxies" validate:"dive,cidr|ip"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
	Output string `mapstructure:"output"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" validate:"required,min=16"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
}

type MetadataConfig struct {
	Type     string         `mapstructure:"type" validate:"oneof=badger postgres"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type QuotaConfig struct {
	// DefaultTotal applies to users without a quota record; <= 0 is unlimited.
	DefaultTotal      int64 `mapstructure:"default_total"`
	RequestsPerMinute int   `mapstructure:"requests_per_minute" validate:"gte=0"`
}

type UploadConfig struct {
	DefaultChannel  string `mapstructure:"default_channel" validate:"oneof=cfr2 telegram s3 external"`
	DefaultNameType string `mapstructure:"default_name_type" validate:"oneof=origin index short custom"`
	ShortIDAttempts int    `mapstructure:"short_id_attempts" validate:"gte=1"`
	MaxFolderDepth  int    `mapstructure:"max_folder_depth" validate:"gte=1"`
}

// ChannelsConfig describes every configured upload channel.
type ChannelsConfig struct {
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	S3          S3ChannelConfig   `mapstructure:"s3"`
	Relay       RelayConfig       `mapstructure:"relay"`
	External    ExternalConfig    `mapstructure:"external"`
}

type ObjectStoreConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend is "local" or "s3".
	Backend   string     `mapstructure:"backend" validate:"oneof=local s3"`
	LocalPath string     `mapstructure:"local_path"`
	S3        S3Endpoint `mapstructure:"s3"`
	// PublicURL is the base under which stored objects are publicly readable.
	PublicURL string `mapstructure:"public_url" validate:"omitempty,url"`
}

type S3ChannelConfig struct {
	Enabled     bool         `mapstructure:"enabled"`
	LoadBalance bool         `mapstructure:"load_balance"`
	CreateOnly  bool         `mapstructure:"create_only"`
	Endpoints   []S3Endpoint `mapstructure:"endpoints" validate:"dive"`
}

type S3Endpoint struct {
	Name      string `mapstructure:"name"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

type RelayConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	APIURL      string        `mapstructure:"api_url" validate:"omitempty,url"`
	LoadBalance bool          `mapstructure:"load_balance"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Bots        []RelayBot    `mapstructure:"bots" validate:"dive"`
}

type RelayBot struct {
	Name   string `mapstructure:"name"`
	Token  string `mapstructure:"token" validate:"required"`
	ChatID string `mapstructure:"chat_id" validate:"required"`
}

type ExternalConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ModerationConfig struct {
	Provider  string        `mapstructure:"provider" validate:"oneof=none moderatecontent nsfwjs"`
	Endpoint  string        `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize int           `mapstructure:"queue_size" validate:"gte=1"`
}

type CacheConfig struct {
	FileTTL   time.Duration `mapstructure:"file_ttl"`
	FileSize  int           `mapstructure:"file_size" validate:"gte=0"`
	ThumbSize int           `mapstructure:"thumb_size" validate:"gte=0"`
	Redis     RedisConfig   `mapstructure:"redis"`
	CDN       CDNConfig     `mapstructure:"cdn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type CDNConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	APIURL   string        `mapstructure:"api_url" validate:"omitempty,url"`
	ZoneID   string        `mapstructure:"zone_id"`
	APIToken string        `mapstructure:"api_token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type GeoIPConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

var validate = validator.New()

// Load reads configuration from path (optional) and the environment.
// Environment variables use the PANTRY_ prefix with dots replaced by
// underscores, e.g. PANTRY_AUTH_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("server.max_upload_size", 100*1024*1024)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("metadata.type", "badger")
	v.SetDefault("metadata.badger.dir", "/data/metadata")
	v.SetDefault("metadata.badger.in_memory", false)
	v.SetDefault("metadata.postgres.url", "")

	v.SetDefault("quota.default_total", 0)
	v.SetDefault("quota.requests_per_minute", 0)

	v.SetDefault("upload.default_channel", ChannelRelay)
	v.SetDefault("upload.default_name_type", "origin")
	v.SetDefault("upload.short_id_attempts", 10)
	v.SetDefault("upload.max_folder_depth", 3)

	v.SetDefault("channels.object_store.enabled", false)
	v.SetDefault("channels.object_store.backend", "local")
	v.SetDefault("channels.object_store.local_path", "/data/objects")
	v.SetDefault("channels.object_store.public_url", "")
	v.SetDefault("channels.s3.enabled", false)
	v.SetDefault("channels.s3.load_balance", false)
	v.SetDefault("channels.s3.create_only", false)
	v.SetDefault("channels.relay.enabled", false)
	v.SetDefault("channels.relay.api_url", "https://api.telegram.org")
	v.SetDefault("channels.relay.load_balance", false)
	v.SetDefault("channels.relay.timeout", 60*time.Second)
	v.SetDefault("channels.external.enabled", true)

	v.SetDefault("moderation.provider", "none")
	v.SetDefault("moderation.endpoint", "")
	v.SetDefault("moderation.api_key", "")
	v.SetDefault("moderation.timeout", 15*time.Second)
	v.SetDefault("moderation.workers", 2)
	v.SetDefault("moderation.queue_size", 256)

	v.SetDefault("cache.file_ttl", 5*time.Minute)
	v.SetDefault("cache.file_size", 4096)
	v.SetDefault("cache.thumb_size", 256)
	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.channel", "pantry:invalidate")
	v.SetDefault("cache.cdn.enabled", false)
	v.SetDefault("cache.cdn.api_url", "https://api.cloudflare.com/client/v4")
	v.SetDefault("cache.cdn.zone_id", "")
	v.SetDefault("cache.cdn.api_token", "")
	v.SetDefault("cache.cdn.timeout", 10*time.Second)

	v.SetDefault("geoip.database_path", "")
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if cfg.Metadata.Type == "postgres" && cfg.Metadata.Postgres.URL == "" {
		return errors.New("metadata.postgres.url is required when metadata.type is postgres")
	}
	if cfg.Metadata.Type == "badger" && cfg.Metadata.Badger.Dir == "" && !cfg.Metadata.Badger.InMemory {
		return errors.New("metadata.badger.dir is required unless in_memory is set")
	}
	if (cfg.Server.TLSCertFile == "") != (cfg.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}

	ch := cfg.Channels
	if ch.ObjectStore.Enabled && ch.ObjectStore.Backend == "s3" && ch.ObjectStore.S3.Bucket == "" {
		return errors.New("channels.object_store.s3.bucket is required for the s3 backend")
	}
	if ch.S3.Enabled {
		if len(ch.S3.Endpoints) == 0 {
			return errors.New("channels.s3.endpoints: at least one endpoint is required")
		}
		for i, ep := range ch.S3.Endpoints {
			if ep.Bucket == "" {
				return fmt.Errorf("channels.s3.endpoints[%d].bucket is required", i)
			}
		}
	}
	if ch.Relay.Enabled && len(ch.Relay.Bots) == 0 {
		return errors.New("channels.relay.bots: at least one bot is required")
	}
	if !cfg.ChannelEnabled(cfg.Upload.DefaultChannel) {
		return fmt.Errorf("upload.default_channel %q is not enabled", cfg.Upload.DefaultChannel)
	}
	if cfg.Moderation.Provider != "none" && cfg.Moderation.Endpoint == "" {
		return fmt.Errorf("moderation.endpoint is required for provider %q", cfg.Moderation.Provider)
	}
	if cfg.Cache.CDN.Enabled && (cfg.Cache.CDN.ZoneID == "" || cfg.Cache.CDN.APIToken == "") {
		return errors.New("cache.cdn.zone_id and cache.cdn.api_token are required when the CDN purge is enabled")
	}
	return nil
}

// ChannelEnabled reports whether the named channel is configured.
func (c *Config) ChannelEnabled(name string) bool {
	switch name {
	case ChannelObjectStore:
		return c.Channels.ObjectStore.Enabled
	case ChannelS3:
		return c.Channels.S3.Enabled
	case ChannelRelay:
		return c.Channels.Relay.Enabled
	case ChannelExternal:
		return c.Channels.External.Enabled
	}
	return false
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

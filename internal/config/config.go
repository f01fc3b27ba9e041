// Package config loads the server configuration from yaml and environment
// overrides via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	WS     WSConfig     `yaml:"websocket" mapstructure:"websocket"`
	Auth   AuthConfig   `yaml:"auth" mapstructure:"auth"`
	Feed   FeedConfig   `yaml:"feed" mapstructure:"feed"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP surface hosting the WebSocket endpoint.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WSConfig configures connection lifecycle and backpressure.
type WSConfig struct {
	ReadBufferSize   int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	MaxMessageSize   int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	MaxMissedPings   int           `yaml:"max_missed_pings" mapstructure:"max_missed_pings"`
	WriteTimeout     time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" mapstructure:"drain_timeout"`
	SendQueueSize    int           `yaml:"send_queue_size" mapstructure:"send_queue_size"`
	RouterBuffer     int           `yaml:"router_buffer" mapstructure:"router_buffer"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string        `yaml:"issuer" mapstructure:"issuer"`
	Leeway    time.Duration `yaml:"leeway" mapstructure:"leeway"`
}

// FeedConfig configures the upstream event sources.
type FeedConfig struct {
	Redis RedisFeedConfig `yaml:"redis" mapstructure:"redis"`
	Kafka KafkaFeedConfig `yaml:"kafka" mapstructure:"kafka"`
}

// RedisFeedConfig configures the low-latency market-data pub/sub source.
type RedisFeedConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr          string `yaml:"addr" mapstructure:"addr"`
	PriceChannel  string `yaml:"price_channel" mapstructure:"price_channel"`
	StatusChannel string `yaml:"status_channel" mapstructure:"status_channel"`
}

// KafkaFeedConfig configures the durable trade/portfolio/alert source.
type KafkaFeedConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
	GroupID string   `yaml:"group_id" mapstructure:"group_id"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// Load reads configuration from the given yaml file (optional) with
// MARKETSTREAM_* environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MARKETSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret must be set")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("websocket.read_buffer_size", 4096)
	v.SetDefault("websocket.write_buffer_size", 4096)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.handshake_timeout", 5*time.Second)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.pong_timeout", 60*time.Second)
	v.SetDefault("websocket.max_missed_pings", 2)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.drain_timeout", 5*time.Second)
	v.SetDefault("websocket.send_queue_size", 256)
	v.SetDefault("websocket.router_buffer", 4096)

	// An empty default registers the key so the env override binds.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("feed.redis.enabled", false)
	v.SetDefault("feed.redis.addr", "localhost:6379")
	v.SetDefault("feed.redis.price_channel", "marketdata.prices")
	v.SetDefault("feed.redis.status_channel", "marketdata.status")

	v.SetDefault("feed.kafka.enabled", false)
	v.SetDefault("feed.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("feed.kafka.topic", "account-events")
	v.SetDefault("feed.kafka.group_id", "marketstream")

	v.SetDefault("log.level", "info")
}

package config

import "time"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Transport TransportConfig `mapstructure:"transport"`
	LogLevel  string          `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address  string         `mapstructure:"address"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

// bounds how fast a single IP may open new connections.
type ThrottleConfig struct {
	PerSecond float64 `mapstructure:"perSecond"`
	Burst     int     `mapstructure:"burst"`
}

type ManagerConfig struct {
	MaxConnections    int           `mapstructure:"maxConnections"`
	ConnectionTimeout time.Duration `mapstructure:"connectionTimeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	ReconnectAttempts int           `mapstructure:"reconnectAttempts"`
}

type RateLimitConfig struct {
	MessagesPerSecond          int `mapstructure:"messagesPerSecond"`
	MessagesPerMinute          int `mapstructure:"messagesPerMinute"`
	SubscriptionsPerConnection int `mapstructure:"subscriptionsPerConnection"`
	BurstLimit                 int `mapstructure:"burstLimit"`
	WindowSize                 int `mapstructure:"windowSize"`
}

// points at the hosted pub/sub REST API used for event fan-out.
type DeliveryConfig struct {
	BaseURL string        `mapstructure:"baseURL"`
	AppID   string        `mapstructure:"appID"`
	Key     string        `mapstructure:"key"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

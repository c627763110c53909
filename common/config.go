// Copyright 2022 The livesub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPEndpointConfig defines API endpoint config
type HTTPEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// TenantHeader is the HTTP header carrying the tenant of a published event
	TenantHeader string `mapstructure:"tenant_header" json:"tenant_header" validate:"required"`
	// MaxEventSize is the max size of a published event payload in bytes
	MaxEventSize int64 `mapstructure:"max_event_size" json:"max_event_size" validate:"gte=1"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// Endpoints defines the API endpoint parameters
	Endpoints HTTPEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// WebSocket Related Config

// WebSocketConfig defines the WebSocket transport parameters
type WebSocketConfig struct {
	// ReadBufferSize is the connection read buffer size in bytes
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=512"`
	// WriteBufferSize is the connection write buffer size in bytes
	WriteBufferSize int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=512"`
	// MaxMessageSize is the max size of one inbound frame in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gte=1024"`
	// SendQueueLength is the number of outbound frames buffered per connection
	SendQueueLength int `mapstructure:"send_queue_length" json:"send_queue_length" validate:"gte=1"`
	// WriteTimeout is the max duration of one frame write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PingInterval is the interval between server side ping control frames in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongWait is the max duration to wait for any inbound traffic in seconds
	PongWait int `mapstructure:"pong_wait_sec" json:"pong_wait_sec" validate:"gtfield=PingInterval"`
}

// ===============================================================================
// Broker Related Config

// BrokerConfig defines the subscription broker core parameters
type BrokerConfig struct {
	// CallTimeout is the max duration of an authentication, authorization or rate
	// limit call in milliseconds
	CallTimeout int `mapstructure:"call_timeout_ms" json:"call_timeout_ms" validate:"gte=1"`
	// IdleTimeout is how long a connection may stay without activity in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=1"`
	// SweepInterval is the interval between idle connection sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// RegistryShards is the number of lock stripes of the connection registry
	RegistryShards int `mapstructure:"registry_shards" json:"registry_shards" validate:"gte=1,lte=1024"`
}

// ===============================================================================
// Auth Related Config

// JWTAuthConfig defines parameters for JWT credential verification
type JWTAuthConfig struct {
	// Secret is the HMAC secret used to sign the tokens
	Secret string `mapstructure:"secret" json:"-" validate:"required_if=Enabled true"`
	// Enabled whether JWT verification is used
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Issuer if set, the required "iss" claim
	Issuer string `mapstructure:"issuer" json:"issuer"`
	// TenantClaim is the claim holding the tenant ID
	TenantClaim string `mapstructure:"tenant_claim" json:"tenant_claim" validate:"required"`
	// RolesClaim is the claim holding the principal's roles
	RolesClaim string `mapstructure:"roles_claim" json:"roles_claim" validate:"required"`
}

// StaticToken is one pre-shared credential
type StaticToken struct {
	// Token is the credential value
	Token string `mapstructure:"token" json:"-" validate:"required"`
	// Principal is the principal ID the token maps to
	Principal string `mapstructure:"principal" json:"principal" validate:"required"`
	// Tenant is the tenant ID the token maps to
	Tenant string `mapstructure:"tenant" json:"tenant" validate:"required"`
	// Roles are the roles granted to the principal
	Roles []string `mapstructure:"roles" json:"roles"`
}

// AuthorizationRule grants a role access to a subscription field
type AuthorizationRule struct {
	// Field is the subscription field, "*" matches any
	Field string `mapstructure:"field" json:"field" validate:"required"`
	// Roles the principal must hold one of. Empty means any authenticated principal.
	Roles []string `mapstructure:"roles" json:"roles"`
	// AllowAnonymous whether anonymous connections may subscribe to the field
	AllowAnonymous bool `mapstructure:"allow_anonymous" json:"allow_anonymous"`
}

// AuthConfig defines the authentication and authorization parameters
type AuthConfig struct {
	// JWT defines JWT credential parameters
	JWT JWTAuthConfig `mapstructure:"jwt" json:"jwt" validate:"required,dive"`
	// StaticTokens are pre-shared credentials, used when JWT is disabled
	StaticTokens []StaticToken `mapstructure:"static_tokens" json:"static_tokens" validate:"omitempty,dive"`
	// Rules are the authorization rules. No rules means every subscription is allowed.
	Rules []AuthorizationRule `mapstructure:"rules" json:"rules" validate:"omitempty,dive"`
}

// ===============================================================================
// Rate Limit Related Config

// RateLimitConfig defines the subscription rate limit parameters
type RateLimitConfig struct {
	// Store is the counter store type
	Store string `mapstructure:"store" json:"store" validate:"required,oneof=memory redis"`
	// AuthenticatedLimit is the max subscription starts per window for an authenticated principal
	AuthenticatedLimit int `mapstructure:"authenticated_limit" json:"authenticated_limit" validate:"gtfield=AnonymousLimit"`
	// AnonymousLimit is the max subscription starts per window for an anonymous bucket
	AnonymousLimit int `mapstructure:"anonymous_limit" json:"anonymous_limit" validate:"gte=1"`
	// Window is the rate limit window in seconds
	Window int `mapstructure:"window_sec" json:"window_sec" validate:"gte=1"`
	// KeyPrefix is prepended to every counter key
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
}

// RedisConfig defines parameters for connecting to Redis
type RedisConfig struct {
	// Address is the Redis host:port
	Address string `mapstructure:"address" json:"address" validate:"required,hostname_port"`
	// Password is the Redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis DB index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// DialTimeout is the max duration for connecting to Redis in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// Enabled whether the broker connects to NATS at all
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// EventSubjectPrefix is the subject prefix published events arrive on
	EventSubjectPrefix string `mapstructure:"event_subject_prefix" json:"event_subject_prefix" validate:"required"`
}

// ===============================================================================
// Metrics Related Config

// MetricsConfig defines the metrics / audit emitter parameters
type MetricsConfig struct {
	// Sink is the metrics sink type
	Sink string `mapstructure:"sink" json:"sink" validate:"required,oneof=log nats none"`
	// Subject is the NATS subject records are published on when Sink is "nats"
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// BufferLength is the number of records queued before new ones are dropped
	BufferLength int `mapstructure:"buffer_length" json:"buffer_length" validate:"gte=1"`
	// Workers is the number of parallel record workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete broker config
type SystemConfig struct {
	// HTTP are the HTTP server config parameters
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// WebSocket are the WebSocket transport parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// Broker are the broker core parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Auth are the authentication / authorization parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// RateLimit are the rate limit parameters
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit" validate:"required,dive"`
	// Redis are the Redis connection parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Metrics are the metrics emitter parameters
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" validate:"required,dive"`
}

// CallTimeoutDuration the bound on every external collaborator call
func (c BrokerConfig) CallTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.CallTimeout)
}

// IdleTimeoutDuration how long a connection may stay without activity
func (c BrokerConfig) IdleTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.IdleTimeout)
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 3000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Livesub-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("http.endpoint_config.path_prefix", "/")
	viper.SetDefault("http.endpoint_config.tenant_header", "Livesub-Tenant-ID")
	viper.SetDefault("http.endpoint_config.max_event_size", 65536)

	// Default WebSocket settings
	viper.SetDefault("websocket.read_buffer_size", 4096)
	viper.SetDefault("websocket.write_buffer_size", 4096)
	viper.SetDefault("websocket.max_message_size", 65536)
	viper.SetDefault("websocket.send_queue_length", 256)
	viper.SetDefault("websocket.write_timeout_sec", 10)
	viper.SetDefault("websocket.ping_interval_sec", 30)
	viper.SetDefault("websocket.pong_wait_sec", 60)

	// Default broker settings
	viper.SetDefault("broker.call_timeout_ms", 2000)
	viper.SetDefault("broker.idle_timeout_sec", 300)
	viper.SetDefault("broker.sweep_interval_sec", 30)
	viper.SetDefault("broker.registry_shards", 32)

	// Default auth settings
	viper.SetDefault("auth.jwt.enabled", false)
	viper.SetDefault("auth.jwt.tenant_claim", "tenant")
	viper.SetDefault("auth.jwt.roles_claim", "roles")

	// Default rate limit settings
	viper.SetDefault("rate_limit.store", "memory")
	viper.SetDefault("rate_limit.authenticated_limit", 100)
	viper.SetDefault("rate_limit.anonymous_limit", 5)
	viper.SetDefault("rate_limit.window_sec", 3600)
	viper.SetDefault("rate_limit.key_prefix", "livesub:ratelimit")

	// Default Redis settings
	viper.SetDefault("redis.address", "127.0.0.1:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.dial_timeout_sec", 5)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.event_subject_prefix", "livesub.events")

	// Default metrics settings
	viper.SetDefault("metrics.sink", "log")
	viper.SetDefault("metrics.subject", "livesub.metrics")
	viper.SetDefault("metrics.buffer_length", 1024)
	viper.SetDefault("metrics.workers", 1)
}

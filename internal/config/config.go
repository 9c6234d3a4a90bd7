package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/m0rjc/WatchBridge/internal/types"
	"github.com/m0rjc/goconfig"
	"github.com/spf13/pflag"
)

// Local modes select how the wearable side of the bridge is reached.
const (
	LocalModeWebSocket = "websocket"
	LocalModeRedis     = "redis"
)

type Config struct {
	Peer     PeerConfig
	Local    LocalConfig
	Metrics  MetricsConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Lease    LeaseConfig
}

type PeerConfig struct {
	URI                string `key:"PEER_URI" required:"true"`
	Subprotocol        string `key:"PEER_SUBPROTOCOL" default:"watch"`
	RetryDelayMs       int    `key:"RETRY_DELAY_MS" default:"1000" min:"1" max:"3600000"`
	HandshakeTimeoutMs int    `key:"HANDSHAKE_TIMEOUT_MS" default:"10000" min:"1" max:"600000"`

	// Derived by Load.
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	Endpoint         types.Endpoint
}

type LocalConfig struct {
	Mode  string `key:"LOCAL_MODE" default:"websocket"` // websocket or redis
	Host  string `key:"HOST" default:"127.0.0.1"`
	Port  int    `key:"PORT" default:"8765" min:"1" max:"65535"`
	Token string `key:"LOCAL_TOKEN"` // optional shared secret for /ws/local
}

type MetricsConfig struct {
	Port int `key:"METRICS_PORT" default:"9090" min:"1" max:"65535"`
}

type RedisConfig struct {
	RedisURL       string `key:"REDIS_URL"` // empty disables Redis
	RedisKeyPrefix string `key:"REDIS_KEY_PREFIX"`
}

type DatabaseConfig struct {
	DatabaseURL string `key:"DATABASE_URL"` // empty disables the session audit
}

type LeaseConfig struct {
	Enabled    bool   `key:"LINK_LEASE" default:"false"`
	TTLMs      int    `key:"LEASE_TTL_MS" default:"15000" min:"1000" max:"3600000"`
	InstanceID string `key:"INSTANCE_ID"`

	// Derived by Load.
	TTL time.Duration
}

// flagKeys maps each command line flag to the environment key it overrides.
var flagKeys = map[string]string{
	"peer-uri":     "PEER_URI",
	"subprotocol":  "PEER_SUBPROTOCOL",
	"retry-delay":  "RETRY_DELAY_MS",
	"local-mode":   "LOCAL_MODE",
	"host":         "HOST",
	"port":         "PORT",
	"metrics-port": "METRICS_PORT",
	"link-lease":   "LINK_LEASE",
}

// Load reads the environment, applies command line overrides from args
// (without the program name) and validates the result. It returns
// pflag.ErrHelp when help was requested. Invalid values are errors; a
// *goconfig.ConfigErrors lists every bad key.
func Load(ctx context.Context, args []string) (*Config, error) {
	return load(ctx, args, goconfig.EnvironmentKeyStore)
}

func load(ctx context.Context, args []string, env goconfig.KeyStore) (*Config, error) {
	flags := pflag.NewFlagSet("watchbridge", pflag.ContinueOnError)
	flags.String("peer-uri", "", "peer WebSocket URI (env PEER_URI)")
	flags.String("subprotocol", types.DefaultSubprotocol, "WebSocket subprotocol offered to the peer (env PEER_SUBPROTOCOL)")
	flags.Duration("retry-delay", time.Second, "fixed delay before reconnecting (env RETRY_DELAY_MS)")
	flags.String("local-mode", LocalModeWebSocket, "local side: websocket or redis (env LOCAL_MODE)")
	flags.String("host", "127.0.0.1", "listen address for the local device endpoint (env HOST)")
	flags.Int("port", 8765, "listen port for the local device endpoint (env PORT)")
	flags.Int("metrics-port", 9090, "listen port for metrics and health (env METRICS_PORT)")
	flags.Bool("link-lease", false, "hold a Redis lease while connected to the peer (env LINK_LEASE)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if extra := flags.Args(); len(extra) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", extra[0])
	}

	cfg := &Config{}
	store := goconfig.CompositeStore(flagStore(flags), skipBlank(env))
	if err := goconfig.Load(ctx, cfg, goconfig.WithKeyStore(store)); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadMinimal loads only database and Redis configuration, for maintenance
// commands.
func LoadMinimal(ctx context.Context) (*Config, error) {
	return loadMinimal(ctx, goconfig.EnvironmentKeyStore)
}

func loadMinimal(ctx context.Context, env goconfig.KeyStore) (*Config, error) {
	var minimal struct {
		Redis       RedisConfig
		DatabaseURL string `key:"DATABASE_URL" required:"true"`
	}
	if err := goconfig.Load(ctx, &minimal, goconfig.WithKeyStore(skipBlank(env))); err != nil {
		return nil, err
	}
	return &Config{
		Redis:    minimal.Redis,
		Database: DatabaseConfig{DatabaseURL: minimal.DatabaseURL},
	}, nil
}

// flagStore serves the flags that were set on the command line, keyed by the
// environment variable they replace.
func flagStore(flags *pflag.FlagSet) goconfig.KeyStore {
	keyFlags := make(map[string]string, len(flagKeys))
	for name, key := range flagKeys {
		keyFlags[key] = name
	}

	return func(_ context.Context, key string) (string, bool, error) {
		name, ok := keyFlags[key]
		if !ok || !flags.Changed(name) {
			return "", false, nil
		}
		f := flags.Lookup(name)
		if f.Value.Type() == "duration" {
			d, err := flags.GetDuration(name)
			if err != nil {
				return "", false, err
			}
			return strconv.FormatInt(d.Milliseconds(), 10), true, nil
		}
		return f.Value.String(), true, nil
	}
}

// skipBlank treats a variable set to the empty string as unset, so that
// blank entries in an env file fall back to defaults.
func skipBlank(store goconfig.KeyStore) goconfig.KeyStore {
	return func(ctx context.Context, key string) (string, bool, error) {
		value, present, err := store(ctx, key)
		if err != nil || !present || strings.TrimSpace(value) == "" {
			return "", false, err
		}
		return value, true, nil
	}
}

func (c *Config) validate() error {
	endpoint, err := types.NewEndpoint(c.Peer.URI, c.Peer.Subprotocol)
	if err != nil {
		return fmt.Errorf("PEER_URI: %w", err)
	}
	c.Peer.Endpoint = endpoint
	c.Peer.RetryDelay = time.Duration(c.Peer.RetryDelayMs) * time.Millisecond
	c.Peer.HandshakeTimeout = time.Duration(c.Peer.HandshakeTimeoutMs) * time.Millisecond
	c.Lease.TTL = time.Duration(c.Lease.TTLMs) * time.Millisecond

	c.Local.Mode = strings.ToLower(c.Local.Mode)
	switch c.Local.Mode {
	case LocalModeWebSocket:
	case LocalModeRedis:
		if c.Redis.RedisURL == "" {
			return errors.New("REDIS_URL is required when LOCAL_MODE is redis")
		}
	default:
		return fmt.Errorf("LOCAL_MODE must be %q or %q, got %q", LocalModeWebSocket, LocalModeRedis, c.Local.Mode)
	}

	if c.Lease.Enabled && c.Redis.RedisURL == "" {
		return errors.New("REDIS_URL is required when LINK_LEASE is enabled")
	}
	return nil
}

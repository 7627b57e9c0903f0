package config

import (
	"PPSync/service/natsx"
	"PPSync/service/storage/redis"
	"PPSync/tools/decode"
	"PPSync/tools/errs"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks variables that override file values. Nested keys are joined
// with a double underscore: RELAY_LIVENESS__TIMEOUT=90s.
const EnvPrefix = "RELAY_"

type RelayConfig struct {
	NodeID   int64          `mapstructure:"node_id"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Nats     NatsConfig     `mapstructure:"nats"`
	Nacos    NacosConfig    `mapstructure:"nacos"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	WSPath          string        `mapstructure:"ws_path"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	SendQueue       int           `mapstructure:"send_queue"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the health endpoint
}

type LivenessConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig protects the HTTP ingestion route when Secret is set.
type AuthConfig struct {
	Secret        string `mapstructure:"secret"`
	RequiredScope string `mapstructure:"required_scope"`
}

type RedisConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	redis.Config `mapstructure:",squash"`
}

type NatsConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	DedupeTTL         time.Duration `mapstructure:"dedupe_ttl"`
	natsx.NatsxConfig `mapstructure:",squash"`
}

type NacosConfig struct {
	Addr        string `mapstructure:"addr"` // empty disables nacos
	Port        uint64 `mapstructure:"port"`
	Namespace   string `mapstructure:"namespace"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	DataID      string `mapstructure:"data_id"`
	Group       string `mapstructure:"group"`
	Register    bool   `mapstructure:"register"`
	ServiceName string `mapstructure:"service_name"`
	AdvertiseIP string `mapstructure:"advertise_ip"`
}

func Default() RelayConfig {
	return RelayConfig{
		NodeID: 1,
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:            ":8080",
			WSPath:          "/ws",
			MaxMessageBytes: 64 << 10,
			SendQueue:       256,
			WriteWait:       10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC:     GRPCConfig{Addr: ":50052"},
		Liveness: LivenessConfig{Interval: 30 * time.Second, Timeout: 60 * time.Second},
		Redis:    RedisConfig{Config: redis.Config{Addr: "127.0.0.1:6379", PoolSize: 10}},
		Nats: NatsConfig{
			DedupeTTL:   10 * time.Minute,
			NatsxConfig: natsx.NatsxConfig{Servers: []string{"nats://127.0.0.1:4222"}, Name: "ppsync-relay"},
		},
		Nacos: NacosConfig{
			Port:        8848,
			Namespace:   "public",
			DataID:      "ppsync-relay.yaml",
			Group:       "DEFAULT_GROUP",
			ServiceName: "ppsync-relay",
		},
	}
}

// Load reads path (optional; "" means defaults only), then applies RELAY_*
// overrides.
func Load(path string) (RelayConfig, error) {
	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return RelayConfig{}, errors.Wrapf(err, "read config %s", path)
		}
		raw = b
	}
	return Parse(raw, Default(), envOverlay())
}

// Parse decodes a YAML document over base. Fields the document does not name
// keep their base value; overlay (flattened "a.b" keys) wins over the document.
func Parse(doc []byte, base RelayConfig, overlay map[string]string) (RelayConfig, error) {
	m := map[string]any{}
	if len(doc) > 0 {
		if err := yaml.Unmarshal(doc, &m); err != nil {
			return RelayConfig{}, errs.ErrArgs.WrapMsg("config yaml", "err", err)
		}
		if m == nil {
			m = map[string]any{}
		}
	}
	for k, v := range overlay {
		setPath(m, k, v)
	}
	cfg := base
	if len(m) > 0 {
		if err := decode.Into(m, &cfg); err != nil {
			return RelayConfig{}, errs.ErrArgs.WrapMsg("config decode", "err", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func (c *RelayConfig) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errs.ErrArgs.WrapMsg("server.addr is empty")
	case c.Liveness.Interval <= 0:
		return errs.ErrArgs.WrapMsg("liveness.interval must be positive")
	case c.Liveness.Timeout < c.Liveness.Interval:
		return errs.ErrArgs.WrapMsg("liveness.timeout must not be shorter than liveness.interval",
			"timeout", c.Liveness.Timeout, "interval", c.Liveness.Interval)
	case c.Nats.Enabled && len(c.Nats.Servers) == 0:
		return errs.ErrArgs.WrapMsg("nats.servers is empty")
	}
	return nil
}

// PresenceTTL is how long a mirrored snapshot survives without refresh.
func (c *RelayConfig) PresenceTTL() time.Duration {
	return 2 * c.Liveness.Timeout
}

package config

import (
	"PPSync/tools/errs"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

const sample = `
log:
  level: debug
server:
  addr: ":9090"
  allowed_origins: ["https://app.example.com"]
liveness:
  interval: 10s
  timeout: 25s
redis:
  enabled: true
  addr: "redis:6379"
  pool_size: 4
nats:
  enabled: true
  servers: ["nats://a:4222", "nats://b:4222"]
`

func TestParseOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample), Default(), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Log.Level, "debug")
	assert.Equal(t, cfg.Server.Addr, ":9090")
	assert.Equal(t, cfg.Server.WSPath, "/ws")
	assert.Equal(t, cfg.Server.AllowedOrigins, []string{"https://app.example.com"})
	assert.Equal(t, cfg.Liveness.Interval, 10*time.Second)
	assert.Equal(t, cfg.Liveness.Timeout, 25*time.Second)
	assert.Equal(t, cfg.Redis.Enabled, true)
	assert.Equal(t, cfg.Redis.Addr, "redis:6379")
	assert.Equal(t, cfg.Redis.PoolSize, 4)
	assert.Equal(t, cfg.Nats.Servers, []string{"nats://a:4222", "nats://b:4222"})
	assert.Equal(t, cfg.Nats.Name, "ppsync-relay")
	assert.Equal(t, cfg.GRPC.Addr, ":50052")
	assert.Equal(t, cfg.PresenceTTL(), 50*time.Second)
}

func TestOverlayWins(t *testing.T) {
	cfg, err := Parse([]byte(sample), Default(), map[string]string{
		"liveness.timeout": "90s",
		"server.send_queue": "16",
		"auth.secret":       "s3cret",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Liveness.Timeout, 90*time.Second)
	assert.Equal(t, cfg.Server.SendQueue, 16)
	assert.Equal(t, cfg.Auth.Secret, "s3cret")
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	assert.Equal(t, os.WriteFile(path, []byte(sample), 0o600), nil)
	t.Setenv("RELAY_SERVER__ADDR", ":7070")
	t.Setenv("RELAY_NATS__ENABLED", "false")

	cfg, err := Load(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Server.Addr, ":7070")
	assert.Equal(t, cfg.Nats.Enabled, false)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotEqual(t, err, nil)
}

func TestValidate(t *testing.T) {
	_, err := Parse([]byte("liveness: {interval: 30s, timeout: 5s}"), Default(), nil)
	assert.Equal(t, errors.Is(err, errs.ErrArgs), true)

	_, err = Parse([]byte("server: [1, 2]"), Default(), nil)
	assert.Equal(t, errors.Is(err, errs.ErrArgs), true)

	_, err = Parse([]byte("server:\n\taddr: x"), Default(), nil)
	assert.NotEqual(t, err, nil)

	cfg, err := Parse(nil, Default(), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg, Default())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, envKey("LIVENESS__TIMEOUT"), "liveness.timeout")
	assert.Equal(t, envKey("SERVER__SEND_QUEUE"), "server.send_queue")
	m := map[string]any{"server": "scalar"}
	setPath(m, "server.addr", ":1")
	assert.Equal(t, m["server"], map[string]any{"addr": ":1"})
}

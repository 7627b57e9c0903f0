package decode

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type sample struct {
	Addr     string        `mapstructure:"addr"`
	Interval time.Duration `mapstructure:"interval"`
	Queue    int           `mapstructure:"queue"`
	Servers  []string      `mapstructure:"servers"`
}

func TestDecode(t *testing.T) {
	out, err := Decode[sample](map[string]any{
		"addr":     ":8080",
		"interval": "30s",
		"queue":    float64(256),
		"servers":  "nats://a:4222,nats://b:4222",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Addr, ":8080")
	assert.Equal(t, out.Interval, 30*time.Second)
	assert.Equal(t, out.Queue, 256)
	assert.Equal(t, out.Servers, []string{"nats://a:4222", "nats://b:4222"})
}

func TestIntoKeepsUnsetFields(t *testing.T) {
	s := sample{Addr: ":9090", Queue: 8}
	err := Into(map[string]any{"queue": "16"}, &s)
	assert.Equal(t, err, nil)
	assert.Equal(t, s.Addr, ":9090")
	assert.Equal(t, s.Queue, 16)
}

func TestReadString(t *testing.T) {
	m := map[string]any{"id": "task-42", "n": float64(42)}

	v, err := ReadString(m, "id")
	assert.Equal(t, err, nil)
	assert.Equal(t, v, "task-42")

	v, err = ReadString(m, "n")
	assert.Equal(t, err, nil)
	assert.Equal(t, v, "42")

	_, err = ReadString(m, "missing")
	assert.NotEqual(t, err, nil)
}

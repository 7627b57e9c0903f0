package tools

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PPT_STR", "x")
	t.Setenv("PPT_BAD_DUR", "soon")
	t.Setenv("PPT_DUR", "1500ms")

	assert.Equal(t, GetEnv("PPT_STR", "d"), "x")
	assert.Equal(t, GetEnv("PPT_MISSING", "d"), "d")
	assert.Equal(t, GetEnvDuration("PPT_DUR", time.Second), 1500*time.Millisecond)
	assert.Equal(t, GetEnvDuration("PPT_BAD_DUR", time.Second), time.Second)

	got := EnvWithPrefix("PPT_")
	assert.Equal(t, got[0], [2]string{"BAD_DUR", "soon"})
	assert.Equal(t, len(got), 3)
}

func TestParseHdr(t *testing.T) {
	assert.Equal(t, ParseHdr(""), map[string]string(nil))
	assert.Equal(t, ParseHdr("a=1, b=x=y,broken"), map[string]string{"a": "1", "b": "x=y"})
}

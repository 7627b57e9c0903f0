package ids

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSnowflakeMonotonic(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := newGenerator(7, func() time.Time { return fixed })

	a := g.next()
	b := g.next()
	assert.Equal(t, b, a+1)
	assert.Equal(t, (a>>12)&0x3FF, int64(7))
}

func TestClientIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := ClientID()
		_, dup := seen[id]
		assert.Equal(t, dup, false)
		seen[id] = struct{}{}
	}
}

func TestTempID(t *testing.T) {
	id := TempID()
	assert.Equal(t, IsTemp(id), true)
	assert.Equal(t, len(id), len(TempPrefix)+26)
	assert.Equal(t, IsTemp("task-42"), false)
	assert.Equal(t, IsTemp(TempPrefix), false)
	assert.NotEqual(t, OperationID(), OperationID())
}

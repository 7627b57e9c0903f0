package relay

import (
	"PPSync/service/protocol"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	pings      int
	closed     bool
	failWrites bool
	panics     bool
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("transport blew up")
	}
	if f.failWrites || f.closed {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) WriteControl(mt int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mt == websocket.PingMessage {
		if f.failWrites || f.closed {
			return errors.New("broken pipe")
		}
		f.pings++
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) setPanics(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics = v
}

func (f *fakeTransport) setFailWrites(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = v
}

// envelopes returns every frame written so far, optionally filtered by type.
func (f *fakeTransport) envelopes(types ...protocol.MessageType) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, raw := range f.frames {
		var env protocol.Envelope
		if json.Unmarshal(raw, &env) != nil {
			continue
		}
		if len(types) == 0 {
			out = append(out, env)
			continue
		}
		for _, t := range types {
			if env.Type == t {
				out = append(out, env)
				break
			}
		}
	}
	return out
}

// latestPresence decodes the most recent USER_PRESENCE frame, if any.
func (f *fakeTransport) latestPresence() (protocol.Presence, bool) {
	var p protocol.Presence
	all := f.envelopes(protocol.TypeUserPresence)
	if len(all) == 0 {
		return p, false
	}
	if json.Unmarshal(all[len(all)-1].Payload, &p) != nil {
		return p, false
	}
	return p, true
}

func (f *fakeTransport) presenceCountIs(n int) func() bool {
	return func() bool {
		p, ok := f.latestPresence()
		return ok && p.Count == n
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return "c" + strconv.FormatInt(n.Add(1), 10) }
}

// eventually polls cond for up to a second; frames are written by per-connection
// goroutines so delivery is asynchronous.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

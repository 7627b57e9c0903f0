package natsx

import (
	"PPSync/tools/safe"
	"context"
	"sync"
	"time"
)

// IdemStore remembers the reply produced for a message id.
type IdemStore interface {
	Lookup(key string) (reply []byte, seen bool)
	Remember(key string, reply []byte, ttl time.Duration)
}

type idemEntry struct {
	reply  []byte
	expire time.Time
}

type memIdem struct {
	mu  sync.Mutex
	m   map[string]idemEntry
	ttl time.Duration
	now func() time.Time
}

// NewMemIdem keeps ids in process memory; expired ids are dropped lazily and by
// a janitor that lives until ctx is done.
func NewMemIdem(ctx context.Context, defaultTTL time.Duration) IdemStore {
	mi := &memIdem{m: make(map[string]idemEntry), ttl: defaultTTL, now: time.Now}
	safe.SafeGo("natsx-idem-janitor", func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				mi.purge()
			}
		}
	})
	return mi
}

func (mi *memIdem) purge() {
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	for k, e := range mi.m {
		if !e.expire.After(now) {
			delete(mi.m, k)
		}
	}
}

func (mi *memIdem) Lookup(key string) ([]byte, bool) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	e, ok := mi.m[key]
	if !ok || !e.expire.After(mi.now()) {
		return nil, false
	}
	return e.reply, true
}

func (mi *memIdem) Remember(key string, reply []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.m[key] = idemEntry{reply: reply, expire: mi.now().Add(ttl)}
}

const HeaderMsgID = "Nats-Msg-Id"

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// NatsxIdemMiddleware answers a redelivered message with the reply of its first
// delivery instead of running the handler again. Messages without an id pass
// through untouched, and failed attempts are not remembered.
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) ([]byte, error) {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				return next(ctx, msg)
			}
			if reply, seen := store.Lookup(id); seen {
				return reply, nil
			}
			reply, err := next(ctx, msg)
			if err == nil {
				store.Remember(id, reply, ttl)
			}
			return reply, err
		}
	}
}

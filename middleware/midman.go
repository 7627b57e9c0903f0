package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

type namedMid struct {
	name string
	h    gin.HandlerFunc
}

// MiddlewareManager is an ordered chain of named middlewares mounted on the
// engine as one handler. Entries can be swapped while the server runs, e.g.
// the origin filter after a remote config change.
type MiddlewareManager struct {
	mu   sync.RWMutex
	mids []namedMid
}

func NewManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Set replaces the middleware registered under name, or appends it.
func (m *MiddlewareManager) Set(name string, h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.mids {
		if m.mids[i].name == name {
			m.mids[i].h = h
			return
		}
	}
	m.mids = append(m.mids, namedMid{name: name, h: h})
}

func (m *MiddlewareManager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.mids {
		if m.mids[i].name == name {
			m.mids = append(m.mids[:i:i], m.mids[i+1:]...)
			return
		}
	}
}

// Names lists the chain in execution order.
func (m *MiddlewareManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.mids))
	for _, e := range m.mids {
		out = append(out, e.name)
	}
	return out
}

// Use returns the single gin.HandlerFunc mounted on the engine. The chain is
// read once per request.
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		chain := make([]gin.HandlerFunc, 0, len(m.mids))
		for _, e := range m.mids {
			chain = append(chain, e.h)
		}
		m.mu.RUnlock()

		for _, h := range chain {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}

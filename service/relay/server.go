package relay

import (
	"PPSync/middleware"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type ServerConf struct {
	WSPath          string          // default "/ws"
	MaxMessageBytes int64           // inbound frame limit, default 64KiB
	AllowedOrigins  []string        // empty => any origin
	IngestAuth      gin.HandlerFunc // nil => ingestion route is public
	ReadBufferSize  int
	WriteBufferSize int
}

func (c *ServerConf) norm() {
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
}

// Server exposes the registry over websocket and HTTP. The registry is created
// by the caller and handed in, one per process.
type Server struct {
	reg      *Registry
	conf     ServerConf
	started  time.Time
	upgrader websocket.Upgrader
	mids     *middleware.MiddlewareManager
}

func NewServer(reg *Registry, conf ServerConf) *Server {
	conf.norm()
	s := &Server{
		reg:     reg,
		conf:    conf,
		started: time.Now(),
		mids:    middleware.NewManager(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  conf.ReadBufferSize,
		WriteBufferSize: conf.WriteBufferSize,
		// origins are filtered by middleware.Origin before the upgrade
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	// access-log calls c.Next, so it must stay last in the chain
	s.SetAllowedOrigins(conf.AllowedOrigins)
	s.mids.Set("access-log", middleware.AccessLog())
	return s
}

func (s *Server) Registry() *Registry { return s.reg }

// Middlewares allows callers to add global middlewares after construction.
func (s *Server) Middlewares() *middleware.MiddlewareManager { return s.mids }

// SetAllowedOrigins swaps the websocket origin filter; empty allows any origin.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.mids.Set("origin", middleware.Origin(s.conf.WSPath, origins))
}

// Router builds the gin engine with every relay route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.mids.Use())

	r.GET(s.conf.WSPath, s.HandleWS)
	middleware.GET(r, "/health", s.handleHealth, middleware.RouteOpt{})
	middleware.GET(r, "/api/stats", s.handleStats, middleware.RouteOpt{})
	middleware.POST(r, "/api/broadcast", s.handleIngest, middleware.RouteOpt{Auth: s.conf.IngestAuth})
	return r
}

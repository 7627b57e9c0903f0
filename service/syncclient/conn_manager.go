package syncclient

import (
	"PPSync/logger"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"PPSync/tools/safe"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler receives every inbound envelope, on the read goroutine.
type Handler interface {
	Handle(env *protocol.Envelope)
}

type HandlerFunc func(env *protocol.Envelope)

func (f HandlerFunc) Handle(env *protocol.Envelope) { f(env) }

type Options struct {
	URL                  string
	UserID               string
	MaxReconnectAttempts int           // default 5
	ReconnectInterval    time.Duration // default 3s
	HandshakeTimeout     time.Duration // default 10s
	WriteWait            time.Duration // default 10s
	ReadTimeout          time.Duration // default 75s; relay pings or frames must arrive within it
	Header               http.Header
	OnStateChange        func(from, to State)
	Handler              Handler
}

func (o *Options) norm() {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 3 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 75 * time.Second
	}
}

// ConnMgr keeps one websocket to the relay alive, re-identifies and re-joins
// after every reconnect, and feeds inbound envelopes to the Handler.
type ConnMgr struct {
	opts   Options
	dialer websocket.Dialer

	notifyMu sync.Mutex

	mu       sync.Mutex
	state    State
	pending  []transition
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	attempts int
	dials    int

	ws         *websocket.Conn
	session    int    // bumped on every successful open
	identified bool   // SET_USER sent in this session
	joined     string // project joined in this session
	userID     string
	projectID  string // desired room, survives reconnects
	clientID   string
}

func NewConnMgr(opts Options) *ConnMgr {
	opts.norm()
	return &ConnMgr{
		opts:   opts,
		dialer: websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		state:  StateDisconnected,
		userID: opts.UserID,
	}
}

// Start dials in the background. ctx bounds the whole lifetime; cancelling it
// has the same effect as Stop.
func (c *ConnMgr) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errs.ErrArgs.WrapMsg("connection manager already started")
	}
	if c.opts.URL == "" {
		c.mu.Unlock()
		return errs.ErrArgs.WrapMsg("relay url is empty")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	safe.SafeGo("syncclient-stop-on-cancel", func() {
		<-c.ctx.Done()
		c.Stop()
	})
	safe.SafeGo("syncclient-dial", c.connect)
	return nil
}

// Stop is a deliberate disconnect: it cancels any pending reconnect and closes
// the socket. Terminal; safe to call more than once.
func (c *ConnMgr) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if ws := c.ws; ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stop"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		c.ws = nil
	}
	c.setStateLocked(StateDisconnected)
	c.unlock()
}

func (c *ConnMgr) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID is the id the relay assigned in CONNECTION_ESTABLISHED, "" before that.
func (c *ConnMgr) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Dials counts connection attempts, the first one included.
func (c *ConnMgr) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// SetUser records the identity. It is sent right away when the current session
// has not identified yet, otherwise it takes effect on the next session.
func (c *ConnMgr) SetUser(userID string) error {
	c.mu.Lock()
	defer c.unlock()
	c.userID = userID
	return c.identifyLocked()
}

// Join binds the connection to projectID, leaving the previous project first.
// Joining the current project again sends nothing.
func (c *ConnMgr) Join(projectID string) error {
	if projectID == "" {
		return errs.ErrArgs.WrapMsg("projectId is empty")
	}
	c.mu.Lock()
	defer c.unlock()
	c.projectID = projectID
	return c.joinLocked()
}

// Leave leaves the current project and forgets it for future sessions.
func (c *ConnMgr) Leave() error {
	c.mu.Lock()
	defer c.unlock()
	c.projectID = ""
	if c.joined == "" || !c.state.Connected() {
		c.joined = ""
		return nil
	}
	env, err := protocol.New(protocol.TypeLeaveProject, c.joined, protocol.RoomRequest{ProjectID: c.joined})
	if err != nil {
		return err
	}
	if err := c.writeLocked(env); err != nil {
		return err
	}
	c.joined = ""
	if c.identified {
		c.setStateLocked(StateIdentified)
	} else {
		c.setStateLocked(StateOpen)
	}
	return nil
}

// Send writes env as is; the relay fills projectId and userId for mutations.
func (c *ConnMgr) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.unlock()
	if !c.state.Connected() {
		return errs.ErrNotConnected.WrapMsg("", "state", c.state)
	}
	return c.writeLocked(env)
}

// ---- connection lifecycle ----

func (c *ConnMgr) connect() {
	c.mu.Lock()
	if c.stopped {
		c.unlock()
		return
	}
	c.timer = nil
	c.dials++
	c.setStateLocked(StateConnecting)
	ctx := c.ctx
	c.unlock()

	ws, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		logger.Info("[Client] dial failed", zap.String("url", c.opts.URL), zap.Error(err))
		c.mu.Lock()
		c.scheduleLocked()
		c.unlock()
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.session++
	c.identified = false
	c.joined = ""
	c.attempts = 0
	c.setStateLocked(StateOpen)
	session := c.session
	if err := c.identifyLocked(); err != nil {
		logger.Warn("[Client] identify failed", zap.Error(err))
	}
	if c.projectID != "" {
		if err := c.joinLocked(); err != nil {
			logger.Warn("[Client] rejoin failed", zap.String("projectId", c.projectID), zap.Error(err))
		}
	}
	c.unlock()

	logger.Info("[Client] connected", zap.String("url", c.opts.URL), zap.Int("session", session))
	safe.SafeGo("syncclient-read", func() { c.readLoop(ws, session) })
}

func (c *ConnMgr) readLoop(ws *websocket.Conn, session int) {
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)) }
	extend()
	ws.SetPingHandler(func(data string) error {
		extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onClosed(session, err)
			return
		}
		extend()
		env, err := protocol.Parse(data)
		if err != nil {
			logger.Info("[Client] bad frame from relay", zap.Error(err))
			continue
		}
		if env.Type == protocol.TypeConnectionEstablished {
			var hello protocol.ConnectionEstablished
			if env.DecodePayload(&hello) == nil {
				c.mu.Lock()
				if c.session == session {
					c.clientID = hello.ClientID
				}
				c.mu.Unlock()
			}
		}
		if h := c.opts.Handler; h != nil {
			h.Handle(env)
		}
	}
}

func (c *ConnMgr) onClosed(session int, err error) {
	c.mu.Lock()
	defer c.unlock()
	if c.stopped || c.session != session || c.ws == nil {
		return
	}
	logger.Info("[Client] connection lost", zap.Int("session", session), zap.Error(err))
	_ = c.ws.Close()
	c.ws = nil
	c.identified = false
	c.joined = ""
	c.setStateLocked(StateDisconnected)
	c.scheduleLocked()
}

// scheduleLocked arms the reconnect timer unless the cap is reached.
func (c *ConnMgr) scheduleLocked() {
	if c.stopped {
		c.setStateLocked(StateDisconnected)
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		logger.Warn("[Client] giving up", zap.Int("attempts", c.attempts))
		c.setStateLocked(StateGaveUp)
		return
	}
	c.attempts++
	c.setStateLocked(StateReconnectScheduled)
	c.timer = time.AfterFunc(c.opts.ReconnectInterval, c.connect)
}

func (c *ConnMgr) identifyLocked() error {
	if c.userID == "" || c.identified || !c.state.Connected() {
		return nil
	}
	env, err := protocol.New(protocol.TypeSetUser, "", protocol.SetUser{UserID: c.userID})
	if err != nil {
		return err
	}
	env.UserID = c.userID
	if err := c.writeLocked(env); err != nil {
		return err
	}
	c.identified = true
	if c.state == StateOpen {
		c.setStateLocked(StateIdentified)
	}
	return nil
}

func (c *ConnMgr) joinLocked() error {
	if !c.state.Connected() || c.joined == c.projectID {
		return nil
	}
	if c.joined != "" {
		leave, err := protocol.New(protocol.TypeLeaveProject, c.joined, protocol.RoomRequest{ProjectID: c.joined})
		if err != nil {
			return err
		}
		if err := c.writeLocked(leave); err != nil {
			return err
		}
		c.joined = ""
	}
	join, err := protocol.New(protocol.TypeJoinProject, c.projectID, protocol.RoomRequest{ProjectID: c.projectID})
	if err != nil {
		return err
	}
	if err := c.writeLocked(join); err != nil {
		return err
	}
	c.joined = c.projectID
	c.setStateLocked(StateRoomJoined)
	return nil
}

// writeLocked is the only writer of data frames; c.mu serializes them.
func (c *ConnMgr) writeLocked(env *protocol.Envelope) error {
	if c.ws == nil {
		return errs.ErrNotConnected.WrapMsg("", "type", env.Type)
	}
	raw, err := env.Encode()
	if err != nil {
		return errs.ErrArgs.WrapMsg("encode envelope", "err", err)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		// the read loop sees the broken socket and drives the reconnect
		_ = c.ws.Close()
		return errs.ErrNotConnected.WrapMsg("write", "err", err)
	}
	return nil
}

func (c *ConnMgr) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.pending = append(c.pending, transition{from: c.state, to: s})
	c.state = s
}

// unlock releases c.mu and then reports queued transitions, so callbacks may
// call back into the manager.
func (c *ConnMgr) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(pending) == 0 || c.opts.OnStateChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, t := range pending {
		c.opts.OnStateChange(t.from, t.to)
	}
}

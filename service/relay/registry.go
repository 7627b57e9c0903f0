package relay

import (
	"PPSync/logger"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"PPSync/tools/ids"
	"PPSync/tools/safe"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PresenceMirror publishes room snapshots to processes outside the relay.
type PresenceMirror interface {
	Publish(ctx context.Context, p protocol.Presence) error
}

type RegistryConf struct {
	HeartbeatTimeout time.Duration    // no pong within this window => evicted
	SendQueue        int              // per-connection outbound frames
	WriteWait        time.Duration    // deadline for a single socket write
	Clock            func() time.Time // injectable for tests; nil => time.Now
	NewClientID      func() string    // nil => ids.ClientID
	Mirror           PresenceMirror   // optional
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewClientID == nil {
		c.NewClientID = ids.ClientID
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Registry owns every live connection and the room index. All state is touched
// by one goroutine; the exported methods submit closures to it and wait.
type Registry struct {
	conf    RegistryConf
	timeout atomic.Int64

	ops      chan func()
	stopCh   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// owned by the loop goroutine
	conns map[string]*Conn
	rooms map[string]*room
}

func NewRegistry(conf RegistryConf) *Registry {
	conf.norm()
	r := &Registry{
		conf:    conf,
		ops:     make(chan func()),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
		conns:   make(map[string]*Conn),
		rooms:   make(map[string]*room),
	}
	r.timeout.Store(int64(conf.HeartbeatTimeout))
	safe.SafeGo("registry-loop", r.loop)
	return r
}

func (r *Registry) loop() {
	defer close(r.stopped)
	for {
		select {
		case op := <-r.ops:
			r.run(op)
		case <-r.stopCh:
			for id, c := range r.conns {
				c.close(websocket.CloseGoingAway, "relay shutting down")
				delete(r.conns, id)
			}
			r.rooms = map[string]*room{}
			return
		}
	}
}

// run keeps a panicking handler from taking the loop down with it.
func (r *Registry) run(op func()) {
	defer safe.Recover("registry-op")
	op()
}

func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.ops <- func() { defer close(done); fn() }:
	case <-r.stopCh:
		return errs.ErrRelayStopped.Wrap()
	}
	select {
	case <-done:
		return nil
	case <-r.stopped:
		return errs.ErrRelayStopped.Wrap()
	}
}

// Stop closes every connection and ends the loop. Safe to call twice.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.stopped
}

func (r *Registry) SetHeartbeatTimeout(d time.Duration) {
	if d > 0 {
		r.timeout.Store(int64(d))
	}
}

func (r *Registry) HeartbeatTimeout() time.Duration {
	return time.Duration(r.timeout.Load())
}

// Register stores a new unjoined connection and starts its writer.
func (r *Registry) Register(t Transport, remote string) (*Conn, error) {
	var c *Conn
	err := r.do(func() {
		id := r.conf.NewClientID()
		for r.conns[id] != nil {
			id = r.conf.NewClientID()
		}
		c = newConn(id, remote, t, r.conf.SendQueue, r.conf.WriteWait, r.conf.Clock())
		r.conns[id] = c
		safe.SafeGo("relay-writer", c.writeLoop)
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("[Registry] registered", zap.String("clientId", c.ClientID), zap.String("remote", remote))
	return c, nil
}

// Identify binds userID to the connection. A second call overwrites silently.
func (r *Registry) Identify(clientID, userID string) error {
	var opErr error
	err := r.do(func() {
		c, ok := r.conns[clientID]
		if !ok {
			opErr = errs.ErrRecordNotFound.WrapMsg("connection", "clientId", clientID)
			return
		}
		if c.UserID != "" && c.UserID != userID {
			logger.Debug("[Registry] identity overwritten",
				zap.String("clientId", clientID), zap.String("old", c.UserID), zap.String("new", userID))
		}
		c.UserID = userID
		if rm := r.rooms[c.ProjectID]; rm != nil {
			r.broadcastPresenceLocked(rm)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// Join moves the connection into projectID's room, leaving any other room first.
// Joining the current room again is a no-op.
func (r *Registry) Join(clientID, projectID string) error {
	if projectID == "" {
		return errs.ErrArgs.WrapMsg("projectId is empty")
	}
	var opErr error
	err := r.do(func() {
		c, ok := r.conns[clientID]
		if !ok {
			opErr = errs.ErrRecordNotFound.WrapMsg("connection", "clientId", clientID)
			return
		}
		if c.ProjectID == projectID {
			return
		}
		r.leaveLocked(c)

		rm := r.rooms[projectID]
		if rm == nil {
			rm = &room{projectID: projectID}
			r.rooms[projectID] = rm
		}
		c.ProjectID = projectID
		c.JoinedAt = r.conf.Clock()
		rm.add(c)
		r.broadcastPresenceLocked(rm)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Leave removes the connection from projectID's room if it is a member.
func (r *Registry) Leave(clientID, projectID string) error {
	return r.do(func() {
		c, ok := r.conns[clientID]
		if !ok || c.ProjectID == "" || c.ProjectID != projectID {
			return
		}
		r.leaveLocked(c)
	})
}

// Unregister leaves the current room, forgets the connection and closes it.
func (r *Registry) Unregister(clientID string) error {
	return r.do(func() {
		if c, ok := r.conns[clientID]; ok {
			r.unregisterLocked(c, websocket.CloseNormalClosure, "")
		}
	})
}

// Heartbeat records a sign of life (pong or inbound frame).
func (r *Registry) Heartbeat(clientID string) error {
	return r.do(func() {
		if c, ok := r.conns[clientID]; ok {
			c.LastHeartbeatAt = r.conf.Clock()
		}
	})
}

// Broadcast delivers env to every member of projectID except excludeClientID and
// returns how many connections accepted the frame.
func (r *Registry) Broadcast(projectID string, env *protocol.Envelope, excludeClientID string) (int, error) {
	payload, err := env.Encode()
	if err != nil {
		return 0, errs.ErrArgs.WrapMsg("encode envelope", "err", err)
	}
	delivered := 0
	err = r.do(func() {
		delivered = r.fanoutLocked(r.rooms[projectID], payload, excludeClientID)
	})
	return delivered, err
}

// Relay forwards a frame received from clientID to the rest of its room.
func (r *Registry) Relay(clientID string, env *protocol.Envelope) (int, error) {
	var (
		delivered int
		opErr     error
	)
	err := r.do(func() {
		c, ok := r.conns[clientID]
		if !ok {
			opErr = errs.ErrRecordNotFound.WrapMsg("connection", "clientId", clientID)
			return
		}
		if c.ProjectID == "" {
			opErr = errs.ErrNotJoined.WrapMsg("", "type", env.Type)
			return
		}
		env.ProjectID = c.ProjectID
		if env.UserID == "" {
			env.UserID = c.UserID
		}
		payload, encErr := env.Encode()
		if encErr != nil {
			opErr = errs.ErrArgs.WrapMsg("encode envelope", "err", encErr)
			return
		}
		delivered = r.fanoutLocked(r.rooms[c.ProjectID], payload, clientID)
	})
	if err != nil {
		return 0, err
	}
	return delivered, opErr
}

// Send queues env for a single connection.
func (r *Registry) Send(clientID string, env *protocol.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return errs.ErrArgs.WrapMsg("encode envelope", "err", err)
	}
	var opErr error
	err = r.do(func() {
		c, ok := r.conns[clientID]
		if !ok {
			opErr = errs.ErrRecordNotFound.WrapMsg("connection", "clientId", clientID)
			return
		}
		c.enqueue(payload)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Sweep evicts connections that are dead or silent for longer than the heartbeat
// timeout and pings the rest. It returns the evicted client ids.
func (r *Registry) Sweep(now time.Time) ([]string, error) {
	timeout := r.HeartbeatTimeout()
	var evicted []string
	err := r.do(func() {
		for id, c := range r.conns {
			if c.dead.Load() || now.Sub(c.LastHeartbeatAt) > timeout {
				evicted = append(evicted, id)
				continue
			}
			c.requestPing()
		}
		sort.Strings(evicted)
		for _, id := range evicted {
			r.unregisterLocked(r.conns[id], websocket.CloseGoingAway, "heartbeat timeout")
		}
	})
	return evicted, err
}

func (r *Registry) Counts() (connections, rooms int, err error) {
	err = r.do(func() {
		connections = len(r.conns)
		rooms = len(r.rooms)
	})
	return
}

type RoomStats struct {
	ProjectID   string   `json:"projectId"`
	Connections int      `json:"connections"`
	Clients     []string `json:"clients"`
	Users       []string `json:"users"`
}

type Stats struct {
	Connections int         `json:"connections"`
	Rooms       []RoomStats `json:"rooms"`
}

func (r *Registry) Stats() (Stats, error) {
	var st Stats
	err := r.do(func() {
		st.Connections = len(r.conns)
		st.Rooms = make([]RoomStats, 0, len(r.rooms))
		for pid, rm := range r.rooms {
			rs := RoomStats{ProjectID: pid, Connections: len(rm.members), Clients: []string{}, Users: []string{}}
			seen := make(map[string]struct{})
			for _, m := range rm.members {
				rs.Clients = append(rs.Clients, m.ClientID)
				if m.UserID == "" {
					continue
				}
				if _, dup := seen[m.UserID]; !dup {
					seen[m.UserID] = struct{}{}
					rs.Users = append(rs.Users, m.UserID)
				}
			}
			st.Rooms = append(st.Rooms, rs)
		}
		sort.Slice(st.Rooms, func(i, j int) bool { return st.Rooms[i].ProjectID < st.Rooms[j].ProjectID })
	})
	return st, err
}

// Presence returns the current snapshot of projectID's room.
func (r *Registry) Presence(projectID string) (protocol.Presence, error) {
	p := protocol.NewPresence(projectID, nil)
	err := r.do(func() {
		if rm := r.rooms[projectID]; rm != nil {
			p = rm.presence()
		}
	})
	return p, err
}

// ---- loop-only helpers ----

func (r *Registry) leaveLocked(c *Conn) {
	if c.ProjectID == "" {
		return
	}
	rm := r.rooms[c.ProjectID]
	c.ProjectID = ""
	c.JoinedAt = time.Time{}
	if rm == nil || !rm.remove(c) {
		return
	}
	if len(rm.members) == 0 {
		delete(r.rooms, rm.projectID)
	}
	r.broadcastPresenceLocked(rm)
}

func (r *Registry) unregisterLocked(c *Conn, code int, reason string) {
	r.leaveLocked(c)
	delete(r.conns, c.ClientID)
	c.close(code, reason)
	logger.Debug("[Registry] unregistered", zap.String("clientId", c.ClientID), zap.String("reason", reason))
}

func (r *Registry) fanoutLocked(rm *room, payload []byte, excludeClientID string) int {
	if rm == nil {
		return 0
	}
	n := 0
	for _, m := range rm.members {
		if excludeClientID != "" && m.ClientID == excludeClientID {
			continue
		}
		if m.enqueue(payload) {
			n++
		}
	}
	return n
}

// broadcastPresenceLocked sends the full room snapshot to every member and
// mirrors it. An emptied room still gets mirrored so observers see count 0.
func (r *Registry) broadcastPresenceLocked(rm *room) {
	p := rm.presence()
	env, err := protocol.New(protocol.TypeUserPresence, rm.projectID, p)
	if err != nil {
		logger.Error("[Registry] build presence", zap.Error(err))
		return
	}
	payload, err := env.Encode()
	if err != nil {
		logger.Error("[Registry] encode presence", zap.Error(err))
		return
	}
	r.fanoutLocked(rm, payload, "")

	if mirror := r.conf.Mirror; mirror != nil {
		safe.SafeGo("presence-mirror", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := mirror.Publish(ctx, p); err != nil {
				logger.Warn("[Registry] presence mirror failed", zap.String("projectId", p.ProjectID), zap.Error(err))
			}
		})
	}
}

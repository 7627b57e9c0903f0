package relay

import (
	"PPSync/middleware/security"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	jwtsec "PPSync/tools/security"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testRelay struct {
	srv  *Server
	http *httptest.Server
}

func startRelay(t *testing.T, conf ServerConf) *testRelay {
	t.Helper()
	reg := NewRegistry(RegistryConf{})
	srv := NewServer(reg, conf)
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		hs.Close()
		reg.Stop()
	})
	return &testRelay{srv: srv, http: hs}
}

func (tr *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(tr.http.URL, "http") + "/ws"
}

// dial connects and consumes CONNECTION_ESTABLISHED, returning the assigned clientId.
func (tr *testRelay) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(tr.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	env := readType(t, ws, protocol.TypeConnectionEstablished)
	var hello protocol.ConnectionEstablished
	assert.Equal(t, env.DecodePayload(&hello), nil)
	assert.NotEqual(t, hello.ClientID, "")
	assert.NotEqual(t, hello.ServerTime, int64(0))
	return ws, hello.ClientID
}

func (tr *testRelay) ingest(t *testing.T, body any, header http.Header) (int, protocol.IngestResponse) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, tr.http.URL+"/api/broadcast", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out protocol.IngestResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func send(t *testing.T, ws *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	raw, err := env.Encode()
	assert.Equal(t, err, nil)
	assert.Equal(t, ws.WriteMessage(websocket.TextMessage, raw), nil)
}

// readType reads frames until one of type want arrives, skipping anything else.
func readType(t *testing.T, ws *websocket.Conn, want protocol.MessageType) *protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		env, err := protocol.Parse(data)
		if err != nil {
			t.Fatalf("relay sent a bad frame: %v", err)
		}
		if env.Type == want {
			return env
		}
	}
}

// readNonPresence returns the next frame that is not a presence snapshot.
func readNonPresence(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		env, err := protocol.Parse(data)
		if err != nil {
			t.Fatalf("relay sent a bad frame: %v", err)
		}
		if env.Type != protocol.TypeUserPresence {
			return env
		}
	}
}

func presenceOf(t *testing.T, env *protocol.Envelope) protocol.Presence {
	t.Helper()
	var p protocol.Presence
	assert.Equal(t, env.DecodePayload(&p), nil)
	return p
}

func identifyAndJoin(t *testing.T, ws *websocket.Conn, userID, projectID string) protocol.Presence {
	t.Helper()
	setUser, _ := protocol.New(protocol.TypeSetUser, "", protocol.SetUser{UserID: userID})
	send(t, ws, setUser)
	join, _ := protocol.New(protocol.TypeJoinProject, projectID, nil)
	send(t, ws, join)
	for {
		p := presenceOf(t, readType(t, ws, protocol.TypeUserPresence))
		for _, e := range p.ActiveUsers {
			if e.UserID == userID {
				return p
			}
		}
	}
}

func TestJoinPresenceOverSocket(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	a, aID := tr.dial(t)

	p := identifyAndJoin(t, a, "alice", "p1")
	assert.Equal(t, p.ProjectID, "p1")
	assert.Equal(t, p.Count, 1)
	assert.Equal(t, p.ActiveUsers[0].ClientID, aID)

	b, _ := tr.dial(t)
	identifyAndJoin(t, b, "bob", "p1")

	// a sees the room grow to two
	for {
		p = presenceOf(t, readType(t, a, protocol.TypeUserPresence))
		if p.Count == 2 {
			break
		}
	}
	assert.Equal(t, len(p.ActiveUsers), 2)
}

func TestBadFrameAnsweredOnlyToSender(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	c, _ := tr.dial(t)
	d, _ := tr.dial(t)
	identifyAndJoin(t, c, "carol", "p1")
	identifyAndJoin(t, d, "dave", "p1")

	assert.Equal(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")), nil)
	env := readNonPresence(t, c)
	assert.Equal(t, env.Type, protocol.TypeError)
	var ce errs.CodeError
	assert.Equal(t, env.DecodePayload(&ce), nil)
	assert.Equal(t, ce.Code, errs.BadEnvelopeError)

	// the socket survives and the next mutation is the first thing d sees
	upd, _ := protocol.New(protocol.TypeTaskUpdate, "", protocol.EntityChange{ID: "t1", Changes: map[string]any{"title": "x"}})
	send(t, c, upd)
	got := readNonPresence(t, d)
	assert.Equal(t, got.Type, protocol.TypeTaskUpdate)
	assert.Equal(t, got.ProjectID, "p1")
	assert.Equal(t, got.UserID, "carol")
	assert.Equal(t, got.OperationID, upd.OperationID)

	st, err := tr.srv.Registry().Stats()
	assert.Equal(t, err, nil)
	assert.Equal(t, st.Connections, 2)
}

func TestMutationBeforeJoinIsRejected(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	c, _ := tr.dial(t)

	del, _ := protocol.New(protocol.TypeTaskDelete, "", protocol.EntityChange{ID: "t1"})
	send(t, c, del)
	env := readNonPresence(t, c)
	assert.Equal(t, env.Type, protocol.TypeError)
	assert.Equal(t, env.OperationID, del.OperationID)
	var ce errs.CodeError
	assert.Equal(t, env.DecodePayload(&ce), nil)
	assert.Equal(t, ce.Code, errs.NotJoinedError)
}

func TestUnknownTypeIgnored(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	c, _ := tr.dial(t)
	identifyAndJoin(t, c, "carol", "p1")

	assert.Equal(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"TASK_ARCHIVE","payload":{}}`)), nil)
	// a frame that does produce a reply proves nothing was queued for the unknown one
	assert.Equal(t, c.WriteMessage(websocket.TextMessage, []byte(`[]`)), nil)
	env := readNonPresence(t, c)
	assert.Equal(t, env.Type, protocol.TypeError)
}

func TestIngestBroadcastsWithExclusion(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	a, aID := tr.dial(t)
	b, _ := tr.dial(t)
	identifyAndJoin(t, a, "alice", "p1")
	identifyAndJoin(t, b, "bob", "p1")

	status, resp := tr.ingest(t, map[string]any{
		"type":            "TASK_CREATE",
		"projectId":       "p1",
		"operationId":     "op-1",
		"payload":         map[string]any{"id": "task-9", "title": "Write docs"},
		"excludeClientId": aID,
	}, nil)
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, resp.Success, true)
	assert.Equal(t, resp.Delivered, 1)
	assert.Equal(t, resp.OperationID, "op-1")

	got := readNonPresence(t, b)
	assert.Equal(t, got.Type, protocol.TypeTaskCreate)
	assert.Equal(t, got.OperationID, "op-1")

	status, resp = tr.ingest(t, map[string]any{
		"type":        "PROJECT_UPDATE",
		"projectId":   "p1",
		"operationId": "op-2",
		"payload":     map[string]any{"id": "p1", "changes": map[string]any{"name": "New"}},
	}, nil)
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, resp.Delivered, 2)

	// a never saw op-1
	got = readNonPresence(t, a)
	assert.Equal(t, got.OperationID, "op-2")
}

func TestIngestRejectsInvalid(t *testing.T) {
	tr := startRelay(t, ServerConf{})

	status, resp := tr.ingest(t, map[string]any{"type": "TASK_CREATE", "payload": map[string]any{}}, nil)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, resp.Success, false)
	assert.Equal(t, resp.Error.Code, errs.ArgsError)

	status, resp = tr.ingest(t, map[string]any{"type": "TASK_ARCHIVE", "projectId": "p1"}, nil)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, resp.Error.Code, errs.UnknownTypeError)

	status, resp = tr.ingest(t, map[string]any{"type": "JOIN_PROJECT", "projectId": "p1"}, nil)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, resp.Error.Code, errs.ArgsError)

	status, resp = tr.ingest(t, "not an object", nil)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, resp.Error.Code, errs.BadEnvelopeError)
}

func TestIngestRejectsRelayOwnedTypes(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	a, _ := tr.dial(t)
	identifyAndJoin(t, a, "alice", "p1")

	forged := map[string]any{
		"type":      "USER_PRESENCE",
		"projectId": "p1",
		"payload":   map[string]any{"activeUsers": []any{}, "count": 7},
	}
	status, resp := tr.ingest(t, forged, nil)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, resp.Error.Code, errs.ArgsError)

	status, resp = tr.ingest(t, map[string]any{"type": "ERROR", "projectId": "p1", "payload": map[string]any{"code": 1}}, nil)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, resp.Error.Code, errs.ArgsError)

	// the next frame a sees is the regular change, nothing forged in front of it
	status, _ = tr.ingest(t, map[string]any{"type": "TASK_DELETE", "projectId": "p1", "payload": map[string]any{"id": "t1"}}, nil)
	assert.Equal(t, status, http.StatusOK)
	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := a.ReadMessage()
	assert.Equal(t, err, nil)
	got, err := protocol.Parse(data)
	assert.Equal(t, err, nil)
	assert.Equal(t, got.Type, protocol.TypeTaskDelete)
}

func TestIngestAuth(t *testing.T) {
	secret := []byte("test-secret")
	opts := security.DefaultOptions(secret)
	opts.RequiredScope = "broadcast"
	tr := startRelay(t, ServerConf{IngestAuth: security.Middleware(opts)})

	body := map[string]any{"type": "TASK_DELETE", "projectId": "p1", "payload": map[string]any{"id": "t1"}}
	status, _ := tr.ingest(t, body, nil)
	assert.Equal(t, status, http.StatusUnauthorized)

	token, _, err := jwtsec.Generate(opts.JWT, "api", []string{"broadcast"})
	assert.Equal(t, err, nil)
	status, resp := tr.ingest(t, body, http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, resp.Delivered, 0)
}

func TestHealthAndStats(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	a, _ := tr.dial(t)
	identifyAndJoin(t, a, "alice", "p1")

	resp, err := http.Get(tr.http.URL + "/health")
	assert.Equal(t, err, nil)
	var h healthResponse
	assert.Equal(t, json.NewDecoder(resp.Body).Decode(&h), nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, h.Status, "ok")
	assert.Equal(t, h.Connections, 1)
	assert.Equal(t, h.Rooms, 1)

	resp, err = http.Get(tr.http.URL + "/api/stats")
	assert.Equal(t, err, nil)
	var st Stats
	assert.Equal(t, json.NewDecoder(resp.Body).Decode(&st), nil)
	resp.Body.Close()
	assert.Equal(t, len(st.Rooms), 1)
	assert.Equal(t, st.Rooms[0].Users, []string{"alice"})
}

func TestPeerCloseUnregisters(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	a, _ := tr.dial(t)
	b, _ := tr.dial(t)
	identifyAndJoin(t, a, "alice", "p1")
	identifyAndJoin(t, b, "bob", "p1")

	_ = b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = b.Close()

	for {
		p := presenceOf(t, readType(t, a, protocol.TypeUserPresence))
		if p.Count == 1 {
			assert.Equal(t, p.ActiveUsers[0].UserID, "alice")
			break
		}
	}
}

func TestAllowedOriginsSwapAtRuntime(t *testing.T) {
	tr := startRelay(t, ServerConf{AllowedOrigins: []string{"https://app.example.com"}})
	hdr := http.Header{"Origin": {"https://other.example.com"}}

	_, resp, err := websocket.DefaultDialer.Dial(tr.wsURL(), hdr)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusForbidden)

	tr.srv.SetAllowedOrigins(nil)
	ws, _, err := websocket.DefaultDialer.Dial(tr.wsURL(), hdr)
	assert.Equal(t, err, nil)
	_ = ws.Close()
}

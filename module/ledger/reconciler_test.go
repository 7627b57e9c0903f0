package ledger

import (
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

func env(t *testing.T, typ protocol.MessageType, payload any) *protocol.Envelope {
	t.Helper()
	e, err := protocol.New(typ, "p1", payload)
	assert.Equal(t, err, nil)
	return e
}

func TestReconcileCreateUpdateDelete(t *testing.T) {
	l, s := newTestLedger(t)
	r := NewReconciler(l)

	created := env(t, protocol.TypeTaskCreate, map[string]any{"id": "task-9", "title": "Remote"})
	assert.Equal(t, r.Apply(created), nil)
	assert.Equal(t, r.Apply(created), nil) // insert-if-absent
	assert.Equal(t, entityIDs(s.List(protocol.KindTask)), []string{"task-9", "task-1", "task-2", "task-3"})

	upd := env(t, protocol.TypeTaskUpdate, protocol.EntityChange{ID: "task-1", Changes: map[string]any{"status": "done"}})
	assert.Equal(t, r.Apply(upd), nil)
	got, _ := s.Get(protocol.KindTask, "task-1")
	assert.Equal(t, got["status"], "done")
	assert.Equal(t, got["title"], "Plan")

	// update for an entity we never saw is a no-op
	assert.Equal(t, r.Apply(env(t, protocol.TypeTaskUpdate, protocol.EntityChange{ID: "ghost", Changes: map[string]any{"x": 1}})), nil)

	assert.Equal(t, r.Apply(env(t, protocol.TypeTaskDelete, protocol.EntityChange{ID: "task-2"})), nil)
	assert.Equal(t, entityIDs(s.List(protocol.KindTask)), []string{"task-9", "task-1", "task-3"})
}

func TestReconcileEchoConfirmsPendingCreate(t *testing.T) {
	l, s := newTestLedger(t)
	r := NewReconciler(l)

	opID, tempID, _ := l.CreateOptimistic(protocol.KindComment, Entity{"body": "mine"})
	echo := env(t, protocol.TypeCommentCreate, map[string]any{"id": "comment-5", "body": "mine"})
	echo.OperationID = opID

	assert.Equal(t, r.Apply(echo), nil)
	assert.Equal(t, l.IsPending(opID), false)
	assert.Equal(t, entityIDs(s.List(protocol.KindComment)), []string{"comment-5"})
	_, found := s.Get(protocol.KindComment, tempID)
	assert.Equal(t, found, false)
}

func TestReconcilePresenceReplacesWholesale(t *testing.T) {
	l, s := newTestLedger(t)
	r := NewReconciler(l)

	two := protocol.NewPresence("p1", []protocol.PresenceEntry{{UserID: "a", ClientID: "1"}, {UserID: "b", ClientID: "2"}})
	assert.Equal(t, r.Apply(env(t, protocol.TypeUserPresence, two)), nil)
	one := protocol.NewPresence("p1", []protocol.PresenceEntry{{UserID: "b", ClientID: "2"}})
	assert.Equal(t, r.Apply(env(t, protocol.TypeUserPresence, one)), nil)

	p, ok := s.Presence("p1")
	assert.Equal(t, ok, true)
	assert.Equal(t, p, one)
}

func TestReconcileHandshakeAndErrors(t *testing.T) {
	l, _ := newTestLedger(t)
	r := NewReconciler(l)

	assert.Equal(t, r.Apply(env(t, protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{ClientID: "c-77"})), nil)
	assert.Equal(t, r.ClientID(), "c-77")

	var gotCode int
	r.OnError(func(ce errs.CodeError, _ string) { gotCode = ce.Code })
	assert.Equal(t, r.Apply(protocol.NewError(errs.ErrNotJoined, "op-1")), nil)
	assert.Equal(t, gotCode, errs.NotJoinedError)

	unknown := &protocol.Envelope{Type: "TASK_ARCHIVE"}
	assert.Equal(t, r.Apply(unknown), nil)

	bad := env(t, protocol.TypeTaskUpdate, map[string]any{"changes": map[string]any{}})
	assert.Equal(t, errors.Is(r.Apply(bad), errs.ErrBadEnvelope), true)
	badCreate := env(t, protocol.TypeTaskCreate, []int{1})
	assert.Equal(t, errors.Is(r.Apply(badCreate), errs.ErrBadEnvelope), true)
}

func TestOnErrorSwapWhileApplying(t *testing.T) {
	l, _ := newTestLedger(t)
	r := NewReconciler(l)
	assert.Equal(t, r.Apply(protocol.NewError(errs.ErrNotJoined, "op-0")), nil)

	var seen atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.OnError(func(errs.CodeError, string) { seen.Add(1) })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = r.Apply(protocol.NewError(errs.ErrNotJoined, "op-1"))
		}
	}()
	wg.Wait()

	before := seen.Load()
	assert.Equal(t, r.Apply(protocol.NewError(errs.ErrNotJoined, "op-2")), nil)
	assert.Equal(t, seen.Load(), before+1)

	r.OnError(nil)
	assert.Equal(t, r.Apply(protocol.NewError(errs.ErrNotJoined, "op-3")), nil)
	assert.Equal(t, seen.Load(), before+1)
}

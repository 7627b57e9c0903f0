package ledger

import (
	"PPSync/logger"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"PPSync/tools/ids"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Option func(*Ledger)

// WithTempIDs replaces the temporary id generator ("temp-<ulid>" by default).
func WithTempIDs(gen func() string) Option { return func(l *Ledger) { l.newTempID = gen } }

func WithOperationIDs(gen func() string) Option { return func(l *Ledger) { l.newOpID = gen } }

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// Ledger applies mutations to the Store before the backend has confirmed them
// and remembers how to undo each one. It never rolls back on its own: callers
// decide when an operation has failed.
type Ledger struct {
	store *Store

	mu      sync.Mutex
	pending map[string]Op

	newTempID func() string
	newOpID   func() string
	now       func() time.Time
}

func New(store *Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		pending:   make(map[string]Op),
		newTempID: ids.TempID,
		newOpID:   ids.OperationID,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) Store() *Store { return l.store }

// CreateOptimistic prepends data under a temporary id and returns the operation
// id and that temporary id.
func (l *Ledger) CreateOptimistic(kind protocol.EntityKind, data Entity) (opID, tempID string, err error) {
	if _, ok := protocol.MutationType(kind, protocol.ActionCreate); !ok {
		return "", "", errs.ErrArgs.WrapMsg("kind cannot be created", "kind", kind)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tempID = l.newTempID()
	e := data.Clone()
	if e == nil {
		e = Entity{}
	}
	e[idField] = tempID

	op := &CreateOp{opBase: l.base(kind), TempID: tempID, Speculative: e.Clone()}
	l.store.mu.Lock()
	l.store.insertLocked(kind, 0, e)
	l.store.mu.Unlock()
	l.pending[op.opID] = op
	return op.opID, tempID, nil
}

// UpdateOptimistic shallow-merges patch into the entity and records its prior value.
func (l *Ledger) UpdateOptimistic(kind protocol.EntityKind, id string, patch Entity) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	i := l.store.indexLocked(kind, id)
	if i < 0 {
		return "", errs.ErrRecordNotFound.WrapMsg("", "kind", kind, "id", id)
	}
	cur := l.store.items[kind][i]
	op := &UpdateOp{opBase: l.base(kind), Prior: cur.Clone(), Patch: patch.Clone()}
	next := cur.Clone()
	next.merge(patch)
	l.store.items[kind][i] = next
	l.pending[op.opID] = op
	return op.opID, nil
}

// DeleteOptimistic removes the entity and records it with its position.
func (l *Ledger) DeleteOptimistic(kind protocol.EntityKind, id string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	i := l.store.indexLocked(kind, id)
	if i < 0 {
		return "", errs.ErrRecordNotFound.WrapMsg("", "kind", kind, "id", id)
	}
	prior := l.store.removeLocked(kind, i)
	op := &DeleteOp{opBase: l.base(kind), Prior: prior, Index: i}
	l.pending[op.opID] = op
	return op.opID, nil
}

// Confirm settles opID. For a create, the temporary entity takes the
// authoritative id (and content, when given) without ever duplicating it.
func (l *Ledger) Confirm(opID string, authoritative Entity) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.pending[opID]
	if !ok {
		return errs.ErrUnknownOperation.WrapMsg("", "operationId", opID)
	}
	delete(l.pending, opID)

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	switch o := op.(type) {
	case *CreateOp:
		l.confirmCreateLocked(o, authoritative)
	case *UpdateOp:
		if authoritative != nil {
			if i := l.store.indexLocked(o.kind, o.Prior.ID()); i >= 0 {
				l.store.items[o.kind][i] = authoritative.Clone()
			}
		}
	case *DeleteOp:
		if i := l.store.indexLocked(o.kind, o.Prior.ID()); i >= 0 {
			l.store.removeLocked(o.kind, i)
		}
	}
	return nil
}

func (l *Ledger) confirmCreateLocked(o *CreateOp, authoritative Entity) {
	tempIdx := l.store.indexLocked(o.kind, o.TempID)
	realID := authoritative.ID()
	if realID == "" {
		// nothing to swap in; the temporary entity simply stops being pending
		return
	}
	if existing := l.store.indexLocked(o.kind, realID); existing >= 0 {
		// the broadcast beat the persistence reply
		l.store.items[o.kind][existing] = authoritative.Clone()
		if tempIdx >= 0 {
			l.store.removeLocked(o.kind, tempIdx)
		}
	} else if tempIdx >= 0 {
		l.store.items[o.kind][tempIdx] = authoritative.Clone()
	}
	for _, other := range l.pending {
		if other.Kind() == o.kind {
			other.rename(o.TempID, realID)
		}
	}
}

// Rollback restores the recorded prior state of opID.
func (l *Ledger) Rollback(opID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.pending[opID]
	if !ok {
		return errs.ErrUnknownOperation.WrapMsg("", "operationId", opID)
	}
	delete(l.pending, opID)
	l.store.mu.Lock()
	op.undo(l.store)
	l.store.mu.Unlock()
	logger.Debug("[Ledger] rolled back", zap.String("operationId", opID), zap.String("kind", string(op.Kind())),
		zap.String("action", string(op.Action())), zap.String("id", op.EntityID()))
	return nil
}

// Pending lists unsettled operations, oldest first.
func (l *Ledger) Pending() []Op {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Op, 0, len(l.pending))
	for _, op := range l.pending {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].OperationID() < out[j].OperationID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// IsPending reports whether opID is still waiting for Confirm or Rollback.
func (l *Ledger) IsPending(opID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[opID]
	return ok
}

// RollbackExpired rolls back, newest first, every operation older than olderThan
// and returns their ids.
func (l *Ledger) RollbackExpired(olderThan time.Duration) []string {
	cutoff := l.now().Add(-olderThan)
	ops := l.Pending()
	var expired []string
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].CreatedAt().Before(cutoff) {
			expired = append(expired, ops[i].OperationID())
		}
	}
	for _, id := range expired {
		if err := l.Rollback(id); err != nil {
			// settled concurrently
			continue
		}
	}
	return expired
}

// confirmEcho settles a pending create whose own broadcast came back through
// the relay; other actions are left for the caller to confirm.
func (l *Ledger) confirmEcho(opID string, entity Entity) bool {
	l.mu.Lock()
	op, ok := l.pending[opID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	if _, isCreate := op.(*CreateOp); !isCreate {
		return false
	}
	return l.Confirm(opID, entity) == nil
}

func (l *Ledger) base(kind protocol.EntityKind) opBase {
	return opBase{opID: l.newOpID(), kind: kind, created: l.now()}
}

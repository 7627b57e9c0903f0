package ledger

import (
	"PPSync/service/protocol"
	"time"
)

// Op is one pending optimistic mutation together with what is needed to undo it.
// Implementations: *CreateOp, *UpdateOp, *DeleteOp.
type Op interface {
	OperationID() string
	Kind() protocol.EntityKind
	Action() protocol.Action
	EntityID() string
	CreatedAt() time.Time

	undo(s *Store)
	rename(from, to string)
}

type opBase struct {
	opID    string
	kind    protocol.EntityKind
	created time.Time
}

func (b *opBase) OperationID() string        { return b.opID }
func (b *opBase) Kind() protocol.EntityKind { return b.kind }
func (b *opBase) CreatedAt() time.Time      { return b.created }

// CreateOp has no prior state: undo removes the temporary entity.
type CreateOp struct {
	opBase
	TempID      string
	Speculative Entity
}

func (o *CreateOp) Action() protocol.Action { return protocol.ActionCreate }
func (o *CreateOp) EntityID() string        { return o.TempID }

func (o *CreateOp) undo(s *Store) {
	if i := s.indexLocked(o.kind, o.TempID); i >= 0 {
		s.removeLocked(o.kind, i)
	}
}

func (o *CreateOp) rename(from, to string) {
	if o.TempID == from {
		o.TempID = to
	}
}

// UpdateOp keeps the whole pre-patch entity; undo puts it back verbatim.
type UpdateOp struct {
	opBase
	Prior Entity
	Patch Entity
}

func (o *UpdateOp) Action() protocol.Action { return protocol.ActionUpdate }
func (o *UpdateOp) EntityID() string        { return o.Prior.ID() }

func (o *UpdateOp) undo(s *Store) {
	// an entity deleted by someone else stays deleted
	if i := s.indexLocked(o.kind, o.Prior.ID()); i >= 0 {
		s.items[o.kind][i] = o.Prior.Clone()
	}
}

func (o *UpdateOp) rename(from, to string) {
	if o.Prior.ID() == from {
		o.Prior[idField] = to
	}
}

// DeleteOp keeps the removed entity and where it was.
type DeleteOp struct {
	opBase
	Prior Entity
	Index int
}

func (o *DeleteOp) Action() protocol.Action { return protocol.ActionDelete }
func (o *DeleteOp) EntityID() string        { return o.Prior.ID() }

func (o *DeleteOp) undo(s *Store) {
	if s.indexLocked(o.kind, o.Prior.ID()) >= 0 {
		return
	}
	s.insertLocked(o.kind, o.Index, o.Prior.Clone())
}

func (o *DeleteOp) rename(from, to string) {
	if o.Prior.ID() == from {
		o.Prior[idField] = to
	}
}

package ledger

import (
	"PPSync/logger"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"sync/atomic"

	"go.uber.org/zap"
)

// Reconciler folds inbound relay envelopes into the Store. It satisfies
// syncclient.Handler.
type Reconciler struct {
	store    *Store
	ledger   *Ledger
	clientID atomic.Value // string
	onError  atomic.Value // errorHook
}

type errorHook func(ce errs.CodeError, operationID string)

func NewReconciler(l *Ledger) *Reconciler {
	r := &Reconciler{store: l.Store(), ledger: l}
	r.clientID.Store("")
	return r
}

// OnError registers a callback for ERROR envelopes sent by the relay. It may be
// swapped while envelopes are being applied.
func (r *Reconciler) OnError(fn func(ce errs.CodeError, operationID string)) {
	r.onError.Store(errorHook(fn))
}

// ClientID is the relay-assigned id of the current session.
func (r *Reconciler) ClientID() string { return r.clientID.Load().(string) }

func (r *Reconciler) Handle(env *protocol.Envelope) {
	if err := r.Apply(env); err != nil {
		logger.Info("[Reconciler] dropped envelope", zap.String("type", string(env.Type)),
			zap.String("operationId", env.OperationID), zap.Error(err))
	}
}

// Apply reconciles one envelope. Unknown types are accepted and ignored.
func (r *Reconciler) Apply(env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeConnectionEstablished:
		var hello protocol.ConnectionEstablished
		if err := env.DecodePayload(&hello); err != nil {
			return errs.ErrBadEnvelope.WrapMsg("hello payload", "err", err)
		}
		r.clientID.Store(hello.ClientID)
		return nil
	case protocol.TypeUserPresence:
		var p protocol.Presence
		if err := env.DecodePayload(&p); err != nil {
			return errs.ErrBadEnvelope.WrapMsg("presence payload", "err", err)
		}
		if p.ProjectID == "" {
			p.ProjectID = env.ProjectID
		}
		r.store.mu.Lock()
		r.store.setPresenceLocked(p)
		r.store.mu.Unlock()
		return nil
	case protocol.TypeError:
		var ce errs.CodeError
		_ = env.DecodePayload(&ce)
		logger.Warn("[Reconciler] relay error", zap.Int("code", ce.Code), zap.String("msg", ce.Msg),
			zap.String("detail", ce.Detail), zap.String("operationId", env.OperationID))
		if fn, _ := r.onError.Load().(errorHook); fn != nil {
			fn(ce, env.OperationID)
		}
		return nil
	case protocol.TypeTaskCreate, protocol.TypeCommentCreate:
		return r.applyCreate(env)
	case protocol.TypeTaskUpdate, protocol.TypeCommentUpdate, protocol.TypeProjectUpdate:
		return r.applyUpdate(env)
	case protocol.TypeTaskDelete, protocol.TypeCommentDelete, protocol.TypeProjectDelete:
		return r.applyDelete(env)
	case protocol.TypeSetUser, protocol.TypeJoinProject, protocol.TypeLeaveProject:
		// client-to-relay only
		return nil
	default:
		logger.Debug("[Reconciler] ignoring unknown type", zap.String("type", string(env.Type)))
		return nil
	}
}

func (r *Reconciler) applyCreate(env *protocol.Envelope) error {
	kind, _, _ := env.Type.Mutation()
	e, err := EntityFrom(env.Payload)
	if err != nil || e.ID() == "" {
		return errs.ErrBadEnvelope.WrapMsg("create payload needs an object with id", "type", env.Type)
	}
	if env.OperationID != "" && r.ledger.confirmEcho(env.OperationID, e) {
		return nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.indexLocked(kind, e.ID()) >= 0 {
		return nil
	}
	r.store.insertLocked(kind, 0, e)
	return nil
}

func (r *Reconciler) applyUpdate(env *protocol.Envelope) error {
	kind, _, _ := env.Type.Mutation()
	var ch protocol.EntityChange
	if err := env.DecodePayload(&ch); err != nil || ch.ID == "" {
		return errs.ErrBadEnvelope.WrapMsg("update payload needs id", "type", env.Type)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	i := r.store.indexLocked(kind, ch.ID)
	if i < 0 {
		return nil
	}
	next := r.store.items[kind][i].Clone()
	next.merge(ch.Changes)
	r.store.items[kind][i] = next
	return nil
}

func (r *Reconciler) applyDelete(env *protocol.Envelope) error {
	kind, _, _ := env.Type.Mutation()
	var ch protocol.EntityChange
	if err := env.DecodePayload(&ch); err != nil || ch.ID == "" {
		return errs.ErrBadEnvelope.WrapMsg("delete payload needs id", "type", env.Type)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if i := r.store.indexLocked(kind, ch.ID); i >= 0 {
		r.store.removeLocked(kind, i)
	}
	return nil
}

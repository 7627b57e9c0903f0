package session

import (
	"PPSync/logger"
	"PPSync/module/ledger"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"context"
	"time"

	"go.uber.org/zap"
)

// Persistence is the record store behind the relay. Create and Update return the
// authoritative entity.
type Persistence interface {
	Create(ctx context.Context, kind protocol.EntityKind, data ledger.Entity) (ledger.Entity, error)
	Update(ctx context.Context, kind protocol.EntityKind, id string, patch ledger.Entity) (ledger.Entity, error)
	Delete(ctx context.Context, kind protocol.EntityKind, id string) error
}

// Publisher hands a persisted change to the relay's ingestion path.
// Implemented by relay.IngestClient and natsx.BroadcastPublisher.
type Publisher interface {
	Broadcast(ctx context.Context, req *protocol.IngestRequest) (*protocol.IngestResponse, error)
}

// Session drives one user's mutations: optimistic apply, persist, then confirm
// or roll back, then publish to peers. The local connection is excluded from
// the broadcast so the change is not applied twice.
type Session struct {
	ledger   *ledger.Ledger
	store    Persistence
	pub      Publisher
	clientID func() string
	userID   string
	timeout  time.Duration
}

type Option func(*Session)

// WithPublisher enables fan-out after a successful write. Without one, peers
// only see the change on their next fetch.
func WithPublisher(p Publisher) Option { return func(s *Session) { s.pub = p } }

// WithClientID supplies the relay-assigned id of the local connection,
// usually Reconciler.ClientID.
func WithClientID(fn func() string) Option { return func(s *Session) { s.clientID = fn } }

func WithUser(userID string) Option { return func(s *Session) { s.userID = userID } }

// WithTimeout bounds each persistence call (default 10s).
func WithTimeout(d time.Duration) Option { return func(s *Session) { s.timeout = d } }

func New(l *ledger.Ledger, store Persistence, opts ...Option) *Session {
	s := &Session{
		ledger:   l,
		store:    store,
		clientID: func() string { return "" },
		timeout:  10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Create inserts data into projectID. The returned entity carries the
// persistence-assigned id.
func (s *Session) Create(ctx context.Context, kind protocol.EntityKind, projectID string, data ledger.Entity) (ledger.Entity, error) {
	data = data.Clone()
	if data == nil {
		data = ledger.Entity{}
	}
	if projectID != "" {
		data["projectId"] = projectID
	}
	opID, tempID, err := s.ledger.CreateOptimistic(kind, data)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	ent, err := s.store.Create(pctx, kind, data)
	cancel()
	if err != nil {
		s.rollback(opID, err)
		return nil, persistErr(err, kind, tempID)
	}
	if err := s.ledger.Confirm(opID, ent); err != nil {
		return nil, err
	}
	s.publish(ctx, kind, protocol.ActionCreate, projectID, opID, ent)
	return ent, nil
}

func (s *Session) Update(ctx context.Context, kind protocol.EntityKind, projectID, id string, patch ledger.Entity) (ledger.Entity, error) {
	opID, err := s.ledger.UpdateOptimistic(kind, id, patch)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	ent, err := s.store.Update(pctx, kind, id, patch)
	cancel()
	if err != nil {
		s.rollback(opID, err)
		return nil, persistErr(err, kind, id)
	}
	if err := s.ledger.Confirm(opID, ent); err != nil {
		return nil, err
	}
	s.publish(ctx, kind, protocol.ActionUpdate, projectID, opID, protocol.EntityChange{ID: id, Changes: patch})
	return ent, nil
}

func (s *Session) Delete(ctx context.Context, kind protocol.EntityKind, projectID, id string) error {
	opID, err := s.ledger.DeleteOptimistic(kind, id)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.store.Delete(pctx, kind, id)
	cancel()
	if err != nil {
		s.rollback(opID, err)
		return persistErr(err, kind, id)
	}
	if err := s.ledger.Confirm(opID, nil); err != nil {
		return err
	}
	s.publish(ctx, kind, protocol.ActionDelete, projectID, opID, protocol.EntityChange{ID: id})
	return nil
}

func (s *Session) rollback(opID string, cause error) {
	if err := s.ledger.Rollback(opID); err != nil {
		logger.Warn("[Session] rollback failed", zap.String("operationId", opID), zap.Error(err))
		return
	}
	logger.Info("[Session] rolled back", zap.String("operationId", opID), zap.Error(cause))
}

// publish is best effort: the write already succeeded and is confirmed locally.
func (s *Session) publish(ctx context.Context, kind protocol.EntityKind, action protocol.Action, projectID, opID string, payload any) {
	if s.pub == nil || projectID == "" {
		return
	}
	typ, ok := protocol.MutationType(kind, action)
	if !ok {
		return
	}
	resp, err := s.pub.Broadcast(ctx, &protocol.IngestRequest{
		Type:            typ,
		Payload:         payload,
		ProjectID:       projectID,
		OperationID:     opID,
		Timestamp:       protocol.NowMillis(),
		UserID:          s.userID,
		ExcludeClientID: s.clientID(),
	})
	if err != nil {
		logger.Warn("[Session] broadcast failed", zap.String("type", string(typ)),
			zap.String("operationId", opID), zap.Error(err))
		return
	}
	logger.Debug("[Session] broadcast", zap.String("type", string(typ)),
		zap.String("operationId", opID), zap.Int("delivered", resp.Delivered))
}

func persistErr(err error, kind protocol.EntityKind, id string) error {
	if ce := errs.As(err); ce.Code != 0 && ce.Code != errs.ServerInternalError {
		return err
	}
	return errs.ErrPersistence.WrapMsg("", "kind", kind, "id", id, "err", err)
}

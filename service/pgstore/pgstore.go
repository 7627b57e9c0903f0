package pgstore

import (
	"PPSync/logger"
	"PPSync/module/ledger"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"PPSync/tools/ids"
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_entities (
	kind        text        NOT NULL,
	id          text        NOT NULL,
	project_id  text        NOT NULL DEFAULT '',
	data        jsonb       NOT NULL,
	created_at  timestamptz NOT NULL DEFAULT now(),
	updated_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS sync_entities_project ON sync_entities (kind, project_id, created_at DESC);
`

const (
	sqlInsert = `INSERT INTO sync_entities (kind, id, project_id, data) VALUES ($1, $2, $3, $4) RETURNING data`
	sqlUpdate = `UPDATE sync_entities SET data = data || $3::jsonb, updated_at = now() WHERE kind = $1 AND id = $2 RETURNING data`
	sqlDelete = `DELETE FROM sync_entities WHERE kind = $1 AND id = $2`
	sqlList   = `SELECT data FROM sync_entities WHERE kind = $1 AND ($2 = '' OR project_id = $2) ORDER BY created_at DESC, id`
	sqlGet    = `SELECT data FROM sync_entities WHERE kind = $1 AND id = $2`
)

// Querier is the part of *pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps projects, tasks and comments as JSONB documents, one row per entity.
// It is the reference persistence collaborator for session.Session.
type Store struct {
	db    Querier
	newID func(kind protocol.EntityKind) string
	now   func() time.Time
}

func New(db Querier) *Store {
	return &Store{
		db:    db,
		newID: func(kind protocol.EntityKind) string { return string(kind) + "-" + ids.OperationID() },
		now:   time.Now,
	}
}

// Connect opens a pool for dsn and checks it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgxpool.New")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres ping")
	}
	logger.Info("[PG] connected", zap.String("host", pool.Config().ConnConfig.Host))
	return pool, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return errors.Wrap(err, "migrate sync_entities")
}

// Create assigns an id unless data already carries a non-temporary one, and
// stamps createdAt.
func (s *Store) Create(ctx context.Context, kind protocol.EntityKind, data ledger.Entity) (ledger.Entity, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	doc := data.Clone()
	if doc == nil {
		doc = ledger.Entity{}
	}
	id := doc.ID()
	if id == "" || ids.IsTemp(id) {
		id = s.newID(kind)
	}
	doc["id"] = id
	if _, ok := doc["createdAt"]; !ok {
		doc["createdAt"] = s.now().UTC().Format(time.RFC3339Nano)
	}
	projectID, _ := doc["projectId"].(string)
	if kind == protocol.KindProject {
		projectID = id
	}

	var out ledger.Entity
	if err := s.db.QueryRow(ctx, sqlInsert, string(kind), id, projectID, map[string]any(doc)).Scan(&out); err != nil {
		return nil, mapErr(err, kind, id)
	}
	return out, nil
}

// Update shallow-merges patch into the stored document. The id is immutable.
func (s *Store) Update(ctx context.Context, kind protocol.EntityKind, id string, patch ledger.Entity) (ledger.Entity, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	p := patch.Clone()
	if p == nil {
		p = ledger.Entity{}
	}
	delete(p, "id")
	p["updatedAt"] = s.now().UTC().Format(time.RFC3339Nano)

	var out ledger.Entity
	if err := s.db.QueryRow(ctx, sqlUpdate, string(kind), id, map[string]any(p)).Scan(&out); err != nil {
		return nil, mapErr(err, kind, id)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, kind protocol.EntityKind, id string) error {
	if err := validKind(kind); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, sqlDelete, string(kind), id)
	if err != nil {
		return mapErr(err, kind, id)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrRecordNotFound.WrapMsg("", "kind", kind, "id", id)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, kind protocol.EntityKind, id string) (ledger.Entity, error) {
	var out ledger.Entity
	if err := s.db.QueryRow(ctx, sqlGet, string(kind), id).Scan(&out); err != nil {
		return nil, mapErr(err, kind, id)
	}
	return out, nil
}

// List returns newest first, the order the client Store keeps. An empty
// projectID lists every row of kind.
func (s *Store) List(ctx context.Context, kind protocol.EntityKind, projectID string) ([]ledger.Entity, error) {
	rows, err := s.db.Query(ctx, sqlList, string(kind), projectID)
	if err != nil {
		return nil, errors.Wrap(err, "list "+string(kind))
	}
	list, err := pgx.CollectRows(rows, pgx.RowTo[ledger.Entity])
	if err != nil {
		return nil, errors.Wrap(err, "scan "+string(kind))
	}
	if list == nil {
		list = []ledger.Entity{}
	}
	return list, nil
}

// Hydrate loads every kind of projectID into a client store.
func (s *Store) Hydrate(ctx context.Context, dst *ledger.Store, projectID string) error {
	for _, kind := range []protocol.EntityKind{protocol.KindProject, protocol.KindTask, protocol.KindComment} {
		list, err := s.List(ctx, kind, projectID)
		if err != nil {
			return err
		}
		dst.Load(kind, list)
	}
	return nil
}

func validKind(kind protocol.EntityKind) error {
	switch kind {
	case protocol.KindProject, protocol.KindTask, protocol.KindComment:
		return nil
	}
	return errs.ErrArgs.WrapMsg("unknown entity kind", "kind", kind)
}

func mapErr(err error, kind protocol.EntityKind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrRecordNotFound.WrapMsg("", "kind", kind, "id", id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errs.ErrArgs.WrapMsg("duplicate id", "kind", kind, "id", id)
	}
	return errs.ErrPersistence.WrapMsg("", "kind", kind, "id", id, "err", err)
}

package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"boardsync/domain"
)

//go:embed schema.sql
var schema string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres stores boards in Postgres. The schema's trigger publishes every
// row change on the boardsync_changes notification channel.
type Postgres struct {
	db    querier
	newID func() string
}

// OpenPostgres connects a pool and checks it is reachable.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// ApplySchema creates the tables and the change trigger. It is idempotent.
func ApplySchema(ctx context.Context, db querier) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func NewPostgres(db querier) *Postgres {
	return &Postgres{db: db, newID: uuid.NewString}
}

const (
	boardColumns = `id, title, description, user_id, version`
	listColumns  = `id, board_id, title, status, position, version`
	cardColumns  = `c.id, c.list_id, c.title, c.description, c.priority, c.position, c.due_date, c.user_id, c.version, l.status`
	cardFrom     = `FROM cards c JOIN lists l ON l.id = c.list_id`
)

func scanBoard(row pgx.Row) (domain.Board, error) {
	var b domain.Board
	err := row.Scan(&b.ID, &b.Title, &b.Description, &b.OwnerID, &b.Version)
	return b, err
}

func scanList(row pgx.Row) (domain.List, error) {
	var l domain.List
	var status string
	err := row.Scan(&l.ID, &l.BoardID, &l.Title, &status, &l.Position, &l.Version)
	l.Status = domain.Status(status)
	return l, err
}

func scanCard(row pgx.Row) (domain.Card, error) {
	var c domain.Card
	var priority, status string
	var due *time.Time
	err := row.Scan(&c.ID, &c.ListID, &c.Title, &c.Description, &priority, &c.Position, &due, &c.OwnerID, &c.Version, &status)
	c.Priority, c.Status, c.DueDate = domain.Priority(priority), domain.Status(status), due
	return c, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) FetchBoard(ctx context.Context, id string) (domain.Board, error) {
	b, err := scanBoard(p.db.QueryRow(ctx, `SELECT `+boardColumns+` FROM boards WHERE id = $1`, id))
	return b, pgError(err, "board "+id)
}

func (p *Postgres) ListBoards(ctx context.Context, ownerID string) ([]domain.Board, error) {
	rows, err := p.db.Query(ctx, `SELECT `+boardColumns+` FROM boards WHERE user_id = $1 ORDER BY title, id`, ownerID)
	if err != nil {
		return nil, pgError(err, "boards of "+ownerID)
	}
	out, err := collect(rows, scanBoard)
	return out, pgError(err, "boards of "+ownerID)
}

func (p *Postgres) FetchList(ctx context.Context, id string) (domain.List, error) {
	l, err := scanList(p.db.QueryRow(ctx, `SELECT `+listColumns+` FROM lists WHERE id = $1`, id))
	return l, pgError(err, "list "+id)
}

func (p *Postgres) FetchLists(ctx context.Context, boardID string) ([]domain.List, error) {
	rows, err := p.db.Query(ctx, `SELECT `+listColumns+` FROM lists WHERE board_id = $1 ORDER BY position, id`, boardID)
	if err != nil {
		return nil, pgError(err, "lists of "+boardID)
	}
	out, err := collect(rows, scanList)
	return out, pgError(err, "lists of "+boardID)
}

func (p *Postgres) FetchCard(ctx context.Context, id string) (domain.Card, error) {
	c, err := scanCard(p.db.QueryRow(ctx, `SELECT `+cardColumns+` `+cardFrom+` WHERE c.id = $1`, id))
	return c, pgError(err, "card "+id)
}

func (p *Postgres) FetchCards(ctx context.Context, listID string) ([]domain.Card, error) {
	if _, err := p.FetchList(ctx, listID); err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, `SELECT `+cardColumns+` `+cardFrom+` WHERE c.list_id = $1 ORDER BY c.position, c.id`, listID)
	if err != nil {
		return nil, pgError(err, "cards of "+listID)
	}
	out, err := collect(rows, scanCard)
	return out, pgError(err, "cards of "+listID)
}

func (p *Postgres) CreateBoard(ctx context.Context, b domain.Board) (domain.Board, []domain.List, error) {
	if b.ID == "" {
		b.ID = p.newID()
	}
	b.Version = nextVersion(0)
	lists := defaultLists(b.ID, p.newID)
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return domain.Board{}, nil, pgError(err, "begin")
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `INSERT INTO boards (id, title, description, user_id, version) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.Title, b.Description, b.OwnerID, b.Version); err != nil {
		return domain.Board{}, nil, pgError(err, "board "+b.ID)
	}
	for i := range lists {
		lists[i].Version = nextVersion(0)
		l := lists[i]
		if _, err := tx.Exec(ctx, `INSERT INTO lists (id, board_id, title, status, position, version) VALUES ($1, $2, $3, $4, $5, $6)`,
			l.ID, l.BoardID, l.Title, string(l.Status), l.Position, l.Version); err != nil {
			return domain.Board{}, nil, pgError(err, "list "+l.ID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Board{}, nil, pgError(err, "commit board "+b.ID)
	}
	return b, lists, nil
}

// guarded runs a read-modify-write whose UPDATE only applies while the row
// still holds the version that was read.
func guarded[T any](ctx context.Context, what string, baseline int64, read func() (T, int64, error), write func(T, int64) (T, bool, error)) (T, error) {
	var zero T
	for attempt := 0; attempt < maxConditionalAttempts; attempt++ {
		cur, version, err := read()
		if err != nil {
			return zero, err
		}
		if version > baseline {
			return zero, fmt.Errorf("%w: %s at %d, write based on %d", domain.ErrStaleWrite, what, version, baseline)
		}
		next, ok, err := write(cur, version)
		if err != nil {
			return zero, err
		}
		if ok {
			return next, nil
		}
	}
	return zero, fmt.Errorf("%w: %s kept changing", domain.ErrStaleWrite, what)
}

func (p *Postgres) UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch, baseline int64) (domain.Board, error) {
	return guarded(ctx, "board "+id, baseline,
		func() (domain.Board, int64, error) {
			b, err := p.FetchBoard(ctx, id)
			return b, b.Version, err
		},
		func(b domain.Board, read int64) (domain.Board, bool, error) {
			b = patch.Apply(b)
			b.Version = nextVersion(read)
			tag, err := p.db.Exec(ctx, `UPDATE boards SET title = $2, description = $3, version = $4, updated_at = now() WHERE id = $1 AND version = $5`,
				id, b.Title, b.Description, b.Version, read)
			if err != nil {
				return b, false, pgError(err, "board "+id)
			}
			return b, tag.RowsAffected() == 1, nil
		})
}

func (p *Postgres) CreateList(ctx context.Context, l domain.List) (domain.List, error) {
	if l.ID == "" {
		l.ID = p.newID()
	}
	l.Version = nextVersion(0)
	_, err := p.db.Exec(ctx, `INSERT INTO lists (id, board_id, title, status, position, version) VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.BoardID, l.Title, string(l.Status), l.Position, l.Version)
	err = pgError(err, "list "+l.ID)
	if errors.Is(err, errAlreadyExists) {
		return p.FetchList(ctx, l.ID)
	}
	if err != nil {
		return domain.List{}, err
	}
	return l, nil
}

func (p *Postgres) UpdateList(ctx context.Context, id string, patch domain.ListPatch, baseline int64) (domain.List, error) {
	return guarded(ctx, "list "+id, baseline,
		func() (domain.List, int64, error) {
			l, err := p.FetchList(ctx, id)
			return l, l.Version, err
		},
		func(l domain.List, read int64) (domain.List, bool, error) {
			l = patch.Apply(l)
			l.Version = nextVersion(read)
			tag, err := p.db.Exec(ctx, `UPDATE lists SET title = $2, status = $3, position = $4, version = $5, updated_at = now() WHERE id = $1 AND version = $6`,
				id, l.Title, string(l.Status), l.Position, l.Version, read)
			if err != nil {
				return l, false, pgError(err, "list "+id)
			}
			return l, tag.RowsAffected() == 1, nil
		})
}

// remove deletes a row unless it is newer than baseline. Deleting a missing
// row succeeds.
func (p *Postgres) remove(ctx context.Context, table, id string, baseline int64) error {
	what := table + " " + id
	tag, err := p.db.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1 AND version <= $2`, id, baseline)
	if err != nil {
		return pgError(err, what)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var version int64
	err = p.db.QueryRow(ctx, `SELECT version FROM `+table+` WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return pgError(err, what)
	}
	return fmt.Errorf("%w: %s at %d, write based on %d", domain.ErrStaleWrite, what, version, baseline)
}

// DeleteList removes the list; its cards go with it through the foreign key.
func (p *Postgres) DeleteList(ctx context.Context, id string, baseline int64) error {
	return p.remove(ctx, "lists", id, baseline)
}

func (p *Postgres) CreateCard(ctx context.Context, c domain.Card) (domain.Card, error) {
	l, err := p.FetchList(ctx, c.ListID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Card{}, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, c.ListID)
	}
	if err != nil {
		return domain.Card{}, err
	}
	if c.ID == "" {
		c.ID = p.newID()
	}
	if c.Priority == "" {
		c.Priority = domain.PriorityMedium
	}
	c.Status = l.Status
	c.Version = nextVersion(0)
	_, err = p.db.Exec(ctx, `INSERT INTO cards (id, list_id, title, description, priority, position, due_date, user_id, version) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.ListID, c.Title, c.Description, string(c.Priority), c.Position, c.DueDate, c.OwnerID, c.Version)
	err = pgError(err, "card "+c.ID)
	if errors.Is(err, errAlreadyExists) {
		return p.FetchCard(ctx, c.ID)
	}
	if err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

func (p *Postgres) writeCard(ctx context.Context, c domain.Card, read int64) (domain.Card, bool, error) {
	c.Version = nextVersion(read)
	tag, err := p.db.Exec(ctx, `UPDATE cards SET list_id = $2, title = $3, description = $4, priority = $5, position = $6, due_date = $7, version = $8, updated_at = now() WHERE id = $1 AND version = $9`,
		c.ID, c.ListID, c.Title, c.Description, string(c.Priority), c.Position, c.DueDate, c.Version, read)
	if err != nil {
		return c, false, pgError(err, "card "+c.ID)
	}
	return c, tag.RowsAffected() == 1, nil
}

func (p *Postgres) readCard(ctx context.Context, id string) func() (domain.Card, int64, error) {
	return func() (domain.Card, int64, error) {
		c, err := p.FetchCard(ctx, id)
		return c, c.Version, err
	}
}

func (p *Postgres) UpdateCard(ctx context.Context, id string, patch domain.CardPatch, baseline int64) (domain.Card, error) {
	return guarded(ctx, "card "+id, baseline, p.readCard(ctx, id), func(c domain.Card, read int64) (domain.Card, bool, error) {
		return p.writeCard(ctx, patch.Apply(c), read)
	})
}

func (p *Postgres) MoveCard(ctx context.Context, id, listID string, pos float64, baseline int64) (domain.Card, error) {
	l, err := p.FetchList(ctx, listID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Card{}, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, listID)
	}
	if err != nil {
		return domain.Card{}, err
	}
	return guarded(ctx, "card "+id, baseline, p.readCard(ctx, id), func(c domain.Card, read int64) (domain.Card, bool, error) {
		c.ListID, c.Position, c.Status = listID, pos, l.Status
		return p.writeCard(ctx, c, read)
	})
}

func (p *Postgres) DeleteCard(ctx context.Context, id string, baseline int64) error {
	return p.remove(ctx, "cards", id, baseline)
}

package block

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/blocksync/errors"
)

// SQLStore persists blocks in the sqlite blocks table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps a migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const upsertBlockSQL = `
	INSERT INTO blocks (
		id, type, properties, content, parent, page_id,
		created_time, last_edited_time, last_edited_by
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		type = excluded.type,
		properties = excluded.properties,
		content = excluded.content,
		parent = excluded.parent,
		page_id = excluded.page_id,
		created_time = excluded.created_time,
		last_edited_time = MAX(blocks.last_edited_time, excluded.last_edited_time),
		last_edited_by = excluded.last_edited_by
`

func (s *SQLStore) Get(ctx context.Context, id string) (*Block, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blockSelectColumns+` FROM blocks WHERE id = ?`, id)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("block %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get block %s", id)
	}
	return b, nil
}

func (s *SQLStore) GetPage(ctx context.Context, pageID string) ([]*Block, error) {
	return s.query(ctx, `SELECT `+blockSelectColumns+` FROM blocks
		WHERE page_id = ? ORDER BY created_time, id`, pageID)
}

func (s *SQLStore) GetPaginated(ctx context.Context, q Query) ([]*Block, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	query := `SELECT ` + blockSelectColumns + ` FROM blocks WHERE page_id = ?`
	args := []interface{}{q.PageID}
	if q.Parent != nil {
		if *q.Parent == "" {
			query += ` AND parent IS NULL`
		} else {
			query += ` AND parent = ?`
			args = append(args, *q.Parent)
		}
	}
	query += ` ORDER BY created_time, id LIMIT ? OFFSET ?`
	limit := q.Limit
	if limit == 0 {
		limit = -1
	}
	args = append(args, limit, q.Offset)
	return s.query(ctx, query, args...)
}

func (s *SQLStore) GetModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*Block, error) {
	return s.query(ctx, `SELECT `+blockSelectColumns+` FROM blocks
		WHERE page_id = ? AND last_edited_time > ? ORDER BY created_time, id`,
		pageID, NormalizeTime(since).UnixNano())
}

func (s *SQLStore) Upsert(ctx context.Context, b *Block) error {
	if err := b.Validate(); err != nil {
		return err
	}
	args, err := blockInsertArgs(b)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertBlockSQL, args...); err != nil {
		return errors.Wrapf(err, "failed to upsert block %s", b.ID)
	}
	return nil
}

func (s *SQLStore) UpsertBatch(ctx context.Context, blocks []*Block) error {
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin block batch")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertBlockSQL)
	if err != nil {
		return errors.Wrap(err, "failed to prepare block upsert")
	}
	defer stmt.Close()

	for _, b := range blocks {
		args, err := blockInsertArgs(b)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return errors.Wrapf(err, "failed to upsert block %s", b.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit block batch")
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete block %s", id)
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context, pageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE page_id = ?`, pageID); err != nil {
		return errors.Wrapf(err, "failed to clear page %s", pageID)
	}
	return nil
}

func (s *SQLStore) Rekey(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin rekey")
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM blocks WHERE id = ?)`, oldID).Scan(&exists); err != nil {
		return errors.Wrapf(err, "failed to look up block %s", oldID)
	}
	if !exists {
		return errors.NewNotFoundError("block %s", oldID)
	}

	var taken bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM blocks WHERE id = ?)`, newID).Scan(&taken); err != nil {
		return errors.Wrapf(err, "failed to look up block %s", newID)
	}
	if taken {
		_, err = tx.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, oldID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE blocks SET id = ? WHERE id = ?`, newID, oldID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to rekey block %s to %s", oldID, newID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE blocks SET parent = ? WHERE parent = ?`, newID, oldID); err != nil {
		return errors.Wrapf(err, "failed to repoint children of %s", oldID)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit rekey")
	}
	return nil
}

// Close is a no-op: the database handle is owned by whoever opened it.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) ([]*Block, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query blocks")
	}
	defer rows.Close()

	out := make([]*Block, 0)
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan block")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate blocks")
	}
	return out, nil
}

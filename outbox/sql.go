package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/blocksync/errors"
)

// SQLStore keeps the outbox in the sqlite transactions, id_mappings and
// sync_state tables.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps a migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const txSelectColumns = `id, seq, type, payload, entity_ids, status, retries, max_retries,
	created_at, updated_at, next_attempt_at, error_message, user_id, page_id, rollback_snapshot`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx                            Transaction
		payload, entityIDs            string
		createdAt, updatedAt, attempt int64
		errMsg                        sql.NullString
	)
	if err := row.Scan(&tx.ID, &tx.Seq, &tx.Type, &payload, &entityIDs, &tx.Status,
		&tx.Retries, &tx.MaxRetries, &createdAt, &updatedAt, &attempt, &errMsg,
		&tx.UserID, &tx.PageID, &tx.RollbackSnapshot); err != nil {
		return nil, err
	}
	tx.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(entityIDs), &tx.EntityIDs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode entity ids of transaction %s", tx.ID)
	}
	tx.CreatedAt = fromNanos(createdAt)
	tx.UpdatedAt = fromNanos(updatedAt)
	tx.NextAttemptAt = fromNanos(attempt)
	tx.ErrorMessage = errMsg.String
	return &tx, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLStore) Insert(ctx context.Context, tx *Transaction) error {
	entityIDs, err := json.Marshal(nonNil(tx.EntityIDs))
	if err != nil {
		return errors.Wrap(err, "failed to encode entity ids")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO transactions (
			id, seq, type, payload, entity_ids, status, retries, max_retries,
			created_at, updated_at, next_attempt_at, error_message, user_id, page_id, rollback_snapshot
		) VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transactions), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		tx.ID, tx.Type, string(tx.Payload), string(entityIDs), tx.Status, tx.Retries, tx.MaxRetries,
		toNanos(tx.CreatedAt), toNanos(tx.UpdatedAt), toNanos(tx.NextAttemptAt),
		nullString(tx.ErrorMessage), tx.UserID, tx.PageID, tx.RollbackSnapshot)
	if err := row.Scan(&tx.Seq); err != nil {
		return errors.Wrapf(err, "failed to insert transaction %s", tx.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txSelectColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("transaction %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get transaction %s", id)
	}
	return tx, nil
}

func (s *SQLStore) Save(ctx context.Context, tx *Transaction) error {
	entityIDs, err := json.Marshal(nonNil(tx.EntityIDs))
	if err != nil {
		return errors.Wrap(err, "failed to encode entity ids")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			payload = ?, entity_ids = ?, status = ?, retries = ?, updated_at = ?,
			next_attempt_at = ?, error_message = ?, rollback_snapshot = ?
		WHERE id = ?`,
		string(tx.Payload), string(entityIDs), tx.Status, tx.Retries, toNanos(tx.UpdatedAt),
		toNanos(tx.NextAttemptAt), nullString(tx.ErrorMessage), tx.RollbackSnapshot, tx.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to save transaction %s", tx.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("transaction %s", tx.ID)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Transaction, error) {
	query := `SELECT ` + txSelectColumns + ` FROM transactions WHERE 1 = 1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.PageID != "" {
		query += ` AND page_id = ?`
		args = append(args, f.PageID)
	}
	query += ` ORDER BY created_at, seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLStore) Active(ctx context.Context) ([]*Transaction, error) {
	return s.query(ctx, `SELECT `+txSelectColumns+` FROM transactions
		WHERE status IN ('pending', 'processing') ORDER BY created_at, seq`)
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transactions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count transactions")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan transaction count")
		}
		counts[st] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate transaction counts")
}

func (s *SQLStore) OldestPending(ctx context.Context) (time.Time, bool, error) {
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM transactions WHERE status = 'pending'`).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "failed to find oldest pending transaction")
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(oldest.Int64), true, nil
}

func (s *SQLStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE status = 'completed' AND updated_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete completed transactions")
	}
	return res.RowsAffected()
}

func (s *SQLStore) ResetProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = 'pending' WHERE status = 'processing' AND updated_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset processing transactions")
	}
	return res.RowsAffected()
}

func (s *SQLStore) PutMapping(ctx context.Context, tempID, canonicalID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO id_mappings (temp_id, canonical_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET canonical_id = excluded.canonical_id`,
		tempID, canonicalID, toNanos(at))
	return errors.Wrapf(err, "failed to map %s to %s", tempID, canonicalID)
}

func (s *SQLStore) Mappings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT temp_id, canonical_id FROM id_mappings`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load id mappings")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var temp, canonical string
		if err := rows.Scan(&temp, &canonical); err != nil {
			return nil, errors.Wrap(err, "failed to scan id mapping")
		}
		out[temp] = canonical
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate id mappings")
}

func (s *SQLStore) LoadState(ctx context.Context) (SyncState, error) {
	var (
		st                 SyncState
		online, inProgress int
		lastSync           int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT is_online, last_sync, pending_count, failed_count, sync_in_progress
		FROM sync_state WHERE id = 1`).Scan(&online, &lastSync, &st.PendingCount, &st.FailedCount, &inProgress)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, nil
	}
	if err != nil {
		return SyncState{}, errors.Wrap(err, "failed to load sync state")
	}
	st.IsOnline = online != 0
	st.SyncInProgress = inProgress != 0
	st.LastSync = fromNanos(lastSync)
	return st, nil
}

// SaveState writes the derived counters. sync_in_progress is owned by
// BeginSync and EndSync and is left alone.
func (s *SQLStore) SaveState(ctx context.Context, st SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, is_online, last_sync, pending_count, failed_count)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_online = excluded.is_online,
			last_sync = excluded.last_sync,
			pending_count = excluded.pending_count,
			failed_count = excluded.failed_count`,
		boolInt(st.IsOnline), toNanos(st.LastSync), st.PendingCount, st.FailedCount)
	return errors.Wrap(err, "failed to save sync state")
}

func (s *SQLStore) BeginSync(ctx context.Context) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET sync_in_progress = 1 WHERE id = 1 AND sync_in_progress = 0`)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim sync")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to claim sync")
	}
	return n == 1, nil
}

func (s *SQLStore) EndSync(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_state SET sync_in_progress = 0 WHERE id = 1`)
	return errors.Wrap(err, "failed to release sync")
}

// Close is a no-op: the database handle is owned by whoever opened it.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query transactions")
	}
	defer rows.Close()

	out := make([]*Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan transaction")
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate transactions")
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

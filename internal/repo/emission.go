package repo

import (
	"context"
	"database/sql"

	"batchseal/internal/domain"
)

const queueColumns = `id,batch_id,requested_by,requested_at,processed,processed_at,attempts,max_attempts,next_attempt_at,COALESCE(last_error,'')`

func scanQueueEntry(scan func(...any) error) (domain.EmissionQueueEntry, error) {
	var e domain.EmissionQueueEntry
	var processed int
	var processedAt sql.NullString
	err := scan(&e.ID, &e.BatchID, &e.RequestedBy, &e.RequestedAt, &processed, &processedAt, &e.Attempts, &e.MaxAttempts, &e.NextAttemptAt, &e.LastError)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Processed = processed != 0
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.String
	}
	return e, nil
}

func (r Repo) InsertQueueEntry(ctx context.Context, tx *sql.Tx, e domain.EmissionQueueEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO emission_queue(batch_id,requested_by,requested_at,processed,attempts,max_attempts,next_attempt_at)
VALUES (?,?,?,0,0,?,?)`,
		e.BatchID, e.RequestedBy, e.RequestedAt, e.MaxAttempts, e.NextAttemptAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetQueueEntryByBatch(ctx context.Context, batchID int64) (domain.EmissionQueueEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM emission_queue WHERE batch_id=?`, batchID)
	return scanQueueEntry(row.Scan)
}

// HasQueueEntry reports whether any entry, processed or not, exists for
// the batch. A processed entry still blocks resets: emission has
// happened either way.
func (r Repo) HasQueueEntry(ctx context.Context, tx *sql.Tx, batchID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM emission_queue WHERE batch_id=?`, batchID).Scan(&n)
	return n > 0, err
}

// ListDueQueueEntries returns unprocessed entries whose retry time has
// arrived and that still have attempts left.
func (r Repo) ListDueQueueEntries(ctx context.Context, now string, limit int) ([]domain.EmissionQueueEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+queueColumns+` FROM emission_queue
WHERE processed=0 AND next_attempt_at <= ? AND attempts < max_attempts
ORDER BY requested_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EmissionQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) MarkQueueEntryProcessed(ctx context.Context, tx *sql.Tx, id int64, processedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE emission_queue SET processed=1, processed_at=? WHERE id=? AND processed=0`, processedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordQueueFailure bumps the attempt counter and schedules the next
// retry. The entry stays unprocessed so the next scheduling pass picks
// it up again.
func (r Repo) RecordQueueFailure(ctx context.Context, tx *sql.Tx, id int64, nextAttemptAt, lastError string) error {
	_, err := tx.ExecContext(ctx, `UPDATE emission_queue SET attempts=attempts+1, next_attempt_at=?, last_error=? WHERE id=?`,
		nextAttemptAt, lastError, id)
	return err
}

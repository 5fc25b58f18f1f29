package repo

import (
	"context"
	"database/sql"

	"batchseal/internal/domain"
)

// InsertResetRecord appends one audit record. The UNIQUE(evaluation_id,
// batch_id) constraint enforces the one-reset-per-evaluation-per-batch
// limit at the storage layer.
func (r Repo) InsertResetRecord(ctx context.Context, tx *sql.Tx, rec domain.ResetRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reset_records(id,evaluation_id,batch_id,requested_by,role,reason,response_count_before,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.EvaluationID, rec.BatchID, rec.RequestedBy, rec.Role, rec.Reason, rec.ResponseCountBefore, rec.CreatedAt)
	return err
}

func (r Repo) HasResetRecord(ctx context.Context, tx *sql.Tx, evaluationID string, batchID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reset_records WHERE evaluation_id=? AND batch_id=?`, evaluationID, batchID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListResetRecords(ctx context.Context, batchID int64) ([]domain.ResetRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,evaluation_id,batch_id,requested_by,role,reason,response_count_before,created_at
FROM reset_records WHERE batch_id=? ORDER BY created_at ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResetRecord
	for rows.Next() {
		var rec domain.ResetRecord
		if err := rows.Scan(&rec.ID, &rec.EvaluationID, &rec.BatchID, &rec.RequestedBy, &rec.Role, &rec.Reason, &rec.ResponseCountBefore, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"

	"batchseal/internal/domain"
	"batchseal/internal/readiness"
)

const evalColumns = `id,batch_id,subject_id,status,started_at,completed_at`

func scanEvaluation(scan func(...any) error) (domain.Evaluation, error) {
	var e domain.Evaluation
	var completedAt sql.NullString
	err := scan(&e.ID, &e.BatchID, &e.SubjectID, &e.Status, &e.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	return e, nil
}

func (r Repo) InsertEvaluation(ctx context.Context, tx *sql.Tx, e domain.Evaluation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evaluations(id,batch_id,subject_id,status,started_at,completed_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.BatchID, e.SubjectID, e.Status, e.StartedAt, nullableStringPtr(e.CompletedAt))
	return err
}

func (r Repo) GetEvaluation(ctx context.Context, id string) (domain.Evaluation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+evalColumns+` FROM evaluations WHERE id=?`, id)
	return scanEvaluation(row.Scan)
}

func (r Repo) GetEvaluationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Evaluation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+evalColumns+` FROM evaluations WHERE id=?`, id)
	return scanEvaluation(row.Scan)
}

func (r Repo) ListEvaluations(ctx context.Context, batchID int64) ([]domain.Evaluation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+evalColumns+` FROM evaluations WHERE batch_id=? ORDER BY started_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEvaluationStatus(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE evaluations SET status=?, completed_at=? WHERE id=?`,
		status, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EvaluationCounts aggregates one batch's evaluation statuses for the
// readiness computation, in a single pass.
func (r Repo) EvaluationCounts(ctx context.Context, tx *sql.Tx, batchID int64) (readiness.Counts, error) {
	var c readiness.Counts
	row := tx.QueryRowContext(ctx, `
SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE status = ?),
  COUNT(*) FILTER (WHERE status = ?),
  COUNT(*) FILTER (WHERE status = ?),
  COUNT(*) FILTER (WHERE status = ?)
FROM evaluations WHERE batch_id=?`,
		domain.EvalCompleted, domain.EvalDeactivated, domain.EvalStarted, domain.EvalInProgress, batchID)
	err := row.Scan(&c.Total, &c.Completed, &c.Deactivated, &c.Started, &c.InProgress)
	return c, err
}

// --- responses ---

func (r Repo) UpsertResponse(ctx context.Context, tx *sql.Tx, resp domain.Response) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO responses(evaluation_id,item,value,answered_at) VALUES (?,?,?,?)
ON CONFLICT(evaluation_id,item) DO UPDATE SET value=excluded.value, answered_at=excluded.answered_at`,
		resp.EvaluationID, resp.Item, resp.Value, resp.AnsweredAt)
	return err
}

func (r Repo) ListResponses(ctx context.Context, evaluationID string) ([]domain.Response, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT evaluation_id,item,value,answered_at FROM responses WHERE evaluation_id=? ORDER BY item ASC`, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Response
	for rows.Next() {
		var resp domain.Response
		if err := rows.Scan(&resp.EvaluationID, &resp.Item, &resp.Value, &resp.AnsweredAt); err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}

func (r Repo) CountResponses(ctx context.Context, tx *sql.Tx, evaluationID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses WHERE evaluation_id=?`, evaluationID).Scan(&n)
	return n, err
}

func (r Repo) DeleteResponses(ctx context.Context, tx *sql.Tx, evaluationID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE evaluation_id=?`, evaluationID)
	return err
}

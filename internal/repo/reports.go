package repo

import (
	"context"
	"database/sql"
	"fmt"

	"batchseal/internal/domain"
)

const reportColumns = `id,batch_id,status,hash,issuer_id,issued_at,delivered_at,artifact_path,created_at,updated_at`

func scanReport(scan func(...any) error) (domain.Report, error) {
	var rep domain.Report
	var hash, issuer, issuedAt, deliveredAt, artifact sql.NullString
	err := scan(&rep.ID, &rep.BatchID, &rep.Status, &hash, &issuer, &issuedAt, &deliveredAt, &artifact, &rep.CreatedAt, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	if hash.Valid {
		rep.Hash = &hash.String
	}
	if issuer.Valid {
		rep.IssuerID = &issuer.String
	}
	if issuedAt.Valid {
		rep.IssuedAt = &issuedAt.String
	}
	if deliveredAt.Valid {
		rep.DeliveredAt = &deliveredAt.String
	}
	if artifact.Valid {
		rep.ArtifactPath = &artifact.String
	}
	return rep, nil
}

// InsertDraftReport reserves the report row at batch creation time; its id
// equals the batch id so no later allocation race is possible.
func (r Repo) InsertDraftReport(ctx context.Context, tx *sql.Tx, batchID int64, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,batch_id,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		batchID, batchID, domain.ReportDraft, now, now)
	return err
}

func (r Repo) GetReport(ctx context.Context, batchID int64) (domain.Report, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, batchID)
	return scanReport(row.Scan)
}

func (r Repo) GetReportTx(ctx context.Context, tx *sql.Tx, batchID int64) (domain.Report, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, batchID)
	return scanReport(row.Scan)
}

// SealReport performs the single atomic write that issues a report:
// status, hash, issuer and issued_at are set together, and only on a
// draft row. Returns false when the row was not in draft (already issued
// by a racing caller, or delivered).
func (r Repo) SealReport(ctx context.Context, tx *sql.Tx, batchID int64, hash, issuerID, issuedAt, artifactPath string) (bool, error) {
	if hash == "" || issuerID == "" || issuedAt == "" {
		return false, fmt.Errorf("seal report %d: hash, issuer and issued_at must all be set", batchID)
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports
SET status=?, hash=?, issuer_id=?, issued_at=?, artifact_path=?, updated_at=?
WHERE id=? AND status=?`,
		domain.ReportIssued, hash, issuerID, issuedAt, nullable(artifactPath), issuedAt, batchID, domain.ReportDraft)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkReportDelivered advances issued->delivered. Any other starting
// state is an immutability violation.
func (r Repo) MarkReportDelivered(ctx context.Context, tx *sql.Tx, batchID int64, deliveredAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, delivered_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.ReportDelivered, deliveredAt, deliveredAt, batchID, domain.ReportIssued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rep, err := r.GetReportTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: report %d is %s", ErrImmutableReport, batchID, rep.Status)
	}
	return nil
}

// ReportIssued reports whether the batch's report reached issued or
// delivered.
func (r Repo) ReportIssued(ctx context.Context, tx *sql.Tx, batchID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE id=? AND status IN (?,?)`,
		batchID, domain.ReportIssued, domain.ReportDelivered).Scan(&n)
	return n > 0, err
}

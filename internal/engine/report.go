package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"batchseal/internal/db"
	"batchseal/internal/domain"
	"batchseal/internal/engine/auth"
	"batchseal/internal/events"
	"batchseal/internal/guard"
	"batchseal/internal/repo"
)

type reportMeta struct {
	ReportID int64  `json:"report_id"`
	BatchID  int64  `json:"batch_id"`
	Hash     string `json:"hash"`
	IssuerID string `json:"issuer_id"`
	IssuedAt string `json:"issued_at"`
	Artifact string `json:"artifact"`
}

// EmitReport renders the batch artifact, hashes it and seals the draft
// report in one conditional update. Idempotent: a report already issued
// is returned as-is. The seal sets hash, issuer and issued_at together;
// once sealed the row never changes again except the delivered stamp.
func (e Engine) EmitReport(ctx context.Context, batchID int64, issuerID, role string) (domain.Report, error) {
	if err := auth.RequireRole(e.Config.Roles.Issue, "issue report", role); err != nil {
		return domain.Report{}, err
	}

	rep, err := e.Repo.GetReport(ctx, batchID)
	if err != nil {
		return rep, err
	}
	if rep.Status == domain.ReportIssued || rep.Status == domain.ReportDelivered {
		return rep, nil
	}

	b, err := e.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return rep, err
	}
	if b.Status != domain.BatchCompleted {
		return rep, NotReadyError{Reasons: []string{fmt.Sprintf("batch status is %s, expected completed", b.Status)}}
	}
	if e.Renderer == nil {
		return rep, fmt.Errorf("no renderer configured")
	}

	// Rendering can be slow; keep it outside the batch lock and rely on
	// the conditional seal to arbitrate racing issuers.
	artifact, err := e.Renderer.Render(ctx, batchID)
	if err != nil {
		return rep, fmt.Errorf("render report for batch %d: %w", batchID, err)
	}
	sum := sha256.Sum256(artifact)
	hash := hex.EncodeToString(sum[:])
	issuedAt := e.nowRFC3339()

	dir, err := db.ReportsDir(e.Workspace)
	if err != nil {
		return rep, err
	}
	artifactPath := filepath.Join(dir, fmt.Sprintf("report-%d.json", batchID))
	if err := os.WriteFile(artifactPath, artifact, 0o644); err != nil {
		return rep, fmt.Errorf("write report artifact: %w", err)
	}
	meta, err := json.MarshalIndent(reportMeta{
		ReportID: batchID,
		BatchID:  batchID,
		Hash:     hash,
		IssuerID: issuerID,
		IssuedAt: issuedAt,
		Artifact: filepath.Base(artifactPath),
	}, "", "  ")
	if err != nil {
		return rep, err
	}
	if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("report-%d.meta.json", batchID)), meta, 0o644); err != nil {
		return rep, fmt.Errorf("write report metadata: %w", err)
	}

	err = e.Locks.WithLock(ctx, guard.BatchKey(batchID), func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// The batch may have reopened while we rendered off the lock
		// (a reset or a new admission); the seal only lands on a batch
		// that is still completed.
		cur, err := e.Repo.GetBatchTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if cur.Status != domain.BatchCompleted {
			return NotReadyError{Reasons: []string{fmt.Sprintf("batch status is %s, expected completed", cur.Status)}}
		}

		sealed, err := e.Repo.SealReport(ctx, tx, batchID, hash, issuerID, issuedAt, artifactPath)
		if err != nil {
			return err
		}
		if !sealed {
			// A racing issuer sealed first; its report stands.
			rep, err = e.Repo.GetReportTx(ctx, tx, batchID)
			if err != nil {
				return err
			}
			if rep.Status == domain.ReportIssued || rep.Status == domain.ReportDelivered {
				return nil
			}
			return fmt.Errorf("seal report %d: %w", batchID, repo.ErrImmutableReport)
		}
		if err := e.Events.Append(ctx, tx, "report.issued", b.TenantID, "report", fmt.Sprint(batchID), issuerID, events.EventPayload{
			"hash":     hash,
			"artifact": artifactPath,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		rep, err = e.Repo.GetReport(ctx, batchID)
		return err
	})
	return rep, err
}

// MarkReportDelivered records delivery of an issued report. Delivery is
// gated by the same role list as issuance.
func (e Engine) MarkReportDelivered(ctx context.Context, batchID int64, actorID, role string) (domain.Report, error) {
	if err := auth.RequireRole(e.Config.Roles.Issue, "deliver report", role); err != nil {
		return domain.Report{}, err
	}
	var rep domain.Report
	err := e.Locks.WithLock(ctx, guard.BatchKey(batchID), func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		b, err := e.Repo.GetBatchTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := e.Repo.MarkReportDelivered(ctx, tx, batchID, e.nowRFC3339()); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "report.delivered", b.TenantID, "report", fmt.Sprint(batchID), actorID, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		rep, err = e.Repo.GetReport(ctx, batchID)
		return err
	})
	return rep, err
}

// GetReport returns the report row for a batch.
func (e Engine) GetReport(ctx context.Context, batchID int64) (domain.Report, error) {
	return e.Repo.GetReport(ctx, batchID)
}

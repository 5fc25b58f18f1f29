package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"batchseal/internal/domain"
	"batchseal/internal/events"
	"batchseal/internal/guard"
	"batchseal/internal/readiness"
)

// CreateBatch creates a draft batch with the tenant's next sequence
// number and reserves the 1:1 report row under the same id.
func (e Engine) CreateBatch(ctx context.Context, tenantID, actorID string) (domain.Batch, error) {
	if _, err := e.Repo.GetTenant(ctx, tenantID); err != nil {
		return domain.Batch{}, err
	}
	var b domain.Batch
	err := e.Locks.WithLock(ctx, guard.TenantKey(tenantID), func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		seq, err := e.Repo.NextBatchSeq(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		b = domain.Batch{
			TenantID:  tenantID,
			Seq:       seq,
			Status:    domain.BatchDraft,
			CreatedAt: e.nowRFC3339(),
		}
		id, err := e.Repo.InsertBatch(ctx, tx, b)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		b.ID = id
		if err := e.Repo.InsertDraftReport(ctx, tx, id, b.CreatedAt); err != nil {
			return fmt.Errorf("reserve report row: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "batch.created", tenantID, "batch", fmt.Sprint(id), actorID, events.EventPayload{"seq": seq}); err != nil {
			return err
		}
		return tx.Commit()
	})
	return b, err
}

// ReleaseBatch opens a draft batch for participation.
func (e Engine) ReleaseBatch(ctx context.Context, batchID int64, actorID string) (domain.Batch, error) {
	var b domain.Batch
	err := e.Locks.WithLock(ctx, guard.BatchKey(batchID), func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		b, err = e.Repo.GetBatchTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if b.Status != domain.BatchDraft {
			return InvalidTransitionError{Entity: "batch", From: b.Status, To: domain.BatchActive}
		}
		now := e.nowRFC3339()
		if err := e.Repo.MarkBatchReleased(ctx, tx, batchID, actorID, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "batch.released", b.TenantID, "batch", fmt.Sprint(batchID), actorID, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		b.Status = domain.BatchActive
		b.ReleasedBy = actorID
		b.ReleasedAt = &now
		return nil
	})
	return b, err
}

// CancelBatch cancels a draft or active batch. Once any emission has
// been requested or the report issued, cancellation is permanently
// forbidden.
func (e Engine) CancelBatch(ctx context.Context, batchID int64, actorID string) (domain.Batch, error) {
	var b domain.Batch
	err := e.Locks.WithLock(ctx, guard.BatchKey(batchID), func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		b, err = e.Repo.GetBatchTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if b.Status != domain.BatchDraft && b.Status != domain.BatchActive {
			return InvalidTransitionError{Entity: "batch", From: b.Status, To: domain.BatchCanceled}
		}
		if err := e.ensureEmissionNotRequested(ctx, tx, batchID); err != nil {
			return err
		}
		if err := e.Repo.UpdateBatchStatus(ctx, tx, batchID, domain.BatchCanceled); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "batch.canceled", b.TenantID, "batch", fmt.Sprint(batchID), actorID, events.EventPayload{"from": b.Status}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		b.Status = domain.BatchCanceled
		return nil
	})
	return b, err
}

// AdmitSubject explicitly adds one more subject to a batch. This is the
// only way a completed batch returns to active: admission of a new
// active evaluation, never an implicit flip.
func (e Engine) AdmitSubject(ctx context.Context, batchID int64, subjectID, actorID string) (domain.Evaluation, error) {
	var ev domain.Evaluation
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
		switch b.Status {
		case domain.BatchActive:
		case domain.BatchCompleted:
			if err := e.ensureEmissionNotRequested(ctx, tx, batchID); err != nil {
				return err
			}
			if err := e.Repo.ReopenBatch(ctx, tx, batchID); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "batch.reopened", b.TenantID, "batch", fmt.Sprint(batchID), actorID, events.EventPayload{"subject_id": subjectID}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("batch %d is %s; subjects can only be admitted to active or completed batches", batchID, b.Status)
		}
		ev, err = e.startEvaluationTx(ctx, tx, b, subjectID, actorID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return ev, err
}

// ensureEmissionNotRequested is the freeze check shared by cancel,
// reopen and reset: a queue entry (even processed) or an issued report
// permanently forbids further batch mutation.
func (e Engine) ensureEmissionNotRequested(ctx context.Context, tx *sql.Tx, batchID int64) error {
	queued, err := e.Repo.HasQueueEntry(ctx, tx, batchID)
	if err != nil {
		return err
	}
	if queued {
		return ErrEmissionFrozen
	}
	issued, err := e.Repo.ReportIssued(ctx, tx, batchID)
	if err != nil {
		return err
	}
	if issued {
		return ErrAlreadyIssued
	}
	return nil
}

// recalcBatchTx re-derives the batch status from its evaluation counts.
// Must run inside the batch's lock and the caller's transaction so two
// evaluations completing simultaneously cannot double-trigger the flip.
func (e Engine) recalcBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch, actorID string) (string, error) {
	counts, err := e.Repo.EvaluationCounts(ctx, tx, b.ID)
	if err != nil {
		return b.Status, err
	}
	res := readiness.Evaluate(counts)

	switch {
	case b.Status == domain.BatchActive && readiness.ShouldCancel(counts):
		if err := e.Repo.UpdateBatchStatus(ctx, tx, b.ID, domain.BatchCanceled); err != nil {
			return b.Status, err
		}
		if err := e.Events.Append(ctx, tx, "batch.canceled", b.TenantID, "batch", fmt.Sprint(b.ID), actorID, events.EventPayload{
			"reason": "all evaluations deactivated",
		}); err != nil {
			return b.Status, err
		}
		return domain.BatchCanceled, nil

	case b.Status == domain.BatchActive && res.Ready:
		now := e.nowRFC3339()
		if err := e.Repo.MarkBatchCompleted(ctx, tx, b.ID, now); err != nil {
			return b.Status, err
		}
		if err := e.Events.Append(ctx, tx, "batch.completed", b.TenantID, "batch", fmt.Sprint(b.ID), e.releaseNotifyActor(b, actorID), events.EventPayload{
			"completed":   counts.Completed,
			"deactivated": counts.Deactivated,
		}); err != nil {
			return b.Status, err
		}
		if err := e.armAutoEmissionTx(ctx, tx, b, actorID); err != nil {
			return b.Status, err
		}
		return domain.BatchCompleted, nil

	case b.Status == domain.BatchCompleted && !res.Ready:
		// Reached only through explicit reset or subject admission; both
		// verify emission was never requested before calling here.
		if err := e.Repo.ReopenBatch(ctx, tx, b.ID); err != nil {
			return b.Status, err
		}
		if err := e.Events.Append(ctx, tx, "batch.reopened", b.TenantID, "batch", fmt.Sprint(b.ID), actorID, nil); err != nil {
			return b.Status, err
		}
		return domain.BatchActive, nil
	}
	return b.Status, nil
}

func (e Engine) releaseNotifyActor(b domain.Batch, actorID string) string {
	if actorID != "" {
		return actorID
	}
	return b.ReleasedBy
}

// armAutoEmissionTx arms the deferred auto-issuance timer. Arming an
// already-armed batch is a no-op; there is deliberately no disarm API
// for callers — once armed the timer fires or is superseded by a manual
// request that claims first.
func (e Engine) armAutoEmissionTx(ctx context.Context, tx *sql.Tx, b domain.Batch, actorID string) error {
	grace := e.Config.Emission.GraceMinutes
	if grace <= 0 {
		return nil
	}
	issued, err := e.Repo.ReportIssued(ctx, tx, b.ID)
	if err != nil {
		return err
	}
	if issued {
		return nil
	}
	scheduledAt := e.now().UTC().Add(time.Duration(grace) * time.Minute).Format(time.RFC3339)
	armed, err := e.Repo.ArmAutoEmission(ctx, tx, b.ID, scheduledAt)
	if err != nil {
		return err
	}
	if !armed {
		return nil
	}
	return e.Events.Append(ctx, tx, "emission.scheduled", b.TenantID, "batch", fmt.Sprint(b.ID), actorID, events.EventPayload{
		"scheduled_at":  scheduledAt,
		"grace_minutes": grace,
	})
}

// GetReadiness reports the completion ratio and every reason currently
// blocking emission for the batch.
func (e Engine) GetReadiness(ctx context.Context, batchID int64) (domain.Batch, readiness.Counts, readiness.Result, error) {
	b, err := e.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return b, readiness.Counts{}, readiness.Result{}, err
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return b, readiness.Counts{}, readiness.Result{}, err
	}
	defer tx.Rollback()
	counts, err := e.Repo.EvaluationCounts(ctx, tx, batchID)
	if err != nil {
		return b, counts, readiness.Result{}, err
	}
	res := readiness.Evaluate(counts)
	if b.Status != domain.BatchCompleted {
		res.Reasons = append(res.Reasons, fmt.Sprintf("batch status is %s, expected completed", b.Status))
	}
	return b, counts, res, nil
}

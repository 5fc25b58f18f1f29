package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"batchseal/internal/domain"
	"batchseal/internal/engine/auth"
	"batchseal/internal/events"
	"batchseal/internal/guard"
)

// ResetEvaluation wipes an evaluation's responses and returns it to
// started. Each evaluation gets exactly one reset per batch, and resets
// are refused once emission has been requested or the report issued.
func (e Engine) ResetEvaluation(ctx context.Context, evaluationID string, batchID int64, requestedBy, role, reason string) (domain.ResetRecord, error) {
	var rec domain.ResetRecord
	if err := auth.RequireRole(e.Config.Roles.Reset, "reset evaluation", role); err != nil {
		return rec, err
	}
	reason = strings.TrimSpace(reason)
	minLen := e.Config.Reset.MinReasonLength
	if minLen < 1 {
		minLen = 1
	}
	if len(reason) < minLen {
		return rec, fmt.Errorf("reset reason must be at least %d characters", minLen)
	}

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
		if err := e.ensureEmissionNotRequested(ctx, tx, batchID); err != nil {
			return err
		}
		done, err := e.Repo.HasResetRecord(ctx, tx, evaluationID, batchID)
		if err != nil {
			return err
		}
		if done {
			return ErrAlreadyReset
		}
		ev, err := e.Repo.GetEvaluationTx(ctx, tx, evaluationID)
		if err != nil {
			return err
		}
		if ev.BatchID != batchID {
			return fmt.Errorf("evaluation %s does not belong to batch %d", evaluationID, batchID)
		}
		if ev.Status == domain.EvalDeactivated {
			return fmt.Errorf("evaluation %s is deactivated and cannot be reset", evaluationID)
		}

		wiped, err := e.Repo.CountResponses(ctx, tx, evaluationID)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteResponses(ctx, tx, evaluationID); err != nil {
			return err
		}
		if err := e.Repo.UpdateEvaluationStatus(ctx, tx, evaluationID, domain.EvalStarted, nil); err != nil {
			return err
		}
		rec = domain.ResetRecord{
			ID:                  uuid.New().String(),
			EvaluationID:        evaluationID,
			BatchID:             batchID,
			RequestedBy:         requestedBy,
			Role:                role,
			Reason:              reason,
			ResponseCountBefore: wiped,
			CreatedAt:           e.nowRFC3339(),
		}
		if err := e.Repo.InsertResetRecord(ctx, tx, rec); err != nil {
			return err
		}
		// A reset can pull a completed batch back to active.
		if _, err := e.recalcBatchTx(ctx, tx, b, requestedBy); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "evaluation.reset", b.TenantID, "evaluation", evaluationID, requestedBy, events.EventPayload{
			"batch_id":         batchID,
			"reason":           reason,
			"responses_erased": wiped,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	return rec, err
}

// ListResets returns the reset audit trail for a batch.
func (e Engine) ListResets(ctx context.Context, batchID int64) ([]domain.ResetRecord, error) {
	return e.Repo.ListResetRecords(ctx, batchID)
}

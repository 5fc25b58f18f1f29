package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"batchseal/internal/domain"
	"batchseal/internal/events"
	"batchseal/internal/guard"
)

func evalClaimKey(batchID int64, subjectID string) string {
	return fmt.Sprintf("%d|%s", batchID, subjectID)
}

// ensureEvalTransition enforces the legal transition table. Deactivation
// is the terminal side-branch reachable from any live status.
func ensureEvalTransition(from, to string) error {
	if to == domain.EvalDeactivated {
		if from == domain.EvalDeactivated {
			return InvalidTransitionError{Entity: "evaluation", From: from, To: to}
		}
		return nil
	}
	switch from {
	case domain.EvalStarted:
		if to == domain.EvalInProgress || to == domain.EvalCompleted {
			return nil
		}
	case domain.EvalInProgress:
		if to == domain.EvalCompleted {
			return nil
		}
	}
	return InvalidTransitionError{Entity: "evaluation", From: from, To: to}
}

// StartEvaluation begins one subject's participation in an active batch.
// At most one live evaluation may exist per (batch, subject): the guard
// claim resolves concurrent starts to exactly one winner, and the
// partial unique index backs it up at the storage layer.
func (e Engine) StartEvaluation(ctx context.Context, batchID int64, subjectID, actorID string) (domain.Evaluation, error) {
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
		if b.Status != domain.BatchActive {
			return fmt.Errorf("batch %d is %s; evaluations can only start in an active batch", batchID, b.Status)
		}
		ev, err = e.startEvaluationTx(ctx, tx, b, subjectID, actorID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return ev, err
}

func (e Engine) startEvaluationTx(ctx context.Context, tx *sql.Tx, b domain.Batch, subjectID, actorID string) (domain.Evaluation, error) {
	if subjectID == "" {
		return domain.Evaluation{}, fmt.Errorf("subject required")
	}
	claim, err := e.Claims.TryClaim(ctx, tx, "evaluation", evalClaimKey(b.ID, subjectID), subjectID)
	if err != nil {
		return domain.Evaluation{}, err
	}
	if !claim.Claimed {
		return domain.Evaluation{}, ConflictError{Key: evalClaimKey(b.ID, subjectID), Owner: claim.Owner}
	}
	ev := domain.Evaluation{
		ID:        uuid.New().String(),
		BatchID:   b.ID,
		SubjectID: subjectID,
		Status:    domain.EvalStarted,
		StartedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertEvaluation(ctx, tx, ev); err != nil {
		return domain.Evaluation{}, fmt.Errorf("insert evaluation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "evaluation.started", b.TenantID, "evaluation", ev.ID, actorID, events.EventPayload{
		"batch_id":   b.ID,
		"subject_id": subjectID,
	}); err != nil {
		return domain.Evaluation{}, err
	}
	return ev, nil
}

// AdvanceEvaluation moves an evaluation along its state machine.
// Transition into completed stamps completed_at and re-runs batch
// readiness synchronously inside the same batch lock, so a completion
// notification can never be lost between two racing writers.
func (e Engine) AdvanceEvaluation(ctx context.Context, evaluationID, next, actorID string) (domain.Evaluation, error) {
	ev, err := e.Repo.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return ev, err
	}
	err = e.Locks.WithLock(ctx, guard.BatchKey(ev.BatchID), func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		ev, err = e.Repo.GetEvaluationTx(ctx, tx, evaluationID)
		if err != nil {
			return err
		}
		if err := ensureEvalTransition(ev.Status, next); err != nil {
			return err
		}
		b, err := e.Repo.GetBatchTx(ctx, tx, ev.BatchID)
		if err != nil {
			return err
		}
		if b.Status == domain.BatchCompleted {
			// Deactivation could pull the batch back out of completed;
			// refuse once emission has been requested.
			if err := e.ensureEmissionNotRequested(ctx, tx, b.ID); err != nil {
				return err
			}
			// A completed batch only leaves that state through an
			// explicit reset or subject admission. Deactivating its
			// last evaluation would reopen it as a side effect, so
			// that one is refused.
			if next == domain.EvalDeactivated {
				counts, err := e.Repo.EvaluationCounts(ctx, tx, b.ID)
				if err != nil {
					return err
				}
				if counts.Active() <= 1 {
					return fmt.Errorf("evaluation %s is the last one standing in completed batch %d; the batch can only be reopened through an explicit reset", ev.ID, b.ID)
				}
			}
		}
		prev := ev.Status
		ev.Status = next
		if next == domain.EvalCompleted {
			ev.CompletedAt = optionalString(e.nowRFC3339())
		}
		if err := e.Repo.UpdateEvaluationStatus(ctx, tx, ev.ID, ev.Status, ev.CompletedAt); err != nil {
			return err
		}
		if next == domain.EvalDeactivated {
			// Free the (batch, subject) slot so the subject can be
			// re-admitted with a fresh evaluation.
			if err := e.Claims.Release(ctx, tx, "evaluation", evalClaimKey(ev.BatchID, ev.SubjectID)); err != nil {
				return err
			}
		}
		evtType := "evaluation.advanced"
		if next == domain.EvalDeactivated {
			evtType = "evaluation.deactivated"
		}
		if err := e.Events.Append(ctx, tx, evtType, b.TenantID, "evaluation", ev.ID, actorID, events.EventPayload{
			"from": prev,
			"to":   next,
		}); err != nil {
			return err
		}
		if next == domain.EvalCompleted || next == domain.EvalDeactivated {
			if _, err := e.recalcBatchTx(ctx, tx, b, actorID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return ev, err
}

// SubmitResponse records one answer. One response per (evaluation,
// item); resubmitting an item overwrites it. The first response moves a
// started evaluation to in_progress.
func (e Engine) SubmitResponse(ctx context.Context, evaluationID, item string, value int, actorID string) (domain.Evaluation, error) {
	ev, err := e.Repo.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return ev, err
	}
	if item == "" {
		return ev, fmt.Errorf("item required")
	}
	err = e.Locks.WithLock(ctx, guard.BatchKey(ev.BatchID), func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		ev, err = e.Repo.GetEvaluationTx(ctx, tx, evaluationID)
		if err != nil {
			return err
		}
		if ev.Status != domain.EvalStarted && ev.Status != domain.EvalInProgress {
			return fmt.Errorf("evaluation %s is %s; responses are no longer accepted", ev.ID, ev.Status)
		}
		if err := e.Repo.UpsertResponse(ctx, tx, domain.Response{
			EvaluationID: evaluationID,
			Item:         item,
			Value:        value,
			AnsweredAt:   e.nowRFC3339(),
		}); err != nil {
			return err
		}
		if ev.Status == domain.EvalStarted {
			ev.Status = domain.EvalInProgress
			if err := e.Repo.UpdateEvaluationStatus(ctx, tx, ev.ID, ev.Status, nil); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return ev, err
}

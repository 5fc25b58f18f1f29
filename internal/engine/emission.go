package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchseal/internal/domain"
	"batchseal/internal/engine/auth"
	"batchseal/internal/events"
	"batchseal/internal/guard"
	"batchseal/internal/readiness"
)

// RequestEmission places a completed batch on the emission queue. The
// guard claim on the "emission" domain resolves the race between a
// manual request and the deferred auto-issuance timer: whichever path
// claims first enqueues, the other gets ErrAlreadyRequested. Once an
// entry exists the batch's evaluations are frozen.
func (e Engine) RequestEmission(ctx context.Context, batchID int64, requestedBy, role string) (domain.EmissionQueueEntry, error) {
	var entry domain.EmissionQueueEntry
	if err := auth.RequireRole(e.Config.Roles.RequestEmission, "request emission", role); err != nil {
		return entry, err
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
		if b.Status != domain.BatchCompleted {
			counts, err := e.Repo.EvaluationCounts(ctx, tx, batchID)
			if err != nil {
				return err
			}
			res := readiness.Evaluate(counts)
			reasons := append([]string{fmt.Sprintf("batch status is %s, expected completed", b.Status)}, res.Reasons...)
			return NotReadyError{Reasons: reasons}
		}
		issued, err := e.Repo.ReportIssued(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if issued {
			return ErrAlreadyIssued
		}
		claim, err := e.Claims.TryClaim(ctx, tx, "emission", fmt.Sprint(batchID), requestedBy)
		if err != nil {
			return err
		}
		if !claim.Claimed {
			return ErrAlreadyRequested
		}
		now := e.nowRFC3339()
		entry = domain.EmissionQueueEntry{
			BatchID:       batchID,
			RequestedBy:   requestedBy,
			RequestedAt:   now,
			MaxAttempts:   e.Config.Emission.MaxAttempts,
			NextAttemptAt: now,
		}
		entry.ID, err = e.Repo.InsertQueueEntry(ctx, tx, entry)
		if err != nil {
			return err
		}
		if err := e.Repo.MarkEmissionRequested(ctx, tx, batchID, now); err != nil {
			return err
		}
		if err := e.Repo.DisarmAutoEmission(ctx, tx, batchID); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "emission.requested", b.TenantID, "batch", fmt.Sprint(batchID), requestedBy, events.EventPayload{
			"queue_entry_id": entry.ID,
			"max_attempts":   entry.MaxAttempts,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	return entry, err
}

// FireDueAutoEmissions enqueues batches whose deferred auto-issuance
// window has elapsed. A batch already requested manually, or no longer
// completed, just gets its timer disarmed.
func (e Engine) FireDueAutoEmissions(ctx context.Context) (int, error) {
	due, err := e.Repo.ListDueAutoEmissions(ctx, e.nowRFC3339(), 50)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, b := range due {
		_, err := e.RequestEmission(ctx, b.ID, e.Config.Emission.IssuerID, auth.RoleSystem)
		switch {
		case err == nil:
			fired++
		case errors.Is(err, ErrAlreadyRequested), errors.Is(err, ErrAlreadyIssued):
			if derr := e.disarmAutoEmission(ctx, b.ID); derr != nil {
				return fired, derr
			}
		default:
			var nr NotReadyError
			if errors.As(err, &nr) {
				// Batch regressed out of completed before the timer
				// fired; the next completion re-arms it.
				if derr := e.disarmAutoEmission(ctx, b.ID); derr != nil {
					return fired, derr
				}
				continue
			}
			return fired, err
		}
	}
	return fired, nil
}

func (e Engine) disarmAutoEmission(ctx context.Context, batchID int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DisarmAutoEmission(ctx, tx, batchID); err != nil {
		return err
	}
	return tx.Commit()
}

// ProcessEmissionQueue drains due queue entries, issuing a report for
// each. Failures back off exponentially; an entry that exhausts its
// attempts is recorded as an alert event and left for operators.
func (e Engine) ProcessEmissionQueue(ctx context.Context) (processed int, failed int, err error) {
	due, err := e.Repo.ListDueQueueEntries(ctx, e.nowRFC3339(), 50)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range due {
		if perr := e.processQueueEntry(ctx, entry); perr != nil {
			failed++
			if rerr := e.recordQueueFailure(ctx, entry, perr); rerr != nil {
				return processed, failed, rerr
			}
			continue
		}
		processed++
	}
	return processed, failed, nil
}

func (e Engine) processQueueEntry(ctx context.Context, entry domain.EmissionQueueEntry) error {
	issuer := entry.RequestedBy
	if issuer == "" {
		issuer = e.Config.Emission.IssuerID
	}
	if _, err := e.EmitReport(ctx, entry.BatchID, issuer, auth.RoleSystem); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBatchTx(ctx, tx, entry.BatchID)
	if err != nil {
		return err
	}
	if err := e.Repo.MarkQueueEntryProcessed(ctx, tx, entry.ID, e.nowRFC3339()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "emission.processed", b.TenantID, "batch", fmt.Sprint(entry.BatchID), issuer, events.EventPayload{
		"queue_entry_id": entry.ID,
		"attempts":       entry.Attempts + 1,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) recordQueueFailure(ctx context.Context, entry domain.EmissionQueueEntry, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBatchTx(ctx, tx, entry.BatchID)
	if err != nil {
		return err
	}
	attempts := entry.Attempts + 1
	backoff := backoffMinutes(e.Config.Emission.BackoffBaseMinutes, attempts)
	nextAt := e.now().UTC().Add(backoff).Format(time.RFC3339)
	if err := e.Repo.RecordQueueFailure(ctx, tx, entry.ID, nextAt, cause.Error()); err != nil {
		return err
	}
	if attempts >= entry.MaxAttempts {
		if err := e.Events.Append(ctx, tx, "emission.exhausted", b.TenantID, "batch", fmt.Sprint(entry.BatchID), e.Config.Emission.IssuerID, events.EventPayload{
			"queue_entry_id": entry.ID,
			"attempts":       attempts,
			"last_error":     cause.Error(),
		}); err != nil {
			return err
		}
	} else {
		if err := e.Events.Append(ctx, tx, "emission.retry_scheduled", b.TenantID, "batch", fmt.Sprint(entry.BatchID), e.Config.Emission.IssuerID, events.EventPayload{
			"queue_entry_id":  entry.ID,
			"attempts":        attempts,
			"next_attempt_at": nextAt,
			"last_error":      cause.Error(),
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// backoffMinutes computes base^attempts minutes, capped at a day so a
// runaway attempt counter cannot schedule a retry into the far future.
func backoffMinutes(base, attempts int) time.Duration {
	if base < 2 {
		base = 2
	}
	d := time.Minute
	for i := 0; i < attempts; i++ {
		d *= time.Duration(base)
		if d > 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return d
}

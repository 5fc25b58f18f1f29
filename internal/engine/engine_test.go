package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"batchseal/internal/config"
	"batchseal/internal/db"
	"batchseal/internal/domain"
	"batchseal/internal/engine"
	"batchseal/internal/engine/auth"
	"batchseal/internal/migrate"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Workspace string
	Clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("tenant-1")
	eng := engine.New(conn, cfg, dir)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clock.Now
	ctx := context.Background()
	if _, err := eng.InitTenant(ctx, "tenant-1", "test", "tester"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, Workspace: dir, Clock: clock}
}

// activeBatch creates and releases a batch.
func (env *testEnv) activeBatch(t *testing.T) domain.Batch {
	t.Helper()
	b, err := env.Engine.CreateBatch(env.Ctx, "tenant-1", "tester")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	b, err = env.Engine.ReleaseBatch(env.Ctx, b.ID, "tester")
	if err != nil {
		t.Fatalf("release batch: %v", err)
	}
	return b
}

// completedBatch creates a batch with n evaluations all completed.
func (env *testEnv) completedBatch(t *testing.T, n int) domain.Batch {
	t.Helper()
	b := env.activeBatch(t)
	for i := 0; i < n; i++ {
		ev, err := env.Engine.StartEvaluation(env.Ctx, b.ID, fmt.Sprintf("subj-%d", i), "tester")
		if err != nil {
			t.Fatalf("start evaluation %d: %v", i, err)
		}
		if _, err := env.Engine.SubmitResponse(env.Ctx, ev.ID, "q1", i, "tester"); err != nil {
			t.Fatalf("submit response: %v", err)
		}
		if _, err := env.Engine.AdvanceEvaluation(env.Ctx, ev.ID, domain.EvalCompleted, "tester"); err != nil {
			t.Fatalf("complete evaluation: %v", err)
		}
	}
	b, err := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	if b.Status != domain.BatchCompleted {
		t.Fatalf("expected completed batch, got %s", b.Status)
	}
	return b
}

func TestCreateBatchReservesDraftReport(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.CreateBatch(env.Ctx, "tenant-1", "tester")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if b.Status != domain.BatchDraft || b.Seq != 1 {
		t.Fatalf("unexpected batch %+v", b)
	}
	rep, err := env.Engine.GetReport(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if rep.Status != domain.ReportDraft || rep.BatchID != b.ID {
		t.Fatalf("expected draft report for batch %d, got %+v", b.ID, rep)
	}
	b2, err := env.Engine.CreateBatch(env.Ctx, "tenant-1", "tester")
	if err != nil {
		t.Fatalf("create second batch: %v", err)
	}
	if b2.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", b2.Seq)
	}
}

func TestBatchStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)
	if b.Status != domain.BatchActive || b.ReleasedBy != "tester" {
		t.Fatalf("unexpected released batch %+v", b)
	}
	// releasing twice is an invalid transition
	_, err := env.Engine.ReleaseBatch(env.Ctx, b.ID, "tester")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected transition error, got %v", err)
	}
	// active batches can still be canceled
	b, err = env.Engine.CancelBatch(env.Ctx, b.ID, "tester")
	if err != nil || b.Status != domain.BatchCanceled {
		t.Fatalf("cancel: %v (%+v)", err, b)
	}
	_, err = env.Engine.CancelBatch(env.Ctx, b.ID, "tester")
	if !errors.As(err, &ite) {
		t.Fatalf("expected transition error on double cancel, got %v", err)
	}
}

func TestStartEvaluationRequiresActiveBatch(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.CreateBatch(env.Ctx, "tenant-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester"); err == nil {
		t.Fatalf("expected error starting evaluation in draft batch")
	}
}

func TestDuplicateEvaluationBlocked(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)
	ev, err := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err = env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Owner != "subj-1" {
		t.Fatalf("conflict should name the owner, got %+v", conflict)
	}
	// deactivation frees the slot for re-admission
	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, ev.ID, domain.EvalDeactivated, "tester"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	ev2, err := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester")
	if err != nil {
		t.Fatalf("restart after deactivation: %v", err)
	}
	if ev2.ID == ev.ID {
		t.Fatalf("expected a fresh evaluation id")
	}
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-race", "tester")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		var conflict engine.ConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &conflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	items, err := env.Engine.Repo.ListEvaluations(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one evaluation row, got %d", len(items))
	}
}

func TestEvaluationStateMachine(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)
	ev, err := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	// first response moves started -> in_progress
	ev, err = env.Engine.SubmitResponse(env.Ctx, ev.ID, "q1", 4, "tester")
	if err != nil || ev.Status != domain.EvalInProgress {
		t.Fatalf("first response: %v (%s)", err, ev.Status)
	}
	// resubmitting an item overwrites it
	if _, err := env.Engine.SubmitResponse(env.Ctx, ev.ID, "q1", 5, "tester"); err != nil {
		t.Fatalf("overwrite response: %v", err)
	}
	resps, err := env.Engine.Repo.ListResponses(env.Ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(resps) != 1 || resps[0].Value != 5 {
		t.Fatalf("expected one response with value 5, got %+v", resps)
	}
	ev, err = env.Engine.AdvanceEvaluation(env.Ctx, ev.ID, domain.EvalCompleted, "tester")
	if err != nil || ev.Status != domain.EvalCompleted || ev.CompletedAt == nil {
		t.Fatalf("complete: %v (%+v)", err, ev)
	}
	// no responses and no transitions after completion except deactivation
	if _, err := env.Engine.SubmitResponse(env.Ctx, ev.ID, "q2", 1, "tester"); err == nil {
		t.Fatalf("expected response rejection on completed evaluation")
	}
	_, err = env.Engine.AdvanceEvaluation(env.Ctx, ev.ID, domain.EvalInProgress, "tester")
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, ev.ID, domain.EvalDeactivated, "tester"); err != nil {
		t.Fatalf("deactivate completed evaluation: %v", err)
	}
}

func TestBatchCompletesWhenAllEvaluationsSettle(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)
	ev1, _ := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester")
	ev2, _ := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-2", "tester")

	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, ev1.ID, domain.EvalCompleted, "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchActive {
		t.Fatalf("batch should stay active with one evaluation open, got %s", got.Status)
	}
	// deactivated evaluations drop out of the denominator
	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, ev2.ID, domain.EvalDeactivated, "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchCompleted {
		t.Fatalf("expected completed batch, got %s", got.Status)
	}
	if !got.AutoEmissionScheduled || got.EmissionScheduledAt == nil {
		t.Fatalf("completion should arm auto emission, got %+v", got)
	}
	want := env.Clock.Now().UTC().Add(10 * time.Minute).Format(time.RFC3339)
	if *got.EmissionScheduledAt != want {
		t.Fatalf("scheduled at %s, want %s", *got.EmissionScheduledAt, want)
	}
}

func TestAllDeactivatedCancelsBatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)
	ev, _ := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester")
	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, ev.ID, domain.EvalDeactivated, "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchCanceled {
		t.Fatalf("expected canceled batch when every evaluation deactivates, got %s", got.Status)
	}
}

func TestDeactivationNeverReopensCompletedBatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 2)
	evs, err := env.Engine.Repo.ListEvaluations(env.Ctx, b.ID)
	if err != nil || len(evs) != 2 {
		t.Fatalf("evaluations: %v (%d)", err, len(evs))
	}

	// dropping one of two leaves the batch completed
	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, evs[0].ID, domain.EvalDeactivated, "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchCompleted {
		t.Fatalf("batch left completed state: %s", got.Status)
	}

	// the last evaluation cannot be deactivated; that would reopen the
	// batch as a side effect
	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, evs[1].ID, domain.EvalDeactivated, "tester"); err == nil {
		t.Fatal("deactivating the last evaluation of a completed batch succeeded")
	}
	got, _ = env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchCompleted {
		t.Fatalf("batch reopened implicitly: %s", got.Status)
	}
	ev, err := env.Engine.Repo.GetEvaluation(env.Ctx, evs[1].ID)
	if err != nil || ev.Status != domain.EvalCompleted {
		t.Fatalf("evaluation mutated by refused deactivation: %v (%s)", err, ev.Status)
	}
}

func TestAdmitSubjectReopensCompletedBatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 1)

	ev, err := env.Engine.AdmitSubject(env.Ctx, b.ID, "late-subj", "tester")
	if err != nil {
		t.Fatalf("admit into completed batch: %v", err)
	}
	got, _ := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchActive {
		t.Fatalf("admission should reopen the batch, got %s", got.Status)
	}
	// finishing the late evaluation completes the batch again
	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, ev.ID, domain.EvalCompleted, "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchCompleted {
		t.Fatalf("expected re-completed batch, got %s", got.Status)
	}
}

func TestRequestEmission(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 2)

	entry, err := env.Engine.RequestEmission(env.Ctx, b.ID, "manager-1", "manager")
	if err != nil {
		t.Fatalf("request emission: %v", err)
	}
	if entry.BatchID != b.ID || entry.MaxAttempts != 3 || entry.Processed {
		t.Fatalf("unexpected queue entry %+v", entry)
	}
	// second request loses the claim
	_, err = env.Engine.RequestEmission(env.Ctx, b.ID, "manager-2", "manager")
	if !errors.Is(err, engine.ErrAlreadyRequested) {
		t.Fatalf("expected ErrAlreadyRequested, got %v", err)
	}
	// the manual request disarms the auto timer
	got, _ := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.AutoEmissionScheduled {
		t.Fatalf("manual request should disarm auto emission")
	}
	if got.EmissionRequestedAt == nil {
		t.Fatalf("emission_requested_at not stamped")
	}
}

func TestRequestEmissionGuards(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)
	if _, err := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester"); err != nil {
		t.Fatal(err)
	}

	var nr engine.NotReadyError
	_, err := env.Engine.RequestEmission(env.Ctx, b.ID, "manager-1", "manager")
	if !errors.As(err, &nr) || len(nr.Reasons) == 0 {
		t.Fatalf("expected NotReadyError with reasons, got %v", err)
	}

	var forbidden auth.ForbiddenRoleError
	_, err = env.Engine.RequestEmission(env.Ctx, b.ID, "someone", "viewer")
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden role, got %v", err)
	}
}

func TestConcurrentEmissionRequestsSingleEntry(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 1)

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.RequestEmission(env.Ctx, b.ID, fmt.Sprintf("mgr-%d", i), "manager")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrAlreadyRequested):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one enqueued request, got %d", wins)
	}
}

func TestAutoEmissionFiresAfterGrace(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 1)

	// before the grace window nothing fires
	fired, err := env.Engine.FireDueAutoEmissions(env.Ctx)
	if err != nil || fired != 0 {
		t.Fatalf("premature fire: %d (%v)", fired, err)
	}

	env.Clock.Advance(11 * time.Minute)
	fired, err = env.Engine.FireDueAutoEmissions(env.Ctx)
	if err != nil || fired != 1 {
		t.Fatalf("fire after grace: %d (%v)", fired, err)
	}
	entry, err := env.Engine.Repo.GetQueueEntryByBatch(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("queue entry: %v", err)
	}
	if entry.RequestedBy != "system-issuer" {
		t.Fatalf("auto entry should be requested by the configured issuer, got %s", entry.RequestedBy)
	}
	// a second pass finds nothing armed
	fired, err = env.Engine.FireDueAutoEmissions(env.Ctx)
	if err != nil || fired != 0 {
		t.Fatalf("second fire: %d (%v)", fired, err)
	}
}

func TestManualRequestBeatsTimer(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 1)

	if _, err := env.Engine.RequestEmission(env.Ctx, b.ID, "manager-1", "manager"); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(time.Hour)
	fired, err := env.Engine.FireDueAutoEmissions(env.Ctx)
	if err != nil || fired != 0 {
		t.Fatalf("timer should lose to the manual claim: %d (%v)", fired, err)
	}
	entry, _ := env.Engine.Repo.GetQueueEntryByBatch(env.Ctx, b.ID)
	if entry.RequestedBy != "manager-1" {
		t.Fatalf("manual entry should stand, got %+v", entry)
	}
}

func TestProcessEmissionQueueIssuesReport(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 2)
	if _, err := env.Engine.RequestEmission(env.Ctx, b.ID, "manager-1", "manager"); err != nil {
		t.Fatal(err)
	}

	processed, failed, err := env.Engine.ProcessEmissionQueue(env.Ctx)
	if err != nil || processed != 1 || failed != 0 {
		t.Fatalf("process: %d/%d (%v)", processed, failed, err)
	}
	rep, err := env.Engine.GetReport(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != domain.ReportIssued || rep.Hash == nil || rep.IssuedAt == nil {
		t.Fatalf("expected issued report, got %+v", rep)
	}
	if rep.ArtifactPath == nil {
		t.Fatalf("artifact path not recorded")
	}
	if _, err := os.Stat(*rep.ArtifactPath); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(*rep.ArtifactPath), fmt.Sprintf("report-%d.meta.json", b.ID))); err != nil {
		t.Fatalf("metadata sidecar missing: %v", err)
	}
	entry, _ := env.Engine.Repo.GetQueueEntryByBatch(env.Ctx, b.ID)
	if !entry.Processed || entry.ProcessedAt == nil {
		t.Fatalf("entry not marked processed: %+v", entry)
	}
	// the drained queue is a no-op on the next pass
	processed, failed, err = env.Engine.ProcessEmissionQueue(env.Ctx)
	if err != nil || processed != 0 || failed != 0 {
		t.Fatalf("second pass: %d/%d (%v)", processed, failed, err)
	}
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, int64) ([]byte, error) {
	return nil, errors.New("render backend unavailable")
}

func TestQueueBackoffAndExhaustion(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 1)
	if _, err := env.Engine.RequestEmission(env.Ctx, b.ID, "manager-1", "manager"); err != nil {
		t.Fatal(err)
	}
	eng := env.Engine
	eng.Renderer = failingRenderer{}

	// attempt 1 fails and schedules a retry base^1 minutes out
	processed, failed, err := eng.ProcessEmissionQueue(env.Ctx)
	if err != nil || processed != 0 || failed != 1 {
		t.Fatalf("first attempt: %d/%d (%v)", processed, failed, err)
	}
	entry, _ := eng.Repo.GetQueueEntryByBatch(env.Ctx, b.ID)
	if entry.Attempts != 1 || entry.Processed || entry.LastError == "" {
		t.Fatalf("unexpected entry after failure: %+v", entry)
	}
	wantNext := env.Clock.Now().UTC().Add(2 * time.Minute).Format(time.RFC3339)
	if entry.NextAttemptAt != wantNext {
		t.Fatalf("next attempt %s, want %s", entry.NextAttemptAt, wantNext)
	}
	// not due yet
	_, failed, err = eng.ProcessEmissionQueue(env.Ctx)
	if err != nil || failed != 0 {
		t.Fatalf("entry should not be due: %d (%v)", failed, err)
	}

	env.Clock.Advance(3 * time.Minute)
	if _, failed, _ = eng.ProcessEmissionQueue(env.Ctx); failed != 1 {
		t.Fatalf("second attempt should fail, got %d", failed)
	}
	env.Clock.Advance(5 * time.Minute)
	if _, failed, _ = eng.ProcessEmissionQueue(env.Ctx); failed != 1 {
		t.Fatalf("third attempt should fail, got %d", failed)
	}
	entry, _ = eng.Repo.GetQueueEntryByBatch(env.Ctx, b.ID)
	if entry.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", entry.Attempts)
	}
	// exhausted entries are left for operators, not retried
	env.Clock.Advance(24 * time.Hour)
	processed, failed, err = env.Engine.ProcessEmissionQueue(env.Ctx)
	if err != nil || processed != 0 || failed != 0 {
		t.Fatalf("exhausted entry retried: %d/%d (%v)", processed, failed, err)
	}
}

func TestEmitReportIdempotent(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 2)

	rep1, err := env.Engine.EmitReport(env.Ctx, b.ID, "issuer-1", "issuer")
	if err != nil {
		t.Fatalf("first emit: %v", err)
	}
	env.Clock.Advance(time.Hour)
	rep2, err := env.Engine.EmitReport(env.Ctx, b.ID, "issuer-2", "issuer")
	if err != nil {
		t.Fatalf("second emit: %v", err)
	}
	if *rep1.Hash != *rep2.Hash || *rep1.IssuedAt != *rep2.IssuedAt || *rep1.IssuerID != *rep2.IssuerID {
		t.Fatalf("second emit mutated the sealed report: %+v vs %+v", rep1, rep2)
	}
}

func TestEmitReportRequiresCompletedBatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)
	var nr engine.NotReadyError
	_, err := env.Engine.EmitReport(env.Ctx, b.ID, "issuer-1", "issuer")
	if !errors.As(err, &nr) {
		t.Fatalf("expected NotReadyError, got %v", err)
	}
}

// reopeningRenderer resets an evaluation while rendering, pulling the
// batch back to active between the readiness check and the seal.
type reopeningRenderer struct {
	eng    engine.Engine
	evalID string
	batch  int64
}

func (r reopeningRenderer) Render(ctx context.Context, batchID int64) ([]byte, error) {
	if _, err := r.eng.ResetEvaluation(ctx, r.evalID, r.batch, "manager-1", "manager", "dispute raised mid-issuance"); err != nil {
		return nil, err
	}
	return []byte(`{}`), nil
}

func TestEmitReportRefusedWhenBatchReopensMidRender(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 1)
	evs, err := env.Engine.Repo.ListEvaluations(env.Ctx, b.ID)
	if err != nil || len(evs) != 1 {
		t.Fatalf("evaluations: %v (%d)", err, len(evs))
	}
	eng := env.Engine
	eng.Renderer = reopeningRenderer{eng: env.Engine, evalID: evs[0].ID, batch: b.ID}

	var nr engine.NotReadyError
	if _, err := eng.EmitReport(env.Ctx, b.ID, "issuer-1", "issuer"); !errors.As(err, &nr) {
		t.Fatalf("expected NotReadyError after mid-render reopen, got %v", err)
	}
	rep, err := env.Engine.GetReport(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != domain.ReportDraft || rep.Hash != nil || rep.IssuedAt != nil {
		t.Fatalf("report sealed against a reopened batch: %+v", rep)
	}
	got, _ := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchActive {
		t.Fatalf("expected reopened batch, got %s", got.Status)
	}
}

func TestMarkReportDelivered(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 1)
	if _, err := env.Engine.EmitReport(env.Ctx, b.ID, "issuer-1", "issuer"); err != nil {
		t.Fatal(err)
	}
	var fr auth.ForbiddenRoleError
	if _, err := env.Engine.MarkReportDelivered(env.Ctx, b.ID, "courier", "viewer"); !errors.As(err, &fr) {
		t.Fatalf("expected ForbiddenRoleError for viewer, got %v", err)
	}
	rep, err := env.Engine.MarkReportDelivered(env.Ctx, b.ID, "courier", "issuer")
	if err != nil || rep.Status != domain.ReportDelivered || rep.DeliveredAt == nil {
		t.Fatalf("deliver: %v (%+v)", err, rep)
	}
	// delivery does not loosen the seal
	rep2, err := env.Engine.EmitReport(env.Ctx, b.ID, "issuer-2", "issuer")
	if err != nil || rep2.Status != domain.ReportDelivered {
		t.Fatalf("emit after delivery: %v (%+v)", err, rep2)
	}
}

func TestResetEvaluation(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)
	ev, _ := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester")
	_, _ = env.Engine.SubmitResponse(env.Ctx, ev.ID, "q1", 3, "tester")
	_, _ = env.Engine.SubmitResponse(env.Ctx, ev.ID, "q2", 4, "tester")
	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, ev.ID, domain.EvalCompleted, "tester"); err != nil {
		t.Fatal(err)
	}
	// batch completed on the back of that evaluation
	got, _ := env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchCompleted {
		t.Fatalf("expected completed batch, got %s", got.Status)
	}

	rec, err := env.Engine.ResetEvaluation(env.Ctx, ev.ID, b.ID, "manager-1", "manager", "scoring dispute raised")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if rec.ResponseCountBefore != 2 || rec.Role != "manager" {
		t.Fatalf("unexpected reset record %+v", rec)
	}
	ev2, _ := env.Engine.Repo.GetEvaluation(env.Ctx, ev.ID)
	if ev2.Status != domain.EvalStarted || ev2.CompletedAt != nil {
		t.Fatalf("evaluation not restarted: %+v", ev2)
	}
	resps, _ := env.Engine.Repo.ListResponses(env.Ctx, ev.ID)
	if len(resps) != 0 {
		t.Fatalf("responses not wiped: %+v", resps)
	}
	// the reset pulled the completed batch back to active
	got, _ = env.Engine.Repo.GetBatch(env.Ctx, b.ID)
	if got.Status != domain.BatchActive {
		t.Fatalf("expected reopened batch, got %s", got.Status)
	}

	// one reset per evaluation per batch
	_, err = env.Engine.ResetEvaluation(env.Ctx, ev.ID, b.ID, "manager-1", "manager", "trying again anyway")
	if !errors.Is(err, engine.ErrAlreadyReset) {
		t.Fatalf("expected ErrAlreadyReset, got %v", err)
	}

	records, err := env.Engine.ListResets(env.Ctx, b.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("list resets: %v (%d)", err, len(records))
	}
}

func TestResetGuards(t *testing.T) {
	env := newTestEnv(t)
	b := env.activeBatch(t)
	ev, _ := env.Engine.StartEvaluation(env.Ctx, b.ID, "subj-1", "tester")

	// reason length is enforced
	if _, err := env.Engine.ResetEvaluation(env.Ctx, ev.ID, b.ID, "manager-1", "manager", "  no  "); err == nil {
		t.Fatalf("expected short-reason rejection")
	}
	// role gate
	var forbidden auth.ForbiddenRoleError
	_, err := env.Engine.ResetEvaluation(env.Ctx, ev.ID, b.ID, "someone", "viewer", "long enough reason")
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden role, got %v", err)
	}
	// deactivated evaluations cannot be reset
	if _, err := env.Engine.AdvanceEvaluation(env.Ctx, ev.ID, domain.EvalDeactivated, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResetEvaluation(env.Ctx, ev.ID, b.ID, "manager-1", "manager", "long enough reason"); err == nil {
		t.Fatalf("expected deactivated rejection")
	}
}

func TestEmissionFreezesBatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 1)
	evs, _ := env.Engine.Repo.ListEvaluations(env.Ctx, b.ID)
	if _, err := env.Engine.RequestEmission(env.Ctx, b.ID, "manager-1", "manager"); err != nil {
		t.Fatal(err)
	}

	// once queued, resets and late admissions are refused permanently
	_, err := env.Engine.ResetEvaluation(env.Ctx, evs[0].ID, b.ID, "manager-1", "manager", "too late to dispute")
	if !errors.Is(err, engine.ErrEmissionFrozen) {
		t.Fatalf("expected ErrEmissionFrozen on reset, got %v", err)
	}
	_, err = env.Engine.AdmitSubject(env.Ctx, b.ID, "late-subj", "tester")
	if !errors.Is(err, engine.ErrEmissionFrozen) {
		t.Fatalf("expected ErrEmissionFrozen on admission, got %v", err)
	}
}

func TestCompletedBatchEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	b := env.completedBatch(t, 1)
	events, err := env.Engine.Repo.ListEntityEvents(env.Ctx, "batch", fmt.Sprint(b.ID), 50)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"batch.created", "batch.released", "batch.completed", "emission.scheduled"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

package testrun

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/repository"
	"github.com/splax/taskwatch/internal/service/reconcile"
)

const suiteName = "forms-perf-test"

func TestReconcileDropsWhenRunCannotBeLinked(t *testing.T) {
	event := loadEvent(t, "task-start-starting.json")
	repo := &fakeTestRunRepo{}
	r := newTestReconciler(repo)

	out := r.Reconcile(context.Background(), event, suiteName)

	if out.Kind != reconcile.KindDropped || out.Reason != reconcile.DropUnlinked {
		t.Fatalf("expected unlinked drop, got %s", out)
	}
	if repo.linkCalls != 1 {
		t.Fatalf("expected one link attempt, got %d", repo.linkCalls)
	}
	if len(repo.updates) != 0 {
		t.Fatalf("expected no status updates, got %d", len(repo.updates))
	}
}

func TestReconcileLinksCandidateRun(t *testing.T) {
	event := loadEvent(t, "task-start-starting.json")
	repo := &fakeTestRunRepo{linked: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	out := r.Reconcile(context.Background(), event, suiteName)

	if out.Kind != reconcile.KindApplied || out.RecordID != "1234" {
		t.Fatalf("expected applied outcome for run 1234, got %s", out)
	}
	wantIDs := domain.TestRunMatchIDs{Name: suiteName, Environment: "test", Timestamp: event.Detail.CreatedAt}
	if repo.lastMatch != wantIDs {
		t.Fatalf("expected match ids %+v, got %+v", wantIDs, repo.lastMatch)
	}
	if repo.lastLinkArn != event.Detail.TaskArn {
		t.Fatalf("expected link with task arn %s, got %s", event.Detail.TaskArn, repo.lastLinkArn)
	}
	assertSingleUpdate(t, repo, event, "starting", nil, nil)
}

func TestReconcileAnchorsLinkWindowOnTaskCreation(t *testing.T) {
	event := loadEvent(t, "task-start-running.json")
	created := event.Timestamp.Add(-45 * time.Minute)
	event.Detail.CreatedAt = created
	repo := &fakeTestRunRepo{linked: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, suiteName)

	if !repo.lastMatch.Timestamp.Equal(created) {
		t.Fatalf("expected link anchored at %s, got %s", created, repo.lastMatch.Timestamp)
	}
}

func TestReconcileAnchorsLinkWindowOnEventTimeWithoutCreatedAt(t *testing.T) {
	event := loadEvent(t, "task-start-starting.json")
	event.Detail.CreatedAt = time.Time{}
	repo := &fakeTestRunRepo{linked: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, suiteName)

	if !repo.lastMatch.Timestamp.Equal(event.Timestamp) {
		t.Fatalf("expected link anchored at %s, got %s", event.Timestamp, repo.lastMatch.Timestamp)
	}
}

func TestReconcileStarting(t *testing.T) {
	event := loadEvent(t, "task-start-starting.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, suiteName)

	if repo.linkCalls != 0 {
		t.Fatalf("expected no link attempt for an already linked run, got %d", repo.linkCalls)
	}
	assertSingleUpdate(t, repo, event, "starting", nil, nil)
}

func TestReconcileRunning(t *testing.T) {
	event := loadEvent(t, "task-start-running.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, suiteName)

	assertSingleUpdate(t, repo, event, "in-progress", nil, nil)
}

func TestReconcileTestSuitePassed(t *testing.T) {
	event := loadEvent(t, "task-stop-test-suite-pass.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, suiteName)

	assertSingleUpdate(t, repo, event, "finished", strPtr("passed"), nil)
}

func TestReconcileTestSuiteFailed(t *testing.T) {
	event := loadEvent(t, "task-stop-test-suite-fail.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, suiteName)

	assertSingleUpdate(t, repo, event, "finished", strPtr("failed"), nil)
}

func TestReconcileOutOfMemory(t *testing.T) {
	event := loadEvent(t, "task-stop-out-of-memory.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, suiteName)

	// The exit code fails the result and the container reason fails the status.
	assertSingleUpdate(t, repo, event, "failed", strPtr("failed"), []domain.FailureReason{
		{ContainerName: "forms-perf-test", Reason: "OutOfMemoryError: Container killed due to memory usage"},
	})
}

func TestReconcileTimeoutSidecar(t *testing.T) {
	event := loadEvent(t, "task-stop-timeout-sidecar.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, suiteName)

	assertSingleUpdate(t, repo, event, "failed", strPtr("failed"), []domain.FailureReason{
		{ContainerName: "forms-perf-test-timeout", Reason: "Test suite exceeded maximum run time"},
	})
}

func TestReconcileTaskLevelFailure(t *testing.T) {
	event := loadEvent(t, "task-stop-missing-secret.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234", TestSuite: suiteName}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, suiteName)

	assertSingleUpdate(t, repo, event, "failed", nil, []domain.FailureReason{
		{ContainerName: "ECS Task", Reason: "ResourceInitializationError: unable to pull secrets or registry auth: execution resource retrieval failed: unable to retrieve secret from asm: service call has been retried 1 time(s): retrieved secret from Secrets Manager did not contain json key MY_SECRET"},
	})
}

func TestReconcileWithoutTestContainerHasNoResult(t *testing.T) {
	event := loadEvent(t, "task-stop-test-suite-pass.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234", TestSuite: "renamed-suite"}}
	r := newTestReconciler(repo)

	r.Reconcile(context.Background(), event, "renamed-suite")

	assertSingleUpdate(t, repo, event, "finished", nil, nil)
}

func TestReconcileDropsUnknownAccount(t *testing.T) {
	event := loadEvent(t, "task-start-starting.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234"}}
	r := newTestReconciler(repo)
	r.environments = fakeEnvironments{}

	out := r.Reconcile(context.Background(), event, suiteName)

	if out.Kind != reconcile.KindDropped || out.Reason != reconcile.DropUnknownAccount {
		t.Fatalf("expected unknown account drop, got %s", out)
	}
	if repo.findCalls != 0 {
		t.Fatal("expected no store access for unknown account")
	}
}

func TestReconcileSwallowsStoreErrors(t *testing.T) {
	event := loadEvent(t, "task-start-running.json")
	repo := &fakeTestRunRepo{found: &domain.TestRun{RunID: "1234"}, updateErr: errors.New("write timeout")}
	r := newTestReconciler(repo)

	out := r.Reconcile(context.Background(), event, suiteName)

	if out.Kind != reconcile.KindFailed || out.Fatal() {
		t.Fatalf("expected non-fatal failure, got %s", out)
	}
}

func TestReconcileFindErrorDoesNotLink(t *testing.T) {
	event := loadEvent(t, "task-start-running.json")
	repo := &fakeTestRunRepo{findErr: errors.New("connection refused")}
	r := newTestReconciler(repo)

	out := r.Reconcile(context.Background(), event, suiteName)

	if out.Kind != reconcile.KindFailed {
		t.Fatalf("expected failure, got %s", out)
	}
	if repo.linkCalls != 0 {
		t.Fatal("expected no link attempt after a lookup error")
	}
}

func assertSingleUpdate(t *testing.T, repo *fakeTestRunRepo, event domain.TaskStateChangeEvent, wantStatus string, wantResult *string, wantReasons []domain.FailureReason) {
	t.Helper()
	if len(repo.updates) != 1 {
		t.Fatalf("expected exactly one status update, got %d", len(repo.updates))
	}
	got := repo.updates[0]
	if got.taskArn != event.Detail.TaskArn {
		t.Fatalf("expected task arn %s, got %s", event.Detail.TaskArn, got.taskArn)
	}
	if got.status != wantStatus {
		t.Fatalf("expected status %s, got %s", wantStatus, got.status)
	}
	switch {
	case wantResult == nil && got.result != nil:
		t.Fatalf("expected no result, got %s", *got.result)
	case wantResult != nil && (got.result == nil || *got.result != *wantResult):
		t.Fatalf("expected result %s, got %v", *wantResult, got.result)
	}
	if !got.updated.Equal(event.Timestamp) {
		t.Fatalf("expected timestamp %s, got %s", event.Timestamp, got.updated)
	}
	if wantReasons == nil {
		wantReasons = []domain.FailureReason{}
	}
	if !reflect.DeepEqual(got.reasons, wantReasons) {
		t.Fatalf("expected failure reasons %v, got %v", wantReasons, got.reasons)
	}
}

func loadEvent(t *testing.T, name string) domain.TaskStateChangeEvent {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	var event domain.TaskStateChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return event
}

type fakeEnvironments map[string]string

func (f fakeEnvironments) FindEnv(account string) (string, bool) {
	env, ok := f[account]
	return env, ok
}

type statusUpdate struct {
	taskArn string
	status  string
	result  *string
	updated time.Time
	reasons []domain.FailureReason
}

type fakeTestRunRepo struct {
	found     *domain.TestRun
	linked    *domain.TestRun
	findErr   error
	updateErr error

	findCalls   int
	linkCalls   int
	lastMatch   domain.TestRunMatchIDs
	lastLinkArn string
	updates     []statusUpdate
}

func (f *fakeTestRunRepo) FindByTaskArn(context.Context, string) (*domain.TestRun, error) {
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.found == nil {
		return nil, repository.ErrNotFound
	}
	return f.found, nil
}

func (f *fakeTestRunRepo) Link(_ context.Context, ids domain.TestRunMatchIDs, taskArn string) (*domain.TestRun, error) {
	f.linkCalls++
	f.lastMatch = ids
	f.lastLinkArn = taskArn
	if f.linked == nil {
		return nil, repository.ErrNotFound
	}
	return f.linked, nil
}

func (f *fakeTestRunRepo) UpdateStatus(_ context.Context, taskArn, status string, result *string, updated time.Time, reasons []domain.FailureReason) error {
	f.updates = append(f.updates, statusUpdate{taskArn: taskArn, status: status, result: result, updated: updated, reasons: reasons})
	return f.updateErr
}

func newTestReconciler(repo repository.TestRunRepository) *Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(fakeEnvironments{"000000000000": "test"}, repo, logger)
}

func strPtr(v string) *string { return &v }

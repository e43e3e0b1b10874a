package jobs

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *models.User) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	u := &models.User{ID: uuid.NewString(), Email: "r@example.com", Role: models.RoleUser, CreatedAt: time.Now()}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	r := NewRegistry(st, nil, slog.New(slog.DiscardHandler), nil)
	return r, st, u
}

func waitForStatus(t *testing.T, st *store.Store, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := st.GetJob(context.Background(), jobID)
	t.Fatalf("job %s status = %s, want %s", jobID, job.Status, want)
	return nil
}

func TestSubmitRunsHandler(t *testing.T) {
	r, st, u := newTestRegistry(t)
	r.Register(models.JobBenchmark, func(ctx context.Context, job *models.Job, cancel *CancelEvent, progress ProgressFunc) (string, error) {
		progress(50, "halfway")
		return "run-1", nil
	})

	job, err := r.Submit(context.Background(), models.JobBenchmark, u.ID, `{}`, time.Minute, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := waitForStatus(t, st, job.ID, models.JobDone)
	if done.ResultRef != "run-1" {
		t.Fatalf("result ref = %q, want run-1", done.ResultRef)
	}
	if done.CompletedAt.IsZero() {
		t.Fatal("done job missing completed_at")
	}
}

func TestSubmitUnknownType(t *testing.T) {
	r, _, u := newTestRegistry(t)
	if _, err := r.Submit(context.Background(), models.JobJudge, u.ID, `{}`, time.Minute, ""); !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("error = %v, want ErrUnknownJobType", err)
	}
}

func TestHandlerErrorTruncated(t *testing.T) {
	r, st, u := newTestRegistry(t)
	long := strings.Repeat("x", 2*maxErrorLen)
	r.Register(models.JobBenchmark, func(ctx context.Context, job *models.Job, cancel *CancelEvent, progress ProgressFunc) (string, error) {
		return "", errors.New(long)
	})

	job, err := r.Submit(context.Background(), models.JobBenchmark, u.ID, `{}`, time.Minute, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failed := waitForStatus(t, st, job.ID, models.JobFailed)
	if len(failed.Error) != maxErrorLen {
		t.Fatalf("error length = %d, want %d", len(failed.Error), maxErrorLen)
	}
}

func TestConcurrencyQueueing(t *testing.T) {
	r, st, u := newTestRegistry(t)
	release := make(chan struct{})
	r.Register(models.JobBenchmark, func(ctx context.Context, job *models.Job, cancel *CancelEvent, progress ProgressFunc) (string, error) {
		<-release
		return "", nil
	})

	first, err := r.Submit(context.Background(), models.JobBenchmark, u.ID, `{}`, time.Minute, "")
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	waitForStatus(t, st, first.ID, models.JobRunning)

	// Default max_concurrent is 1, so the second submission queues.
	second, err := r.Submit(context.Background(), models.JobBenchmark, u.ID, `{}`, time.Minute, "")
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if second.Status != models.JobQueued {
		t.Fatalf("second status = %s, want queued", second.Status)
	}

	// Finishing the first promotes the second.
	close(release)
	waitForStatus(t, st, first.ID, models.JobDone)
	waitForStatus(t, st, second.ID, models.JobDone)
}

func TestCancelQueuedJob(t *testing.T) {
	r, st, u := newTestRegistry(t)
	release := make(chan struct{})
	defer close(release)
	r.Register(models.JobBenchmark, func(ctx context.Context, job *models.Job, cancel *CancelEvent, progress ProgressFunc) (string, error) {
		<-release
		return "", nil
	})

	running, _ := r.Submit(context.Background(), models.JobBenchmark, u.ID, `{}`, time.Minute, "")
	waitForStatus(t, st, running.ID, models.JobRunning)
	queued, _ := r.Submit(context.Background(), models.JobBenchmark, u.ID, `{}`, time.Minute, "")

	out, err := r.CancelJob(context.Background(), queued.ID, u.ID, false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != models.JobCancelled {
		t.Fatalf("outcome status = %s, want cancelled", out.Status)
	}
	waitForStatus(t, st, queued.ID, models.JobCancelled)
}

func TestCancelRunningJob(t *testing.T) {
	r, st, u := newTestRegistry(t)
	r.Register(models.JobToolEval, func(ctx context.Context, job *models.Job, cancel *CancelEvent, progress ProgressFunc) (string, error) {
		<-cancel.Done()
		return "partial-ref", nil
	})

	job, _ := r.Submit(context.Background(), models.JobToolEval, u.ID, `{}`, time.Minute, "")
	waitForStatus(t, st, job.ID, models.JobRunning)

	out, err := r.CancelJob(context.Background(), job.ID, u.ID, false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != models.JobRunning {
		t.Fatalf("outcome status = %s, want running (handler finalizes)", out.Status)
	}

	// Cancel takes precedence over the handler's normal return; partial
	// results stay referenced.
	done := waitForStatus(t, st, job.ID, models.JobCancelled)
	if done.ResultRef != "partial-ref" {
		t.Fatalf("result ref = %q, want partial-ref", done.ResultRef)
	}
}

func TestCancelOwnershipCheck(t *testing.T) {
	r, st, u := newTestRegistry(t)
	other := &models.User{ID: uuid.NewString(), Email: "o@example.com", Role: models.RoleUser, CreatedAt: time.Now()}
	if err := st.CreateUser(context.Background(), other); err != nil {
		t.Fatalf("create user: %v", err)
	}
	release := make(chan struct{})
	defer close(release)
	r.Register(models.JobBenchmark, func(ctx context.Context, job *models.Job, cancel *CancelEvent, progress ProgressFunc) (string, error) {
		<-release
		return "", nil
	})

	job, _ := r.Submit(context.Background(), models.JobBenchmark, u.ID, `{}`, time.Minute, "")
	waitForStatus(t, st, job.ID, models.JobRunning)

	if _, err := r.CancelJob(context.Background(), job.ID, other.ID, false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("error = %v, want ErrForbidden", err)
	}
	// Admins may cancel anyone's job.
	if _, err := r.CancelJob(context.Background(), job.ID, other.ID, true); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestCancelGhostJob(t *testing.T) {
	r, st, u := newTestRegistry(t)

	run := &models.ParamTuneRun{ID: uuid.NewString(), UserID: u.ID, SuiteID: "suite",
		Mode: models.SearchGrid, Status: models.TuneRunning, CreatedAt: time.Now().UTC()}
	if err := st.CreateParamTuneRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	// A row that says running with no in-memory task, as after a crash.
	ghost := &models.Job{ID: uuid.NewString(), UserID: u.ID, Type: models.JobParamTune,
		Status: models.JobRunning, ResultRef: run.ID, CreatedAt: time.Now().UTC(),
		StartedAt: time.Now().UTC(), TimeoutAt: time.Now().Add(time.Hour)}
	if err := st.CreateJob(context.Background(), ghost); err != nil {
		t.Fatalf("create job: %v", err)
	}

	out, err := r.CancelJob(context.Background(), ghost.ID, u.ID, false)
	if err != nil {
		t.Fatalf("cancel ghost: %v", err)
	}
	if out.Status != models.JobInterrupted || !out.WasOrphan {
		t.Fatalf("outcome = %+v, want interrupted orphan", out)
	}

	tr, _ := st.GetParamTuneRun(context.Background(), u.ID, run.ID)
	if tr.Status != models.TuneInterrupted {
		t.Fatalf("child run status = %s, want interrupted", tr.Status)
	}
}

func TestCancelTerminalJob(t *testing.T) {
	r, st, u := newTestRegistry(t)
	job := &models.Job{ID: uuid.NewString(), UserID: u.ID, Type: models.JobBenchmark,
		Status: models.JobDone, CreatedAt: time.Now().UTC(), CompletedAt: time.Now().UTC()}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if _, err := r.CancelJob(context.Background(), job.ID, u.ID, false); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("error = %v, want ErrNotCancellable", err)
	}
}

func TestWatchdogReapsTimedOut(t *testing.T) {
	r, st, u := newTestRegistry(t)

	job := &models.Job{ID: uuid.NewString(), UserID: u.ID, Type: models.JobBenchmark,
		Status: models.JobRunning, CreatedAt: time.Now().UTC().Add(-time.Hour),
		StartedAt: time.Now().UTC().Add(-time.Hour), TimeoutAt: time.Now().UTC().Add(-time.Minute)}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	r.reapTimedOut()

	got, _ := st.GetJob(context.Background(), job.ID)
	if got.Status != models.JobFailed || got.Error != "Timeout exceeded" {
		t.Fatalf("job = %s %q, want failed with timeout reason", got.Status, got.Error)
	}
}

func TestShutdownInterruptsInflight(t *testing.T) {
	r, st, u := newTestRegistry(t)
	r.Register(models.JobBenchmark, func(ctx context.Context, job *models.Job, cancel *CancelEvent, progress ProgressFunc) (string, error) {
		<-cancel.Done()
		return "", context.Canceled
	})
	go r.Watchdog()

	job, _ := r.Submit(context.Background(), models.JobBenchmark, u.ID, `{}`, time.Minute, "")
	waitForStatus(t, st, job.ID, models.JobRunning)

	r.Shutdown(context.Background())

	got, _ := st.GetJob(context.Background(), job.ID)
	if !got.Status.IsTerminal() {
		t.Fatalf("status after shutdown = %s, want terminal", got.Status)
	}
}

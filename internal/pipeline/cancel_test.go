package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
)

func newCoordinator(f *fixture) *Coordinator {
	return NewCoordinator(f.jobs, f.artifacts, f.ledger, f.blobs, f.events, zerolog.Nop())
}

func TestRequestCancelActiveJobRefundsAndDeletesArtifacts(t *testing.T) {
	f := newFixture()
	coord := newCoordinator(f)
	job := f.seedJob(func(j *domain.ConversionJob) {
		j.Status = domain.JobStatusProcessing
		j.UsageConsumed = 5
	})
	f.quota.profiles[job.UserID].MonthlyUsed = 5

	artifact := domain.GeneratedArtifact{
		ID:         "art-1",
		JobID:      job.ID,
		StorageKey: "generated/user_user-1/a.png",
		Name:       "variant_1.png",
		SizeBytes:  4,
	}
	if err := f.artifacts.Insert(context.Background(), &artifact); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	f.blobs.data[artifact.StorageKey] = []byte("data")

	out, err := coord.RequestCancel(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if out.AlreadyFinished {
		t.Fatalf("active job reported as finished")
	}
	if out.Status != domain.JobStatusCancelled || out.Refunded != 5 {
		t.Fatalf("outcome = %+v", out)
	}

	stored, _ := f.jobs.GetByID(context.Background(), job.ID)
	if stored.Status != domain.JobStatusCancelled {
		t.Fatalf("stored status = %s", stored.Status)
	}
	if got := f.quota.used("user-1"); got != 0 {
		t.Fatalf("used = %d, want 0 after refund", got)
	}
	if got := f.artifacts.countForJob(job.ID); got != 0 {
		t.Fatalf("artifact rows remain: %d", got)
	}
	if _, ok := f.blobs.data[artifact.StorageKey]; ok {
		t.Fatalf("artifact blob remains")
	}
	last, _ := f.events.last()
	if last.Type != "cancelled" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestRequestCancelFinishedJobIsIdempotent(t *testing.T) {
	f := newFixture()
	coord := newCoordinator(f)
	job := f.seedJob(func(j *domain.ConversionJob) {
		j.Status = domain.JobStatusCompleted
		j.UsageConsumed = 3
	})
	f.quota.profiles[job.UserID].MonthlyUsed = 3

	out, err := coord.RequestCancel(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !out.AlreadyFinished {
		t.Fatalf("expected already-finished outcome, got %+v", out)
	}
	if out.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s", out.Status)
	}
	if got := f.quota.used("user-1"); got != 3 {
		t.Fatalf("finished job refunded: used = %d", got)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("events published for an idempotent cancel")
	}
}

func TestRequestCancelOtherUsersJobNotFound(t *testing.T) {
	f := newFixture()
	coord := newCoordinator(f)
	job := f.seedJob(nil)

	_, err := coord.RequestCancel(context.Background(), job.ID, "user-2")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	stored, _ := f.jobs.GetByID(context.Background(), job.ID)
	if stored.Status != domain.JobStatusPending {
		t.Fatalf("job mutated: %s", stored.Status)
	}
}

func TestRequestCancelUnknownJob(t *testing.T) {
	f := newFixture()
	coord := newCoordinator(f)

	_, err := coord.RequestCancel(context.Background(), "no-such-job", "user-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// Cancellation arrives after the first of two artifacts is persisted: the
// coordinator deletes what it sees, the running invocation discards the rest,
// and the user ends with a cancelled job, zero artifacts, and a full refund.
func TestCancelDuringProcessingLeavesNoArtifacts(t *testing.T) {
	f := newFixture()
	coord := newCoordinator(f)
	job := f.seedJob(func(j *domain.ConversionJob) { j.GenerationCount = 2; j.UsageConsumed = 2 })

	statusReads := 0
	f.jobs.statusHook = func(jobID string) {
		statusReads++
		if statusReads == 4 {
			if _, err := coord.RequestCancel(context.Background(), jobID, "user-1"); err != nil {
				t.Errorf("RequestCancel: %v", err)
			}
		}
	}

	res, err := f.pipeline.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}

	stored, _ := f.jobs.GetByID(context.Background(), job.ID)
	if stored.Status != domain.JobStatusCancelled {
		t.Fatalf("stored status = %s", stored.Status)
	}
	if got := f.artifacts.countForJob(job.ID); got != 0 {
		t.Fatalf("artifact rows remain: %d", got)
	}
	if got := f.blobs.countWithPrefix("generated/"); got != 0 {
		t.Fatalf("generated blobs remain: %d", got)
	}
	if got := f.quota.used("user-1"); got != 0 {
		t.Fatalf("used = %d, want full refund", got)
	}
}

package worker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSubmitRejectsDuplicateInFlight(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	w := NewWorker(func(ctx context.Context, id string) error {
		runs.Add(1)
		<-release
		return nil
	}, 2, zerolog.Nop())
	defer w.Stop()

	if err := w.Submit("rec-1"); err != nil {
		t.Fatal(err)
	}
	if err := w.Submit("rec-1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Submit() = %v, want ErrAlreadyRunning", err)
	}
	if !w.Running("rec-1") {
		t.Error("rec-1 should be running")
	}

	close(release)
	w.Wait()

	if w.Running("rec-1") {
		t.Error("rec-1 still marked running")
	}
	if err := w.Submit("rec-1"); err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
	w.Wait()
	if runs.Load() != 2 {
		t.Errorf("runs = %d, want 2", runs.Load())
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	var active, peak atomic.Int32
	w := NewWorker(func(ctx context.Context, id string) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}, 2, zerolog.Nop())
	defer w.Stop()

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if err := w.Submit(id); err != nil {
			t.Fatal(err)
		}
	}
	w.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestStopCancelsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	w := NewWorker(func(ctx context.Context, id string) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}, 1, zerolog.Nop())

	w.Submit("rec")
	<-started
	w.Stop()

	if !cancelled.Load() {
		t.Error("job context was not cancelled")
	}
	if err := w.Submit("other"); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after Stop = %v", err)
	}
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	var mu sync.Mutex
	done := map[string]bool{}
	w := NewWorker(func(ctx context.Context, id string) error {
		if id == "bad" {
			panic("boom")
		}
		mu.Lock()
		done[id] = true
		mu.Unlock()
		return nil
	}, 1, zerolog.Nop())
	defer w.Stop()

	w.Submit("bad")
	w.Submit("good")
	w.Wait()

	if !done["good"] {
		t.Error("job after a panic did not run")
	}
	if w.Running("bad") {
		t.Error("panicked job still marked running")
	}
}

type fakeRecoverer struct {
	reason string
	n      int64
}

func (f *fakeRecoverer) ResetInterrupted(_ context.Context, reason string) (int64, error) {
	f.reason = reason
	return f.n, nil
}

func TestRecoverInterrupted(t *testing.T) {
	w := NewWorker(func(context.Context, string) error { return nil }, 1, zerolog.Nop())
	defer w.Stop()

	r := &fakeRecoverer{n: 3}
	n, err := w.RecoverInterrupted(context.Background(), r)
	if err != nil || n != 3 {
		t.Fatalf("RecoverInterrupted() = %d, %v", n, err)
	}
	if r.reason != InterruptedReason {
		t.Errorf("reason = %q", r.reason)
	}
}

type fakePending struct {
	ids []string
}

func (f *fakePending) PendingIDs(context.Context) ([]string, error) {
	return f.ids, nil
}

func TestResumePending(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	w := NewWorker(func(ctx context.Context, id string) error {
		mu.Lock()
		ran = append(ran, id)
		mu.Unlock()
		return nil
	}, 2, zerolog.Nop())
	defer w.Stop()

	n, err := w.ResumePending(context.Background(), &fakePending{ids: []string{"a", "b", "c"}})
	if err != nil || n != 3 {
		t.Fatalf("ResumePending() = %d, %v", n, err)
	}
	w.Wait()

	slices.Sort(ran)
	if !slices.Equal(ran, []string{"a", "b", "c"}) {
		t.Errorf("ran = %v", ran)
	}
}

func TestResumePendingAfterStop(t *testing.T) {
	w := NewWorker(func(context.Context, string) error { return nil }, 1, zerolog.Nop())
	w.Stop()

	n, err := w.ResumePending(context.Background(), &fakePending{ids: []string{"a"}})
	if !errors.Is(err, ErrStopped) || n != 0 {
		t.Errorf("ResumePending() = %d, %v, want ErrStopped", n, err)
	}
}

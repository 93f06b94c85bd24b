package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/paybalance/internal/jobs"
)

func TestCleanupOldKeys(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if err := repo.Store(ctx, newRecord("old-key", time.Now().Add(-25*time.Hour))); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, newRecord("recent-key", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	deleted, err := CleanupOldKeys(ctx, repo, DefaultExpiry, nil)
	if err != nil {
		t.Fatalf("CleanupOldKeys() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupOldKeys() deleted = %d, want 1", deleted)
	}

	if _, err := repo.Get(ctx, "old-key"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() old key error = %v, want %v", err, ErrKeyNotFound)
	}
	if _, err := repo.Get(ctx, "recent-key"); err != nil {
		t.Errorf("Get() recent key error = %v, want nil", err)
	}
}

func TestCleanupOldKeys_NoKeys(t *testing.T) {
	deleted, err := CleanupOldKeys(context.Background(), NewInMemoryRepository(), DefaultExpiry, nil)
	if err != nil {
		t.Fatalf("CleanupOldKeys() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("CleanupOldKeys() deleted = %d, want 0", deleted)
	}
}

// failingRepository returns an error from DeleteOlderThan.
type failingRepository struct {
	*InMemoryRepository
}

func (failingRepository) DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestCleanupOldKeys_Error(t *testing.T) {
	repo := failingRepository{NewInMemoryRepository()}

	deleted, err := CleanupOldKeys(context.Background(), repo, DefaultExpiry, nil)
	if err == nil {
		t.Fatal("CleanupOldKeys() expected error")
	}
	if deleted != 0 {
		t.Errorf("CleanupOldKeys() deleted = %d, want 0", deleted)
	}
}

func TestRunPeriodicCleanup_Stop(t *testing.T) {
	repo := NewInMemoryRepository()

	if err := repo.Store(context.Background(), newRecord("old-key", time.Now().Add(-25*time.Hour))); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunPeriodicCleanup(ctx, repo, 100*time.Millisecond, DefaultExpiry, nil, nil)
		close(done)
	}()

	// Wait for the initial cleanup to run
	time.Sleep(150 * time.Millisecond)

	if _, err := repo.Get(context.Background(), "old-key"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() old key error = %v, want %v", err, ErrKeyNotFound)
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodicCleanup() did not stop within timeout")
	}
}

// counterTotal sums every series of the named counter family in reg.
func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRunPeriodicCleanup_RecordsJobMetrics(t *testing.T) {
	jobMetrics := jobs.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := jobMetrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunPeriodicCleanup(ctx, failingRepository{NewInMemoryRepository()}, time.Hour, DefaultExpiry, jobMetrics, nil)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && counterTotal(t, reg, jobs.MetricBackgroundJobErrorsTotal) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := counterTotal(t, reg, jobs.MetricBackgroundJobsTotal); got != 1 {
		t.Errorf("%s = %v, want 1", jobs.MetricBackgroundJobsTotal, got)
	}
	if got := counterTotal(t, reg, jobs.MetricBackgroundJobErrorsTotal); got != 1 {
		t.Errorf("%s = %v, want 1", jobs.MetricBackgroundJobErrorsTotal, got)
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestJobRunsImmediatelyAndPeriodically(t *testing.T) {
	sch := New(nil, zaptest.NewLogger(t))

	var runs atomic.Int32
	if err := sch.Every("refresh", 50*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Failed to register job: %v", err)
	}

	sch.Start()
	defer sch.Stop()

	// Poll until the job has run several times or timeout
	timeout := time.After(5 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			t.Fatalf("Timeout waiting for periodic runs, got %d", runs.Load())
		case <-ticker.C:
			if runs.Load() >= 3 {
				return
			}
		}
	}
}

func TestEveryValidation(t *testing.T) {
	sch := New(nil, nil)
	noop := func(ctx context.Context) error { return nil }

	if err := sch.Every("a", 0, noop); err == nil {
		t.Error("Expected error for zero interval")
	}
	if err := sch.Every("a", time.Second, noop); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := sch.Every("a", time.Second, noop); err == nil {
		t.Error("Expected error for duplicate job name")
	}

	sch.Start()
	defer sch.Stop()

	if err := sch.Every("b", time.Second, noop); err == nil {
		t.Error("Expected error registering after start")
	}
}

func TestJobDoesNotOverlap(t *testing.T) {
	sch := New(&Config{GlobalMax: 5}, zaptest.NewLogger(t))

	var concurrent, maxConcurrent atomic.Int32
	release := make(chan struct{})
	err := sch.Every("slow", 20*time.Millisecond, func(ctx context.Context) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			old := maxConcurrent.Load()
			if n <= old || maxConcurrent.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to register job: %v", err)
	}

	sch.Start()
	time.Sleep(200 * time.Millisecond)
	close(release)
	sch.Stop()

	if maxConcurrent.Load() != 1 {
		t.Errorf("Expected job to never overlap itself, saw %d concurrent runs", maxConcurrent.Load())
	}
}

func TestStopCancelsRunningJobs(t *testing.T) {
	sch := New(nil, zaptest.NewLogger(t))

	started := make(chan struct{})
	var cancelled atomic.Bool
	err := sch.Every("blocking", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Failed to register job: %v", err)
	}

	sch.Start()
	<-started

	done := make(chan struct{})
	go func() {
		sch.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if !cancelled.Load() {
		t.Error("Expected running job to observe cancellation")
	}
}

func TestStatsRecordFailures(t *testing.T) {
	sch := New(nil, zaptest.NewLogger(t))

	err := sch.Every("failing", 20*time.Millisecond, func(ctx context.Context) error {
		return errors.New("agent unreachable")
	})
	if err != nil {
		t.Fatalf("Failed to register job: %v", err)
	}

	sch.Start()
	defer sch.Stop()

	timeout := time.After(5 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			t.Fatalf("Timeout waiting for failures to be recorded")
		case <-ticker.C:
			stats := sch.GetStats()
			job := stats["jobs"].(map[string]interface{})["failing"].(map[string]interface{})
			if job["failures"].(int) >= 2 {
				if job["last_error"].(string) != "agent unreachable" {
					t.Errorf("Unexpected last error: %v", job["last_error"])
				}
				return
			}
		}
	}
}

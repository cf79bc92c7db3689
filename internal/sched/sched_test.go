package sched

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterIdempotent(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), time.UTC)

	first := s.Register("affirmation", Schedule{Kind: "cron", Expr: "0 0 9 * * *"})
	second := s.Register("affirmation", Schedule{Kind: "cron", Expr: "0 0 8 * * *"})

	if first.ID != second.ID {
		t.Error("re-registering a job should keep its identity")
	}
	jobs := s.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Schedule.Expr != "0 0 8 * * *" {
		t.Errorf("schedule not refreshed: %q", jobs[0].Schedule.Expr)
	}
}

func TestEveryJobFires(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), time.UTC)

	var runs atomic.Int32
	s.OnJob = func(job Job) (string, error) {
		runs.Add(1)
		return "ok", nil
	}
	s.Register("tick", Schedule{Kind: "every", EveryMs: 100})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(5 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("every-job never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}

	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "ok" {
		t.Errorf("last status = %q, want ok", jobs[0].State.LastStatus)
	}
}

func TestJobErrorRecorded(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), time.UTC)
	s.OnJob = func(job Job) (string, error) {
		return "", os.ErrPermission
	}
	job := s.Register("broken", Schedule{Kind: "every", EveryMs: 50})

	s.executeJob(job)

	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "error" {
		t.Errorf("last status = %q, want error", jobs[0].State.LastStatus)
	}
	if jobs[0].State.LastError == "" {
		t.Error("expected error text recorded")
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")

	s1 := NewService(path, time.UTC)
	s1.OnJob = func(job Job) (string, error) { return "ok", nil }
	job := s1.Register("affirmation", Schedule{Kind: "cron", Expr: "0 0 9 * * *"})
	s1.executeJob(job)

	s2 := NewService(path, time.UTC)
	s2.Register("affirmation", Schedule{Kind: "cron", Expr: "0 0 9 * * *"})
	if err := s2.load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	jobs := s2.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job after reload, got %d", len(jobs))
	}
	if jobs[0].ID != job.ID {
		t.Error("job identity lost across restart")
	}
	if jobs[0].State.LastStatus != "ok" {
		t.Errorf("run state lost across restart: %+v", jobs[0].State)
	}
}

func TestEnableJob(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"), time.UTC)
	job := s.Register("tick", Schedule{Kind: "every", EveryMs: 100})

	updated, err := s.EnableJob(job.ID, false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if updated.Enabled {
		t.Error("job should be disabled")
	}

	if _, err := s.EnableJob("nope", true); err == nil {
		t.Error("expected error for unknown job id")
	}
}

package sched

import (
	"time"

	"github.com/google/uuid"
)

// Schedule describes when a job fires: a six-field cron expression, or a
// fixed repeat interval.
type Schedule struct {
	Kind    string `json:"kind"` // "cron" | "every"
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
	Created  int64    `json:"createdAtMs"`
}

func NewJob(name string, schedule Schedule) Job {
	return Job{
		ID:       uuid.NewString(),
		Name:     name,
		Schedule: schedule,
		Enabled:  true,
		Created:  time.Now().UnixMilli(),
	}
}

package master

import (
	"time"

	"github.com/google/uuid"

	"github.com/Kandimus/FreeDistributedBuild/internal/buildset"
	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

// Job is one build run. Its tasks carry mutable state, so a Job is never
// run twice; load the build set again for the next run.
type Job struct {
	ID       string
	Tasks    []*domain.Task
	Projects []string
}

// NewJob wraps freshly loaded tasks with a new job id.
func NewJob(tasks []*domain.Task) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Tasks:    tasks,
		Projects: buildset.Projects(tasks),
	}
}

// JobStatus describes the current or last job of a Server.
type JobStatus struct {
	ID         string     `json:"id"`
	Projects   []string   `json:"projects"`
	State      string     `json:"state"`
	Success    bool       `json:"success"`
	Reason     string     `json:"reason,omitempty"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Errors     int        `json:"errors"`
	Running    int        `json:"running"`
	Warnings   int        `json:"warnings"`
	Percent    float64    `json:"percent"`
	Sessions   int        `json:"sessions"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const (
	JobRunning  = "running"
	JobFinished = "finished"
)

// summarize builds the final summary of a run. runErr is the reason the
// run stopped early, or nil.
func summarize(job *Job, p Progress, started, finished time.Time, runErr error) *domain.JobSummary {
	s := &domain.JobSummary{
		JobID:      job.ID,
		Projects:   job.Projects,
		Total:      p.Total,
		Succeeded:  p.Succeeded,
		Errors:     p.Errors,
		Warnings:   p.Warnings,
		PerWorker:  p.PerWorker,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
	}
	switch {
	case runErr != nil:
		s.Reason = runErr.Error()
	case p.Errors > 0:
		s.Reason = "some tasks failed"
	default:
		s.Success = true
	}
	return s
}

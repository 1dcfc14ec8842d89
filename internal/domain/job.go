package domain

import "time"

// WorkerTally counts results reported by one worker address.
type WorkerTally struct {
	Errors    int `json:"errors"`
	Succeeded int `json:"succeeded"`
}

// JobSummary is the outcome of one build run.
type JobSummary struct {
	JobID      string                 `json:"job_id"`
	Projects   []string               `json:"projects"`
	Success    bool                   `json:"success"`
	Reason     string                 `json:"reason,omitempty"`
	Total      int                    `json:"total"`
	Succeeded  int                    `json:"succeeded"`
	Errors     int                    `json:"errors"`
	Warnings   int                    `json:"warnings"`
	PerWorker  map[string]WorkerTally `json:"per_worker,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Duration is the wall time of the run.
func (s JobSummary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

// Done is the number of tasks with a recorded result.
func (s JobSummary) Done() int { return s.Succeeded + s.Errors }

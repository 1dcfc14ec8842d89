package domain

import (
	"errors"
	"fmt"
)

// ErrNoResponse is returned by a job when no worker kept a session open
// within the response timeout.
var ErrNoResponse = errors.New("no worker responded")

// ProtocolError is returned when a peer sends bytes that do not form a valid
// frame or message. The connection it came from must be closed.
type ProtocolError struct {
	Peer   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Peer != "" {
		msg += " from " + e.Peer
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StaleResultError is returned when a result arrives from a session that does
// not hold the task, or for a task that already has a result.
type StaleResultError struct {
	TaskID    uint32
	SessionID string
	Holder    string
	Terminal  bool
}

func (e *StaleResultError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("result for task %d from session %s rejected: task already finished", e.TaskID, e.SessionID)
	}
	return fmt.Sprintf("result for task %d from session %s rejected: held by %q", e.TaskID, e.SessionID, e.Holder)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID uint32
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %d", e.TaskID)
}

// UnknownProjectError is returned when a project name is not configured
// locally.
type UnknownProjectError struct {
	Project string
}

func (e *UnknownProjectError) Error() string {
	return fmt.Sprintf("unknown project %q", e.Project)
}

// InvalidTransitionError is returned when a state machine is asked for an
// edge it does not have, or when the current state is not the expected one.
type InvalidTransitionError struct {
	From    string
	To      string
	Current string
}

func (e *InvalidTransitionError) Error() string {
	if e.Current != "" && e.Current != e.From {
		return fmt.Sprintf("invalid transition %s -> %s: current state is %s", e.From, e.To, e.Current)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// JobNotFoundError is returned when no record exists for a job.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	if e.JobID == "" {
		return "no job recorded"
	}
	return fmt.Sprintf("job not found: %s", e.JobID)
}

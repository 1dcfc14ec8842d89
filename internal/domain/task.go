package domain

import (
	"strings"
	"sync"
	"time"
)

// Status is the externally visible state of a task, derived from its
// assignment and result. It is used by status mirrors and history only.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAssigned Status = "ASSIGNED"
	StatusDone     Status = "DONE"
	StatusFailed   Status = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ResultKind tells how a task's process ended. The numeric values are part
// of the wire protocol.
type ResultKind int32

const (
	ResultUninitialized ResultKind = 0
	ResultNotStarted    ResultKind = 1
	ResultExited        ResultKind = 2
)

func (k ResultKind) String() string {
	switch k {
	case ResultUninitialized:
		return "uninitialized"
	case ResultNotStarted:
		return "not_started"
	case ResultExited:
		return "exited"
	}
	return "unknown"
}

// Warning is a bit set of non-fatal I/O problems seen while handling a task.
type Warning uint8

const (
	// WarnSourceUnreadable: the source file could not be read on the master,
	// the task was sent with empty input.
	WarnSourceUnreadable Warning = 1 << iota
	// WarnOutputNotSaved: the worker returned output but the master could
	// not write it to disk.
	WarnOutputNotSaved
)

// Has reports whether every bit of f is set.
func (w Warning) Has(f Warning) bool { return w&f == f }

func (w Warning) String() string {
	if w == 0 {
		return ""
	}
	var parts []string
	if w.Has(WarnSourceUnreadable) {
		parts = append(parts, "source_unreadable")
	}
	if w.Has(WarnOutputNotSaved) {
		parts = append(parts, "output_not_saved")
	}
	return strings.Join(parts, ",")
}

// Task is one unit of build work: a single source file run through an
// external tool on some worker.
//
// The exported fields are fixed at load time. SourceFile and OutputFile are
// the paths on the master; the same strings are sent to the worker, which
// resolves them against its own work directory.
type Task struct {
	ID           uint32
	Project      string
	Application  string
	CommandLine  string
	WorkingDir   string
	SourceFile   string
	OutputFile   string
	AbortOnError bool

	mu          sync.Mutex
	assignedTo  string
	assignedAt  time.Time
	result      ResultKind
	exitCode    int32
	completedBy string
	warnings    Warning
}

// TaskState is a consistent copy of a task's mutable state.
type TaskState struct {
	ID          uint32
	AssignedTo  string
	AssignedAt  time.Time
	Result      ResultKind
	ExitCode    int32
	CompletedBy string
	Warnings    Warning
}

// Terminal reports whether a result has been recorded.
func (s TaskState) Terminal() bool { return s.Result != ResultUninitialized }

// Succeeded reports whether the process exited with code 0.
func (s TaskState) Succeeded() bool { return s.Result == ResultExited && s.ExitCode == 0 }

// Status maps the state onto the coarse reporting status.
func (s TaskState) Status() Status {
	switch {
	case s.Succeeded():
		return StatusDone
	case s.Terminal():
		return StatusFailed
	case s.AssignedTo != "":
		return StatusAssigned
	}
	return StatusPending
}

// TryAssign gives the task to sessionID if it is neither held nor finished.
func (t *Task) TryAssign(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.assignedTo != "" || t.result != ResultUninitialized {
		return false
	}
	t.assignedTo = sessionID
	t.assignedAt = time.Now()
	return true
}

// Release clears the assignment if sessionID still holds the task. The
// result is left untouched.
func (t *Task) Release(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.assignedTo != sessionID || sessionID == "" {
		return false
	}
	t.assignedTo = ""
	t.assignedAt = time.Time{}
	return true
}

// Complete records the result reported by sessionID. It fails with
// *StaleResultError unless sessionID currently holds the task and no result
// has been recorded yet.
func (t *Task) Complete(sessionID string, kind ResultKind, exitCode int32, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != ResultUninitialized || t.assignedTo != sessionID || sessionID == "" {
		return &StaleResultError{
			TaskID:    t.ID,
			SessionID: sessionID,
			Holder:    t.assignedTo,
			Terminal:  t.result != ResultUninitialized,
		}
	}
	if kind == ResultUninitialized {
		kind = ResultNotStarted
	}
	t.result = kind
	t.exitCode = exitCode
	t.completedBy = addr
	t.assignedTo = ""
	return nil
}

// AddWarning sets w on the task.
func (t *Task) AddWarning(w Warning) {
	t.mu.Lock()
	t.warnings |= w
	t.mu.Unlock()
}

// HeldBy reports whether sessionID currently holds the task.
func (t *Task) HeldBy(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assignedTo == sessionID && sessionID != ""
}

// Snapshot returns a copy of the mutable state.
func (t *Task) Snapshot() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskState{
		ID:          t.ID,
		AssignedTo:  t.assignedTo,
		AssignedAt:  t.assignedAt,
		Result:      t.result,
		ExitCode:    t.exitCode,
		CompletedBy: t.completedBy,
		Warnings:    t.warnings,
	}
}

// TaskExecution records one finished task for history sinks.
type TaskExecution struct {
	JobID      string     `json:"job_id"`
	TaskID     uint32     `json:"task_id"`
	Project    string     `json:"project"`
	SourceFile string     `json:"source_file"`
	Worker     string     `json:"worker"`
	Status     Status     `json:"status"`
	Result     ResultKind `json:"result"`
	ExitCode   int32      `json:"exit_code"`
	Warnings   Warning    `json:"warnings,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	ExecutedAt time.Time  `json:"executed_at"`
}

// NewTaskExecution builds an execution record from a finished task.
func NewTaskExecution(jobID string, t *Task, st TaskState, now time.Time) *TaskExecution {
	var dur int64
	if !st.AssignedAt.IsZero() {
		dur = now.Sub(st.AssignedAt).Milliseconds()
	}
	return &TaskExecution{
		JobID:      jobID,
		TaskID:     t.ID,
		Project:    t.Project,
		SourceFile: t.SourceFile,
		Worker:     st.CompletedBy,
		Status:     st.Status(),
		Result:     st.Result,
		ExitCode:   st.ExitCode,
		Warnings:   st.Warnings,
		DurationMs: dur,
		ExecutedAt: now.UTC(),
	}
}

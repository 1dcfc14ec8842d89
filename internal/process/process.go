// Package process starts build tools as child processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

// Spec describes one process to launch. CommandLine holds the arguments as
// a single string and is interpreted by the platform shell.
type Spec struct {
	Application string
	CommandLine string
	WorkingDir  string
}

// Exit is how a process ended.
type Exit struct {
	Kind domain.ResultKind
	Code int32
}

// Failed reports anything other than a clean zero exit.
func (e Exit) Failed() bool { return e.Kind != domain.ResultExited || e.Code != 0 }

// Process is a started child.
type Process interface {
	// Wait blocks until the process ends.
	Wait() Exit
	// Kill stops the process and its children.
	Kill() error
	Pid() int
}

// Runner starts processes.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// Exec runs processes through the platform shell. Each child is placed in
// its own process group so that cancelling ctx also stops anything it
// spawned.
type Exec struct {
	logger *slog.Logger
}

// NewExec returns an Exec runner.
func NewExec(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{logger: logger}
}

func (e *Exec) Start(ctx context.Context, spec Spec) (Process, error) {
	if strings.TrimSpace(spec.Application) == "" {
		return nil, errors.New("process: empty application")
	}
	cmd := shellCommand(ctx, commandString(spec))
	cmd.Dir = spec.WorkingDir
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd) }

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Application, err)
	}
	e.logger.Debug("process started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("application", spec.Application),
		slog.String("dir", spec.WorkingDir),
	)
	return &child{cmd: cmd}, nil
}

type child struct {
	cmd *exec.Cmd
}

func (c *child) Pid() int   { return c.cmd.Process.Pid }
func (c *child) Kill() error { return killGroup(c.cmd) }

func (c *child) Wait() Exit {
	err := c.cmd.Wait()
	if err == nil {
		return Exit{Kind: domain.ResultExited}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Exit{Kind: domain.ResultExited, Code: int32(exitErr.ExitCode())}
	}
	return Exit{Kind: domain.ResultNotStarted, Code: -1}
}

// commandString joins the application and its arguments. The application
// is quoted when it contains spaces.
func commandString(spec Spec) string {
	app := spec.Application
	if strings.ContainsAny(app, " \t") && !strings.HasPrefix(app, `"`) {
		app = `"` + app + `"`
	}
	if spec.CommandLine == "" {
		return app
	}
	return app + " " + spec.CommandLine
}

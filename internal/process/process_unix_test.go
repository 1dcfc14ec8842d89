//go:build !windows

package process_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/process"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestExec_ExitCodes(t *testing.T) {
	r := process.NewExec(discardLogger)

	tests := []struct {
		name string
		spec process.Spec
		want process.Exit
	}{
		{"success", process.Spec{Application: "true"}, process.Exit{Kind: domain.ResultExited}},
		{"failure", process.Spec{Application: "sh", CommandLine: "-c 'exit 3'"}, process.Exit{Kind: domain.ResultExited, Code: 3}},
		{"missing tool", process.Spec{Application: "/nonexistent/tool"}, process.Exit{Kind: domain.ResultExited, Code: 127}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Start(context.Background(), tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Wait())
		})
	}
}

func TestExec_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	r := process.NewExec(discardLogger)

	p, err := r.Start(context.Background(), process.Spec{
		Application: "touch",
		CommandLine: "marker",
		WorkingDir:  dir,
	})
	require.NoError(t, err)
	require.False(t, p.Wait().Failed())

	_, err = os.Stat(filepath.Join(dir, "marker"))
	assert.NoError(t, err)
}

func TestExec_MissingWorkingDirFailsToStart(t *testing.T) {
	r := process.NewExec(discardLogger)

	_, err := r.Start(context.Background(), process.Spec{
		Application: "true",
		WorkingDir:  filepath.Join(t.TempDir(), "nope"),
	})
	require.Error(t, err)
}

func TestExec_EmptyApplication(t *testing.T) {
	_, err := process.NewExec(discardLogger).Start(context.Background(), process.Spec{})
	require.Error(t, err)
}

func TestExec_CancelKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := process.NewExec(discardLogger)

	p, err := r.Start(ctx, process.Spec{Application: "sleep", CommandLine: "30"})
	require.NoError(t, err)

	done := make(chan process.Exit, 1)
	go func() { done <- p.Wait() }()
	cancel()

	select {
	case exit := <-done:
		assert.True(t, exit.Failed())
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed on cancel")
	}
}

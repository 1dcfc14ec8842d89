package domain_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   bool
	}{
		{domain.StatusPending, false},
		{domain.StatusAssigned, false},
		{domain.StatusDone, true},
		{domain.StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsTerminal())
		})
	}
}

func TestTask_TryAssign_OnlyOnce(t *testing.T) {
	task := &domain.Task{ID: 1}

	require.True(t, task.TryAssign("a"))
	assert.False(t, task.TryAssign("b"), "held task must not be reassigned")
	assert.Equal(t, domain.StatusAssigned, task.Snapshot().Status())
}

func TestTask_Release(t *testing.T) {
	task := &domain.Task{ID: 1}
	require.True(t, task.TryAssign("a"))

	assert.False(t, task.Release("b"), "only the holder can release")
	assert.True(t, task.Release("a"))

	st := task.Snapshot()
	assert.Empty(t, st.AssignedTo)
	assert.Equal(t, domain.ResultUninitialized, st.Result)
	assert.True(t, task.TryAssign("b"), "released task is eligible again")
}

func TestTask_Complete(t *testing.T) {
	task := &domain.Task{ID: 3}
	require.True(t, task.TryAssign("a"))

	require.NoError(t, task.Complete("a", domain.ResultExited, 0, "10.0.0.5"))

	st := task.Snapshot()
	assert.True(t, st.Succeeded())
	assert.Equal(t, "10.0.0.5", st.CompletedBy)
	assert.Empty(t, st.AssignedTo)
	assert.False(t, task.TryAssign("b"), "terminal task is never reassigned")
	assert.False(t, task.Release("a"))
}

func TestTask_Complete_WrongSession(t *testing.T) {
	task := &domain.Task{ID: 3}
	require.True(t, task.TryAssign("a"))

	err := task.Complete("b", domain.ResultExited, 0, "x")
	var stale *domain.StaleResultError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "a", stale.Holder)
	assert.False(t, stale.Terminal)
	assert.False(t, task.Snapshot().Terminal())
}

func TestTask_Complete_DuplicateDoesNotOverwrite(t *testing.T) {
	task := &domain.Task{ID: 9}
	require.True(t, task.TryAssign("a"))
	require.NoError(t, task.Complete("a", domain.ResultExited, 2, "x"))

	err := task.Complete("a", domain.ResultExited, 0, "x")
	var stale *domain.StaleResultError
	require.ErrorAs(t, err, &stale)
	assert.True(t, stale.Terminal)

	st := task.Snapshot()
	assert.Equal(t, int32(2), st.ExitCode)
	assert.Equal(t, domain.StatusFailed, st.Status())
}

func TestTask_ConcurrentAssign_SingleWinner(t *testing.T) {
	task := &domain.Task{ID: 1}
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if task.TryAssign(string(rune('A' + id%26))) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestWarning_String(t *testing.T) {
	assert.Equal(t, "", domain.Warning(0).String())
	assert.Equal(t, "source_unreadable", domain.WarnSourceUnreadable.String())
	w := domain.WarnSourceUnreadable | domain.WarnOutputNotSaved
	assert.Equal(t, "source_unreadable,output_not_saved", w.String())
	assert.True(t, w.Has(domain.WarnOutputNotSaved))
}

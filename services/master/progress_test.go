package master

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

func TestProgress_Line(t *testing.T) {
	p := Progress{
		Total:     10,
		Succeeded: 5,
		Errors:    1,
		PerWorker: map[string]domain.WorkerTally{
			"10.0.0.2": {Errors: 1, Succeeded: 3},
			"10.0.0.1": {Succeeded: 2},
		},
	}
	want := "10.0.0.1         0/2  10.0.0.2         1/3  total 1/5/10 60.0%"
	assert.Equal(t, want, p.Line())
}

func TestProgress_PercentOfEmptyJobIsComplete(t *testing.T) {
	assert.Equal(t, 100.0, Progress{}.Percent())
	assert.Equal(t, 25.0, Progress{Total: 4, Errors: 1}.Percent())
}

func TestProgressPrinter_RewritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	pp := &progressPrinter{w: &buf}

	pp.print(Progress{Total: 10, Succeeded: 5})
	pp.print(Progress{Total: 10, Succeeded: 5})
	pp.print(Progress{Total: 2})
	pp.finish()

	want := "\rtotal 0/5/10 50.0%" +
		"\rtotal 0/0/2 0.0%  " +
		"\n"
	assert.Equal(t, want, buf.String())
}

func TestProgressPrinter_NilWriterIsSilent(t *testing.T) {
	pp := &progressPrinter{}
	pp.print(Progress{Total: 1})
	pp.finish()
}

func TestSummarize(t *testing.T) {
	job := &Job{ID: "job-1", Projects: []string{"Game"}}
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	tests := []struct {
		name        string
		progress    Progress
		err         error
		wantSuccess bool
		wantReason  string
	}{
		{"all succeeded", Progress{Total: 2, Succeeded: 2}, nil, true, ""},
		{"some failed", Progress{Total: 2, Succeeded: 1, Errors: 1}, nil, false, "some tasks failed"},
		{"stopped early", Progress{Total: 2}, domain.ErrNoResponse, false, "no worker responded"},
		{"stopped early wins over failures", Progress{Total: 2, Errors: 1}, errors.New("listen: boom"), false, "listen: boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := summarize(job, tc.progress, start, end, tc.err)
			assert.Equal(t, tc.wantSuccess, s.Success)
			assert.Equal(t, tc.wantReason, s.Reason)
			assert.Equal(t, "job-1", s.JobID)
			assert.Equal(t, 90*time.Second, s.Duration())
		})
	}
}

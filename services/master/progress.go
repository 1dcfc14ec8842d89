package master

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

// Progress is a tally of task states at one moment.
type Progress struct {
	Total     int
	Succeeded int
	Errors    int
	Running   int
	Warnings  int
	PerWorker map[string]domain.WorkerTally
}

// Done is the number of tasks with a result.
func (p Progress) Done() int { return p.Succeeded + p.Errors }

// Percent is the completed share of the job.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Done()) / float64(p.Total) * 100
}

// Line renders the tally as one status line: each worker's err/ok followed
// by the job total.
func (p Progress) Line() string {
	workers := make([]string, 0, len(p.PerWorker))
	for w := range p.PerWorker {
		workers = append(workers, w)
	}
	sort.Strings(workers)

	var b strings.Builder
	for _, w := range workers {
		t := p.PerWorker[w]
		fmt.Fprintf(&b, "%-16s %d/%d  ", w, t.Errors, t.Succeeded)
	}
	fmt.Fprintf(&b, "total %d/%d/%d %3.1f%%", p.Errors, p.Succeeded, p.Total, p.Percent())
	return b.String()
}

// progressPrinter rewrites a single terminal line. It prints nothing when
// the line has not changed.
type progressPrinter struct {
	w    io.Writer
	last string
}

func (pp *progressPrinter) print(p Progress) {
	if pp.w == nil {
		return
	}
	line := p.Line()
	if line == pp.last {
		return
	}
	pad := ""
	if n := len(pp.last) - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(pp.w, "\r%s%s", line, pad)
	pp.last = line
}

func (pp *progressPrinter) finish() {
	if pp.w != nil && pp.last != "" {
		fmt.Fprintln(pp.w)
	}
}

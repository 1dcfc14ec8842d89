package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

// printSummary writes the final tally: one line per worker, then the total.
func printSummary(w io.Writer, s *domain.JobSummary) {
	workers := make([]string, 0, len(s.PerWorker))
	for addr := range s.PerWorker {
		workers = append(workers, addr)
	}
	sort.Strings(workers)

	fmt.Fprintln(w)
	for _, addr := range workers {
		t := s.PerWorker[addr]
		fmt.Fprintf(w, "  %-16s errors %d, succeeded %d\n", addr, t.Errors, t.Succeeded)
	}
	state := "SUCCESS"
	if !s.Success {
		state = "FAILED"
	}
	fmt.Fprintf(w, "%s: %d/%d succeeded, %d errors, %d warnings in %s\n",
		state, s.Succeeded, s.Total, s.Errors, s.Warnings, s.Duration().Round(10*time.Millisecond))
	if s.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", s.Reason)
	}
}

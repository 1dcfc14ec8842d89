// Package capacity decides how many tasks a worker accepts at a given moment
// and which local projects it can build.
package capacity

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Reserved is the number of hardware threads kept free for the machine's
// own use.
const Reserved = 3

// Project maps a project name to its checkout (Path) and the scratch
// directory where task files are written (WorkDir).
type Project struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Path    string `mapstructure:"path" yaml:"path"`
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
}

// Config is the raw policy as read from configuration.
type Config struct {
	Projects []Project
	// Begin and End bound the throttle window as "HH:MM". Equal values
	// disable the window.
	Begin   string
	End     string
	Bath    float64
	Default float64
}

// Policy is an immutable capacity policy.
type Policy struct {
	projects map[string]Project
	begin    int
	end      int
	bath     float64
	def      float64
	now      func() time.Time
	threads  func() int
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Policy) { p.now = now } }

// WithThreads replaces runtime.NumCPU.
func WithThreads(n func() int) Option { return func(p *Policy) { p.threads = n } }

// New validates cfg and builds a Policy.
func New(cfg Config, opts ...Option) (*Policy, error) {
	begin, err := ParseClock(cfg.Begin)
	if err != nil {
		return nil, fmt.Errorf("work time begin: %w", err)
	}
	end, err := ParseClock(cfg.End)
	if err != nil {
		return nil, fmt.Errorf("work time end: %w", err)
	}

	p := &Policy{
		projects: make(map[string]Project, len(cfg.Projects)),
		begin:    begin,
		end:      end,
		bath:     clampPercent(cfg.Bath),
		def:      clampPercent(cfg.Default),
		now:      time.Now,
		threads:  runtime.NumCPU,
	}
	for _, prj := range cfg.Projects {
		name := strings.ToLower(strings.TrimSpace(prj.Name))
		if name == "" {
			return nil, fmt.Errorf("project with empty name")
		}
		if prj.WorkDir == "" {
			prj.WorkDir = os.TempDir()
		}
		wd, err := filepath.Abs(prj.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("project %s work dir: %w", name, err)
		}
		prj.Name = name
		prj.WorkDir = wd
		p.projects[name] = prj
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Available is the number of hardware threads a worker may use.
func Available(threads int) int {
	return max(1, threads-Reserved)
}

// Percent returns the share of available threads offered at t.
func (p *Policy) Percent(t time.Time) float64 {
	if p.inWindow(t.Hour()*60 + t.Minute()) {
		return p.bath
	}
	return p.def
}

func (p *Policy) inWindow(minute int) bool {
	switch {
	case p.begin == p.end:
		return false
	case p.begin < p.end:
		return minute >= p.begin && minute < p.end
	default:
		return minute >= p.begin || minute < p.end
	}
}

// FreeSlots is how many tasks the worker offers right now.
func (p *Policy) FreeSlots() uint32 {
	avail := float64(Available(p.threads()))
	return uint32(math.Round(avail * p.Percent(p.now()) / 100))
}

// Project looks up a project by case-insensitive name.
func (p *Policy) Project(name string) (Project, bool) {
	prj, ok := p.projects[strings.ToLower(name)]
	return prj, ok
}

// Projects lists configured project names, sorted.
func (p *Policy) Projects() []string {
	names := make([]string, 0, len(p.projects))
	for n := range p.projects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseClock parses "HH:MM" into minutes since midnight. An empty string is
// midnight.
func ParseClock(s string) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func clampPercent(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}

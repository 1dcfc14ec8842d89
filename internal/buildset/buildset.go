// Package buildset loads the list of build tasks from a YAML build-set file.
//
//	projects:
//	  - name: game
//	    tasks:
//	      - source_file: $(sdir)/shaders/*.hlsl
//	        output_file: $(odir)/$(sourcefilename).cso
//	        application: $(pdir)/bin/fxc
//	        params: /Fo $(pdir)/$(outputfile) $(pdir)/$(sourcefile)
//	        working_dir: $(pdir)
//	        abort_on_error: true
//
// A '*' in the file-name part of source_file expands to every matching file
// in that directory, one task per file.
package buildset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/vars"
)

// File is the top-level document.
type File struct {
	Projects []Project `yaml:"projects"`
}

// Project groups tasks built by the same worker-side project.
type Project struct {
	Name  string     `yaml:"name"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one task template before placeholder expansion.
type TaskSpec struct {
	SourceFile   string `yaml:"source_file"`
	OutputFile   string `yaml:"output_file"`
	Application  string `yaml:"application"`
	Params       string `yaml:"params"`
	WorkingDir   string `yaml:"working_dir"`
	AbortOnError *bool  `yaml:"abort_on_error"`
}

// Load reads and expands the build set at path. base carries the values of
// $(sdir), $(odir), $(wdir), $(sfile) and $(ofile).
func Load(path string, base vars.Set) ([]*domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build set: %w", err)
	}
	tasks, err := Parse(data, base)
	if err != nil {
		return nil, fmt.Errorf("build set %s: %w", path, err)
	}
	return tasks, nil
}

// Parse expands a build-set document into tasks with IDs 1..n in load order.
func Parse(data []byte, base vars.Set) ([]*domain.Task, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	var tasks []*domain.Task
	for _, prj := range f.Projects {
		name := strings.ToLower(strings.TrimSpace(prj.Name))
		if name == "" {
			return nil, errors.New("project without a name")
		}
		pv := base
		pv.ProjectName = name

		for i, spec := range prj.Tasks {
			if spec.SourceFile == "" {
				return nil, fmt.Errorf("project %s task %d: source_file is required", name, i+1)
			}
			if spec.Application == "" {
				return nil, fmt.Errorf("project %s task %d: application is required", name, i+1)
			}
			sources, err := expandSources(pv.Replace(spec.SourceFile))
			if err != nil {
				return nil, fmt.Errorf("project %s task %d: %w", name, i+1, err)
			}
			for _, src := range sources {
				tasks = append(tasks, newTask(uint32(len(tasks)+1), name, pv, spec, src))
			}
		}
	}
	return tasks, nil
}

func newTask(id uint32, project string, pv vars.Set, spec TaskSpec, source string) *domain.Task {
	pv.SourceFile = source
	base := filepath.Base(source)
	pv.SourceFileName = strings.TrimSuffix(base, filepath.Ext(base))
	pv.OutputFile = pv.Replace(spec.OutputFile)

	abort := true
	if spec.AbortOnError != nil {
		abort = *spec.AbortOnError
	}
	return &domain.Task{
		ID:           id,
		Project:      project,
		Application:  pv.Replace(spec.Application),
		CommandLine:  pv.Replace(spec.Params),
		WorkingDir:   pv.Replace(spec.WorkingDir),
		SourceFile:   source,
		OutputFile:   pv.OutputFile,
		AbortOnError: abort,
	}
}

// expandSources resolves a wildcard in the file-name part of pattern.
// Matching is case-insensitive and the result is sorted by name.
func expandSources(pattern string) ([]string, error) {
	pattern = filepath.FromSlash(pattern)
	dir, mask := filepath.Split(pattern)
	if !strings.Contains(mask, "*") {
		return []string{pattern}, nil
	}
	if strings.Contains(dir, "*") {
		return nil, fmt.Errorf("wildcard only allowed in the file name: %q", pattern)
	}

	listDir := dir
	if listDir == "" {
		listDir = "."
	}
	entries, err := os.ReadDir(listDir)
	if err != nil {
		return nil, fmt.Errorf("expand %q: %w", pattern, err)
	}

	mask = strings.ToLower(mask)
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := filepath.Match(mask, strings.ToLower(e.Name()))
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", pattern, err)
		}
		if ok {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	slices.SortStableFunc(out, func(a, b string) int {
		if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return out, nil
}

// Projects returns the distinct project names of tasks in first-seen order.
func Projects(tasks []*domain.Task) []string {
	seen := make(map[string]bool)
	var names []string
	for _, t := range tasks {
		if !seen[t.Project] {
			seen[t.Project] = true
			names = append(names, t.Project)
		}
	}
	return names
}

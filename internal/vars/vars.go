// Package vars expands $(name) placeholders in build-set strings.
//
// Names are case-insensitive. Unknown names are left untouched so that a
// later stage can resolve them; $(pdir) is always left for the worker.
package vars

import "strings"

// ProjectDir is the placeholder a worker replaces with its local project
// path or work directory.
const ProjectDir = "pdir"

// Set holds the values known on the master when tasks are generated.
type Set struct {
	ProjectName    string // $(pname)
	SourceDir      string // $(sdir)
	OutputDir      string // $(odir)
	WorkDir        string // $(wdir)
	SFile          string // $(sfile)
	OFile          string // $(ofile)
	SourceFile     string // $(sourcefile)
	SourceFileName string // $(sourcefilename): base name without extension
	OutputFile     string // $(outputfile)
}

func (s Set) lookup(name string) (string, bool) {
	switch name {
	case "pname":
		return s.ProjectName, true
	case "sdir":
		return s.SourceDir, true
	case "odir":
		return s.OutputDir, true
	case "wdir":
		return s.WorkDir, true
	case "sfile":
		return s.SFile, true
	case "ofile":
		return s.OFile, true
	case "sourcefile":
		return s.SourceFile, true
	case "sourcefilename":
		return s.SourceFileName, true
	case "outputfile":
		return s.OutputFile, true
	}
	return "", false
}

// Replace expands every known placeholder in in.
func (s Set) Replace(in string) string {
	return Expand(in, s.lookup)
}

// ReplaceProjectDir expands $(pdir) with dir.
func ReplaceProjectDir(in, dir string) string {
	return Expand(in, func(name string) (string, bool) {
		if name == ProjectDir {
			return dir, true
		}
		return "", false
	})
}

// Expand replaces each $(name) for which lookup returns true. lookup
// receives the name lower-cased.
func Expand(in string, lookup func(name string) (string, bool)) string {
	if !strings.Contains(in, "$(") {
		return in
	}
	var b strings.Builder
	b.Grow(len(in))
	for {
		start := strings.Index(in, "$(")
		if start < 0 {
			b.WriteString(in)
			return b.String()
		}
		end := strings.IndexByte(in[start+2:], ')')
		if end < 0 {
			b.WriteString(in)
			return b.String()
		}
		end += start + 2
		b.WriteString(in[:start])
		if v, ok := lookup(strings.ToLower(in[start+2 : end])); ok {
			b.WriteString(v)
		} else {
			b.WriteString(in[start : end+1])
		}
		in = in[end+1:]
	}
}

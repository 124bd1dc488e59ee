package review

import (
	"fmt"

	"github.com/kalambet/sentinel/internal/pysrc"
)

// FindDeadCode reports functions and classes that are never referenced.
// A definition is dead when its name has no non-definition references in
// any non-test file. Test files, dunder methods, decorated definitions and
// names exported through __all__ are never reported. Counting is by bare
// name, so a name shared by two definitions keeps both alive.
func FindDeadCode(t *Tree) []Finding {
	refs := map[string]int{}
	exported := map[string]bool{}
	for _, p := range t.paths {
		f := t.files[p]
		for _, name := range f.Exports {
			exported[name] = true
		}
		if IsTestFile(p) {
			continue
		}
		for name, n := range f.References {
			refs[name] += n
		}
	}

	var out []Finding
	for _, p := range t.paths {
		if IsTestFile(p) {
			continue
		}
		for _, s := range t.files[p].Symbols {
			if s.Dunder() || s.Decorated || exported[s.Name] || refs[s.Name] > 0 {
				continue
			}
			out = append(out, Finding{
				Category: CategoryDeadCode,
				Severity: deadCodeSeverity(s),
				File:     p,
				Lines:    LineRange{Start: s.StartLine, End: s.EndLine},
				Message:  fmt.Sprintf("%s `%s` is never referenced and can likely be removed.", kindLabel(s), qualified(s)),
			})
		}
	}
	return out
}

// Public symbols may have callers outside the repository.
func deadCodeSeverity(s pysrc.Symbol) Severity {
	if s.Public() {
		return SeverityLow
	}
	return SeverityMedium
}

func kindLabel(s pysrc.Symbol) string {
	switch {
	case s.Kind == pysrc.KindClass:
		return "Class"
	case s.Class != "":
		return "Method"
	default:
		return "Function"
	}
}

func qualified(s pysrc.Symbol) string {
	if s.Class != "" {
		return s.Class + "." + s.Name
	}
	return s.Name
}

package review

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/sentinel/internal/diff"
	"github.com/kalambet/sentinel/internal/pysrc"
)

// PEP 8 naming.
var (
	snakeCase   = regexp.MustCompile(`^_{0,2}[a-z][a-z0-9_]*$`)
	capWords    = regexp.MustCompile(`^_?[A-Z][A-Za-z0-9]*$`)
	moduleName  = regexp.MustCompile(`^_{0,2}[a-z][a-z0-9_]*\.py$`)
	moduleDocAt = LineRange{Start: 1, End: 1}
)

// symbolNaming reports a changed function or class whose name breaks PEP 8.
func symbolNaming(p string, sym pysrc.Symbol) (Finding, bool) {
	if sym.Dunder() || sym.Name == "" {
		return Finding{}, false
	}
	var want string
	switch sym.Kind {
	case pysrc.KindClass:
		if capWords.MatchString(sym.Name) {
			return Finding{}, false
		}
		want = "CapWords"
	default:
		if snakeCase.MatchString(sym.Name) {
			return Finding{}, false
		}
		want = "lower_snake_case"
	}
	return Finding{
		Category: CategoryDocumentation,
		Severity: SeverityLow,
		File:     p,
		Lines:    LineRange{Start: sym.StartLine, End: sym.StartLine},
		Message:  fmt.Sprintf("%s name `%s` does not follow PEP 8; use %s.", kindLabel(sym), sym.Name, want),
	}, true
}

// fileNaming reports a new or renamed module whose file name breaks PEP 8.
func fileNaming(fc diff.FileChange) (Finding, bool) {
	if fc.Kind != diff.Added && fc.Kind != diff.Renamed {
		return Finding{}, false
	}
	base := baseName(fc.Path)
	if moduleName.MatchString(base) {
		return Finding{}, false
	}
	suggestion := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(base))
	return Finding{
		Category: CategoryDocumentation,
		Severity: SeverityLow,
		File:     fc.Path,
		Lines:    moduleDocAt,
		Message:  fmt.Sprintf("Module file name `%s` does not follow PEP 8; use short lowercase names such as `%s`.", base, suggestion),
	}, true
}

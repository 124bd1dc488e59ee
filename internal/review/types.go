package review

import "errors"

// ErrModelInvocation is returned when the review model cannot produce a
// usable answer for a category after retrying.
var ErrModelInvocation = errors.New("model invocation failed")

// ErrRequirementsOverBudget is returned when a requirement check cannot fit
// any requirement text into the prompt budget.
var ErrRequirementsOverBudget = errors.New("no requirement text fits the prompt budget")

// Severity represents the severity level of a finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityRank returns a numeric rank for sorting (higher = more severe).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps free-form model output onto a Severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s)
	}
	return SeverityMedium
}

// Category is the aspect of the change a finding is about.
type Category string

const (
	CategoryLogic         Category = "logic"
	CategoryTest          Category = "test"
	CategoryDocumentation Category = "documentation"
	CategoryDeadCode      Category = "dead_code"
)

// Categories lists every category in output priority order.
var Categories = []Category{CategoryLogic, CategoryTest, CategoryDocumentation, CategoryDeadCode}

// CategoryRank returns the output priority of c; lower sorts first.
func CategoryRank(c Category) int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return len(Categories)
}

// LineRange is an inclusive 1-based range of line numbers.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether the two ranges share at least one line.
func (r LineRange) Overlaps(o LineRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Union returns the smallest range covering both r and o.
func (r LineRange) Union(o LineRange) LineRange {
	out := r
	if o.Start < out.Start {
		out.Start = o.Start
	}
	if o.End > out.End {
		out.End = o.End
	}
	return out
}

// Finding is one review observation tied to a file and line range.
type Finding struct {
	ID           string    `json:"id,omitempty"`
	Category     Category  `json:"category"`
	Severity     Severity  `json:"severity"`
	File         string    `json:"file"`
	Lines        LineRange `json:"line_range"`
	Message      string    `json:"message"`
	EvidenceRefs []string  `json:"evidence_refs,omitempty"`
	FeedbackHint string    `json:"feedback_hint,omitempty"`

	judged bool // produced by a model rather than a static check
}

// Degradation explains why a category ran with reduced context or not at all.
type Degradation struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason"`
}

package review

import (
	"sort"
)

// Merge collapses findings of the same category and file whose line ranges
// overlap. The merged finding keeps the message of its most severe member,
// the union of evidence and the union of line ranges. The result is sorted
// by file, start line, category priority, end line and message, so the
// output does not depend on input order.
func Merge(findings []Finding) []Finding {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sortFindings(sorted)

	out := sorted
	for i := range out {
		out[i].EvidenceRefs = dedupeSorted(out[i].EvidenceRefs)
	}
	// A union can bridge two earlier groups; repeat until stable.
	for {
		n := len(out)
		out = mergePass(out)
		if len(out) == n {
			break
		}
	}
	sortFindings(out)
	return out
}

func mergePass(in []Finding) []Finding {
	var out []Finding
	for _, f := range in {
		merged := false
		for i := range out {
			o := &out[i]
			if o.File == f.File && o.Category == f.Category && o.Lines.Overlaps(f.Lines) {
				*o = combine(*o, f)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, f)
		}
	}
	return out
}

func combine(a, b Finding) Finding {
	keep := a
	if outranks(b, a) {
		keep = b
	}
	keep.Lines = a.Lines.Union(b.Lines)
	keep.EvidenceRefs = dedupeSorted(append(append([]string(nil), a.EvidenceRefs...), b.EvidenceRefs...))
	keep.judged = a.judged || b.judged
	return keep
}

// outranks orders by severity, then the lexically smaller message so ties
// resolve the same way regardless of input order.
func outranks(a, b Finding) bool {
	if ra, rb := SeverityRank(a.Severity), SeverityRank(b.Severity); ra != rb {
		return ra > rb
	}
	return a.Message < b.Message
}

func sortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Lines.Start != b.Lines.Start {
			return a.Lines.Start < b.Lines.Start
		}
		if ra, rb := CategoryRank(a.Category), CategoryRank(b.Category); ra != rb {
			return ra < rb
		}
		if a.Lines.End != b.Lines.End {
			return a.Lines.End < b.Lines.End
		}
		if a.Message != b.Message {
			return a.Message < b.Message
		}
		return SeverityRank(a.Severity) > SeverityRank(b.Severity)
	})
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	s := append([]string(nil), in...)
	sort.Strings(s)
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

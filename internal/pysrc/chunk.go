package pysrc

import "strings"

// Chunk is a syntactically bounded region of a Python file.
type Chunk struct {
	Symbol    string
	Kind      string
	StartLine int
	EndLine   int
	Content   string
}

// Chunks splits the file at function, class and module granularity. Every
// function and method is its own chunk; a class chunk holds the class lines
// outside its methods; the module chunk holds top-level lines outside any
// definition. Blank-only chunks are omitted.
func (f *File) Chunks() []Chunk {
	var out []Chunk
	for _, s := range f.Symbols {
		if s.Kind == KindFunction {
			out = append(out, Chunk{
				Symbol:    qualified(s),
				Kind:      KindFunction,
				StartLine: s.StartLine,
				EndLine:   s.EndLine,
				Content:   f.Text(s.StartLine, s.EndLine),
			})
		}
	}

	for _, s := range f.Symbols {
		if s.Kind != KindClass {
			continue
		}
		var covered []Symbol
		for _, m := range f.Symbols {
			if m.Class == s.Name && m.StartLine >= s.StartLine && m.EndLine <= s.EndLine {
				covered = append(covered, m)
			}
		}
		if c, ok := f.residual(s.StartLine, s.EndLine, covered); ok {
			c.Symbol = qualified(s)
			c.Kind = KindClass
			out = append(out, c)
		}
	}

	var topLevel []Symbol
	for _, s := range f.Symbols {
		if s.Class == "" {
			topLevel = append(topLevel, s)
		}
	}
	if c, ok := f.residual(1, len(f.Lines), topLevel); ok {
		c.Kind = KindModule
		out = append(out, c)
	}
	return out
}

// residual collects the lines in [start, end] not covered by any of the
// given symbols.
func (f *File) residual(start, end int, covered []Symbol) (Chunk, bool) {
	var lines []string
	first, last := 0, 0
	for ln := start; ln <= end && ln <= len(f.Lines); ln++ {
		inside := false
		for _, s := range covered {
			if ln >= s.StartLine && ln <= s.EndLine {
				inside = true
				break
			}
		}
		if inside {
			continue
		}
		text := f.Lines[ln-1]
		if strings.TrimSpace(text) == "" && first == 0 {
			continue
		}
		if first == 0 {
			first = ln
		}
		lines = append(lines, text)
		if strings.TrimSpace(text) != "" {
			last = ln
		}
	}
	content := strings.TrimRight(strings.Join(lines, "\n"), "\n \t")
	if first == 0 || strings.TrimSpace(content) == "" {
		return Chunk{}, false
	}
	return Chunk{StartLine: first, EndLine: last, Content: content}, true
}

func qualified(s Symbol) string {
	if s.Class != "" {
		return s.Class + "." + s.Name
	}
	return s.Name
}

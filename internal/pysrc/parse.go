// Package pysrc extracts definitions, references and chunk boundaries from
// Python source using tree-sitter.
package pysrc

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Symbol kinds.
const (
	KindFunction = "function"
	KindClass    = "class"
	KindModule   = "module"
)

// Symbol is a function, method or class definition.
type Symbol struct {
	Name      string
	Kind      string
	Class     string // enclosing class for methods
	StartLine int
	EndLine   int
	Docstring string
	Decorated bool
	Params    []string
	Code      string
}

// Public reports whether the symbol is part of the module's public surface.
func (s Symbol) Public() bool {
	return !strings.HasPrefix(s.Name, "_")
}

// Dunder reports whether the symbol is a double-underscore protocol method.
func (s Symbol) Dunder() bool {
	return strings.HasPrefix(s.Name, "__") && strings.HasSuffix(s.Name, "__")
}

// File is the parsed view of one Python source file.
type File struct {
	Symbols []Symbol
	// References counts identifier occurrences other than definition names
	// and other than a definition naming itself inside its own body.
	References map[string]int
	// refLines holds the 1-based line of every counted reference by name.
	refLines map[string][]int
	// Exports holds the names listed in a module-level __all__.
	Exports []string
	// Docstring is the module docstring, empty when there is none.
	Docstring string
	Lines   []string
}

// Parse parses Python source. A fresh parser is used per call since
// tree-sitter parsers are not safe for concurrent use.
func Parse(ctx context.Context, src []byte) (*File, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parsing python source: %w", err)
	}
	defer tree.Close()

	f := &File{
		References: make(map[string]int),
		refLines:   make(map[string][]int),
		Lines:      strings.Split(string(src), "\n"),
	}
	root := tree.RootNode()
	f.collectSymbols(root, src, "")
	f.collectReferences(root, src)
	f.Exports = collectExports(root, src)
	f.Docstring = docstringOf(root, src)
	return f, nil
}

func (f *File) collectSymbols(n *sitter.Node, src []byte, class string) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		decorated := false
		def := child
		if child.Type() == "decorated_definition" {
			decorated = true
			def = child.ChildByFieldName("definition")
			if def == nil {
				continue
			}
		}

		switch def.Type() {
		case "function_definition":
			f.Symbols = append(f.Symbols, f.symbolFor(def, child, src, KindFunction, class, decorated))
			// Nested functions are part of their parent's chunk and are not
			// separately addressable, so they are not collected.
		case "class_definition":
			sym := f.symbolFor(def, child, src, KindClass, class, decorated)
			f.Symbols = append(f.Symbols, sym)
			if body := def.ChildByFieldName("body"); body != nil {
				f.collectSymbols(body, src, sym.Name)
			}
		default:
			if child.Type() != "decorated_definition" {
				f.collectSymbols(child, src, class)
			}
		}
	}
}

func (f *File) symbolFor(def, outer *sitter.Node, src []byte, kind, class string, decorated bool) Symbol {
	sym := Symbol{
		Kind:      kind,
		Class:     class,
		StartLine: int(outer.StartPoint().Row) + 1,
		EndLine:   int(outer.EndPoint().Row) + 1,
		Decorated: decorated,
		Code:      outer.Content(src),
	}
	if name := def.ChildByFieldName("name"); name != nil {
		sym.Name = name.Content(src)
	}
	if params := def.ChildByFieldName("parameters"); params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			p := params.NamedChild(i)
			if p.Type() == "identifier" {
				sym.Params = append(sym.Params, p.Content(src))
			}
		}
	}
	if body := def.ChildByFieldName("body"); body != nil {
		sym.Docstring = docstringOf(body, src)
	}
	return sym
}

// docstringOf returns the string literal opening a module or block body.
func docstringOf(body *sitter.Node, src []byte) string {
	for i := 0; i < int(body.NamedChildCount()); i++ {
		first := body.NamedChild(i)
		if first.Type() == "comment" {
			continue
		}
		if first.Type() == "expression_statement" && first.NamedChildCount() > 0 && first.NamedChild(0).Type() == "string" {
			return strings.Trim(first.NamedChild(0).Content(src), "\"' \n\t")
		}
		return ""
	}
	return ""
}

func (f *File) collectReferences(n *sitter.Node, src []byte) {
	if n.Type() == "identifier" && !isDefinitionName(n) {
		name := n.Content(src)
		if !insideOwnDefinition(n, src, name) {
			f.References[name]++
			f.refLines[name] = append(f.refLines[name], int(n.StartPoint().Row)+1)
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		f.collectReferences(n.NamedChild(i), src)
	}
}

// isDefinitionName reports whether n is the name being defined by a
// function or class definition.
func isDefinitionName(n *sitter.Node) bool {
	parent := n.Parent()
	if parent == nil {
		return false
	}
	switch parent.Type() {
	case "function_definition", "class_definition":
		name := parent.ChildByFieldName("name")
		return name != nil && name.StartByte() == n.StartByte() && name.EndByte() == n.EndByte()
	}
	return false
}

// insideOwnDefinition reports whether n sits in the body of a function or
// class that is itself called name, as in a recursive call.
func insideOwnDefinition(n *sitter.Node, src []byte, name string) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		switch p.Type() {
		case "function_definition", "class_definition":
			if def := p.ChildByFieldName("name"); def != nil && def.Content(src) == name {
				return true
			}
		}
	}
	return false
}

// ReferencesWithin counts references to name on lines [start, end].
func (f *File) ReferencesWithin(name string, start, end int) int {
	n := 0
	for _, ln := range f.refLines[name] {
		if ln >= start && ln <= end {
			n++
		}
	}
	return n
}

// collectExports reads string literals assigned to a module-level __all__.
func collectExports(root *sitter.Node, src []byte) []string {
	var out []string
	for i := 0; i < int(root.NamedChildCount()); i++ {
		stmt := root.NamedChild(i)
		if stmt.Type() != "expression_statement" || stmt.NamedChildCount() == 0 {
			continue
		}
		assign := stmt.NamedChild(0)
		if assign.Type() != "assignment" && assign.Type() != "augmented_assignment" {
			continue
		}
		left := assign.ChildByFieldName("left")
		right := assign.ChildByFieldName("right")
		if left == nil || right == nil || left.Content(src) != "__all__" {
			continue
		}
		for j := 0; j < int(right.NamedChildCount()); j++ {
			el := right.NamedChild(j)
			if el.Type() == "string" {
				out = append(out, strings.Trim(el.Content(src), "\"'"))
			}
		}
	}
	return out
}

// SymbolsInRange returns symbols whose span intersects any of the given lines.
// Classes are only returned when a changed line falls outside their methods.
func (f *File) SymbolsInRange(lines []int) []Symbol {
	var out []Symbol
	for _, s := range f.Symbols {
		hit := false
		for _, ln := range lines {
			if ln < s.StartLine || ln > s.EndLine {
				continue
			}
			if s.Kind == KindClass && f.inMethod(s.Name, ln) {
				continue
			}
			hit = true
			break
		}
		if hit {
			out = append(out, s)
		}
	}
	return out
}

func (f *File) inMethod(class string, line int) bool {
	for _, s := range f.Symbols {
		if s.Class == class && s.Kind == KindFunction && line >= s.StartLine && line <= s.EndLine {
			return true
		}
	}
	return false
}

// Text returns lines [start, end] (1-based, inclusive) joined by newlines.
func (f *File) Text(start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(f.Lines) {
		end = len(f.Lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(f.Lines[start-1:end], "\n")
}

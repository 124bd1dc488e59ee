package pysrc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `import os

__all__ = ["exported"]

LIMIT = 10


def foo(a, b):
    """Add two numbers."""
    return _helper(a) + b


def _helper(x):
    return x


def exported():
    return os.getcwd()


class Greeter:
    greeting = "hi"

    def greet(self, name):
        return self.greeting + name

    @property
    def loud(self):
        return self.greeting.upper()
`

func parseSample(t *testing.T) *File {
	t.Helper()
	f, err := Parse(context.Background(), []byte(sample))
	require.NoError(t, err)
	return f
}

func findSymbol(t *testing.T, f *File, name string) Symbol {
	t.Helper()
	for _, s := range f.Symbols {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("symbol %q not found", name)
	return Symbol{}
}

func TestParse_Symbols(t *testing.T) {
	f := parseSample(t)

	foo := findSymbol(t, f, "foo")
	assert.Equal(t, KindFunction, foo.Kind)
	assert.Equal(t, 8, foo.StartLine)
	assert.Equal(t, 10, foo.EndLine)
	assert.Equal(t, "Add two numbers.", foo.Docstring)
	assert.Equal(t, []string{"a", "b"}, foo.Params)
	assert.True(t, foo.Public())

	helper := findSymbol(t, f, "_helper")
	assert.Empty(t, helper.Docstring)
	assert.False(t, helper.Public())

	greet := findSymbol(t, f, "greet")
	assert.Equal(t, "Greeter", greet.Class)

	loud := findSymbol(t, f, "loud")
	assert.True(t, loud.Decorated)
	assert.Equal(t, 27, loud.StartLine, "decorated symbols start at the decorator")
}

func TestParse_ReferencesExcludeDefinitionNames(t *testing.T) {
	f := parseSample(t)

	assert.Equal(t, 1, f.References["_helper"], "one call site, definition name not counted")
	assert.Equal(t, 0, f.References["foo"])
	assert.Equal(t, 0, f.References["exported"], "__all__ strings are not identifiers")
	assert.Equal(t, []string{"exported"}, f.Exports)
}

func TestSymbolsInRange(t *testing.T) {
	f := parseSample(t)

	got := f.SymbolsInRange([]int{9})
	require.Len(t, got, 1)
	assert.Equal(t, "foo", got[0].Name)

	got = f.SymbolsInRange([]int{25})
	require.Len(t, got, 1, "line inside a method does not select the class")
	assert.Equal(t, "greet", got[0].Name)

	got = f.SymbolsInRange([]int{22})
	require.Len(t, got, 1)
	assert.Equal(t, "Greeter", got[0].Name)
}

func TestChunks(t *testing.T) {
	f := parseSample(t)
	chunks := f.Chunks()

	bySymbol := map[string]Chunk{}
	var module *Chunk
	for i, c := range chunks {
		if c.Kind == KindModule {
			module = &chunks[i]
			continue
		}
		bySymbol[c.Symbol] = c
	}

	require.Contains(t, bySymbol, "foo")
	require.Contains(t, bySymbol, "Greeter.greet")
	require.Contains(t, bySymbol, "Greeter")
	assert.Contains(t, bySymbol["Greeter"].Content, `greeting = "hi"`)
	assert.NotContains(t, bySymbol["Greeter"].Content, "def greet")

	require.NotNil(t, module)
	assert.Equal(t, 1, module.StartLine)
	assert.Contains(t, module.Content, "LIMIT = 10")
	assert.NotContains(t, module.Content, "def foo")
}

func TestParse_SelfReferenceNotCounted(t *testing.T) {
	src := `def _walk(n):
    if n == 0:
        return 0
    return _walk(n - 1)


def run():
    return _walk(3)
`
	f, err := Parse(context.Background(), []byte(src))
	require.NoError(t, err)

	assert.Equal(t, 1, f.References["_walk"], "only the call from run counts")
	assert.Equal(t, 0, f.ReferencesWithin("_walk", 1, 4))
	assert.Equal(t, 1, f.ReferencesWithin("_walk", 7, 8))
}

func TestParse_ModuleDocstring(t *testing.T) {
	f, err := Parse(context.Background(), []byte("# -*- coding: utf-8 -*-\n\"\"\"Billing helpers.\"\"\"\n\nX = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, "Billing helpers.", f.Docstring)

	assert.Empty(t, parseSample(t).Docstring)
}

package review

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sentinel/internal/retrieval"
)

func scored(id string, score float32, content string) retrieval.ScoredRecord {
	return retrieval.ScoredRecord{Record: retrieval.Record{ID: id, Kind: retrieval.KindCode, Path: id, Content: content}, Score: score}
}

func TestCompose_DropsLowestScoreFirst(t *testing.T) {
	c := NewComposer(300)
	subj := Subject{File: "a.py", Lines: LineRange{1, 2}, Code: "def f(): pass"}
	big := strings.Repeat("x", 600)

	msgs, ids := c.Compose(CategoryLogic, subj, []retrieval.ScoredRecord{
		scored("low", 0.1, big),
		scored("high", 0.9, big),
		scored("small", 0.05, "y = 1"),
	}, nil)

	// low no longer fits whole, so it is cut down and small, ranked below
	// it, is dropped.
	assert.Equal(t, []string{"high", "low"}, ids)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "[Retrieved Context]")
	assert.Contains(t, msgs[1].Content, "[truncated]")
	assert.NotContains(t, msgs[1].Content, "id: small")
}

func TestCompose_TruncatesOversizedTopRecord(t *testing.T) {
	c := NewComposer(500)
	subj := Subject{File: "a.py", Lines: LineRange{1, 2}, Code: "def f(): pass"}
	doc := retrieval.ScoredRecord{
		Record: retrieval.Record{ID: "ticket:PAY-1", Kind: retrieval.KindRequirement, Path: "PAY-1", Content: "Refunds must round half up.\n" + strings.Repeat("detail ", 4000)},
		Score:  1,
	}

	msgs, ids := c.Compose(CategoryLogic, subj, []retrieval.ScoredRecord{doc, scored("near", 0.8, "y = 1")}, nil)

	assert.Equal(t, []string{"ticket:PAY-1"}, ids)
	assert.Contains(t, msgs[1].Content, "Refunds must round half up.")
	assert.Contains(t, msgs[1].Content, "[truncated]")
	assert.LessOrEqual(t, EstimateTokens(msgs[1].Content), 500)
}

func TestCompose_NoRoomForContext(t *testing.T) {
	c := NewComposer(50)
	subj := Subject{File: "a.py", Lines: LineRange{1, 40}, Code: strings.Repeat("x = 1\n", 40)}
	_, ids := c.Compose(CategoryLogic, subj, []retrieval.ScoredRecord{scored("doc", 1, "text")}, nil)
	assert.Empty(t, ids)
}

func TestCompose_NoContext(t *testing.T) {
	msgs, ids := NewComposer(0).Compose(CategoryDocumentation, Subject{File: "a.py", Docstring: "Does f."}, nil, []string{"Use Google style docstrings."})
	assert.Empty(t, ids)
	assert.NotContains(t, msgs[1].Content, "[Retrieved Context]")
	assert.Contains(t, msgs[1].Content, "Does f.")
	assert.Contains(t, msgs[0].Content, "Use Google style docstrings.")
	assert.Contains(t, msgs[0].Content, `{"findings":[]}`)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestLoadInstructions(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("docs/review.instructions.md", "Prefer small functions.")
	write("docs/nested/team.agents.md", "Tests use pytest.")
	write("docs/readme.md", "not an instruction file")
	write("other/x.instructions.md", "outside doc folder")

	got, err := LoadInstructions(root, "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"Tests use pytest.", "Prefer small functions."}, got)

	none, err := LoadInstructions(root, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

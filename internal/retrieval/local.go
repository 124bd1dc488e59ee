package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/kalambet/sentinel/internal/pysrc"
)

// LocalContext returns chunks of the same file as region, nearest first,
// for use when repository indexing is disabled. The region's own lines are
// excluded and at most limit chunks are returned.
func LocalContext(ctx context.Context, region Region, src []byte, limit int) (Result, error) {
	res := Result{Region: region}
	if len(src) == 0 || limit <= 0 {
		return res, nil
	}
	f, err := pysrc.Parse(ctx, src)
	if err != nil {
		return res, fmt.Errorf("parsing %s: %w", region.Path, err)
	}

	for _, c := range f.Chunks() {
		rec := Record{
			ID:          fmt.Sprintf("%s:%d", region.Path, c.StartLine),
			Kind:        KindCode,
			Path:        region.Path,
			Symbol:      c.Symbol,
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			ContentHash: ContentHash(c.Content),
			Content:     c.Content,
		}
		if rec.Overlaps(region.StartLine, region.EndLine) {
			continue
		}
		res.Matches = append(res.Matches, ScoredRecord{Record: rec})
	}

	sort.SliceStable(res.Matches, func(i, j int) bool {
		di, dj := distance(res.Matches[i].Record, region), distance(res.Matches[j].Record, region)
		if di != dj {
			return di < dj
		}
		return res.Matches[i].StartLine < res.Matches[j].StartLine
	})
	if len(res.Matches) > limit {
		res.Matches = res.Matches[:limit]
	}
	return res, nil
}

func distance(r Record, region Region) int {
	if r.EndLine < region.StartLine {
		return region.StartLine - r.EndLine
	}
	return r.StartLine - region.EndLine
}

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kalambet/sentinel/internal/index"
	"github.com/kalambet/sentinel/internal/pipeline"
	"github.com/kalambet/sentinel/internal/review"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Progress and status lines go to stderr so stdout carries only the review.
var statusOut io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func emit(color, mark, format string, args ...any) {
	fmt.Fprintln(statusOut, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { emit(colorGreen, "✓", format, args...) }

func printError(format string, args ...any) { emit(colorRed, "✗", format, args...) }

func printWarning(format string, args ...any) { emit(colorYellow, "⚠", format, args...) }

func printStep(format string, args ...any) { emit(colorCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(statusOut, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printIndexDelta reports what an index update changed.
func printIndexDelta(repo string, d index.Delta, elapsed time.Duration) {
	printStatus("Chunks added", "%d (%d reused existing embeddings)", d.Added, d.Reused)
	printStatus("Chunks pruned", "%d", d.Pruned)
	if d.Evicted > 0 {
		printStatus("Stale embeddings evicted", "%d", d.Evicted)
	}
	if d.Failed > 0 {
		printWarning("%d chunks could not be embedded and will be retried on the next update", d.Failed)
		for _, p := range d.FailedPaths {
			printStatus("Context unavailable", "%s", p)
		}
	}
	printSuccess("Index %s at version %d (%s)", repo, d.Version, elapsed.Round(time.Millisecond))
}

// printRunSummary reports the outcome of a review run: findings per
// category and every check that ran degraded.
func printRunSummary(rv pipeline.Review) {
	if rv.Skipped != "" {
		printWarning("Review of %s#%s skipped: %s", rv.Repo, rv.PRID, rv.Skipped)
		return
	}
	counts := map[review.Category]int{}
	for _, f := range rv.Findings {
		counts[f.Category]++
	}
	for _, c := range review.Categories {
		if counts[c] > 0 {
			printStatus(string(c), "%d finding(s)", counts[c])
		}
	}
	for _, d := range rv.Degraded {
		printWarning("%s check degraded: %s", d.Category, d.Reason)
	}
	printSuccess("Run %s reviewed %d file(s) with %d finding(s) in %s",
		rv.RunID, rv.Metrics.FilesProcessed, len(rv.Findings), rv.Metrics.Duration.Round(time.Millisecond))
}

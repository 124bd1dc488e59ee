package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/sentinel/internal/config"
	"github.com/kalambet/sentinel/internal/index"
	"github.com/kalambet/sentinel/internal/pipeline"
	"github.com/kalambet/sentinel/internal/review"
)

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index <repo-path>",
	Short: "Build or refresh the review index of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		repo, _ := cmd.Flags().GetString("repo")
		if repo == "" {
			repo = filepath.Base(root)
		}
		excludes, _ := cmd.Flags().GetStringSlice("exclude")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Reading %s", root)
		snap, err := index.LoadSnapshot(root, excludes)
		if err != nil {
			return err
		}
		printStep("Indexing %d Python files as %q", len(snap), repo)

		start := time.Now()
		delta, err := a.indexer.Update(ctx, repo, snap, index.UpdateOptions{})
		if err != nil {
			return err
		}
		printIndexDelta(repo, delta, time.Since(start))
		return nil
	},
}

func init() {
	indexCmd.Flags().String("repo", "", "repository id (default: directory name)")
	indexCmd.Flags().StringSlice("exclude", nil, "additional glob patterns to skip")
}

// --- review ---

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review pull requests",
}

var reviewRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Review a diff against a checked-out repository",
	Long: `Review a diff against a checked-out repository.

The diff is read from --diff, or from stdin when --diff is "-" or empty.
With --submit the event is queued on the running server instead.

Examples:
  git diff main... | sentinel review run --repo api --pr 42 --repo-path .
  sentinel review run --repo api --pr 42 --repo-path . --diff pr.diff --json
  sentinel review run --repo api --pr 42 --repo-path /src/api --diff pr.diff --submit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := eventFromFlags(cmd, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if submit, _ := cmd.Flags().GetBool("submit"); submit {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			id, err := client.submitEvent(cmd.Context(), ev)
			if err != nil {
				return err
			}
			printSuccess("Queued review job %s", id)
			return nil
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, pipeline.NewWriterPublisher(cmd.OutOrStdout(), asJSON))
		if err != nil {
			return err
		}
		defer a.Close()

		rv, err := a.runner.Run(ctx, ev)
		if err != nil {
			return err
		}
		printRunSummary(rv)
		return nil
	},
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <repo> <pr-id>",
	Short: "Show the latest delivered review of a pull request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body, err := client.latestReview(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		var rv pipeline.Review
		if err := json.Unmarshal(body, &rv); err != nil {
			return fmt.Errorf("decoding review: %w", err)
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return pipeline.NewWriterPublisher(cmd.OutOrStdout(), asJSON).Publish(cmd.Context(), rv)
	},
}

func init() {
	addEventFlags(reviewRunCmd)
	reviewRunCmd.Flags().Bool("json", false, "print the review as JSON")
	reviewRunCmd.Flags().Bool("submit", false, "queue the review on the running server")

	reviewShowCmd.Flags().Bool("json", false, "print the review as JSON")

	reviewCmd.AddCommand(reviewRunCmd)
	reviewCmd.AddCommand(reviewShowCmd)
}

func addEventFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("repo", "", "repository id")
	f.String("pr", "", "pull request id")
	f.String("repo-path", ".", "path to the checked-out source branch")
	f.String("diff", "", `unified diff file ("-" for stdin)`)
	f.String("project", "", "project the repository belongs to")
	f.String("title", "", "pull request title")
	f.String("description", "", "pull request description")
	f.String("branch", "", "source branch name")
	f.Bool("updated", false, "treat the event as a source branch update")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("pr")
}

// eventFromFlags builds a review event from the run flags. stdin is read
// when no diff file is given.
func eventFromFlags(cmd *cobra.Command, stdin io.Reader) (pipeline.Event, error) {
	f := cmd.Flags()
	repo, _ := f.GetString("repo")
	pr, _ := f.GetString("pr")
	repoPath, _ := f.GetString("repo-path")
	diffPath, _ := f.GetString("diff")
	project, _ := f.GetString("project")
	title, _ := f.GetString("title")
	description, _ := f.GetString("description")
	branch, _ := f.GetString("branch")
	updated, _ := f.GetBool("updated")

	var raw []byte
	var err error
	if diffPath == "" || diffPath == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(diffPath)
	}
	if err != nil {
		return pipeline.Event{}, fmt.Errorf("reading diff: %w", err)
	}

	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return pipeline.Event{}, err
	}

	ev := pipeline.Event{
		Kind:        pipeline.EventOpened,
		PRID:        pr,
		Repo:        repo,
		Project:     project,
		Diff:        string(raw),
		Title:       title,
		Description: description,
		BranchName:  branch,
		RepoPath:    abs,
		ReceivedAt:  time.Now().UTC(),
	}
	if updated {
		ev.Kind = pipeline.EventSourceBranchUpdated
	}
	return ev, ev.Validate()
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <comment-id> <rating>",
	Short: "Rate a review comment from 1 (not useful) to 3 (very useful)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := parseRating(args[1])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.sendFeedback(cmd.Context(), args[0], rating); err != nil {
			return err
		}
		printSuccess("Recorded rating %d for comment %s", rating, args[0])
		return nil
	},
}

func parseRating(s string) (int, error) {
	rating, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("rating must be a number: %q", s)
	}
	if rating < review.MinRating || rating > review.MaxRating {
		return 0, fmt.Errorf("rating must be between %d and %d", review.MinRating, review.MaxRating)
	}
	return rating, nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent review runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		runs, err := client.recentRuns(cmd.Context(), repo, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		for _, m := range runs {
			flag := ""
			if m.Degraded != "" {
				flag = colorize(colorYellow, " degraded")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s #%s  %d findings  %d files  %d tokens  %s%s\n",
				colorize(colorCyan, shortID(m.RunID)),
				m.Repo, m.PRID,
				m.Findings, m.FilesProcessed,
				m.TotalTokens(),
				m.Duration.Round(time.Millisecond),
				flag,
			)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().String("repo", "", "only list runs of this repository")
	runsCmd.Flags().Int("limit", 20, "maximum number of runs to list")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(configFile(), key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables the service reads",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configEnvCmd)
}

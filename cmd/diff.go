package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewloop/internal/diff"
	"github.com/joescharf/reviewloop/internal/git"
	"github.com/joescharf/reviewloop/internal/output"
)

var (
	diffInclude  []string
	diffExclude  []string
	diffFormat   string
	diffMaxLines int
	diffContext  int
)

var diffCmd = &cobra.Command{
	Use:   "diff [base] [head]",
	Short: "Analyze the diff a review would see",
	Long: `Analyze the diff between two refs the way the reviewer receives it.

base defaults to the loop config's baseBranch and head to the current
branch. Formats: summary (per-file table), review (reviewer markdown),
context (hunk line ranges with surrounding lines), json.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var base, head string
		if len(args) > 0 {
			base = args[0]
		}
		if len(args) > 1 {
			head = args[1]
		}
		return diffRun(cmd.Context(), base, head)
	},
}

func init() {
	diffCmd.Flags().StringSliceVar(&diffInclude, "include", nil, "Only files matching these globs (** spans directories)")
	diffCmd.Flags().StringSliceVar(&diffExclude, "exclude", nil, "Drop files matching these globs")
	diffCmd.Flags().StringVarP(&diffFormat, "format", "f", "summary", "Output format: summary, review, context, json")
	diffCmd.Flags().IntVar(&diffMaxLines, "max-lines", 0, "Cap the hunk lines of the review format (0: no cap)")
	diffCmd.Flags().IntVar(&diffContext, "context", 3, "Lines around each hunk for the context format")
	rootCmd.AddCommand(diffCmd)
}

func diffRun(ctx context.Context, base, head string) error {
	s, project, err := openStore(ctx)
	if err != nil {
		return err
	}
	gc := git.NewClient()
	if base == "" {
		cfg, err := s.ReadConfig(ctx)
		if err != nil {
			return err
		}
		base = cfg.BaseBranch
	}
	if head == "" {
		if head, err = gc.CurrentBranch(ctx, project); err != nil {
			return err
		}
	}

	text, err := gc.Diff(ctx, project, base, head)
	if err != nil {
		return err
	}
	d, err := diff.FilterByPatterns(diff.Parse(text), diffInclude, diffExclude)
	if err != nil {
		return err
	}
	return renderDiff(d, diffFormat)
}

func renderDiff(d *diff.Analyzed, format string) error {
	switch format {
	case "summary":
		if len(d.Files) == 0 {
			ui.Info("No changes.")
			return nil
		}
		table := ui.Table([]string{"FILE", "CHANGE", "+", "-"})
		for _, f := range d.Files {
			name := f.Path
			if f.OldPath != "" && f.OldPath != f.Path {
				name = f.OldPath + " -> " + f.Path
			}
			if err := table.Append([]string{
				output.Cyan(name), string(f.ChangeType), strconv.Itoa(f.Additions()), strconv.Itoa(f.Deletions()),
			}); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
		fmt.Fprintln(ui.Out, d.Summary)
	case "review":
		fmt.Fprint(ui.Out, diff.FormatForReview(d, diff.ReviewFormatOptions{MaxLines: diffMaxLines}))
	case "context":
		for _, c := range diff.ExtractCodeContext(d, diff.ContextOptions{LinesBefore: diffContext, LinesAfter: diffContext}) {
			fmt.Fprintf(ui.Out, "%s:%d-%d\n%s\n", output.Cyan(c.File), c.StartLine, c.EndLine, c.Content)
		}
	case "json":
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	default:
		return fmt.Errorf("unknown format %q (want summary, review, context or json)", format)
	}
	return nil
}

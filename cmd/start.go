package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewloop/internal/git"
	"github.com/joescharf/reviewloop/internal/loop"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/output"
)

var (
	startBranch      string
	startBase        string
	startTitle       string
	startDescription string
	startWorktree    string
)

var startCmd = &cobra.Command{
	Use:   "start <feature>",
	Short: "Run self-review and refinement for a feature, then open its PR",
	Long: `Start a review loop session for a feature branch.

The branch diff is reviewed, blocking issues are handed to the fixer, and
the cycle repeats until the quality gate passes or the iteration cap is
reached. The PR is then opened and, when 'reviewloop serve' is running,
handed to its PR monitors.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return startRun(cmd.Context(), args[0])
	},
}

func init() {
	startCmd.Flags().StringVarP(&startBranch, "branch", "b", "", "Feature branch (default: current branch of the worktree)")
	startCmd.Flags().StringVar(&startBase, "base", "", "Base branch to diff against (default: loop config baseBranch)")
	startCmd.Flags().StringVarP(&startTitle, "title", "t", "", "Feature title, used for the PR")
	startCmd.Flags().StringVarP(&startDescription, "description", "d", "", "Feature description handed to the reviewer")
	startCmd.Flags().StringVarP(&startWorktree, "worktree", "w", "", "Worktree holding the feature (default: project directory)")
	rootCmd.AddCommand(startCmd)
}

func startRun(ctx context.Context, featureID string) error {
	project, err := projectDir(ctx)
	if err != nil {
		return err
	}
	req := loop.StartRequest{
		FeatureID:    featureID,
		Title:        startTitle,
		Description:  startDescription,
		Branch:       startBranch,
		BaseBranch:   startBase,
		ProjectPath:  project,
		WorktreePath: startWorktree,
	}
	if req.WorktreePath != "" {
		if req.WorktreePath, err = filepath.Abs(req.WorktreePath); err != nil {
			return err
		}
	}
	if req.Branch == "" {
		dir := req.WorktreePath
		if dir == "" {
			dir = project
		}
		if req.Branch, err = git.NewClient().CurrentBranch(ctx, dir); err != nil {
			return fmt.Errorf("detect branch (use --branch): %w", err)
		}
	}
	if req.Title == "" {
		req.Title = featureID
	}

	if dryRun {
		ui.DryRunMsg("Would start review loop for %s on %s", output.Cyan(featureID), req.Branch)
		return nil
	}

	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ui.Info("Starting review loop for %s (%s)", output.Cyan(featureID), req.Branch)
	sess, err := a.loop.StartLoop(ctx, req)
	return reportSession(ctx, sess, err)
}

// reportSession prints the outcome of an operation that advances a session
// and hands sessions with a PR to the running server.
func reportSession(ctx context.Context, sess *models.Session, err error) error {
	if err != nil {
		var stageErr *loop.StageError
		if errors.As(err, &stageErr) && sess != nil {
			ui.Error("%s failed during %s; session is %s", sess.FeatureID, stageErr.Stage, output.StateColor(sess.State))
			ui.Info("Fix the cause and run %s", output.Cyan("reviewloop retry "+sess.FeatureID))
		}
		return err
	}

	ui.Success("%s is %s", sess.FeatureID, output.StateColor(sess.State))
	if len(sess.UnresolvedIssues) > 0 {
		ui.Warning("%d issue(s) left unresolved at the iteration cap", len(sess.UnresolvedIssues))
	}
	if sess.PRURL != "" {
		ui.Info("PR: %s", sess.PRURL)
	}
	if needsMonitoring(sess) {
		notifyDaemon(ctx, sess.FeatureID)
	}
	return nil
}

func needsMonitoring(sess *models.Session) bool {
	if sess.PRNumber == 0 {
		return false
	}
	switch sess.State {
	case models.StatePRCreated, models.StateAwaitingPRFeedback, models.StateReadyForHumanReview:
		return true
	}
	return false
}

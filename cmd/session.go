package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	ilog "github.com/joescharf/reviewloop/internal/log"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/output"
	"github.com/joescharf/reviewloop/internal/store"
)

var (
	statusWatch  bool
	listState    string
	listArchived bool
	skipPR       int
	skipURL      string
	archiveDays  int
)

var statusCmd = &cobra.Command{
	Use:   "status [feature]",
	Short: "Show one session in detail, or all sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var featureID string
		if len(args) > 0 {
			featureID = args[0]
		}
		return statusRun(cmd.Context(), featureID)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List review loop sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRun(cmd.Context())
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <feature>",
	Short: "Resume a session from its current state after a failure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOpRun(cmd.Context(), "retry", args[0])
	},
}

var skipToPRCmd = &cobra.Command{
	Use:   "skip-to-pr <feature>",
	Short: "Bypass self-review and open or link the PR",
	Long: `Bypass self-review for a session. With --pr the existing pull request is
linked; otherwise one is opened for the feature branch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return skipToPRRun(cmd.Context(), args[0])
	},
}

var forceRefineCmd = &cobra.Command{
	Use:   "force-refine <feature>",
	Short: "Run the fixer on the latest review's issues",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOpRun(cmd.Context(), "force-refine", args[0])
	},
}

var forceReadyCmd = &cobra.Command{
	Use:   "force-ready <feature>",
	Short: "Mark a session ready for human review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOpRun(cmd.Context(), "force-ready", args[0])
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <feature>",
	Short: "Record human approval of a session ready for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOpRun(cmd.Context(), "approve", args[0])
	},
}

var linkPRCmd = &cobra.Command{
	Use:   "link-pr <feature> <number> <url>",
	Short: "Attach an existing pull request to a session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.Atoi(args[1])
		if err != nil || number <= 0 {
			return fmt.Errorf("invalid PR number %q", args[1])
		}
		return linkPRRun(cmd.Context(), args[0], number, args[2])
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move completed sessions into the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return archiveRun(cmd.Context(), cmd.Flags().Changed("days"))
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Re-render whenever session files change")
	listCmd.Flags().StringVarP(&listState, "state", "s", "", "Only list sessions in this state")
	listCmd.Flags().BoolVar(&listArchived, "archived", false, "List archived sessions instead")
	skipToPRCmd.Flags().IntVar(&skipPR, "pr", 0, "Existing PR number to link")
	skipToPRCmd.Flags().StringVar(&skipURL, "url", "", "URL of the existing PR")
	archiveCmd.Flags().IntVar(&archiveDays, "days", 0, "Archive sessions completed more than N days ago (default: loop config archiveAfterDays)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(skipToPRCmd)
	rootCmd.AddCommand(forceRefineCmd)
	rootCmd.AddCommand(forceReadyCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(linkPRCmd)
	rootCmd.AddCommand(archiveCmd)
}

func statusRun(ctx context.Context, featureID string) error {
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	render := func() error { return renderStatus(ctx, s, featureID) }
	if err := render(); err != nil {
		return err
	}
	if !statusWatch {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()
	return watchSessions(ctx, s.SessionsDir(), sessionFileMatcher(featureID), func() error {
		fmt.Fprint(ui.Out, "\033[H\033[2J")
		return render()
	})
}

func renderStatus(ctx context.Context, s store.Store, featureID string) error {
	if featureID == "" {
		sessions, err := s.List(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			ui.Info("No review loop sessions.")
			return nil
		}
		return ui.SessionTable(sessions)
	}
	sess, err := s.Get(ctx, featureID)
	if err != nil {
		return err
	}
	return ui.SessionDetail(sess)
}

// sessionFileMatcher selects the session files a status view depends on.
func sessionFileMatcher(featureID string) func(name string) bool {
	if featureID != "" {
		want := featureID + ".json"
		return func(name string) bool { return name == want }
	}
	return func(name string) bool {
		return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
	}
}

// watchSessions calls render after changes to matching files in dir settle,
// until ctx is done.
func watchSessions(ctx context.Context, dir string, match func(name string) bool, render func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	debounce := time.NewTimer(0)
	<-debounce.C

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !match(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			if err := render(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ilog.Warn("session watcher", "error", err)
		}
	}
}

func listRun(ctx context.Context) error {
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}

	var sessions []*models.Session
	switch {
	case listArchived:
		sessions, err = s.ListArchived(ctx)
	case listState != "":
		state := models.State(listState)
		if !state.IsValid() {
			return fmt.Errorf("unknown state %q", listState)
		}
		sessions, err = s.ListByState(ctx, state)
	default:
		sessions, err = s.List(ctx)
	}
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions found.")
		return nil
	}
	return ui.SessionTable(sessions)
}

// sessionOpRun runs one of the single-argument session overrides.
func sessionOpRun(ctx context.Context, op, featureID string) error {
	if dryRun {
		ui.DryRunMsg("Would %s %s", op, output.Cyan(featureID))
		return nil
	}
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	var sess *models.Session
	switch op {
	case "retry":
		sess, err = a.loop.Retry(ctx, featureID)
	case "force-refine":
		sess, err = a.loop.ForceRefine(ctx, featureID)
	case "force-ready":
		sess, err = a.loop.ForceReady(ctx, featureID)
	case "approve":
		sess, err = a.loop.Approve(ctx, featureID)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	return reportSession(ctx, sess, err)
}

func skipToPRRun(ctx context.Context, featureID string) error {
	if skipPR < 0 {
		return fmt.Errorf("invalid PR number %d", skipPR)
	}
	if dryRun {
		if skipPR > 0 {
			ui.DryRunMsg("Would link PR #%d to %s", skipPR, output.Cyan(featureID))
		} else {
			ui.DryRunMsg("Would open a PR for %s", output.Cyan(featureID))
		}
		return nil
	}
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.loop.SkipToPR(ctx, featureID, skipPR, skipURL)
	return reportSession(ctx, sess, err)
}

func linkPRRun(ctx context.Context, featureID string, number int, url string) error {
	if dryRun {
		ui.DryRunMsg("Would link PR #%d to %s", number, output.Cyan(featureID))
		return nil
	}
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.loop.LinkPR(ctx, featureID, number, url)
	return reportSession(ctx, sess, err)
}

func archiveRun(ctx context.Context, daysSet bool) error {
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	days := archiveDays
	if !daysSet {
		cfg, err := s.ReadConfig(ctx)
		if err != nil {
			return err
		}
		days = cfg.ArchiveAfterDays
	}
	if days < 0 {
		return fmt.Errorf("--days must not be negative")
	}
	olderThan := time.Duration(days) * 24 * time.Hour

	if dryRun {
		ui.DryRunMsg("Would archive sessions completed more than %d day(s) ago", days)
		return nil
	}
	ids, err := s.ArchiveCompleted(ctx, olderThan)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ui.Info("Nothing to archive.")
		return nil
	}
	for _, id := range ids {
		ui.Success("Archived %s", output.Cyan(id))
	}
	return nil
}

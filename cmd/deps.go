package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/reviewloop/internal/daemon"
	"github.com/joescharf/reviewloop/internal/events"
	"github.com/joescharf/reviewloop/internal/git"
	"github.com/joescharf/reviewloop/internal/golang"
	"github.com/joescharf/reviewloop/internal/llm"
	ilog "github.com/joescharf/reviewloop/internal/log"
	"github.com/joescharf/reviewloop/internal/loop"
	"github.com/joescharf/reviewloop/internal/monitor"
	"github.com/joescharf/reviewloop/internal/output"
	"github.com/joescharf/reviewloop/internal/store"
)

// stateDirName is the per-project directory holding sessions and the loop
// configuration.
const stateDirName = ".reviewloop"

// projectDir resolves the project repository: the project setting, or the
// repository containing the working directory.
func projectDir(ctx context.Context) (string, error) {
	if p := viper.GetString("project"); p != "" {
		return filepath.Abs(p)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root, err := git.NewClient().RepoRoot(ctx, cwd)
	if err != nil {
		return "", fmt.Errorf("not inside a git repository (use --project): %w", err)
	}
	return root, nil
}

// openStore opens the session store of the current project.
func openStore(ctx context.Context) (*store.FileStore, string, error) {
	project, err := projectDir(ctx)
	if err != nil {
		return nil, "", err
	}
	s, err := store.NewFileStore(filepath.Join(project, stateDirName))
	if err != nil {
		return nil, "", fmt.Errorf("open session store: %w", err)
	}
	return s, project, nil
}

// openJournal opens and migrates the event journal, scoped to the current
// project.
func openJournal(ctx context.Context) (*store.Journal, error) {
	project, err := projectDir(ctx)
	if err != nil {
		return nil, err
	}
	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j, err := store.NewJournal(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := j.Migrate(ctx); err != nil {
		ilog.CloseError("journal", j.Close())
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j.ForProject(project), nil
}

// app is the wired review loop for one command invocation.
type app struct {
	project string
	store   *store.FileStore
	journal *store.Journal
	bus     *events.Bus
	git     *git.RealClient
	gh      *git.RealGitHubClient
	loop    *loop.Orchestrator
	printer *output.EventPrinter
}

type appOptions struct {
	// monitors wires the feedback and merge monitors. Only long-running
	// processes can keep them alive.
	monitors bool
	// quiet skips printing events to the terminal.
	quiet bool
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	s, project, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	j, err := openJournal(ctx)
	if err != nil {
		return nil, err
	}

	a := &app{
		project: project,
		store:   s,
		journal: j,
		bus:     events.NewBus(),
		git:     git.NewClient(),
		gh:      git.NewGitHubClient(),
	}
	a.bus.SubscribeAll(events.JournalHandler(j))
	if !opts.quiet {
		a.printer = output.NewEventPrinter(ui)
		a.bus.SubscribeAll(a.printer.Handle)
	}

	deps := loop.Deps{
		Store:     s,
		Git:       a.git,
		Reviewer:  llm.NewReviewer(llm.DefaultReviewerConfig()),
		Fixer:     llm.NewFixer(llm.DefaultFixerConfig()),
		PRCreator: a.gh,
		Publisher: a.bus,
		Logger:    ilog.Logger,
	}
	if viper.GetBool("fixer.heuristic_fallback") {
		deps.Classifier = loop.HeuristicClassifier{}
	}
	if viper.GetBool("metrics.coverage") {
		deps.Metrics = golang.NewCoverageProvider()
	}

	if opts.monitors {
		cfg, err := s.ReadConfig(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		mcfg := monitor.Config{PollInterval: cfg.PollInterval(), MaxConcurrent: cfg.MaxConcurrentPRs}
		deps.Feedback = monitor.NewFeedbackMonitor(a.gh, a.bus, mcfg, ilog.Logger)
		deps.Merge = monitor.NewMergeMonitor(a.gh, a.git, j, a.bus, monitor.MergeConfig{
			Config:       mcfg,
			TargetBranch: cfg.TargetBranch,
			AutoPull:     cfg.AutoPullOnMerge,
			AutoCleanup:  cfg.AutoCleanupWorktrees,
			MergedStatus: cfg.MergedFeatureStatus,
		}, ilog.Logger)
	}

	a.loop = loop.New(deps)
	if opts.monitors {
		a.loop.Subscribe(a.bus)
	}
	return a, nil
}

// Close stops the orchestrator and closes the journal.
func (a *app) Close() {
	if a.loop != nil {
		a.loop.Shutdown()
	}
	a.bus.Clear()
	ilog.CloseError("journal", a.journal.Close())
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(viper.GetString("serve.pid_file"))
}

// notifyDaemon asks a running server to pick up a session whose PR it
// should monitor. Without a server the user is told how to start one.
func notifyDaemon(ctx context.Context, featureID string) {
	info, running := pidFile().IsRunning()
	if !running || info.Addr == "" {
		ui.Info("Run %s to monitor the PR", output.Cyan("reviewloop serve"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := "http://" + info.Addr + "/api/v1/sessions/" + featureID + "/retry"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		ui.Warning("Notify server: %v", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ui.Warning("Notify server at %s: %v", info.Addr, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		ui.Warning("Server at %s could not monitor %s: %s", info.Addr, featureID, resp.Status)
		return
	}
	ui.VerboseLog("Server (pid %s) is monitoring %s", strconv.Itoa(info.PID), featureID)
}

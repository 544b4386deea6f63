package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reviewloop/internal/api"
	"github.com/joescharf/reviewloop/internal/daemon"
	ilog "github.com/joescharf/reviewloop/internal/log"
	"github.com/joescharf/reviewloop/internal/output"
)

var serveBackground bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the PR monitors and the REST API",
	Long: `Run the review loop server for the current project.

Monitors are resumed for every session that has an open PR, reviewer
feedback is routed back into refinement, and merges are followed up. The
REST API listens on 127.0.0.1 at --port (default 8420). Stop the server with
Ctrl-C or 'reviewloop serve stop'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveBackground {
			return serveBackgroundRun()
		}
		return serveStartRun(cmd.Context())
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8420, "Port to listen on")
	serveCmd.Flags().BoolVarP(&serveBackground, "background", "d", false, "Detach and log to the serve log file")
	_ = viper.BindPFlag("serve.port", serveCmd.Flags().Lookup("port"))

	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "reviewloop-serve.log")
}

func serveStartRun(ctx context.Context) error {
	pf := pidFile()
	if info, running := pf.IsRunning(); running && info.PID != os.Getpid() {
		return fmt.Errorf("%w (pid %d, %s)", daemon.ErrAlreadyRunning, info.PID, info.Addr)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(viper.GetInt("serve.port"))))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	addr := ln.Addr().String()
	if err := pf.Acquire(addr); err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			ilog.Warn("release PID file", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	a, err := openApp(ctx, appOptions{monitors: true})
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer a.Close()

	n, err := a.loop.ResumeMonitoring(ctx)
	if err != nil {
		ui.Warning("Some sessions could not be resumed: %v", err)
	}
	ui.Info("Monitoring %d session(s) in %s", n, output.Cyan(a.project))

	srv := &http.Server{
		Handler:           api.NewServer(a.store, a.loop, a.journal).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	ui.Success("Serving API at http://%s/api/v1", addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	ui.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		ilog.Warn("http shutdown", "error", err)
	}
	return nil
}

// serveBackgroundRun starts a detached copy of this process running serve.
func serveBackgroundRun() error {
	if info, running := pidFile().IsRunning(); running {
		return fmt.Errorf("%w (pid %d, %s)", daemon.ErrAlreadyRunning, info.PID, info.Addr)
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"serve", "--port", strconv.Itoa(viper.GetInt("serve.port"))}
	if p := viper.GetString("project"); p != "" {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		args = append(args, "--project", abs)
	} else {
		project, err := projectDir(context.Background())
		if err != nil {
			return err
		}
		args = append(args, "--project", project)
	}
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		args = append(args, "--config", cfg)
	}

	logPath := serveLogPath()
	if dryRun {
		ui.DryRunMsg("Would run %s %v, logging to %s", exe, args, logPath)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open serve log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	c := exec.Command(exe, args...)
	c.Stdout = logFile
	c.Stderr = logFile
	setDaemonAttrs(c)
	if err := c.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	ui.Success("Server started (pid %d), logging to %s", c.Process.Pid, logPath)
	return c.Process.Release()
}

func serveStopRun() error {
	pf := pidFile()
	info, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("reviewloop server is not running")
	}
	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", info.PID)
		return nil
	}
	if err := pf.Stop(); err != nil {
		return err
	}
	ui.Success("Stopped server (pid %d)", info.PID)
	return nil
}

func serveStatusRun() error {
	info, running := pidFile().IsRunning()
	if !running {
		ui.Info("Server: %s", output.Yellow("not running"))
		return nil
	}
	ui.Info("Server: %s (pid %d)", output.Green("running"), info.PID)
	if info.Addr != "" {
		ui.Info("API: http://%s/api/v1", info.Addr)
	}
	return nil
}

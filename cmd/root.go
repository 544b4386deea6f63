package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	ilog "github.com/joescharf/reviewloop/internal/log"
	"github.com/joescharf/reviewloop/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	dryRun  bool
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "reviewloop",
	Short: "Automated self-review and PR feedback loop for AI-built features",
	Long: `reviewloop drives a feature branch through automated self-review and
refinement, opens a pull request once the quality gate passes, and then
watches the PR, routing reviewer comments and failing checks back into
refinement until the change is ready for a human.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/reviewloop/config.yaml)")
	rootCmd.PersistentFlags().String("project", "", "Project repository (default: repository containing the working directory)")
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if dir, err := configDirFunc(); err == nil {
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	} else {
		fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
		os.Exit(1)
	}

	viper.SetEnvPrefix("REVIEWLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers a default for every configuration key.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "reviewloop.db"))
	viper.SetDefault("log_level", "info")
	viper.SetDefault("project", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("fixer.command", "claude")
	viper.SetDefault("fixer.model", "")
	viper.SetDefault("fixer.allowed_tools", "Read Write Edit Glob Grep Bash(git:*) Bash(make:*) Bash(go:*)")
	viper.SetDefault("fixer.heuristic_fallback", false)
	viper.SetDefault("metrics.coverage", true)
	viper.SetDefault("serve.port", 8420)
	viper.SetDefault("serve.pid_file", filepath.Join(stateDir, "reviewloop-serve.pid"))
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := viper.GetString("log_level")
	if verbose {
		level = "debug"
	}
	if !ilog.SetLevelString(level) {
		ui.Warning("Unknown log_level %q, using info", level)
	}
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "reviewloop"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage reviewloop configuration.

Process settings live in ~/.config/reviewloop/config.yaml. The review loop
settings of a project (iteration cap, severity threshold, quality gate) live
in <project>/.reviewloop/config.json; see 'reviewloop config loop'.

Running bare 'reviewloop config' is the same as 'reviewloop config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

var configLoopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Show the review loop settings of the current project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configLoopRun(cmd.Context())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configLoopCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# reviewloop configuration
# See: reviewloop config show (for effective values and sources)

# State/data directory (default: ~/.config/reviewloop)
# state_dir: {{ .StateDir }}

# SQLite event journal path (default: ~/.config/reviewloop/reviewloop.db)
# db_path: {{ .DBPath }}

# Log level: debug, info, warn, error (default: info)
log_level: {{ .LogLevel }}

# Anthropic reviewer
anthropic:
  # API key (default: $ANTHROPIC_API_KEY)
  api_key: "{{ .AnthropicAPIKey }}"

  # Model used for self-review (default: "claude-sonnet-4-5")
  model: "{{ .AnthropicModel }}"

# Fixer (claude CLI run in the feature worktree)
fixer:
  # Command to run (default: "claude")
  command: "{{ .FixerCommand }}"

  # Model passed to the fixer (default: the CLI's own default)
  model: "{{ .FixerModel }}"

  # Tools the fixer may use, space separated
  allowed_tools: "{{ .FixerAllowedTools }}"

  # Match addressed issues from fixer notes when no IDs are reported (default: false)
  heuristic_fallback: {{ .FixerHeuristic }}

# Quality gate metrics
metrics:
  # Measure Go test coverage in the worktree before gating (default: true)
  coverage: {{ .MetricsCoverage }}

# REST API server and PR monitors
serve:
  # Port for 'reviewloop serve' (default: 8420)
  port: {{ .ServePort }}
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	LogLevel          string
	AnthropicAPIKey   string
	AnthropicModel    string
	FixerCommand      string
	FixerModel        string
	FixerAllowedTools string
	FixerHeuristic    bool
	MetricsCoverage   bool
	ServePort         int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		LogLevel:          viper.GetString("log_level"),
		AnthropicAPIKey:   viper.GetString("anthropic.api_key"),
		AnthropicModel:    viper.GetString("anthropic.model"),
		FixerCommand:      viper.GetString("fixer.command"),
		FixerModel:        viper.GetString("fixer.model"),
		FixerAllowedTools: viper.GetString("fixer.allowed_tools"),
		FixerHeuristic:    viper.GetBool("fixer.heuristic_fallback"),
		MetricsCoverage:   viper.GetBool("metrics.coverage"),
		ServePort:         viper.GetInt("serve.port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "REVIEWLOOP_STATE_DIR"},
	{Key: "db_path", EnvVar: "REVIEWLOOP_DB_PATH"},
	{Key: "log_level", EnvVar: "REVIEWLOOP_LOG_LEVEL"},
	{Key: "project", EnvVar: "REVIEWLOOP_PROJECT"},
	{Key: "anthropic.api_key", EnvVar: "REVIEWLOOP_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "REVIEWLOOP_ANTHROPIC_MODEL"},
	{Key: "fixer.command", EnvVar: "REVIEWLOOP_FIXER_COMMAND"},
	{Key: "fixer.model", EnvVar: "REVIEWLOOP_FIXER_MODEL"},
	{Key: "fixer.allowed_tools", EnvVar: "REVIEWLOOP_FIXER_ALLOWED_TOOLS"},
	{Key: "fixer.heuristic_fallback", EnvVar: "REVIEWLOOP_FIXER_HEURISTIC_FALLBACK"},
	{Key: "metrics.coverage", EnvVar: "REVIEWLOOP_METRICS_COVERAGE"},
	{Key: "serve.port", EnvVar: "REVIEWLOOP_SERVE_PORT"},
	{Key: "serve.pid_file", EnvVar: "REVIEWLOOP_SERVE_PID_FILE"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Key == "anthropic.api_key" && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'reviewloop config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}

func configLoopRun(ctx context.Context) error {
	s, project, err := openStore(ctx)
	if err != nil {
		return err
	}
	cfg, err := s.ReadConfig(ctx)
	if err != nil {
		return err
	}
	ui.Info("Loop config: %s", filepath.Join(project, stateDirName, "config.json"))
	fmt.Fprintln(ui.Out)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, string(data))
	return nil
}

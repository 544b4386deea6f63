package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/viper"

	"github.com/joescharf/reviewloop/internal/loop"
)

// FixerConfig configures the claude CLI fixer.
type FixerConfig struct {
	Command      string
	Model        string
	AllowedTools []string
}

// DefaultFixerConfig returns the fixer config, reading from viper when available.
func DefaultFixerConfig() FixerConfig {
	command := viper.GetString("fixer.command")
	if command == "" {
		command = "claude"
	}

	allowedTools := viper.GetString("fixer.allowed_tools")
	if allowedTools == "" {
		allowedTools = "Read Write Edit Glob Grep Bash(git:*) Bash(make:*) Bash(go:*)"
	}

	var tools []string
	for _, t := range strings.Split(allowedTools, " ") {
		t = strings.TrimSpace(t)
		if t != "" {
			tools = append(tools, t)
		}
	}

	return FixerConfig{
		Command:      command,
		Model:        viper.GetString("fixer.model"),
		AllowedTools: tools,
	}
}

// Fixer implements loop.Fixer by running claude non-interactively in the
// feature's work directory.
type Fixer struct {
	cfg FixerConfig
	run func(ctx context.Context, dir, name string, args ...string) (string, error)
}

// NewFixer creates a Fixer.
func NewFixer(cfg FixerConfig) *Fixer {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &Fixer{cfg: cfg, run: runCmd}
}

func runCmd(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}

// buildArgs constructs the claude CLI arguments.
func (f *Fixer) buildArgs(systemPrompt, kickoff string) []string {
	args := []string{"-p", "--output-format", "json"}
	if f.cfg.Model != "" {
		args = append(args, "--model", f.cfg.Model)
	}
	for _, tool := range f.cfg.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	args = append(args, "--append-system-prompt", systemPrompt)
	args = append(args, kickoff)
	return args
}

// Refine runs claude over the issues and reports what it fixed.
func (f *Fixer) Refine(ctx context.Context, req loop.FixRequest) (*loop.FixResult, error) {
	dir := req.Feature.WorkDir()
	if dir == "" {
		return nil, fmt.Errorf("feature %s has no work directory", req.Feature.FeatureID)
	}
	systemPrompt, kickoff := buildFixPrompt(req)
	out, err := f.run(ctx, dir, f.cfg.Command, f.buildArgs(systemPrompt, kickoff)...)
	if err != nil {
		return nil, err
	}
	return parseFixOutput(out)
}

// cliResult is the envelope printed by claude --output-format json.
type cliResult struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// parseFixOutput reads the claude envelope and the JSON report inside it.
// A report that is not JSON becomes the notes.
func parseFixOutput(out string) (*loop.FixResult, error) {
	text := strings.TrimSpace(out)
	var env cliResult
	if err := json.Unmarshal([]byte(text), &env); err == nil && env.Type != "" {
		if env.IsError {
			return nil, fmt.Errorf("claude reported an error: %s", strings.TrimSpace(env.Result))
		}
		text = env.Result
	}

	text = stripFences(text)
	if res, ok := decodeFixResult(text); ok {
		return res, nil
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		if res, ok := decodeFixResult(text[i : j+1]); ok {
			if res.Notes == "" {
				res.Notes = strings.TrimSpace(text[:i])
			}
			return res, nil
		}
	}
	return &loop.FixResult{AddressedIDs: []string{}, UnaddressedIDs: []string{}, Notes: text}, nil
}

func decodeFixResult(text string) (*loop.FixResult, bool) {
	var res loop.FixResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return nil, false
	}
	if res.AddressedIDs == nil {
		res.AddressedIDs = []string{}
	}
	if res.UnaddressedIDs == nil {
		res.UnaddressedIDs = []string{}
	}
	return &res, true
}

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewloop/internal/gate"
	"github.com/joescharf/reviewloop/internal/models"
)

var (
	gateThreshold   string
	gateCoverage    float64
	gateDuplication float64
	gateComplexity  []string
	gateJSON        bool
)

// errGateFailed makes a blocking verdict exit non-zero.
var errGateFailed = errors.New("quality gate failed")

var gateCmd = &cobra.Command{
	Use:   "gate <review.json|feature>",
	Short: "Evaluate the quality gate for a review result or a session",
	Long: `Evaluate the quality gate.

The argument is either a JSON file holding a review result ({"verdict",
"issues", "summary"}) or the feature ID of a session, whose latest review is
evaluated. Thresholds come from the project's loop config. The command
exits non-zero when the gate blocks the PR.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics, err := gateMetrics(cmd)
		if err != nil {
			return err
		}
		return gateRun(cmd.Context(), args[0], metrics)
	},
}

func init() {
	gateCmd.Flags().StringVar(&gateThreshold, "threshold", "", "Severity threshold: critical, high, medium, low (default: loop config)")
	gateCmd.Flags().Float64Var(&gateCoverage, "coverage", 0, "Test coverage percentage")
	gateCmd.Flags().Float64Var(&gateDuplication, "duplication", 0, "Duplicated code percentage")
	gateCmd.Flags().StringSliceVar(&gateComplexity, "complexity", nil, "Cyclomatic complexity per file as file=n (repeatable)")
	gateCmd.Flags().BoolVar(&gateJSON, "json", false, "Print the gate result as JSON")
	rootCmd.AddCommand(gateCmd)
}

// gateMetrics builds metrics from the flags that were set, or nil when none
// were.
func gateMetrics(cmd *cobra.Command) (*gate.Metrics, error) {
	var m *gate.Metrics
	ensure := func() *gate.Metrics {
		if m == nil {
			m = &gate.Metrics{}
		}
		return m
	}
	if cmd.Flags().Changed("coverage") {
		v := gateCoverage
		ensure().TestCoverage = &v
	}
	if cmd.Flags().Changed("duplication") {
		v := gateDuplication
		ensure().Duplication = &v
	}
	if len(gateComplexity) > 0 {
		c, err := parseComplexity(gateComplexity)
		if err != nil {
			return nil, err
		}
		ensure().Complexity = c
	}
	return m, nil
}

func parseComplexity(pairs []string) (map[string]int, error) {
	out := make(map[string]int, len(pairs))
	for _, p := range pairs {
		file, n, ok := strings.Cut(p, "=")
		if !ok || file == "" {
			return nil, fmt.Errorf("invalid complexity %q (want file=n)", p)
		}
		v, err := strconv.Atoi(n)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid complexity %q (want file=n)", p)
		}
		out[file] = v
	}
	return out, nil
}

// loadReviewResult reads a review result file. Issues with unknown severity
// are rejected so a typo cannot pass the gate.
func loadReviewResult(path string) (*models.ReviewResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r models.ReviewResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, is := range r.Issues {
		if !is.Severity.IsValid() {
			return nil, fmt.Errorf("issue %s: unknown severity %q", is.ID, is.Severity)
		}
	}
	return &r, nil
}

func gateRun(ctx context.Context, arg string, metrics *gate.Metrics) error {
	var threshold models.Severity
	if gateThreshold != "" {
		threshold = models.Severity(gateThreshold)
		if !threshold.IsValid() {
			return fmt.Errorf("unknown severity threshold %q", gateThreshold)
		}
	}

	var (
		res *gate.Result
		err error
	)
	if _, statErr := os.Stat(arg); statErr == nil {
		res, err = gateFile(ctx, arg, threshold, metrics)
	} else {
		res, err = gateSession(ctx, arg, threshold, metrics)
	}
	if err != nil {
		return err
	}

	if gateJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if err := ui.GateResult(res); err != nil {
		return err
	}
	if res.ShouldBlockPR {
		return errGateFailed
	}
	return nil
}

func gateFile(ctx context.Context, path string, threshold models.Severity, metrics *gate.Metrics) (*gate.Result, error) {
	r, err := loadReviewResult(path)
	if err != nil {
		return nil, err
	}
	cfg := models.DefaultLoopConfig()
	if s, _, err := openStore(ctx); err == nil {
		if cfg, err = s.ReadConfig(ctx); err != nil {
			return nil, err
		}
	}
	if threshold == "" {
		threshold = cfg.SeverityThreshold
	}
	return gate.Evaluate(r.Issues, cfg.QualityGate, threshold, metrics), nil
}

func gateSession(ctx context.Context, featureID string, threshold models.Severity, metrics *gate.Metrics) (*gate.Result, error) {
	if threshold == "" {
		a, err := openApp(ctx, appOptions{quiet: true})
		if err != nil {
			return nil, err
		}
		defer a.Close()
		return a.loop.Evaluate(ctx, featureID, metrics)
	}

	// An explicit threshold overrides the project config, so evaluate here.
	s, _, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := s.Get(ctx, featureID)
	if err != nil {
		return nil, err
	}
	r := sess.LatestResult()
	if r == nil {
		return nil, fmt.Errorf("session %s has no review results", featureID)
	}
	cfg, err := s.ReadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return gate.Evaluate(r.Issues, cfg.QualityGate, threshold, metrics), nil
}

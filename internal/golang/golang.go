// Package golang measures Go projects for the quality gate.
package golang

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joescharf/reviewloop/internal/gate"
	"github.com/joescharf/reviewloop/internal/models"
)

// IsGoProject returns true if the path contains a go.mod file.
func IsGoProject(path string) bool {
	_, err := os.Stat(filepath.Join(path, "go.mod"))
	return err == nil
}

// CoverageProvider supplies test coverage for Go features by running
// go test with a cover profile in the feature's work directory. Other
// projects get no metrics.
type CoverageProvider struct {
	Packages []string
	run      func(ctx context.Context, dir string, args ...string) error
}

// NewCoverageProvider returns a provider that covers ./... by default.
func NewCoverageProvider(packages ...string) *CoverageProvider {
	if len(packages) == 0 {
		packages = []string{"./..."}
	}
	return &CoverageProvider{Packages: packages, run: goCmd}
}

func goCmd(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("go %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Metrics implements loop.MetricsProvider.
func (p *CoverageProvider) Metrics(ctx context.Context, feature models.FeatureMeta) (*gate.Metrics, error) {
	dir := feature.WorkDir()
	if dir == "" || !IsGoProject(dir) {
		return nil, nil
	}

	f, err := os.CreateTemp("", "reviewloop-cover-*.out")
	if err != nil {
		return nil, fmt.Errorf("create cover profile: %w", err)
	}
	profile := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(profile) }()

	args := append([]string{"test", "-coverprofile=" + profile}, p.Packages...)
	if err := p.run(ctx, dir, args...); err != nil {
		// Failing tests still write a profile; a missing one means the build broke.
		if st, serr := os.Stat(profile); serr != nil || st.Size() == 0 {
			return nil, err
		}
	}

	cov, err := ParseCoverProfile(profile)
	if err != nil {
		return nil, err
	}
	return &gate.Metrics{TestCoverage: &cov}, nil
}

// ParseCoverProfile returns the statement coverage percentage recorded in a
// go test cover profile. Blocks reported more than once count as covered
// if any report covered them.
func ParseCoverProfile(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open cover profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	type block struct {
		stmts   int
		covered bool
	}
	blocks := map[string]*block{}

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			if !strings.HasPrefix(line, "mode:") {
				return 0, errors.New("cover profile: missing mode line")
			}
			continue
		}
		if line == "" {
			continue
		}
		// file.go:10.2,12.3 2 1
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return 0, fmt.Errorf("cover profile: malformed line %q", line)
		}
		stmts, err1 := strconv.Atoi(fields[1])
		count, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			return 0, fmt.Errorf("cover profile: malformed line %q", line)
		}
		b, ok := blocks[fields[0]]
		if !ok {
			b = &block{stmts: stmts}
			blocks[fields[0]] = b
		}
		b.covered = b.covered || count > 0
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read cover profile: %w", err)
	}

	total, covered := 0, 0
	for _, b := range blocks {
		total += b.stmts
		if b.covered {
			covered += b.stmts
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(covered) * 100 / float64(total), nil
}

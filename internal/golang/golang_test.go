package golang

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewloop/internal/models"
)

const profile = `mode: set
example.com/m/a.go:3.14,5.2 2 1
example.com/m/a.go:7.14,9.2 2 0
example.com/m/b.go:3.14,6.2 4 0
example.com/m/b.go:3.14,6.2 4 1
`

func writeProfile(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "cover.out")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestIsGoProject(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, IsGoProject(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module test\n"), 0644))
	assert.True(t, IsGoProject(dir))
}

func TestParseCoverProfile(t *testing.T) {
	cov, err := ParseCoverProfile(writeProfile(t, t.TempDir(), profile))
	require.NoError(t, err)
	// 6 of 8 statements: b.go counts once and is covered by its second report.
	assert.InDelta(t, 75.0, cov, 0.001)

	cov, err = ParseCoverProfile(writeProfile(t, t.TempDir(), "mode: atomic\n"))
	require.NoError(t, err)
	assert.Zero(t, cov)

	_, err = ParseCoverProfile(writeProfile(t, t.TempDir(), "a.go:1.1,2.2 1 1\n"))
	assert.Error(t, err)

	_, err = ParseCoverProfile(writeProfile(t, t.TempDir(), "mode: set\nbroken\n"))
	assert.Error(t, err)
}

func TestCoverageProvider(t *testing.T) {
	dir := t.TempDir()
	p := NewCoverageProvider()

	m, err := p.Metrics(context.Background(), models.FeatureMeta{ProjectPath: dir})
	require.NoError(t, err)
	assert.Nil(t, m, "not a Go project")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/m\n"), 0644))
	var gotDir string
	var gotArgs []string
	p.run = func(_ context.Context, d string, args ...string) error {
		gotDir, gotArgs = d, args
		out := strings.TrimPrefix(args[1], "-coverprofile=")
		return os.WriteFile(out, []byte(profile), 0644)
	}

	m, err = p.Metrics(context.Background(), models.FeatureMeta{ProjectPath: "/elsewhere", WorktreePath: dir})
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NotNil(t, m.TestCoverage)
	assert.InDelta(t, 75.0, *m.TestCoverage, 0.001)
	assert.Equal(t, dir, gotDir)
	assert.Equal(t, "test", gotArgs[0])
	assert.Equal(t, "./...", gotArgs[2])
}

func TestCoverageProvider_BuildFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/m\n"), 0644))

	p := NewCoverageProvider("./pkg/...")
	p.run = func(context.Context, string, ...string) error { return errors.New("build failed") }

	_, err := p.Metrics(context.Background(), models.FeatureMeta{ProjectPath: dir})
	assert.EqualError(t, err, "build failed")

	// Test failures that still produced a profile are measured.
	p.run = func(_ context.Context, _ string, args ...string) error {
		out := strings.TrimPrefix(args[1], "-coverprofile=")
		_ = os.WriteFile(out, []byte(profile), 0644)
		return errors.New("tests failed")
	}
	m, err := p.Metrics(context.Background(), models.FeatureMeta{ProjectPath: dir})
	require.NoError(t, err)
	assert.NotNil(t, m.TestCoverage)
}

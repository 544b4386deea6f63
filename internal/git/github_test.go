package git

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prViewJSON = `{
  "number": 12,
  "url": "https://github.com/acme/app/pull/12",
  "state": "OPEN",
  "mergeable": "MERGEABLE",
  "mergeStateStatus": "CLEAN",
  "reviewDecision": "CHANGES_REQUESTED",
  "headRefName": "feature/login",
  "baseRefName": "main",
  "comments": [
    {"id": "IC_1", "author": {"login": "alice"}, "body": "Please rename this", "createdAt": "2026-03-01T10:00:00Z"}
  ],
  "reviews": [
    {"id": "PRR_1", "author": {"login": "bob"}, "state": "CHANGES_REQUESTED", "body": "Needs tests", "submittedAt": "2026-03-01T11:00:00Z"}
  ],
  "statusCheckRollup": [
    {"__typename": "CheckRun", "name": "build", "status": "COMPLETED", "conclusion": "SUCCESS"},
    {"__typename": "StatusContext", "context": "ci/lint", "state": "PENDING"}
  ]
}`

func TestParsePRView(t *testing.T) {
	st, err := ParsePRView([]byte(prViewJSON))
	require.NoError(t, err)

	assert.Equal(t, 12, st.Number)
	assert.Equal(t, PRStateOpen, st.State)
	assert.True(t, st.IsMergeable())
	assert.True(t, st.ChangesRequested())
	require.Len(t, st.Comments, 1)
	assert.Equal(t, "alice", st.Comments[0].Author)
	require.Len(t, st.Reviews, 1)
	assert.Equal(t, ReviewChangesRequested, st.Reviews[0].State)
	require.Len(t, st.Checks, 2)
	assert.Equal(t, "ci/lint", st.Checks[1].Name)
	assert.Equal(t, ChecksPending, st.ChecksState())

	_, err = ParsePRView([]byte("not json"))
	assert.Error(t, err)
}

func TestChecksState(t *testing.T) {
	tests := []struct {
		name   string
		checks []Check
		want   ChecksState
	}{
		{"none", nil, ChecksNone},
		{"passing", []Check{{Status: "COMPLETED", Conclusion: "SUCCESS"}, {Status: "COMPLETED", Conclusion: "SKIPPED"}}, ChecksPassing},
		{"pending", []Check{{Status: "IN_PROGRESS"}, {Status: "COMPLETED", Conclusion: "SUCCESS"}}, ChecksPending},
		{"failing wins", []Check{{Status: "IN_PROGRESS"}, {Status: "COMPLETED", Conclusion: "FAILURE"}}, ChecksFailing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &PRStatus{Checks: tt.checks}
			assert.Equal(t, tt.want, st.ChecksState())
		})
	}
}

func TestRealGitHubClient_PRStatus(t *testing.T) {
	var gotDir string
	var gotArgs []string
	c := &RealGitHubClient{run: func(_ context.Context, dir string, args ...string) (string, error) {
		gotDir, gotArgs = dir, args
		return prViewJSON, nil
	}}

	st, err := c.PRStatus(context.Background(), "/repo", 12)
	require.NoError(t, err)
	assert.Equal(t, 12, st.Number)
	assert.Equal(t, "/repo", gotDir)
	assert.Equal(t, []string{"pr", "view", "12", "--json", prViewFields}, gotArgs)
}

func TestRealGitHubClient_CreatePR(t *testing.T) {
	var gotArgs []string
	c := &RealGitHubClient{run: func(_ context.Context, _ string, args ...string) (string, error) {
		gotArgs = args
		return "Creating pull request for feature into main\n\nhttps://github.com/acme/app/pull/34", nil
	}}

	pr, err := c.CreatePR(context.Background(), "/repo", CreatePROptions{
		Title: "Add login", Body: "body", Head: "feature", Base: "main", Draft: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 34, pr.Number)
	assert.Equal(t, "https://github.com/acme/app/pull/34", pr.URL)
	joined := strings.Join(gotArgs, " ")
	assert.Contains(t, joined, "--base main")
	assert.Contains(t, joined, "--draft")
}

func TestRealGitHubClient_Available(t *testing.T) {
	c := &RealGitHubClient{run: func(context.Context, string, ...string) (string, error) {
		return "", errors.New("gh auth status: not logged in")
	}}
	assert.Error(t, c.Available(context.Background()))
}

func TestPRNumberFromURL(t *testing.T) {
	n, err := PRNumberFromURL("https://github.com/acme/app/pull/7")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = PRNumberFromURL("https://github.com/acme/app/issues/7")
	assert.Error(t, err)
	_, err = PRNumberFromURL("https://github.com/acme/app/pull/x")
	assert.Error(t, err)
}

func TestPRStateTerminal(t *testing.T) {
	assert.True(t, PRStateMerged.IsTerminal())
	assert.True(t, PRStateClosed.IsTerminal())
	assert.False(t, PRStateOpen.IsTerminal())
}

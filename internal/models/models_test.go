package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityRank(t *testing.T) {
	assert.Equal(t, 0, SeverityCritical.Rank())
	assert.Equal(t, 4, SeveritySuggestion.Rank())
	assert.Equal(t, 5, Severity("bogus").Rank())
}

func TestSeverityIsAtOrAbove(t *testing.T) {
	assert.True(t, SeverityCritical.IsAtOrAbove(SeverityMedium))
	assert.True(t, SeverityMedium.IsAtOrAbove(SeverityMedium))
	assert.False(t, SeverityLow.IsAtOrAbove(SeverityMedium))
	assert.False(t, SeveritySuggestion.IsAtOrAbove(SeverityLow))
	assert.True(t, SeveritySuggestion.IsAtOrAbove(SeveritySuggestion))
}

func TestCategoryIsValid(t *testing.T) {
	assert.True(t, CategorySecurity.IsValid())
	assert.False(t, Category("vibes").IsValid())
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateMerged.IsTerminal())
	assert.True(t, StateApproved.IsTerminal())
	assert.False(t, StateAwaitingPRFeedback.IsTerminal())
	assert.False(t, State("nope").IsValid())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatePendingSelfReview, StateSelfReviewing))
	assert.True(t, CanTransition(StateSelfReviewFailed, StateRefining))
	assert.True(t, CanTransition(StateSelfReviewFailed, StatePRCreated))
	assert.True(t, CanTransition(StateReadyForHumanReview, StateApproved))
	assert.True(t, CanTransition(StateAddressingFeedback, StateReadyForHumanReview))
	assert.True(t, CanTransition(StateAddressingFeedback, StateAwaitingPRFeedback))
	assert.False(t, CanTransition(StateMerged, StateSelfReviewing))
	assert.False(t, CanTransition(StatePendingSelfReview, StateMerged))
}

func TestDefaultLoopConfig(t *testing.T) {
	cfg := DefaultLoopConfig()
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.Equal(t, SeverityMedium, cfg.SeverityThreshold)
	assert.Equal(t, 60*time.Second, cfg.PollInterval())
	assert.Equal(t, "verified", cfg.MergedFeatureStatus)
	assert.Equal(t, []Category{CategorySecurity}, cfg.QualityGate.RequiredCategories)
	assert.NoError(t, cfg.Validate())
}

func TestLoopConfigValidate(t *testing.T) {
	cfg := DefaultLoopConfig()
	cfg.MaxIterations = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultLoopConfig()
	cfg.SeverityThreshold = "meh"
	assert.Error(t, cfg.Validate())

	cfg = DefaultLoopConfig()
	cfg.QualityGate.RequiredCategories = []Category{"vibes"}
	assert.Error(t, cfg.Validate())
}

func TestSessionJSONFieldNames(t *testing.T) {
	s := Session{FeatureID: "feat-1", State: StatePRCreated, PRNumber: 7, PRURL: "https://x/7"}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "feat-1", raw["featureId"])
	assert.Equal(t, "pr_created", raw["state"])
	assert.EqualValues(t, 7, raw["prNumber"])
	assert.Contains(t, raw, "currentIteration")
	assert.NotContains(t, raw, "completedAt")
}

func TestSessionClone(t *testing.T) {
	now := time.Now().UTC()
	s := &Session{
		FeatureID:   "feat-1",
		Iterations:  []ReviewResult{{Verdict: VerdictPass, Issues: []ReviewIssue{{ID: "a"}}}},
		CompletedAt: &now,
	}
	c := s.Clone()
	c.Iterations[0].Issues[0].ID = "b"
	*c.CompletedAt = now.Add(time.Hour)

	assert.Equal(t, "a", s.Iterations[0].Issues[0].ID)
	assert.Equal(t, now, *s.CompletedAt)
}

func TestLatestResult(t *testing.T) {
	s := &Session{}
	assert.Nil(t, s.LatestResult())
	s.Iterations = []ReviewResult{{Iteration: 1}, {Iteration: 2}}
	assert.Equal(t, 2, s.LatestResult().Iteration)
}

func TestFeatureMetaWorkDir(t *testing.T) {
	m := FeatureMeta{ProjectPath: "/p"}
	assert.Equal(t, "/p", m.WorkDir())
	m.WorktreePath = "/w"
	assert.Equal(t, "/w", m.WorkDir())
}

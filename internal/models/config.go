package models

import (
	"fmt"
	"time"
)

// QualityGateThresholds configures the quality gate checks.
type QualityGateThresholds struct {
	MinTestCoverage    float64    `json:"minTestCoverage"`
	MaxComplexity      int        `json:"maxComplexity"`
	MaxDuplication     float64    `json:"maxDuplication"`
	RequiredCategories []Category `json:"requiredCategories"`
}

// LoopConfig is the project-level review loop configuration.
type LoopConfig struct {
	Enabled              bool                  `json:"enabled"`
	MaxIterations        int                   `json:"maxIterations"`
	SeverityThreshold    Severity              `json:"severityThreshold"`
	AutoCreatePR         bool                  `json:"autoCreatePR"`
	DraftPR              bool                  `json:"draftPR"`
	BaseBranch           string                `json:"baseBranch"`
	PollIntervalSeconds  int                   `json:"pollIntervalSeconds"`
	MaxConcurrentPRs     int                   `json:"maxConcurrentPRs"`
	AutoPullOnMerge      bool                  `json:"autoPullOnMerge"`
	TargetBranch         string                `json:"targetBranch"`
	AutoCleanupWorktrees bool                  `json:"autoCleanupWorktrees"`
	MergedFeatureStatus  string                `json:"mergedFeatureStatus"`
	ArchiveAfterDays     int                   `json:"archiveAfterDays"`
	QualityGate          QualityGateThresholds `json:"qualityGate"`
}

// DefaultLoopConfig returns the configuration used when a project has none.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Enabled:              true,
		MaxIterations:        3,
		SeverityThreshold:    SeverityMedium,
		AutoCreatePR:         true,
		BaseBranch:           "main",
		PollIntervalSeconds:  60,
		MaxConcurrentPRs:     5,
		AutoPullOnMerge:      true,
		TargetBranch:         "main",
		AutoCleanupWorktrees: false,
		MergedFeatureStatus:  "verified",
		ArchiveAfterDays:     30,
		QualityGate: QualityGateThresholds{
			MinTestCoverage:    80,
			MaxComplexity:      10,
			MaxDuplication:     5,
			RequiredCategories: []Category{CategorySecurity},
		},
	}
}

// PollInterval returns the monitor polling interval as a duration.
func (c LoopConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Validate checks the configuration for values the loop cannot run with.
func (c LoopConfig) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("maxIterations must be positive (got %d)", c.MaxIterations)
	}
	if !c.SeverityThreshold.IsValid() {
		return fmt.Errorf("unknown severityThreshold %q", c.SeverityThreshold)
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("pollIntervalSeconds must be positive (got %d)", c.PollIntervalSeconds)
	}
	if c.MaxConcurrentPRs <= 0 {
		return fmt.Errorf("maxConcurrentPRs must be positive (got %d)", c.MaxConcurrentPRs)
	}
	if c.ArchiveAfterDays < 0 {
		return fmt.Errorf("archiveAfterDays must not be negative (got %d)", c.ArchiveAfterDays)
	}
	for _, cat := range c.QualityGate.RequiredCategories {
		if !cat.IsValid() {
			return fmt.Errorf("unknown required category %q", cat)
		}
	}
	return nil
}

package loop

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/joescharf/reviewloop/internal/models"
)

// AddressedClassifier decides which issues a refinement addressed.
type AddressedClassifier interface {
	Classify(issues []models.ReviewIssue, res *FixResult) (addressed, unaddressed []string)
}

// ExplicitClassifier trusts the IDs the Fixer reports. Reported IDs that
// are not in the issue set are ignored; issues the Fixer did not report as
// addressed are unaddressed.
type ExplicitClassifier struct{}

func (ExplicitClassifier) Classify(issues []models.ReviewIssue, res *FixResult) ([]string, []string) {
	reported := map[string]bool{}
	denied := map[string]bool{}
	if res != nil {
		for _, id := range res.AddressedIDs {
			reported[id] = true
		}
		for _, id := range res.UnaddressedIDs {
			denied[id] = true
		}
	}

	addressed := []string{}
	unaddressed := []string{}
	for _, is := range issues {
		if reported[is.ID] && !denied[is.ID] {
			addressed = append(addressed, is.ID)
		} else {
			unaddressed = append(unaddressed, is.ID)
		}
	}
	return addressed, unaddressed
}

// HeuristicClassifier falls back to matching the Fixer's notes when it
// reports no known issue IDs. An issue counts as addressed when the notes
// mention its ID, mention its file alongside a fix verb, or cover at least
// MinKeywordShare of its description keywords.
type HeuristicClassifier struct {
	MinKeywordShare float64
}

var fixVerbs = []string{"fixed", "addressed", "resolved", "updated", "added", "removed", "renamed", "refactored", "handled"}

var stopwords = map[string]bool{
	"should": true, "would": true, "could": true, "there": true, "their": true,
	"which": true, "where": true, "these": true, "those": true, "about": true,
	"being": true, "using": true, "other": true, "after": true, "before": true,
}

func (h HeuristicClassifier) Classify(issues []models.ReviewIssue, res *FixResult) ([]string, []string) {
	addressed, unaddressed := ExplicitClassifier{}.Classify(issues, res)
	if len(addressed) > 0 || res == nil || strings.TrimSpace(res.Notes) == "" {
		return addressed, unaddressed
	}

	share := h.MinKeywordShare
	if share <= 0 {
		share = 0.5
	}
	notes := strings.ToLower(res.Notes)
	denied := map[string]bool{}
	for _, id := range res.UnaddressedIDs {
		denied[id] = true
	}
	hasVerb := false
	for _, v := range fixVerbs {
		if strings.Contains(notes, v) {
			hasVerb = true
			break
		}
	}

	addressed, unaddressed = []string{}, []string{}
	for _, is := range issues {
		if !denied[is.ID] && mentions(notes, is, hasVerb, share) {
			addressed = append(addressed, is.ID)
		} else {
			unaddressed = append(unaddressed, is.ID)
		}
	}
	return addressed, unaddressed
}

func mentions(notes string, is models.ReviewIssue, hasVerb bool, share float64) bool {
	if is.ID != "" && strings.Contains(notes, strings.ToLower(is.ID)) {
		return true
	}
	if hasVerb && is.File != "" && strings.Contains(notes, strings.ToLower(filepath.Base(is.File))) {
		return true
	}
	kw := keywords(is.Description)
	if len(kw) == 0 {
		return false
	}
	hits := 0
	for _, w := range kw {
		if strings.Contains(notes, w) {
			hits++
		}
	}
	return float64(hits)/float64(len(kw)) >= share
}

// keywords returns the distinct lowercase words of five or more letters.
func keywords(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		if len(w) < 5 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

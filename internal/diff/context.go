package diff

import (
	"fmt"
	"strings"
)

// ContextOptions controls how much surrounding code ExtractCodeContext
// reports around each hunk.
type ContextOptions struct {
	LinesBefore int
	LinesAfter  int
}

// CodeContext is the line range and annotated text of one hunk.
type CodeContext struct {
	File      string `json:"file"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Content   string `json:"content"`
}

// ExtractCodeContext returns one CodeContext per hunk. Line ranges refer to
// the new file, or the old file for deletions, widened by the options and
// clamped at line 1.
func ExtractCodeContext(d *Analyzed, opts ContextOptions) []CodeContext {
	var out []CodeContext
	for _, f := range d.Files {
		for _, h := range f.Hunks {
			start, count := h.NewStart, h.NewCount
			if f.ChangeType == ChangeDeleted {
				start, count = h.OldStart, h.OldCount
			}
			end := start + count - 1
			if end < start {
				end = start
			}

			out = append(out, CodeContext{
				File:      f.Path,
				StartLine: max(1, start-opts.LinesBefore),
				EndLine:   end + opts.LinesAfter,
				Content:   annotate(h),
			})
		}
	}
	return out
}

func annotate(h Hunk) string {
	var b strings.Builder
	for _, l := range h.Lines {
		switch l.Type {
		case LineAdded:
			fmt.Fprintf(&b, "+%5d | %s\n", *l.NewLine, l.Content)
		case LineRemoved:
			fmt.Fprintf(&b, "-%5d | %s\n", *l.OldLine, l.Content)
		default:
			fmt.Fprintf(&b, " %5d | %s\n", *l.NewLine, l.Content)
		}
	}
	return b.String()
}

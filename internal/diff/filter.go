package diff

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// FilterByPatterns returns a new diff holding only files whose path matches
// at least one include pattern (all files when include is empty) and no
// exclude pattern. Patterns are globs where "**" crosses directories.
func FilterByPatterns(d *Analyzed, include, exclude []string) (*Analyzed, error) {
	inc, err := compileAll(include)
	if err != nil {
		return nil, err
	}
	exc, err := compileAll(exclude)
	if err != nil {
		return nil, err
	}

	var (
		files []*File
		raw   strings.Builder
	)
	for _, f := range d.Files {
		if len(inc) > 0 && !matchAny(inc, f) {
			continue
		}
		if matchAny(exc, f) {
			continue
		}
		files = append(files, f)
		raw.WriteString(f.raw.String())
	}

	return &Analyzed{
		Files:   files,
		Summary: summarize(files),
		RawDiff: raw.String(),
	}, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, f *File) bool {
	for _, g := range globs {
		if g.Match(f.Path) {
			return true
		}
		if f.OldPath != "" && g.Match(f.OldPath) {
			return true
		}
	}
	return false
}

// ReviewFormatOptions bounds the output of FormatForReview.
type ReviewFormatOptions struct {
	// MaxLines caps the number of hunk lines rendered. Zero means no cap.
	MaxLines int
}

// FormatForReview renders the diff as markdown suitable for a reviewer prompt.
func FormatForReview(d *Analyzed, opts ReviewFormatOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Changes: %s\n", d.Summary)

	written := 0
	truncated := false
	for _, f := range d.Files {
		fmt.Fprintf(&b, "\n## %s (%s, +%d -%d)\n", f.Path, f.ChangeType, f.Additions(), f.Deletions())
		if f.OldPath != "" {
			fmt.Fprintf(&b, "from: %s\n", f.OldPath)
		}
		if f.IsBinary {
			b.WriteString("binary file, content omitted\n")
			continue
		}
		if len(f.Hunks) == 0 || truncated {
			continue
		}

		b.WriteString("```diff\n")
		for _, h := range f.Hunks {
			fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
			if h.Header != "" {
				b.WriteString(" " + h.Header)
			}
			b.WriteByte('\n')
			for _, l := range h.Lines {
				if opts.MaxLines > 0 && written >= opts.MaxLines {
					truncated = true
					break
				}
				b.WriteString(marker(l.Type) + l.Content + "\n")
				written++
			}
			if truncated {
				break
			}
		}
		b.WriteString("```\n")
	}
	if truncated {
		fmt.Fprintf(&b, "\n(diff truncated after %d lines)\n", opts.MaxLines)
	}
	return b.String()
}

func marker(t LineType) string {
	switch t {
	case LineAdded:
		return "+"
	case LineRemoved:
		return "-"
	}
	return " "
}

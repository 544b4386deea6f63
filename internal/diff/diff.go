package diff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ChangeType describes what happened to a file in a diff.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
	ChangeBinary   ChangeType = "binary"
)

// LineType is the kind of a line inside a hunk.
type LineType string

const (
	LineAdded   LineType = "added"
	LineRemoved LineType = "removed"
	LineContext LineType = "context"
)

// Line is a single hunk line. Added lines carry only NewLine, removed
// lines only OldLine, context lines both.
type Line struct {
	Type    LineType `json:"type"`
	OldLine *int     `json:"oldLine"`
	NewLine *int     `json:"newLine"`
	Content string   `json:"content"`
}

// Hunk is one @@ section of a file diff.
type Hunk struct {
	OldStart int    `json:"oldStart"`
	OldCount int    `json:"oldCount"`
	NewStart int    `json:"newStart"`
	NewCount int    `json:"newCount"`
	Header   string `json:"header,omitempty"`
	Lines    []Line `json:"lines"`
}

// File is the diff of a single path.
type File struct {
	Path       string     `json:"path"`
	OldPath    string     `json:"oldPath,omitempty"`
	ChangeType ChangeType `json:"changeType"`
	Hunks      []Hunk     `json:"hunks"`
	IsBinary   bool       `json:"isBinary"`

	raw strings.Builder
}

// Additions counts added lines across all hunks.
func (f *File) Additions() int { return f.count(LineAdded) }

// Deletions counts removed lines across all hunks.
func (f *File) Deletions() int { return f.count(LineRemoved) }

func (f *File) count(t LineType) int {
	n := 0
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Type == t {
				n++
			}
		}
	}
	return n
}

// Summary aggregates counts over an analyzed diff.
type Summary struct {
	FilesChanged  int `json:"filesChanged"`
	FilesAdded    int `json:"filesAdded"`
	FilesModified int `json:"filesModified"`
	FilesDeleted  int `json:"filesDeleted"`
	FilesRenamed  int `json:"filesRenamed"`
	FilesBinary   int `json:"filesBinary"`
	LinesAdded    int `json:"linesAdded"`
	LinesRemoved  int `json:"linesRemoved"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d files changed, %d insertions(+), %d deletions(-)",
		s.FilesChanged, s.LinesAdded, s.LinesRemoved)
}

// Analyzed is the structured form of a unified diff.
type Analyzed struct {
	Files   []*File `json:"files"`
	Summary Summary `json:"summary"`
	RawDiff string  `json:"rawDiff"`
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

type parser struct {
	files   []*File
	cur     *File
	hunk    *Hunk
	oldLine int
	newLine int
	oldLeft int
	newLeft int
	// sawNewPath is set once a "+++" header has been read for cur.
	sawNewPath bool
}

// Parse converts unified diff text into an Analyzed diff. It never fails:
// lines it does not recognize are skipped.
func Parse(text string) *Analyzed {
	p := &parser{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		p.line(line)
	}
	p.flushHunk()

	return &Analyzed{
		Files:   p.files,
		Summary: summarize(p.files),
		RawDiff: text,
	}
}

func (p *parser) inHunk() bool {
	return p.hunk != nil && (p.oldLeft > 0 || p.newLeft > 0)
}

func (p *parser) line(line string) {
	if p.inHunk() {
		if p.hunkLine(line) {
			return
		}
		p.flushHunk()
	}

	if strings.HasPrefix(line, `\`) {
		p.raw(line)
		return
	}

	switch {
	case strings.HasPrefix(line, "diff --git "):
		p.startFile()
		oldPath, newPath := splitGitHeader(strings.TrimPrefix(line, "diff --git "))
		p.cur.Path = newPath
		if oldPath != newPath {
			p.cur.OldPath = oldPath
		}
	case strings.HasPrefix(line, "--- "):
		if p.cur == nil || p.sawNewPath {
			p.startFile()
		}
		path := stripPrefix(strings.TrimPrefix(line, "--- "), "a/")
		if path == "/dev/null" {
			p.cur.ChangeType = ChangeAdded
		} else if p.cur.Path == "" {
			p.cur.Path = path
		}
	case strings.HasPrefix(line, "+++ ") && p.cur != nil:
		p.sawNewPath = true
		path := stripPrefix(strings.TrimPrefix(line, "+++ "), "b/")
		if path == "/dev/null" {
			p.cur.ChangeType = ChangeDeleted
		} else {
			p.cur.Path = path
		}
	case p.cur == nil:
		return
	case strings.HasPrefix(line, "new file mode"):
		p.cur.ChangeType = ChangeAdded
	case strings.HasPrefix(line, "deleted file mode"):
		p.cur.ChangeType = ChangeDeleted
	case strings.HasPrefix(line, "rename from "):
		p.cur.ChangeType = ChangeRenamed
		p.cur.OldPath = strings.TrimPrefix(line, "rename from ")
	case strings.HasPrefix(line, "rename to "):
		p.cur.ChangeType = ChangeRenamed
		p.cur.Path = strings.TrimPrefix(line, "rename to ")
	case strings.HasPrefix(line, "copy from "):
		p.cur.ChangeType = ChangeAdded
		p.cur.OldPath = strings.TrimPrefix(line, "copy from ")
	case strings.HasPrefix(line, "copy to "):
		p.cur.ChangeType = ChangeAdded
		p.cur.Path = strings.TrimPrefix(line, "copy to ")
	case strings.HasPrefix(line, "Binary files ") || strings.HasPrefix(line, "GIT binary patch"):
		p.cur.IsBinary = true
		p.cur.ChangeType = ChangeBinary
	case strings.HasPrefix(line, "@@ "):
		p.startHunk(line)
	default:
		// index lines, mode changes, similarity and anything unrecognized
	}
	p.raw(line)
}

// hunkLine consumes a line inside an open hunk. It returns false when the
// line does not belong to the hunk.
func (p *parser) hunkLine(line string) bool {
	if line == "" {
		// Some tools strip the leading space from blank context lines.
		p.addLine(LineContext, "")
		p.raw(line)
		return true
	}
	switch line[0] {
	case '+':
		p.addLine(LineAdded, line[1:])
	case '-':
		p.addLine(LineRemoved, line[1:])
	case ' ':
		p.addLine(LineContext, line[1:])
	case '\\':
	default:
		return false
	}
	p.raw(line)
	return true
}

func (p *parser) addLine(t LineType, content string) {
	l := Line{Type: t, Content: content}
	switch t {
	case LineAdded:
		n := p.newLine
		l.NewLine = &n
		p.newLine++
		p.newLeft--
	case LineRemoved:
		o := p.oldLine
		l.OldLine = &o
		p.oldLine++
		p.oldLeft--
	case LineContext:
		o, n := p.oldLine, p.newLine
		l.OldLine, l.NewLine = &o, &n
		p.oldLine++
		p.newLine++
		p.oldLeft--
		p.newLeft--
	}
	p.hunk.Lines = append(p.hunk.Lines, l)
}

func (p *parser) startFile() {
	p.flushHunk()
	p.cur = &File{ChangeType: ChangeModified}
	p.files = append(p.files, p.cur)
	p.sawNewPath = false
}

func (p *parser) startHunk(line string) {
	m := hunkHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	p.flushHunk()
	h := &Hunk{
		OldStart: atoi(m[1], 0),
		OldCount: atoi(m[2], 1),
		NewStart: atoi(m[3], 0),
		NewCount: atoi(m[4], 1),
		Header:   strings.TrimSpace(m[5]),
	}
	p.hunk = h
	p.oldLine, p.newLine = h.OldStart, h.NewStart
	p.oldLeft, p.newLeft = h.OldCount, h.NewCount
}

func (p *parser) flushHunk() {
	if p.hunk == nil || p.cur == nil {
		p.hunk = nil
		return
	}
	p.cur.Hunks = append(p.cur.Hunks, *p.hunk)
	p.hunk = nil
}

func (p *parser) raw(line string) {
	if p.cur == nil {
		return
	}
	p.cur.raw.WriteString(line)
	p.cur.raw.WriteByte('\n')
}

func summarize(files []*File) Summary {
	s := Summary{FilesChanged: len(files)}
	for _, f := range files {
		switch f.ChangeType {
		case ChangeAdded:
			s.FilesAdded++
		case ChangeDeleted:
			s.FilesDeleted++
		case ChangeRenamed:
			s.FilesRenamed++
		case ChangeBinary:
			s.FilesBinary++
		default:
			s.FilesModified++
		}
		s.LinesAdded += f.Additions()
		s.LinesRemoved += f.Deletions()
	}
	return s
}

// splitGitHeader splits "a/old b/new" into its two paths.
func splitGitHeader(rest string) (string, string) {
	idx := strings.LastIndex(rest, " b/")
	if idx < 0 {
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			return rest, rest
		}
		return stripPrefix(fields[0], "a/"), stripPrefix(fields[1], "b/")
	}
	return stripPrefix(rest[:idx], "a/"), rest[idx+3:]
}

func stripPrefix(path, prefix string) string {
	// Timestamps may follow a tab in non-git diffs.
	if i := strings.IndexByte(path, '\t'); i >= 0 {
		path = path[:i]
	}
	return strings.TrimPrefix(path, prefix)
}

func atoi(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

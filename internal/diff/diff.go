// internal/diff/diff.go
package diff

import (
	"bytes"
	"errors"
	"fmt"
)

// maxMatrixCells bounds the LCS table built for the changed middle of two inputs.
const maxMatrixCells = 4 << 20

// ErrTooLarge is returned by Diff when the changed region is too big for a line diff.
var ErrTooLarge = errors.New("diff: changed region too large for a line diff")

// Line represents a single line in a diff with its type and content
type Line struct {
	Type    LineType
	Content string
	OldNum  int // 1-based, 0 for additions
	NewNum  int // 1-based, 0 for deletions
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// DiffResult contains the complete diff information
type DiffResult struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
	maxCells     int
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{
		contextLines: contextLines,
		maxCells:     maxMatrixCells,
	}
}

// Diff generates a line-by-line diff between two contents.
// Neither input is modified. Lines shared at the start and end are matched
// directly; only the region between them goes through the LCS table, and
// ErrTooLarge is returned when that table would exceed the engine's limit.
func (e *Engine) Diff(oldContent, newContent []byte) (*DiffResult, error) {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && bytes.Equal(oldLines[prefix], newLines[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		bytes.Equal(oldLines[len(oldLines)-1-suffix], newLines[len(newLines)-1-suffix]) {
		suffix++
	}

	oldMid := oldLines[prefix : len(oldLines)-suffix]
	newMid := newLines[prefix : len(newLines)-suffix]
	if (len(oldMid)+1)*(len(newMid)+1) > e.maxCells {
		return nil, ErrTooLarge
	}

	ops := make([]Line, 0, len(oldLines)+len(newMid))
	for i := 0; i < prefix; i++ {
		ops = append(ops, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: i + 1})
	}
	ops = append(ops, e.walk(oldMid, newMid, prefix, e.computeLCS(oldMid, newMid))...)
	for k := suffix; k > 0; k-- {
		i, j := len(oldLines)-k, len(newLines)-k
		ops = append(ops, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: j + 1})
	}

	result := &DiffResult{}
	result.Hunks = e.group(ops)

	// Calculate stats
	for _, hunk := range result.Hunks {
		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				result.Stats.Additions++
			case Deletion:
				result.Stats.Deletions++
			}
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions

	return result, nil
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// computeLCS fills matrix[i][j] with the LCS length of oldLines[i:] and newLines[j:]
func (e *Engine) computeLCS(oldLines, newLines [][]byte) [][]int {
	matrix := make([][]int, len(oldLines)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(newLines)+1)
	}

	for i := len(oldLines) - 1; i >= 0; i-- {
		for j := len(newLines) - 1; j >= 0; j-- {
			if bytes.Equal(oldLines[i], newLines[j]) {
				matrix[i][j] = matrix[i+1][j+1] + 1
			} else {
				matrix[i][j] = max(matrix[i+1][j], matrix[i][j+1])
			}
		}
	}

	return matrix
}

// walk turns the LCS matrix into an ordered edit script. Line numbers start
// after offset lines common to both sides.
func (e *Engine) walk(oldLines, newLines [][]byte, offset int, lcs [][]int) []Line {
	var ops []Line
	i, j := 0, 0

	for i < len(oldLines) || j < len(newLines) {
		switch {
		case i < len(oldLines) && j < len(newLines) && bytes.Equal(oldLines[i], newLines[j]):
			ops = append(ops, Line{Type: Context, Content: string(oldLines[i]), OldNum: offset + i + 1, NewNum: offset + j + 1})
			i++
			j++
		case j >= len(newLines) || (i < len(oldLines) && lcs[i+1][j] >= lcs[i][j+1]):
			ops = append(ops, Line{Type: Deletion, Content: string(oldLines[i]), OldNum: offset + i + 1})
			i++
		default:
			ops = append(ops, Line{Type: Addition, Content: string(newLines[j]), NewNum: offset + j + 1})
			j++
		}
	}

	return ops
}

// group collects changed lines into hunks with surrounding context.
// Changes separated by no more than twice the context share a hunk.
func (e *Engine) group(ops []Line) []Hunk {
	var hunks []Hunk
	n := len(ops)

	for start := 0; start < n; {
		// Find next change
		first := start
		for first < n && ops[first].Type == Context {
			first++
		}
		if first == n {
			break
		}

		// Extend while the gap to the next change fits in the context window
		last := first
		for k := first + 1; k < n; k++ {
			if ops[k].Type == Context {
				continue
			}
			if k-last-1 > 2*e.contextLines {
				break
			}
			last = k
		}

		from := max(start, first-e.contextLines)
		to := min(n-1, last+e.contextLines)
		hunks = append(hunks, newHunk(ops, from, to))
		start = to + 1
	}

	return hunks
}

func newHunk(ops []Line, from, to int) Hunk {
	hunk := Hunk{Lines: append([]Line(nil), ops[from:to+1]...)}

	oldBefore, newBefore := 0, 0
	for k := 0; k < from; k++ {
		if ops[k].Type != Addition {
			oldBefore++
		}
		if ops[k].Type != Deletion {
			newBefore++
		}
	}

	for _, line := range hunk.Lines {
		if line.Type != Addition {
			hunk.OldLines++
		}
		if line.Type != Deletion {
			hunk.NewLines++
		}
	}

	hunk.OldStart = oldBefore
	if hunk.OldLines > 0 {
		hunk.OldStart++
	}
	hunk.NewStart = newBefore
	if hunk.NewLines > 0 {
		hunk.NewStart++
	}
	return hunk
}

// Format returns a string representation of the diff
func (r *DiffResult) Format() string {
	var buf bytes.Buffer

	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteString("+ ")
			case Deletion:
				buf.WriteString("- ")
			case Context:
				buf.WriteString("  ")
			}
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

// FormatWithHeader prefixes Format with the names of both sides.
func (r *DiffResult) FormatWithHeader(oldName, newName string) string {
	if len(r.Hunks) == 0 {
		return ""
	}
	return fmt.Sprintf("--- %s\n+++ %s\n%s", oldName, newName, r.Format())
}

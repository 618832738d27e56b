package diff

import (
	"bytes"

	"zedit/shared/types"
)

// ChangeKind classifies how two snapshots differ
type ChangeKind int

const (
	NoChange ChangeKind = iota
	TagOnly
	ContentChanged
)

func (k ChangeKind) String() string {
	switch k {
	case TagOnly:
		return "tag-only"
	case ContentChanged:
		return "content"
	default:
		return "none"
	}
}

// Report describes the difference between a baseline snapshot and a current one
type Report struct {
	BaselineTag    string
	CurrentTag     string
	ContentChanged bool
	TagChanged     bool
	Binary         bool        // at least one side is not text; Diff is nil
	TooLarge       bool        // too many changed lines for a line diff; Diff is nil
	Diff           *DiffResult // nil unless text content differs
}

func (r *Report) Kind() ChangeKind {
	switch {
	case r.ContentChanged:
		return ContentChanged
	case r.TagChanged:
		return TagOnly
	default:
		return NoChange
	}
}

// Compare diffs two snapshots with three lines of context.
func Compare(baseline, current shared.Snapshot) *Report {
	return NewEngine(3).Compare(baseline, current)
}

// Compare builds a Report. Byte-identical content is never a content change,
// whatever the tags say.
func (e *Engine) Compare(baseline, current shared.Snapshot) *Report {
	r := &Report{
		BaselineTag:    baseline.VersionTag,
		CurrentTag:     current.VersionTag,
		ContentChanged: !bytes.Equal(baseline.Content, current.Content),
		TagChanged:     baseline.VersionTag != current.VersionTag,
	}
	if !r.ContentChanged {
		return r
	}

	if isBinary(baseline.Content) || isBinary(current.Content) {
		r.Binary = true
		return r
	}

	d, err := e.Diff(baseline.Content, current.Content)
	if err != nil {
		r.TooLarge = true
		return r
	}
	r.Diff = d
	return r
}

// Summarize reports whether the content differs.
func Summarize(r *Report) bool {
	return r != nil && r.ContentChanged
}

func isBinary(content []byte) bool {
	return bytes.IndexByte(content, 0) >= 0
}

package shared

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// TargetKind identifies which remote system a target lives on
type TargetKind string

const (
	KindUSS     TargetKind = "uss"
	KindDataset TargetKind = "dataset"
	KindS3      TargetKind = "s3"
)

var (
	datasetPattern = regexp.MustCompile(`^[A-Z#$@][A-Z0-9#$@-]{0,7}(\.[A-Z#$@][A-Z0-9#$@-]{0,7})*$`)
	memberPattern  = regexp.MustCompile(`^[A-Z#$@][A-Z0-9#$@]{0,7}$`)
)

// Target is a parsed remote file identifier
type Target struct {
	Kind   TargetKind `json:"kind"`
	Raw    string     `json:"raw"`
	Path   string     `json:"path"`             // USS path, data set name or object key
	Member string     `json:"member,omitempty"` // PDS member, data sets only
	Bucket string     `json:"bucket,omitempty"` // s3 only
}

// ParseTarget accepts "/u/user/file", "HLQ.DATA(MEMBER)" and "s3://bucket/key".
func ParseTarget(raw string) (Target, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Target{}, fmt.Errorf("target is required")
	}

	switch {
	case strings.HasPrefix(s, "s3://"):
		rest := strings.TrimPrefix(s, "s3://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
			return Target{}, fmt.Errorf("invalid s3 target %q: want s3://bucket/key", raw)
		}
		return Target{Kind: KindS3, Raw: raw, Bucket: bucket, Path: key}, nil

	case strings.HasPrefix(s, "/"):
		clean := path.Clean(s)
		if clean == "/" {
			return Target{}, fmt.Errorf("invalid uss target %q: path names a directory", raw)
		}
		return Target{Kind: KindUSS, Raw: raw, Path: clean}, nil
	}

	dsn := strings.ToUpper(s)
	var member string
	if open := strings.IndexByte(dsn, '('); open >= 0 {
		if !strings.HasSuffix(dsn, ")") {
			return Target{}, fmt.Errorf("invalid data set target %q: unbalanced member", raw)
		}
		member = dsn[open+1 : len(dsn)-1]
		dsn = dsn[:open]
		if !memberPattern.MatchString(member) {
			return Target{}, fmt.Errorf("invalid member name %q", member)
		}
	}
	if len(dsn) > 44 || !datasetPattern.MatchString(dsn) {
		return Target{}, fmt.Errorf("invalid data set name %q", dsn)
	}

	return Target{Kind: KindDataset, Raw: raw, Path: dsn, Member: member}, nil
}

// String returns the canonical identifier, which is also the stash key.
func (t Target) String() string {
	switch t.Kind {
	case KindS3:
		return "s3://" + t.Bucket + "/" + t.Path
	case KindDataset:
		if t.Member != "" {
			return t.Path + "(" + t.Member + ")"
		}
		return t.Path
	default:
		return t.Path
	}
}

// BaseName is the file name used for the local working copy.
func (t Target) BaseName() string {
	switch t.Kind {
	case KindDataset:
		if t.Member != "" {
			return t.Member
		}
		return t.Path
	default:
		return path.Base(t.Path)
	}
}

// Snapshot is remote content together with the version tag it was read at
type Snapshot struct {
	Content    []byte `json:"content"`
	VersionTag string `json:"version_tag"`
}

// LocalFile is the working state of one edit session
type LocalFile struct {
	Dir         string
	WorkingPath string
	Content     []byte
	VersionTag  string
}

// Stash is the persisted copy of a previous session's content and tag
type Stash struct {
	Dir         string    `json:"dir"`
	Target      string    `json:"target"`
	Content     []byte    `json:"-"`
	VersionTag  string    `json:"version_tag"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	SavedAt     time.Time `json:"saved_at"`
}

// EditDecision is the answer to "reuse the existing stash?"
type EditDecision int

const (
	UseStash EditDecision = iota
	DiscardStashAndRefetch
)

func (d EditDecision) String() string {
	if d == UseStash {
		return "use-stash"
	}
	return "discard-and-refetch"
}

// ConflictDecision is what to do after an upload was rejected as stale
type ConflictDecision int

const (
	RetryUpload ConflictDecision = iota
	Refetch
	Reedit
	Abandon
)

func (d ConflictDecision) String() string {
	switch d {
	case RetryUpload:
		return "retry"
	case Refetch:
		return "refetch"
	case Reedit:
		return "reedit"
	default:
		return "abandon"
	}
}

// UploadAttempt is one conditional write
type UploadAttempt struct {
	Number      int
	Content     []byte
	ExpectedTag string
}

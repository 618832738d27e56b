package session

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path"
	"sync"

	"zedit/internal/diff"
	"zedit/internal/errors"
	"zedit/shared/types"
)

// memStore is an in-memory StashStore
type memStore struct {
	mu       sync.Mutex
	stash    *shared.Stash
	loadErr  error
	files    map[string][]byte
	saves    int
	resolved int
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte)}
}

func (s *memStore) ResolveStagingDirectory(target shared.Target) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved++
	return "/staging/" + target.BaseName(), nil
}

func (s *memStore) HasStash(dir string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stash != nil || s.loadErr != nil, nil
}

func (s *memStore) LoadStash(dir string) (*shared.Stash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	c := *s.stash
	c.Content = bytes.Clone(s.stash.Content)
	return &c, nil
}

func (s *memStore) SaveStash(dir string, target shared.Target, content []byte, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.loadErr = nil
	s.stash = &shared.Stash{Dir: dir, Target: target.String(), Content: bytes.Clone(content), VersionTag: tag}
	return nil
}

func (s *memStore) WorkingCopyPath(dir string, target shared.Target) string {
	return path.Join(dir, target.BaseName())
}

func (s *memStore) WriteWorkingCopy(dir string, target shared.Target, content []byte) (string, error) {
	p := s.WorkingCopyPath(dir, target)
	s.put(p, content)
	return p, nil
}

func (s *memStore) ReadWorkingCopy(dir string, target shared.Target) ([]byte, error) {
	p := s.WorkingCopyPath(dir, target)
	content, ok := s.get(p)
	if !ok {
		return nil, errors.StagingIO("reading working copy", p, fs.ErrNotExist)
	}
	return content, nil
}

func (s *memStore) WriteRejectedCopy(dir string, target shared.Target, content []byte) (string, error) {
	p := s.WorkingCopyPath(dir, target) + ".rejected"
	s.put(p, content)
	return p, nil
}

func (s *memStore) WriteUnsavedCopy(dir string, target shared.Target, content []byte) (string, error) {
	p := s.WorkingCopyPath(dir, target) + ".unsaved"
	s.put(p, content)
	return p, nil
}

func (s *memStore) put(p string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = bytes.Clone(content)
}

func (s *memStore) get(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[p]
	return bytes.Clone(content), ok
}

func (s *memStore) current() *shared.Stash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stash
}

// fakeRemote enforces the conditional write like a real server
type fakeRemote struct {
	mu         sync.Mutex
	content    []byte
	tag        string
	nextTags   []string
	version    int
	fetches    int
	expected   []string
	rejectNext int
	fetchErr   error
	uploadErr  error
}

func newFakeRemote(content, tag string) *fakeRemote {
	return &fakeRemote{content: []byte(content), tag: tag}
}

func (f *fakeRemote) Fetch(ctx context.Context, target shared.Target) (shared.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := ctx.Err(); err != nil {
		return shared.Snapshot{}, err
	}
	if f.fetchErr != nil {
		return shared.Snapshot{}, f.fetchErr
	}
	return shared.Snapshot{Content: bytes.Clone(f.content), VersionTag: f.tag}, nil
}

func (f *fakeRemote) Upload(ctx context.Context, target shared.Target, content []byte, expectedTag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expected = append(f.expected, expectedTag)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	if f.rejectNext > 0 {
		f.rejectNext--
		return "", errors.VersionConflict("precondition failed", f.tag)
	}
	if expectedTag != f.tag {
		return "", errors.VersionConflict("precondition failed", f.tag)
	}
	f.setLocked(content)
	return f.tag, nil
}

// change simulates another writer
func (f *fakeRemote) change(content string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked([]byte(content))
	return f.tag
}

func (f *fakeRemote) setLocked(content []byte) {
	f.content = bytes.Clone(content)
	if len(f.nextTags) > 0 {
		f.tag = f.nextTags[0]
		f.nextTags = f.nextTags[1:]
		return
	}
	f.version++
	f.tag = fmt.Sprintf("etag-%d", f.version)
}

func (f *fakeRemote) uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expected...)
}

// scriptedPrompter answers from a script
type scriptedPrompter struct {
	stashDecision shared.EditDecision
	stashErr      error
	stashCalls    int
	conflicts     []shared.ConflictDecision
	attempts      []shared.UploadAttempt
	reports       []*diff.Report
	onConflict    func()
}

func (p *scriptedPrompter) ChooseStash(ctx context.Context, stash *shared.Stash) (shared.EditDecision, error) {
	p.stashCalls++
	return p.stashDecision, p.stashErr
}

func (p *scriptedPrompter) WarnDiverged(target shared.Target, report *diff.Report) {
	p.reports = append(p.reports, report)
}

func (p *scriptedPrompter) OnConflict(ctx context.Context, target shared.Target, attempt shared.UploadAttempt, cause error) (shared.ConflictDecision, error) {
	p.attempts = append(p.attempts, attempt)
	if p.onConflict != nil {
		p.onConflict()
	}
	if len(p.conflicts) == 0 {
		return shared.Abandon, nil
	}
	d := p.conflicts[0]
	p.conflicts = p.conflicts[1:]
	return d, nil
}

// editorFunc adapts a function to editor.Launcher
type editorFunc func(ctx context.Context, path string) error

func (f editorFunc) Edit(ctx context.Context, path string) error {
	return f(ctx, path)
}

// typist writes each edit in turn; later calls repeat the last one
type typist struct {
	store *memStore
	edits []string
	seen  []string // working copy content when each edit started
}

func (ty *typist) Edit(ctx context.Context, path string) error {
	before, _ := ty.store.get(path)
	ty.seen = append(ty.seen, string(before))
	edit := ty.edits[min(len(ty.seen), len(ty.edits))-1]
	ty.store.put(path, []byte(edit))
	return nil
}

// recordingReporter keeps every stage notification
type recordingReporter struct {
	states   []string
	percents []int
}

func (r *recordingReporter) Stage(state, message string, percent int) {
	r.states = append(r.states, state)
	r.percents = append(r.percents, percent)
}

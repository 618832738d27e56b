// Package session runs one edit of a remote file: stash check, fetch or
// reuse, hand-off to the editor, and a conditional upload that repeats until
// the remote accepts it or the user gives up.
package session

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"

	"zedit/internal/diff"
	"zedit/internal/editor"
	"zedit/internal/errors"
	"zedit/internal/logging"
	"zedit/internal/remote"
	"zedit/internal/staging"
	"zedit/shared/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a step of the session state machine
type State int

const (
	Init State = iota
	StashCheck
	Fetching
	ConflictCheck
	Editing
	Uploading
	Refetching
	Done
)

var stateNames = map[State]string{
	Init:          "Init",
	StashCheck:    "StashCheck",
	Fetching:      "Fetching",
	ConflictCheck: "ConflictCheck",
	Editing:       "Editing",
	Uploading:     "Uploading",
	Refetching:    "Refetching",
	Done:          "Done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// progress is what the reporter shows on entering each state
var progress = map[State]struct {
	message string
	percent int
}{
	Init:          {"Preparing staging directory", 0},
	StashCheck:    {"Checking for a stashed copy", 5},
	Fetching:      {"Retrieving remote file", 10},
	ConflictCheck: {"Comparing stashed copy with remote", 20},
	Editing:       {"Waiting for edits", 40},
	Uploading:     {"Uploading", 70},
	Refetching:    {"Retrieving latest remote file", 10},
	Done:          {"Upload complete", 100},
}

// StashStore is the staging side of a session. *staging.Store implements it.
type StashStore interface {
	ResolveStagingDirectory(target shared.Target) (string, error)
	HasStash(dir string) (bool, error)
	LoadStash(dir string) (*shared.Stash, error)
	SaveStash(dir string, target shared.Target, content []byte, tag string) error
	WorkingCopyPath(dir string, target shared.Target) string
	WriteWorkingCopy(dir string, target shared.Target, content []byte) (string, error)
	ReadWorkingCopy(dir string, target shared.Target) ([]byte, error)
	WriteRejectedCopy(dir string, target shared.Target, content []byte) (string, error)
	WriteUnsavedCopy(dir string, target shared.Target, content []byte) (string, error)
}

// Prompter makes the user-facing decisions
type Prompter interface {
	ChooseStash(ctx context.Context, stash *shared.Stash) (shared.EditDecision, error)
	WarnDiverged(target shared.Target, report *diff.Report)
	OnConflict(ctx context.Context, target shared.Target, attempt shared.UploadAttempt, cause error) (shared.ConflictDecision, error)
}

// Reporter receives a coarse progress notification on every transition
type Reporter interface {
	Stage(state, message string, percent int)
}

type nopReporter struct{}

func (nopReporter) Stage(string, string, int) {}

type Options struct {
	Store        StashStore
	Gateway      remote.Gateway
	Prompter     Prompter
	Editor       editor.Launcher
	Reporter     Reporter
	ContextLines int
	Logger       *logging.Logger
}

type Controller struct {
	store    StashStore
	gateway  remote.Gateway
	prompter Prompter
	editor   editor.Launcher
	reporter Reporter
	engine   *diff.Engine
	logger   *logging.Logger
}

func New(opts Options) (*Controller, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("session: store is required")
	case opts.Gateway == nil:
		return nil, fmt.Errorf("session: gateway is required")
	case opts.Prompter == nil:
		return nil, fmt.Errorf("session: prompter is required")
	case opts.Editor == nil:
		return nil, fmt.Errorf("session: editor is required")
	}
	if opts.Reporter == nil {
		opts.Reporter = nopReporter{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	return &Controller{
		store:    opts.Store,
		gateway:  opts.Gateway,
		prompter: opts.Prompter,
		editor:   opts.Editor,
		reporter: opts.Reporter,
		engine:   diff.NewEngine(opts.ContextLines),
		logger:   opts.Logger,
	}, nil
}

// Result describes a finished or failed session
type Result struct {
	SessionID    string
	Target       shared.Target
	Dir          string
	WorkingPath  string
	VersionTag   string // tag of the accepted upload
	Attempts     int    // upload attempts, including rejected ones
	UsedStash    bool
	Diverged     bool   // the stash no longer matched the remote
	RejectedPath string // last rejected edit kept aside before a refetch
	UnsavedPath  string // edits left by an earlier session, kept aside before a fetch
	States       []State
}

type run struct {
	*Controller
	ctx      context.Context
	target   shared.Target
	logger   *logging.Logger
	result   *Result
	file     shared.LocalFile
	stash    *shared.Stash
	known    []byte // stash content, even when the user chose not to reuse it
	rejected []byte
}

// Run drives one session for target. The returned Result is never nil and
// tells a caller where the working copy is, even when err is set.
func (c *Controller) Run(ctx context.Context, target shared.Target) (*Result, error) {
	id := uuid.NewString()
	r := &run{
		Controller: c,
		ctx:        ctx,
		target:     target,
		logger:     c.logger.WithSession(id).WithTarget(target.String()),
		result:     &Result{SessionID: id, Target: target},
	}

	state := Init
	for {
		r.enter(state)
		if state == Done {
			break
		}

		next, err := r.step(state)
		if err != nil {
			return r.result, r.fail(state, err)
		}
		state = next
	}

	r.result.VersionTag = r.file.VersionTag
	r.logger.Info("session complete",
		zap.String("etag", r.file.VersionTag),
		zap.Int("attempts", r.result.Attempts))
	return r.result, nil
}

func (r *run) enter(state State) {
	r.result.States = append(r.result.States, state)
	p := progress[state]
	r.reporter.Stage(state.String(), p.message, p.percent)
	r.logger.Debug("state", zap.Stringer("state", state))
}

func (r *run) step(state State) (State, error) {
	switch state {
	case Init:
		return r.resolve()
	case StashCheck:
		return r.stashCheck()
	case Fetching:
		return r.fetching()
	case ConflictCheck:
		return r.conflictCheck()
	case Editing:
		return r.editing()
	case Uploading:
		return r.uploading()
	case Refetching:
		return r.refetching()
	}
	return Done, fmt.Errorf("unexpected state %s", state)
}

func (r *run) resolve() (State, error) {
	dir, err := r.store.ResolveStagingDirectory(r.target)
	if err != nil {
		return Init, err
	}
	r.file.Dir = dir
	r.result.Dir = dir
	r.result.WorkingPath = r.store.WorkingCopyPath(dir, r.target)
	return StashCheck, nil
}

func (r *run) stashCheck() (State, error) {
	has, err := r.store.HasStash(r.file.Dir)
	if err != nil {
		return StashCheck, err
	}
	if !has {
		return Fetching, nil
	}

	stash, err := r.store.LoadStash(r.file.Dir)
	switch {
	case errors.IsType(err, errors.ErrorTypeStashCorrupt):
		r.logger.Warn("ignoring unusable stash", zap.Error(err))
		return Fetching, nil
	case stderrors.Is(err, staging.ErrNoStash):
		return Fetching, nil
	case err != nil:
		return StashCheck, err
	}

	r.known = stash.Content

	decision, err := r.prompter.ChooseStash(r.ctx, stash)
	if err != nil {
		return StashCheck, err
	}
	r.logger.Debug("stash decision", zap.Stringer("decision", decision))

	if decision == shared.UseStash {
		r.stash = stash
		r.result.UsedStash = true
		return ConflictCheck, nil
	}
	// The old stash stays until a successful upload replaces it.
	return Fetching, nil
}

func (r *run) fetching() (State, error) {
	snap, err := r.gateway.Fetch(r.ctx, r.target)
	if err != nil {
		return Fetching, err
	}
	if err := r.keepUnsaved(snap.Content); err != nil {
		return Fetching, err
	}
	return r.install(snap)
}

// keepUnsaved moves a working copy that matches neither the stash nor fetched
// out of the way; it holds edits no session uploaded.
func (r *run) keepUnsaved(fetched []byte) error {
	existing, err := r.store.ReadWorkingCopy(r.file.Dir, r.target)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if bytes.Equal(existing, fetched) || (r.known != nil && bytes.Equal(existing, r.known)) {
		return nil
	}

	path, err := r.store.WriteUnsavedCopy(r.file.Dir, r.target, existing)
	if err != nil {
		return err
	}
	r.result.UnsavedPath = path
	r.logger.Warn("kept edits from an earlier session", zap.String("path", path))
	return nil
}

func (r *run) install(snap shared.Snapshot) (State, error) {
	path, err := r.store.WriteWorkingCopy(r.file.Dir, r.target, snap.Content)
	if err != nil {
		return Fetching, err
	}

	r.file.WorkingPath = path
	r.file.Content = snap.Content
	r.file.VersionTag = snap.VersionTag
	r.logger.Debug("fetched", zap.String("etag", snap.VersionTag), zap.Int("size", len(snap.Content)))
	return Editing, nil
}

func (r *run) conflictCheck() (State, error) {
	r.file.Content = r.stash.Content
	r.file.VersionTag = r.stash.VersionTag
	r.file.WorkingPath = r.store.WorkingCopyPath(r.file.Dir, r.target)

	// A working copy left by an interrupted session holds unsaved work; keep it.
	if _, err := r.store.ReadWorkingCopy(r.file.Dir, r.target); err != nil {
		if !stderrors.Is(err, fs.ErrNotExist) {
			return ConflictCheck, err
		}
		if _, err := r.store.WriteWorkingCopy(r.file.Dir, r.target, r.stash.Content); err != nil {
			return ConflictCheck, err
		}
	}

	probe, err := r.gateway.Fetch(r.ctx, r.target)
	if err != nil {
		return ConflictCheck, err
	}

	baseline := shared.Snapshot{Content: r.stash.Content, VersionTag: r.stash.VersionTag}
	report := r.engine.Compare(baseline, probe)
	if diff.Summarize(report) {
		r.result.Diverged = true
		r.logger.Warn("remote changed since stash",
			zap.String("stash_etag", report.BaselineTag),
			zap.String("remote_etag", report.CurrentTag))
		r.prompter.WarnDiverged(r.target, report)
	} else if report.TagChanged {
		r.logger.Info("remote tag moved without a content change",
			zap.String("stash_etag", report.BaselineTag),
			zap.String("remote_etag", report.CurrentTag))
	}

	return Editing, nil
}

func (r *run) editing() (State, error) {
	if err := r.editor.Edit(r.ctx, r.file.WorkingPath); err != nil {
		return Editing, err
	}
	return Uploading, nil
}

func (r *run) uploading() (State, error) {
	if err := r.ctx.Err(); err != nil {
		return Uploading, err
	}

	content, err := r.store.ReadWorkingCopy(r.file.Dir, r.target)
	if err != nil {
		return Uploading, err
	}

	r.result.Attempts++
	attempt := shared.UploadAttempt{
		Number:      r.result.Attempts,
		Content:     content,
		ExpectedTag: r.file.VersionTag,
	}

	tag, err := r.gateway.Upload(r.ctx, r.target, content, attempt.ExpectedTag)
	if err == nil {
		if err := r.store.SaveStash(r.file.Dir, r.target, content, tag); err != nil {
			return Uploading, fmt.Errorf("upload succeeded but the stash was not updated: %w", err)
		}
		r.file.Content = content
		r.file.VersionTag = tag
		return Done, nil
	}
	if !errors.IsType(err, errors.ErrorTypeVersionConflict) {
		return Uploading, err
	}

	r.logger.Warn("upload rejected, remote changed",
		zap.Int("attempt", attempt.Number),
		zap.String("expected_etag", attempt.ExpectedTag))

	decision, perr := r.prompter.OnConflict(r.ctx, r.target, attempt, err)
	if perr != nil {
		return Uploading, perr
	}
	r.logger.Debug("conflict decision", zap.Stringer("decision", decision))

	switch decision {
	case shared.RetryUpload:
		return Uploading, nil
	case shared.Reedit:
		return Editing, nil
	case shared.Refetch:
		r.rejected = content
		return Refetching, nil
	default:
		return Uploading, errors.Aborted(
			fmt.Sprintf("upload abandoned after a version conflict; edits kept in %s", r.file.WorkingPath), err)
	}
}

func (r *run) refetching() (State, error) {
	path, err := r.store.WriteRejectedCopy(r.file.Dir, r.target, r.rejected)
	if err != nil {
		return Refetching, err
	}
	r.result.RejectedPath = path
	r.rejected = nil
	r.logger.Info("kept rejected edit", zap.String("path", path))

	snap, err := r.gateway.Fetch(r.ctx, r.target)
	if err != nil {
		return Refetching, err
	}
	return r.install(snap)
}

// fail annotates err with where the session stopped
func (r *run) fail(state State, err error) error {
	if !errors.IsType(err, errors.ErrorTypeAborted) && (r.ctx.Err() != nil || stderrors.Is(err, context.Canceled)) {
		err = errors.Aborted("session cancelled", err)
	}

	if e, ok := err.(*errors.Error); ok {
		annotated := e.WithStage(state.String())
		if annotated.Target == "" {
			annotated = annotated.WithTarget(r.target.String())
		}
		err = annotated
	} else {
		err = fmt.Errorf("%s: %s: %w", r.target, state, err)
	}

	if errors.IsType(err, errors.ErrorTypeAborted) {
		r.logger.Info("session aborted", zap.Stringer("state", state), zap.Error(err))
	} else {
		r.logger.Error("session failed", zap.Stringer("state", state), zap.Error(err))
	}
	return err
}

// Package staging owns the local side of an edit: one working directory per
// remote target and the stash kept inside it.
//
// A stash is a content blob plus the version tag it was uploaded or fetched
// at. Both live in a small badger database under the staging directory and
// are always written in one transaction, so a stash is either complete or
// absent on disk.
package staging

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"zedit/internal/errors"
	"zedit/internal/logging"
	"zedit/internal/storage"
	"zedit/shared/types"
	"zedit/shared/utils"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	stashDBDir = ".zedit-stash"
	keyPrefix  = "stash"
	metaKey    = "meta"
	contentKey = "content"
)

// ErrNoStash is returned by LoadStash when the directory holds no stash at all.
var ErrNoStash = stderrors.New("no stash")

// stashRecord is the metadata half of a stash
type stashRecord struct {
	Target      string    `json:"target"`
	VersionTag  string    `json:"version_tag"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	Compressed  bool      `json:"compressed"`
	SavedAt     time.Time `json:"saved_at"`
}

// Options configures Store behavior
type Options struct {
	Root        string // Staging root; every staging directory lives below it
	CacheSize   int    // Number of loaded stashes to keep in memory
	Compression CompressionOptions
	Logger      *logging.Logger
}

// Store implements the staging store on the local filesystem
type Store struct {
	root   string
	mu     sync.Mutex
	dbs    map[string]*badger.DB
	cache  *lru.Cache[string, *shared.Stash]
	codec  *compressionManager
	logger *logging.Logger
}

// New creates the staging root if needed and returns a Store over it.
func New(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("staging root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving staging root: %w", err)
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.StagingIO("cannot create staging root", root, err)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 16
	}
	cache, err := lru.New[string, *shared.Stash](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	if opts.Compression.MinSize == 0 && opts.Compression.Level == 0 {
		opts.Compression = DefaultCompressionOptions()
	}
	codec, err := newCompressionManager(opts.Compression)
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	return &Store{
		root:   root,
		dbs:    make(map[string]*badger.DB),
		cache:  cache,
		codec:  codec,
		logger: opts.Logger,
	}, nil
}

func (s *Store) Root() string {
	return s.root
}

// DirectoryFor is the deterministic staging directory for target. It does not touch the disk.
func (s *Store) DirectoryFor(target shared.Target) string {
	name := utils.SafeName(target.BaseName()) + "-" + utils.HashString(target.String())[:16]
	return filepath.Join(s.root, name)
}

// ResolveStagingDirectory returns the staging directory for target, creating it
// if absent. It also opens the stash database, which holds the directory lock:
// a second process resolving the same target fails until this Store is closed.
func (s *Store) ResolveStagingDirectory(target shared.Target) (string, error) {
	dir := s.DirectoryFor(target)

	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return "", errors.StagingIO("staging path exists and is not a directory", dir, nil).WithTarget(target.String())
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", errors.StagingIO("cannot create staging directory", dir, err).WithTarget(target.String())
		}
		s.logger.Debug("created staging directory", zap.String("dir", dir))
	case err != nil:
		return "", errors.StagingIO("cannot stat staging directory", dir, err).WithTarget(target.String())
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return "", errors.StagingIO("staging directory is not writable", dir, err).WithTarget(target.String())
	}
	probe.Close()
	os.Remove(probe.Name())

	if _, err := s.kv(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// HasStash reports whether dir holds a stash record.
func (s *Store) HasStash(dir string) (bool, error) {
	if err := s.checkDir(dir); err != nil {
		return false, err
	}
	if s.cache.Contains(dir) {
		return true, nil
	}
	if !s.dbExists(dir) {
		return false, nil
	}

	kv, err := s.kv(dir)
	if err != nil {
		return false, err
	}
	ok, err := kv.Exists(metaKey)
	if err != nil {
		return false, errors.StagingIO("reading stash", dir, err)
	}
	return ok, nil
}

// LoadStash returns the stash in dir. A stash that is present but unreadable or
// incomplete yields a STASH_CORRUPT error.
func (s *Store) LoadStash(dir string) (*shared.Stash, error) {
	if err := s.checkDir(dir); err != nil {
		return nil, err
	}
	if cached, ok := s.cache.Get(dir); ok {
		return cloneStash(cached), nil
	}
	if !s.dbExists(dir) {
		return nil, ErrNoStash
	}

	kv, err := s.kv(dir)
	if err != nil {
		return nil, err
	}

	var rec stashRecord
	err = kv.Get(metaKey, &rec)
	if stderrors.Is(err, storage.ErrNotFound) {
		hasContent, cerr := kv.Exists(contentKey)
		if cerr != nil {
			return nil, errors.StagingIO("reading stash", dir, cerr)
		}
		if hasContent {
			return nil, errors.StashCorrupt("stash content has no version tag", dir, nil)
		}
		return nil, ErrNoStash
	}
	if err != nil {
		return nil, errors.StashCorrupt("stash metadata is unreadable", dir, err)
	}
	if rec.VersionTag == "" {
		return nil, errors.StashCorrupt("stash has no version tag", dir, nil)
	}

	raw, err := kv.GetRaw(contentKey)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.StashCorrupt("stash version tag has no content", dir, nil)
	}
	if err != nil {
		return nil, errors.StashCorrupt("stash content is unreadable", dir, err)
	}

	content, err := s.codec.decompress(raw, rec.Compressed)
	if err != nil {
		return nil, errors.StashCorrupt("stash content cannot be decoded", dir, err)
	}
	if utils.HashContent(content) != rec.ContentHash {
		return nil, errors.StashCorrupt("stash content hash mismatch", dir, nil)
	}

	stash := &shared.Stash{
		Dir:         dir,
		Target:      rec.Target,
		Content:     content,
		VersionTag:  rec.VersionTag,
		ContentHash: rec.ContentHash,
		Size:        rec.Size,
		SavedAt:     rec.SavedAt,
	}
	s.cache.Add(dir, stash)

	return cloneStash(stash), nil
}

// SaveStash replaces any stash in dir with content and tag.
func (s *Store) SaveStash(dir string, target shared.Target, content []byte, tag string) error {
	if err := s.checkDir(dir); err != nil {
		return err
	}
	if tag == "" {
		return errors.ValidationError("cannot stash content without a version tag", nil)
	}

	kv, err := s.kv(dir)
	if err != nil {
		return err
	}

	encoded, compressed := s.codec.compress(content)
	rec := stashRecord{
		Target:      target.String(),
		VersionTag:  tag,
		ContentHash: utils.HashContent(content),
		Size:        int64(len(content)),
		Compressed:  compressed,
		SavedAt:     time.Now().UTC(),
	}

	err = kv.Update(func(tx *storage.Tx) error {
		if err := tx.Set(contentKey, encoded); err != nil {
			return err
		}
		return tx.SetJSON(metaKey, rec)
	})
	if err != nil {
		s.cache.Remove(dir)
		return errors.StagingIO("writing stash", dir, err).WithTarget(target.String())
	}

	s.cache.Add(dir, &shared.Stash{
		Dir:         dir,
		Target:      rec.Target,
		Content:     bytes.Clone(content),
		VersionTag:  tag,
		ContentHash: rec.ContentHash,
		Size:        rec.Size,
		SavedAt:     rec.SavedAt,
	})

	s.logger.Debug("stash saved",
		zap.String("dir", dir),
		zap.String("tag", tag),
		zap.Int64("size", rec.Size),
		zap.Bool("compressed", compressed))
	return nil
}

// DeleteStash removes the stash in dir. Deleting an absent stash is not an error.
func (s *Store) DeleteStash(dir string) error {
	if err := s.checkDir(dir); err != nil {
		return err
	}
	s.cache.Remove(dir)

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[dir]; ok {
		delete(s.dbs, dir)
		if err := db.Close(); err != nil {
			s.logger.Warn("closing stash database", zap.String("dir", dir), zap.Error(err))
		}
	}

	if err := os.RemoveAll(filepath.Join(dir, stashDBDir)); err != nil {
		return errors.StagingIO("removing stash", dir, err)
	}
	return nil
}

// WorkingCopyPath is the file the editor is pointed at.
func (s *Store) WorkingCopyPath(dir string, target shared.Target) string {
	name := utils.SafeName(target.BaseName())
	if name == stashDBDir || strings.HasPrefix(name, ".probe-") {
		name = "_" + name
	}
	return filepath.Join(dir, name)
}

// WriteWorkingCopy atomically replaces the working copy with content.
func (s *Store) WriteWorkingCopy(dir string, target shared.Target, content []byte) (string, error) {
	if err := s.checkDir(dir); err != nil {
		return "", err
	}
	path := s.WorkingCopyPath(dir, target)
	if err := atomicWrite(path, content, 0600); err != nil {
		return "", errors.StagingIO("writing working copy", path, err).WithTarget(target.String())
	}
	return path, nil
}

// ReadWorkingCopy returns the working copy, or os.ErrNotExist wrapped in a STAGING_IO error.
func (s *Store) ReadWorkingCopy(dir string, target shared.Target) ([]byte, error) {
	if err := s.checkDir(dir); err != nil {
		return nil, err
	}
	path := s.WorkingCopyPath(dir, target)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.StagingIO("reading working copy", path, err).WithTarget(target.String())
	}
	return content, nil
}

// WriteRejectedCopy keeps content that the remote refused next to the working copy.
func (s *Store) WriteRejectedCopy(dir string, target shared.Target, content []byte) (string, error) {
	return s.writeAside(dir, target, ".rejected", content)
}

// WriteUnsavedCopy keeps edits an earlier session never uploaded before the
// working copy is replaced.
func (s *Store) WriteUnsavedCopy(dir string, target shared.Target, content []byte) (string, error) {
	return s.writeAside(dir, target, ".unsaved", content)
}

func (s *Store) writeAside(dir string, target shared.Target, suffix string, content []byte) (string, error) {
	if err := s.checkDir(dir); err != nil {
		return "", err
	}
	path := s.WorkingCopyPath(dir, target) + suffix
	if err := atomicWrite(path, content, 0600); err != nil {
		return "", errors.StagingIO("writing "+strings.TrimPrefix(suffix, ".")+" copy", path, err).WithTarget(target.String())
	}
	return path, nil
}

// Close releases every open stash database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for dir, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", dir, err))
		}
		delete(s.dbs, dir)
	}
	s.cache.Purge()
	return stderrors.Join(errs...)
}

// Internal helper functions

func (s *Store) checkDir(dir string) error {
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return errors.StagingIO("directory is outside the staging root", dir, nil)
	}
	return nil
}

func (s *Store) dbExists(dir string) bool {
	s.mu.Lock()
	_, open := s.dbs[dir]
	s.mu.Unlock()
	if open {
		return true
	}
	_, err := os.Stat(filepath.Join(dir, stashDBDir))
	return err == nil
}

func (s *Store) kv(dir string) (*storage.BadgerStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, ok := s.dbs[dir]
	if !ok {
		var err error
		db, err = storage.Open(filepath.Join(dir, stashDBDir))
		if err != nil {
			return nil, errors.StagingIO("cannot open stash (is another session editing this target?)", dir, err)
		}
		s.dbs[dir] = db
	}
	return storage.NewBadgerStore(db, keyPrefix), nil
}

func cloneStash(st *shared.Stash) *shared.Stash {
	c := *st
	c.Content = bytes.Clone(st.Content)
	return &c
}

// atomicWrite writes data to a temp file next to path and renames it into place.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".zedit-tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on error
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		tmpFile = nil
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	tmpFile = nil

	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Package editor hands the working copy to the user and returns once they are done with it.
package editor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"zedit/internal/errors"
	"zedit/internal/logging"
	"zedit/shared/utils"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Launcher blocks until editing of path is complete.
type Launcher interface {
	Edit(ctx context.Context, path string) error
}

// Command runs an external editor such as "vi" or "code --wait" and waits for it to exit.
type Command struct {
	Name   string
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func NewCommand(command string) (*Command, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.ValidationError("editor command is empty", nil)
	}
	return &Command{
		Name:   fields[0],
		Args:   fields[1:],
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Edit treats a non-zero exit as the user backing out.
func (c *Command) Edit(ctx context.Context, path string) error {
	args := append(append([]string(nil), c.Args...), path)
	cmd := exec.CommandContext(ctx, c.Name, args...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return errors.Aborted("editor interrupted", ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &exitErr):
		return errors.Aborted(fmt.Sprintf("editor exited with status %d", exitErr.ExitCode()), err)
	default:
		return errors.ValidationError(fmt.Sprintf("cannot start editor %q: %v", c.Name, err), nil)
	}
}

// Confirmer asks the user whether editing is finished
type Confirmer interface {
	ConfirmDone(ctx context.Context, path string) error
}

// Watched lets the user edit with any tool and waits for a confirmation.
// Meanwhile it watches the file and calls OnSave whenever its content changes.
type Watched struct {
	confirm Confirmer
	OnSave  func(path string)
	logger  *logging.Logger
}

func NewWatched(confirm Confirmer, logger *logging.Logger) *Watched {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watched{confirm: confirm, logger: logger}
}

func (w *Watched) Edit(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("cannot watch working copy", zap.Error(err))
		return w.confirm.ConfirmDone(ctx, path)
	}

	// Editors often save by renaming a temp file over the original, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		w.logger.Warn("cannot watch working copy", zap.String("path", path), zap.Error(err))
		return w.confirm.ConfirmDone(ctx, path)
	}

	initial := hashFile(path)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watchLoop(watcher, filepath.Clean(path), initial)
	}()

	err = w.confirm.ConfirmDone(ctx, path)

	watcher.Close()
	wg.Wait()
	return err
}

// watchLoop runs until the watcher is closed
func (w *Watched) watchLoop(watcher *fsnotify.Watcher, path, last string) {

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			current := hashFile(path)
			if current == "" || current == last {
				continue
			}
			last = current
			w.logger.Debug("working copy saved", zap.String("path", path))
			if w.OnSave != nil {
				w.OnSave(path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return utils.HashContent(data)
}

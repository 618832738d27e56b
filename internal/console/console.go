// Package console talks to the user: yes/no and conflict prompts, stage
// messages and coloured diffs.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"zedit/internal/diff"
	"zedit/internal/errors"
	"zedit/shared/types"

	"github.com/fatih/color"
)

var (
	warn    = color.New(color.FgYellow)
	success = color.New(color.FgGreen)
	stage   = color.New(color.FgCyan)
	prompt  = color.New(color.Bold)
)

// Terminal is a line-oriented prompter over any reader and writer
type Terminal struct {
	out   io.Writer
	in    *bufio.Scanner
	lines chan string
	once  sync.Once
	Quiet bool // suppress stage messages
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		out:   out,
		in:    bufio.NewScanner(in),
		lines: make(chan string),
	}
}

// readLine waits for the next input line or ctx. io.EOF once input is exhausted.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.once.Do(func() {
		go func() {
			for t.in.Scan() {
				t.lines <- t.in.Text()
			}
			close(t.lines)
		}()
	})

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return "", errors.Aborted("prompt cancelled", ctx.Err())
	case line, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.ToLower(strings.TrimSpace(line)), nil
	}
}

// ChooseStash asks whether to continue from an existing stash. Empty input means yes.
func (t *Terminal) ChooseStash(ctx context.Context, stash *shared.Stash) (shared.EditDecision, error) {
	fmt.Fprintf(t.out, "A stashed copy of %s from %s exists (version %s).\n",
		stash.Target, stash.SavedAt.Local().Format("2006-01-02 15:04:05"), stash.VersionTag)

	for {
		prompt.Fprint(t.out, "Continue editing the stashed copy? [Y/n] ")
		answer, err := t.readLine(ctx)
		if err == io.EOF {
			return shared.DiscardStashAndRefetch, errors.Aborted("no answer to stash prompt", nil)
		}
		if err != nil {
			return shared.DiscardStashAndRefetch, err
		}

		switch answer {
		case "", "y", "yes":
			return shared.UseStash, nil
		case "n", "no":
			return shared.DiscardStashAndRefetch, nil
		}
	}
}

// WarnDiverged shows how the remote moved away from the stash.
func (t *Terminal) WarnDiverged(target shared.Target, report *diff.Report) {
	warn.Fprintf(t.out, "Warning: %s changed on the remote since it was stashed (stash %s, remote %s).\n",
		target, report.BaselineTag, report.CurrentTag)
	warn.Fprintln(t.out, "Your upload will be rejected unless you start over from the remote copy.")

	switch {
	case report.Binary:
		fmt.Fprintln(t.out, "Binary content differs.")
	case report.TooLarge:
		fmt.Fprintln(t.out, "Content differs; too many lines changed to show a diff.")
	case report.Diff != nil:
		PrintDiff(t.out, report.Diff.FormatWithHeader("stash", "remote"))
	}
}

// OnConflict asks what to do with an upload the remote rejected.
func (t *Terminal) OnConflict(ctx context.Context, target shared.Target, attempt shared.UploadAttempt, cause error) (shared.ConflictDecision, error) {
	warn.Fprintf(t.out, "Upload %d of %s was rejected: the remote changed since version %s.\n",
		attempt.Number, target, attempt.ExpectedTag)

	for {
		prompt.Fprint(t.out, "[r]etry upload, [f]etch latest and edit again, [e]dit again, [a]bandon? ")
		answer, err := t.readLine(ctx)
		if err == io.EOF {
			return shared.Abandon, nil
		}
		if err != nil {
			return shared.Abandon, err
		}

		switch answer {
		case "r", "retry":
			return shared.RetryUpload, nil
		case "f", "fetch":
			return shared.Refetch, nil
		case "e", "edit":
			return shared.Reedit, nil
		case "a", "abandon":
			return shared.Abandon, nil
		}
	}
}

// ConfirmDone blocks until the user says the edit at path is finished.
func (t *Terminal) ConfirmDone(ctx context.Context, path string) error {
	fmt.Fprintf(t.out, "Edit %s and save it.\n", path)
	prompt.Fprint(t.out, "Press Enter to upload, or type q to stop: ")

	answer, err := t.readLine(ctx)
	if err == io.EOF {
		return errors.Aborted("input closed before editing finished", nil)
	}
	if err != nil {
		return err
	}
	if answer == "q" || answer == "quit" {
		return errors.Aborted("stopped before upload", nil)
	}
	return nil
}

// Stage prints a progress line.
func (t *Terminal) Stage(state, message string, percent int) {
	if t.Quiet {
		return
	}
	stage.Fprintf(t.out, "[%3d%%] ", percent)
	fmt.Fprintf(t.out, "%s\n", message)
}

func (t *Terminal) Success(format string, args ...any) {
	success.Fprintf(t.out, format+"\n", args...)
}

func (t *Terminal) Warn(format string, args ...any) {
	warn.Fprintf(t.out, format+"\n", args...)
}

// PrintDiff writes diff text with added lines green and removed lines red.
func PrintDiff(w io.Writer, text string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	if text == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		switch {
		case line == "":
			fmt.Fprintln(w)
		case strings.HasPrefix(line, "@@"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
			header.Fprintln(w, line)
		case strings.HasPrefix(line, "+"):
			added.Fprintln(w, line)
		case strings.HasPrefix(line, "-"):
			removed.Fprintln(w, line)
		default:
			fmt.Fprintln(w, line)
		}
	}
}

// cmd/zedit/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zedit/client"
	"zedit/internal/config"
	"zedit/internal/console"
	"zedit/internal/diff"
	"zedit/internal/editor"
	"zedit/internal/errors"
	"zedit/internal/logging"
	"zedit/internal/metrics"
	"zedit/internal/remote"
	"zedit/internal/remote/s3"
	"zedit/internal/session"
	"zedit/internal/staging"
	"zedit/shared/types"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
	stagingDir string
	quiet      bool

	cfg    *config.Config
	logger = logging.Nop()
	term   = console.NewTerminal(os.Stdin, os.Stdout)
)

var rootCmd = &cobra.Command{
	Use:   "zedit",
	Short: "Edit remote files safely",
	Long: `zedit downloads a remote file into a local staging directory, opens it for
editing and uploads it back only if nobody changed the remote copy in the
meantime. The last uploaded copy is stashed so an interrupted edit can resume.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("loading config: %v", err), nil)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("staging-dir") {
		cfg.StagingDir = stagingDir
	}

	logger, err = logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("initializing logger: %v", err), nil)
	}
	term.Quiet = quiet
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&stagingDir, "staging-dir", "", "staging root directory")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "hide progress messages")

	var editorCommand string
	var binary bool

	var editCmd = &cobra.Command{
		Use:   "edit <target>",
		Short: "Edit a remote file",
		Long: `Edit a remote file. A target is a USS path (/u/user/file), a data set
(HLQ.DATA or HLQ.PDS(MEMBER)) or an S3 object (s3://bucket/key).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("editor") {
				cfg.Editor = editorCommand
			}
			if cmd.Flags().Changed("binary") {
				cfg.Remote.Binary = binary
			}
			return runEdit(cmd.Context(), target)
		},
	}
	editCmd.Flags().StringVarP(&editorCommand, "editor", "e", "", "editor command (default $EDITOR; empty waits for Enter)")
	editCmd.Flags().BoolVar(&binary, "binary", false, "transfer content without code page conversion")

	var contextLines int
	var diffCmd = &cobra.Command{
		Use:   "diff <target>",
		Short: "Show how the remote file differs from the stashed copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("context-lines") {
				contextLines = cfg.ContextLines
			}
			return runDiff(cmd.Context(), target, contextLines)
		},
	}
	diffCmd.Flags().IntVarP(&contextLines, "context-lines", "U", 3, "lines of context around changes")

	var stashCmd = &cobra.Command{
		Use:   "stash",
		Short: "Inspect or remove the stashed copy of a target",
	}

	var stashShowCmd = &cobra.Command{
		Use:   "show <target>",
		Short: "Show the stashed copy's version and age",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			return withStore(func(store *staging.Store) error {
				dir := store.DirectoryFor(target)
				has, err := store.HasStash(dir)
				if err != nil {
					return err
				}
				if !has {
					fmt.Printf("No stash for %s\n", target)
					return nil
				}

				stash, err := store.LoadStash(dir)
				if err != nil {
					return err
				}
				fmt.Printf("Target:    %s\n", stash.Target)
				fmt.Printf("Version:   %s\n", stash.VersionTag)
				fmt.Printf("Saved:     %s\n", stash.SavedAt.Local().Format(time.RFC1123))
				fmt.Printf("Size:      %d bytes\n", stash.Size)
				fmt.Printf("Directory: %s\n", dir)
				return nil
			})
		},
	}

	var stashDropCmd = &cobra.Command{
		Use:   "drop <target>",
		Short: "Delete the stashed copy so the next edit starts from the remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			return withStore(func(store *staging.Store) error {
				if err := store.DeleteStash(store.DirectoryFor(target)); err != nil {
					return err
				}
				fmt.Printf("Dropped stash for %s\n", target)
				return nil
			})
		},
	}

	stashCmd.AddCommand(stashShowCmd, stashDropCmd)
	rootCmd.AddCommand(editCmd, diffCmd, stashCmd)
}

func parseTarget(raw string) (shared.Target, error) {
	target, err := shared.ParseTarget(raw)
	if err != nil {
		return shared.Target{}, errors.ValidationError(err.Error(), nil)
	}
	return target, nil
}

func withStore(fn func(*staging.Store) error) error {
	store, err := staging.New(staging.Options{Root: cfg.StagingDir, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func runEdit(ctx context.Context, target shared.Target) error {
	var m *metrics.Metrics
	if cfg.MetricsTextfile != "" {
		m = metrics.New()
	}

	gw, err := newGateway(ctx, target.Kind)
	if err != nil {
		return err
	}
	if m != nil {
		gw = remote.Instrument(gw, m)
	}

	launcher, err := newLauncher()
	if err != nil {
		return err
	}

	return withStore(func(store *staging.Store) error {
		controller, err := session.New(session.Options{
			Store:        store,
			Gateway:      gw,
			Prompter:     term,
			Editor:       launcher,
			Reporter:     term,
			ContextLines: cfg.ContextLines,
			Logger:       logger,
		})
		if err != nil {
			return err
		}

		result, err := controller.Run(ctx, target)

		if m != nil {
			m.RecordSession(remote.Outcome(err), result.Attempts)
			if werr := m.WriteTextfile(cfg.MetricsTextfile); werr != nil {
				logger.Warn("writing metrics", zap.String("path", cfg.MetricsTextfile), zap.Error(werr))
			}
		}

		if result.UnsavedPath != "" {
			term.Warn("Edits from an earlier session kept at %s", result.UnsavedPath)
		}
		if err != nil {
			if result.RejectedPath != "" {
				term.Warn("Rejected edit kept at %s", result.RejectedPath)
			}
			return err
		}

		term.Success("Successfully uploaded edited file")
		fmt.Printf("%s is now at version %s (%d upload attempt(s))\n", target, result.VersionTag, result.Attempts)
		return nil
	})
}

func runDiff(ctx context.Context, target shared.Target, contextLines int) error {
	gw, err := newGateway(ctx, target.Kind)
	if err != nil {
		return err
	}

	return withStore(func(store *staging.Store) error {
		baseline := shared.Snapshot{}
		baselineName := "/dev/null"

		dir := store.DirectoryFor(target)
		has, err := store.HasStash(dir)
		if err != nil {
			return err
		}
		if has {
			stash, err := store.LoadStash(dir)
			if err != nil {
				return err
			}
			baseline = shared.Snapshot{Content: stash.Content, VersionTag: stash.VersionTag}
			baselineName = fmt.Sprintf("stash (%s)", stash.VersionTag)
		}

		current, err := gw.Fetch(ctx, target)
		if err != nil {
			return err
		}

		report := diff.NewEngine(contextLines).Compare(baseline, current)
		switch report.Kind() {
		case diff.NoChange:
			fmt.Println("No differences")
		case diff.TagOnly:
			fmt.Printf("Content is identical; version moved from %s to %s\n", report.BaselineTag, report.CurrentTag)
		default:
			if report.Binary {
				fmt.Println("Binary content differs")
				return nil
			}
			if report.TooLarge {
				fmt.Println("Content differs; too many lines changed to show a diff")
				return nil
			}
			console.PrintDiff(os.Stdout, report.Diff.FormatWithHeader(baselineName, fmt.Sprintf("remote (%s)", current.VersionTag)))
			fmt.Printf("%d addition(s), %d deletion(s)\n", report.Diff.Stats.Additions, report.Diff.Stats.Deletions)
		}
		return nil
	})
}

// newGateway builds the transport serving kind
func newGateway(ctx context.Context, kind shared.TargetKind) (remote.Gateway, error) {
	router := remote.NewRouter()

	switch kind {
	case shared.KindS3:
		gw, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		}, logger)
		if err != nil {
			return nil, errors.RemoteUnavailable("configuring s3", err)
		}
		router.Register(shared.KindS3, gw)

	default:
		if cfg.Remote.BaseURL == "" {
			return nil, errors.ValidationError("remote.base_url (or ZEDIT_URL) is required for USS and data set targets", nil)
		}
		retry := remote.DefaultRetryConfig()
		retry.MaxAttempts = cfg.Remote.Retries + 1

		gw, err := client.New(client.Config{
			BaseURL:            cfg.Remote.BaseURL,
			Credentials:        remote.Credentials{User: cfg.Remote.User, Password: cfg.Remote.Password},
			RejectUnauthorized: cfg.Remote.RejectUnauthorized,
			Timeout:            cfg.Timeout(),
			Retry:              retry,
			Binary:             cfg.Remote.Binary,
			Logger:             logger,
		})
		if err != nil {
			return nil, err
		}
		router.Register(shared.KindUSS, gw).Register(shared.KindDataset, gw)
	}

	return router, nil
}

func newLauncher() (editor.Launcher, error) {
	if cfg.Editor != "" {
		return editor.NewCommand(cfg.Editor)
	}
	w := editor.NewWatched(term, logger)
	w.OnSave = func(path string) {
		term.Stage(session.Editing.String(), "Saved "+path, 40)
	}
	return w, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(errors.ExitCode(err))
	}
}

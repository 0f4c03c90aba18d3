package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"filestore/internal/config"
	"filestore/internal/logging"
	"filestore/internal/state"
	"filestore/internal/storage"
)

// ErrLockHeld is returned by the lock command when another holder owns the
// lock.
var ErrLockHeld = errors.New("lock already held")

type rootOptions struct {
	configPath string
	verbose    int
}

func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(os.Stdin, os.Stdout)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func usageError() error {
	return errors.New("usage: filestore [--config path] [-v] <command> (run 'filestore help' for commands)")
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	opts := &rootOptions{configPath: state.ConfigPath()}

	root := &cobra.Command{
		Use:           "filestore",
		Short:         "Manage artifacts and lock markers in the file store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logging.SetupLogger(opts.verbose)
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return usageError()
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to config file")
	root.PersistentFlags().CountVarP(&opts.verbose, "verbose", "v", "increase log verbosity (repeat for more)")

	root.AddCommand(
		newPathCommand(opts),
		newListCommand(opts),
		newCatCommand(opts),
		newWriteCommand(opts),
		newPutCommand(opts),
		newRemoveCommand(opts),
		newLockCommand(opts),
		newUnlockCommand(opts),
		newMakeBucketCommand(opts),
		newRemoveBucketCommand(opts),
	)
	return root
}

// openStore loads the config and builds the store it selects. The config
// level applies unless -v was given.
func openStore(opts *rootOptions) (storage.ObjectStore, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.verbose == 0 {
		if err := logging.SetLevel(cfg.Log.Level); err != nil {
			return nil, err
		}
	}

	store, err := storage.NewFromConfig(cfg.S3, cfg, logging.GetLogger("storage"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// pinnedRoot is a RootProvider that never changes.
type pinnedRoot string

func (r pinnedRoot) RootPath() string { return string(r) }

// openHeldStore is openStore for lock --hold. The root is read from a
// config.Watcher once and pinned, so the release removes the same marker the
// acquire created even if files_path is edited in between. The caller must
// Close the watcher.
func openHeldStore(opts *rootOptions) (storage.ObjectStore, string, *config.Watcher, error) {
	w, err := config.Watch(opts.configPath)
	if err != nil {
		return nil, "", nil, fmt.Errorf("watch config: %w", err)
	}
	cfg := w.Config()
	if opts.verbose == 0 {
		if err := logging.SetLevel(cfg.Log.Level); err != nil {
			_ = w.Close()
			return nil, "", nil, err
		}
	}

	root := cfg.RootPath()
	store, err := storage.NewFromConfig(cfg.S3, pinnedRoot(root), logging.GetLogger("storage"))
	if err != nil {
		_ = w.Close()
		return nil, "", nil, fmt.Errorf("open store: %w", err)
	}
	return store, root, w, nil
}

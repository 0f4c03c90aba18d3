package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"filestore/internal/logging"
	"filestore/internal/storage"
)

func addBucketFlag(cmd *cobra.Command, bucket *string) {
	cmd.Flags().StringVarP(bucket, "bucket", "b", "files", "bucket to use (files or locks)")
}

func newPathCommand(opts *rootOptions) *cobra.Command {
	var bucketName string
	cmd := &cobra.Command{
		Use:   "path <key>",
		Short: "Print where a key is stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := storage.ParseBucket(bucketName)
			if err != nil {
				return err
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), store.BucketPath(bucket, args[0]))
			return err
		},
	}
	addBucketFlag(cmd, &bucketName)
	return cmd
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var bucketName string
	cmd := &cobra.Command{
		Use:     "ls [prefix]",
		Aliases: []string{"list"},
		Short:   "List keys, optionally limited to a prefix",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := storage.ParseBucket(bucketName)
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for key := range store.ListObjects(cmd.Context(), bucket, prefix) {
				if _, err := fmt.Fprintln(out, key); err != nil {
					return err
				}
			}
			return cmd.Context().Err()
		},
	}
	addBucketFlag(cmd, &bucketName)
	return cmd
}

func newCatCommand(opts *rootOptions) *cobra.Command {
	var bucketName string
	cmd := &cobra.Command{
		Use:   "cat <key>",
		Short: "Write an object to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := storage.ParseBucket(bucketName)
			if err != nil {
				return err
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			data, err := store.ReadObject(cmd.Context(), bucket, args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	addBucketFlag(cmd, &bucketName)
	return cmd
}

func newWriteCommand(opts *rootOptions) *cobra.Command {
	var bucketName string
	cmd := &cobra.Command{
		Use:   "write <key>",
		Short: "Store stdin as an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := storage.ParseBucket(bucketName)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			return store.WriteObject(cmd.Context(), bucket, args[0], data)
		},
	}
	addBucketFlag(cmd, &bucketName)
	return cmd
}

func newPutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "put <source> <key>",
		Aliases: []string{"copy"},
		Short:   "Copy a local file into the files bucket",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			key, err := store.CopyFileTo(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	var bucketName string
	cmd := &cobra.Command{
		Use:   "rm <key>...",
		Short: "Delete objects; missing keys are ignored",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := storage.ParseBucket(bucketName)
			if err != nil {
				return err
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			for _, key := range args {
				if err := store.DeleteObject(cmd.Context(), bucket, key); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addBucketFlag(cmd, &bucketName)
	return cmd
}

func newLockCommand(opts *rootOptions) *cobra.Command {
	var hold bool
	cmd := &cobra.Command{
		Use:   "lock <name>",
		Short: "Create a lock marker; fails if it is already held",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hold {
				return holdLock(cmd, opts, args[0])
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			created, err := store.CreateLock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("%w: %s", ErrLockHeld, args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "locked %s\n", args[0])
			return err
		},
	}
	cmd.Flags().BoolVar(&hold, "hold", false, "keep the lock until interrupted, then release it")
	return cmd
}

// holdLock acquires name and releases it once the command context ends.
func holdLock(cmd *cobra.Command, opts *rootOptions, name string) error {
	store, root, w, err := openHeldStore(opts)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := cmd.Context()
	created, err := store.CreateLock(ctx, name)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	if _, err := fmt.Fprintf(cmd.OutOrStdout(), "locked %s (holding)\n", name); err != nil {
		return err
	}

	<-ctx.Done()
	if current := w.RootPath(); current != root {
		logger := logging.GetLogger("cli")
		logger.Warn().
			Str("lock", name).
			Str("held_root", root).
			Str("files_path", current).
			Msg("files_path changed while holding lock; releasing from the original root")
	}
	if err := store.DeleteLock(context.WithoutCancel(ctx), name); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", name)
	return err
}

func newUnlockCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <name>",
		Short: "Remove a lock marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			return store.DeleteLock(cmd.Context(), args[0])
		},
	}
}

func newMakeBucketCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkbucket <files|locks>",
		Short: "Create a bucket root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := storage.ParseBucket(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			return store.CreateBucket(cmd.Context(), bucket)
		},
	}
}

func newRemoveBucketCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rmbucket <files|locks>",
		Short: "Delete a bucket and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := storage.ParseBucket(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			return store.DeleteBucket(cmd.Context(), bucket)
		},
	}
}

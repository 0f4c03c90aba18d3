package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"filestore/internal/logging"
)

const (
	dirPerm   fs.FileMode = 0o755
	lockPerm  fs.FileMode = 0o644
	tmpPrefix             = ".tmp-"
)

// LocalClient stores objects as files below the directory returned by its
// RootProvider. Files live directly under the root, locks under root/locks.
type LocalClient struct {
	root   RootProvider
	fs     billy.Filesystem
	logger zerolog.Logger
}

type LocalOption func(*LocalClient)

// WithFilesystem replaces the host filesystem. Paths handed to it are
// absolute. Remove and Rename must act on a symlink itself, not its target.
func WithFilesystem(fsys billy.Filesystem) LocalOption {
	return func(c *LocalClient) {
		c.fs = fsys
	}
}

func WithLogger(logger zerolog.Logger) LocalOption {
	return func(c *LocalClient) {
		c.logger = logger
	}
}

func NewLocalClient(root RootProvider, opts ...LocalOption) *LocalClient {
	c := &LocalClient{
		root:   root,
		fs:     osfs.New("/"),
		logger: logging.GetLogger("storage.local"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LocalClient) Path(key string) string {
	return c.BucketPath(Files, key)
}

func (c *LocalClient) BucketPath(bucket Bucket, key string) string {
	return filepath.Join(c.bucketRoot(bucket), filepath.FromSlash(key))
}

func (c *LocalClient) bucketRoot(bucket Bucket) string {
	return filepath.Join(c.root.RootPath(), bucket.subdir())
}

// reserved is the top level directory a bucket walk must leave alone: the
// Locks bucket is nested inside the Files root.
func reserved(bucket Bucket) string {
	if bucket == Files {
		return LocksDir
	}
	return ""
}

func (c *LocalClient) ListObjects(ctx context.Context, bucket Bucket, prefix string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if ctx.Err() != nil {
			return
		}
		root := c.bucketRoot(bucket)
		c.walkFiles(ctx, root, "", reserved(bucket), func(key string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			return yield(key)
		})
	}
}

// walkFiles calls fn for each regular file below dir with its slash separated
// path relative to the bucket root. Unreadable directories are skipped. It
// returns false once fn or the context stops the walk.
func (c *LocalClient) walkFiles(ctx context.Context, dir, rel, skip string, fn func(string) bool) bool {
	entries, err := c.fs.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug().Err(err).Str("dir", dir).Msg("Skipping unreadable directory")
		}
		return true
	}
	slices.SortFunc(entries, func(a, b fs.FileInfo) int {
		return strings.Compare(a.Name(), b.Name())
	})

	for _, entry := range entries {
		if ctx.Err() != nil {
			return false
		}
		name := entry.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		key := path.Join(rel, name)
		if entry.IsDir() {
			if name == skip {
				continue
			}
			if !c.walkFiles(ctx, filepath.Join(dir, name), key, "", fn) {
				return false
			}
			continue
		}
		if !entry.Mode().IsRegular() {
			continue
		}
		if !fn(key) {
			return false
		}
	}
	return true
}

func (c *LocalClient) ReadObject(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKey(bucket, key); err != nil {
		return nil, err
	}
	data, err := util.ReadFile(c.fs, c.BucketPath(bucket, key))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (c *LocalClient) WriteObject(ctx context.Context, bucket Bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(bucket, key); err != nil {
		return err
	}
	if err := c.writeFile(c.BucketPath(bucket, key), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}
	return nil
}

func (c *LocalClient) CopyFileTo(ctx context.Context, source string, destinationKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkKey(Files, destinationKey); err != nil {
		return "", err
	}
	src, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", source, err)
	}
	in, err := c.fs.Open(src)
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", source, err)
	}
	defer in.Close()

	if err := c.writeFile(c.Path(destinationKey), in); err != nil {
		return "", fmt.Errorf("copy %s to %s: %w", source, destinationKey, err)
	}
	c.logger.Debug().Str("source", src).Str("key", destinationKey).Msg("Copied file into store")
	return destinationKey, nil
}

type syncer interface {
	Sync() error
}

type underlyingFS interface {
	Underlying() billy.Basic
}

// tempFile creates a staging file in dir. The osfs chroot wrapper hides Sync
// on the files it returns, so when the chroot is rooted at "/" staging goes
// through the wrapped filesystem, whose names are the same host paths.
func (c *LocalClient) tempFile(dir string) (billy.File, error) {
	if u, ok := c.fs.(underlyingFS); ok && c.fs.Root() == string(filepath.Separator) {
		if tf, ok := u.Underlying().(billy.TempFile); ok {
			return tf.TempFile(dir, tmpPrefix)
		}
	}
	return c.fs.TempFile(dir, tmpPrefix)
}

// writeFile streams r into a temp file next to name and renames it into
// place, so readers never see a partial object.
func (c *LocalClient) writeFile(name string, r io.Reader) (err error) {
	dir := filepath.Dir(name)
	if err := c.fs.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	tmp, err := c.tempFile(dir)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = c.fs.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return err
	}
	if s, ok := tmp.(syncer); ok {
		if err = s.Sync(); err != nil {
			return err
		}
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return c.fs.Rename(tmpName, name)
}

func (c *LocalClient) CreateLock(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	lockPath := c.BucketPath(Locks, name)
	if err := c.fs.MkdirAll(filepath.Dir(lockPath), dirPerm); err != nil {
		return false, fmt.Errorf("create lock %s: %w", name, err)
	}

	f, err := c.fs.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, lockPerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			c.logger.Debug().Str("lock", name).Msg("Lock already held")
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		// The marker exists, so the lock is ours regardless.
		c.logger.Warn().Err(err).Str("lock", name).Msg("Failed to close lock marker")
	}
	return true, nil
}

func (c *LocalClient) DeleteLock(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.removeFile(c.BucketPath(Locks, name)); err != nil {
		return fmt.Errorf("delete lock %s: %w", name, err)
	}
	return nil
}

func (c *LocalClient) DeleteObject(ctx context.Context, bucket Bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(bucket, key); err != nil {
		return err
	}
	if err := c.removeFile(c.BucketPath(bucket, key)); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (c *LocalClient) removeFile(name string) error {
	err := c.fs.Remove(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *LocalClient) CreateBucket(ctx context.Context, bucket Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.fs.MkdirAll(c.bucketRoot(bucket), dirPerm); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// DeleteBucket removes everything below the bucket root and then the root.
// Entries that cannot be removed are logged and skipped; only a failure to
// remove the root itself is returned.
func (c *LocalClient) DeleteBucket(ctx context.Context, bucket Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	root := c.bucketRoot(bucket)
	if _, err := c.fs.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete bucket %s: %w", bucket, err)
	}

	skip := reserved(bucket)
	failed := c.removeTree(root, skip)
	err := c.removeRoot(root, skip)
	if err != nil {
		// Another sweep picks up entries that failed transiently or were
		// added while the first one ran.
		c.logger.Debug().Err(err).Str("bucket", bucket.String()).Msg("Retrying bucket removal")
		failed = c.removeTree(root, skip)
		err = c.removeRoot(root, skip)
	}
	if failed > 0 {
		c.logger.Warn().Int("failed", failed).Str("bucket", bucket.String()).Msg("Some entries could not be deleted")
	}
	if err != nil {
		return fmt.Errorf("delete bucket %s: %w", bucket, err)
	}
	return nil
}

// removeTree deletes the contents of dir, children before their parent, and
// returns how many entries it failed to remove.
func (c *LocalClient) removeTree(dir, skip string) int {
	entries, err := c.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0
		}
		c.logger.Warn().Err(err).Str("dir", dir).Msg("Cannot read directory")
		return 1
	}

	failed := 0
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() == skip {
			continue
		}
		p := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			failed += c.removeTree(p, "")
		}
		if err := c.removeFile(p); err != nil {
			c.logger.Warn().Err(err).Str("path", p).Msg("Failed to delete entry")
			failed++
		}
	}
	return failed
}

func (c *LocalClient) removeRoot(root, skip string) error {
	if skip != "" {
		if _, err := c.fs.Stat(filepath.Join(root, skip)); err == nil {
			return nil
		}
	}
	return c.removeFile(root)
}

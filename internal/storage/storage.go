// Package storage persists artifact blobs and lock markers under two logical
// buckets. LocalClient keeps them in a directory tree below a configured root;
// S3Client maps the same layout onto key prefixes of an S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	appconfig "filestore/internal/config"
)

// Bucket selects the partition of the store an operation works on.
type Bucket int

const (
	// Files holds persisted artifacts. It resolves to the root itself.
	Files Bucket = iota
	// Locks holds exclusion markers below the "locks" subdirectory.
	Locks
)

// LocksDir is the subdirectory (or key segment) reserved for the Locks bucket.
const LocksDir = "locks"

// ErrReservedKey is returned when a Files key would resolve into LocksDir.
var ErrReservedKey = errors.New("key is reserved for the locks bucket")

// checkKey rejects Files keys whose first segment is LocksDir, so object
// operations cannot create, read or remove lock markers.
func checkKey(bucket Bucket, key string) error {
	if bucket != Files {
		return nil
	}
	first, _, _ := strings.Cut(path.Clean(filepath.ToSlash(key)), "/")
	if first == LocksDir {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}
	return nil
}

func (b Bucket) String() string {
	switch b {
	case Files:
		return "files"
	case Locks:
		return "locks"
	default:
		return fmt.Sprintf("bucket(%d)", int(b))
	}
}

// subdir returns the bucket's directory relative to the root. An unknown
// bucket is a programming error.
func (b Bucket) subdir() string {
	switch b {
	case Files:
		return ""
	case Locks:
		return LocksDir
	default:
		panic(fmt.Sprintf("storage: unknown bucket %d", int(b)))
	}
}

// ParseBucket converts a user supplied bucket name.
func ParseBucket(name string) (Bucket, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "files", "file":
		return Files, nil
	case "locks", "lock":
		return Locks, nil
	default:
		return 0, fmt.Errorf("unknown bucket %q (want files or locks)", name)
	}
}

// RootProvider supplies the root storage directory. Stores call it on every
// operation so configuration changes apply without a restart.
type RootProvider interface {
	RootPath() string
}

// ObjectStore is implemented by LocalClient and S3Client.
//
// Operations block until the underlying call finishes. A context that is
// already done when an operation starts skips the call and returns ctx.Err().
type ObjectStore interface {
	// Path resolves key in the Files bucket.
	Path(key string) string
	// BucketPath resolves key in the given bucket. It never touches storage.
	// Files keys under LocksDir resolve into the Locks bucket; object
	// operations reject them with ErrReservedKey.
	BucketPath(bucket Bucket, key string) string

	// ListObjects lazily yields the keys below the bucket root that start
	// with prefix. A missing bucket yields nothing.
	ListObjects(ctx context.Context, bucket Bucket, prefix string) iter.Seq[string]
	// ReadObject returns the whole object. A missing object is an error that
	// matches fs.ErrNotExist.
	ReadObject(ctx context.Context, bucket Bucket, key string) ([]byte, error)
	WriteObject(ctx context.Context, bucket Bucket, key string, data []byte) error
	// CopyFileTo copies a local file into the Files bucket and returns the
	// destination key once the bytes are stored.
	CopyFileTo(ctx context.Context, source string, destinationKey string) (string, error)

	// CreateLock reports true when the marker was created by this call and
	// false when it already existed.
	CreateLock(ctx context.Context, name string) (bool, error)
	DeleteLock(ctx context.Context, name string) error

	DeleteObject(ctx context.Context, bucket Bucket, key string) error
	CreateBucket(ctx context.Context, bucket Bucket) error
	DeleteBucket(ctx context.Context, bucket Bucket) error
}

var (
	_ ObjectStore = (*LocalClient)(nil)
	_ ObjectStore = (*S3Client)(nil)
)

// NewFromConfig returns an S3Client when a bucket is configured and a
// LocalClient rooted at root otherwise.
func NewFromConfig(cfg appconfig.S3Config, root RootProvider, logger zerolog.Logger) (ObjectStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return NewLocalClient(root, WithLogger(logger)), nil
	}
	client, err := NewS3Client(cfg, WithS3Logger(logger))
	if err != nil {
		return nil, err
	}
	return client, nil
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	appconfig "filestore/internal/config"
	"filestore/internal/logging"
)

const (
	defaultS3RequestTimeout  = 30 * time.Second
	defaultS3DeleteTimeout   = 15 * time.Second
	defaultS3ListPageTimeout = 30 * time.Second
	defaultS3DeleteWorkers   = 8
)

type uploader interface {
	UploadObject(ctx context.Context, input *transfermanager.UploadObjectInput, optFns ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type listObjectsV2Paginator interface {
	HasMorePages() bool
	NextPage(ctx context.Context, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type awsListObjectsV2Paginator struct {
	inner *s3.ListObjectsV2Paginator
}

func (p *awsListObjectsV2Paginator) HasMorePages() bool {
	return p.inner != nil && p.inner.HasMorePages()
}

func (p *awsListObjectsV2Paginator) NextPage(ctx context.Context, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if p.inner == nil {
		return nil, errors.New("s3 paginator is not configured")
	}
	return p.inner.NextPage(ctx, optFns...)
}

func newAWSListObjectsV2Paginator(client s3.ListObjectsV2APIClient, input *s3.ListObjectsV2Input) listObjectsV2Paginator {
	return &awsListObjectsV2Paginator{inner: s3.NewListObjectsV2Paginator(client, input)}
}

// S3Client keeps both buckets in one S3 bucket: files under the configured
// prefix and locks under prefix + "locks/".
type S3Client struct {
	api                       s3API
	uploader                  uploader
	bucket                    string
	prefix                    string
	newListObjectsV2Paginator func(s3.ListObjectsV2APIClient, *s3.ListObjectsV2Input) listObjectsV2Paginator
	requestTimeout            time.Duration
	deleteTimeout             time.Duration
	listPageTimeout           time.Duration
	deleteWorkers             int
	logger                    zerolog.Logger
}

type S3Option func(*S3Client)

func WithS3Logger(logger zerolog.Logger) S3Option {
	return func(c *S3Client) {
		c.logger = logger
	}
}

// WithDeleteWorkers bounds the concurrent deletes issued by DeleteBucket.
func WithDeleteWorkers(n int) S3Option {
	return func(c *S3Client) {
		if n > 0 {
			c.deleteWorkers = n
		}
	}
}

func NewS3Client(cfg appconfig.S3Config, opts ...S3Option) (*S3Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		return nil, errors.New("s3 region is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("s3 endpoint must be a valid http(s) URL: %q", endpoint)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("s3 endpoint must use http or https: %q", endpoint)
		}
	}
	prefix, err := normalizePrefix(cfg.Prefix)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultS3RequestTimeout)
	defer cancel()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	c := &S3Client{
		api:                       client,
		uploader:                  transfermanager.New(client),
		bucket:                    bucket,
		prefix:                    prefix,
		newListObjectsV2Paginator: newAWSListObjectsV2Paginator,
		requestTimeout:            defaultS3RequestTimeout,
		deleteTimeout:             defaultS3DeleteTimeout,
		listPageTimeout:           defaultS3ListPageTimeout,
		deleteWorkers:             defaultS3DeleteWorkers,
		logger:                    logging.GetLogger("storage.s3"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func normalizePrefix(prefix string) (string, error) {
	p := strings.TrimSpace(strings.ReplaceAll(prefix, "\\", "/"))
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid s3 prefix %q: must be relative", prefix)
	}

	parts := make([]string, 0)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("invalid s3 prefix %q: dot segments are not allowed", prefix)
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, "/") + "/", nil
}

func (c *S3Client) prefixedKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	if strings.TrimSpace(key) == "" {
		return "", errors.New("invalid object key: empty")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key %q: must be relative", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("invalid object key %q", key)
		}
	}
	return c.prefix + key, nil
}

func (c *S3Client) bucketKey(bucket Bucket, key string) (string, error) {
	if err := checkKey(bucket, key); err != nil {
		return "", err
	}
	if sub := bucket.subdir(); sub != "" {
		key = sub + "/" + key
	}
	return c.prefixedKey(key)
}

func (c *S3Client) bucketPrefix(bucket Bucket) string {
	if sub := bucket.subdir(); sub != "" {
		return c.prefix + sub + "/"
	}
	return c.prefix
}

func (c *S3Client) Path(key string) string {
	return c.BucketPath(Files, key)
}

// BucketPath returns the S3 object key for key without validating it.
func (c *S3Client) BucketPath(bucket Bucket, key string) string {
	return c.bucketPrefix(bucket) + key
}

func (c *S3Client) ReadObject(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.api == nil {
		return nil, errors.New("s3 api client is not configured")
	}
	objectKey, err := c.bucketKey(bucket, key)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := withTimeout(ctx, c.requestTimeout)
	defer cancel()
	out, err := c.api.GetObject(reqCtx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("get object: %w: %w", fs.ErrNotExist, err)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	return data, nil
}

func (c *S3Client) WriteObject(ctx context.Context, bucket Bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.uploader == nil {
		return errors.New("s3 uploader is not configured")
	}
	objectKey, err := c.bucketKey(bucket, key)
	if err != nil {
		return err
	}
	return c.upload(ctx, objectKey, bytes.NewReader(data), int64(len(data)))
}

func (c *S3Client) CopyFileTo(ctx context.Context, source string, destinationKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.uploader == nil {
		return "", errors.New("s3 uploader is not configured")
	}
	objectKey, err := c.bucketKey(Files, destinationKey)
	if err != nil {
		return "", err
	}

	f, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", source, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", source, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("copy %s: is a directory", source)
	}

	if err := c.upload(ctx, objectKey, f, info.Size()); err != nil {
		return "", fmt.Errorf("copy %s: %w", source, err)
	}
	return destinationKey, nil
}

func (c *S3Client) upload(ctx context.Context, objectKey string, body io.Reader, size int64) error {
	_, err := c.uploader.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(objectKey),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// CreateLock uses a conditional put, so S3 rejects the write when the marker
// already exists.
func (c *S3Client) CreateLock(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.api == nil {
		return false, errors.New("s3 api client is not configured")
	}
	objectKey, err := c.bucketKey(Locks, name)
	if err != nil {
		return false, err
	}

	reqCtx, cancel := withTimeout(ctx, c.requestTimeout)
	defer cancel()
	_, err = c.api.PutObject(reqCtx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		if isConditionalConflict(err) {
			c.logger.Debug().Str("lock", name).Msg("Lock already held")
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", name, err)
	}
	return true, nil
}

func isConditionalConflict(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	default:
		return false
	}
}

func (c *S3Client) DeleteLock(ctx context.Context, name string) error {
	return c.DeleteObject(ctx, Locks, name)
}

func (c *S3Client) DeleteObject(ctx context.Context, bucket Bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.api == nil {
		return errors.New("s3 api client is not configured")
	}
	objectKey, err := c.bucketKey(bucket, key)
	if err != nil {
		return err
	}
	return c.deleteKey(ctx, objectKey)
}

func (c *S3Client) deleteKey(ctx context.Context, objectKey string) error {
	reqCtx, cancel := withTimeout(ctx, c.deleteTimeout)
	defer cancel()
	_, err := c.api.DeleteObject(reqCtx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// ListObjects stops early, without reporting, when a page cannot be fetched.
func (c *S3Client) ListObjects(ctx context.Context, bucket Bucket, prefix string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if err := c.listKeys(ctx, bucket, prefix, yield); err != nil {
			c.logger.Debug().Err(err).Str("bucket", bucket.String()).Msg("Listing stopped")
		}
	}
}

// ListKeys returns every key in the bucket, sorted.
func (c *S3Client) ListKeys(ctx context.Context, bucket Bucket) ([]string, error) {
	keys := make([]string, 0)
	err := c.listKeys(ctx, bucket, "", func(key string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *S3Client) listKeys(ctx context.Context, bucket Bucket, prefix string, fn func(string) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.api == nil {
		return errors.New("s3 api client is not configured")
	}
	if c.newListObjectsV2Paginator == nil {
		return errors.New("s3 paginator factory is not configured")
	}

	root := c.bucketPrefix(bucket)
	paginator := c.newListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(root + prefix),
	})
	if paginator == nil {
		return errors.New("s3 paginator is not configured")
	}

	skip := reserved(bucket)
	for paginator.HasMorePages() {
		page, err := c.nextPage(ctx, paginator)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			full := strings.ReplaceAll(*obj.Key, "\\", "/")
			if !strings.HasPrefix(full, root) {
				continue
			}
			key := strings.TrimPrefix(full, root)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			if skip != "" && strings.HasPrefix(key, skip+"/") {
				continue
			}
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if !fn(key) {
				return nil
			}
		}
	}
	return nil
}

func (c *S3Client) nextPage(ctx context.Context, paginator listObjectsV2Paginator) (*s3.ListObjectsV2Output, error) {
	pageCtx, cancel := withTimeout(ctx, c.listPageTimeout)
	defer cancel()
	return paginator.NextPage(pageCtx)
}

// CreateBucket is a no-op: buckets are key prefixes.
func (c *S3Client) CreateBucket(ctx context.Context, _ Bucket) error {
	return ctx.Err()
}

// DeleteBucket deletes every key of the bucket with bounded concurrency.
// Keys that fail to delete are logged and skipped.
func (c *S3Client) DeleteBucket(ctx context.Context, bucket Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys, err := c.ListKeys(ctx, bucket)
	if err != nil {
		return fmt.Errorf("delete bucket %s: %w", bucket, err)
	}

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.deleteWorkers, 1))
	root := c.bucketPrefix(bucket)
	for _, key := range keys {
		objectKey := root + key
		g.Go(func() error {
			if err := c.deleteKey(gctx, objectKey); err != nil {
				c.logger.Warn().Err(err).Str("key", objectKey).Msg("Failed to delete entry")
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		c.logger.Warn().Int64("failed", n).Str("bucket", bucket.String()).Msg("Some entries could not be deleted")
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

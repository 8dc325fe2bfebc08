// Package s3 provides an S3-compatible storage backend. Directories are
// zero-length marker objects whose key ends in "/"; a directory move copies
// every object under the prefix and then deletes the originals.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/storage"
)

// deleteBatch is the S3 DeleteObjects limit.
const deleteBatch = 1000

func init() {
	storage.Register("s3", func(ctx context.Context, opts map[string]any) (storage.Backend, error) {
		var cfg Config
		if err := storage.DecodeOptions(opts, &cfg); err != nil {
			return nil, err
		}
		return New(ctx, cfg)
	})
}

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Backend implements storage.Backend using S3/MinIO.
type Backend struct {
	client *s3.Client
	bucket string
}

// New creates a new S3 backend and makes sure its bucket exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	b := &Backend{client: client, bucket: cfg.Bucket}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// endpointURL adds a scheme to a bare host:port endpoint.
func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordStorageOperation("s3", op, time.Since(start), *err == nil)
}

func dirKey(key string) string {
	return strings.TrimSuffix(key, "/") + "/"
}

// copySource builds the URL-encoded bucket/key pair CopyObject expects.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (b *Backend) ensureBucket(ctx context.Context) (err error) {
	defer observe("head_bucket", time.Now(), &err)
	_, err = b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}
	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, err)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

// GetObject retrieves an object from S3 with range support.
func (b *Backend) GetObject(ctx context.Context, key string, offset, length int64) (_ io.ReadCloser, _ int64, err error) {
	defer observe("get_object", time.Now(), &err)

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if offset > 0 || length > 0 {
		var rangeStr string
		if length > 0 {
			rangeStr = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
		} else {
			rangeStr = fmt.Sprintf("bytes=%d-", offset)
		}
		input.Range = aws.String(rangeStr)
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, &fs.PathError{Op: "get", Path: key, Err: fs.ErrNotExist}
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	return result.Body, aws.ToInt64(result.ContentLength), nil
}

// PutObject uploads content to S3. Bodies of unknown size are buffered so
// the request carries a content length.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (_ int64, err error) {
	defer observe("put_object", time.Now(), &err)

	if size < 0 {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, body); err != nil {
			return 0, fmt.Errorf("buffer %s: %w", key, err)
		}
		size = int64(buf.Len())
		body = bytes.NewReader(buf.Bytes())
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return 0, fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return size, nil
}

// DeleteObject removes an object from S3.
func (b *Backend) DeleteObject(ctx context.Context, key string) (err error) {
	defer observe("delete_object", time.Now(), &err)
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// MakeDir writes the directory marker. Parent markers are not required:
// a prefix exists as soon as anything lives below it.
func (b *Backend) MakeDir(ctx context.Context, key string) (err error) {
	defer observe("make_dir", time.Now(), &err)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(dirKey(key)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", key, err)
	}
	return nil
}

// listKeys returns every object key under prefix. limit <= 0 means all.
func (b *Backend) listKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
	}
	return keys, nil
}

func (b *Backend) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

// RemoveDir removes an empty directory marker.
func (b *Backend) RemoveDir(ctx context.Context, key string) (err error) {
	defer observe("remove_dir", time.Now(), &err)
	prefix := dirKey(key)
	keys, err := b.listKeys(ctx, prefix, 2)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k != prefix {
			return &fs.PathError{Op: "rmdir", Path: key, Err: storage.ErrNotEmpty}
		}
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("rmdir %s: %w", key, err)
	}
	return nil
}

// RemoveAll removes the object at key and everything under key/.
func (b *Backend) RemoveAll(ctx context.Context, key string) (err error) {
	defer observe("remove_all", time.Now(), &err)
	keys, err := b.listKeys(ctx, dirKey(key), 0)
	if err != nil {
		return err
	}
	keys = append(keys, key)
	return b.deleteKeys(ctx, keys)
}

func (b *Backend) exists(ctx context.Context, key string) (isFile, isDir bool, err error) {
	_, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, false, nil
	}
	if !isNotFound(err) {
		return false, false, fmt.Errorf("head %s: %w", key, err)
	}
	keys, err := b.listKeys(ctx, dirKey(key), 1)
	if err != nil {
		return false, false, err
	}
	return false, len(keys) > 0, nil
}

func (b *Backend) copyObject(ctx context.Context, src, dst string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(b.bucket, src)),
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Move copies src (an object or a whole prefix) to dst, then deletes the
// originals. A partial copy is cleaned up from dst before returning.
func (b *Backend) Move(ctx context.Context, src, dst string) (err error) {
	defer observe("move", time.Now(), &err)

	srcFile, srcDir, err := b.exists(ctx, src)
	if err != nil {
		return err
	}
	if !srcFile && !srcDir {
		return &fs.PathError{Op: "move", Path: src, Err: fs.ErrNotExist}
	}
	dstFile, dstDir, err := b.exists(ctx, dst)
	if err != nil {
		return err
	}
	if dstFile || dstDir {
		return &fs.PathError{Op: "move", Path: dst, Err: fs.ErrExist}
	}

	if srcFile {
		if err := b.copyObject(ctx, src, dst); err != nil {
			return err
		}
		return b.deleteKeys(ctx, []string{src})
	}

	srcPrefix, dstPrefix := dirKey(src), dirKey(dst)
	keys, err := b.listKeys(ctx, srcPrefix, 0)
	if err != nil {
		return err
	}
	copied := make([]string, 0, len(keys))
	for _, k := range keys {
		target := dstPrefix + strings.TrimPrefix(k, srcPrefix)
		if err := b.copyObject(ctx, k, target); err != nil {
			if cleanupErr := b.deleteKeys(ctx, copied); cleanupErr != nil {
				logging.Warn("S3 move cleanup failed", zap.String("dst", dst), zap.Error(cleanupErr))
			}
			return err
		}
		copied = append(copied, target)
	}
	logging.Debug("S3 move", zap.String("src", src), zap.String("dst", dst), zap.Int("objects", len(keys)))
	return b.deleteKeys(ctx, keys)
}

// Stat describes an object or a directory prefix.
func (b *Backend) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return storage.ObjectInfo{
			Key:     key,
			Size:    aws.ToInt64(out.ContentLength),
			ModTime: aws.ToTime(out.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		return storage.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	keys, err := b.listKeys(ctx, dirKey(key), 1)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if len(keys) == 0 {
		return storage.ObjectInfo{}, &fs.PathError{Op: "stat", Path: key, Err: fs.ErrNotExist}
	}
	return storage.ObjectInfo{Key: key, IsDir: true}, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

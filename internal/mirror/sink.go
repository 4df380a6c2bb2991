package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/fsutil"
	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/metrics"
)

// Sink stores mirrored files under slash-separated keys.
type Sink interface {
	// Name identifies the sink in ledger keys and metrics.
	Name() string
	// Put stores the content of r under key. size is the size announced by
	// the listing and may be wrong.
	Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error)
}

// DirSink writes files below a local directory.
type DirSink struct {
	root string
}

// NewDirSink creates a sink writing below root.
func NewDirSink(root string) (*DirSink, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	return &DirSink{root: abs}, nil
}

func (d *DirSink) Name() string { return "dir" }

// Root returns the directory files are written to.
func (d *DirSink) Root() string { return d.root }

func (d *DirSink) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	dest, err := d.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create dir for %s: %w", key, err)
	}
	return fsutil.WriteFileAtomic(dest, r)
}

// resolve maps key below root, refusing keys that escape it.
func (d *DirSink) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	dest := filepath.Join(d.root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(d.root, dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes %s", key, d.root)
	}
	return dest, nil
}

// S3Config configures an S3Sink. Endpoint is left empty for AWS itself and
// set for MinIO or other compatible stores.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
}

// S3Sink uploads files to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink creates an S3 sink and makes sure the bucket exists.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink: bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	sink := &S3Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
	if err := sink.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *S3Sink) Name() string { return "s3:" + s.bucket }

func (s *S3Sink) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}
	_, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if createErr != nil {
		metrics.RecordS3Operation("create_bucket", time.Since(start), false)
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, createErr)
	}
	metrics.RecordS3Operation("create_bucket", time.Since(start), true)
	logging.Info("created S3 bucket", zap.String("bucket", s.bucket))
	return nil
}

func (s *S3Sink) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put spools r to a temporary file first: listing sizes are not reliable
// enough for ContentLength and PutObject needs a seekable body.
func (s *S3Sink) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	tmp, err := os.CreateTemp("", "edclient-s3-*")
	if err != nil {
		return 0, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, fmt.Errorf("spool %s: %w", key, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return n, err
	}

	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          tmp,
		ContentLength: aws.Int64(n),
	})
	metrics.RecordS3Operation("put", time.Since(start), err == nil)
	if err != nil {
		return n, fmt.Errorf("s3 put %s: %w", key, err)
	}

	logging.Debug("s3 put",
		zap.String("key", s.objectKey(key)),
		zap.Int64("size", n),
		zap.Int64("announced", size))
	return n, nil
}

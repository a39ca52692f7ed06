package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"suitebackup/storage"
)

// Ensure Backend implements storage.Backend at compile time.
var _ storage.Backend = (*Backend)(nil)

const (
	defaultPrefix = "backups"
	defaultRegion = "us-east-1"

	// defaultPartSizeMB keeps uploads well inside the 10,000 part limit for
	// archives up to roughly 100 GiB.
	defaultPartSizeMB = 10
)

// Config holds the configuration for an S3-compatible storage target.
type Config struct {
	Bucket          string
	Prefix          string // object key prefix, defaults to "backups"
	Region          string
	Endpoint        string // custom endpoint for MinIO/R2/B2/Wasabi
	AccessKeyID     string // optional, falls back to the AWS credential chain
	SecretAccessKey string
	StorageClass    string // e.g. "STANDARD", "STANDARD_IA", "DEEP_ARCHIVE"
	ForcePathStyle  bool   // required for MinIO and some S3-compatible stores
	MaxAttempts     int    // total attempts per request; 0 keeps the SDK default
	PartSizeMB      int    // multipart upload part size, minimum 5
}

// ConfigFrom maps a storage target's key/value config onto Config.
func ConfigFrom(c storage.Config) Config {
	return Config{
		Bucket:          c.String("bucket", ""),
		Prefix:          c.String("prefix", defaultPrefix),
		Region:          c.String("region", defaultRegion),
		Endpoint:        c.String("endpoint", ""),
		AccessKeyID:     c.String("access_key_id", ""),
		SecretAccessKey: c.String("secret_access_key", ""),
		StorageClass:    c.String("storage_class", ""),
		ForcePathStyle:  c.Bool("force_path_style", false),
		MaxAttempts:     c.Int("max_attempts", 0),
		PartSizeMB:      c.Int("part_size_mb", defaultPartSizeMB),
	}
}

// Backend stores archives in an S3-compatible object store.
type Backend struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	storageClass s3types.StorageClass
}

// New creates a new S3 backend from the given config.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, storage.NewError(storage.KindS3, "configure", "", storage.ErrConfig, errors.New("bucket is required"))
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for most S3-compatible stores
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.MaxAttempts > 0 {
			o.RetryMaxAttempts = cfg.MaxAttempts
		}
		// Many S3-compatible stores reject the streaming checksum trailers
		// the SDK adds by default.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	sc := s3types.StorageClassStandard
	if cfg.StorageClass != "" {
		sc = s3types.StorageClass(cfg.StorageClass)
	}

	partSize := int64(cfg.PartSizeMB) * 1024 * 1024
	if partSize == 0 {
		partSize = defaultPartSizeMB * 1024 * 1024
	}
	partSize = max(partSize, manager.MinUploadPartSize)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})

	return &Backend{
		client:       client,
		uploader:     uploader,
		bucket:       cfg.Bucket,
		prefix:       prefix,
		storageClass: sc,
	}, nil
}

func (b *Backend) Kind() storage.Kind {
	return storage.KindS3
}

// objectKey returns the full object key for an archive.
// Layout: <prefix>/<destName>
func (b *Backend) objectKey(destName string) string {
	return path.Join(b.prefix, destName)
}

// Test checks the bucket exists and the credentials can reach it.
func (b *Backend) Test(ctx context.Context) (string, error) {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return "", b.fail("test", b.bucket, err)
	}
	return fmt.Sprintf("bucket %s is reachable", b.bucket), nil
}

// Upload stores the file at localPath as an object and removes the local copy.
// Files larger than one part go up as a multipart upload, so archives are not
// bound by the single PUT size limit.
func (b *Backend) Upload(ctx context.Context, localPath, destName string) (string, error) {
	key := b.objectKey(destName)

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("s3: failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(b.bucket),
		Key:          aws.String(key),
		Body:         f,
		StorageClass: b.storageClass,
	})
	if err != nil {
		return "", b.fail("upload", key, err)
	}

	f.Close()
	os.Remove(localPath)
	return key, nil
}

// Download writes the object at key to localPath.
func (b *Backend) Download(ctx context.Context, key, localPath string) error {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.fail("download", key, err)
	}
	defer output.Body.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("s3: failed to create %s: %w", localPath, err)
	}
	if _, err := io.Copy(out, output.Body); err != nil {
		out.Close()
		return b.fail("download", key, err)
	}
	return out.Close()
}

// Delete removes the object at key. A missing object is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		failure := b.fail("delete", key, err)
		if errors.Is(failure, storage.ErrNotFound) {
			return nil
		}
		return failure
	}
	return nil
}

// fail classifies an SDK error into one of the storage error classes.
func (b *Backend) fail(op, key string, err error) error {
	return storage.NewError(storage.KindS3, op, key, classify(err), err)
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return storage.ErrPermission
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return storage.ErrNotFound
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return storage.ErrPermission
		case http.StatusNotFound:
			return storage.ErrNotFound
		}
		if respErr.HTTPStatusCode() >= 500 {
			return storage.ErrConnectivity
		}
		return nil
	}

	// No HTTP response at all: DNS, refused connection, timeout.
	return storage.ErrConnectivity
}

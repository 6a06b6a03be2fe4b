package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"worklog-go/internal/config"
	"worklog-go/internal/wl"
)

// s3Client is the slice of the S3 surface the archive touches. *s3.Client
// satisfies it; tests substitute an in-memory implementation.
type s3Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Archive stores exports as objects in an S3 bucket under a key prefix.
// Uploads stream through the transfer manager, so export size is not bounded
// by memory.
type S3Archive struct {
	name     string
	bucket   string
	prefix   string
	client   s3Client
	uploader *manager.Uploader
}

// NewS3Archive creates an S3 archive from configuration. Credentials come
// from the config file when set, else from the default AWS chain
// (environment, shared credentials, instance role).
func NewS3Archive(cfg config.ArchiveConfig) (*S3Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws configuration: %w", err)
	}
	return newS3Archive(cfg.Name, cfg.S3Bucket, cfg.S3Prefix, s3.NewFromConfig(awsCfg)), nil
}

func newS3Archive(name, bucket, prefix string, client s3Client) *S3Archive {
	return &S3Archive{
		name:     name,
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (a *S3Archive) key(name string) string {
	return a.prefix + name
}

// Put uploads the reader's content under name, replacing any previous
// object.
func (a *S3Archive) Put(name string, r io.Reader) error {
	_, err := a.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(name)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading archive entry: %w", err)
	}
	return nil
}

// Get downloads the object stored under name and writes it to w.
func (a *S3Archive) Get(name string, w io.Writer) error {
	out, err := a.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(name)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("archive entry not found: %s", name)
		}
		return fmt.Errorf("fetching archive entry: %w", err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading archive entry: %w", err)
	}
	return nil
}

// List returns the names stored under the prefix, sorted.
func (a *S3Archive) List() ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("listing archive: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			names = append(names, key[len(a.prefix):])
		}
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup verifies the bucket is reachable with the configured
// credentials.
func (a *S3Archive) ValidateSetup() error {
	_, err := a.client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", a.bucket, err)
	}
	return nil
}

// Compile-time check that S3Archive implements the Archive interface
var _ wl.Archive = (*S3Archive)(nil)

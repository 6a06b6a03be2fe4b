package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"worklog-go/internal/wl"
)

// fakeS3 keeps one bucket's objects in memory behind the client seam the
// archive uses. Exports stay well below the transfer manager's part size, so
// uploads arrive through PutObject and the multipart calls stay unreachable.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string][]byte)}
}

func (f *fakeS3) checkBucket(bucket *string) error {
	if aws.ToString(bucket) != f.bucket {
		return fmt.Errorf("no such bucket: %q", aws.ToString(bucket))
	}
	return nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := f.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := f.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := f.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if err := f.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported")
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart upload not supported")
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported")
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported")
}

var _ s3Client = (*fakeS3)(nil)

func TestS3Archive(t *testing.T) {
	runArchiveContract(t, func(t *testing.T) wl.Archive {
		return newS3Archive("test-s3", "worklog-exports", "", newFakeS3("worklog-exports"))
	})
}

func TestS3Archive_PrefixScopesKeys(t *testing.T) {
	client := newFakeS3("worklog-exports")
	a := newS3Archive("test-s3", "worklog-exports", "machines/laptop/", client)
	if err := a.Put("worklog.export", strings.NewReader("data")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	client.mu.Lock()
	_, stored := client.objects["machines/laptop/worklog.export"]
	client.mu.Unlock()
	if !stored {
		t.Error("object not stored under the configured key prefix")
	}

	// Objects outside the prefix stay invisible, and listed names come back
	// with the prefix stripped.
	if err := a.Put("other.export", strings.NewReader("data")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	client.mu.Lock()
	client.objects["machines/desktop/foreign.export"] = []byte("data")
	client.mu.Unlock()

	names, err := a.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"other.export", "worklog.export"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("List() = %v, want %v", names, want)
	}
}

func TestS3Archive_ValidateSetupReportsMissingBucket(t *testing.T) {
	a := newS3Archive("test-s3", "absent-bucket", "", newFakeS3("worklog-exports"))
	if err := a.ValidateSetup(); err == nil {
		t.Error("ValidateSetup() error = nil, want an error for an unreachable bucket")
	}
}

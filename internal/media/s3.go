package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"vlmd/internal/common/fsutil"
	"vlmd/internal/config"
	"vlmd/pkg/types"
)

// S3API is the subset of the S3 client the stager uses.
type S3API interface {
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// NewS3Client builds a path-style client so MinIO and other S3-compatible
// endpoints work; static credentials are used when both keys are set.
func NewS3Client(ctx context.Context, sc config.StorageConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(sc.S3Region)}
	if sc.S3AccessKey != "" && sc.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.S3AccessKey, sc.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.S3Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", errors.New("not an s3:// uri")
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", errors.New("expected s3://bucket/key")
	}
	return bucket, key, nil
}

func (s *Stager) s3Client(ctx context.Context) (S3API, error) {
	s.s3Once.Do(func() {
		s.s3, s.s3Err = NewS3Client(ctx, s.storage)
	})
	return s.s3, s.s3Err
}

func (s *Stager) fetchS3(ctx context.Context, set *Set, kind types.MediaKind, ref string) error {
	bucket, key, err := ParseS3URI(ref)
	if err != nil {
		return &RefError{Field: string(kind), Ref: ref, Reason: err.Error()}
	}
	client, err := s.s3Client(ctx)
	if err != nil {
		return &FetchError{Ref: ref, Err: err}
	}
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return &FetchError{Ref: ref, Err: err}
	}
	limit := s.limits[kind]
	if size := aws.ToInt64(head.ContentLength); limit > 0 && size > limit {
		return &RefError{Field: string(kind), Ref: ref, Reason: fmt.Sprintf("exceeds %d MB limit", limit/mb)}
	}

	ext := fsutil.Ext(path.Base(key))
	if !Accepted(kind, ext) {
		if ct := extForContentType(aws.ToString(head.ContentType)); ct != "" {
			ext = ct
		}
	}
	pattern := "vlmd-*"
	if ext != "" {
		pattern += "." + ext
	}
	f, err := os.CreateTemp(s.tempDir, pattern)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	n, err := manager.NewDownloader(client).Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return &FetchError{Ref: ref, Err: err}
	}
	set.add(types.MediaRef{Kind: kind, Path: f.Name(), MimeType: MimeType(ext), SizeBytes: n}, true)
	s.log.Debug().Str("ref", ref).Int64("bytes", n).Msg("s3 media staged")
	return nil
}

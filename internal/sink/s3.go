package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"zmt/internal/config"
)

// S3 replicates into a bucket, one object per artifact, streamed through
// multipart uploads so a full send never touches the local disk.
type S3 struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	storageClass types.StorageClass
}

func NewS3(ctx context.Context, cfg *config.S3, prefix string, maxRetryAttempts int) (*S3, error) {
	configOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if maxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 64 * 1024 * 1024
		u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
	})

	storageClass := types.StorageClass(cfg.StorageClass)
	if storageClass == "" {
		storageClass = types.StorageClassStandard
	}

	return &S3{
		client:       client,
		uploader:     uploader,
		bucket:       cfg.Bucket,
		prefix:       prefix,
		storageClass: storageClass,
	}, nil
}

func (s *S3) ID() string { return "s3://" + s.bucket + "/" + s.prefix }

func (s *S3) key(artifact string) string {
	return path.Join(s.prefix, artifact)
}

// Open starts a streaming upload. Bytes written to the handle flow through
// a pipe into the uploader; Finalize closes the stream and waits for the
// upload to commit.
func (s *S3) Open(ctx context.Context, artifact string) (Handle, error) {
	pr, pw := io.Pipe()
	resCh := make(chan error, 1)

	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(s.bucket),
			Key:          aws.String(s.key(artifact)),
			Body:         pr,
			StorageClass: s.storageClass,
		})
		// Unblock a writer stuck in Write when the upload dies first.
		pr.CloseWithError(err)
		resCh <- err
	}()

	return &s3Handle{sink: s, artifact: artifact, pw: pw, resCh: resCh}, nil
}

type s3Handle struct {
	sink     *S3
	artifact string
	pw       *io.PipeWriter
	resCh    chan error
}

func (h *s3Handle) Write(p []byte) (int, error) {
	n, err := h.pw.Write(p)
	if err != nil {
		return n, &TransportError{Op: "write", Target: h.sink.ID(), Path: h.artifact, Err: err}
	}
	return n, nil
}

func (h *s3Handle) Finalize(_ context.Context) error {
	if err := h.pw.Close(); err != nil {
		return &TransportError{Op: "close", Target: h.sink.ID(), Path: h.artifact, Err: err}
	}
	if err := <-h.resCh; err != nil {
		return &TransportError{Op: "upload", Target: h.sink.ID(), Path: h.artifact, Err: err}
	}
	return nil
}

// Abort tears down the pipe; the uploader aborts its multipart upload on
// its own once the body errors out.
func (h *s3Handle) Abort() error {
	h.pw.CloseWithError(errors.New("upload aborted"))
	<-h.resCh
	return nil
}

func (s *S3) Reader(ctx context.Context, artifact string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(artifact)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, &TransportError{Op: "read", Target: s.ID(), Path: artifact, Err: ErrNotExist}
		}
		return nil, &TransportError{Op: "read", Target: s.ID(), Path: artifact, Err: err}
	}
	return out.Body, nil
}

func (s *S3) Init(ctx context.Context) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(s.key(Marker)),
		Body:         strings.NewReader(""),
		StorageClass: types.StorageClassStandard,
	})
	if err != nil {
		return &TransportError{Op: "init", Target: s.ID(), Err: err}
	}
	return nil
}

func (s *S3) Check(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return &TransportError{Op: "check", Target: s.ID(), Err: err}
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(Marker)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return &TransportError{Op: "check", Target: s.ID(), Err: ErrNotInitialized}
		}
		return &TransportError{Op: "check", Target: s.ID(), Err: err}
	}
	return nil
}

func (s *S3) Close() error { return nil }

package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	defaultS3RequestTimeout = 30 * time.Second
	defaultS3PartSize       = 8 * 1024 * 1024
)

// S3Config configures an S3 compatible store. Endpoint is optional and
// targets MinIO style deployments; when set, path style addressing is used.
type S3Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
	PartSize       int64
}

func (cfg S3Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultS3RequestTimeout
	}
	return cfg.RequestTimeout
}

// S3API is the subset of the S3 client the store calls.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type finalUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store stores blobs in a single bucket below an optional key prefix.
type S3Store struct {
	cfg      S3Config
	client   S3API
	uploader finalUploader
}

// NewS3Store builds the AWS client from cfg. Static credentials are used when
// both keys are present, otherwise the default provider chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	accessKey := strings.TrimSpace(cfg.AccessKey)
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(cfg, client, manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		} else {
			u.PartSize = defaultS3PartSize
		}
	})), nil
}

func newS3Store(cfg S3Config, client S3API, uploader finalUploader) *S3Store {
	return &S3Store{cfg: cfg, client: client, uploader: uploader}
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return ""
	}
	if strings.Contains(trimmed, "://") {
		return trimmed
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + trimmed
}

func (s *S3Store) Write(ctx context.Context, key string, data []byte) error {
	finalKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(finalKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	return nil
}

func (s *S3Store) ReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	finalKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get object %s: %w", finalKey, err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	finalKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	return nil
}

// WriteFinal streams r through the multipart uploader, so assembled files of
// any size are written without buffering them whole.
func (s *S3Store) WriteFinal(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	finalKey, err := s.objectKey(key)
	if err != nil {
		return Object{}, err
	}
	counter := &countingReader{r: r}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(finalKey),
		Body:   counter,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return Object{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	return Object{Key: finalKey, URL: s.publicURL(finalKey), Size: counter.n}, nil
}

func (s *S3Store) objectKey(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return s.applyPrefix(cleaned), nil
}

func (s *S3Store) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(s.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (s *S3Store) publicURL(key string) string {
	return JoinURL(s.cfg.PublicEndpoint, key)
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store is the object-store blob backend with presigned GetObject
// support, adapted to content-addressed raw_eml/attachment blobs.
type S3Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	prefix   string
}

type S3StoreConfig struct {
	Bucket string
	Prefix string
	Region string
}

func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + key
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (PutResult, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return PutResult{}, &ErrUnavailable{Key: key, Err: err}
	}
	return PutResult{Key: key, SizeBytes: int64(len(data))}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, &ErrUnavailable{Key: key, Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &ErrUnavailable{Key: key, Err: err}
	}
	return data, nil
}

// SignedURL presigns a GET, encoding filename per RFC 5987 for the
// attachment content-disposition so non-ASCII filenames survive.
func (s *S3Store) SignedURL(ctx context.Context, key string, ttl time.Duration, filename, contentType string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String(
			fmt.Sprintf(`attachment; filename*=UTF-8''%s`, url.PathEscape(filename)),
		)
	}
	if contentType != "" {
		input.ResponseContentType = aws.String(contentType)
	}

	req, err := s.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", &ErrUnavailable{Key: key, Err: err}
	}
	return req.URL, nil
}

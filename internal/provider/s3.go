package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"msgrouter/internal/config"
)

// maxObjectSize bounds a collection object read from S3.
const maxObjectSize = 8 << 20

// S3API is the subset of *s3.Client the source uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Source reads collection <prefix><bucket>.json from one S3 bucket. The
// object may be a JSON array of records or a {"data": [...]} envelope. The
// marker is the object's LastModified time.
type S3Source struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Source(client S3API, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

// OpenS3Source builds a client from the default AWS config chain, with
// static credentials and a custom endpoint when configured.
func OpenS3Source(ctx context.Context, cfg config.S3SourceConfig) (*S3Source, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("sources.s3.bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3Source(client, cfg.Bucket, cfg.Prefix), nil
}

func (s *S3Source) key(collection string) string { return s.prefix + collection + ".json" }

func (s *S3Source) Fetch(ctx context.Context, collection string) (Batch, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(collection)),
	})
	if err != nil {
		return Batch{}, fmt.Errorf("s3 get %s: %w", s.key(collection), err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize+1))
	if err != nil {
		return Batch{}, fmt.Errorf("s3 read %s: %w", s.key(collection), err)
	}
	if len(b) > maxObjectSize {
		return Batch{}, fmt.Errorf("s3 object %s exceeds %d bytes", s.key(collection), maxObjectSize)
	}
	recs, err := parseRecords(b)
	if err != nil {
		return Batch{}, err
	}
	var lm int64
	if out.LastModified != nil {
		lm = out.LastModified.UnixMilli()
	}
	return Batch{Records: recs, LastModified: lm}, nil
}

func (s *S3Source) LastModified(ctx context.Context, collection string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(collection)),
	})
	if err != nil {
		return 0, fmt.Errorf("s3 head %s: %w", s.key(collection), err)
	}
	if out.LastModified == nil {
		return 0, nil
	}
	return out.LastModified.UnixMilli(), nil
}

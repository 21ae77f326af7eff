package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config selects an S3 (or S3-compatible) bucket for segment archiving.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the service URL, e.g. for MinIO.
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Sink uploads each segment as <prefix>/<recording>/<file>.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink loads the default AWS credential chain unless static keys are
// configured.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Sink) Name() string { return "s3" }

// objectKey joins the prefix, recording and file name.
func objectKey(prefix string, seg Segment) string {
	return path.Join(prefix, seg.Recording, seg.FileName())
}

func (s *S3Sink) Write(ctx context.Context, seg Segment) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(s.prefix, seg)),
		Body:          bytes.NewReader(seg.Data),
		ContentLength: aws.Int64(int64(seg.Size())),
		ContentType:   aws.String(seg.Format.MimeType()),
		Metadata: map[string]string{
			"sample-rate": strconv.Itoa(seg.SampleRate),
			"channels":    strconv.Itoa(seg.Channels),
			"samples":     strconv.Itoa(seg.Samples),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s: %w", seg.FileName(), s.bucket, err)
	}
	return nil
}

func (s *S3Sink) Close() error { return nil }

package sink

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig selects a Google Cloud Storage bucket for segment archiving.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// Endpoint points at an emulator; authentication is disabled when set.
	Endpoint string
}

// GCSSink uploads each segment as <prefix>/<recording>/<file>.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSSink) Name() string { return "gcs" }

func (g *GCSSink) Write(ctx context.Context, seg Segment) error {
	w := g.client.Bucket(g.bucket).Object(objectKey(g.prefix, seg)).NewWriter(ctx)
	w.ContentType = seg.Format.MimeType()
	w.Metadata = map[string]string{
		"sample-rate": strconv.Itoa(seg.SampleRate),
		"channels":    strconv.Itoa(seg.Channels),
		"samples":     strconv.Itoa(seg.Samples),
	}
	if _, err := w.Write(seg.Data); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload %s to gs://%s: %w", seg.FileName(), g.bucket, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to upload %s to gs://%s: %w", seg.FileName(), g.bucket, err)
	}
	return nil
}

func (g *GCSSink) Close() error { return g.client.Close() }

package anchor

import (
	"context"
	"fmt"
	"os"
)

// Provider selects the anchor storage backend.
type Provider string

const (
	ProviderMemory Provider = "memory"
	ProviderS3     Provider = "s3"
	ProviderGCS    Provider = "gcs"
)

// Config selects and configures a publisher. Region and Endpoint fall back
// to AWS_REGION and DATAPACT_ANCHOR_S3_ENDPOINT when empty.
type Config struct {
	Provider Provider
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewPublisher builds the configured publisher.
func NewPublisher(ctx context.Context, cfg Config) (Publisher, error) {
	switch cfg.Provider {
	case "", ProviderMemory:
		return NewMemoryPublisher(), nil
	case ProviderS3:
		region := cfg.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = os.Getenv("DATAPACT_ANCHOR_S3_ENDPOINT")
		}
		return NewS3Publisher(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: endpoint,
			Prefix:   cfg.Prefix,
		})
	case ProviderGCS:
		return newGCSPublisher(ctx, cfg)
	default:
		return nil, fmt.Errorf("anchor: unsupported provider %q", cfg.Provider)
	}
}

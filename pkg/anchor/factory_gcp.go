//go:build gcp

package anchor

import "context"

func newGCSPublisher(ctx context.Context, cfg Config) (Publisher, error) {
	return NewGCSPublisher(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}

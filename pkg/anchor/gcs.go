//go:build gcp

package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"

	"github.com/datapact/core/pkg/canonical"
)

// GCSPublisher writes one anchor record per batch to a GCS bucket.
type GCSPublisher struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds GCS publisher settings.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSPublisher creates the publisher from application default
// credentials.
func NewGCSPublisher(ctx context.Context, cfg GCSConfig) (*GCSPublisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("anchor: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("anchor: create GCS client: %w", err)
	}
	return &GCSPublisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// PublishRoot uploads the anchor record under anchors/<batchID>.json. An
// existing object is left untouched.
func (p *GCSPublisher) PublishRoot(ctx context.Context, batchID, root string, receiptCount int) (string, error) {
	path := p.prefix + "anchors/" + batchID + ".json"
	ref := "gs://" + p.bucket + "/" + path

	obj := p.client.Bucket(p.bucket).Object(path)
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("anchor: gcs attrs: %w", err)
	}

	doc, err := canonical.JCS(Record{
		BatchID:      batchID,
		Root:         root,
		ReceiptCount: receiptCount,
		AnchoredAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("anchor: encode record: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(doc); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("anchor: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("anchor: gcs close failed: %w", err)
	}
	return ref, nil
}

// Close releases the GCS client.
func (p *GCSPublisher) Close() error {
	return p.client.Close()
}

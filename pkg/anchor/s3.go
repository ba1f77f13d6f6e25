package anchor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/datapact/core/pkg/canonical"
)

// S3Publisher writes one anchor record per batch to an S3 bucket.
type S3Publisher struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds S3 publisher settings. Endpoint supports MinIO and
// LocalStack.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Publisher creates the publisher from ambient AWS credentials.
func NewS3Publisher(ctx context.Context, cfg S3Config) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("anchor: s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("anchor: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Publisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// PublishRoot uploads the anchor record under anchors/<batchID>.json. An
// existing object is left untouched.
func (p *S3Publisher) PublishRoot(ctx context.Context, batchID, root string, receiptCount int) (string, error) {
	key := p.prefix + "anchors/" + batchID + ".json"
	ref := "s3://" + p.bucket + "/" + key

	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
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

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("anchor: s3 put failed: %w", err)
	}
	return ref, nil
}

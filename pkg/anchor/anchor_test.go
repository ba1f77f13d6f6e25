package anchor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisherIdempotent(t *testing.T) {
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	pub := NewMemoryPublisher().WithClock(func() time.Time { return now })
	ctx := context.Background()

	ref, err := pub.PublishRoot(ctx, "batch-1", "root-aaa", 5)
	require.NoError(t, err)
	assert.Equal(t, "memory://anchors/batch-1", ref)

	// Republish must not overwrite the recorded root.
	ref2, err := pub.PublishRoot(ctx, "batch-1", "root-bbb", 9)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	rec, err := pub.Get("batch-1")
	require.NoError(t, err)
	assert.Equal(t, "root-aaa", rec.Root)
	assert.Equal(t, 5, rec.ReceiptCount)
	assert.Equal(t, now, rec.AnchoredAt)
	assert.Equal(t, 1, pub.Len())
}

func TestMemoryPublisherGetUnknown(t *testing.T) {
	pub := NewMemoryPublisher()
	_, err := pub.Get("missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestNewPublisherProviders(t *testing.T) {
	ctx := context.Background()

	pub, err := NewPublisher(ctx, Config{Provider: ProviderMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPublisher{}, pub)

	pub, err = NewPublisher(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPublisher{}, pub, "empty provider defaults to memory")

	_, err = NewPublisher(ctx, Config{Provider: Provider("tape")})
	assert.Error(t, err)

	_, err = NewPublisher(ctx, Config{Provider: ProviderS3})
	assert.Error(t, err, "s3 without a bucket is refused")
}

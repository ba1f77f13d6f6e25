//go:build !gcp

package anchor

import (
	"context"
	"fmt"
)

func newGCSPublisher(ctx context.Context, cfg Config) (Publisher, error) {
	return nil, fmt.Errorf("anchor: gcs publishing is not enabled in this build (use -tags gcp)")
}

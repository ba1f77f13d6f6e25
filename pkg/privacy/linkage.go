package privacy

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/datapact/core/pkg/errs"
)

const linkageKeyPrefix = "datapact:linkage:"

// QueryRecord is one permitted query in a requester's rolling window.
type QueryRecord struct {
	QueryHash string    `json:"queryHash"`
	Labels    []string  `json:"labels"`
	At        time.Time `json:"at"`
}

// LinkageStore tracks permitted queries per requester so the governor can
// bound query volume and near-duplicate probing inside the rolling window.
type LinkageStore interface {
	Window(ctx context.Context, requesterID string, since time.Time) ([]QueryRecord, error)
	Record(ctx context.Context, requesterID string, rec QueryRecord) error
}

// Jaccard returns the intersection over the union of the two label sets.
// Two empty sets count as identical.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	setA := make(map[string]struct{}, len(a))
	for _, l := range a {
		setA[l] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, l := range b {
		setB[l] = struct{}{}
	}
	var intersection int
	for l := range setA {
		if _, ok := setB[l]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// MemoryLinkageStore is the in-process linkage window. A per-requester
// token bucket sized to the window bounds racing writers that all passed
// the governor's count check before any of them recorded.
type MemoryLinkageStore struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	records  map[string][]QueryRecord
	limiters map[string]*rate.Limiter
	clock    func() time.Time
}

// NewMemoryLinkageStore returns a store pruning entries older than window
// and admitting at most maxPerWindow records per requester.
func NewMemoryLinkageStore(window time.Duration, maxPerWindow int) *MemoryLinkageStore {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if maxPerWindow <= 0 {
		maxPerWindow = 10
	}
	return &MemoryLinkageStore{
		window:   window,
		max:      maxPerWindow,
		records:  make(map[string][]QueryRecord),
		limiters: make(map[string]*rate.Limiter),
		clock:    time.Now,
	}
}

// WithClock overrides the store's time source used for pruning.
func (s *MemoryLinkageStore) WithClock(clock func() time.Time) *MemoryLinkageStore {
	s.clock = clock
	return s
}

func (s *MemoryLinkageStore) Window(_ context.Context, requesterID string, since time.Time) ([]QueryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(requesterID)
	var out []QueryRecord
	for _, rec := range s.records[requesterID] {
		if !rec.At.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryLinkageStore) Record(_ context.Context, requesterID string, rec QueryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[requesterID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.window/time.Duration(s.max)), s.max)
		s.limiters[requesterID] = limiter
	}
	if !limiter.AllowN(s.clock(), 1) {
		return errs.Newf(errs.KindInsufficientResource, "PRIVACY_032",
			"requester %s exceeded the linkage window admission rate", requesterID)
	}
	s.prune(requesterID)
	s.records[requesterID] = append(s.records[requesterID], rec)
	return nil
}

// prune drops entries that have aged out of the window. Callers hold the
// mutex.
func (s *MemoryLinkageStore) prune(requesterID string) {
	cutoff := s.clock().Add(-s.window)
	recs := s.records[requesterID]
	kept := recs[:0]
	for _, rec := range recs {
		if !rec.At.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		delete(s.records, requesterID)
		return
	}
	s.records[requesterID] = kept
}

// RedisLinkageStore keeps each requester's window in a sorted set scored
// by record time, shared across governor instances.
type RedisLinkageStore struct {
	client *redis.Client
	window time.Duration
}

// NewRedisLinkageStore wraps an existing Redis client.
func NewRedisLinkageStore(client *redis.Client, window time.Duration) *RedisLinkageStore {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &RedisLinkageStore{client: client, window: window}
}

func (s *RedisLinkageStore) Window(ctx context.Context, requesterID string, since time.Time) ([]QueryRecord, error) {
	key := linkageKeyPrefix + requesterID
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf",
		"("+formatScore(since.Unix())).Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "PRIVACY_034", err, "prune linkage window")
	}
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "PRIVACY_034", err, "read linkage window")
	}
	out := make([]QueryRecord, 0, len(members))
	for _, member := range members {
		var rec QueryRecord
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			// A corrupt member stops counting toward the window.
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisLinkageStore) Record(ctx context.Context, requesterID string, rec QueryRecord) error {
	key := linkageKeyPrefix + requesterID
	member, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(rec.At.Unix()), Member: string(member)})
	pipe.Expire(ctx, key, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.KindTransient, "PRIVACY_034", err, "record linkage entry")
	}
	return nil
}

func formatScore(seconds int64) string {
	return strconv.FormatInt(seconds, 10)
}

package screening

import (
	"context"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// Decision is the screening verdict.
type Decision string

const (
	DecisionApproved     Decision = "APPROVED"
	DecisionRejected     Decision = "REJECTED"
	DecisionManualReview Decision = "MANUAL_REVIEW"
)

// ScreenedBy records whether a human or the engine decided.
type ScreenedBy string

const (
	ScreenedAutomated ScreenedBy = "AUTOMATED"
	ScreenedManual    ScreenedBy = "MANUAL"
)

// AppealStatus tracks the single allowed appeal of a rejection.
type AppealStatus string

const (
	AppealNone     AppealStatus = "NONE"
	AppealPending  AppealStatus = "PENDING"
	AppealApproved AppealStatus = "APPROVED"
	AppealRejected AppealStatus = "REJECTED"
)

// Result is the 1:1 screening outcome for a request.
type Result struct {
	ID                 string       `json:"id"`
	Version            uint64       `json:"version"`
	CreatedAt          time.Time    `json:"createdAt"`
	RequestID          string       `json:"requestId"`
	Decision           Decision     `json:"decision"`
	ReasonCodes        []string     `json:"reasonCodes"`
	RiskScore          float64      `json:"riskScore"`
	CohortSizeEstimate int          `json:"cohortSizeEstimate"`
	PolicyVersion      string       `json:"policyVersion"`
	ScreenedBy         ScreenedBy   `json:"screenedBy"`
	AppealStatus       AppealStatus `json:"appealStatus"`
	EstimatorName      string       `json:"estimatorName"`
}

var (
	// ErrResultNotFound is returned when a request has no screening result.
	ErrResultNotFound = errs.New(errs.KindNotFound, "SCREEN_004", "screening result not found")
	// ErrAlreadyScreened is returned on a second screening attempt.
	ErrAlreadyScreened = errs.New(errs.KindDuplicate, "SCREEN_003", "request already screened")
)

// ResultStore persists screening results, one per request.
type ResultStore interface {
	// Create persists a new result. A second result for the same request
	// fails with ErrAlreadyScreened.
	Create(ctx context.Context, r *Result) error

	// GetByRequest returns the result for a request id.
	GetByRequest(ctx context.Context, requestID string) (*Result, error)

	// Update rewrites a result (appeal transitions only).
	Update(ctx context.Context, r *Result) error
}

// MemoryResultStore is the in-process result store.
type MemoryResultStore struct {
	mu        sync.RWMutex
	byRequest map[string]*Result
}

// NewMemoryResultStore returns an empty store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{byRequest: make(map[string]*Result)}
}

func (s *MemoryResultStore) Create(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRequest[r.RequestID]; ok {
		return ErrAlreadyScreened
	}
	cp := cloneResult(r)
	s.byRequest[r.RequestID] = cp
	return nil
}

func (s *MemoryResultStore) GetByRequest(_ context.Context, requestID string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byRequest[requestID]
	if !ok {
		return nil, ErrResultNotFound
	}
	return cloneResult(r), nil
}

func (s *MemoryResultStore) Update(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byRequest[r.RequestID]
	if !ok {
		return ErrResultNotFound
	}
	if stored.Version != r.Version {
		return errs.New(errs.KindTransient, "SCREEN_005", "screening result changed concurrently")
	}
	cp := cloneResult(r)
	cp.Version++
	s.byRequest[r.RequestID] = cp
	r.Version = cp.Version
	return nil
}

func cloneResult(r *Result) *Result {
	cp := *r
	cp.ReasonCodes = append([]string(nil), r.ReasonCodes...)
	return &cp
}

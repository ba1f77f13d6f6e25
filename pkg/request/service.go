package request

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/errs"
)

// Service drives the request lifecycle. Every transition lands on the
// audit chain; the canonical event follows from the receipt.
type Service struct {
	store  Store
	ledger *audit.Ledger
	logger *slog.Logger
	clock  func() time.Time
}

// NewService wires the lifecycle service.
func NewService(store Store, ledger *audit.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		ledger: ledger,
		logger: logger.With("component", "request.service"),
		clock:  time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Submit validates the input and creates the request in DRAFT.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}
	r := &Request{
		ID:                  uuid.New().String(),
		Version:             1,
		CreatedAt:           s.clock().UTC(),
		RequesterID:         in.RequesterID,
		Purpose:             in.Purpose,
		Scope:               in.Scope,
		EligibilityCriteria: in.EligibilityCriteria,
		DurationStart:       in.DurationStart,
		DurationEnd:         in.DurationEnd,
		UnitType:            in.UnitType,
		UnitPrice:           in.UnitPrice,
		MaxParticipants:     in.MaxParticipants,
		Budget:              in.Budget,
		Currency:            currency,
		Status:              StatusDraft,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}

	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"purpose":         r.Purpose,
		"unitType":        r.UnitType,
		"budget":          r.Budget,
		"maxParticipants": r.MaxParticipants,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Append(ctx, audit.EventRequestSubmitted, r.RequesterID,
		audit.ActorRequester, r.ID, audit.ResourceRequest, detailsHash); err != nil {
		return nil, err
	}
	s.logger.Info("request submitted", "request_id", r.ID, "requester_id", r.RequesterID)
	return r, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListByRequester returns a requester's requests.
func (s *Service) ListByRequester(ctx context.Context, requesterID string) ([]*Request, error) {
	return s.store.ListByRequester(ctx, requesterID)
}

// BeginScreening moves a DRAFT request into SCREENING.
func (s *Service) BeginScreening(ctx context.Context, id string) (*Request, error) {
	return s.transition(ctx, id, StatusScreening, "", "")
}

// Activate moves a SCREENING request into ACTIVE after approval. The
// screening engine calls this inside its decision flow.
func (s *Service) Activate(ctx context.Context, id string) (*Request, error) {
	return s.transition(ctx, id, StatusActive, audit.EventRequestActivated, "system")
}

// Reject moves a SCREENING request into REJECTED.
func (s *Service) Reject(ctx context.Context, id string) (*Request, error) {
	return s.transition(ctx, id, StatusRejected, audit.EventRequestRejected, "system")
}

// Complete closes an ACTIVE request.
func (s *Service) Complete(ctx context.Context, id string) (*Request, error) {
	return s.transition(ctx, id, StatusCompleted, "", "")
}

// Cancel cancels a request from any non-terminal state. Only the owning
// requester may cancel.
func (s *Service) Cancel(ctx context.Context, id, requesterID string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.RequesterID != requesterID {
		return nil, errs.Newf(errs.KindUnauthorized, "REQUEST_005",
			"request %s is not owned by %s", id, requesterID)
	}
	return s.transition(ctx, id, StatusCancelled, "", "")
}

// AttachEscrow records the escrow account backing the request's budget.
func (s *Service) AttachEscrow(ctx context.Context, id, escrowID string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.EscrowID = escrowID
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// transition applies the lifecycle graph with optimistic retry. An audit
// event type may be empty when the caller appends its own receipt.
func (s *Service) transition(ctx context.Context, id string, to Status, eventType, actorID string) (*Request, error) {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !canTransition(r.Status, to) {
			return nil, errs.Newf(errs.KindInvalidState, "REQUEST_006",
				"request %s cannot move %s -> %s", id, r.Status, to)
		}
		from := r.Status
		r.Status = to
		if err := s.store.Update(ctx, r); err != nil {
			if errs.IsKind(err, errs.KindTransient) {
				continue
			}
			return nil, err
		}

		if eventType != "" {
			detailsHash, err := audit.HashDetails(map[string]string{
				"from": string(from),
				"to":   string(to),
			})
			if err != nil {
				return nil, err
			}
			if _, err := s.ledger.Append(ctx, eventType, actorID, audit.ActorSystem,
				r.ID, audit.ResourceRequest, detailsHash); err != nil {
				return nil, err
			}
		}
		s.logger.Info("request transitioned",
			"request_id", r.ID, "from", from, "to", to)
		return r, nil
	}
	return nil, errs.Newf(errs.KindTransient, "REQUEST_007",
		"request %s transition to %s kept losing version races", id, to)
}

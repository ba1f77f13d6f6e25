package settlement

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datapact/core/pkg/errs"
)

// Ledger account names. Accounts are strings of the form FAMILY:id:LEG so a
// posting is readable on its own in the journal.
func RequesterCashAccount(requesterID string) string {
	return "REQUESTER:" + requesterID + ":CASH"
}

func EscrowFundedAccount(escrowID string) string {
	return "ESCROW:" + escrowID + ":FUNDED"
}

func EscrowLockedAccount(escrowID string) string {
	return "ESCROW:" + escrowID + ":LOCKED"
}

func DSPendingAccount(dsID string) string {
	return "DS_BALANCE:" + dsID + ":PENDING"
}

func DSAvailableAccount(dsID string) string {
	return "DS_BALANCE:" + dsID + ":AVAILABLE"
}

func DSPaidOutAccount(dsID string) string {
	return "DS_BALANCE:" + dsID + ":PAID_OUT"
}

// dsFromAccount recovers the ds id from a DS_BALANCE account name.
func dsFromAccount(account string) (string, bool) {
	parts := strings.Split(account, ":")
	if len(parts) != 3 || parts[0] != "DS_BALANCE" {
		return "", false
	}
	return parts[1], true
}

// JournalEntry is one immutable double-entry posting.
type JournalEntry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	DebitAccount   string    `json:"debitAccount"`
	CreditAccount  string    `json:"creditAccount"`
	Amount         Money     `json:"amount"`
	Reference      string    `json:"reference,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// JournalStore persists postings. Insert reports whether the idempotency key
// was already present; when it was, the stored entry is returned untouched.
type JournalStore interface {
	Insert(ctx context.Context, e *JournalEntry) (*JournalEntry, bool, error)
	GetByKey(ctx context.Context, idempotencyKey string) (*JournalEntry, error)
	ListByAccount(ctx context.Context, account string) ([]*JournalEntry, error)
	ListByReference(ctx context.Context, reference string) ([]*JournalEntry, error)
}

// ErrEntryNotFound is returned for unknown idempotency keys.
var ErrEntryNotFound = errs.New(errs.KindNotFound, "SETTLE_013", "journal entry not found")

// Journal validates and records postings.
type Journal struct {
	store  JournalStore
	logger *slog.Logger
	clock  func() time.Time
}

// NewJournal wires the journal over its store.
func NewJournal(store JournalStore, logger *slog.Logger) *Journal {
	if store == nil {
		store = NewMemoryJournal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		store:  store,
		logger: logger.With("component", "settlement.journal"),
		clock:  time.Now,
	}
}

// WithClock overrides the time source.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// PostInput is one posting request.
type PostInput struct {
	Debit          string
	Credit         string
	Amount         Money
	Reference      string
	IdempotencyKey string
}

// Post records a posting. A duplicate idempotency key is a no-op that
// returns the prior posting with duplicate=true.
func (j *Journal) Post(ctx context.Context, in PostInput) (*JournalEntry, bool, error) {
	if in.Debit == "" || in.Credit == "" {
		return nil, false, errs.New(errs.KindValidation, "SETTLE_012", "posting needs both accounts")
	}
	if in.Debit == in.Credit {
		return nil, false, errs.Newf(errs.KindValidation, "SETTLE_010",
			"posting debits and credits the same account %s", in.Debit)
	}
	if in.IdempotencyKey == "" {
		return nil, false, errs.New(errs.KindValidation, "SETTLE_011", "posting needs an idempotency key")
	}
	if err := requirePositive(in.Amount); err != nil {
		return nil, false, err
	}
	entry := &JournalEntry{
		ID:             uuid.New().String(),
		Timestamp:      j.clock().UTC(),
		DebitAccount:   in.Debit,
		CreditAccount:  in.Credit,
		Amount:         in.Amount,
		Reference:      in.Reference,
		IdempotencyKey: in.IdempotencyKey,
	}
	stored, duplicate, err := j.store.Insert(ctx, entry)
	if err != nil {
		return nil, false, err
	}
	if duplicate {
		j.logger.Debug("duplicate posting returned prior entry",
			"idempotency_key", in.IdempotencyKey, "entry_id", stored.ID)
	}
	return stored, duplicate, nil
}

// Lookup returns the posting stored under an idempotency key.
func (j *Journal) Lookup(ctx context.Context, idempotencyKey string) (*JournalEntry, error) {
	return j.store.GetByKey(ctx, idempotencyKey)
}

// Entries returns every posting touching an account.
func (j *Journal) Entries(ctx context.Context, account string) ([]*JournalEntry, error) {
	return j.store.ListByAccount(ctx, account)
}

// EntriesByReference returns every posting carrying a reference.
func (j *Journal) EntriesByReference(ctx context.Context, reference string) ([]*JournalEntry, error) {
	return j.store.ListByReference(ctx, reference)
}

// MemoryJournal is the in-process journal store.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []*JournalEntry
	byKey   map[string]*JournalEntry
}

// NewMemoryJournal returns an empty journal store.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{byKey: make(map[string]*JournalEntry)}
}

func cloneEntry(e *JournalEntry) *JournalEntry {
	cp := *e
	return &cp
}

func (s *MemoryJournal) Insert(_ context.Context, e *JournalEntry) (*JournalEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.byKey[e.IdempotencyKey]; ok {
		return cloneEntry(prior), true, nil
	}
	cp := cloneEntry(e)
	s.entries = append(s.entries, cp)
	s.byKey[cp.IdempotencyKey] = cp
	return cloneEntry(cp), false, nil
}

func (s *MemoryJournal) GetByKey(_ context.Context, idempotencyKey string) (*JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byKey[idempotencyKey]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (s *MemoryJournal) ListByAccount(_ context.Context, account string) ([]*JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*JournalEntry
	for _, e := range s.entries {
		if e.DebitAccount == account || e.CreditAccount == account {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *MemoryJournal) ListByReference(_ context.Context, reference string) ([]*JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*JournalEntry
	for _, e := range s.entries {
		if e.Reference == reference {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

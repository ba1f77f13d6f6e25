package screening

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/datapact/core/pkg/errs"
)

// RuleStore serves the policy rule base. Loading validates CEL predicates;
// a rule that fails the determinism lint never enters the base.
type RuleStore interface {
	// ActiveRules returns active rules ordered by severity descending.
	ActiveRules(ctx context.Context) ([]PolicyRule, error)

	// Put inserts or replaces a rule by rule code.
	Put(ctx context.Context, rule PolicyRule) error
}

// MemoryRuleStore is the in-process rule base, seeded with the built-ins.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]PolicyRule
}

// NewMemoryRuleStore returns a store pre-seeded with BuiltinRules.
func NewMemoryRuleStore() *MemoryRuleStore {
	s := &MemoryRuleStore{rules: make(map[string]PolicyRule)}
	for _, r := range BuiltinRules() {
		s.rules[r.RuleCode] = r
	}
	return s
}

func (s *MemoryRuleStore) ActiveRules(_ context.Context) ([]PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PolicyRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func (s *MemoryRuleStore) Put(_ context.Context, rule PolicyRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.RuleCode] = rule
	return nil
}

// PostgresRuleStore serves the rule base from the policy_rules table.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore wraps an open database handle.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// Init creates the policy_rules table if it does not exist.
func (s *PostgresRuleStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS policy_rules (
			rule_code TEXT PRIMARY KEY,
			rule_type TEXT NOT NULL,
			category  TEXT NOT NULL DEFAULT '',
			severity  INT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			predicate TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SCREEN_020", err, "init policy_rules schema")
	}
	return nil
}

func (s *PostgresRuleStore) ActiveRules(ctx context.Context) ([]PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_code, rule_type, category, severity, is_active, predicate
		FROM policy_rules WHERE is_active = TRUE
		ORDER BY severity DESC, rule_code ASC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SCREEN_021", err, "load active rules")
	}
	defer rows.Close()

	var out []PolicyRule
	for rows.Next() {
		var r PolicyRule
		if err := rows.Scan(&r.RuleCode, &r.RuleType, &r.Category, &r.Severity, &r.IsActive, &r.Predicate); err != nil {
			return nil, errs.Wrap(errs.KindTransient, "SCREEN_021", err, "scan rule")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresRuleStore) Put(ctx context.Context, rule PolicyRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_rules (rule_code, rule_type, category, severity, is_active, predicate)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rule_code) DO UPDATE SET
			rule_type = EXCLUDED.rule_type,
			category  = EXCLUDED.category,
			severity  = EXCLUDED.severity,
			is_active = EXCLUDED.is_active,
			predicate = EXCLUDED.predicate`,
		rule.RuleCode, string(rule.RuleType), rule.Category, rule.Severity, rule.IsActive, rule.Predicate)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SCREEN_022", err, "put rule")
	}
	return nil
}

func validateRule(rule PolicyRule) error {
	if rule.RuleCode == "" {
		return errs.New(errs.KindValidation, "SCREEN_023", "rule code is required")
	}
	switch rule.RuleType {
	case RuleBlocking, RuleWarning, RuleInfo:
	default:
		return errs.Newf(errs.KindValidation, "SCREEN_024", "unknown rule type %q", rule.RuleType)
	}
	if rule.Severity < 1 || rule.Severity > 10 {
		return errs.Newf(errs.KindValidation, "SCREEN_025", "severity %d is outside [1,10]", rule.Severity)
	}
	return nil
}

func sortRules(rules []PolicyRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Severity != rules[j].Severity {
			return rules[i].Severity > rules[j].Severity
		}
		return rules[i].RuleCode < rules[j].RuleCode
	})
}

// Command bootstrap initializes the PostgreSQL schema for every durable
// store and seeds the built-in screening rule base. It is idempotent: every
// schema statement is CREATE TABLE IF NOT EXISTS and rule seeding upserts.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/datapact/core/pkg/capsule"
	"github.com/datapact/core/pkg/consent"
	"github.com/datapact/core/pkg/events"
	"github.com/datapact/core/pkg/privacy"
	"github.com/datapact/core/pkg/screening"
	"github.com/datapact/core/pkg/settlement"
	"github.com/datapact/core/pkg/ycredit"
)

type initializer interface {
	Init(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATAPACT_DB_DSN")
	if len(os.Args) > 1 {
		dsn = os.Args[1]
	}
	if dsn == "" {
		log.Fatal("Usage: bootstrap <db_url> (or set DATAPACT_DB_DSN)")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("DB ping failed: %v", err)
	}

	log.Println("[bootstrap] initializing schemas")

	rules := screening.NewPostgresRuleStore(db)
	schemas := []struct {
		name string
		init initializer
	}{
		{"canonical_events", events.NewPostgresStore(db)},
		{"policy_rules", rules},
		{"consent_contracts", consent.NewPostgresContractStore(db)},
		{"consent_obligations", consent.NewPostgresObligationStore(db)},
		{"obligation_violations", consent.NewPostgresViolationStore(db)},
		{"privacy_risk_budgets", privacy.NewPostgresBudgetStore(db)},
		{"time_capsules", capsule.NewPostgresStore(db)},
		{"nonce_registry", capsule.NewPostgresNonceRegistry(db)},
		{"destroyed_keys_registry", capsule.NewPostgresDestroyedKeys(db)},
		{"journal_entries", settlement.NewPostgresJournal(db)},
		{"escrow_accounts", settlement.NewPostgresEscrowStore(db)},
		{"ds_balances", settlement.NewPostgresBalanceStore(db)},
		{"payout_instructions", settlement.NewPostgresPayoutStore(db)},
		{"yc_tokens", ycredit.NewPostgresTokenStore(db)},
	}
	for _, s := range schemas {
		if err := s.init.Init(ctx); err != nil {
			log.Fatalf("Failed to init %s: %v", s.name, err)
		}
		log.Printf("[bootstrap] %s: ready", s.name)
	}

	log.Println("[bootstrap] seeding built-in policy rules")
	for _, rule := range screening.BuiltinRules() {
		if err := rules.Put(ctx, rule); err != nil {
			log.Fatalf("Failed to seed rule %s: %v", rule.RuleCode, err)
		}
		log.Printf("[bootstrap] rule %s (%s, severity %d)", rule.RuleCode, rule.RuleType, rule.Severity)
	}

	log.Println("[bootstrap] complete")
}

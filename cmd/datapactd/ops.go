package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/joho/godotenv"

	"github.com/datapact/core/pkg/anchor"
	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/config"
	"github.com/datapact/core/pkg/events"
)

func runSelfcheck(stdout, stderr io.Writer) int {
	_ = godotenv.Load()
	cfg := config.Load()

	fmt.Fprintf(stdout, "env:             %s\n", cfg.Env)
	fmt.Fprintf(stdout, "policy key:      %s\n", configured(cfg.CoordinatorPolicyKey != ""))
	fmt.Fprintf(stdout, "plan grant key:  %s\n", configured(cfg.PlanGrantKey != ""))
	fmt.Fprintf(stdout, "database:        %s\n", configured(cfg.DatabaseDSN != ""))
	fmt.Fprintf(stdout, "redis:           %s\n", configured(cfg.RedisAddr != ""))
	fmt.Fprintf(stdout, "anchor provider: %s\n", cfg.AnchorProvider)
	fmt.Fprintf(stdout, "otlp endpoint:   %s\n", configured(cfg.OTLPEndpoint != ""))

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "configuration valid")
	return 0
}

func configured(set bool) string {
	if set {
		return "configured"
	}
	return "not set (development fallback)"
}

func runVerifyChain(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dbPath := cmd.String("audit-db", auditDBPath(), "Path to the sqlite audit database")
	receiptID := cmd.String("receipt", "", "Verify a single receipt instead of the whole chain")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	db, store, err := openAuditStore(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "open audit store: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ledger := audit.NewLedger(store, nil)
	if *receiptID != "" {
		if err := ledger.VerifyReceiptIntegrity(ctx, *receiptID); err != nil {
			fmt.Fprintf(stderr, "receipt %s: %v\n", *receiptID, err)
			return 1
		}
		fmt.Fprintf(stdout, "receipt %s verified\n", *receiptID)
		return 0
	}

	if err := ledger.VerifyChain(ctx); err != nil {
		fmt.Fprintf(stderr, "chain verification failed: %v\n", err)
		return 1
	}
	head, seq, err := ledger.Head(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "read chain head: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "chain verified: %d receipts, head %s\n", seq, head)
	return 0
}

func runAnchor(args []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()
	cfg := config.Load()

	cmd := flag.NewFlagSet("anchor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dbPath := cmd.String("audit-db", auditDBPath(), "Path to the sqlite audit database")
	provider := cmd.String("provider", cfg.AnchorProvider, "Anchor storage provider (memory|s3|gcs)")
	bucket := cmd.String("bucket", cfg.AnchorBucket, "Anchor bucket for s3/gcs")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	db, store, err := openAuditStore(*dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "open audit store: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	publisher, err := anchor.NewPublisher(ctx, anchor.Config{
		Provider: anchor.Provider(*provider),
		Bucket:   *bucket,
	})
	if err != nil {
		fmt.Fprintf(stderr, "anchor publisher: %v\n", err)
		return 1
	}

	ledger := audit.NewLedger(store, nil)
	anchorer := audit.NewAnchorer(ledger, store, publisher, nil)
	batch, err := anchorer.AnchorBatch(ctx)
	if errors.Is(err, audit.ErrNothingToAnchor) {
		fmt.Fprintln(stdout, "nothing to anchor")
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "anchor batch failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "anchored %d receipts\n", batch.ReceiptCount)
	fmt.Fprintf(stdout, "  batch: %s\n", batch.ID)
	fmt.Fprintf(stdout, "  root:  %s\n", batch.Root)
	if batch.ExternalRef != "" {
		fmt.Fprintf(stdout, "  ref:   %s\n", batch.ExternalRef)
	}
	return 0
}

func runEvents(sub string, args []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()
	cfg := config.Load()

	cmd := flag.NewFlagSet("events "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dsn := cmd.String("dsn", cfg.DatabaseDSN, "PostgreSQL DSN of the event outbox")
	eventID := cmd.String("id", "", "Dead-letter event id (requeue)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *dsn == "" {
		fmt.Fprintln(stderr, "Error: --dsn or DATAPACT_DB_DSN is required")
		return 2
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		fmt.Fprintf(stderr, "open postgres: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	store := events.NewPostgresStore(db)
	worker := events.NewWorker(store, events.DefaultWorkerConfig(), nil)

	switch sub {
	case "drain":
		total := 0
		for {
			n, err := worker.ProcessDue(ctx)
			if err != nil {
				fmt.Fprintf(stderr, "drain failed after %d events: %v\n", total, err)
				return 1
			}
			total += n
			if n == 0 {
				break
			}
		}
		fmt.Fprintf(stdout, "processed %d events\n", total)
		return 0
	case "requeue":
		if *eventID == "" {
			fmt.Fprintln(stderr, "Error: --id is required")
			return 2
		}
		if err := worker.RequeueDeadLetter(ctx, *eventID); err != nil {
			fmt.Fprintf(stderr, "requeue %s: %v\n", *eventID, err)
			return 1
		}
		fmt.Fprintf(stdout, "event %s requeued\n", *eventID)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown events subcommand: %s\n", sub)
		return 2
	}
}

// Package main implements the registry migration tool.
//
// It applies the subscriber registry schema to the Postgres database named
// by --database-url (or DATABASE_URL, optionally from .env). Every statement
// is idempotent, so the tool is safe to run on each deploy.
//
// Usage:
//
//	go run ./cmd/ops/migrate --database-url=postgres://localhost/hookrelay
//	go run ./cmd/ops/migrate --dry-run
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"hookrelay/internal/db"
)

type options struct {
	DatabaseURL string
	DryRun      bool
	Timeout     time.Duration
}

func main() {
	_ = godotenv.Load()

	opts, err := parseFlags(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

// parseFlags reads the command line. getenv supplies DATABASE_URL when the
// flag is absent.
func parseFlags(args []string, getenv func(string) string) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	fs.StringVar(&opts.DatabaseURL, "database-url", "", "Postgres connection string (default: $DATABASE_URL)")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "print the schema statements without connecting")
	fs.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall deadline for the migration")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	if opts.DatabaseURL == "" {
		opts.DatabaseURL = getenv("DATABASE_URL")
	}
	if opts.DatabaseURL == "" && !opts.DryRun {
		return opts, errors.New("--database-url or DATABASE_URL is required")
	}
	if opts.Timeout <= 0 {
		return opts, errors.New("--timeout must be positive")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer, logger *slog.Logger) error {
	if opts.DryRun {
		for _, stmt := range db.SchemaStatements() {
			fmt.Fprintf(out, "%s;\n\n", stmt)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: opts.DatabaseURL, MaxConns: 1})
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer pool.Close()

	start := time.Now()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("registry schema applied",
		"statements", len(db.SchemaStatements()),
		"duration", time.Since(start).String(),
	)
	return nil
}

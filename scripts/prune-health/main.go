// Command prune-health deletes indexer health records older than a retention
// window. The health agent appends a row per indexer per cycle, so the table
// grows without bound on long-lived deployments.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/prune-health [days]
//
// days defaults to 90. Safe to run repeatedly; it reports the number of rows
// deleted and exits.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	days := 90
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n <= 0 {
			log.Fatalf("invalid retention days %q", os.Args[1])
		}
		days = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	tag, err := pool.Exec(ctx, `DELETE FROM indexer_health WHERE checked_at < $1`, cutoff)
	if err != nil {
		log.Fatalf("delete: %v", err)
	}

	fmt.Printf("deleted %d health records older than %s\n", tag.RowsAffected(), cutoff.Format(time.DateOnly))
}

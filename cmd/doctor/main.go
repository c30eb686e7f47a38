// Package main is a diagnostic tool for testing connectivity to the state
// backend's two hard dependencies and inspecting live data. It connects to
// PostgreSQL, queries the backends and lock_audit tables, pings the Redis
// coordination store, and prints a summary to stdout. The binary exits with a
// non-zero code on any failure so it can be embedded in health checks or CI/CD
// pipeline steps to gate deployments on reachable infrastructure.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	if dbPassword == "" {
		dbPassword = "tfstate"
	}
	dbHost := os.Getenv("DATABASE_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	connStr := fmt.Sprintf("host=%s port=5432 user=tfstate password=%s dbname=tfstate_backend sslmode=disable", dbHost, dbPassword)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	// Check registered backends
	fmt.Println("=== BACKENDS ===")
	rows, err := db.Query("SELECT backend_id, environment, versioning_enabled, version_retention FROM backends ORDER BY backend_id")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	backendCount := 0
	for rows.Next() {
		var backendID, environment string
		var versioning bool
		var retention int
		if err := rows.Scan(&backendID, &environment, &versioning, &retention); err != nil {
			log.Printf("Warning: failed to scan backend row: %v", err)
			continue
		}
		fmt.Printf("Backend: %s (env: %s, versioning: %v, retention: %d)\n", backendID, environment, versioning, retention)
		backendCount++
	}
	if backendCount == 0 {
		fmt.Println("No backends registered!")
	}

	// Check recent lock activity
	fmt.Println("\n=== RECENT LOCK AUDIT ===")
	rows2, err := db.Query("SELECT backend_id, workspace, event, who, created_at FROM lock_audit ORDER BY created_at DESC LIMIT 10")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows2.Close()

	auditCount := 0
	for rows2.Next() {
		var backendID, workspace, event string
		var who *string
		var createdAt time.Time
		if err := rows2.Scan(&backendID, &workspace, &event, &who, &createdAt); err != nil {
			log.Printf("Warning: failed to scan audit row: %v", err)
			continue
		}
		holder := "-"
		if who != nil && *who != "" {
			holder = *who
		}
		fmt.Printf("Event: %-14s %s/%s by %s at %s\n", event, backendID, workspace, holder, createdAt.Format(time.RFC3339))
		auditCount++
	}
	if auditCount == 0 {
		fmt.Println("No lock audit entries found!")
	}

	// Check the coordination store
	fmt.Println("\n=== COORDINATION STORE ===")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis ping failed: %v", err)
	}
	fmt.Printf("Redis reachable at %s\n", redisAddr)

	// Count live locks under the default key prefix
	lockCount := 0
	iter := rdb.Scan(ctx, 0, "tfstate:lock:*", 100).Iterator()
	for iter.Next(ctx) {
		lockCount++
	}
	if err := iter.Err(); err != nil {
		log.Fatalf("Redis scan failed: %v", err)
	}
	fmt.Printf("Live locks: %d\n", lockCount)
}

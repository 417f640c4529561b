package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"

	"TickBook/internal/persistence"
	"TickBook/migrations"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list the bundled migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  TICKBOOK_POSTGRES_URL    - Postgres connection string")
		fmt.Println("  TICKBOOK_MIGRATIONS_DIR  - read migrations from disk instead of the embedded set")
		os.Exit(1)
	}

	pgURL := os.Getenv("TICKBOOK_POSTGRES_URL")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/tickbook?sslmode=disable"
	}

	var fsys fs.FS = migrations.FS
	if dir := os.Getenv("TICKBOOK_MIGRATIONS_DIR"); dir != "" {
		fsys = os.DirFS(dir)
	}

	if os.Args[1] == "status" {
		names, err := persistence.ListMigrations(fsys, ".up.sql")
		if err != nil {
			log.Fatalf("FATAL: list migrations: %v", err)
		}
		for _, name := range names {
			fmt.Println(persistence.ExtractVersion(name), name)
		}
		return
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, fsys)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Printf("INFO: %d migrations applied", n)

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}

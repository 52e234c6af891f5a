// Command migrate applies the passport ledger schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"provenance.org/internal/migrate"
	"provenance.org/internal/obs"
	"provenance.org/internal/store/pg"
	"provenance.org/ops/migrations"
)

const usage = "usage: migrate [-dsn DSN] [-migrations DIR] up|down|status"

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("PASSPORT_PG_DSN"), "PostgreSQL DSN (default $PASSPORT_PG_DSN)")
		dir     = flag.String("migrations", "", "directory of *.up.sql/*.down.sql files; the embedded ledger schema when empty")
		table   = flag.String("table", "schema_migrations", "bookkeeping table")
		timeout = flag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PASSPORT_PG_DSN")
	}
	if flag.NArg() != 1 {
		log.Fatal(usage)
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var fsys fs.FS = migrations.FS
	root := migrations.Dir
	if *dir != "" {
		fsys, root = os.DirFS(*dir), "."
	}
	mgr := migrate.NewManager(store.DB(), fsys, root, migrate.WithMigrationsTable(*table))

	start := time.Now()
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		if history, err = mgr.Status(ctx); err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		obs.Error("migrate_failed", map[string]any{"command": cmd, "error": err})
		os.Exit(1)
	}
	if cmd != "status" {
		obs.Info("migrate_complete", map[string]any{
			"command":     cmd,
			"table":       *table,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

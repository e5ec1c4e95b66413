// Command dbtool manages the development database: migrate applies the SQL
// files under db/migrations in order, seed inserts a few well-known
// identities, smoke proves the schema with a write-read round trip that
// never commits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/casegate/casegate/pkg/uuidv7"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <migrate|seed|smoke> [args]")
	}

	switch os.Args[1] {
	case "migrate":
		migrate(os.Args[2:])
	case "seed":
		seed(os.Args[2:])
	case "smoke":
		smoke(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func migrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, dir string
	fs.StringVar(&url, "url", os.Getenv("DATABASE_URL"), "postgres connection string")
	fs.StringVar(&dir, "dir", "db/migrations", "migrations directory")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}
	dir, err := resolveDir(dir)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
  version text PRIMARY KEY,
  applied timestamptz NOT NULL DEFAULT now()
);`); err != nil {
		fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		fatal(err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		fatalf("no migrations in %s", dir)
	}

	for _, name := range names {
		var applied bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1);`, name).Scan(&applied); err != nil {
			fatal(err)
		}
		if applied {
			continue
		}

		stmt, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			fatal(err)
		}
		tx, err := conn.Begin(ctx)
		if err != nil {
			fatal(err)
		}
		if _, err := tx.Exec(ctx, string(stmt)); err != nil {
			_ = tx.Rollback(context.Background())
			fatalf("%s: %v", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1);`, name); err != nil {
			_ = tx.Rollback(context.Background())
			fatal(err)
		}
		if err := tx.Commit(ctx); err != nil {
			fatal(err)
		}
		fmt.Println("[migrate] applied", name)
	}
	fmt.Println("[migrate] OK")
}

func seed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", os.Getenv("DATABASE_URL"), "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	seeds := []struct {
		ref   string
		email string
		roles []string
	}{
		{ref: "ident-alice", email: "alice@example.com", roles: []string{"user"}},
		{ref: "ident-bob", email: "bob@example.com", roles: []string{"user"}},
		{ref: "ident-rita", email: "rita@example.com", roles: []string{"adjuster"}},
	}
	for _, s := range seeds {
		id, err := uuidv7.NewString()
		if err != nil {
			fatal(err)
		}
		tag, err := conn.Exec(ctx, `INSERT INTO identities (id, ref, email, roles)
VALUES ($1, $2, $3, $4)
ON CONFLICT (ref) DO NOTHING;`, id, s.ref, s.email, s.roles)
		if err != nil {
			fatal(err)
		}
		if tag.RowsAffected() > 0 {
			fmt.Println("[seed] inserted", s.ref)
		}
	}
	fmt.Println("[seed] OK")
}

func smoke(args []string) {
	fs := flag.NewFlagSet("smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", os.Getenv("DATABASE_URL"), "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	tx, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	id, err := uuidv7.NewString()
	if err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO records (id, entity_type, created, updated, fields)
VALUES ($1, 'smoke', now(), now(), '{"probe": "ok"}'::jsonb);`, id); err != nil {
		fatal(err)
	}

	var probe string
	if err := tx.QueryRow(ctx, `SELECT fields->>'probe' FROM records WHERE id = $1;`, id).Scan(&probe); err != nil {
		fatal(err)
	}
	if probe != "ok" {
		fatalf("expected probe=ok, got %q", probe)
	}

	var identityCount int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM identities;`).Scan(&identityCount); err != nil {
		fatal(err)
	}
	fmt.Printf("[smoke] records round trip OK, %d identities\n", identityCount)
	fmt.Println("[smoke] OK")
}

// resolveDir walks upward from the working directory so the tool finds the
// repo migrations no matter which subdirectory it runs from.
func resolveDir(dir string) (string, error) {
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	probe := dir
	for range 8 {
		if info, err := os.Stat(probe); err == nil && info.IsDir() {
			return probe, nil
		}
		probe = filepath.Join("..", probe)
	}
	return "", fmt.Errorf("directory not found: %s", dir)
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

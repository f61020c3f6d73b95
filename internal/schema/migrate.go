// Package schema embeds and applies the engine's SQL migrations at
// startup, before any query is served, following the
// contract-data-processor/consumer/postgresql/schema.go pattern of
// embedding raw .sql files and splitting them into individual statements,
// generalized into a proper append-only ledger (schema_migrations) so
// re-running is idempotent rather than relying on "ignorable" duplicate
// errors.
package schema

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const ledgerDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL DEFAULT (now() AT TIME ZONE 'utc')
)`

// Migrate applies every embedded migration file not yet recorded in
// schema_migrations, in filename order, each inside its own transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ledgerDDL); err != nil {
		return fmt.Errorf("schema: create migration ledger: %w", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return fmt.Errorf("schema: load applied versions: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("schema: read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if applied[name] {
			continue
		}
		if err := applyOne(ctx, pool, name); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyOne(ctx context.Context, pool *pgxpool.Pool, name string) error {
	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("schema: read migration %s: %w", name, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("schema: begin migration %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range splitSQLStatements(string(content)) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema: migration %s statement %d: %w", name, i, err)
		}
	}

	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
		return fmt.Errorf("schema: record migration %s: %w", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("schema: commit migration %s: %w", name, err)
	}
	return nil
}

// splitSQLStatements splits SQL content into individual statements on
// semicolons, tracking single-quoted strings, backslash escapes and
// dollar-quoted ($$ ... $$) function bodies so a semicolon inside a
// string literal or a PL/pgSQL/SQL function body isn't treated as a
// statement terminator.
func splitSQLStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	escape := false
	dollarTag := "" // non-empty while inside a $tag$ ... $tag$ block

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		current.WriteRune(ch)

		if escape {
			escape = false
			continue
		}

		if dollarTag != "" {
			if ch == '$' {
				if tag, ok := matchDollarTag(runes, i, dollarTag); ok {
					current.WriteString(tag[1:]) // already wrote the opening '$'
					i += len(tag) - 1
					dollarTag = ""
				}
			}
			continue
		}

		switch {
		case ch == '\\':
			escape = true
		case ch == '\'' && !inString:
			inString = true
		case ch == '\'' && inString:
			inString = false
		case ch == '$' && !inString:
			if tag, ok := openDollarTag(runes, i); ok {
				current.WriteString(tag[1:])
				i += len(tag) - 1
				dollarTag = tag
			}
		case ch == ';' && !inString:
			statements = append(statements, current.String())
			current.Reset()
		}
	}

	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}

	return statements
}

// openDollarTag recognises a dollar-quote opening tag ($$ or $tag$)
// starting at runes[i], returning the full tag (including both '$'s).
func openDollarTag(runes []rune, i int) (string, bool) {
	j := i + 1
	for j < len(runes) && runes[j] != '$' && (runes[j] == '_' || (runes[j] >= 'a' && runes[j] <= 'z') || (runes[j] >= 'A' && runes[j] <= 'Z') || (runes[j] >= '0' && runes[j] <= '9')) {
		j++
	}
	if j < len(runes) && runes[j] == '$' {
		return string(runes[i : j+1]), true
	}
	return "", false
}

// matchDollarTag reports whether runes[i:] begins with the closing tag
// matching an already-open dollar quote.
func matchDollarTag(runes []rune, i int, tag string) (string, bool) {
	tagRunes := []rune(tag)
	if i+len(tagRunes) > len(runes) {
		return "", false
	}
	if string(runes[i:i+len(tagRunes)]) == tag {
		return tag, true
	}
	return "", false
}

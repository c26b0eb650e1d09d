package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/chess-ingest/internal/logging"
)

//go:embed migrations/clickhouse/*.sql
var clickhouseMigrationFiles embed.FS

// RunClickHouseMigrations applies the embedded ClickHouse DDL. Every
// statement is idempotent, so the files are replayed on each start.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB) error {
	files, err := fs.Glob(clickhouseMigrationFiles, "migrations/clickhouse/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list clickhouse migrations: %w", err)
	}
	sort.Strings(files)

	for _, filename := range files {
		content, err := clickhouseMigrationFiles.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			logging.WithFields(map[string]interface{}{
				"file":      filename,
				"statement": i + 1,
			}).Debugf("executing %s", truncate(stmt, 80))

			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, filename, err)
			}
		}

		logging.Infof("Applied clickhouse migration: %s", filename)
	}

	return nil
}

// splitSQLStatements splits SQL content into individual statements,
// dropping comment-only lines and trailing semicolons
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

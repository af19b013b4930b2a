package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	if err := p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...); err != nil {
		return fmt.Errorf("gorm auto-migrate models: %w", err)
	}

	if err := executeMigrationSQL(ctx, p, "post-auto-migrate", postAutoMigrateSQL); err != nil {
		return err
	}

	return nil
}

// executeMigrationSQL runs a script one statement at a time so the same file
// works on drivers without multi-statement support.
func executeMigrationSQL(ctx context.Context, p *Pool, label, sqlText string) error {
	for i, stmt := range splitStatements(sqlText) {
		if err := p.gdb.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("execute %s SQL statement %d: %w", label, i+1, err)
		}
	}
	return nil
}

func splitStatements(sqlText string) []string {
	var (
		out     []string
		current strings.Builder
	)
	for _, line := range strings.Split(sqlText, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
			if stmt != "" {
				out = append(out, stmt)
			}
			current.Reset()
		}
	}
	if tail := strings.TrimSpace(current.String()); tail != "" {
		out = append(out, tail)
	}
	return out
}

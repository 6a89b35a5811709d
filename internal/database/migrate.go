package database

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// requiredTables is what ValidateSchema checks. A run refuses to start when
// any of these is missing.
var requiredTables = []string{
	"tenants", "conversations", "runs", "dag_nodes", "run_events",
	"run_artifacts", "orders", "order_events", "fills", "portfolio_snapshots",
	"approvals", "policy_events", "trade_confirmations", "trade_tickets",
	"product_catalog", "product_details", "schema_migrations",
}

// Migrate applies the embedded SQL migrations in filename order, recording
// each applied file in schema_migrations. Re-running is a no-op.
func (d *Database) Migrate() error {
	if err := d.db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	applied := map[string]bool{}
	var rows []SchemaMigration
	if err := d.db.Find(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		applied[r.Filename] = true
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		for _, stmt := range splitStatements(string(raw)) {
			if err := d.db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("migration %s: %w", name, err)
			}
		}
		if err := d.db.Create(&SchemaMigration{Filename: name, AppliedAt: time.Now().UTC()}).Error; err != nil {
			return err
		}
		log.Info().Str("migration", name).Msg("Applied migration")
	}
	return nil
}

// PendingMigrations returns embedded migration files not yet recorded as applied.
func (d *Database) PendingMigrations() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	applied := map[string]bool{}
	if d.db.Migrator().HasTable(&SchemaMigration{}) {
		var rows []SchemaMigration
		if err := d.db.Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, r := range rows {
			applied[r.Filename] = true
		}
	}
	var pending []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") && !applied[e.Name()] {
			pending = append(pending, e.Name())
		}
	}
	sort.Strings(pending)
	return pending, nil
}

// ValidateSchema reports whether every required table exists, and which are
// missing otherwise.
func (d *Database) ValidateSchema() (bool, []string) {
	var missing []string
	for _, table := range requiredTables {
		if !d.db.Migrator().HasTable(table) {
			missing = append(missing, table)
		}
	}
	return len(missing) == 0, missing
}

func splitStatements(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

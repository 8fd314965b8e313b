package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// migration is one embedded schema step. The numeric prefix of the
// filename is its version.
type migration struct {
	version int
	name    string
	stmts   string
}

func load() ([]migration, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var steps []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			return nil, fmt.Errorf("migration %s has no version prefix: %w", name, err)
		}
		stmts, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		steps = append(steps, migration{version: version, name: name, stmts: string(stmts)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// Migrate brings the workspace database up to the newest embedded
// schema version. Already-applied steps are skipped; the whole upgrade
// runs in one transaction.
func Migrate(db *sql.DB) error {
	steps, err := load()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if _, err := tx.Exec(step.stmts); err != nil {
			return fmt.Errorf("apply %s: %w", step.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, step.version); err != nil {
			return fmt.Errorf("record %s: %w", step.name, err)
		}
		current = step.version
	}
	return tx.Commit()
}

package postgres

import (
	"fmt"
	"io/fs"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/migrations"
	migrate "github.com/rubenv/sql-migrate"
)

// MigrationRecord describes one applied migration.
type MigrationRecord struct {
	ID        string
	AppliedAt string
}

func migrationSource() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrations.Files,
		Root:       "sql",
	}
}

// MigrateUp applies all pending migrations and returns how many ran.
func (c *Client) MigrateUp() (int, error) {
	n, err := migrate.Exec(c.DB, "postgres", migrationSource(), migrate.Up)
	if err != nil {
		return n, fmt.Errorf("applying migrations: %w", err)
	}
	return n, nil
}

// MigrateDown rolls back at most steps migrations; zero rolls back all.
func (c *Client) MigrateDown(steps int) (int, error) {
	n, err := migrate.ExecMax(c.DB, "postgres", migrationSource(), migrate.Down, steps)
	if err != nil {
		return n, fmt.Errorf("rolling back migrations: %w", err)
	}
	return n, nil
}

// MigrationStatus lists the applied migrations, oldest first.
func (c *Client) MigrationStatus() ([]MigrationRecord, error) {
	records, err := migrate.GetMigrationRecords(c.DB, "postgres")
	if err != nil {
		return nil, fmt.Errorf("reading migration records: %w", err)
	}
	out := make([]MigrationRecord, 0, len(records))
	for _, r := range records {
		out = append(out, MigrationRecord{ID: r.Id, AppliedAt: r.AppliedAt.Format("2006-01-02 15:04:05")})
	}
	return out, nil
}

// MigrationFiles lists the embedded migration file names.
func MigrationFiles() ([]string, error) {
	return fs.Glob(migrations.Files, "sql/*.sql")
}

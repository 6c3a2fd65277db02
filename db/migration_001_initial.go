package db

import "database/sql"

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "initial schema: settings and repos",
		Up:          migration001Initial,
	})
}

func migration001Initial(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS repos (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			url TEXT NOT NULL,
			path TEXT NOT NULL,
			branch TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_repos_name ON repos(name);
	`)
	return err
}

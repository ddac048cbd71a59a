package database

import (
	"database/sql"

	_ "modernc.org/sqlite" // SQLite driver
)

// New creates a new database connection pool.
func New(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate runs the SQL statements to set up the database schema.
func Migrate(db *sql.DB) error {
	const sqlStmt = `
	CREATE TABLE IF NOT EXISTS catalog (
		target_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		artifact_uri TEXT NOT NULL,
		size INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		verified BOOLEAN NOT NULL,
		PRIMARY KEY (target_id, job_id)
	);
	CREATE INDEX IF NOT EXISTS idx_catalog_target_time ON catalog (target_id, finished_at);

	CREATE TABLE IF NOT EXISTS restore_requests (
		id TEXT NOT NULL PRIMARY KEY,
		target_ids_json TEXT NOT NULL,
		as_of DATETIME,
		job_id TEXT,
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		results_json TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT NOT NULL PRIMARY KEY,
		type TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		target_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE,
		email TEXT UNIQUE,
		password_hash TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(sqlStmt)
	return err
}

package services

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/averos/backstop/internal/models"
)

// ErrNoCatalogEntry is returned when a query matches no verified entry.
var ErrNoCatalogEntry = errors.New("no matching catalog entry")

// CatalogProvider defines the interface for the backup catalog: the sole
// source of truth for which backups exist and are restorable.
type CatalogProvider interface {
	Append(rec models.BackupRecord) error
	EntriesForTarget(targetID string) ([]models.BackupRecord, error)
	EntriesInRange(targetID string, from, to time.Time) ([]models.BackupRecord, error)
	GetEntry(targetID, jobID string) (models.BackupRecord, error)
	LatestVerified(targetID string) (models.BackupRecord, error)
	SelectAsOf(targetID string, asOf time.Time) (models.BackupRecord, error)
	Delete(targetID, jobID string) error

	AcquireLease(targetID, jobID string)
	ReleaseLease(targetID, jobID string)
	Leased(targetID, jobID string) bool
}

// CatalogService stores catalog entries in sqlite. Entries are append-only:
// nothing mutates a row in place; only retention deletes rows. Retention
// leases are transient per-entry reference counts held in memory by running
// restores.
type CatalogService struct {
	db *sql.DB

	mu     sync.Mutex
	leases map[string]int
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(db *sql.DB) *CatalogService {
	return &CatalogService{db: db, leases: make(map[string]int)}
}

// Append promotes a completed, verified BackupRecord into the catalog.
// Unverified or non-terminal records are rejected; (target id, job id) is
// unique.
func (s *CatalogService) Append(rec models.BackupRecord) error {
	if !rec.Verified || rec.Status != models.StatusCompleted {
		return fmt.Errorf("refusing to catalog job %s: status=%s verified=%t", rec.JobID, rec.Status, rec.Verified)
	}

	stmt, err := s.db.Prepare(`
		INSERT INTO catalog (target_id, job_id, started_at, finished_at, status, artifact_uri, size, checksum, verified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.Exec(rec.TargetID, rec.JobID, rec.StartedAt, rec.FinishedAt, rec.Status, rec.ArtifactURI, rec.Size, rec.Checksum, rec.Verified)
	if err != nil {
		return fmt.Errorf("catalog append for job %s: %w", rec.JobID, err)
	}
	return nil
}

const catalogColumns = "target_id, job_id, started_at, finished_at, status, artifact_uri, size, checksum, verified"

// EntriesForTarget returns all entries for a target, newest first.
func (s *CatalogService) EntriesForTarget(targetID string) ([]models.BackupRecord, error) {
	rows, err := s.db.Query(
		"SELECT "+catalogColumns+" FROM catalog WHERE target_id = ? ORDER BY finished_at DESC, job_id DESC", targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRecords(rows)
}

// EntriesInRange returns entries for a target with finished_at in [from, to],
// newest first.
func (s *CatalogService) EntriesInRange(targetID string, from, to time.Time) ([]models.BackupRecord, error) {
	rows, err := s.db.Query(
		"SELECT "+catalogColumns+" FROM catalog WHERE target_id = ? AND finished_at >= ? AND finished_at <= ? ORDER BY finished_at DESC, job_id DESC",
		targetID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRecords(rows)
}

// GetEntry retrieves a single entry by its composite key.
func (s *CatalogService) GetEntry(targetID, jobID string) (models.BackupRecord, error) {
	row := s.db.QueryRow("SELECT "+catalogColumns+" FROM catalog WHERE target_id = ? AND job_id = ?", targetID, jobID)
	return s.scanRecord(row)
}

// LatestVerified returns the most recent verified entry for a target.
func (s *CatalogService) LatestVerified(targetID string) (models.BackupRecord, error) {
	row := s.db.QueryRow(
		"SELECT "+catalogColumns+" FROM catalog WHERE target_id = ? AND verified ORDER BY finished_at DESC, job_id DESC LIMIT 1", targetID)
	return s.scanRecord(row)
}

// SelectAsOf returns the latest verified entry with finished_at <= asOf.
// Timestamp ties resolve deterministically toward the highest job id.
func (s *CatalogService) SelectAsOf(targetID string, asOf time.Time) (models.BackupRecord, error) {
	row := s.db.QueryRow(
		"SELECT "+catalogColumns+" FROM catalog WHERE target_id = ? AND verified AND finished_at <= ? ORDER BY finished_at DESC, job_id DESC LIMIT 1",
		targetID, asOf)
	return s.scanRecord(row)
}

// Delete removes one catalog entry. Deleting an absent row is not an error,
// so a crashed prune can simply be re-run.
func (s *CatalogService) Delete(targetID, jobID string) error {
	_, err := s.db.Exec("DELETE FROM catalog WHERE target_id = ? AND job_id = ?", targetID, jobID)
	return err
}

func leaseKey(targetID, jobID string) string { return targetID + "/" + jobID }

// AcquireLease marks an entry as referenced by an in-flight restore.
func (s *CatalogService) AcquireLease(targetID, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[leaseKey(targetID, jobID)]++
}

// ReleaseLease drops one reference on an entry.
func (s *CatalogService) ReleaseLease(targetID, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := leaseKey(targetID, jobID)
	if s.leases[key] <= 1 {
		delete(s.leases, key)
		return
	}
	s.leases[key]--
}

// Leased reports whether an entry is currently referenced by any restore.
func (s *CatalogService) Leased(targetID, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[leaseKey(targetID, jobID)] > 0
}

func (s *CatalogService) scanRecords(rows *sql.Rows) ([]models.BackupRecord, error) {
	var records []models.BackupRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *CatalogService) scanRecord(scanner interface{ Scan(...interface{}) error }) (models.BackupRecord, error) {
	var rec models.BackupRecord
	err := scanner.Scan(
		&rec.TargetID,
		&rec.JobID,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Status,
		&rec.ArtifactURI,
		&rec.Size,
		&rec.Checksum,
		&rec.Verified,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.BackupRecord{}, ErrNoCatalogEntry
		}
		return models.BackupRecord{}, err
	}
	return rec, nil
}

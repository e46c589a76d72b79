package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"cse_feed_backend/models"
)

// SQLiteStore keeps snapshots in a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("SQLite snapshot store initialized at %s", path)
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	snapshotsTable := `
		CREATE TABLE IF NOT EXISTS trade_summary_snapshots (
			date VARCHAR NOT NULL,
			timestamp VARCHAR PRIMARY KEY,
			record_count INTEGER NOT NULL,
			records TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.Exec(snapshotsTable); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_date ON trade_summary_snapshots(date)`); err != nil {
		return fmt.Errorf("failed to create snapshots index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, parent string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if parent == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT DISTINCT date FROM trade_summary_snapshots ORDER BY date`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT timestamp FROM trade_summary_snapshots WHERE date = ? ORDER BY timestamp`, parent)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	query := `SELECT 1 FROM trade_summary_snapshots WHERE date = ? LIMIT 1`
	args := []interface{}{key}
	if fk, ok := models.ParseFetchKey(key); ok {
		query = `SELECT 1 FROM trade_summary_snapshots WHERE date = ? AND timestamp = ? LIMIT 1`
		args = []interface{}{fk.Date, fk.Timestamp}
	}

	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: check %s: %v", ErrStoreUnavailable, key, err)
	}
	return true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, date string) ([]models.SnapshotEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, timestamp, record_count, records, created_at FROM trade_summary_snapshots WHERE date = ? ORDER BY timestamp`,
		date)
	if err != nil {
		return nil, fmt.Errorf("%w: load snapshots for %s: %v", ErrStoreUnavailable, date, err)
	}
	defer rows.Close()

	var entries []models.SnapshotEntry
	for rows.Next() {
		var e models.SnapshotEntry
		var records string
		var createdAt time.Time
		if err := rows.Scan(&e.Date, &e.Timestamp, &e.RecordCount, &records, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(records), &e.Records); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", e.Timestamp, err)
		}
		e.CreatedAt = createdAt
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key models.FetchKey, snapshot models.Snapshot) error {
	if err := validateFetchKey(key); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trade_summary_snapshots (date, timestamp, record_count, records, created_at) VALUES (?, ?, ?, ?, ?)`,
		key.Date, key.Timestamp, len(snapshot), string(data), time.Now().UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, key.Path())
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, key.Path())
		}
		return fmt.Errorf("save snapshot %s: %w", key.Path(), err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Package bookkeeping persists the signaling server's view of each transfer
// in SQLite: who sends what to whom, how far the receiver got, and whether
// the transfer is still open. It backs the pending list and resume info.
package bookkeeping

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/1ureka/drop/internal/protocol"
)

// DefaultDBFileName is the SQLite filename under the data dir.
const DefaultDBFileName = "drop-signal.db"

var ErrNotFound = errors.New("transfer record not found")

// Status is the server-side state of a transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Open reports whether the transfer may still be resumed.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusPaused
}

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id         TEXT PRIMARY KEY,
  sender_id           TEXT NOT NULL,
  receiver_id         TEXT NOT NULL,
  file_name           TEXT NOT NULL,
  file_size           INTEGER NOT NULL,
  mime_type           TEXT NOT NULL DEFAULT '',
  total_chunks        INTEGER NOT NULL,
  chunk_size          INTEGER NOT NULL,
  file_hash           TEXT NOT NULL DEFAULT '',
  status              TEXT NOT NULL CHECK(status IN ('pending','accepted','paused','completed','cancelled','rejected')) DEFAULT 'pending',
  last_received_chunk INTEGER NOT NULL DEFAULT 0,
  bytes_transferred   INTEGER NOT NULL DEFAULT 0,
  created_at          INTEGER NOT NULL,
  updated_at          INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_sender_status
ON transfers (sender_id, status, updated_at DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_receiver_status
ON transfers (receiver_id, status, updated_at DESC);
`,
}

// Record is one persisted transfer.
type Record struct {
	protocol.Request
	Status            Status
	LastReceivedChunk int
	BytesTransferred  int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Pending converts r to its pending-list entry.
func (r Record) Pending() protocol.PendingTransfer {
	return protocol.PendingTransfer{
		Request:           r.Request,
		LastReceivedChunk: r.LastReceivedChunk,
		Status:            string(r.Status),
	}
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the database under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// Create records a newly announced transfer. Announcing the same id again
// refreshes its metadata and reopens it.
func (s *Store) Create(req protocol.Request) error {
	if req.TransferID == "" || req.SenderID == "" || req.ReceiverID == "" {
		return errors.New("transfer, sender and receiver ids are required")
	}
	now := time.Now().UnixMilli()

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			sender_id,
			receiver_id,
			file_name,
			file_size,
			mime_type,
			total_chunks,
			chunk_size,
			file_hash,
			status,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			mime_type = excluded.mime_type,
			total_chunks = excluded.total_chunks,
			chunk_size = excluded.chunk_size,
			file_hash = excluded.file_hash,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		req.TransferID,
		req.SenderID,
		req.ReceiverID,
		req.FileName,
		req.FileSize,
		req.MimeType,
		req.TotalChunks,
		req.ChunkSize,
		req.FileHash,
		StatusPending,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("create transfer %q: %w", req.TransferID, err)
	}
	return nil
}

// SetStatus moves a transfer to status. Closed transfers stay closed.
func (s *Store) SetStatus(transferID string, status Status) error {
	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, updated_at = ?
		WHERE transfer_id = ? AND status IN ('pending','accepted','paused')`,
		status,
		time.Now().UnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("set status of %q: %w", transferID, err)
	}
	return s.expectRow(res, transferID)
}

// SetProgress stores the receiver's cursor. An acceptance may move it
// backwards when the receiver restarts from less than it had.
func (s *Store) SetProgress(transferID string, lastReceivedChunk int, bytesTransferred int64) error {
	if lastReceivedChunk < 0 || bytesTransferred < 0 {
		return errors.New("progress must be >= 0")
	}
	res, err := s.db.Exec(
		`UPDATE transfers
		SET last_received_chunk = ?, bytes_transferred = ?, updated_at = ?
		WHERE transfer_id = ?`,
		lastReceivedChunk,
		bytesTransferred,
		time.Now().UnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("set progress of %q: %w", transferID, err)
	}
	return s.expectRow(res, transferID)
}

// SetChunkSize records the effective chunk size the receiver counts in and
// recomputes the chunk total for it.
func (s *Store) SetChunkSize(transferID string, chunkSize int) error {
	if chunkSize <= 0 {
		return errors.New("chunk size must be > 0")
	}
	res, err := s.db.Exec(
		`UPDATE transfers
		SET chunk_size = ?, total_chunks = (file_size + ? - 1) / ?, updated_at = ?
		WHERE transfer_id = ?`,
		chunkSize,
		chunkSize,
		chunkSize,
		time.Now().UnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("set chunk size of %q: %w", transferID, err)
	}
	return s.expectRow(res, transferID)
}

// Get fetches one transfer.
func (s *Store) Get(transferID string) (*Record, error) {
	row := s.db.QueryRow(selectRecord+` WHERE transfer_id = ?`, transferID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return rec, nil
}

// Pending lists the open transfers user takes part in, newest first.
func (s *Store) Pending(userID string) ([]Record, error) {
	rows, err := s.db.Query(
		selectRecord+`
		WHERE (sender_id = ? OR receiver_id = ?) AND status IN ('pending','accepted','paused')
		ORDER BY updated_at DESC, transfer_id`,
		userID,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending transfers of %q: %w", userID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending transfer: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending transfers: %w", err)
	}
	return out, nil
}

// Prune deletes closed transfers not updated since before.
func (s *Store) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE status NOT IN ('pending','accepted','paused') AND updated_at < ?`,
		before.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return res.RowsAffected()
}

const selectRecord = `SELECT
	transfer_id,
	sender_id,
	receiver_id,
	file_name,
	file_size,
	mime_type,
	total_chunks,
	chunk_size,
	file_hash,
	status,
	last_received_chunk,
	bytes_transferred,
	created_at,
	updated_at
FROM transfers`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&rec.TransferID,
		&rec.SenderID,
		&rec.ReceiverID,
		&rec.FileName,
		&rec.FileSize,
		&rec.MimeType,
		&rec.TotalChunks,
		&rec.ChunkSize,
		&rec.FileHash,
		&status,
		&rec.LastReceivedChunk,
		&rec.BytesTransferred,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

func (s *Store) expectRow(res sql.Result, transferID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(transferID); err != nil {
			return err
		}
	}
	return nil
}

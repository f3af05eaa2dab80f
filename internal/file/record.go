// Package file owns the uploaded-file records and the download endpoint that
// resolves signed tokens back to their bytes.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/viddrop/viddrop/internal/database"
)

// ErrNotFound reports that no record exists for the requested ID.
var ErrNotFound = errors.New("file record not found")

// BlobStorage is the slice of the storage backend the file domain needs.
type BlobStorage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
}

// Record is the persisted metadata for one uploaded file.
type Record struct {
	ID           string
	OriginalName string
	MimeType     string
	SizeBytes    int64
	StorageKey   string
	Downloads    int64
	CreatedAt    time.Time
}

// Metadata is the caller-supplied part of a record.
type Metadata struct {
	OriginalName string
	MimeType     string
	SizeBytes    int64
	StorageKey   string
}

type Store struct {
	db database.DBTX
}

func NewStore(db database.DBTX) *Store {
	return &Store{db: db}
}

// Insert persists a new record with a fresh UUID, zero downloads and a
// server-side creation timestamp.
func (s *Store) Insert(ctx context.Context, meta Metadata) (Record, error) {
	rec := Record{
		ID:           uuid.NewString(),
		OriginalName: meta.OriginalName,
		MimeType:     meta.MimeType,
		SizeBytes:    meta.SizeBytes,
		StorageKey:   meta.StorageKey,
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO files (id, original_name, mime_type, size_bytes, storage_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		rec.ID, rec.OriginalName, rec.MimeType, rec.SizeBytes, rec.StorageKey,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("insert file record: %w", err)
	}

	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.QueryRow(ctx,
		`SELECT id, original_name, mime_type, size_bytes, storage_key, downloads, created_at
		 FROM files WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.OriginalName, &rec.MimeType, &rec.SizeBytes, &rec.StorageKey, &rec.Downloads, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get file record: %w", err)
	}
	return rec, nil
}

// IncrementDownloads bumps the download counter with a single SQL-side add,
// so concurrent downloads never lose updates.
func (s *Store) IncrementDownloads(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE files SET downloads = downloads + 1 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("increment downloads: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment downloads: %w", ErrNotFound)
	}
	return nil
}

// DeleteOlderThan removes every record created before cutoff and returns the
// storage keys of the deleted rows so the caller can purge the backing blobs.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`DELETE FROM files WHERE created_at < $1 RETURNING storage_key`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("delete expired records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, fmt.Errorf("scan deleted storage key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return keys, fmt.Errorf("iterate deleted records: %w", err)
	}
	return keys, nil
}

// Package ingest accepts raw uploaded bytes from the bot transport, validates
// that they really are a supported video container, stores them and issues
// the signed download link.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/viddrop/viddrop/internal/database"
	"github.com/viddrop/viddrop/internal/file"
	"github.com/viddrop/viddrop/internal/link"
)

var (
	// ErrUnsupportedFormat rejects content whose sniffed type is not an
	// allowed video container. The declared file name plays no part in
	// the decision.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrTooLarge rejects uploads over the configured byte limit.
	ErrTooLarge = errors.New("file too large")
)

// allowedTypes maps accepted container MIME types to the extension used for
// the storage key.
var allowedTypes = map[string]string{
	"video/mp4":        ".mp4",
	"video/x-matroska": ".mkv",
	"video/x-msvideo":  ".avi",
	"video/quicktime":  ".mov",
	"video/x-ms-wmv":   ".wmv",
}

type Orchestrator struct {
	store    *file.Store
	storage  file.BlobStorage
	codec    *link.Codec
	baseURL  string
	linkTTL  time.Duration
	maxBytes int64
}

// Result is what the bot transport presents back to the user.
type Result struct {
	FileID    string
	FileName  string
	Link      string
	SizeLabel string
	MimeType  string
	ExpiresAt time.Time
}

func New(db database.DBTX, storage file.BlobStorage, codec *link.Codec, baseURL string, linkTTL time.Duration, maxBytes int64) *Orchestrator {
	return &Orchestrator{
		store:    file.NewStore(db),
		storage:  storage,
		codec:    codec,
		baseURL:  baseURL,
		linkTTL:  linkTTL,
		maxBytes: maxBytes,
	}
}

// Process validates, stores and links one upload. The blob write completes
// (durably) before the record is inserted, so a downloader can never observe
// a record pointing at missing or partial bytes.
func (o *Orchestrator) Process(ctx context.Context, data []byte, declaredName string) (Result, error) {
	if o.maxBytes > 0 && int64(len(data)) > o.maxBytes {
		return Result{}, fmt.Errorf("%w: %d bytes over limit of %d", ErrTooLarge, len(data), o.maxBytes)
	}

	detected := mimetype.Detect(data)
	mimeType, ext, ok := matchAllowed(detected)
	if !ok {
		return Result{}, fmt.Errorf("%w: detected %s", ErrUnsupportedFormat, detected.String())
	}

	name := declaredName
	if name == "" {
		name = "video" + ext
	}

	key := "uploads/" + uuid.NewString() + ext
	if err := o.storage.Put(ctx, key, data, mimeType); err != nil {
		return Result{}, fmt.Errorf("store upload: %w", err)
	}

	rec, err := o.store.Insert(ctx, file.Metadata{
		OriginalName: name,
		MimeType:     mimeType,
		SizeBytes:    int64(len(data)),
		StorageKey:   key,
	})
	if err != nil {
		// Don't leave orphaned bytes behind a failed insert.
		if delErr := o.storage.Delete(ctx, key); delErr != nil {
			slog.Error("ingest: failed to remove blob after insert failure", "key", key, "error", delErr)
		}
		return Result{}, fmt.Errorf("persist record: %w", err)
	}

	token, err := o.codec.Encode(rec.ID, rec.OriginalName, o.linkTTL)
	if err != nil {
		return Result{}, fmt.Errorf("issue link: %w", err)
	}

	slog.Info("ingest: stored file",
		"file_id", rec.ID,
		"mime_type", mimeType,
		"size_bytes", rec.SizeBytes,
	)

	return Result{
		FileID:    rec.ID,
		FileName:  rec.OriginalName,
		Link:      link.DownloadURL(o.baseURL, token),
		SizeLabel: humanize.Bytes(uint64(rec.SizeBytes)),
		MimeType:  mimeType,
		ExpiresAt: time.Now().Add(o.linkTTL),
	}, nil
}

// matchAllowed resolves a sniffed type against the allow-list, honoring MIME
// aliases (e.g. video/avi for video/x-msvideo).
func matchAllowed(detected *mimetype.MIME) (mime, ext string, ok bool) {
	for allowed, extension := range allowedTypes {
		if detected.Is(allowed) {
			return allowed, extension, true
		}
	}
	return "", "", false
}

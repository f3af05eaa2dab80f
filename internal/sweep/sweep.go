// Package sweep retires uploads past the retention window. Record deletion
// and blob removal run on a timer independent of the expiry embedded in
// download tokens; both mechanisms are enforced on their own.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/viddrop/viddrop/internal/database"
	"github.com/viddrop/viddrop/internal/file"
)

type Sweeper struct {
	store     *file.Store
	storage   file.BlobStorage
	retention time.Duration
}

func New(db database.DBTX, storage file.BlobStorage, retention time.Duration) *Sweeper {
	return &Sweeper{
		store:     file.NewStore(db),
		storage:   storage,
		retention: retention,
	}
}

// Run performs one sweep: records older than the retention window are
// deleted and their backing blobs removed with retried deletes. Returns the
// number of records removed.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.retention)

	keys, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep records: %w", err)
	}

	for _, key := range keys {
		if err := deleteWithRetry(ctx, s.storage, key, 3); err != nil {
			slog.Error("sweep: failed to delete blob", "key", key, "error", err)
		}
	}

	if len(keys) > 0 {
		slog.Info("sweep: removed expired files", "count", len(keys))
	}
	return len(keys), nil
}

// Start runs the sweeper on a fixed interval until the context is cancelled.
// A failed run is logged; the next tick retries.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("sweep: shutting down")
				return
			case <-ticker.C:
				if _, err := s.Run(ctx); err != nil {
					slog.Error("sweep: run failed", "error", err)
				}
			}
		}
	}()
}

func deleteWithRetry(ctx context.Context, storage file.BlobStorage, key string, maxAttempts int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = storage.Delete(ctx, key)
		if lastErr == nil {
			return nil
		}
		slog.Error("sweep: delete attempt failed", "attempt", attempt+1, "max_attempts", maxAttempts, "key", key, "error", lastErr)
	}
	return fmt.Errorf("all %d delete attempts failed for %s: %w", maxAttempts, key, lastErr)
}

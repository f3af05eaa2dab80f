package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/viddrop/viddrop/internal/database"
	"github.com/viddrop/viddrop/internal/geoip"
	"github.com/viddrop/viddrop/internal/httputil"
	"github.com/viddrop/viddrop/internal/link"
	"github.com/viddrop/viddrop/internal/storage"
)

type Handler struct {
	db          database.DBTX
	store       *Store
	storage     BlobStorage
	codec       *link.Codec
	geoResolver *geoip.Resolver
}

func NewHandler(db database.DBTX, s BlobStorage, codec *link.Codec) *Handler {
	return &Handler{
		db:      db,
		store:   NewStore(db),
		storage: s,
		codec:   codec,
	}
}

func (h *Handler) SetGeoResolver(r *geoip.Resolver) {
	h.geoResolver = r
}

// Download resolves a signed token to its file and streams the bytes. The
// download-counter update and the analytics event are best-effort: their
// failure is logged and the response is served regardless.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	payload, err := h.codec.Decode(token)
	if err != nil {
		if errors.Is(err, link.ErrExpiredToken) {
			httputil.WriteErrorCode(w, http.StatusBadRequest, "link_expired", "download link has expired, request a new one")
			return
		}
		httputil.WriteErrorCode(w, http.StatusBadRequest, "link_invalid", "invalid download link")
		return
	}

	rec, err := h.store.Get(r.Context(), payload.FileID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "file not found")
			return
		}
		slog.Error("download: record lookup failed", "file_id", payload.FileID, "error", err)
		httputil.WriteError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}

	rc, size, err := h.storage.Open(r.Context(), rec.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Record exists but bytes are gone; externally the same 404
			// as a missing record.
			slog.Warn("download: backing bytes missing", "file_id", rec.ID, "key", rec.StorageKey)
			httputil.WriteError(w, http.StatusNotFound, "file not found")
			return
		}
		slog.Error("download: open blob failed", "file_id", rec.ID, "key", rec.StorageKey, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer func() { _ = rc.Close() }()

	if err := h.store.IncrementDownloads(r.Context(), rec.ID); err != nil {
		slog.Error("download: counter update failed", "file_id", rec.ID, "error", err)
	}
	h.recordDownloadEvent(r, rec.ID)

	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, sanitizeFilename(rec.OriginalName)))
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		// Client disconnects land here; nothing left to mutate.
		slog.Debug("download: stream interrupted", "file_id", rec.ID, "error", err)
	}
}

// recordDownloadEvent inserts an analytics row in the background, off the
// request path.
func (h *Handler) recordDownloadEvent(r *http.Request, fileID string) {
	ip := clientIP(r)
	ua := r.UserAgent()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var country, city string
		if h.geoResolver != nil {
			country, city = h.geoResolver.Lookup(ip)
		}
		if _, err := h.db.Exec(ctx,
			`INSERT INTO download_events (file_id, viewer_hash, browser, device, country, city)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			fileID, viewerHash(ip, ua), parseBrowser(ua), parseDevice(ua), country, city,
		); err != nil {
			slog.Error("download: failed to record event", "file_id", fileID, "error", err)
		}
	}()
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '"' || r == '\\' || r < 0x20 {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/viddrop/viddrop/internal/link"
	"github.com/viddrop/viddrop/internal/storage"
)

type mockBlob struct {
	mu      sync.Mutex
	content []byte
	putErr  error
	openErr error
	deleted []string
	delErr  error
}

func (m *mockBlob) Put(_ context.Context, _ string, _ []byte, _ string) error {
	return m.putErr
}

func (m *mockBlob) Open(_ context.Context, _ string) (io.ReadCloser, int64, error) {
	if m.openErr != nil {
		return nil, 0, m.openErr
	}
	return io.NopCloser(bytes.NewReader(m.content)), int64(len(m.content)), nil
}

func (m *mockBlob) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	m.deleted = append(m.deleted, key)
	return nil
}

func newTestCodec(t *testing.T) *link.Codec {
	t.Helper()
	c, err := link.NewCodec("handler-test-key", false)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func downloadRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/download/{token}", h.Download)
	return r
}

func fileRows(id string) *pgxmock.Rows {
	return pgxmock.NewRows(
		[]string{"id", "original_name", "mime_type", "size_bytes", "storage_key", "downloads", "created_at"},
	).AddRow(id, "clip.mp4", "video/mp4", int64(16), "uploads/"+id+".mp4", int64(0), time.Now())
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("parse error body: %v", err)
	}
	return resp.Code
}

func TestDownload_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	codec := newTestCodec(t)
	blob := &mockBlob{content: []byte("fake mp4 payload")}
	h := NewHandler(mock, blob, codec)

	id := uuid.NewString()
	token, err := codec.Encode(id, "clip.mp4", 2*time.Hour)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	mock.ExpectQuery(`SELECT id, original_name`).WithArgs(id).WillReturnRows(fileRows(id))
	mock.ExpectExec(`UPDATE files SET downloads`).WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+token, nil)
	rec := httptest.NewRecorder()
	downloadRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="clip.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if rec.Body.String() != "fake mp4 payload" {
		t.Errorf("body = %q", rec.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDownload_InvalidToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	h := NewHandler(mock, &mockBlob{}, newTestCodec(t))

	req := httptest.NewRequest(http.MethodGet, "/api/download/not-a-real-token", nil)
	rec := httptest.NewRecorder()
	downloadRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "link_invalid" {
		t.Errorf("code = %q, want link_invalid", code)
	}
}

func TestDownload_ExpiredToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	codec := newTestCodec(t)
	h := NewHandler(mock, &mockBlob{}, codec)

	token, err := codec.Encode(uuid.NewString(), "clip.mp4", -1*time.Second)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+token, nil)
	rec := httptest.NewRecorder()
	downloadRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "link_expired" {
		t.Errorf("code = %q, want link_expired", code)
	}
}

func TestDownload_RecordMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	codec := newTestCodec(t)
	h := NewHandler(mock, &mockBlob{}, codec)

	id := uuid.NewString()
	token, _ := codec.Encode(id, "clip.mp4", 2*time.Hour)

	mock.ExpectQuery(`SELECT id, original_name`).WithArgs(id).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "original_name", "mime_type", "size_bytes", "storage_key", "downloads", "created_at"},
		))

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+token, nil)
	rec := httptest.NewRecorder()
	downloadRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDownload_BytesMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	codec := newTestCodec(t)
	blob := &mockBlob{openErr: storage.ErrNotFound}
	h := NewHandler(mock, blob, codec)

	id := uuid.NewString()
	token, _ := codec.Encode(id, "clip.mp4", 2*time.Hour)

	mock.ExpectQuery(`SELECT id, original_name`).WithArgs(id).WillReturnRows(fileRows(id))

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+token, nil)
	rec := httptest.NewRecorder()
	downloadRouter(h).ServeHTTP(rec, req)

	// Same external signal as a missing record.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDownload_StoreUnavailable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	codec := newTestCodec(t)
	h := NewHandler(mock, &mockBlob{}, codec)

	id := uuid.NewString()
	token, _ := codec.Encode(id, "clip.mp4", 2*time.Hour)

	mock.ExpectQuery(`SELECT id, original_name`).WithArgs(id).
		WillReturnError(errors.New("connection refused"))

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+token, nil)
	rec := httptest.NewRecorder()
	downloadRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestDownload_CounterFailureStillServes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	codec := newTestCodec(t)
	blob := &mockBlob{content: []byte("payload")}
	h := NewHandler(mock, blob, codec)

	id := uuid.NewString()
	token, _ := codec.Encode(id, "clip.mp4", 2*time.Hour)

	mock.ExpectQuery(`SELECT id, original_name`).WithArgs(id).WillReturnRows(fileRows(id))
	mock.ExpectExec(`UPDATE files SET downloads`).WithArgs(id).
		WillReturnError(errors.New("deadlock detected"))

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+token, nil)
	rec := httptest.NewRecorder()
	downloadRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite counter failure", rec.Code)
	}
	if rec.Body.String() != "payload" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestDownload_ConcurrentRequestsEachIncrement(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()
	mock.MatchExpectationsInOrder(false)

	codec := newTestCodec(t)
	blob := &mockBlob{content: []byte("payload")}
	h := NewHandler(mock, blob, codec)

	id := uuid.NewString()
	token, _ := codec.Encode(id, "clip.mp4", 2*time.Hour)

	const n = 5
	for i := 0; i < n; i++ {
		mock.ExpectQuery(`SELECT id, original_name`).WithArgs(id).WillReturnRows(fileRows(id))
		mock.ExpectExec(`UPDATE files SET downloads`).WithArgs(id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	}

	router := downloadRouter(h)
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/download/"+token, nil))
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d: status = %d", i, code)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected exactly %d increments: %v", n, err)
	}
}

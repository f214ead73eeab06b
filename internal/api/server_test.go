package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulsnap/soulsnap/internal/storage"
)

func newTestServer(t *testing.T, maxSize int64) (*Server, *storage.LocalProvider) {
	t.Helper()
	provider, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	srv, err := NewServer(Options{Provider: provider, MaxSize: maxSize, PublicURL: "https://backups.example.com/"})
	require.NoError(t, err)
	return srv, provider
}

func postBackup(srv http.Handler, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/backup", bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Backup-Filename", "backup.tar.gz")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_RequiresProvider(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestCreateFetchDelete(t *testing.T) {
	srv, _ := newTestServer(t, 1024)
	body := []byte("encrypted payload")

	rec := postBackup(srv, body, "application/octet-stream")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	_, err := uuid.Parse(created.BackupID)
	require.NoError(t, err)
	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), created.SHA256)
	assert.Equal(t, int64(len(body)), created.SizeBytes)
	assert.Equal(t, "https://backups.example.com/backup/"+created.BackupID, created.DownloadURL)

	req := httptest.NewRequest(http.MethodGet, "/backup/"+created.BackupID, nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	req = httptest.NewRequest(http.MethodDelete, "/backup/"+created.BackupID, nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted DeleteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deleted))
	assert.True(t, deleted.Success)
	assert.Equal(t, created.BackupID, deleted.BackupID)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		req = httptest.NewRequest(method, "/backup/"+created.BackupID, nil)
		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
	}
}

func TestCreate_RejectsWrongContentType(t *testing.T) {
	srv, provider := newTestServer(t, 1024)

	for _, ct := range []string{"", "text/plain", "application/json"} {
		rec := postBackup(srv, []byte("x"), ct)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, ct)
	}

	items, err := provider.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCreate_AcceptsContentTypeParameters(t *testing.T) {
	srv, _ := newTestServer(t, 1024)
	rec := postBackup(srv, []byte("x"), "application/octet-stream; charset=binary")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreate_TooLarge(t *testing.T) {
	srv, provider := newTestServer(t, 16)

	rec := postBackup(srv, bytes.Repeat([]byte("a"), 17), "application/octet-stream")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")

	rec = postBackup(srv, bytes.Repeat([]byte("a"), 16), "application/octet-stream")
	assert.Equal(t, http.StatusCreated, rec.Code)

	items, err := provider.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCreate_TooLargeWithoutContentLength(t *testing.T) {
	srv, provider := newTestServer(t, 16)

	req := httptest.NewRequest(http.MethodPost, "/backup", strings.NewReader(strings.Repeat("a", 64)))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	items, err := provider.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFetch_InvalidIDIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, 1024)

	for _, id := range []string{"not-a-uuid", "{" + uuid.NewString() + "}", strings.ToUpper(uuid.NewString())} {
		req := httptest.NewRequest(http.MethodGet, "/backup/"+id, nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
	}
}

type presigningProvider struct {
	*storage.LocalProvider
}

func (p presigningProvider) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://bucket.example.com/" + key + "?expires=" + expiry.String(), nil
}

func TestFetch_RedirectsToPresignedURL(t *testing.T) {
	local, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	srv, err := NewServer(Options{Provider: presigningProvider{local}, PresignExpiry: time.Minute})
	require.NoError(t, err)

	rec := postBackup(srv, []byte("payload"), "application/octet-stream")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.DownloadURL, "http://example.com/backup/"))

	req := httptest.NewRequest(http.MethodGet, "/backup/"+created.BackupID, nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://bucket.example.com/backups/"+created.BackupID+"?expires=1m0s", rec.Header().Get("Location"))

	req = httptest.NewRequest(http.MethodGet, "/backup/"+uuid.NewString(), nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, 1024)
	req := httptest.NewRequest(http.MethodPut, "/backup", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, 1024)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestInventory(t *testing.T) {
	srv, provider := newTestServer(t, 1024)
	ctx := context.Background()

	inv, err := srv.Inventory(ctx)
	require.NoError(t, err)
	assert.Zero(t, inv.Backups)

	require.Equal(t, http.StatusCreated, postBackup(srv, []byte("first"), "application/octet-stream").Code)
	require.Equal(t, http.StatusCreated, postBackup(srv, []byte("second!"), "application/octet-stream").Code)
	require.NoError(t, provider.Upload(ctx, "other/object", strings.NewReader("x"), 1))

	inv, err = srv.Inventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inv.Backups)
	assert.Equal(t, int64(len("first")+len("second!")), inv.TotalBytes)
}

package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "0b9e6f5e-6f6b-4c1e-9a55-3f1c2d9f8e11"

func writeArtifact(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup.tar.gz.enc")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func hexSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	c, err := New(srv.URL, append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)

	_, err = New("https://")
	assert.Error(t, err)

	c, err := New("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
}

func TestCreateBackup_Success(t *testing.T) {
	payload := []byte("encrypted-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/backup", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		assert.Equal(t, UploadFilename, r.Header.Get("X-Backup-Filename"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, payload, body)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"backupId":    testID,
			"downloadUrl": "https://example.com/backup/" + testID,
			"sizeBytes":   len(body),
			"sha256":      hexSum(body),
		})
	}))
	defer srv.Close()

	receipt, err := newClient(t, srv).CreateBackup(context.Background(), writeArtifact(t, payload))
	require.NoError(t, err)
	assert.Equal(t, testID, receipt.BackupID)
	assert.Equal(t, hexSum(payload), receipt.LocalSHA256)
	assert.Equal(t, int64(len(payload)), receipt.LocalSize)
	assert.NoError(t, receipt.Verify())
}

func TestCreateBackup_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "too large", status: http.StatusRequestEntityTooLarge, body: `{"error":"too big"}`, wantErr: ErrPayloadTooLarge},
		{name: "unsupported type", status: http.StatusUnsupportedMediaType, body: `{"error":"nope"}`, wantErr: ErrUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newClient(t, srv).CreateBackup(context.Background(), writeArtifact(t, []byte("x")))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateBackup_ServerErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"error":"storage offline"}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).CreateBackup(context.Background(), writeArtifact(t, []byte("x")))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Equal(t, "storage offline", statusErr.Message)
	assert.True(t, IsTransient(err))
}

func TestCreateBackup_MissingBackupID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"downloadUrl":"x"}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).CreateBackup(context.Background(), writeArtifact(t, []byte("x")))
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestCreateBackup_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newClient(t, srv, WithTimeout(50*time.Millisecond))
	_, err := c.CreateBackup(context.Background(), writeArtifact(t, []byte("x")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, IsTransient(err))
}

func TestReceiptVerify(t *testing.T) {
	r := &Receipt{SHA256: "abc", LocalSHA256: "ABC", SizeBytes: 3, LocalSize: 3}
	assert.NoError(t, r.Verify())

	r = &Receipt{SHA256: "abc", LocalSHA256: "def", SizeBytes: 3, LocalSize: 3}
	var sumErr *ChecksumError
	require.ErrorAs(t, r.Verify(), &sumErr)
	assert.ErrorIs(t, r.Verify(), ErrChecksumMismatch)

	r = &Receipt{LocalSHA256: "def", SizeBytes: 4, LocalSize: 3}
	assert.ErrorIs(t, r.Verify(), ErrChecksumMismatch)
}

func TestFetchBackup_FollowsRedirect(t *testing.T) {
	payload := []byte("stored encrypted artifact")

	mux := http.NewServeMux()
	mux.HandleFunc("/backup/"+testID, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/blob/"+testID, http.StatusFound)
	})
	mux.HandleFunc("/blob/"+testID, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	dl, err := newClient(t, srv).FetchBackup(context.Background(), testID, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(dl.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, hexSum(payload), dl.SHA256)
	assert.Equal(t, int64(len(payload)), dl.SizeBytes)
	assert.Contains(t, dl.URL, "/blob/")
	assert.NoError(t, dl.VerifySHA256(hexSum(payload)))
	assert.ErrorIs(t, dl.VerifySHA256(hexSum([]byte("other"))), ErrChecksumMismatch)
}

func TestFetchBackup_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := newClient(t, srv).FetchBackup(context.Background(), testID, dir)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteBackup(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := newClient(t, srv).DeleteBackup(context.Background(), testID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, testID, res.BackupID)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/backup/"+testID, gotPath)
}

func TestDeleteBackup_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/backup/"+testID {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "forbidden")
	}))
	defer srv.Close()

	c := newClient(t, srv)
	_, err := c.DeleteBackup(context.Background(), testID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.DeleteBackup(context.Background(), "other")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Code)
	assert.Equal(t, "forbidden", statusErr.Message)
	assert.False(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.False(t, IsTransient(errors.New("x509: certificate signed by unknown authority")))
	assert.True(t, IsTransient(&StatusError{Code: http.StatusTooManyRequests}))
	assert.False(t, IsTransient(&StatusError{Code: http.StatusBadRequest}))
}

// Package api serves the /backup REST API on top of a storage provider.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/soulsnap/soulsnap/internal/storage"
)

const (
	DefaultMaxSize       = 20 * 1024 * 1024
	DefaultPresignExpiry = 15 * time.Minute

	keyPrefix = "backups/"
)

type Options struct {
	Provider storage.Provider
	// MaxSize is the largest accepted body in bytes.
	MaxSize int64
	// PresignExpiry enables redirects to presigned URLs when the provider
	// supports them. Zero streams every download through the server.
	PresignExpiry time.Duration
	// PublicURL is the externally visible base used in downloadUrl. When
	// empty it is derived from the request.
	PublicURL string
	Logger    logrus.FieldLogger
}

type Server struct {
	router        *mux.Router
	provider      storage.Provider
	maxSize       int64
	presignExpiry time.Duration
	publicURL     string
	log           logrus.FieldLogger
}

type CreateResponse struct {
	BackupID    string `json:"backupId"`
	DownloadURL string `json:"downloadUrl"`
	SizeBytes   int64  `json:"sizeBytes"`
	SHA256      string `json:"sha256"`
}

type DeleteResponse struct {
	Success  bool   `json:"success"`
	BackupID string `json:"backupId"`
}

func NewServer(opts Options) (*Server, error) {
	if opts.Provider == nil {
		return nil, errors.New("storage provider is required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}

	s := &Server{
		router:        mux.NewRouter(),
		provider:      opts.Provider,
		maxSize:       opts.MaxSize,
		presignExpiry: opts.PresignExpiry,
		publicURL:     strings.TrimRight(opts.PublicURL, "/"),
		log:           opts.Logger,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/backup", s.handleCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/backup/{backupId}", s.handleFetch).Methods(http.MethodGet)
	s.router.HandleFunc("/backup/{backupId}", s.handleDelete).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.router.ServeHTTP(rec, r)

	s.log.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   rec.status,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("request")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/octet-stream" {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/octet-stream")
		return
	}

	if r.ContentLength > s.maxSize {
		writeError(w, http.StatusRequestEntityTooLarge, s.tooLargeMessage(r.ContentLength))
		return
	}

	id := uuid.NewString()
	key := keyPrefix + id

	h := sha256.New()
	counter := &countingReader{r: io.TeeReader(http.MaxBytesReader(w, r.Body, s.maxSize), h)}

	if err := s.provider.Upload(r.Context(), key, counter, r.ContentLength); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, s.tooLargeMessage(maxErr.Limit+1))
			return
		}
		s.log.WithError(err).WithField("backupId", id).Error("failed to store backup")
		writeError(w, http.StatusInternalServerError, "failed to store backup")
		return
	}

	if counter.n == 0 {
		s.provider.Delete(r.Context(), key)
		writeError(w, http.StatusBadRequest, "empty backup body")
		return
	}

	resp := CreateResponse{
		BackupID:    id,
		DownloadURL: s.baseURL(r) + "/backup/" + id,
		SizeBytes:   counter.n,
		SHA256:      hex.EncodeToString(h.Sum(nil)),
	}

	s.log.WithFields(logrus.Fields{
		"backupId": id,
		"size":     humanize.IBytes(uint64(counter.n)),
		"filename": r.Header.Get("X-Backup-Filename"),
	}).Info("backup stored")

	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	id, ok := backupID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	key := keyPrefix + id

	obj, err := s.provider.Stat(r.Context(), key)
	if err != nil {
		s.storageError(w, id, err)
		return
	}

	if presigner, ok := s.provider.(storage.Presigner); ok && s.presignExpiry > 0 {
		url, err := presigner.PresignGet(r.Context(), key, s.presignExpiry)
		if err != nil {
			s.log.WithError(err).WithField("backupId", id).Error("failed to presign download")
			writeError(w, http.StatusInternalServerError, "failed to prepare download")
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	body, err := s.provider.Download(r.Context(), key)
	if err != nil {
		s.storageError(w, id, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.enc"`, id))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.WithError(err).WithField("backupId", id).Warn("download interrupted")
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := backupID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}

	if err := s.provider.Delete(r.Context(), keyPrefix+id); err != nil {
		s.storageError(w, id, err)
		return
	}

	s.log.WithField("backupId", id).Info("backup deleted")
	writeJSON(w, http.StatusOK, DeleteResponse{Success: true, BackupID: id})
}

// Inventory summarizes what the storage backend currently holds.
type Inventory struct {
	Backups    int
	TotalBytes int64
}

// Inventory lists the stored backups. Listing also proves the backend is
// reachable with the configured credentials.
func (s *Server) Inventory(ctx context.Context) (*Inventory, error) {
	objects, err := s.provider.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored backups: %w", err)
	}

	inv := &Inventory{}
	for _, o := range objects {
		inv.Backups++
		inv.TotalBytes += o.Size
	}
	return inv, nil
}

func (s *Server) storageError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotExist) {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	s.log.WithError(err).WithField("backupId", id).Error("storage failure")
	writeError(w, http.StatusInternalServerError, "storage failure")
}

func (s *Server) tooLargeMessage(size int64) string {
	return fmt.Sprintf("backup exceeds the %s limit (%s)", humanize.IBytes(uint64(s.maxSize)), humanize.IBytes(uint64(size)))
}

func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

// backupID accepts only canonical UUIDs, so ids can never address other keys.
func backupID(r *http.Request) (string, bool) {
	raw := mux.Vars(r)["backupId"]
	id, err := uuid.Parse(raw)
	if err != nil || id.String() != strings.ToLower(raw) {
		return "", false
	}
	return id.String(), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

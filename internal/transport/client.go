// Package transport talks to the /backup REST API: create, fetch and delete
// encrypted artifacts. Every call is a single attempt.
package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultBaseURL       = "https://soul-upload.com"
	DefaultTimeout       = 5 * time.Minute
	DefaultDeleteTimeout = 30 * time.Second

	UploadFilename = "backup.tar.gz"

	maxErrorBody = 4096
)

var (
	ErrPayloadTooLarge  = errors.New("server rejected the backup: payload too large")
	ErrUnsupportedType  = errors.New("server rejected the backup: unsupported content type")
	ErrNotFound         = errors.New("backup not found")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// StatusError is a non-2xx response that has no more specific mapping.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: server returned HTTP %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: server returned HTTP %d", e.Op, e.Code)
}

// ChecksumError reports transferred bytes whose sha256 differs from the
// expected digest.
type ChecksumError struct {
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

type Client struct {
	baseURL       *url.URL
	httpClient    *http.Client
	timeout       time.Duration
	deleteTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithDeleteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.deleteTimeout = d
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q: missing host", baseURL)
	}

	c := &Client{
		baseURL:       u,
		httpClient:    &http.Client{},
		timeout:       DefaultTimeout,
		deleteTimeout: DefaultDeleteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) endpoint(backupID string) string {
	u := *c.baseURL
	if backupID == "" {
		u.Path += "/backup"
	} else {
		u.Path += "/backup/" + url.PathEscape(backupID)
	}
	return u.String()
}

// Receipt is the server's answer to a create, plus the digest computed
// locally before sending.
type Receipt struct {
	BackupID    string `json:"backupId"`
	DownloadURL string `json:"downloadUrl"`
	SizeBytes   int64  `json:"sizeBytes"`
	SHA256      string `json:"sha256"`

	LocalSHA256 string `json:"-"`
	LocalSize   int64  `json:"-"`
}

// Verify compares the server-reported digest with the local one. A server
// that reports no digest is trusted on size alone.
func (r *Receipt) Verify() error {
	if r.SHA256 != "" && !strings.EqualFold(r.SHA256, r.LocalSHA256) {
		return &ChecksumError{Expected: r.LocalSHA256, Actual: r.SHA256}
	}
	if r.SizeBytes > 0 && r.SizeBytes != r.LocalSize {
		return fmt.Errorf("%w: sent %d bytes, server stored %d", ErrChecksumMismatch, r.LocalSize, r.SizeBytes)
	}
	return nil
}

// CreateBackup uploads the artifact at path.
func (c *Client) CreateBackup(ctx context.Context, artifactPath string) (*Receipt, error) {
	sum, size, err := FileSHA256(artifactPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(""), f)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Backup-Filename", UploadFilename)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("%w (%s)", ErrPayloadTooLarge, readMessage(resp.Body))
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return nil, fmt.Errorf("%w (%s)", ErrUnsupportedType, readMessage(resp.Body))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Op: "upload", Code: resp.StatusCode, Message: readMessage(resp.Body)}
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if receipt.BackupID == "" {
		return nil, fmt.Errorf("%w: response has no backupId", ErrInvalidResponse)
	}
	receipt.LocalSHA256 = sum
	receipt.LocalSize = size
	return &receipt, nil
}

// Download is a fetched artifact written to a private file.
type Download struct {
	BackupID  string
	Path      string
	SizeBytes int64
	SHA256    string
	// URL is the final location after redirects.
	URL string
}

// VerifySHA256 checks the fetched bytes against an expected digest.
func (d *Download) VerifySHA256(expected string) error {
	if !strings.EqualFold(d.SHA256, expected) {
		return &ChecksumError{Expected: expected, Actual: d.SHA256}
	}
	return nil
}

// FetchBackup downloads the artifact for backupID into a new file in dir,
// following redirects to object storage.
func (c *Client) FetchBackup(ctx context.Context, backupID, dir string) (*Download, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(backupID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, backupID)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Op: "download", Code: resp.StatusCode, Message: readMessage(resp.Body)}
	}

	f, err := os.CreateTemp(dir, "download-*.enc")
	if err != nil {
		return nil, fmt.Errorf("failed to create download file: %w", err)
	}
	path := f.Name()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to read download: %w", err)
	}

	return &Download{
		BackupID:  backupID,
		Path:      path,
		SizeBytes: n,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		URL:       resp.Request.URL.String(),
	}, nil
}

type DeleteResult struct {
	Success  bool   `json:"success"`
	BackupID string `json:"backupId"`
}

// DeleteBackup removes the remote artifact. Any 2xx is success, whatever
// the body says.
func (c *Client) DeleteBackup(ctx context.Context, backupID string) (*DeleteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint(backupID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delete request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, backupID)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Op: "delete", Code: resp.StatusCode, Message: readMessage(resp.Body)}
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return &DeleteResult{Success: true, BackupID: backupID}, nil
}

// readMessage extracts {"error": "..."} or falls back to the raw body text.
func readMessage(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return text
}

// FileSHA256 returns the hex digest and size of the file at path.
func FileSHA256(path string) (string, int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

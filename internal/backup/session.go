package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/soulsnap/soulsnap/internal/archive"
	"github.com/soulsnap/soulsnap/internal/crypto"
	"github.com/soulsnap/soulsnap/internal/execx"
	"github.com/soulsnap/soulsnap/internal/ledger"
	"github.com/soulsnap/soulsnap/internal/transport"
)

// Remote is the backup API as the session uses it.
type Remote interface {
	CreateBackup(ctx context.Context, artifactPath string) (*transport.Receipt, error)
	FetchBackup(ctx context.Context, backupID, dir string) (*transport.Download, error)
	DeleteBackup(ctx context.Context, backupID string) (*transport.DeleteResult, error)
}

type Options struct {
	Archiver archive.Archiver
	Cipher   crypto.Cipher
	Remote   Remote
	Ledger   *ledger.Ledger
	Logger   logrus.FieldLogger

	MaxSize int64
	// TempDir is where per-operation workspaces are created. Empty means
	// the system default.
	TempDir string
	// PromptPassword is asked for a password on download when none is given
	// and the ledger has no record. Nil disables prompting.
	PromptPassword func(backupID string) (string, error)
	Now            func() time.Time
}

// Session runs upload, download, delete and list. It holds no state between
// operations.
type Session struct {
	archiver archive.Archiver
	cipher   crypto.Cipher
	remote   Remote
	ledger   *ledger.Ledger
	log      logrus.FieldLogger
	maxSize  int64
	tempDir  string
	prompt   func(string) (string, error)
	now      func() time.Time
}

func NewSession(opts Options) (*Session, error) {
	if opts.Archiver == nil || opts.Cipher == nil || opts.Remote == nil || opts.Ledger == nil {
		return nil, errors.New("session requires an archiver, cipher, remote and ledger")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Session{
		archiver: opts.Archiver,
		cipher:   opts.Cipher,
		remote:   opts.Remote,
		ledger:   opts.Ledger,
		log:      opts.Logger,
		maxSize:  opts.MaxSize,
		tempDir:  opts.TempDir,
		prompt:   opts.PromptPassword,
		now:      opts.Now,
	}, nil
}

type UploadRequest struct {
	Files    []string
	Password string
}

type UploadResult struct {
	Success           bool      `json:"success"`
	BackupID          string    `json:"backupId"`
	DownloadURL       string    `json:"downloadUrl"`
	SizeBytes         int64     `json:"sizeBytes"`
	SHA256            string    `json:"sha256"`
	Password          string    `json:"password"`
	PasswordGenerated bool      `json:"passwordGenerated"`
	CreatedAt         time.Time `json:"createdAt"`
	Files             []string  `json:"files"`
	LedgerPath        string    `json:"ledgerPath"`
}

type DownloadRequest struct {
	BackupID  string
	Password  string
	OutputDir string
}

type DownloadResult struct {
	Success        bool     `json:"success"`
	BackupID       string   `json:"backupId"`
	ExtractedFiles []string `json:"extractedFiles"`
	OutputDir      string   `json:"outputDir"`
	Verified       bool     `json:"checksumVerified"`
	Warnings       []string `json:"warnings,omitempty"`
}

type DeleteResult struct {
	Success       bool     `json:"success"`
	BackupID      string   `json:"backupId"`
	LedgerUpdated bool     `json:"ledgerUpdated"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Upload archives, encrypts, size-checks and uploads files, then records the
// password in the ledger. The ledger is written only after the server has
// confirmed the backup and its checksum matches.
func (s *Session) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	password := req.Password
	generated := false
	if password == "" {
		p, err := crypto.GeneratePassword()
		if err != nil {
			return nil, Classify(PhaseCollect, err)
		}
		password = p
		generated = true
	} else if err := crypto.ValidatePassword(password); err != nil {
		return nil, Classify(PhaseCollect, err)
	}

	if err := s.requireTools(); err != nil {
		return nil, err
	}
	if err := archive.CheckFiles(req.Files); err != nil {
		return nil, Classify(PhaseCollect, err)
	}

	if generated {
		s.log.Info("No password given; generated a new one. It is saved in the recovery ledger and the result.")
	}

	workDir, cleanup, err := s.workspace()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	s.log.WithField("files", len(req.Files)).Info("Archiving files")
	archivePath, err := s.archiver.Archive(ctx, workDir, req.Files)
	if err != nil {
		return nil, Classify(PhaseArchive, err)
	}

	s.log.WithField("cipher", s.cipher.Name()).Info("Encrypting archive")
	artifactPath, err := s.cipher.Encrypt(ctx, archivePath, password)
	os.Remove(archivePath)
	if err != nil {
		return nil, Classify(PhaseEncrypt, err)
	}

	size, err := CheckSize(artifactPath, s.maxSize)
	if err != nil {
		return nil, Classify(PhaseSize, err)
	}
	s.log.WithField("size", humanize.IBytes(uint64(size))).Info("Encrypted backup ready")

	s.log.Info("Uploading backup")
	receipt, err := s.remote.CreateBackup(ctx, artifactPath)
	if err != nil {
		return nil, Classify(PhaseUpload, err)
	}

	if err := receipt.Verify(); err != nil {
		s.log.WithField("backupId", receipt.BackupID).Warn("Server checksum does not match; removing the remote copy")
		s.discardRemote(ctx, receipt.BackupID)
		return nil, Classify(PhaseUpload, err)
	}

	backupID, err := ParseBackupID(receipt.BackupID)
	if err != nil {
		s.log.WithField("backupId", receipt.BackupID).Warn("Server returned a malformed backup id; removing the remote copy")
		s.discardRemote(ctx, receipt.BackupID)
		return nil, Classify(PhaseUpload, fmt.Errorf("%w: malformed backup id %q", transport.ErrInvalidResponse, receipt.BackupID))
	}

	sizeBytes := receipt.SizeBytes
	if sizeBytes == 0 {
		sizeBytes = receipt.LocalSize
	}
	sha := receipt.SHA256
	if sha == "" {
		sha = receipt.LocalSHA256
	}

	record := ledger.Record{
		BackupID:    backupID,
		Password:    password,
		DownloadURL: receipt.DownloadURL,
		SizeBytes:   sizeBytes,
		SHA256:      sha,
		CreatedAt:   s.now().UTC().Truncate(time.Second),
		Files:       append([]string(nil), req.Files...),
	}

	if err := s.ledger.Append(record); err != nil {
		e := NewError(KindLedgerWriteFailed, PhasePersist, err)
		e.Details = map[string]any{
			"backupId":    record.BackupID,
			"password":    record.Password,
			"downloadUrl": record.DownloadURL,
			"ledgerPath":  s.ledger.Path(),
		}
		return nil, e
	}

	s.log.WithField("backupId", record.BackupID).Info("Upload complete")

	return &UploadResult{
		Success:           true,
		BackupID:          record.BackupID,
		DownloadURL:       record.DownloadURL,
		SizeBytes:         record.SizeBytes,
		SHA256:            record.SHA256,
		Password:          password,
		PasswordGenerated: generated,
		CreatedAt:         record.CreatedAt,
		Files:             record.Files,
		LedgerPath:        s.ledger.Path(),
	}, nil
}

// Download fetches, verifies, decrypts and extracts a backup into
// req.OutputDir. The password comes from the request, then the ledger, then
// the prompt.
func (s *Session) Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	id, err := ParseBackupID(req.BackupID)
	if err != nil {
		return nil, Classify(PhaseResolve, err)
	}

	var warnings []string
	var expectedSHA string

	lookup, err := s.ledger.Find(id)
	if err != nil {
		if req.Password == "" {
			return nil, Classify(PhaseResolve, err)
		}
		warnings = append(warnings, fmt.Sprintf("%s: %v", KindLedgerCorrupt, err))
		s.log.WithError(err).Warn("Recovery ledger unreadable; continuing with the given password")
	}
	if lookup != nil {
		expectedSHA = lookup.Record.SHA256
		if lookup.Duplicates > 0 {
			warnings = append(warnings, s.duplicateWarning(id, lookup.Duplicates))
		}
	}

	password := req.Password
	if password == "" && lookup != nil {
		password = lookup.Record.Password
	}
	if password == "" && s.prompt != nil {
		password, err = s.prompt(id)
		if err != nil {
			return nil, NewError(KindInvalidInput, PhaseResolve, fmt.Errorf("failed to read password: %w", err))
		}
	}
	if password == "" {
		return nil, NewError(KindInvalidInput, PhaseResolve,
			fmt.Errorf("no password given and backup %s is not in the recovery ledger %s", id, s.ledger.Path()))
	}
	if err := crypto.ValidatePassword(password); err != nil {
		return nil, Classify(PhaseResolve, err)
	}

	if err := s.requireTools(); err != nil {
		return nil, err
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = "."
	}
	outputDir, err = filepath.Abs(outputDir)
	if err != nil {
		return nil, Classify(PhaseExtract, err)
	}

	workDir, cleanup, err := s.workspace()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	s.log.WithField("backupId", id).Info("Downloading backup")
	dl, err := s.remote.FetchBackup(ctx, id, workDir)
	if err != nil {
		return nil, Classify(PhaseFetch, err)
	}
	s.log.WithField("size", humanize.IBytes(uint64(dl.SizeBytes))).Debug("Download finished")

	verified := false
	if expectedSHA != "" {
		if err := dl.VerifySHA256(expectedSHA); err != nil {
			return nil, Classify(PhaseVerify, err)
		}
		verified = true
	}

	s.log.Info("Decrypting backup")
	archivePath, err := s.cipher.Decrypt(ctx, dl.Path, password)
	os.Remove(dl.Path)
	if err != nil {
		return nil, Classify(PhaseDecrypt, err)
	}

	// CBC with PKCS#7 padding accepts roughly 1 in 256 wrong passwords
	if err := archive.Verify(archivePath); err != nil {
		return nil, NewError(KindDecryptionFailed, PhaseDecrypt,
			fmt.Errorf("%w: %v", crypto.ErrDecryptionFailed, err))
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, Classify(PhaseExtract, fmt.Errorf("failed to create output directory: %w", err))
	}

	files, err := s.archiver.Extract(ctx, archivePath, outputDir)
	if err != nil {
		return nil, Classify(PhaseExtract, err)
	}
	s.log.WithField("files", len(files)).Info("Extraction complete")

	return &DownloadResult{
		Success:        true,
		BackupID:       id,
		ExtractedFiles: files,
		OutputDir:      outputDir,
		Verified:       verified,
		Warnings:       warnings,
	}, nil
}

// Delete removes the remote backup and then every matching ledger record.
// The ledger is untouched unless the remote delete succeeded.
func (s *Session) Delete(ctx context.Context, backupID string) (*DeleteResult, error) {
	id, err := ParseBackupID(backupID)
	if err != nil {
		return nil, Classify(PhaseResolve, err)
	}

	var warnings []string
	lookup, err := s.ledger.Find(id)
	if err != nil {
		return nil, Classify(PhaseLedger, err)
	}
	if lookup == nil {
		warnings = append(warnings, fmt.Sprintf("backup %s has no record in the recovery ledger", id))
	} else if lookup.Duplicates > 0 {
		warnings = append(warnings, s.duplicateWarning(id, lookup.Duplicates))
	}

	s.log.WithField("backupId", id).Info("Deleting backup")
	if _, err := s.remote.DeleteBackup(ctx, id); err != nil {
		return nil, Classify(PhaseDelete, err)
	}

	removed, err := s.ledger.Remove(id)
	if err != nil {
		e := Classify(PhaseLedger, err)
		if e.Details == nil {
			e.Details = map[string]any{}
		}
		e.Details["remoteDeleted"] = true
		e.Details["backupId"] = id
		return nil, e
	}

	s.log.WithField("backupId", id).Info("Delete complete")

	return &DeleteResult{
		Success:       true,
		BackupID:      id,
		LedgerUpdated: removed,
		Warnings:      warnings,
	}, nil
}

// List returns the ledger records in creation order.
func (s *Session) List(ctx context.Context) ([]ledger.Record, error) {
	records, err := s.ledger.ReadAll()
	if err != nil {
		return nil, Classify(PhaseLedger, err)
	}
	return records, nil
}

// discardRemote makes a best-effort attempt to remove a backup that will not
// be recorded in the ledger.
func (s *Session) discardRemote(ctx context.Context, backupID string) {
	if backupID == "" {
		return
	}
	if _, err := s.remote.DeleteBackup(context.WithoutCancel(ctx), backupID); err != nil {
		s.log.WithError(err).WithField("backupId", backupID).Warn("Could not remove the rejected remote backup")
	}
}

func (s *Session) duplicateWarning(id string, n int) string {
	msg := fmt.Sprintf("%s: recovery ledger holds %d older record(s) for %s; using the most recent", KindLedgerCorrupt, n, id)
	s.log.WithField("backupId", id).Warn(msg)
	return msg
}

func (s *Session) requireTools() error {
	tools := append(s.archiver.Tools(), s.cipher.Tools()...)
	if err := execx.Require(tools...); err != nil {
		return Classify(PhasePreflight, err)
	}
	return nil
}

// workspace creates a private directory for one operation's temp files.
// The returned cleanup removes it and everything in it.
func (s *Session) workspace() (string, func(), error) {
	dir, err := os.MkdirTemp(s.tempDir, "soulsnap-*")
	if err != nil {
		return "", nil, NewError(KindInternal, PhasePreflight, fmt.Errorf("failed to create temp directory: %w", err))
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			s.log.WithError(err).WithField("dir", dir).Warn("Failed to remove temp directory")
		}
	}, nil
}

// ParseBackupID checks that id is a UUID and returns its canonical form.
func ParseBackupID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: backup id is required", ErrInvalidBackupID)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a UUID", ErrInvalidBackupID, id)
	}
	return u.String(), nil
}

package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/soulsnap/soulsnap/internal/archive"
	"github.com/soulsnap/soulsnap/internal/crypto"
	"github.com/soulsnap/soulsnap/internal/execx"
	"github.com/soulsnap/soulsnap/internal/ledger"
	"github.com/soulsnap/soulsnap/internal/transport"
)

type Kind string

const (
	KindFileNotFound      Kind = "FileNotFound"
	KindSizeExceeded      Kind = "SizeExceeded"
	KindUnsupportedType   Kind = "UnsupportedType"
	KindDependencyMissing Kind = "DependencyMissing"
	KindEncryptionFailed  Kind = "EncryptionFailed"
	KindDecryptionFailed  Kind = "DecryptionFailed"
	KindNetworkError      Kind = "NetworkError"
	KindNotFound          Kind = "NotFound"
	KindLedgerCorrupt     Kind = "LedgerCorrupt"
	KindChecksumMismatch  Kind = "ChecksumMismatch"
	KindInvalidInput      Kind = "InvalidInput"
	KindLedgerWriteFailed Kind = "LedgerWriteFailed"
	KindInternal          Kind = "Internal"
)

const (
	PhaseCollect   = "collect"
	PhaseArchive   = "archive"
	PhaseEncrypt   = "encrypt"
	PhaseSize      = "size"
	PhaseUpload    = "upload"
	PhasePersist   = "persist"
	PhaseResolve   = "resolve"
	PhaseFetch     = "fetch"
	PhaseVerify    = "verify"
	PhaseDecrypt   = "decrypt"
	PhaseExtract   = "extract"
	PhaseDelete    = "delete"
	PhaseLedger    = "ledger"
	PhasePreflight = "preflight"
)

var ErrInvalidBackupID = errors.New("invalid backup id")

// Error is the single failure shape every operation returns.
type Error struct {
	Kind       Kind
	Phase      string
	Err        error
	Retryable  bool
	Suggestion string
	Details    map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the human-readable cause without the phase prefix.
func (e *Error) Message() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func NewError(kind Kind, phase string, err error) *Error {
	return &Error{
		Kind:       kind,
		Phase:      phase,
		Err:        err,
		Suggestion: suggestions[kind],
	}
}

var suggestions = map[Kind]string{
	KindFileNotFound:      "Check the file paths; every missing path is listed in details.",
	KindSizeExceeded:      "Back up fewer or smaller files; the encrypted backup must stay under the size limit.",
	KindUnsupportedType:   "The server rejected the upload format; check that the API URL points at a backup server.",
	KindDependencyMissing: "Install the missing tools (tar, openssl) or switch to the native engines with --archiver native --cipher native.",
	KindEncryptionFailed:  "Check that the cipher tool works and the temp directory is writable.",
	KindDecryptionFailed:  "The password is wrong or the backup is corrupted. Check the password in the recovery ledger.",
	KindNetworkError:      "Check network connectivity and the API URL, then run the command again.",
	KindNotFound:          "The server has no backup with this id; it may already be deleted.",
	KindLedgerCorrupt:     "Inspect the recovery ledger by hand; it is never repaired automatically.",
	KindChecksumMismatch:  "The transferred bytes were corrupted in transit; run the command again.",
	KindInvalidInput:      "Check the command arguments.",
	KindLedgerWriteFailed: "The backup was uploaded but the recovery ledger could not be written. Save the backupId and password from details now.",
	KindInternal:          "",
}

// Classify maps an error from any layer to an *Error. Errors that already
// carry a kind pass through unchanged.
func Classify(phase string, err error) *Error {
	if err == nil {
		return nil
	}

	var be *Error
	if errors.As(err, &be) {
		return be
	}

	e := NewError(KindInternal, phase, err)

	var missingFiles *archive.MissingFilesError
	var missingTools *execx.MissingToolError
	var sizeErr *SizeExceededError
	var statusErr *transport.StatusError
	var checksumErr *transport.ChecksumError
	var corrupt *ledger.CorruptError

	switch {
	case errors.As(err, &missingFiles):
		e = NewError(KindFileNotFound, phase, err)
		e.Details = map[string]any{"missing": missingFiles.Paths}
	case errors.As(err, &missingTools):
		e = NewError(KindDependencyMissing, phase, err)
		e.Details = map[string]any{"tools": missingTools.Tools}
	case errors.As(err, &sizeErr):
		e = NewError(KindSizeExceeded, phase, err)
		e.Details = map[string]any{
			"actualBytes": sizeErr.Actual,
			"limitBytes":  sizeErr.Limit,
			"actual":      humanize.IBytes(uint64(sizeErr.Actual)),
			"limit":       humanize.IBytes(uint64(sizeErr.Limit)),
		}
	case errors.Is(err, transport.ErrPayloadTooLarge):
		e = NewError(KindSizeExceeded, phase, err)
	case errors.Is(err, transport.ErrUnsupportedType):
		e = NewError(KindUnsupportedType, phase, err)
	case errors.Is(err, transport.ErrNotFound):
		e = NewError(KindNotFound, phase, err)
	case errors.As(err, &checksumErr):
		e = NewError(KindChecksumMismatch, phase, err)
		e.Details = map[string]any{"expected": checksumErr.Expected, "actual": checksumErr.Actual}
	case errors.Is(err, transport.ErrChecksumMismatch):
		e = NewError(KindChecksumMismatch, phase, err)
	case errors.As(err, &corrupt):
		e = NewError(KindLedgerCorrupt, phase, err)
		e.Details = map[string]any{"path": corrupt.Path, "line": corrupt.Line}
	case errors.Is(err, crypto.ErrEncryptionFailed):
		e = NewError(KindEncryptionFailed, phase, err)
	case errors.Is(err, crypto.ErrDecryptionFailed), errors.Is(err, archive.ErrInvalidArchive):
		e = NewError(KindDecryptionFailed, phase, err)
	case errors.Is(err, crypto.ErrInvalidPassword), errors.Is(err, ErrInvalidBackupID),
		errors.Is(err, archive.ErrNoFiles), errors.Is(err, archive.ErrEmptyPath),
		errors.Is(err, archive.ErrUnsafePath):
		e = NewError(KindInvalidInput, phase, err)
	case errors.As(err, &statusErr):
		e = NewError(KindNetworkError, phase, err)
		e.Details = map[string]any{"status": statusErr.Code, "message": statusErr.Message}
	case errors.Is(err, transport.ErrInvalidResponse):
		e = NewError(KindNetworkError, phase, err)
	case errors.Is(err, context.Canceled):
		e = NewError(KindInternal, phase, fmt.Errorf("operation cancelled: %w", err))
	case phase == PhaseUpload || phase == PhaseFetch || phase == PhaseDelete:
		e = NewError(KindNetworkError, phase, err)
	}

	if e.Kind == KindNetworkError {
		e.Retryable = transport.IsTransient(err)
	}
	return e
}

// Package ledger keeps the local recovery file: one human-readable block per
// remote backup holding its password and metadata. It is the only place a
// backup password is stored, so every read and write goes through Ledger.
//
// The file is not locked. At most one process may act on a ledger at a time;
// concurrent writers can lose or interleave entries.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const DefaultPath = "soul-backup-recovery.txt"

const (
	blockStart = "[backup]"
	blockEnd   = "[end]"

	fieldBackupID    = "Backup ID"
	fieldPassword    = "Password"
	fieldDownloadURL = "Download URL"
	fieldCreatedAt   = "Created At"
	fieldSize        = "Size"
	fieldSHA256      = "SHA256"
	fieldFiles       = "Files"
)

const fileHeader = `# soulsnap recovery ledger
# Each [backup] block holds the only copy of the password for one remote backup.
# Losing a block makes that backup permanently undecryptable. Keep this file private.

`

// Record is one backup's recovery entry.
type Record struct {
	BackupID    string    `json:"backupId"`
	Password    string    `json:"password,omitempty"`
	DownloadURL string    `json:"downloadUrl"`
	SizeBytes   int64     `json:"sizeBytes"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"createdAt"`
	Files       []string  `json:"files"`
}

// CorruptError reports a ledger that cannot be parsed. It is surfaced as-is;
// the ledger is never repaired automatically.
type CorruptError struct {
	Path   string
	Line   int
	Reason string
}

func (e *CorruptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("recovery ledger %s is corrupt at line %d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("recovery ledger %s is corrupt: %s", e.Path, e.Reason)
}

var ErrInvalidRecord = errors.New("invalid ledger record")

type Ledger struct {
	path string
}

func New(path string) *Ledger {
	if path == "" {
		path = DefaultPath
	}
	return &Ledger{path: path}
}

func (l *Ledger) Path() string {
	return l.path
}

// Append adds r to the end of the ledger, creating the file (with a header)
// on first use. Existing content is never rewritten.
func (l *Ledger) Append(r Record) error {
	block, err := formatRecord(r)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() == 0 {
		block = fileHeader + block
	} else {
		// hand edits may drop the final newline
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			f.Close()
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		if last[0] != '\n' {
			block = "\n\n" + block
		}
	}

	if _, err := f.WriteString(block); err != nil {
		f.Close()
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return f.Close()
}

// ReadAll returns every record in the order it was appended. A missing
// ledger is empty, not an error.
func (l *Ledger) ReadAll() ([]Record, error) {
	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	return doc.records(), nil
}

// Lookup is the result of Find.
type Lookup struct {
	Record Record
	// Duplicates counts older records with the same backupId.
	Duplicates int
}

// Find returns the most recently appended record for backupID, or nil when
// the ledger holds none. Ids match case-insensitively.
func (l *Ledger) Find(backupID string) (*Lookup, error) {
	records, err := l.ReadAll()
	if err != nil {
		return nil, err
	}

	var found *Lookup
	for _, r := range records {
		if !strings.EqualFold(r.BackupID, backupID) {
			continue
		}
		if found == nil {
			found = &Lookup{}
		} else {
			found.Duplicates++
		}
		found.Record = r
	}
	return found, nil
}

// Remove drops every record for backupID (matched case-insensitively),
// leaving all other bytes of the file untouched. When no records remain the file is deleted.
func (l *Ledger) Remove(backupID string) (bool, error) {
	doc, err := l.load()
	if err != nil {
		return false, err
	}

	kept := doc.chunks[:0:0]
	removed := false
	remaining := 0
	for _, c := range doc.chunks {
		if c.record != nil && strings.EqualFold(c.record.BackupID, backupID) {
			removed = true
			continue
		}
		if c.record != nil {
			remaining++
		}
		kept = append(kept, c)
	}

	if !removed {
		return false, nil
	}

	if remaining == 0 {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return true, fmt.Errorf("failed to delete empty ledger: %w", err)
		}
		return true, nil
	}

	var b strings.Builder
	for _, c := range kept {
		b.WriteString(c.raw)
	}
	if err := writeAtomic(l.path, []byte(b.String())); err != nil {
		return true, err
	}
	return true, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}

func (l *Ledger) load() (*document, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &document{}, nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return parse(l.path, string(data))
}

func formatRecord(r Record) (string, error) {
	if r.BackupID == "" {
		return "", fmt.Errorf("%w: backup id is empty", ErrInvalidRecord)
	}
	if r.Password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidRecord)
	}
	for _, v := range []string{r.BackupID, r.Password, r.DownloadURL, r.SHA256} {
		if strings.ContainsAny(v, "\r\n") {
			return "", fmt.Errorf("%w: field values must be single-line", ErrInvalidRecord)
		}
	}

	var b strings.Builder
	b.WriteString(blockStart + "\n")
	writeField(&b, fieldBackupID, r.BackupID)
	writeField(&b, fieldPassword, r.Password)
	writeField(&b, fieldDownloadURL, r.DownloadURL)
	writeField(&b, fieldCreatedAt, r.CreatedAt.UTC().Format(time.RFC3339))
	writeField(&b, fieldSize, fmt.Sprintf("%s (%d bytes)", humanize.IBytes(uint64(r.SizeBytes)), r.SizeBytes))
	writeField(&b, fieldSHA256, r.SHA256)
	writeField(&b, fieldFiles, joinFiles(r.Files))
	b.WriteString(blockEnd + "\n\n")
	return b.String(), nil
}

func writeField(b *strings.Builder, label, value string) {
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}

func joinFiles(files []string) string {
	parts := make([]string, len(files))
	for i, f := range files {
		if f == "" || strings.ContainsAny(f, ",\"\r\n") || strings.TrimSpace(f) != f {
			parts[i] = strconv.Quote(f)
		} else {
			parts[i] = f
		}
	}
	return strings.Join(parts, ", ")
}

func splitFiles(s string) ([]string, error) {
	var files []string
	rest := strings.TrimSpace(s)
	for rest != "" {
		var item string
		if strings.HasPrefix(rest, `"`) {
			quoted, err := strconv.QuotedPrefix(rest)
			if err != nil {
				return nil, fmt.Errorf("bad quoted file name: %w", err)
			}
			item, _ = strconv.Unquote(quoted)
			rest = strings.TrimSpace(rest[len(quoted):])
			if rest != "" && !strings.HasPrefix(rest, ",") {
				return nil, fmt.Errorf("expected comma after %s", quoted)
			}
		} else {
			idx := strings.Index(rest, ",")
			if idx < 0 {
				item, rest = rest, ""
			} else {
				item, rest = rest[:idx], rest[idx:]
			}
			item = strings.TrimSpace(item)
		}
		files = append(files, item)
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ","))
	}
	return files, nil
}

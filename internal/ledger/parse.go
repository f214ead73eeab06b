package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// chunk is a run of raw ledger text: either one record block (including the
// blank line that follows it) or the comments and blank lines between blocks.
type chunk struct {
	raw    string
	record *Record
}

type document struct {
	chunks []chunk
}

func (d *document) records() []Record {
	var out []Record
	for _, c := range d.chunks {
		if c.record != nil {
			out = append(out, *c.record)
		}
	}
	return out
}

func parse(path, data string) (*document, error) {
	doc := &document{}
	lines := strings.SplitAfter(data, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	corrupt := func(line int, format string, args ...any) error {
		return &CorruptError{Path: path, Line: line, Reason: fmt.Sprintf(format, args...)}
	}

	var other strings.Builder
	flushOther := func() {
		if other.Len() > 0 {
			doc.chunks = append(doc.chunks, chunk{raw: other.String()})
			other.Reset()
		}
	}

	for i := 0; i < len(lines); i++ {
		text := strings.TrimRight(lines[i], "\r\n")
		trimmed := strings.TrimSpace(text)

		if trimmed != blockStart {
			if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
				return nil, corrupt(i+1, "unexpected content outside a %s block", blockStart)
			}
			other.WriteString(lines[i])
			continue
		}

		flushOther()
		start := i
		var raw strings.Builder
		raw.WriteString(lines[i])

		rec := &Record{}
		seen := map[string]bool{}
		closed := false
		for i++; i < len(lines); i++ {
			raw.WriteString(lines[i])
			text := strings.TrimSpace(strings.TrimRight(lines[i], "\r\n"))
			if text == blockEnd {
				closed = true
				break
			}
			if text == "" {
				continue
			}
			if text == blockStart {
				return nil, corrupt(i+1, "block starting at line %d has no %s", start+1, blockEnd)
			}

			label, value, ok := strings.Cut(text, ":")
			if !ok {
				return nil, corrupt(i+1, "expected \"Label: value\"")
			}
			label = strings.TrimSpace(label)
			value = strings.TrimSpace(value)
			if seen[label] {
				return nil, corrupt(i+1, "duplicate field %q", label)
			}
			seen[label] = true

			if err := setField(rec, label, value); err != nil {
				return nil, corrupt(i+1, "%s: %v", label, err)
			}
		}

		if !closed {
			return nil, corrupt(start+1, "block is not terminated by %s", blockEnd)
		}
		if rec.BackupID == "" {
			return nil, corrupt(start+1, "block has no %s", fieldBackupID)
		}
		if rec.Password == "" {
			return nil, corrupt(start+1, "block has no %s", fieldPassword)
		}

		// the blank separator line belongs to the block it follows
		if i+1 < len(lines) && strings.TrimRight(lines[i+1], "\r\n") == "" {
			i++
			raw.WriteString(lines[i])
		}

		doc.chunks = append(doc.chunks, chunk{raw: raw.String(), record: rec})
	}
	flushOther()

	return doc, nil
}

func setField(rec *Record, label, value string) error {
	switch label {
	case fieldBackupID:
		rec.BackupID = value
	case fieldPassword:
		rec.Password = value
	case fieldDownloadURL:
		rec.DownloadURL = value
	case fieldSHA256:
		rec.SHA256 = value
	case fieldCreatedAt:
		if value == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return err
		}
		rec.CreatedAt = t
	case fieldSize:
		n, err := parseSize(value)
		if err != nil {
			return err
		}
		rec.SizeBytes = n
	case fieldFiles:
		files, err := splitFiles(value)
		if err != nil {
			return err
		}
		rec.Files = files
	}
	return nil
}

// parseSize reads "1.2 KiB (1234 bytes)" or a bare byte count.
func parseSize(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	if open := strings.LastIndex(value, "("); open >= 0 {
		inner := strings.TrimSuffix(value[open+1:], ")")
		inner = strings.TrimSpace(strings.TrimSuffix(inner, "bytes"))
		return strconv.ParseInt(inner, 10, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id string) Record {
	return Record{
		BackupID:    id,
		Password:    "Ab3-_.+=@%:xyzXYZ0123456789abcdE",
		DownloadURL: "https://soul-upload.com/backup/" + id,
		SizeBytes:   1536,
		SHA256:      "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		CreatedAt:   time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		Files:       []string{"SOUL.md", "MEMORY.md"},
	}
}

func TestAppendAndFind(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "recovery.txt"))

	rec := sampleRecord("11111111-1111-1111-1111-111111111111")
	require.NoError(t, l.Append(rec))

	got, err := l.Find(rec.BackupID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, got.Record)
	assert.Zero(t, got.Duplicates)

	missing, err := l.Find("22222222-2222-2222-2222-222222222222")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAppend_FilePermissionsAndFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.txt")
	l := New(path)
	require.NoError(t, l.Append(sampleRecord("11111111-1111-1111-1111-111111111111")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "[backup]\n")
	assert.Contains(t, content, "Backup ID: 11111111-1111-1111-1111-111111111111\n")
	assert.Contains(t, content, "Password: Ab3-_.+=@%:xyzXYZ0123456789abcdE\n")
	assert.Contains(t, content, "Size: 1.5 KiB (1536 bytes)\n")
	assert.Contains(t, content, "Files: SOUL.md, MEMORY.md\n")
	assert.Contains(t, content, "[end]\n")
}

func TestReadAll_MissingFileIsEmpty(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "nope.txt"))
	records, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAppendRemove_RestoresFreshLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.txt")
	l := New(path)

	rec := sampleRecord("11111111-1111-1111-1111-111111111111")
	require.NoError(t, l.Append(rec))

	removed, err := l.Remove(rec.BackupID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAppendRemove_ByteIdentical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.txt")
	l := New(path)

	require.NoError(t, l.Append(sampleRecord("11111111-1111-1111-1111-111111111111")))
	require.NoError(t, l.Append(sampleRecord("22222222-2222-2222-2222-222222222222")))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	newID := "33333333-3333-3333-3333-333333333333"
	require.NoError(t, l.Append(sampleRecord(newID)))
	removed, err := l.Remove(newID)
	require.NoError(t, err)
	require.True(t, removed)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestRemove_MiddleRecordKeepsOthers(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "recovery.txt"))
	ids := []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
		"33333333-3333-3333-3333-333333333333",
	}
	for _, id := range ids {
		require.NoError(t, l.Append(sampleRecord(id)))
	}

	removed, err := l.Remove(ids[1])
	require.NoError(t, err)
	require.True(t, removed)

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ids[0], records[0].BackupID)
	assert.Equal(t, ids[2], records[1].BackupID)
}

func TestRemove_UnknownID(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "recovery.txt"))
	require.NoError(t, l.Append(sampleRecord("11111111-1111-1111-1111-111111111111")))

	removed, err := l.Remove("22222222-2222-2222-2222-222222222222")
	require.NoError(t, err)
	assert.False(t, removed)

	records, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDuplicates_LatestWinsAndRemoveDropsAll(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "recovery.txt"))
	id := "11111111-1111-1111-1111-111111111111"

	first := sampleRecord(id)
	first.Password = "first-password"
	second := sampleRecord(id)
	second.Password = "second-password"

	require.NoError(t, l.Append(first))
	require.NoError(t, l.Append(sampleRecord("22222222-2222-2222-2222-222222222222")))
	require.NoError(t, l.Append(second))

	got, err := l.Find(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second-password", got.Record.Password)
	assert.Equal(t, 1, got.Duplicates)

	removed, err := l.Remove(id)
	require.NoError(t, err)
	require.True(t, removed)

	got, err = l.Find(id)
	require.NoError(t, err)
	assert.Nil(t, got)

	records, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFiles_WithSeparatorsRoundTrip(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "recovery.txt"))
	rec := sampleRecord("11111111-1111-1111-1111-111111111111")
	rec.Files = []string{"notes, part 1.md", `say "hi".md`, " padded.md", "plain.md"}
	require.NoError(t, l.Append(rec))

	got, err := l.Find(rec.BackupID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Files, got.Record.Files)
}

func TestAppend_RejectsInvalidRecord(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "recovery.txt"))

	rec := sampleRecord("")
	assert.ErrorIs(t, l.Append(rec), ErrInvalidRecord)

	rec = sampleRecord("11111111-1111-1111-1111-111111111111")
	rec.Password = ""
	assert.ErrorIs(t, l.Append(rec), ErrInvalidRecord)

	rec = sampleRecord("11111111-1111-1111-1111-111111111111")
	rec.DownloadURL = "https://x\nPassword: injected"
	assert.ErrorIs(t, l.Append(rec), ErrInvalidRecord)
}

func TestCorruptLedger(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unterminated block",
			content: "[backup]\nBackup ID: abc\nPassword: p\n",
		},
		{
			name:    "line without label",
			content: "[backup]\nBackup ID: abc\nPassword p\n[end]\n",
		},
		{
			name:    "missing password",
			content: "[backup]\nBackup ID: abc\n[end]\n",
		},
		{
			name:    "stray text",
			content: "hello there\n",
		},
		{
			name:    "bad timestamp",
			content: "[backup]\nBackup ID: abc\nPassword: p\nCreated At: yesterday\n[end]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "recovery.txt")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := New(path).ReadAll()
			var corrupt *CorruptError
			require.ErrorAs(t, err, &corrupt)
			assert.Equal(t, path, corrupt.Path)
		})
	}
}

func TestParse_IgnoresUnknownFieldsAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.txt")
	content := "# my backups\n\n[backup]\nBackup ID: abc\nPassword: p:with:colons\nNote: hand-written\nSize: 42\n[end]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	records, err := New(path).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "abc", records[0].BackupID)
	assert.Equal(t, "p:with:colons", records[0].Password)
	assert.Equal(t, int64(42), records[0].SizeBytes)
}

func TestAppend_AfterTrailingNewlineStripped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.txt")
	l := New(path)
	require.NoError(t, l.Append(sampleRecord("11111111-1111-1111-1111-111111111111")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimRight(string(data), "\n")), 0o600))

	require.NoError(t, l.Append(sampleRecord("22222222-2222-2222-2222-222222222222")))

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", records[1].BackupID)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[end]\n\n[backup]\n")
}

func TestFindRemove_IgnoreIDCase(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "recovery.txt"))
	require.NoError(t, l.Append(sampleRecord("9BCECF87-1111-4111-8111-ABCDEF012345")))

	got, err := l.Find("9bcecf87-1111-4111-8111-abcdef012345")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "9BCECF87-1111-4111-8111-ABCDEF012345", got.Record.BackupID)

	removed, err := l.Remove("9bcecf87-1111-4111-8111-abcdef012345")
	require.NoError(t, err)
	assert.True(t, removed)

	records, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulsnap/soulsnap/internal/archive"
	"github.com/soulsnap/soulsnap/internal/crypto"
	"github.com/soulsnap/soulsnap/internal/ledger"
)

func findCheck(t *testing.T, r *PreflightResult, name string) PreflightCheck {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found in %+v", name, r.Checks)
	return PreflightCheck{}
}

func TestPreflight_NativeEngines(t *testing.T) {
	l := ledger.New(filepath.Join(t.TempDir(), "recovery.txt"))
	r := Preflight(PreflightOptions{
		Archiver: &archive.NativeArchiver{},
		Cipher:   &crypto.NativeCipher{},
		Ledger:   l,
		TempDir:  t.TempDir(),
	})

	assert.True(t, r.CanProceed)
	assert.Equal(t, SeverityOK, findCheck(t, r, "archiver (native)").Severity)
	assert.Equal(t, SeverityOK, findCheck(t, r, "cipher (native)").Severity)
	assert.Equal(t, SeverityInfo, findCheck(t, r, "recovery ledger").Severity)
}

func TestPreflight_MissingTools(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	r := Preflight(PreflightOptions{
		Archiver: &archive.TarArchiver{},
		Cipher:   &crypto.OpenSSLCipher{},
		TempDir:  t.TempDir(),
	})

	assert.False(t, r.CanProceed)
	assert.Equal(t, SeverityError, findCheck(t, r, "archiver (tar)").Severity)
	assert.Equal(t, SeverityError, findCheck(t, r, "cipher (openssl)").Severity)
}

func TestPreflight_LedgerStates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recovery.txt")
	l := ledger.New(path)
	id := "0b9e6f5e-6f6b-4c1e-9a55-3f1c2d9f8e11"

	require.NoError(t, l.Append(ledger.Record{BackupID: id, Password: "a"}))
	require.NoError(t, l.Append(ledger.Record{BackupID: id, Password: "b"}))

	opts := PreflightOptions{Archiver: &archive.NativeArchiver{}, Cipher: &crypto.NativeCipher{}, Ledger: l, TempDir: dir}

	r := Preflight(opts)
	assert.True(t, r.CanProceed)
	assert.Equal(t, SeverityWarning, findCheck(t, r, "recovery ledger").Severity)

	require.NoError(t, os.Chmod(path, 0o644))
	r = Preflight(opts)
	assert.Equal(t, SeverityWarning, findCheck(t, r, "ledger permissions").Severity)

	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o600))
	r = Preflight(opts)
	assert.False(t, r.CanProceed)
	assert.Equal(t, SeverityError, findCheck(t, r, "recovery ledger").Severity)
}

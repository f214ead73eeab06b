package backup

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/soulsnap/soulsnap/internal/archive"
	"github.com/soulsnap/soulsnap/internal/crypto"
	"github.com/soulsnap/soulsnap/internal/execx"
	"github.com/soulsnap/soulsnap/internal/ledger"
)

const (
	SeverityOK      = "ok"
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

type PreflightCheck struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

type PreflightResult struct {
	Checks     []PreflightCheck `json:"checks"`
	CanProceed bool             `json:"canProceed"`
}

type PreflightOptions struct {
	Archiver archive.Archiver
	Cipher   crypto.Cipher
	Ledger   *ledger.Ledger
	TempDir  string
	MaxSize  int64
}

func (r *PreflightResult) add(c PreflightCheck) {
	r.Checks = append(r.Checks, c)
	if c.Severity == SeverityError {
		r.CanProceed = false
	}
}

// Preflight inspects the local environment without touching the network:
// engine tools, the recovery ledger and temp space.
func Preflight(opts PreflightOptions) *PreflightResult {
	result := &PreflightResult{
		Checks:     []PreflightCheck{},
		CanProceed: true,
	}

	checkEngineTools(result, "archiver", opts.Archiver.Name(), opts.Archiver.Tools())
	checkEngineTools(result, "cipher", opts.Cipher.Name(), opts.Cipher.Tools())

	if opts.Ledger != nil {
		checkLedger(result, opts.Ledger)
	}

	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	checkTempSpace(result, opts.TempDir, maxSize)

	return result
}

func checkEngineTools(result *PreflightResult, role, engine string, tools []string) {
	name := fmt.Sprintf("%s (%s)", role, engine)
	if len(tools) == 0 {
		result.add(PreflightCheck{Name: name, Severity: SeverityOK, Message: "built in, no external tools needed"})
		return
	}

	if err := execx.Require(tools...); err != nil {
		result.add(PreflightCheck{
			Name:     name,
			Severity: SeverityError,
			Message:  err.Error(),
			Fix:      fmt.Sprintf("Install %s, or use --%s native", strings.Join(tools, " and "), role),
		})
		return
	}
	result.add(PreflightCheck{Name: name, Severity: SeverityOK, Message: strings.Join(tools, ", ") + " found"})
}

func checkLedger(result *PreflightResult, l *ledger.Ledger) {
	info, err := os.Stat(l.Path())
	if os.IsNotExist(err) {
		result.add(PreflightCheck{
			Name:     "recovery ledger",
			Severity: SeverityInfo,
			Message:  l.Path() + " does not exist yet; it is created on the first upload",
		})
		return
	}
	if err != nil {
		result.add(PreflightCheck{Name: "recovery ledger", Severity: SeverityError, Message: err.Error()})
		return
	}

	records, err := l.ReadAll()
	if err != nil {
		result.add(PreflightCheck{
			Name:     "recovery ledger",
			Severity: SeverityError,
			Message:  err.Error(),
			Fix:      "Fix the file by hand; it holds the only copies of your backup passwords",
		})
		return
	}

	seen := map[string]int{}
	for _, r := range records {
		seen[r.BackupID]++
	}
	var dups []string
	for id, n := range seen {
		if n > 1 {
			dups = append(dups, id)
		}
	}

	switch {
	case len(dups) > 0:
		result.add(PreflightCheck{
			Name:     "recovery ledger",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d record(s), duplicate backup ids: %s", len(records), strings.Join(dups, ", ")),
			Fix:      "Remove the stale blocks; the most recent record is used",
		})
	default:
		result.add(PreflightCheck{
			Name:     "recovery ledger",
			Severity: SeverityOK,
			Message:  fmt.Sprintf("%s: %d record(s)", l.Path(), len(records)),
		})
	}

	if info.Mode().Perm()&0o077 != 0 {
		result.add(PreflightCheck{
			Name:     "ledger permissions",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s is readable by other users (%s)", l.Path(), info.Mode().Perm()),
			Fix:      "chmod 600 " + l.Path(),
		})
	}
}

func checkTempSpace(result *PreflightResult, dir string, maxSize int64) {
	if dir == "" {
		dir = os.TempDir()
	}
	// archive, artifact and decrypted copy can coexist
	required := maxSize * 3

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		result.add(PreflightCheck{Name: "temp space", Severity: SeverityWarning, Message: "cannot inspect " + dir + ": " + err.Error()})
		return
	}
	available := int64(stat.Bavail) * int64(stat.Bsize)

	if available < required {
		result.add(PreflightCheck{
			Name:     "temp space",
			Severity: SeverityWarning,
			Message: fmt.Sprintf("Low disk space in %s: %s available, a backup may need %s",
				dir, humanize.IBytes(uint64(available)), humanize.IBytes(uint64(required))),
			Fix: "Free up disk space or point TMPDIR elsewhere",
		})
		return
	}
	result.add(PreflightCheck{
		Name:     "temp space",
		Severity: SeverityOK,
		Message:  fmt.Sprintf("%s available in %s", humanize.IBytes(uint64(available)), dir),
	})
}

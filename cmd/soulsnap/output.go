package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/soulsnap/soulsnap/internal/backup"
	"github.com/soulsnap/soulsnap/internal/ledger"
)

var (
	headerColor  = color.New(color.Bold)
	okColor      = color.New(color.FgGreen)
	infoColor    = color.New(color.FgCyan)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

func printRecords(w io.Writer, records []ledger.Record, showPasswords bool) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No backups recorded.")
		return
	}

	header := fmt.Sprintf("%-36s  %-20s  %10s  %s", "BACKUP ID", "CREATED", "SIZE", "FILES")
	if showPasswords {
		header += "  PASSWORD"
	}
	headerColor.Fprintln(w, header)

	for _, r := range records {
		created := "-"
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.Local().Format("2006-01-02 15:04:05")
		}
		size := "-"
		if r.SizeBytes > 0 {
			size = humanize.IBytes(uint64(r.SizeBytes))
		}

		line := fmt.Sprintf("%-36s  %-20s  %10s  %s", r.BackupID, created, size, strings.Join(r.Files, ", "))
		if showPasswords {
			line += "  " + r.Password
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\n%d backup(s)\n", len(records))
}

func printChecks(w io.Writer, result *backup.PreflightResult) {
	for _, c := range result.Checks {
		var mark string
		switch c.Severity {
		case backup.SeverityOK:
			mark = okColor.Sprint("✓")
		case backup.SeverityInfo:
			mark = infoColor.Sprint("i")
		case backup.SeverityWarning:
			mark = warningColor.Sprint("!")
		default:
			mark = errorColor.Sprint("✗")
		}

		fmt.Fprintf(w, " %s %-20s %s\n", mark, c.Name, c.Message)
		if c.Fix != "" && c.Severity != backup.SeverityOK {
			fmt.Fprintf(w, "   %s\n", c.Fix)
		}
	}

	fmt.Fprintln(w)
	if result.CanProceed {
		okColor.Fprintln(w, "Ready to back up.")
	} else {
		errorColor.Fprintln(w, "Fix the errors above before backing up.")
	}
}

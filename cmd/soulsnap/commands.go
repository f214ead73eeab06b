package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soulsnap/soulsnap/internal/backup"
	"github.com/soulsnap/soulsnap/internal/config"
	"github.com/soulsnap/soulsnap/internal/ledger"
)

func uploadCmd(a *app) *cobra.Command {
	var files string
	var password string

	cmd := &cobra.Command{
		Use:   "upload [files...]",
		Short: "Encrypt files and upload them as a new backup",
		Long: `Archive the given files, encrypt the archive and upload it.
The password and backup id are appended to the recovery ledger.
Files may be given as arguments or as a space-separated --files list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := append(strings.Fields(files), args...)
			if len(paths) == 0 {
				return backup.NewError(backup.KindInvalidInput, backup.PhaseCollect, errors.New("no files given, pass --files or file arguments"))
			}

			session, err := a.session()
			if err != nil {
				return err
			}

			result, err := session.Upload(cmd.Context(), backup.UploadRequest{
				Files:    paths,
				Password: password,
			})
			if err != nil {
				return err
			}
			return a.writeJSON(result)
		},
	}

	cmd.Flags().StringVar(&files, "files", "", "Space-separated files to back up")
	cmd.Flags().StringVar(&password, "password", "", "Encryption password (default: generated)")

	return cmd
}

func downloadCmd(a *app) *cobra.Command {
	var backupID string
	var password string
	var outputDir string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download, decrypt and extract a backup",
		Long: `Fetch a backup by id, decrypt it and extract its files.
Without --password the password is read from the recovery ledger,
or prompted for when running in a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupID == "" {
				return backup.NewError(backup.KindInvalidInput, backup.PhaseResolve, errors.New("--backup-id is required"))
			}

			session, err := a.session()
			if err != nil {
				return err
			}

			result, err := session.Download(cmd.Context(), backup.DownloadRequest{
				BackupID:  backupID,
				Password:  password,
				OutputDir: outputDir,
			})
			if err != nil {
				return err
			}
			return a.writeJSON(result)
		},
	}

	cmd.Flags().StringVar(&backupID, "backup-id", "", "Backup id to download")
	cmd.Flags().StringVar(&password, "password", "", "Decryption password (default: from the recovery ledger)")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "Directory to extract files into")

	return cmd
}

func deleteCmd(a *app) *cobra.Command {
	var backupID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a backup from the server and the recovery ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupID == "" {
				return backup.NewError(backup.KindInvalidInput, backup.PhaseResolve, errors.New("--backup-id is required"))
			}

			session, err := a.session()
			if err != nil {
				return err
			}

			result, err := session.Delete(cmd.Context(), backupID)
			if err != nil {
				return err
			}
			return a.writeJSON(result)
		},
	}

	cmd.Flags().StringVar(&backupID, "backup-id", "", "Backup id to delete")

	return cmd
}

type listOutput struct {
	LedgerPath string          `json:"ledgerPath"`
	Backups    []ledger.Record `json:"backups"`
}

func listCmd(a *app) *cobra.Command {
	var format string
	var showPasswords bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups recorded in the recovery ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "table" {
				return backup.NewError(backup.KindInvalidInput, phaseCommand, fmt.Errorf("invalid format %q, must be json or table", format))
			}

			session, err := a.session()
			if err != nil {
				return err
			}

			records, err := session.List(cmd.Context())
			if err != nil {
				return err
			}
			if records == nil {
				records = []ledger.Record{}
			}
			if !showPasswords {
				for i := range records {
					records[i].Password = ""
				}
			}

			if format == "table" {
				printRecords(a.stdout, records, showPasswords)
				return nil
			}
			return a.writeJSON(listOutput{LedgerPath: a.cfg.LedgerPath, Backups: records})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or table")
	cmd.Flags().BoolVar(&showPasswords, "show-passwords", false, "Include passwords in the output")

	return cmd
}

func doctorCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check tools, temp space and the recovery ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "table" {
				return backup.NewError(backup.KindInvalidInput, phaseCommand, fmt.Errorf("invalid format %q, must be json or table", format))
			}

			arch, ciph, err := a.engines()
			if err != nil {
				return err
			}

			result := backup.Preflight(backup.PreflightOptions{
				Archiver: arch,
				Cipher:   ciph,
				Ledger:   ledger.New(a.cfg.LedgerPath),
				TempDir:  os.TempDir(),
				MaxSize:  int64(a.cfg.MaxSize),
			})

			if format == "table" {
				printChecks(a.stdout, result)
			} else if err := a.writeJSON(result); err != nil {
				return err
			}

			return preflightError(result)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or table")

	return cmd
}

// preflightError turns the first failed check into an error so the exit
// status reflects the environment.
func preflightError(result *backup.PreflightResult) error {
	if result.CanProceed {
		return nil
	}
	for _, c := range result.Checks {
		if c.Severity != backup.SeverityError {
			continue
		}
		kind := backup.KindInternal
		switch {
		case strings.HasPrefix(c.Name, "archiver"), strings.HasPrefix(c.Name, "cipher"):
			kind = backup.KindDependencyMissing
		case c.Name == "recovery ledger":
			kind = backup.KindLedgerCorrupt
		}
		be := backup.NewError(kind, backup.PhasePreflight, fmt.Errorf("%s: %s", c.Name, c.Message))
		if c.Fix != "" {
			be.Suggestion = c.Fix
		}
		return be
	}
	return nil
}

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		// Overrides the root hook so a broken config file can be replaced.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.started = true
			return nil
		},
	}

	cmd.AddCommand(configInitCmd(a))

	return cmd
}

func configInitCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfgFile
			if path == "" {
				path = config.ConfigPath()
			}

			if _, err := os.Stat(path); err == nil && !force {
				return backup.NewError(backup.KindInvalidInput, phaseCommand, fmt.Errorf("config file %s already exists, use --force to overwrite", path))
			}

			if err := config.Save(config.Default(), path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			return a.writeJSON(map[string]any{
				"success": true,
				"path":    path,
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

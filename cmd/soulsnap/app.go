package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/soulsnap/soulsnap/internal/archive"
	"github.com/soulsnap/soulsnap/internal/backup"
	"github.com/soulsnap/soulsnap/internal/config"
	"github.com/soulsnap/soulsnap/internal/crypto"
	"github.com/soulsnap/soulsnap/internal/ledger"
	"github.com/soulsnap/soulsnap/internal/logging"
	"github.com/soulsnap/soulsnap/internal/transport"
)

const phaseCommand = "command"

// Terminal access is swapped out in tests.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

type app struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	quiet   bool

	stdout io.Writer
	stderr io.Writer

	cfg *config.Config
	log *logging.Logger

	// started is set once flags and arguments have been accepted. Errors
	// before that point are usage errors.
	started bool
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		v:      viper.New(),
		stdout: stdout,
		stderr: stderr,
	}
}

func (a *app) run(ctx context.Context, args []string) int {
	rootCmd := a.rootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)

	err := rootCmd.ExecuteContext(ctx)
	if a.log != nil {
		a.log.Close()
	}
	if err != nil {
		a.writeError(err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "soulsnap",
		Short:         "Encrypted backups of agent identity files",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return backup.NewError(backup.KindInvalidInput, phaseCommand, err)
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Config file (default: ~/.soulsnap/config.yaml)")
	flags.String("api-url", "", "Backup API base URL")
	flags.String("ledger", "", "Recovery ledger path")
	flags.String("archiver", "", "Archive engine: tar or native")
	flags.String("cipher", "", "Cipher engine: openssl or native")
	flags.String("max-size", "", "Largest encrypted backup accepted, e.g. 20MiB")
	flags.Duration("timeout", 0, "Upload and download timeout")
	flags.String("log-level", "", "Log level: quiet, normal or verbose")
	flags.String("log-format", "", "Log format: text or json")
	flags.String("log-file", "", "Also write logs to this file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Verbose logging")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "Only log errors")

	for name, key := range map[string]string{
		"api-url":    "api_url",
		"ledger":     "ledger_path",
		"archiver":   "archiver",
		"cipher":     "cipher",
		"max-size":   "max_size",
		"timeout":    "timeout",
		"log-level":  "log.level",
		"log-format": "log.format",
		"log-file":   "log.file",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(uploadCmd(a))
	rootCmd.AddCommand(downloadCmd(a))
	rootCmd.AddCommand(deleteCmd(a))
	rootCmd.AddCommand(listCmd(a))
	rootCmd.AddCommand(doctorCmd(a))
	rootCmd.AddCommand(serveCmd(a))
	rootCmd.AddCommand(configCmd(a))

	return rootCmd
}

// setup loads configuration and the logger once flags are parsed.
func (a *app) setup() error {
	a.started = true

	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return backup.NewError(backup.KindInvalidInput, phaseCommand, err)
	}
	if a.verbose && a.quiet {
		return backup.NewError(backup.KindInvalidInput, phaseCommand, errors.New("--verbose and --quiet are mutually exclusive"))
	}
	if a.verbose {
		cfg.Log.Level = string(logging.LevelVerbose)
	}
	if a.quiet {
		cfg.Log.Level = string(logging.LevelQuiet)
	}

	log, err := logging.New(logging.Config{
		Level:  logging.Level(cfg.Log.Level),
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Output: a.stderr,
	})
	if err != nil {
		return backup.NewError(backup.KindInvalidInput, phaseCommand, err)
	}

	a.cfg = cfg
	a.log = log
	return nil
}

func (a *app) engines() (archive.Archiver, crypto.Cipher, error) {
	arch, err := archive.New(a.cfg.Archiver)
	if err != nil {
		return nil, nil, backup.NewError(backup.KindInvalidInput, phaseCommand, err)
	}
	ciph, err := crypto.New(a.cfg.Cipher)
	if err != nil {
		return nil, nil, backup.NewError(backup.KindInvalidInput, phaseCommand, err)
	}
	return arch, ciph, nil
}

func (a *app) session() (*backup.Session, error) {
	arch, ciph, err := a.engines()
	if err != nil {
		return nil, err
	}

	client, err := transport.New(a.cfg.APIURL,
		transport.WithTimeout(a.cfg.Timeout),
		transport.WithDeleteTimeout(a.cfg.DeleteTimeout),
	)
	if err != nil {
		return nil, backup.NewError(backup.KindInvalidInput, phaseCommand, err)
	}

	opts := backup.Options{
		Archiver: arch,
		Cipher:   ciph,
		Remote:   client,
		Ledger:   ledger.New(a.cfg.LedgerPath),
		Logger:   a.log,
		MaxSize:  int64(a.cfg.MaxSize),
	}
	if isTerminal(int(os.Stdin.Fd())) {
		opts.PromptPassword = a.promptPassword
	}

	return backup.NewSession(opts)
}

func (a *app) promptPassword(backupID string) (string, error) {
	fmt.Fprintf(a.stderr, "Password for backup %s: ", backupID)
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(a.stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(pw)), nil
}

func (a *app) writeJSON(v any) error {
	encoder := json.NewEncoder(a.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

type errorOutput struct {
	Error      string         `json:"error"`
	Kind       backup.Kind    `json:"kind"`
	Phase      string         `json:"phase,omitempty"`
	Retryable  bool           `json:"retryable"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// writeError reports a failure as a single JSON object on stderr.
func (a *app) writeError(err error) {
	var be *backup.Error
	if !errors.As(err, &be) {
		if a.started {
			be = backup.Classify(phaseCommand, err)
		} else {
			be = backup.NewError(backup.KindInvalidInput, phaseCommand, err)
		}
	}

	out := errorOutput{
		Error:      be.Message(),
		Kind:       be.Kind,
		Phase:      be.Phase,
		Retryable:  be.Retryable,
		Suggestion: be.Suggestion,
		Details:    be.Details,
	}

	encoder := json.NewEncoder(a.stderr)
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(out); encErr != nil {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
	}
}

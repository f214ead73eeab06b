// Package execx locates and runs the external tools (tar, openssl) that the
// archive and crypto engines shell out to.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// MissingToolError reports executables that could not be found in PATH.
type MissingToolError struct {
	Tools []string
}

func (e *MissingToolError) Error() string {
	return fmt.Sprintf("missing required tools: %s", strings.Join(e.Tools, ", "))
}

// RunError is returned when a tool exits unsuccessfully.
type RunError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

var lookPath = exec.LookPath

// Require checks that every tool is available, collecting all missing ones.
func Require(tools ...string) error {
	var missing []string
	for _, tool := range tools {
		if _, err := lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return &MissingToolError{Tools: missing}
	}
	return nil
}

// Command resolves name in PATH and builds a command bound to ctx.
func Command(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	path, err := lookPath(name)
	if err != nil {
		return nil, &MissingToolError{Tools: []string{name}}
	}
	return exec.CommandContext(ctx, path, args...), nil
}

// Run executes cmd and returns its stdout. Stderr is captured into RunError.
func Run(cmd *exec.Cmd) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	if cmd.Stdout == nil {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		runErr := &RunError{
			Tool:   toolName(cmd),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			runErr.ExitCode = exitErr.ExitCode()
		}
		return nil, runErr
	}
	return stdout.Bytes(), nil
}

func toolName(cmd *exec.Cmd) string {
	if len(cmd.Args) > 0 {
		return filepath.Base(cmd.Args[0])
	}
	return filepath.Base(cmd.Path)
}

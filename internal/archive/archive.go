// Package archive packs a list of files into a single gzip-compressed tar
// archive and unpacks it again.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const ArchiveName = "backup.tar.gz"

var (
	ErrNoFiles        = errors.New("no files to archive")
	ErrEmptyPath      = errors.New("file list contains an empty path")
	ErrInvalidArchive = errors.New("invalid archive")
	ErrUnsafePath     = errors.New("archive entry escapes output directory")
)

// MissingFilesError lists every input path that does not exist.
type MissingFilesError struct {
	Paths []string
}

func (e *MissingFilesError) Error() string {
	return fmt.Sprintf("files not found: %s", strings.Join(e.Paths, ", "))
}

// Archiver packs files into workDir/ArchiveName and extracts archives.
// Cleanup of the produced archive belongs to the caller.
type Archiver interface {
	Name() string
	// Tools lists external executables the engine needs.
	Tools() []string
	Archive(ctx context.Context, workDir string, files []string) (string, error)
	Extract(ctx context.Context, archivePath, outputDir string) ([]string, error)
}

const (
	EngineTar    = "tar"
	EngineNative = "native"
)

// New returns the archiver registered under name.
func New(name string) (Archiver, error) {
	switch strings.ToLower(name) {
	case "", EngineTar:
		return &TarArchiver{}, nil
	case EngineNative:
		return &NativeArchiver{}, nil
	default:
		return nil, fmt.Errorf("unknown archiver engine %q (want %q or %q)", name, EngineTar, EngineNative)
	}
}

// CheckFiles verifies every path exists and is readable, collecting all
// missing paths rather than stopping at the first. At least one regular file
// must be reachable from the inputs.
func CheckFiles(files []string) error {
	if len(files) == 0 {
		return ErrNoFiles
	}

	var missing []string
	regular := false
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			return ErrEmptyPath
		}
		info, err := os.Stat(f)
		if err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, f)
				continue
			}
			return fmt.Errorf("cannot access %s: %w", f, err)
		}
		switch {
		case info.Mode().IsRegular():
			fh, err := os.Open(f)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", f, err)
			}
			fh.Close()
			regular = true
		case info.IsDir() && !regular:
			found, err := hasRegularFile(f)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", f, err)
			}
			regular = found
		}
	}

	if len(missing) > 0 {
		return &MissingFilesError{Paths: missing}
	}
	if !regular {
		return fmt.Errorf("%w: %s contain no regular files", ErrNoFiles, strings.Join(files, ", "))
	}
	return nil
}

func hasRegularFile(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}

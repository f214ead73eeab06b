package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/gzip"
)

// List returns the regular-file entries of a tar.gz archive, validating
// every entry name against path traversal along the way.
func List(archivePath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer gzr.Close()

	var names []string
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		if _, err := safeJoin(".", header.Name); err != nil {
			return nil, err
		}
		if header.Typeflag == tar.TypeReg {
			names = append(names, path.Clean(header.Name))
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
	}
	return names, nil
}

// Verify checks that archivePath is a complete, readable tar.gz with at
// least one entry. A decrypted blob that fails this check came from a
// wrong password or a corrupted artifact.
func Verify(archivePath string) error {
	names, err := List(archivePath)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: archive contains no files", ErrInvalidArchive)
	}
	return nil
}

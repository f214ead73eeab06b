package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// NativeArchiver writes tar.gz archives in-process. Its output is readable
// by `tar -xzf` and it can extract archives produced by TarArchiver.
type NativeArchiver struct{}

func (a *NativeArchiver) Name() string { return EngineNative }

func (a *NativeArchiver) Tools() []string { return nil }

func (a *NativeArchiver) Archive(ctx context.Context, workDir string, files []string) (string, error) {
	if err := CheckFiles(files); err != nil {
		return "", err
	}

	outputPath := filepath.Join(workDir, ArchiveName)
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	gzWriter := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gzWriter)

	fail := func(err error) (string, error) {
		tw.Close()
		gzWriter.Close()
		outFile.Close()
		os.Remove(outputPath)
		return "", err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := addPath(ctx, tw, f); err != nil {
			return fail(err)
		}
	}

	if err := tw.Close(); err != nil {
		return fail(fmt.Errorf("failed to finalize tar: %w", err))
	}
	if err := gzWriter.Close(); err != nil {
		return fail(fmt.Errorf("failed to finalize gzip: %w", err))
	}
	if err := outFile.Close(); err != nil {
		os.Remove(outputPath)
		return "", err
	}

	return outputPath, nil
}

func addPath(ctx context.Context, tw *tar.Writer, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = entryName(p)
		if info.IsDir() {
			header.Name += "/"
		}
		header.Uname, header.Gname = "", ""

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
}

// entryName mirrors tar's behavior of storing absolute paths relative to /.
func entryName(p string) string {
	name := filepath.ToSlash(filepath.Clean(p))
	name = strings.TrimLeft(name, "/")
	for strings.HasPrefix(name, "../") {
		name = strings.TrimPrefix(name, "../")
	}
	return name
}

func (a *NativeArchiver) Extract(ctx context.Context, archivePath, outputDir string) ([]string, error) {
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

	var extracted []string
	tr := tar.NewReader(gzr)
	for {
		if err := ctx.Err(); err != nil {
			return extracted, err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}

		target, err := safeJoin(outputDir, header.Name)
		if err != nil {
			return extracted, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return extracted, err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, header.FileInfo().Mode().Perm()); err != nil {
				return extracted, err
			}
			extracted = append(extracted, path.Clean(header.Name))
		default:
			continue
		}
	}

	return extracted, nil
}

func writeEntry(r io.Reader, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func safeJoin(dir, name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dir, filepath.FromSlash(cleaned)), nil
}

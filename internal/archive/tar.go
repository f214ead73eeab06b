package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/soulsnap/soulsnap/internal/execx"
)

// TarArchiver shells out to the system tar, producing the same archive the
// original shell workflow (`tar -czf`) does.
type TarArchiver struct{}

func (a *TarArchiver) Name() string { return EngineTar }

func (a *TarArchiver) Tools() []string { return []string{"tar"} }

func (a *TarArchiver) Archive(ctx context.Context, workDir string, files []string) (string, error) {
	if err := CheckFiles(files); err != nil {
		return "", err
	}

	outputPath := filepath.Join(workDir, ArchiveName)
	args := []string{"-czf", outputPath}
	for _, f := range files {
		if strings.HasPrefix(f, "-") {
			f = "./" + f
		}
		args = append(args, f)
	}

	cmd, err := execx.Command(ctx, "tar", args...)
	if err != nil {
		return "", err
	}
	if _, err := execx.Run(cmd); err != nil {
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tar archive failed: %w", err)
	}
	if err := os.Chmod(outputPath, 0o600); err != nil {
		os.Remove(outputPath)
		return "", err
	}

	return outputPath, nil
}

func (a *TarArchiver) Extract(ctx context.Context, archivePath, outputDir string) ([]string, error) {
	names, err := List(archivePath)
	if err != nil {
		return nil, err
	}

	cmd, err := execx.Command(ctx, "tar", "-xzf", archivePath, "-C", outputDir)
	if err != nil {
		return nil, err
	}
	if _, err := execx.Run(cmd); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tar extraction failed: %w", err)
	}

	return names, nil
}

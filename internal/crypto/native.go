package crypto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// NativeCipher encrypts with the chunked AES-256-GCM stream format and an
// argon2id password-derived key. It needs no external tools.
type NativeCipher struct{}

func (c *NativeCipher) Name() string { return EngineNative }

func (c *NativeCipher) Tools() []string { return nil }

func (c *NativeCipher) Encrypt(ctx context.Context, archivePath, password string) (string, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	defer in.Close()

	outPath := artifactPathFor(archivePath)
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	if err := encryptStream(ctx, password, in, out); err != nil {
		out.Close()
		os.Remove(outPath)
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return outPath, nil
}

func encryptStream(ctx context.Context, password string, r io.Reader, w io.Writer) error {
	encWriter, err := NewEncryptWriter(password, w)
	if err != nil {
		return err
	}
	if _, err := io.Copy(encWriter, &ctxReader{ctx: ctx, r: r}); err != nil {
		return err
	}
	return encWriter.Close()
}

func (c *NativeCipher) Decrypt(ctx context.Context, artifactPath, password string) (string, error) {
	in, err := os.Open(artifactPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	decReader, err := NewDecryptReader(password, in)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	outPath := archivePathFor(artifactPath)
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: decReader}); err != nil {
		out.Close()
		os.Remove(outPath)
		if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrTruncated) {
			return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", err
	}
	return outPath, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

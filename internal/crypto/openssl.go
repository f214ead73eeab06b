package crypto

import (
	"context"
	"fmt"
	"os"

	"github.com/soulsnap/soulsnap/internal/execx"
)

const passwordEnv = "SOULSNAP_CIPHER_PASSWORD"

// OpenSSLCipher shells out to `openssl enc -aes-256-cbc -salt`. Artifacts
// are interchangeable with `openssl enc -d -aes-256-cbc -k <password>`.
// The password reaches the child through its environment, never argv.
type OpenSSLCipher struct{}

func (c *OpenSSLCipher) Name() string { return EngineOpenSSL }

func (c *OpenSSLCipher) Tools() []string { return []string{"openssl"} }

func (c *OpenSSLCipher) Encrypt(ctx context.Context, archivePath, password string) (string, error) {
	outPath := artifactPathFor(archivePath)

	cmd, err := execx.Command(ctx, "openssl", "enc", "-aes-256-cbc", "-salt",
		"-pass", "env:"+passwordEnv,
		"-in", archivePath,
		"-out", outPath)
	if err != nil {
		return "", err
	}
	cmd.Env = append(os.Environ(), passwordEnv+"="+password)

	if _, err := execx.Run(cmd); err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return outPath, nil
}

func (c *OpenSSLCipher) Decrypt(ctx context.Context, artifactPath, password string) (string, error) {
	outPath := archivePathFor(artifactPath)

	cmd, err := execx.Command(ctx, "openssl", "enc", "-d", "-aes-256-cbc",
		"-pass", "env:"+passwordEnv,
		"-in", artifactPath,
		"-out", outPath)
	if err != nil {
		return "", err
	}
	cmd.Env = append(os.Environ(), passwordEnv+"="+password)

	if _, err := execx.Run(cmd); err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return outPath, nil
}

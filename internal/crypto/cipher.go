package crypto

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const ArtifactSuffix = ".enc"

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed: wrong password or corrupted backup")
)

// Cipher turns an archive into a password-encrypted artifact and back.
// Implementations embed their salt in the artifact so that only the
// password is needed to decrypt.
type Cipher interface {
	Name() string
	// Tools lists external executables the engine needs.
	Tools() []string
	Encrypt(ctx context.Context, archivePath, password string) (string, error)
	Decrypt(ctx context.Context, artifactPath, password string) (string, error)
}

const (
	EngineOpenSSL = "openssl"
	EngineNative  = "native"
)

// New returns the cipher engine registered under name.
func New(name string) (Cipher, error) {
	switch strings.ToLower(name) {
	case "", EngineOpenSSL:
		return &OpenSSLCipher{}, nil
	case EngineNative:
		return &NativeCipher{}, nil
	default:
		return nil, fmt.Errorf("unknown cipher engine %q (want %q or %q)", name, EngineOpenSSL, EngineNative)
	}
}

func artifactPathFor(archivePath string) string {
	return archivePath + ArtifactSuffix
}

func archivePathFor(artifactPath string) string {
	if p := strings.TrimSuffix(artifactPath, ArtifactSuffix); p != artifactPath {
		return p + ".tar.gz"
	}
	return artifactPath + ".tar.gz"
}

package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const PasswordLength = 32

// PasswordAlphabet avoids quotes, spaces, backslashes and shell
// metacharacters so generated passwords survive copy/paste into a shell and
// the line-oriented recovery ledger.
const PasswordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"abcdefghijklmnopqrstuvwxyz" +
	"0123456789" +
	"-_.+=@%:"

var ErrInvalidPassword = errors.New("invalid password")

// GeneratePassword returns a fresh PasswordLength-character password drawn
// uniformly from PasswordAlphabet using crypto/rand.
func GeneratePassword() (string, error) {
	max := big.NewInt(int64(len(PasswordAlphabet)))

	var b strings.Builder
	b.Grow(PasswordLength)
	for i := 0; i < PasswordLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("entropy source failed: %w", err)
		}
		b.WriteByte(PasswordAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ValidatePassword checks a caller-supplied password.
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is empty", ErrInvalidPassword)
	}
	if strings.ContainsAny(password, "\r\n\x00") {
		return fmt.Errorf("%w: password must be a single line", ErrInvalidPassword)
	}
	if strings.TrimSpace(password) != password {
		return fmt.Errorf("%w: password must not start or end with whitespace", ErrInvalidPassword)
	}
	return nil
}

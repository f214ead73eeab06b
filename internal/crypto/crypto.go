package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const VersionGCM byte = 0x01

var MagicHeader = []byte("SOULB")

const GCMChunkSize = 64 * 1024

const (
	nonceSize    = 12
	finalChunk   = uint32(1) << 31
	maxChunkSize = GCMChunkSize + 16
)

// HeaderSize is the length of magic, version, salt and nonce prefix.
const HeaderSize = 5 + 1 + SaltSize + nonceSize

var (
	ErrInvalidHeader        = errors.New("invalid encryption header")
	ErrUnsupportedVersion   = errors.New("unsupported encryption version")
	ErrAuthenticationFailed = errors.New("authentication failed: wrong password or corrupted data")
	ErrTruncated            = errors.New("encrypted stream is truncated")
)

type gcmWriter struct {
	aead    cipher.AEAD
	nonce   []byte
	counter uint64
	w       io.Writer
	buf     []byte
	closed  bool
}

func (g *gcmWriter) Write(p []byte) (int, error) {
	if g.closed {
		return 0, errors.New("write to closed encrypt writer")
	}
	g.buf = append(g.buf, p...)

	// keep at least one byte buffered so Close always has a final chunk to seal
	for len(g.buf) > GCMChunkSize {
		if err := g.flushChunk(g.buf[:GCMChunkSize], false); err != nil {
			return 0, err
		}
		n := copy(g.buf, g.buf[GCMChunkSize:])
		g.buf = g.buf[:n]
	}

	return len(p), nil
}

func (g *gcmWriter) flushChunk(chunk []byte, final bool) error {
	flag := byte(0)
	lenFlag := uint32(0)
	if final {
		flag = 1
		lenFlag = finalChunk
	}

	ciphertext := g.aead.Seal(nil, g.chunkNonce(), chunk, []byte{flag})

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(ciphertext))|lenFlag)
	if _, err := g.w.Write(lenBuf); err != nil {
		return err
	}
	if _, err := g.w.Write(ciphertext); err != nil {
		return err
	}

	return nil
}

func (g *gcmWriter) chunkNonce() []byte {
	chunkNonce := make([]byte, nonceSize)
	copy(chunkNonce, g.nonce[:4])
	binary.BigEndian.PutUint64(chunkNonce[4:], g.counter)
	g.counter++
	return chunkNonce
}

func (g *gcmWriter) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true

	err := g.flushChunk(g.buf, true)
	g.buf = nil
	return err
}

// NewEncryptWriter writes the stream header (magic, version, salt, nonce)
// to w and returns a writer that seals everything written to it in
// GCMChunkSize chunks under a key derived from password. Close must be
// called to emit the final chunk.
func NewEncryptWriter(password string, w io.Writer) (io.WriteCloser, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(DeriveKey(password, salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := make([]byte, 0, HeaderSize)
	header = append(header, MagicHeader...)
	header = append(header, VersionGCM)
	header = append(header, salt...)
	header = append(header, nonce...)
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	return &gcmWriter{
		aead:  aead,
		nonce: nonce,
		w:     w,
		buf:   make([]byte, 0, GCMChunkSize+1),
	}, nil
}

type gcmReader struct {
	aead    cipher.AEAD
	nonce   []byte
	counter uint64
	r       io.Reader
	buf     []byte
	done    bool
}

func (g *gcmReader) Read(p []byte) (int, error) {
	for len(g.buf) == 0 {
		if g.done {
			return 0, io.EOF
		}
		if err := g.nextChunk(); err != nil {
			return 0, err
		}
	}

	n := copy(p, g.buf)
	g.buf = g.buf[n:]
	return n, nil
}

func (g *gcmReader) nextChunk() error {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(g.r, lenBuf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}

	raw := binary.BigEndian.Uint32(lenBuf)
	final := raw&finalChunk != 0
	chunkLen := raw &^ finalChunk
	if chunkLen > maxChunkSize {
		return ErrAuthenticationFailed
	}

	ciphertext := make([]byte, chunkLen)
	if _, err := io.ReadFull(g.r, ciphertext); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}

	chunkNonce := make([]byte, nonceSize)
	copy(chunkNonce, g.nonce[:4])
	binary.BigEndian.PutUint64(chunkNonce[4:], g.counter)
	g.counter++

	flag := byte(0)
	if final {
		flag = 1
	}

	plaintext, err := g.aead.Open(nil, chunkNonce, ciphertext, []byte{flag})
	if err != nil {
		return ErrAuthenticationFailed
	}

	if final {
		g.done = true
		var trailing [1]byte
		if n, _ := g.r.Read(trailing[:]); n > 0 {
			return ErrAuthenticationFailed
		}
	}

	g.buf = plaintext
	return nil
}

// NewDecryptReader reads the stream header from r and returns a reader
// yielding the plaintext. A wrong password surfaces as
// ErrAuthenticationFailed on the first Read.
func NewDecryptReader(password string, r io.Reader) (io.Reader, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	if !bytes.Equal(header[:5], MagicHeader) {
		return nil, ErrInvalidHeader
	}
	if header[5] != VersionGCM {
		return nil, fmt.Errorf("%w: got version %d", ErrUnsupportedVersion, header[5])
	}

	salt := header[6 : 6+SaltSize]
	nonce := header[6+SaltSize:]

	aead, err := newAEAD(DeriveKey(password, salt))
	if err != nil {
		return nil, err
	}

	return &gcmReader{
		aead:  aead,
		nonce: append([]byte(nil), nonce...),
		r:     r,
	}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

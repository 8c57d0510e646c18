package crypto

import (
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// ValidateRecipient reports whether an age recipient parses.
func ValidateRecipient(recipient string) error {
	if _, err := age.ParseX25519Recipient(recipient); err != nil {
		return fmt.Errorf("failed to parse age recipient: %w", err)
	}
	return nil
}

// EncryptingReader wraps src so that reading from the returned reader
// yields the age encryption of src for the given recipient. Encryption is
// streamed through a pipe, nothing is buffered on disk. Closing the reader
// early stops the encryption goroutine.
func EncryptingReader(src io.Reader, recipient string) (io.ReadCloser, error) {
	rcpt, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to parse age recipient: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		w, err := age.Encrypt(pw, rcpt)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("age encryption failed: %w", err))
			return
		}
		if _, err := io.Copy(w, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(w.Close())
	}()

	return pr, nil
}

// LoadIdentities reads the age identities from a key file.
func LoadIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
	}
	return identities, nil
}

// DecryptReader returns a reader of the plaintext in src.
func DecryptReader(src io.Reader, identities ...age.Identity) (io.Reader, error) {
	r, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("age decryption failed: %w", err)
	}
	return r, nil
}

// Sum returns the hex BLAKE3 hash of everything in r.
func Sum(r io.Reader) (string, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

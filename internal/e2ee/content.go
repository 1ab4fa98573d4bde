package e2ee

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptBlob seals data under the group key with XChaCha20-Poly1305 and
// returns nonce||ciphertext.
func EncryptBlob(groupKey, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(groupKey)
	if err != nil {
		return nil, fmt.Errorf("%w: xchacha20: %v", ErrCrypto, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(data)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: read nonce: %v", ErrCrypto, err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// DecryptBlob reverses EncryptBlob.
func DecryptBlob(groupKey, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(groupKey)
	if err != nil {
		return nil, fmt.Errorf("%w: xchacha20: %v", ErrCrypto, err)
	}
	if len(blob) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrCrypto)
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrCrypto, err)
	}
	return plain, nil
}

// EncryptMessage encrypts chat text for the group; the result is base64 and
// travels as ordinary message content.
func EncryptMessage(groupKey []byte, text string) (string, error) {
	blob, err := EncryptBlob(groupKey, []byte(text))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

func DecryptMessage(groupKey []byte, content string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", fmt.Errorf("%w: decode message: %v", ErrCrypto, err)
	}
	plain, err := DecryptBlob(groupKey, blob)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

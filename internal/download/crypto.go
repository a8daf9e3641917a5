package download

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	keySize = 64 // 32 bytes AES-256 key || 32 bytes HMAC-SHA256 key
	ivSize  = aes.BlockSize
	macSize = sha256.Size
)

var (
	// ErrBadKeys is returned when the attachment key is not 64 bytes.
	ErrBadKeys = errors.New("download: attachment key must be 64 bytes")
	// ErrMACMismatch is returned when the ciphertext fails authentication.
	ErrMACMismatch = errors.New("download: mac mismatch")
	// ErrMalformedCiphertext is returned for truncated or misaligned input.
	ErrMalformedCiphertext = errors.New("download: malformed ciphertext")
)

// Decrypter turns downloaded ciphertext into plaintext. It returns the IV it
// found so callers can keep it alongside the stored file.
type Decrypter interface {
	Decrypt(data, key []byte) (plaintext, iv []byte, err error)
}

// CBCHMAC decrypts the attachment envelope iv || AES-256-CBC(ct) || mac,
// where mac is HMAC-SHA256 over iv || ct. Padding is PKCS#7.
type CBCHMAC struct{}

// Decrypt implements Decrypter.
func (CBCHMAC) Decrypt(data, key []byte) ([]byte, []byte, error) {
	if len(key) != keySize {
		return nil, nil, ErrBadKeys
	}
	if len(data) < ivSize+aes.BlockSize+macSize {
		return nil, nil, ErrMalformedCiphertext
	}
	aesKey, macKey := key[:32], key[32:]

	body, tag := data[:len(data)-macSize], data[len(data)-macSize:]
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, nil, ErrMACMismatch
	}

	iv, ct := body[:ivSize], body[ivSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, nil, ErrMalformedCiphertext
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("download: cipher: %w", err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	plain, err = unpad(plain)
	if err != nil {
		return nil, nil, err
	}
	return plain, append([]byte(nil), iv...), nil
}

// Encrypt builds the envelope CBCHMAC.Decrypt accepts. Used by tests and by
// tooling that seeds a local CDN.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, ErrBadKeys
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("download: iv must be %d bytes", ivSize)
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("download: cipher: %w", err)
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)

	out := make([]byte, ivSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)

	mac := hmac.New(sha256.New, key[32:])
	mac.Write(out)
	return mac.Sum(out), nil
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrMalformedCiphertext
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrMalformedCiphertext
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrMalformedCiphertext
		}
	}
	return b[:len(b)-n], nil
}

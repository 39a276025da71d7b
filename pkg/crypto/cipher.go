package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCiphertextTooShort 密文长度不足
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// SecretCipher 账户私钥加解密
type SecretCipher struct {
	key [chacha20poly1305.KeySize]byte
}

// NewSecretCipher 使用 sha256(secret) 作为密钥
func NewSecretCipher(secret string) *SecretCipher {
	return &SecretCipher{key: sha256.Sum256([]byte(secret))}
}

// Encrypt 加密, 输出 base64(nonce || ciphertext)
func (c *SecretCipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密
func (c *SecretCipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}

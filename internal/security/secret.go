package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	encryptionKeyEnv = "PROXY_ENCRYPTION_KEY"
	EncryptionPrefix = "enc:"

	keyInfo = "proxyharvest secret v1"
)

// ErrKeyNotSet is returned when a secret needs sealing but no key is configured.
var ErrKeyNotSet = errors.New("security: encryption key not set: " + encryptionKeyEnv)

var (
	cipherOnce sync.Once
	cipherInst cipher.AEAD
	cipherErr  error
)

func getCipher() (cipher.AEAD, error) {
	cipherOnce.Do(func() {
		rawKey := strings.TrimSpace(os.Getenv(encryptionKeyEnv))
		if rawKey == "" {
			cipherErr = ErrKeyNotSet
			return
		}

		key, err := deriveKey(rawKey)
		if err != nil {
			cipherErr = fmt.Errorf("security: derive key: %w", err)
			return
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			cipherErr = fmt.Errorf("security: create cipher: %w", err)
			return
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			cipherErr = fmt.Errorf("security: create gcm: %w", err)
			return
		}

		cipherInst = gcm
	})

	return cipherInst, cipherErr
}

// deriveKey stretches the configured secret (base64 or passphrase) into an AES-256 key.
func deriveKey(raw string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(secret) == 0 {
		secret = []byte(raw)
	}

	reader := hkdf.New(sha256.New, secret, nil, []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptSecret seals plain with AES-GCM. Empty input stays empty.
func EncryptSecret(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	gcm, err := getCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("security: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return EncryptionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret opens a value produced by EncryptSecret. Values without the
// prefix are returned as-is and reported as legacy plaintext.
func DecryptSecret(value string) (plain string, legacy bool, err error) {
	if value == "" {
		return "", false, nil
	}

	if !strings.HasPrefix(value, EncryptionPrefix) {
		return value, true, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptionPrefix))
	if err != nil {
		return "", false, fmt.Errorf("security: decode ciphertext: %w", err)
	}

	gcm, err := getCipher()
	if err != nil {
		return "", false, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", false, errors.New("security: ciphertext too short")
	}

	opened, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", false, fmt.Errorf("security: decrypt ciphertext: %w", err)
	}

	return string(opened), false, nil
}

// SealMap encrypts a credential map as a single JSON blob.
func SealMap(values map[string]string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("security: marshal credentials: %w", err)
	}
	return EncryptSecret(string(raw))
}

// OpenMap reverses SealMap.
func OpenMap(value string) (map[string]string, error) {
	plain, _, err := DecryptSecret(value)
	if err != nil {
		return nil, err
	}
	if plain == "" {
		return map[string]string{}, nil
	}

	out := make(map[string]string)
	if err := json.Unmarshal([]byte(plain), &out); err != nil {
		return nil, fmt.Errorf("security: unmarshal credentials: %w", err)
	}
	return out, nil
}

func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptionPrefix)
}

func ResetCipherForTests() {
	cipherOnce = sync.Once{}
	cipherInst = nil
	cipherErr = nil
}

// Package keystore seals the resolution attestation key at rest and resolves
// it from configuration.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	iterations = 480_000
	saltLen    = 16
	aesKeyLen  = 32
	version    = 1
)

// ErrNoKey means neither a raw key nor a sealed file is configured.
var ErrNoKey = errors.New("keystore: no key configured")

// sealed is the on-disk format of a sealed key.
type sealed struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Source names where a key comes from. A raw key wins over a sealed file.
type Source struct {
	RawHex   string
	File     string
	Password string
}

// Empty reports whether no key source is set.
func (s Source) Empty() bool { return s.RawHex == "" && s.File == "" }

func normalize(keyHex string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("keystore: key is not hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("keystore: want 32-byte key, got %d bytes", len(b))
	}
	return b, nil
}

func gcmFor(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts a hex private key under password with PBKDF2-SHA256 and
// AES-256-GCM and returns the JSON to store.
func Seal(keyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("keystore: password must not be empty")
	}
	key, err := normalize(keyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: salt: %w", err)
	}
	gcm, err := gcmFor(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: nonce: %w", err)
	}

	return json.MarshalIndent(sealed{
		Version:    version,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, key, nil)),
	}, "", "  ")
}

// Open decrypts JSON produced by Seal and returns the key as hex without a
// 0x prefix.
func Open(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("keystore: password must not be empty")
	}
	var s sealed
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("keystore: parse: %w", err)
	}
	if s.Version != version {
		return "", fmt.Errorf("keystore: unsupported version %d", s.Version)
	}

	var salt, nonce, ct []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", s.Salt, &salt},
		{"nonce", s.Nonce, &nonce},
		{"ciphertext", s.Ciphertext, &ct},
	} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return "", fmt.Errorf("keystore: decode %s: %w", f.name, err)
		}
		*f.out = b
	}

	gcm, err := gcmFor(password, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("keystore: nonce length %d", len(nonce))
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("keystore: wrong password or corrupt file: %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// Load resolves the key named by src.
func Load(src Source) (string, error) {
	if src.RawHex != "" {
		key, err := normalize(src.RawHex)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(key), nil
	}
	if src.File != "" {
		data, err := os.ReadFile(src.File)
		if err != nil {
			return "", fmt.Errorf("keystore: read %s: %w", src.File, err)
		}
		return Open(data, src.Password)
	}
	return "", ErrNoKey
}

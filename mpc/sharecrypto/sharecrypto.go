// Package sharecrypto seals and unseals raw key shares with a password.
//
// A share is sealed under AES-256-GCM with a key derived from the password via
// PBKDF2-SHA256. The derivation is deliberately slow: the sealed document may
// leak (backups, sync folders) and the KDF cost is what keeps an offline brute
// force expensive. Salt and nonce are freshly drawn on every seal.
package sharecrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SchemaVersion is the sealed-share document version. Decryption and backup
	// import both refuse anything else.
	SchemaVersion = 1

	// CipherSuite identifies the threshold scheme the share belongs to.
	CipherSuite = "secp256k1-tecdsa-2pc"

	kdfName = "PBKDF2"
	kdfHash = "SHA-256"
	encName = "AES-256-GCM"

	saltLength  = 32
	nonceLength = 12 // GCM standard nonce length
	keyLength   = 32 // AES-256

	// DefaultIterations is used when the caller passes 0.
	DefaultIterations = 310_000
	// MinIterations is the floor below which sealing refuses to operate.
	MinIterations = 300_000
)

// ErrInvalidPassword covers every authentication failure during unsealing.
// It deliberately does not distinguish a wrong password from corrupted
// ciphertext: either answer would hand an attacker an oracle.
var ErrInvalidPassword = errors.New("invalid password or corrupted share")

// KDFParams records how the encryption key was derived, so a sealed share
// remains decryptable after the default cost changes.
type KDFParams struct {
	Name       string `json:"name"`
	Hash       string `json:"hash"`
	Iterations int    `json:"iterations"`
	SaltB64    string `json:"salt_b64"`
}

// EncParams holds the AEAD parameters and payload.
type EncParams struct {
	Name          string `json:"name"`
	IVB64         string `json:"iv_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

// SealedShare is the persisted document. It never contains plaintext share
// bytes; everything outside Enc.CiphertextB64 is non-secret metadata.
type SealedShare struct {
	Version         int       `json:"version"`
	WalletID        string    `json:"walletId"`
	KeysetID        string    `json:"keysetId"`
	CipherSuite     string    `json:"cipherSuite"`
	KDF             KDFParams `json:"kdf"`
	Enc             EncParams `json:"enc"`
	PublicKey       string    `json:"publicKey"`
	EthereumAddress string    `json:"ethereumAddress"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Params carries the non-secret metadata recorded alongside the ciphertext.
type Params struct {
	WalletID        string
	KeysetID        string
	PublicKey       string
	EthereumAddress string
}

// DeriveKey derives the symmetric key for a (password, salt) pair. It is
// deterministic: the same inputs always yield the same key.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	if iterations == 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)
}

// EncryptShare seals rawShare under password and returns the persistable
// document. Salt and nonce are fresh on every call.
func EncryptShare(rawShare []byte, password string, p Params, iterations int) (*SealedShare, error) {
	if len(rawShare) == 0 {
		return nil, errors.New("share data cannot be empty")
	}
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("kdf iterations %d below minimum %d", iterations, MinIterations)
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := DeriveKey(password, salt, iterations)
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, rawShare, nil)

	return &SealedShare{
		Version:     SchemaVersion,
		WalletID:    p.WalletID,
		KeysetID:    p.KeysetID,
		CipherSuite: CipherSuite,
		KDF: KDFParams{
			Name:       kdfName,
			Hash:       kdfHash,
			Iterations: iterations,
			SaltB64:    base64.StdEncoding.EncodeToString(salt),
		},
		Enc: EncParams{
			Name:          encName,
			IVB64:         base64.StdEncoding.EncodeToString(nonce),
			CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		},
		PublicKey:       p.PublicKey,
		EthereumAddress: p.EthereumAddress,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// DecryptShare unseals the share. Callers own the returned buffer and must
// Wipe it as soon as the current operation no longer needs it.
func (s *SealedShare) decode() (salt, nonce, ciphertext []byte, err error) {
	salt, err = base64.StdEncoding.DecodeString(s.KDF.SaltB64)
	if err != nil {
		return nil, nil, nil, ErrInvalidPassword
	}
	nonce, err = base64.StdEncoding.DecodeString(s.Enc.IVB64)
	if err != nil {
		return nil, nil, nil, ErrInvalidPassword
	}
	ciphertext, err = base64.StdEncoding.DecodeString(s.Enc.CiphertextB64)
	if err != nil {
		return nil, nil, nil, ErrInvalidPassword
	}
	if len(salt) != saltLength || len(nonce) != nonceLength {
		return nil, nil, nil, ErrInvalidPassword
	}
	return salt, nonce, ciphertext, nil
}

// DecryptShare unseals sealed with password and returns the raw share bytes.
func DecryptShare(sealed *SealedShare, password string) ([]byte, error) {
	if sealed == nil {
		return nil, errors.New("sealed share is nil")
	}
	if sealed.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported sealed share version %d", sealed.Version)
	}

	salt, nonce, ciphertext, err := sealed.decode()
	if err != nil {
		return nil, err
	}

	key := DeriveKey(password, salt, sealed.KDF.Iterations)
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return plaintext, nil
}

// Wipe overwrites buf with random bytes and then zeros. Best-effort: the
// runtime may have copied the data elsewhere, but this removes the long-lived
// reference.
func Wipe(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_, _ = io.ReadFull(rand.Reader, buf)
	for i := range buf {
		buf[i] = 0
	}
}

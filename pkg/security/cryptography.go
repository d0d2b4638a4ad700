package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	saltLength      = 32
	keyLength       = 32

	tokenIssuer = "bft_trust_engine"
)

var (
	ErrNoPrivateKey = errors.New("private key not available")
	ErrInvalidToken = errors.New("invalid token")
)

// KeyPair represents a signing key pair
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
	Algorithm  string
	Created    time.Time
}

// Token represents an issued session token
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Subject   string
}

// Ed25519Verifier is the concrete signature-verification capability handed
// to the trust-chain validator. Verification is stateless.
type Ed25519Verifier struct{}

// Verify checks an Ed25519 signature over data
func (Ed25519Verifier) Verify(data, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// CryptoManager holds the active key pair and derived secrets for signing,
// token issuance, and key material encryption at rest.
type CryptoManager struct {
	activeKeyPair *KeyPair
	encryptor     cipher.AEAD
	jwtSecret     []byte
}

// NewCryptoManager creates a manager around an existing key pair. The
// secret may be any length; the symmetric key is derived from its digest.
func NewCryptoManager(keyPair *KeyPair, jwtSecret []byte) (*CryptoManager, error) {
	key := sha256.Sum256(jwtSecret)
	aead, err := newAEAD(key[:])
	if err != nil {
		return nil, fmt.Errorf("initializing encryptor: %w", err)
	}

	return &CryptoManager{
		activeKeyPair: keyPair,
		encryptor:     aead,
		jwtSecret:     jwtSecret,
	}, nil
}

// GenerateKeyPair creates a new Ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Algorithm:  "Ed25519",
		Created:    time.Now(),
	}, nil
}

// Sign creates a signature over data with the active private key
func (cm *CryptoManager) Sign(data []byte) ([]byte, error) {
	if len(cm.activeKeyPair.PrivateKey) == 0 {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(cm.activeKeyPair.PrivateKey, data), nil
}

// Verify checks a signature against a public key
func (cm *CryptoManager) Verify(data, signature, publicKey []byte) bool {
	return Ed25519Verifier{}.Verify(data, signature, publicKey)
}

// PublicKey returns the active public key
func (cm *CryptoManager) PublicKey() []byte {
	return cm.activeKeyPair.PublicKey
}

// KeyPair returns the active key pair
func (cm *CryptoManager) KeyPair() *KeyPair {
	return cm.activeKeyPair
}

// Encrypt seals data with AES-GCM, prefixing the nonce
func (cm *CryptoManager) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, cm.encryptor.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return cm.encryptor.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens AES-GCM sealed data
func (cm *CryptoManager) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := cm.encryptor.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := cm.encryptor.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting data: %w", err)
	}
	return plaintext, nil
}

// IssueToken creates a signed session token for a registered agent
func (cm *CryptoManager) IssueToken(subject string, duration time.Duration) (*Token, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cm.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &Token{
		Value:     signed,
		IssuedAt:  now,
		ExpiresAt: now.Add(duration),
		Subject:   subject,
	}, nil
}

// ValidateToken checks a session token and returns its subject
func (cm *CryptoManager) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cm.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid || claims.Issuer != tokenIssuer {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// HashData returns the hex-encoded SHA-256 digest of data
func HashData(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ExportPrivateKey encrypts the active private key under a password-derived
// key for storage at rest. The salt is prepended to the ciphertext.
func (cm *CryptoManager) ExportPrivateKey(password []byte) ([]byte, error) {
	if len(cm.activeKeyPair.PrivateKey) == 0 {
		return nil, ErrNoPrivateKey
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(DeriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("deriving key cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, cm.activeKeyPair.PrivateKey, nil)
	return append(salt, sealed...), nil
}

// ImportPrivateKey decrypts a key blob produced by ExportPrivateKey and
// installs it as the active key pair.
func (cm *CryptoManager) ImportPrivateKey(blob, password []byte) error {
	if len(blob) < saltLength {
		return fmt.Errorf("key blob too short")
	}

	salt, sealed := blob[:saltLength], blob[saltLength:]
	aead, err := newAEAD(DeriveKey(password, salt))
	if err != nil {
		return fmt.Errorf("deriving key cipher: %w", err)
	}

	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		return fmt.Errorf("key blob too short")
	}

	privateKey, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return fmt.Errorf("decrypting private key: %w", err)
	}

	priv := ed25519.PrivateKey(privateKey)
	cm.activeKeyPair = &KeyPair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
		Algorithm:  "Ed25519",
		Created:    time.Now(),
	}
	return nil
}

// ExportPublicKey returns the base64-encoded active public key
func (cm *CryptoManager) ExportPublicKey() string {
	return base64.StdEncoding.EncodeToString(cm.activeKeyPair.PublicKey)
}

// DeriveKey derives an encryption key from a password
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, pbkdfIterations, keyLength, sha256.New)
}

// GenerateSalt generates a random salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

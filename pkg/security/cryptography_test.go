package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *CryptoManager {
	t.Helper()

	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)

	secret := make([]byte, 32)
	copy(secret, []byte("test-jwt-secret"))

	cm, err := NewCryptoManager(keyPair, secret)
	require.NoError(t, err)
	return cm
}

func TestSignAndVerify(t *testing.T) {
	cm := newTestManager(t)
	data := []byte("validator vote payload")

	sig, err := cm.Sign(data)
	require.NoError(t, err)

	assert.True(t, cm.Verify(data, sig, cm.PublicKey()))
	assert.False(t, cm.Verify([]byte("tampered payload"), sig, cm.PublicKey()))

	other := newTestManager(t)
	assert.False(t, cm.Verify(data, sig, other.PublicKey()))
}

func TestEd25519Verifier_RejectsMalformedKeys(t *testing.T) {
	v := Ed25519Verifier{}
	assert.False(t, v.Verify([]byte("data"), []byte("sig"), []byte("short-key")))
}

func TestEncryptDecrypt(t *testing.T) {
	cm := newTestManager(t)
	plaintext := []byte("authority weight table snapshot")

	ciphertext, err := cm.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := cm.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	_, err = cm.Decrypt([]byte("short"))
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	cm := newTestManager(t)

	token, err := cm.IssueToken("validator-7", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "validator-7", token.Subject)

	subject, err := cm.ValidateToken(token.Value)
	require.NoError(t, err)
	assert.Equal(t, "validator-7", subject)

	_, err = cm.ValidateToken(token.Value + "garbage")
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	cm := newTestManager(t)

	token, err := cm.IssueToken("validator-7", -time.Minute)
	require.NoError(t, err)

	_, err = cm.ValidateToken(token.Value)
	assert.Error(t, err)
}

func TestPrivateKeyExportImport(t *testing.T) {
	cm := newTestManager(t)
	password := []byte("correct horse battery staple")

	blob, err := cm.ExportPrivateKey(password)
	require.NoError(t, err)

	data := []byte("payload signed before export")
	sig, err := cm.Sign(data)
	require.NoError(t, err)

	restored := newTestManager(t)
	require.NoError(t, restored.ImportPrivateKey(blob, password))
	assert.True(t, restored.Verify(data, sig, restored.PublicKey()))

	err = restored.ImportPrivateKey(blob, []byte("wrong password"))
	assert.Error(t, err)
}

func TestHashData(t *testing.T) {
	h1 := HashData([]byte("certificate-bytes"))
	h2 := HashData([]byte("certificate-bytes"))
	h3 := HashData([]byte("other-bytes"))

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

package consensus

import (
	"context"
	"crypto/ed25519"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bft_trust_engine/pkg/quorum"
	"bft_trust_engine/pkg/security"
	"bft_trust_engine/pkg/trust"
)

func uniformPool(n int) []ValidatorIdentity {
	pool := make([]ValidatorIdentity, n)
	for i := range pool {
		pool[i] = ValidatorIdentity{
			ID:     quorum.AuthorityID(rune('a' + i)),
			Weight: 1,
		}
	}
	return pool
}

// trustedChain builds a validator with a registered 3-level hierarchy and
// returns the leaf certificate
func trustedChain(t *testing.T) (*trust.Validator, *trust.Certificate) {
	t.Helper()

	rootPub, rootPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	intPub, intPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	leafPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	from := time.Now().Add(-time.Hour)
	until := time.Now().Add(time.Hour)

	root := &trust.Certificate{
		Subject: "root-ca", Issuer: "root-ca", PublicKey: rootPub,
		ValidFrom: from, ValidUntil: until,
	}
	root.Signature = ed25519.Sign(rootPriv, root.SigningPayload())

	intermediate := &trust.Certificate{
		Subject: "intermediate-ca", Issuer: "root-ca", PublicKey: intPub,
		ValidFrom: from, ValidUntil: until,
	}
	intermediate.Signature = ed25519.Sign(rootPriv, intermediate.SigningPayload())

	leaf := &trust.Certificate{
		Subject: "device-leaf", Issuer: "intermediate-ca", PublicKey: leafPub,
		ValidFrom: from, ValidUntil: until,
	}
	leaf.Signature = ed25519.Sign(intPriv, leaf.SigningPayload())

	tv := trust.NewValidator(security.Ed25519Verifier{}, nil, nil)
	require.NoError(t, tv.AddTrustAnchor(root))
	require.NoError(t, tv.AddCertificate(intermediate))

	return tv, leaf
}

func signedPayment(t *testing.T, amount, authorized uint64) *PaymentAuthorization {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payment := &PaymentAuthorization{
		ID:               "pay-001",
		Payer:            "alice",
		Payee:            "bob",
		Amount:           amount,
		AuthorizedAmount: authorized,
		PublicKey:        pub,
	}
	payment.Signature = ed25519.Sign(priv, payment.SigningPayload())
	return payment
}

// scriptedSubject approves a fixed number of evaluations across all clones,
// exercising partial-vote aggregation
type scriptedSubject struct {
	approvals *int32
}

func (s *scriptedSubject) ID() string     { return "scripted" }
func (s *scriptedSubject) Clone() Subject { return s }
func (s *scriptedSubject) Evaluate(ctx context.Context) bool {
	return atomic.AddInt32(s.approvals, -1) >= 0
}

func TestNewValidator_RejectsEmptyPool(t *testing.T) {
	_, err := NewValidator(nil, DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrNoValidators)
}

func TestValidateWithConsensus_ValidChain(t *testing.T) {
	tv, leaf := trustedChain(t)

	v, err := NewValidator(uniformPool(5), DefaultConfig(), nil, nil)
	require.NoError(t, err)

	result, err := v.ValidateWithConsensus(context.Background(), NewChainSubject(leaf, tv))
	require.NoError(t, err)

	assert.Equal(t, 5, result.TotalValidators)
	assert.Equal(t, 5, result.VotesFor)
	assert.Equal(t, 0, result.VotesAgainst)
	assert.True(t, result.ConsensusReached)
	assert.True(t, result.BFTQuorumMet)
	assert.InDelta(t, 100.0, result.AgreementPercentage, 0.001)
}

func TestValidateWithConsensus_TamperedPaymentIsDeterministic(t *testing.T) {
	v, err := NewValidator(uniformPool(5), DefaultConfig(), nil, nil)
	require.NoError(t, err)

	// Charged amount inflated past what the payer signed
	tampered := signedPayment(t, 150_00, 100_00)

	// Goroutine scheduling varies between rounds; the verdict must not
	for i := 0; i < 5; i++ {
		result, err := v.ValidateWithConsensus(context.Background(),
			NewPaymentSubject(tampered, security.Ed25519Verifier{}))
		require.NoError(t, err)

		assert.False(t, result.ConsensusReached)
		assert.Equal(t, 0, result.VotesFor)
		assert.Equal(t, 5, result.VotesAgainst)
	}
}

func TestValidateWithConsensus_ValidPayment(t *testing.T) {
	v, err := NewValidator(uniformPool(5), DefaultConfig(), nil, nil)
	require.NoError(t, err)

	payment := signedPayment(t, 100_00, 100_00)
	result, err := v.ValidateWithConsensus(context.Background(),
		NewPaymentSubject(payment, security.Ed25519Verifier{}))
	require.NoError(t, err)

	assert.True(t, result.ConsensusReached)
	assert.Equal(t, 5, result.VotesFor)
}

func TestValidateWithConsensus_PartialVotes(t *testing.T) {
	v, err := NewValidator(uniformPool(5), DefaultConfig(), nil, nil)
	require.NoError(t, err)

	// ceil(5 * 0.67) = 4 approvals required
	t.Run("BelowQuorum", func(t *testing.T) {
		approvals := int32(3)
		result, err := v.ValidateWithConsensus(context.Background(), &scriptedSubject{approvals: &approvals})
		require.NoError(t, err)

		assert.Equal(t, 3, result.VotesFor)
		assert.False(t, result.ConsensusReached)
	})

	t.Run("AtQuorum", func(t *testing.T) {
		approvals := int32(4)
		result, err := v.ValidateWithConsensus(context.Background(), &scriptedSubject{approvals: &approvals})
		require.NoError(t, err)

		assert.Equal(t, 4, result.VotesFor)
		assert.True(t, result.ConsensusReached)
	})
}

func TestValidateWithConsensus_UnweightedSmallPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseWeights = false

	v, err := NewValidator(uniformPool(3), cfg, nil, nil)
	require.NoError(t, err)

	approvals := int32(3)
	result, err := v.ValidateWithConsensus(context.Background(), &scriptedSubject{approvals: &approvals})
	require.NoError(t, err)

	// Unanimous agreement clears the percentage bar, but three validators
	// cannot satisfy 3f+1 for f=1
	assert.True(t, result.ConsensusReached)
	assert.False(t, result.BFTQuorumMet)
}

func TestValidateBatch(t *testing.T) {
	v, err := NewValidator(uniformPool(4), DefaultConfig(), nil, nil)
	require.NoError(t, err)

	subjects := []Subject{
		NewPaymentSubject(signedPayment(t, 50_00, 50_00), security.Ed25519Verifier{}),
		NewPaymentSubject(signedPayment(t, 99_00, 50_00), security.Ed25519Verifier{}),
	}

	results, err := v.ValidateBatch(context.Background(), subjects)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].ConsensusReached)
	assert.False(t, results[1].ConsensusReached)
}

func TestGetStats(t *testing.T) {
	v, err := NewValidator(uniformPool(4), DefaultConfig(), nil, nil)
	require.NoError(t, err)

	payment := signedPayment(t, 10_00, 10_00)
	_, err = v.ValidateWithConsensus(context.Background(),
		NewPaymentSubject(payment, security.Ed25519Verifier{}))
	require.NoError(t, err)

	stats := v.GetStats()
	assert.Equal(t, int64(1), stats.RoundsStarted)
	assert.Equal(t, int64(1), stats.RoundsAccepted)
}

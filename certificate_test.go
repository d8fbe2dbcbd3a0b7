package braid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlake/braid"
	"github.com/driftlake/braid/internal/testutil"
)

func TestCertificate_QuorumVerifies(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	header := testutil.MakeHeader(0, 0, nil, nil)
	cert, err := tc.CertifyHeader(header, 0, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, braid.VerificationStateVerifiedDirectly, cert.VerificationState)
	assert.Equal(t, uint64(3), cert.SignedStake(tc.Committee))
	assert.Equal(t, []braid.AuthorityID{0, 1, 2}, cert.Signers())
	assert.True(t, cert.HasSigner(1))
	assert.False(t, cert.HasSigner(3))

	require.NoError(t, cert.Verify(tc.Committee))
}

func TestCertificate_VerifyIsPure(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	cert, err := tc.CertifyHeader(testutil.MakeHeader(1, 0, nil, nil), 0, 1, 2)
	require.NoError(t, err)

	cert.VerificationState = braid.VerificationStateUnverified
	require.NoError(t, cert.Verify(tc.Committee))
	assert.Equal(t, braid.VerificationStateUnverified, cert.VerificationState)
}

func TestCertificate_BelowQuorum(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	cert, err := tc.CertifyHeader(testutil.MakeHeader(0, 0, nil, nil), 0, 1)
	require.NoError(t, err)

	err = cert.Verify(tc.Committee)
	require.Error(t, err)
	var qerr *braid.QuorumError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, uint64(2), qerr.Have)
	assert.Equal(t, uint64(3), qerr.Need)
}

func TestCertificate_TamperedSignature(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	cert, err := tc.CertifyHeader(testutil.MakeHeader(0, 0, nil, nil), 0, 1, 2)
	require.NoError(t, err)

	// Claim a fourth signer that never signed.
	cert.SignedAuthorities |= 1 << 3

	err = cert.Verify(tc.Committee)
	require.Error(t, err)
	var serr *braid.SignatureError
	assert.ErrorAs(t, err, &serr)
}

func TestCertificate_WrongEpoch(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	header := testutil.MakeHeader(0, 0, nil, nil)
	header.Epoch = 9
	header.ComputeDigest()
	cert, err := tc.CertifyHeader(header, 0, 1, 2)
	require.NoError(t, err)

	assert.ErrorIs(t, cert.Verify(tc.Committee), braid.ErrMalformedMessage)
}

func TestCertificate_DigestIndependentOfVoteSubset(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	header := testutil.MakeHeader(2, 0, nil, nil)
	a, err := tc.CertifyHeader(header, 0, 1, 2)
	require.NoError(t, err)
	b, err := tc.CertifyHeader(header, 1, 2, 3)
	require.NoError(t, err)

	// Different quorums over the same header name the same DAG vertex.
	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.SignedAuthorities, b.SignedAuthorities)
}

func TestCertificate_RoundTrip(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	payload := []braid.BatchRef{{Digest: braid.BatchDigest{1}, Worker: 0, Size: 10}}
	cert, err := tc.CertifyHeader(testutil.MakeHeader(0, 0, payload, nil), 0, 1, 2)
	require.NoError(t, err)

	decoded, err := braid.CertificateFromBytes(cert.Bytes())
	require.NoError(t, err)

	// Wire certificates are always unverified until checked locally.
	assert.Equal(t, braid.VerificationStateUnverified, decoded.VerificationState)
	assert.Equal(t, cert.Digest(), decoded.Digest())
	assert.Equal(t, cert.SignedAuthorities, decoded.SignedAuthorities)
	assert.Equal(t, cert.AggregateSignature, decoded.AggregateSignature)
	require.NoError(t, decoded.Verify(tc.Committee))
}

func TestCertificateFromBytes_Malformed(t *testing.T) {
	_, err := braid.CertificateFromBytes(nil)
	assert.ErrorIs(t, err, braid.ErrMalformedMessage)

	_, err = braid.CertificateFromBytes([]byte{7})
	assert.ErrorIs(t, err, braid.ErrMalformedMessage)

	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	cert, err := tc.CertifyHeader(testutil.MakeHeader(0, 0, nil, nil), 0, 1, 2)
	require.NoError(t, err)

	full := cert.Bytes()
	_, err = braid.CertificateFromBytes(full[:len(full)-1])
	assert.ErrorIs(t, err, braid.ErrMalformedMessage)
}

func TestNewCertificate_Invalid(t *testing.T) {
	_, err := braid.NewCertificate(nil, map[braid.AuthorityID][]byte{0: {1}})
	assert.Error(t, err)

	_, err = braid.NewCertificate(testutil.MakeHeader(0, 0, nil, nil), nil)
	assert.Error(t, err)
}

func TestVerificationState_Strings(t *testing.T) {
	assert.Equal(t, "UNVERIFIED", braid.VerificationStateUnverified.String())
	assert.True(t, braid.VerificationStateVerifiedDirectly.Verified())
	assert.True(t, braid.VerificationStateVerifiedIndirectly.Verified())
	assert.False(t, braid.VerificationStateUnverified.Verified())
}

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlake/braid"
)

// certFactory signs headers with a real four-member committee so stored
// certificates decode cleanly.
type certFactory struct {
	signers []*braid.BLSSigner
}

func newCertFactory(t *testing.T) *certFactory {
	t.Helper()
	f := &certFactory{}
	for i := 0; i < 4; i++ {
		kp, err := braid.GenerateKeyPair()
		require.NoError(t, err)
		signer, err := braid.NewBLSSigner(kp)
		require.NoError(t, err)
		f.signers = append(f.signers, signer)
	}
	return f
}

func (f *certFactory) certify(t *testing.T, author braid.AuthorityID, round braid.Round, payload []braid.BatchRef) *braid.Certificate {
	t.Helper()
	header := &braid.Header{
		Author:    author,
		Round:     round,
		CreatedAt: uint64(time.Now().UnixMilli()),
		Payload:   payload,
	}
	if round > 0 {
		header.Parents = []braid.CertificateDigest{{byte(round)}}
	}
	header.ComputeDigest()

	votes := make(map[braid.AuthorityID][]byte)
	for i, signer := range f.signers {
		vote, err := braid.NewVote(header, braid.AuthorityID(i), signer)
		require.NoError(t, err)
		votes[braid.AuthorityID(i)] = vote.Signature
	}
	cert, err := braid.NewCertificate(header, votes)
	require.NoError(t, err)
	return cert
}

func makeBatch(txs ...string) *braid.Batch {
	raw := make([][]byte, len(txs))
	for i, tx := range txs {
		raw[i] = []byte(tx)
	}
	return braid.NewBatch(raw)
}

func TestMemKV_Basics(t *testing.T) {
	kv := NewMemKV()

	_, err := kv.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, kv.Set([]byte("k1"), []byte("v1")))
	value, err := kv.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
	assert.Equal(t, 1, kv.Len())

	// Deleting a missing key is a no-op.
	require.NoError(t, kv.Delete([]byte("k1")))
	require.NoError(t, kv.Delete([]byte("k1")))
	assert.Equal(t, 0, kv.Len())
}

func TestMemKV_ScanOrderAndPrefix(t *testing.T) {
	kv := NewMemKV()
	require.NoError(t, kv.Set([]byte("a:2"), []byte("2")))
	require.NoError(t, kv.Set([]byte("a:1"), []byte("1")))
	require.NoError(t, kv.Set([]byte("b:1"), []byte("x")))

	var keys []string
	require.NoError(t, kv.Scan([]byte("a:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"a:1", "a:2"}, keys)
}

func TestStore_BatchRoundTrip(t *testing.T) {
	s := New(NewMemKV())

	batch := makeBatch("tx1", "tx2", "tx3")
	batch.Metadata.ReceivedAt = 42
	require.NoError(t, s.PutBatch(batch))

	got, err := s.GetBatch(batch.Digest)
	require.NoError(t, err)
	assert.Equal(t, batch.Transactions, got.Transactions)
	assert.Equal(t, batch.Metadata.ReceivedAt, got.Metadata.ReceivedAt)
	assert.True(t, s.HasBatch(batch.Digest))

	_, err = s.GetBatch(braid.BatchDigest{0xde})
	assert.ErrorIs(t, err, braid.ErrNotFound)
	assert.False(t, s.HasBatch(braid.BatchDigest{0xde}))
}

func TestStore_HeaderRoundTrip(t *testing.T) {
	s := New(NewMemKV())

	header := &braid.Header{
		Author:    1,
		Round:     3,
		CreatedAt: 1700000000000,
		Payload:   []braid.BatchRef{{Digest: braid.BatchDigest{1}, Size: 10}},
		Parents:   []braid.CertificateDigest{{2}},
	}
	header.ComputeDigest()
	require.NoError(t, s.PutHeader(header))

	got, err := s.GetHeader(header.Digest)
	require.NoError(t, err)
	assert.Equal(t, header, got)

	_, err = s.GetHeader(braid.HeaderDigest{0xde})
	assert.ErrorIs(t, err, braid.ErrNotFound)
}

func TestStore_CertificateRoundTrip(t *testing.T) {
	f := newCertFactory(t)
	s := New(NewMemKV())

	cert := f.certify(t, 0, 0, nil)
	cert.VerificationState = braid.VerificationStateVerifiedDirectly
	require.NoError(t, s.PutCertificate(cert))

	got, err := s.GetCertificate(cert.Digest())
	require.NoError(t, err)
	assert.Equal(t, cert.Digest(), got.Digest())
	assert.Equal(t, cert.SignedAuthorities, got.SignedAuthorities)
	// Verification state never persists.
	assert.Equal(t, braid.VerificationStateUnverified, got.VerificationState)

	_, err = s.GetCertificate(braid.CertificateDigest{0xde})
	assert.ErrorIs(t, err, braid.ErrNotFound)
}

func TestStore_RoundIndex(t *testing.T) {
	f := newCertFactory(t)
	s := New(NewMemKV())

	c00 := f.certify(t, 0, 0, nil)
	c01 := f.certify(t, 1, 0, nil)
	c1 := f.certify(t, 0, 1, nil)
	c3 := f.certify(t, 0, 3, nil)
	for _, cert := range []*braid.Certificate{c3, c00, c1, c01} {
		require.NoError(t, s.PutCertificate(cert))
	}

	round0, err := s.CertificatesForRound(0)
	require.NoError(t, err)
	assert.Len(t, round0, 2)

	empty, err := s.CertificatesForRound(2)
	require.NoError(t, err)
	assert.Empty(t, empty)

	ranged, err := s.CertificatesInRange(0, 3)
	require.NoError(t, err)
	require.Len(t, ranged, 4)
	// Ascending by round.
	assert.Equal(t, braid.Round(0), ranged[0].Round())
	assert.Equal(t, braid.Round(3), ranged[3].Round())
}

func TestStore_HighestRound(t *testing.T) {
	f := newCertFactory(t)
	s := New(NewMemKV())

	_, err := s.HighestRound()
	assert.ErrorIs(t, err, braid.ErrNotFound)

	require.NoError(t, s.PutCertificate(f.certify(t, 0, 5, nil)))
	round, err := s.HighestRound()
	require.NoError(t, err)
	assert.Equal(t, braid.Round(5), round)

	// A lower round never regresses the marker.
	require.NoError(t, s.PutCertificate(f.certify(t, 0, 2, nil)))
	round, err = s.HighestRound()
	require.NoError(t, err)
	assert.Equal(t, braid.Round(5), round)
}

func TestStore_DeleteRoundsBelow(t *testing.T) {
	f := newCertFactory(t)
	s := New(NewMemKV())

	oldBatch := makeBatch("old")
	newBatch := makeBatch("new")
	require.NoError(t, s.PutBatch(oldBatch))
	require.NoError(t, s.PutBatch(newBatch))

	oldCert := f.certify(t, 0, 0, []braid.BatchRef{{Digest: oldBatch.Digest, Size: 3}})
	newCert := f.certify(t, 0, 2, []braid.BatchRef{{Digest: newBatch.Digest, Size: 3}})
	require.NoError(t, s.PutCertificate(oldCert))
	require.NoError(t, s.PutCertificate(newCert))
	require.NoError(t, s.PutHeader(oldCert.Header))
	require.NoError(t, s.PutHeader(newCert.Header))

	require.NoError(t, s.DeleteRoundsBelow(2, nil))

	_, err := s.GetCertificate(oldCert.Digest())
	assert.ErrorIs(t, err, braid.ErrNotFound)
	_, err = s.GetHeader(oldCert.Header.Digest)
	assert.ErrorIs(t, err, braid.ErrNotFound)
	assert.False(t, s.HasBatch(oldBatch.Digest))

	_, err = s.GetCertificate(newCert.Digest())
	assert.NoError(t, err)
	assert.True(t, s.HasBatch(newBatch.Digest))

	round0, err := s.CertificatesForRound(0)
	require.NoError(t, err)
	assert.Empty(t, round0)
}

func TestStore_DeleteRoundsBelow_KeepBatch(t *testing.T) {
	f := newCertFactory(t)
	s := New(NewMemKV())

	pinned := makeBatch("pinned")
	require.NoError(t, s.PutBatch(pinned))

	cert := f.certify(t, 0, 0, []braid.BatchRef{{Digest: pinned.Digest, Size: 6}})
	require.NoError(t, s.PutCertificate(cert))

	keep := func(digest braid.BatchDigest) bool { return digest == pinned.Digest }
	require.NoError(t, s.DeleteRoundsBelow(5, keep))

	assert.True(t, s.HasBatch(pinned.Digest))
	_, err := s.GetCertificate(cert.Digest())
	assert.ErrorIs(t, err, braid.ErrNotFound)
}

func TestPebbleKV_RoundTrip(t *testing.T) {
	kv, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	_, err = kv.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, kv.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, kv.Set([]byte("k2"), []byte("v2")))

	value, err := kv.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	require.NoError(t, kv.Delete([]byte("k1")))
	_, err = kv.Get([]byte("k1"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPebbleKV_Scan(t *testing.T) {
	kv, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Set([]byte("p:b"), []byte("2")))
	require.NoError(t, kv.Set([]byte("p:a"), []byte("1")))
	require.NoError(t, kv.Set([]byte("q:a"), []byte("x")))

	var keys []string
	require.NoError(t, kv.Scan([]byte("p:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"p:a", "p:b"}, keys)
}

func TestPebbleKV_StoreIntegration(t *testing.T) {
	kv, err := OpenPebble(t.TempDir())
	require.NoError(t, err)

	s := New(kv)
	defer s.Close()

	batch := makeBatch("tx1", "tx2")
	require.NoError(t, s.PutBatch(batch))

	got, err := s.GetBatch(batch.Digest)
	require.NoError(t, err)
	assert.Equal(t, batch.Transactions, got.Transactions)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte{'c'}, prefixUpperBound([]byte{'b'}))
	assert.Equal(t, []byte{'b', 0x01}, prefixUpperBound([]byte{'b', 0x00}))
	// A prefix of all 0xff bytes has no upper bound.
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}

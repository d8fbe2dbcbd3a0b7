package braid_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlake/braid"
	"github.com/driftlake/braid/internal/testutil"
)

func newValidator(t *testing.T) (*braid.Validator, *testutil.TestCommittee) {
	t.Helper()
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	return braid.NewValidator(braid.DefaultValidationConfig(), tc.Committee), tc
}

func TestValidator_Batch(t *testing.T) {
	v, _ := newValidator(t)

	assert.ErrorIs(t, v.ValidateBatch(nil), braid.ErrMalformedMessage)
	assert.ErrorIs(t, v.ValidateBatch(braid.NewBatch(nil)), braid.ErrMalformedMessage)

	good := testutil.MakeBatch("tx1", "tx2")
	assert.NoError(t, v.ValidateBatch(good))

	tampered := testutil.MakeBatch("tx1")
	tampered.Transactions[0] = []byte("tx2")
	assert.ErrorIs(t, v.ValidateBatch(tampered), braid.ErrMalformedMessage)
}

func TestValidator_BatchLimits(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	cfg := braid.DefaultValidationConfig()
	cfg.MaxTransactionsPerBatch = 2
	cfg.MaxTransactionSize = 4
	cfg.MaxBatchSize = 6
	v := braid.NewValidator(cfg, tc.Committee)

	assert.ErrorIs(t, v.ValidateBatch(testutil.MakeBatch("a", "b", "c")), braid.ErrMalformedMessage)
	assert.ErrorIs(t, v.ValidateBatch(testutil.MakeBatch("abcde")), braid.ErrMalformedMessage)
	assert.ErrorIs(t, v.ValidateBatch(testutil.MakeBatch("abcd", "efg")), braid.ErrMalformedMessage)
	assert.NoError(t, v.ValidateBatch(testutil.MakeBatch("ab", "cd")))
}

func TestValidator_Header(t *testing.T) {
	v, _ := newValidator(t)

	t.Run("valid genesis", func(t *testing.T) {
		header := testutil.MakeHeader(0, 0, nil, nil)
		assert.NoError(t, v.ValidateHeader(header, 0))
	})

	t.Run("unknown author", func(t *testing.T) {
		header := testutil.MakeHeader(9, 0, nil, nil)
		assert.ErrorIs(t, v.ValidateHeader(header, 0), braid.ErrMalformedMessage)
	})

	t.Run("wrong epoch", func(t *testing.T) {
		header := testutil.MakeHeader(0, 0, nil, nil)
		header.Epoch = 3
		header.ComputeDigest()
		assert.ErrorIs(t, v.ValidateHeader(header, 0), braid.ErrMalformedMessage)
	})

	t.Run("tampered digest", func(t *testing.T) {
		header := testutil.MakeHeader(0, 0, nil, nil)
		header.Round = 1
		assert.ErrorIs(t, v.ValidateHeader(header, 1), braid.ErrMalformedMessage)
	})

	t.Run("round too far ahead", func(t *testing.T) {
		header := testutil.MakeHeader(0, 200, nil, []braid.CertificateDigest{{1}})
		assert.ErrorIs(t, v.ValidateHeader(header, 0), braid.ErrMalformedMessage)
	})

	t.Run("future timestamp", func(t *testing.T) {
		header := testutil.MakeHeader(0, 0, nil, nil)
		header.CreatedAt = uint64(time.Now().Add(5 * time.Minute).UnixMilli())
		header.ComputeDigest()
		assert.ErrorIs(t, v.ValidateHeader(header, 0), braid.ErrMalformedMessage)
	})

	t.Run("non-genesis without parents", func(t *testing.T) {
		header := testutil.MakeHeader(0, 1, nil, nil)
		assert.ErrorIs(t, v.ValidateHeader(header, 1), braid.ErrMalformedMessage)
	})

	t.Run("genesis with parents", func(t *testing.T) {
		header := testutil.MakeHeader(0, 0, nil, []braid.CertificateDigest{{1}})
		assert.ErrorIs(t, v.ValidateHeader(header, 0), braid.ErrMalformedMessage)
	})

	t.Run("duplicate payload ref", func(t *testing.T) {
		payload := []braid.BatchRef{
			{Digest: braid.BatchDigest{1}, Size: 1},
			{Digest: braid.BatchDigest{1}, Size: 1},
		}
		header := testutil.MakeHeader(0, 0, payload, nil)
		assert.ErrorIs(t, v.ValidateHeader(header, 0), braid.ErrMalformedMessage)
	})

	t.Run("duplicate parent", func(t *testing.T) {
		parents := []braid.CertificateDigest{{1}, {1}}
		header := testutil.MakeHeader(0, 1, nil, parents)
		assert.ErrorIs(t, v.ValidateHeader(header, 1), braid.ErrMalformedMessage)
	})
}

func TestValidator_Certificate(t *testing.T) {
	v, tc := newValidator(t)

	assert.ErrorIs(t, v.ValidateCertificate(nil, 0), braid.ErrMalformedMessage)
	assert.ErrorIs(t, v.ValidateCertificate(&braid.Certificate{}, 0), braid.ErrMalformedMessage)

	good, err := tc.CertifyHeader(testutil.MakeHeader(0, 0, nil, nil), 0, 1, 2)
	require.NoError(t, err)
	assert.NoError(t, v.ValidateCertificate(good, 0))

	t.Run("below quorum", func(t *testing.T) {
		weak, err := tc.CertifyHeader(testutil.MakeHeader(1, 0, nil, nil), 0, 1)
		require.NoError(t, err)

		err = v.ValidateCertificate(weak, 0)
		require.Error(t, err)
		var qerr *braid.QuorumError
		assert.ErrorAs(t, err, &qerr)
	})

	t.Run("missing signature", func(t *testing.T) {
		stripped, err := tc.CertifyHeader(testutil.MakeHeader(2, 0, nil, nil), 0, 1, 2)
		require.NoError(t, err)
		stripped.AggregateSignature = nil

		assert.ErrorIs(t, v.ValidateCertificate(stripped, 0), braid.ErrMalformedMessage)
	})
}

func TestValidator_Vote(t *testing.T) {
	v, tc := newValidator(t)

	header := testutil.MakeHeader(0, 0, nil, nil)
	vote, err := braid.NewVote(header, 1, tc.Signers[1])
	require.NoError(t, err)
	assert.NoError(t, v.ValidateVote(vote))

	assert.ErrorIs(t, v.ValidateVote(nil), braid.ErrMalformedMessage)

	t.Run("unknown voter", func(t *testing.T) {
		bad := *vote
		bad.Voter = 9
		assert.ErrorIs(t, v.ValidateVote(&bad), braid.ErrMalformedMessage)
	})

	t.Run("unknown author", func(t *testing.T) {
		bad := *vote
		bad.HeaderAuthor = 9
		assert.ErrorIs(t, v.ValidateVote(&bad), braid.ErrMalformedMessage)
	})

	t.Run("missing signature", func(t *testing.T) {
		bad := *vote
		bad.Signature = nil
		assert.ErrorIs(t, v.ValidateVote(&bad), braid.ErrMalformedMessage)
	})
}

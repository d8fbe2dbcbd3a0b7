package braid

import (
	"fmt"
	"time"
)

// DoS limits for inbound messages. Overridable via ValidationConfig.
const (
	// DefaultMaxPayloadRefs caps batch references per header.
	DefaultMaxPayloadRefs = 1000

	// DefaultMaxParents caps parent digests per header. Effectively
	// bounded by committee size, enforced anyway.
	DefaultMaxParents = MaxCommitteeSize

	// DefaultMaxTransactionsPerBatch caps transactions in one batch.
	DefaultMaxTransactionsPerBatch = 10000

	// DefaultMaxTransactionSize caps a single transaction.
	DefaultMaxTransactionSize = 1024 * 1024 // 1 MB

	// DefaultMaxBatchSize caps a batch's total payload.
	DefaultMaxBatchSize = 32 * 1024 * 1024 // 32 MB

	// DefaultMaxRoundSkip caps how far ahead of the local round a header
	// or certificate may claim to be.
	DefaultMaxRoundSkip = 100

	// DefaultMaxTimestampDrift caps how far in the future a created-at
	// timestamp may lie.
	DefaultMaxTimestampDrift = 60 * time.Second
)

// ValidationConfig configures structural validation limits.
type ValidationConfig struct {
	MaxPayloadRefs          int
	MaxParents              int
	MaxTransactionsPerBatch int
	MaxTransactionSize      int
	MaxBatchSize            int
	MaxRoundSkip            uint64
	MaxTimestampDrift       time.Duration
}

// DefaultValidationConfig returns the default limits.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxPayloadRefs:          DefaultMaxPayloadRefs,
		MaxParents:              DefaultMaxParents,
		MaxTransactionsPerBatch: DefaultMaxTransactionsPerBatch,
		MaxTransactionSize:      DefaultMaxTransactionSize,
		MaxBatchSize:            DefaultMaxBatchSize,
		MaxRoundSkip:            DefaultMaxRoundSkip,
		MaxTimestampDrift:       DefaultMaxTimestampDrift,
	}
}

// Validator performs structural validation of inbound messages before any
// cryptographic work. All methods are safe for concurrent use; failures
// wrap ErrMalformedMessage so callers can drop the input uniformly.
type Validator struct {
	cfg       ValidationConfig
	committee *Committee
}

// NewValidator creates a Validator.
func NewValidator(cfg ValidationConfig, committee *Committee) *Validator {
	return &Validator{cfg: cfg, committee: committee}
}

// ValidateBatch checks a batch's structure, limits and content digest.
func (v *Validator) ValidateBatch(batch *Batch) error {
	if batch == nil {
		return fmt.Errorf("%w: nil batch", ErrMalformedMessage)
	}
	if len(batch.Transactions) == 0 {
		return fmt.Errorf("%w: empty batch", ErrMalformedMessage)
	}
	if len(batch.Transactions) > v.cfg.MaxTransactionsPerBatch {
		return fmt.Errorf("%w: %d transactions exceeds limit %d",
			ErrMalformedMessage, len(batch.Transactions), v.cfg.MaxTransactionsPerBatch)
	}

	total := 0
	for i, tx := range batch.Transactions {
		if len(tx) > v.cfg.MaxTransactionSize {
			return fmt.Errorf("%w: transaction %d is %d bytes, limit %d",
				ErrMalformedMessage, i, len(tx), v.cfg.MaxTransactionSize)
		}
		total += len(tx)
	}
	if total > v.cfg.MaxBatchSize {
		return fmt.Errorf("%w: batch payload %d bytes exceeds limit %d",
			ErrMalformedMessage, total, v.cfg.MaxBatchSize)
	}

	return batch.VerifyDigest()
}

// ValidateHeader checks a header's structure against the committee and the
// local round. Parent resolution and stake checks happen later in the DAG.
func (v *Validator) ValidateHeader(header *Header, currentRound Round) error {
	if header == nil {
		return fmt.Errorf("%w: nil header", ErrMalformedMessage)
	}
	if !v.committee.Contains(header.Author) {
		return fmt.Errorf("%w: author %d not in committee",
			ErrMalformedMessage, header.Author)
	}
	if header.Epoch != v.committee.Epoch() {
		return fmt.Errorf("%w: header epoch %d, committee epoch %d",
			ErrMalformedMessage, header.Epoch, v.committee.Epoch())
	}
	if err := header.VerifyDigest(); err != nil {
		return err
	}
	if header.Round > currentRound+v.cfg.MaxRoundSkip {
		return fmt.Errorf("%w: header round %d too far ahead of %d",
			ErrMalformedMessage, header.Round, currentRound)
	}

	created := time.UnixMilli(int64(header.CreatedAt))
	if created.After(time.Now().Add(v.cfg.MaxTimestampDrift)) {
		return fmt.Errorf("%w: header timestamp too far in the future",
			ErrMalformedMessage)
	}

	if len(header.Payload) > v.cfg.MaxPayloadRefs {
		return fmt.Errorf("%w: %d payload refs exceeds limit %d",
			ErrMalformedMessage, len(header.Payload), v.cfg.MaxPayloadRefs)
	}
	if len(header.Parents) > v.cfg.MaxParents {
		return fmt.Errorf("%w: %d parents exceeds limit %d",
			ErrMalformedMessage, len(header.Parents), v.cfg.MaxParents)
	}
	if header.Round > 0 && len(header.Parents) == 0 {
		return fmt.Errorf("%w: non-genesis header without parents",
			ErrMalformedMessage)
	}
	if header.Round == 0 && len(header.Parents) > 0 {
		return fmt.Errorf("%w: genesis header with parents", ErrMalformedMessage)
	}

	seenRefs := make(map[BatchDigest]struct{}, len(header.Payload))
	for _, ref := range header.Payload {
		if _, dup := seenRefs[ref.Digest]; dup {
			return fmt.Errorf("%w: duplicate payload ref %s",
				ErrMalformedMessage, ref.Digest)
		}
		seenRefs[ref.Digest] = struct{}{}
	}

	seenParents := make(map[CertificateDigest]struct{}, len(header.Parents))
	for _, parent := range header.Parents {
		if _, dup := seenParents[parent]; dup {
			return fmt.Errorf("%w: duplicate parent %s", ErrMalformedMessage, parent)
		}
		seenParents[parent] = struct{}{}
	}

	return nil
}

// ValidateCertificate checks a certificate's structure and quorum stake.
// Signature verification is separate (Certificate.Verify); this gate is
// cheap and runs first.
func (v *Validator) ValidateCertificate(cert *Certificate, currentRound Round) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrMalformedMessage)
	}
	if cert.Header == nil {
		return fmt.Errorf("%w: certificate without header", ErrMalformedMessage)
	}
	if err := v.ValidateHeader(cert.Header, currentRound); err != nil {
		return fmt.Errorf("invalid certificate header: %w", err)
	}

	stake := cert.SignedStake(v.committee)
	if quorum := v.committee.QuorumThreshold(); stake < quorum {
		return &QuorumError{Have: stake, Need: quorum}
	}
	if len(cert.AggregateSignature) == 0 {
		return fmt.Errorf("%w: certificate without signature", ErrMalformedMessage)
	}

	return nil
}

// ValidateVote checks a vote's structure. Signature verification happens
// in the aggregator.
func (v *Validator) ValidateVote(vote *Vote) error {
	if vote == nil {
		return fmt.Errorf("%w: nil vote", ErrMalformedMessage)
	}
	if !v.committee.Contains(vote.Voter) {
		return fmt.Errorf("%w: voter %d not in committee",
			ErrMalformedMessage, vote.Voter)
	}
	if !v.committee.Contains(vote.HeaderAuthor) {
		return fmt.Errorf("%w: header author %d not in committee",
			ErrMalformedMessage, vote.HeaderAuthor)
	}
	if len(vote.Signature) == 0 {
		return fmt.Errorf("%w: vote without signature", ErrMalformedMessage)
	}
	return nil
}

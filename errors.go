package braid

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. Callers match them with
// errors.Is.
var (
	// ErrNotFound reports a digest with no corresponding entry in storage
	// or the DAG.
	ErrNotFound = errors.New("not found")

	// ErrMalformedMessage reports input that failed structural validation:
	// unknown version tags, truncated encodings, or fields outside the
	// configured limits. Malformed input is dropped, never partially
	// applied.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrClosed reports an operation on a stopped component.
	ErrClosed = errors.New("closed")
)

// SignatureError reports a vote or certificate whose signature did not
// verify against the committee's keys.
type SignatureError struct {
	Voter AuthorityID
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid signature from authority %d", e.Voter)
}

// EquivocationError reports two distinct headers from the same author at
// the same round. The offender is identified; the conflicting digests are
// kept for evidence.
type EquivocationError struct {
	Author      AuthorityID
	Round       Round
	Existing    HeaderDigest
	Conflicting HeaderDigest
}

func (e *EquivocationError) Error() string {
	return fmt.Sprintf("equivocation by authority %d at round %d: %s vs %s",
		e.Author, e.Round, e.Existing, e.Conflicting)
}

// QuorumError reports a certificate whose signer set does not reach the
// committee's quorum threshold.
type QuorumError struct {
	Have uint64
	Need uint64
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("insufficient stake: have %d, need %d", e.Have, e.Need)
}

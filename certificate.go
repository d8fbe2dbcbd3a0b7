package braid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"
)

// CertificateVersion tags the certificate wire encoding.
type CertificateVersion uint8

// CertificateVersionV2 is the current encoding: header, signer bitmap, and
// a single aggregated BLS signature. V1 (per-signer signature list) is no
// longer produced or accepted.
const CertificateVersionV2 CertificateVersion = 2

// SignatureVerificationState tracks whether a certificate's aggregate
// signature has been checked locally. It is bookkeeping, never serialized:
// a certificate arriving off the wire is always Unverified.
type SignatureVerificationState uint8

const (
	// VerificationStateUnverified marks a certificate whose aggregate
	// signature has not been checked by this node.
	VerificationStateUnverified SignatureVerificationState = iota

	// VerificationStateVerifiedDirectly marks a certificate whose
	// aggregate signature this node checked, or that this node built
	// from individually verified votes.
	VerificationStateVerifiedDirectly

	// VerificationStateVerifiedIndirectly marks a certificate accepted
	// because a directly verified certificate references it as an
	// ancestor; quorum intersection vouches for it transitively.
	VerificationStateVerifiedIndirectly
)

func (s SignatureVerificationState) String() string {
	switch s {
	case VerificationStateUnverified:
		return "UNVERIFIED"
	case VerificationStateVerifiedDirectly:
		return "VERIFIED_DIRECTLY"
	case VerificationStateVerifiedIndirectly:
		return "VERIFIED_INDIRECTLY"
	default:
		return "UNKNOWN"
	}
}

// Verified reports whether the state counts as verified by either path.
func (s SignatureVerificationState) Verified() bool {
	return s == VerificationStateVerifiedDirectly ||
		s == VerificationStateVerifiedIndirectly
}

// Certificate proves that a quorum of stake endorsed a header. The
// aggregate signature is the sum of the signers' vote signatures over the
// header digest; SignedAuthorities names them by committee index.
type Certificate struct {
	Header             *Header
	AggregateSignature []byte
	SignedAuthorities  uint64 // bitmap over committee indices

	// VerificationState is local bookkeeping, see the type doc.
	VerificationState SignatureVerificationState
}

// NewCertificate aggregates a set of verified votes over a header into a
// certificate. The caller is responsible for having verified each vote
// signature; the result is marked VerifiedDirectly.
func NewCertificate(header *Header, votes map[AuthorityID][]byte) (*Certificate, error) {
	if header == nil {
		return nil, fmt.Errorf("nil header")
	}
	if len(votes) == 0 {
		return nil, fmt.Errorf("no votes")
	}

	// Deterministic signer order keeps aggregation reproducible.
	signers := make([]AuthorityID, 0, len(votes))
	for id := range votes {
		if id >= MaxCommitteeSize {
			return nil, fmt.Errorf("authority %d exceeds bitmap capacity", id)
		}
		signers = append(signers, id)
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })

	var bitmap uint64
	sigs := make([][]byte, 0, len(signers))
	for _, id := range signers {
		bitmap |= 1 << id
		sigs = append(sigs, votes[id])
	}

	aggSig, err := AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate votes: %w", err)
	}

	return &Certificate{
		Header:             header,
		AggregateSignature: aggSig,
		SignedAuthorities:  bitmap,
		VerificationState:  VerificationStateVerifiedDirectly,
	}, nil
}

// Digest identifies the certificate. It is derived from the header digest,
// so certificates built from different vote subsets over the same header
// coincide.
func (c *Certificate) Digest() CertificateDigest {
	return CertificateDigest(c.Header.Digest)
}

// Round returns the certified header's round.
func (c *Certificate) Round() Round { return c.Header.Round }

// Author returns the certified header's author.
func (c *Certificate) Author() AuthorityID { return c.Header.Author }

// Epoch returns the certified header's epoch.
func (c *Certificate) Epoch() Epoch { return c.Header.Epoch }

// HasSigner reports whether an authority is in the signer set.
func (c *Certificate) HasSigner(id AuthorityID) bool {
	if id >= MaxCommitteeSize {
		return false
	}
	return c.SignedAuthorities&(1<<id) != 0
}

// Signers returns the signer set in ascending committee order.
func (c *Certificate) Signers() []AuthorityID {
	out := make([]AuthorityID, 0, bits.OnesCount64(c.SignedAuthorities))
	bitmap := c.SignedAuthorities
	for bitmap != 0 {
		i := bits.TrailingZeros64(bitmap)
		bitmap &^= 1 << i
		out = append(out, AuthorityID(i))
	}
	return out
}

// SignedStake returns the combined stake of the signer set.
func (c *Certificate) SignedStake(committee *Committee) uint64 {
	return committee.StakeOfBitmap(c.SignedAuthorities)
}

// Verify checks the certificate against a committee: the signer set must
// reach the quorum threshold and the aggregate signature must verify over
// the header digest. Verify is pure; it never mutates VerificationState.
// Callers record the outcome themselves so the two verification paths
// (direct and indirect) stay explicit.
func (c *Certificate) Verify(committee *Committee) error {
	if c.Header == nil {
		return fmt.Errorf("%w: certificate without header", ErrMalformedMessage)
	}
	if c.Header.Epoch != committee.Epoch() {
		return fmt.Errorf("%w: certificate epoch %d, committee epoch %d",
			ErrMalformedMessage, c.Header.Epoch, committee.Epoch())
	}

	stake := c.SignedStake(committee)
	if quorum := committee.QuorumThreshold(); stake < quorum {
		return &QuorumError{Have: stake, Need: quorum}
	}

	pubKeys := make([]*PublicKey, 0, bits.OnesCount64(c.SignedAuthorities))
	for _, id := range c.Signers() {
		pk, err := committee.PublicKey(id)
		if err != nil {
			return fmt.Errorf("signer %d not in committee: %w", id, err)
		}
		pubKeys = append(pubKeys, pk)
	}

	if !VerifyAggregate(pubKeys, c.Header.Digest.Bytes(), c.AggregateSignature) {
		return &SignatureError{Voter: c.Header.Author}
	}
	return nil
}

// Bytes serializes the certificate.
//
// [version:1][headerLen:4][header][bitmap:8][sigLen:2][signature]
func (c *Certificate) Bytes() []byte {
	headerBytes := c.Header.Bytes()

	var buf bytes.Buffer
	var u64 [8]byte
	var u32 [4]byte
	var u16 [2]byte

	buf.WriteByte(byte(CertificateVersionV2))
	binary.BigEndian.PutUint32(u32[:], uint32(len(headerBytes)))
	buf.Write(u32[:])
	buf.Write(headerBytes)
	binary.BigEndian.PutUint64(u64[:], c.SignedAuthorities)
	buf.Write(u64[:])
	binary.BigEndian.PutUint16(u16[:], uint16(len(c.AggregateSignature)))
	buf.Write(u16[:])
	buf.Write(c.AggregateSignature)

	return buf.Bytes()
}

// CertificateFromBytes deserializes a certificate. The result is
// Unverified regardless of what the sender claimed.
func CertificateFromBytes(data []byte) (*Certificate, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty certificate", ErrMalformedMessage)
	}
	if CertificateVersion(data[0]) != CertificateVersionV2 {
		return nil, fmt.Errorf("%w: unknown certificate version %d",
			ErrMalformedMessage, data[0])
	}
	offset := 1

	if len(data) < offset+4 {
		return nil, fmt.Errorf("%w: certificate truncated", ErrMalformedMessage)
	}
	headerLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if headerLen < 0 || len(data) < offset+headerLen {
		return nil, fmt.Errorf("%w: certificate truncated", ErrMalformedMessage)
	}
	header, err := HeaderFromBytes(data[offset : offset+headerLen])
	if err != nil {
		return nil, fmt.Errorf("invalid certificate header: %w", err)
	}
	offset += headerLen

	if len(data) < offset+10 {
		return nil, fmt.Errorf("%w: certificate truncated", ErrMalformedMessage)
	}
	bitmap := binary.BigEndian.Uint64(data[offset:])
	offset += 8
	sigLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if len(data) < offset+sigLen {
		return nil, fmt.Errorf("%w: certificate truncated", ErrMalformedMessage)
	}
	sig := make([]byte, sigLen)
	copy(sig, data[offset:offset+sigLen])

	return &Certificate{
		Header:             header,
		AggregateSignature: sig,
		SignedAuthorities:  bitmap,
		VerificationState:  VerificationStateUnverified,
	}, nil
}

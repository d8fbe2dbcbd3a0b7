package braid

import (
	"encoding/binary"
	"fmt"
)

// Vote is one authority's signed endorsement of a header. The signature
// covers the header digest, so aggregated vote signatures form the
// certificate's aggregate signature directly.
type Vote struct {
	HeaderDigest HeaderDigest
	HeaderAuthor AuthorityID
	Round        Round
	Epoch        Epoch
	Voter        AuthorityID
	Signature    []byte
}

// NewVote signs a header on behalf of voter.
func NewVote(header *Header, voter AuthorityID, signer Signer) (*Vote, error) {
	sig, err := signer.Sign(header.Digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign header: %w", err)
	}
	return &Vote{
		HeaderDigest: header.Digest,
		HeaderAuthor: header.Author,
		Round:        header.Round,
		Epoch:        header.Epoch,
		Voter:        voter,
		Signature:    sig,
	}, nil
}

// Verify checks the vote signature against the voter's public key.
func (v *Vote) Verify(pubKey *PublicKey) bool {
	return pubKey.Verify(v.HeaderDigest.Bytes(), v.Signature)
}

// Bytes serializes the vote.
//
// [digest:32][author:2][round:8][epoch:8][voter:2][sigLen:2][signature]
func (v *Vote) Bytes() []byte {
	buf := make([]byte, DigestSize+2+8+8+2+2+len(v.Signature))
	offset := 0

	copy(buf[offset:], v.HeaderDigest[:])
	offset += DigestSize
	binary.BigEndian.PutUint16(buf[offset:], v.HeaderAuthor)
	offset += 2
	binary.BigEndian.PutUint64(buf[offset:], v.Round)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], v.Epoch)
	offset += 8
	binary.BigEndian.PutUint16(buf[offset:], v.Voter)
	offset += 2
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(v.Signature)))
	offset += 2
	copy(buf[offset:], v.Signature)

	return buf
}

// VoteFromBytes deserializes a vote.
func VoteFromBytes(data []byte) (*Vote, error) {
	const fixed = DigestSize + 2 + 8 + 8 + 2 + 2
	if len(data) < fixed {
		return nil, fmt.Errorf("%w: vote truncated", ErrMalformedMessage)
	}
	offset := 0

	v := &Vote{}
	copy(v.HeaderDigest[:], data[offset:offset+DigestSize])
	offset += DigestSize
	v.HeaderAuthor = binary.BigEndian.Uint16(data[offset:])
	offset += 2
	v.Round = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	v.Epoch = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	v.Voter = binary.BigEndian.Uint16(data[offset:])
	offset += 2
	sigLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if len(data) < offset+sigLen {
		return nil, fmt.Errorf("%w: vote signature truncated", ErrMalformedMessage)
	}
	v.Signature = make([]byte, sigLen)
	copy(v.Signature, data[offset:offset+sigLen])

	return v, nil
}

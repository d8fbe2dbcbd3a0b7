package braid

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderVersion tags the header wire encoding.
type HeaderVersion uint8

// HeaderVersionV1 is the only header encoding.
const HeaderVersionV1 HeaderVersion = 1

// BatchRef binds a batch into a header: the content digest, the worker that
// holds the batch, and the payload size for bandwidth accounting.
type BatchRef struct {
	Digest BatchDigest
	Worker WorkerID
	Size   uint32
}

// Header is an authority's proposal for one round: the batch digests it
// vouches for plus a quorum of parent certificates from the previous round.
// Round 0 headers have no parents.
type Header struct {
	Author    AuthorityID
	Round     Round
	Epoch     Epoch
	CreatedAt uint64 // unix ms
	Payload   []BatchRef
	Parents   []CertificateDigest

	// Digest is the cached digest of the fields above; filled by
	// ComputeDigest. Votes sign these bytes.
	Digest HeaderDigest
}

// signedBytes returns the canonical byte image the digest (and thus every
// vote) covers.
func (h *Header) signedBytes() []byte {
	var buf bytes.Buffer
	var u64 [8]byte
	var u32 [4]byte
	var u16 [2]byte

	binary.BigEndian.PutUint16(u16[:], h.Author)
	buf.Write(u16[:])
	binary.BigEndian.PutUint64(u64[:], h.Round)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], h.Epoch)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], h.CreatedAt)
	buf.Write(u64[:])

	binary.BigEndian.PutUint32(u32[:], uint32(len(h.Payload)))
	buf.Write(u32[:])
	for _, ref := range h.Payload {
		buf.Write(ref.Digest[:])
		binary.BigEndian.PutUint16(u16[:], ref.Worker)
		buf.Write(u16[:])
		binary.BigEndian.PutUint32(u32[:], ref.Size)
		buf.Write(u32[:])
	}

	binary.BigEndian.PutUint32(u32[:], uint32(len(h.Parents)))
	buf.Write(u32[:])
	for _, parent := range h.Parents {
		buf.Write(parent[:])
	}

	return buf.Bytes()
}

// ComputeDigest fills the cached header digest.
func (h *Header) ComputeDigest() {
	h.Digest = HeaderDigest(digestSum(headerDigestDomain, h.signedBytes()))
}

// VerifyDigest recomputes the digest and compares it with the cached one.
func (h *Header) VerifyDigest() error {
	want := HeaderDigest(digestSum(headerDigestDomain, h.signedBytes()))
	if h.Digest != want {
		return fmt.Errorf("%w: header digest mismatch: claimed %s, computed %s",
			ErrMalformedMessage, h.Digest, want)
	}
	return nil
}

// Bytes serializes the header.
//
// [version:1][author:2][round:8][epoch:8][createdAt:8]
// [payloadCount:4]{[digest:32][worker:2][size:4]}*
// [parentCount:4]{[digest:32]}*
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(HeaderVersionV1))
	buf.Write(h.signedBytes())
	return buf.Bytes()
}

// HeaderFromBytes deserializes a header and recomputes its digest.
func HeaderFromBytes(data []byte) (*Header, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty header", ErrMalformedMessage)
	}
	if HeaderVersion(data[0]) != HeaderVersionV1 {
		return nil, fmt.Errorf("%w: unknown header version %d",
			ErrMalformedMessage, data[0])
	}
	offset := 1

	if len(data) < offset+2+8+8+8+4 {
		return nil, fmt.Errorf("%w: header truncated", ErrMalformedMessage)
	}

	h := &Header{}
	h.Author = binary.BigEndian.Uint16(data[offset:])
	offset += 2
	h.Round = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	h.Epoch = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	h.CreatedAt = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	payloadCount := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	const refSize = DigestSize + 2 + 4
	if payloadCount < 0 || payloadCount > (len(data)-offset)/refSize {
		return nil, fmt.Errorf("%w: header payload count %d exceeds data",
			ErrMalformedMessage, payloadCount)
	}
	h.Payload = make([]BatchRef, 0, payloadCount)
	for i := 0; i < payloadCount; i++ {
		var ref BatchRef
		copy(ref.Digest[:], data[offset:offset+DigestSize])
		offset += DigestSize
		ref.Worker = binary.BigEndian.Uint16(data[offset:])
		offset += 2
		ref.Size = binary.BigEndian.Uint32(data[offset:])
		offset += 4
		h.Payload = append(h.Payload, ref)
	}

	if len(data) < offset+4 {
		return nil, fmt.Errorf("%w: header truncated", ErrMalformedMessage)
	}
	parentCount := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if parentCount < 0 || parentCount > (len(data)-offset)/DigestSize {
		return nil, fmt.Errorf("%w: header parent count %d exceeds data",
			ErrMalformedMessage, parentCount)
	}
	h.Parents = make([]CertificateDigest, 0, parentCount)
	for i := 0; i < parentCount; i++ {
		var parent CertificateDigest
		copy(parent[:], data[offset:offset+DigestSize])
		offset += DigestSize
		h.Parents = append(h.Parents, parent)
	}

	h.ComputeDigest()
	return h, nil
}

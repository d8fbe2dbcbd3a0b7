package braid

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the size in bytes of all braid digests.
const DigestSize = 32

// Domain separation prefixes. Hashing a batch and a header over identical
// bytes must never collide.
const (
	batchDigestDomain  = "braid.batch.v1"
	headerDigestDomain = "braid.header.v1"
)

// BatchDigest is the blake3 content address of a batch's transactions.
type BatchDigest [DigestSize]byte

// HeaderDigest is the blake3 digest of a header's signed fields.
type HeaderDigest [DigestSize]byte

// CertificateDigest identifies a certificate. It is derived from the
// certified header's digest so that certificates formed from different vote
// subsets over the same header are the same vertex in the DAG.
type CertificateDigest [DigestSize]byte

func (d BatchDigest) Bytes() []byte       { return d[:] }
func (d HeaderDigest) Bytes() []byte      { return d[:] }
func (d CertificateDigest) Bytes() []byte { return d[:] }

func (d BatchDigest) String() string       { return hex.EncodeToString(d[:8]) }
func (d HeaderDigest) String() string      { return hex.EncodeToString(d[:8]) }
func (d CertificateDigest) String() string { return hex.EncodeToString(d[:8]) }

// BatchDigestFromBytes parses a digest from its canonical 32-byte form.
func BatchDigestFromBytes(data []byte) (BatchDigest, error) {
	var d BatchDigest
	if len(data) != DigestSize {
		return d, fmt.Errorf("%w: batch digest must be %d bytes, got %d",
			ErrMalformedMessage, DigestSize, len(data))
	}
	copy(d[:], data)
	return d, nil
}

// HeaderDigestFromBytes parses a digest from its canonical 32-byte form.
func HeaderDigestFromBytes(data []byte) (HeaderDigest, error) {
	var d HeaderDigest
	if len(data) != DigestSize {
		return d, fmt.Errorf("%w: header digest must be %d bytes, got %d",
			ErrMalformedMessage, DigestSize, len(data))
	}
	copy(d[:], data)
	return d, nil
}

// CertificateDigestFromBytes parses a digest from its canonical 32-byte form.
func CertificateDigestFromBytes(data []byte) (CertificateDigest, error) {
	var d CertificateDigest
	if len(data) != DigestSize {
		return d, fmt.Errorf("%w: certificate digest must be %d bytes, got %d",
			ErrMalformedMessage, DigestSize, len(data))
	}
	copy(d[:], data)
	return d, nil
}

// digestSum hashes length-prefixed parts under a domain prefix. The length
// prefixes keep concatenation ambiguity out of the image.
func digestSum(domain string, parts ...[]byte) [DigestSize]byte {
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	var lenBuf [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(p)
	}
	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

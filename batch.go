package braid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// BatchVersion tags the batch wire encoding.
type BatchVersion uint8

const (
	// BatchVersionV1 carries transactions and a creation timestamp.
	BatchVersionV1 BatchVersion = 1
	// BatchVersionV2 carries transactions and a versioned metadata
	// envelope with creation and optional receipt timestamps.
	BatchVersionV2 BatchVersion = 2
)

// batchMetadataV1 tags the metadata envelope inside a V2 batch.
const batchMetadataV1 uint8 = 1

// BatchMetadata is the V2 metadata envelope. Timestamps are unix
// milliseconds. ReceivedAt is filled locally on receipt; it is additive
// bookkeeping, never part of the batch digest.
type BatchMetadata struct {
	CreatedAt  uint64
	ReceivedAt uint64 // zero until the local node records receipt
}

// Batch is a worker's sealed set of opaque transactions. The digest covers
// the transaction contents only, so a V1 and a V2 encoding of the same
// transactions address the same content.
type Batch struct {
	Version      BatchVersion
	Transactions [][]byte
	Metadata     BatchMetadata

	// Digest is the cached content digest; filled by ComputeDigest.
	Digest BatchDigest
}

// NewBatch creates a V2 batch over the given transactions, stamps the
// creation time, and computes the digest.
func NewBatch(transactions [][]byte) *Batch {
	b := &Batch{
		Version:      BatchVersionV2,
		Transactions: transactions,
		Metadata: BatchMetadata{
			CreatedAt: uint64(time.Now().UnixMilli()),
		},
	}
	b.ComputeDigest()
	return b
}

// ComputeDigest fills the cached content digest.
func (b *Batch) ComputeDigest() {
	b.Digest = BatchDigest(digestSum(batchDigestDomain, b.Transactions...))
}

// VerifyDigest recomputes the digest and compares it with the cached one.
func (b *Batch) VerifyDigest() error {
	want := BatchDigest(digestSum(batchDigestDomain, b.Transactions...))
	if b.Digest != want {
		return fmt.Errorf("%w: batch digest mismatch: claimed %s, computed %s",
			ErrMalformedMessage, b.Digest, want)
	}
	return nil
}

// Size returns the total transaction payload size in bytes.
func (b *Batch) Size() int {
	size := 0
	for _, tx := range b.Transactions {
		size += len(tx)
	}
	return size
}

// Bytes serializes the batch.
//
// V1: [version:1][createdAt:8][txCount:4]{[txLen:4][tx]}*
// V2: [version:1][metaVersion:1][createdAt:8][hasReceivedAt:1][receivedAt:8?]
//     [txCount:4]{[txLen:4][tx]}*
func (b *Batch) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(b.Version))

	var u64 [8]byte
	var u32 [4]byte

	switch b.Version {
	case BatchVersionV1:
		binary.BigEndian.PutUint64(u64[:], b.Metadata.CreatedAt)
		buf.Write(u64[:])
	default:
		buf.WriteByte(batchMetadataV1)
		binary.BigEndian.PutUint64(u64[:], b.Metadata.CreatedAt)
		buf.Write(u64[:])
		if b.Metadata.ReceivedAt != 0 {
			buf.WriteByte(1)
			binary.BigEndian.PutUint64(u64[:], b.Metadata.ReceivedAt)
			buf.Write(u64[:])
		} else {
			buf.WriteByte(0)
		}
	}

	binary.BigEndian.PutUint32(u32[:], uint32(len(b.Transactions)))
	buf.Write(u32[:])
	for _, tx := range b.Transactions {
		binary.BigEndian.PutUint32(u32[:], uint32(len(tx)))
		buf.Write(u32[:])
		buf.Write(tx)
	}

	return buf.Bytes()
}

// BatchFromBytes deserializes a batch, accepting both wire versions. An
// unknown version tag is a decode error, never a partial read.
func BatchFromBytes(data []byte) (*Batch, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformedMessage)
	}

	b := &Batch{Version: BatchVersion(data[0])}
	offset := 1

	switch b.Version {
	case BatchVersionV1:
		if len(data) < offset+8 {
			return nil, fmt.Errorf("%w: batch truncated", ErrMalformedMessage)
		}
		b.Metadata.CreatedAt = binary.BigEndian.Uint64(data[offset:])
		offset += 8

	case BatchVersionV2:
		if len(data) < offset+10 {
			return nil, fmt.Errorf("%w: batch truncated", ErrMalformedMessage)
		}
		if data[offset] != batchMetadataV1 {
			return nil, fmt.Errorf("%w: unknown batch metadata version %d",
				ErrMalformedMessage, data[offset])
		}
		offset++
		b.Metadata.CreatedAt = binary.BigEndian.Uint64(data[offset:])
		offset += 8
		hasReceived := data[offset]
		offset++
		if hasReceived > 1 {
			return nil, fmt.Errorf("%w: invalid batch metadata flag", ErrMalformedMessage)
		}
		if hasReceived == 1 {
			if len(data) < offset+8 {
				return nil, fmt.Errorf("%w: batch truncated", ErrMalformedMessage)
			}
			b.Metadata.ReceivedAt = binary.BigEndian.Uint64(data[offset:])
			offset += 8
		}

	default:
		return nil, fmt.Errorf("%w: unknown batch version %d",
			ErrMalformedMessage, b.Version)
	}

	if len(data) < offset+4 {
		return nil, fmt.Errorf("%w: batch truncated", ErrMalformedMessage)
	}
	txCount := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4

	// Each transaction needs at least its length prefix.
	if txCount < 0 || txCount > (len(data)-offset)/4 {
		return nil, fmt.Errorf("%w: batch transaction count %d exceeds payload",
			ErrMalformedMessage, txCount)
	}

	b.Transactions = make([][]byte, 0, txCount)
	for i := 0; i < txCount; i++ {
		if len(data) < offset+4 {
			return nil, fmt.Errorf("%w: batch truncated at transaction %d",
				ErrMalformedMessage, i)
		}
		txLen := int(binary.BigEndian.Uint32(data[offset:]))
		offset += 4
		if len(data) < offset+txLen {
			return nil, fmt.Errorf("%w: batch truncated at transaction %d",
				ErrMalformedMessage, i)
		}
		tx := make([]byte, txLen)
		copy(tx, data[offset:offset+txLen])
		b.Transactions = append(b.Transactions, tx)
		offset += txLen
	}

	b.ComputeDigest()
	return b, nil
}

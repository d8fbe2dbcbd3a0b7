package braid

import (
	"encoding/binary"
	"fmt"
)

// MessageType tags the wire envelope. Unknown tags are rejected at decode.
type MessageType uint8

const (
	// MessageTypeBatch carries a batch pushed by a peer worker.
	MessageTypeBatch MessageType = 1
	// MessageTypeHeader carries a broadcast header proposal.
	MessageTypeHeader MessageType = 2
	// MessageTypeVote carries a vote back to a header's author.
	MessageTypeVote MessageType = 3
	// MessageTypeCertificate carries a broadcast certificate.
	MessageTypeCertificate MessageType = 4
	// MessageTypeBatchRequest asks a peer worker for a batch by digest.
	MessageTypeBatchRequest MessageType = 5
	// MessageTypeCertificateRequest asks a peer primary for a certificate.
	MessageTypeCertificateRequest MessageType = 6
	// MessageTypeOwnBatch reports a locally sealed batch from a worker to
	// its primary.
	MessageTypeOwnBatch MessageType = 7
	// MessageTypeOthersBatch reports a received peer batch from a worker
	// to its primary.
	MessageTypeOthersBatch MessageType = 8
	// MessageTypeSynchronize instructs a worker to fetch missing batches.
	MessageTypeSynchronize MessageType = 9
)

// Message is any inbound message delivered by the network.
type Message interface {
	Type() MessageType
	Sender() AuthorityID
}

// BatchMessage is a batch pushed by a peer's worker.
type BatchMessage struct {
	Batch  *Batch
	Worker WorkerID
	From   AuthorityID
}

func (m *BatchMessage) Type() MessageType   { return MessageTypeBatch }
func (m *BatchMessage) Sender() AuthorityID { return m.From }

// HeaderMessage is a broadcast header proposal.
type HeaderMessage struct {
	Header *Header
	From   AuthorityID
}

func (m *HeaderMessage) Type() MessageType   { return MessageTypeHeader }
func (m *HeaderMessage) Sender() AuthorityID { return m.From }

// VoteMessage is a vote sent to the header's author.
type VoteMessage struct {
	Vote *Vote
	From AuthorityID
}

func (m *VoteMessage) Type() MessageType   { return MessageTypeVote }
func (m *VoteMessage) Sender() AuthorityID { return m.From }

// CertificateMessage is a broadcast certificate.
type CertificateMessage struct {
	Certificate *Certificate
	From        AuthorityID
}

func (m *CertificateMessage) Type() MessageType   { return MessageTypeCertificate }
func (m *CertificateMessage) Sender() AuthorityID { return m.From }

// BatchRequestMessage asks for a batch by digest.
type BatchRequestMessage struct {
	Digest BatchDigest
	Worker WorkerID
	From   AuthorityID
}

func (m *BatchRequestMessage) Type() MessageType   { return MessageTypeBatchRequest }
func (m *BatchRequestMessage) Sender() AuthorityID { return m.From }

// CertificateRequestMessage asks for a certificate by digest.
type CertificateRequestMessage struct {
	Digest CertificateDigest
	From   AuthorityID
}

func (m *CertificateRequestMessage) Type() MessageType   { return MessageTypeCertificateRequest }
func (m *CertificateRequestMessage) Sender() AuthorityID { return m.From }

// WorkerOwnBatchMessage reports a batch this node's worker sealed and
// durably stored. Only after this report may the primary reference the
// digest in a header.
type WorkerOwnBatchMessage struct {
	Digest   BatchDigest
	Worker   WorkerID
	Size     uint32
	Metadata BatchMetadata
	From     AuthorityID
}

func (m *WorkerOwnBatchMessage) Type() MessageType   { return MessageTypeOwnBatch }
func (m *WorkerOwnBatchMessage) Sender() AuthorityID { return m.From }

// WorkerOthersBatchMessage reports a peer batch this node's worker received
// and durably stored, keyed by the originating authority.
type WorkerOthersBatchMessage struct {
	Digest BatchDigest
	Worker WorkerID
	Source AuthorityID
	From   AuthorityID
}

func (m *WorkerOthersBatchMessage) Type() MessageType   { return MessageTypeOthersBatch }
func (m *WorkerOthersBatchMessage) Sender() AuthorityID { return m.From }

// WorkerSynchronizeMessage instructs a worker to fetch the listed batch
// digests, preferring the target authority's worker. IsCertified selects
// the retry policy: digests referenced by a certificate must eventually be
// fetched, uncertified ones get a bounded attempt budget.
type WorkerSynchronizeMessage struct {
	Digests     []BatchDigest
	Target      AuthorityID
	IsCertified bool
	From        AuthorityID
}

func (m *WorkerSynchronizeMessage) Type() MessageType   { return MessageTypeSynchronize }
func (m *WorkerSynchronizeMessage) Sender() AuthorityID { return m.From }

// EncodeMessage serializes a message with its envelope:
// [type:1][sender:2][payload].
func EncodeMessage(m Message) ([]byte, error) {
	var payload []byte

	switch msg := m.(type) {
	case *BatchMessage:
		body := msg.Batch.Bytes()
		payload = make([]byte, 2+len(body))
		binary.BigEndian.PutUint16(payload, msg.Worker)
		copy(payload[2:], body)

	case *HeaderMessage:
		payload = msg.Header.Bytes()

	case *VoteMessage:
		payload = msg.Vote.Bytes()

	case *CertificateMessage:
		payload = msg.Certificate.Bytes()

	case *BatchRequestMessage:
		payload = make([]byte, 2+DigestSize)
		binary.BigEndian.PutUint16(payload, msg.Worker)
		copy(payload[2:], msg.Digest[:])

	case *CertificateRequestMessage:
		payload = make([]byte, DigestSize)
		copy(payload, msg.Digest[:])

	case *WorkerOwnBatchMessage:
		payload = make([]byte, DigestSize+2+4+8+8)
		offset := 0
		copy(payload, msg.Digest[:])
		offset += DigestSize
		binary.BigEndian.PutUint16(payload[offset:], msg.Worker)
		offset += 2
		binary.BigEndian.PutUint32(payload[offset:], msg.Size)
		offset += 4
		binary.BigEndian.PutUint64(payload[offset:], msg.Metadata.CreatedAt)
		offset += 8
		binary.BigEndian.PutUint64(payload[offset:], msg.Metadata.ReceivedAt)

	case *WorkerOthersBatchMessage:
		payload = make([]byte, DigestSize+2+2)
		copy(payload, msg.Digest[:])
		binary.BigEndian.PutUint16(payload[DigestSize:], msg.Worker)
		binary.BigEndian.PutUint16(payload[DigestSize+2:], msg.Source)

	case *WorkerSynchronizeMessage:
		payload = make([]byte, 2+1+4+len(msg.Digests)*DigestSize)
		offset := 0
		binary.BigEndian.PutUint16(payload[offset:], msg.Target)
		offset += 2
		if msg.IsCertified {
			payload[offset] = 1
		}
		offset++
		binary.BigEndian.PutUint32(payload[offset:], uint32(len(msg.Digests)))
		offset += 4
		for _, d := range msg.Digests {
			copy(payload[offset:], d[:])
			offset += DigestSize
		}

	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}

	buf := make([]byte, 3+len(payload))
	buf[0] = byte(m.Type())
	binary.BigEndian.PutUint16(buf[1:], m.Sender())
	copy(buf[3:], payload)
	return buf, nil
}

// DecodeMessage parses a wire envelope. Unknown type tags and truncated
// payloads yield ErrMalformedMessage.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("%w: message envelope truncated", ErrMalformedMessage)
	}
	msgType := MessageType(data[0])
	sender := binary.BigEndian.Uint16(data[1:])
	payload := data[3:]

	switch msgType {
	case MessageTypeBatch:
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: batch message truncated", ErrMalformedMessage)
		}
		worker := binary.BigEndian.Uint16(payload)
		batch, err := BatchFromBytes(payload[2:])
		if err != nil {
			return nil, err
		}
		return &BatchMessage{Batch: batch, Worker: worker, From: sender}, nil

	case MessageTypeHeader:
		header, err := HeaderFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return &HeaderMessage{Header: header, From: sender}, nil

	case MessageTypeVote:
		vote, err := VoteFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return &VoteMessage{Vote: vote, From: sender}, nil

	case MessageTypeCertificate:
		cert, err := CertificateFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return &CertificateMessage{Certificate: cert, From: sender}, nil

	case MessageTypeBatchRequest:
		if len(payload) != 2+DigestSize {
			return nil, fmt.Errorf("%w: batch request truncated", ErrMalformedMessage)
		}
		msg := &BatchRequestMessage{From: sender}
		msg.Worker = binary.BigEndian.Uint16(payload)
		copy(msg.Digest[:], payload[2:])
		return msg, nil

	case MessageTypeCertificateRequest:
		if len(payload) != DigestSize {
			return nil, fmt.Errorf("%w: certificate request truncated", ErrMalformedMessage)
		}
		msg := &CertificateRequestMessage{From: sender}
		copy(msg.Digest[:], payload)
		return msg, nil

	case MessageTypeOwnBatch:
		if len(payload) != DigestSize+2+4+8+8 {
			return nil, fmt.Errorf("%w: own batch report truncated", ErrMalformedMessage)
		}
		msg := &WorkerOwnBatchMessage{From: sender}
		offset := 0
		copy(msg.Digest[:], payload[offset:])
		offset += DigestSize
		msg.Worker = binary.BigEndian.Uint16(payload[offset:])
		offset += 2
		msg.Size = binary.BigEndian.Uint32(payload[offset:])
		offset += 4
		msg.Metadata.CreatedAt = binary.BigEndian.Uint64(payload[offset:])
		offset += 8
		msg.Metadata.ReceivedAt = binary.BigEndian.Uint64(payload[offset:])
		return msg, nil

	case MessageTypeOthersBatch:
		if len(payload) != DigestSize+2+2 {
			return nil, fmt.Errorf("%w: others batch report truncated", ErrMalformedMessage)
		}
		msg := &WorkerOthersBatchMessage{From: sender}
		copy(msg.Digest[:], payload)
		msg.Worker = binary.BigEndian.Uint16(payload[DigestSize:])
		msg.Source = binary.BigEndian.Uint16(payload[DigestSize+2:])
		return msg, nil

	case MessageTypeSynchronize:
		if len(payload) < 2+1+4 {
			return nil, fmt.Errorf("%w: synchronize message truncated", ErrMalformedMessage)
		}
		msg := &WorkerSynchronizeMessage{From: sender}
		offset := 0
		msg.Target = binary.BigEndian.Uint16(payload[offset:])
		offset += 2
		switch payload[offset] {
		case 0:
		case 1:
			msg.IsCertified = true
		default:
			return nil, fmt.Errorf("%w: invalid synchronize flag", ErrMalformedMessage)
		}
		offset++
		count := int(binary.BigEndian.Uint32(payload[offset:]))
		offset += 4
		if count < 0 || len(payload)-offset != count*DigestSize {
			return nil, fmt.Errorf("%w: synchronize digest count mismatch", ErrMalformedMessage)
		}
		msg.Digests = make([]BatchDigest, count)
		for i := 0; i < count; i++ {
			copy(msg.Digests[i][:], payload[offset:])
			offset += DigestSize
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, msgType)
	}
}

// Package braid implements a quorum-certified DAG mempool for Byzantine
// fault tolerant systems. Workers batch raw transactions and disseminate
// them to their peers; each authority's primary periodically binds the batch
// digests it has collected into a header, gathers stake-weighted votes from
// the committee, and aggregates a quorum of votes into a certificate. The
// certificates of each round reference a quorum of certificates from the
// previous round, forming a DAG of data availability proofs that a
// downstream ordering layer can consume without braid ever deciding order
// itself.
package braid

// AuthorityID identifies a committee member by its index in the committee.
type AuthorityID = uint16

// WorkerID identifies one of an authority's workers.
type WorkerID = uint16

// Round is a DAG round number.
type Round = uint64

// Epoch numbers committee reconfigurations. A committee is immutable; a new
// epoch means a new Committee value.
type Epoch = uint64

// Signer produces signatures for this authority's votes and headers.
type Signer interface {
	// Sign signs the message and returns the signature.
	Sign(message []byte) ([]byte, error)

	// PublicKey returns the public key corresponding to this signer.
	PublicKey() *PublicKey
}

// Storage is the durable store consulted by the worker, DAG and
// synchronizer. Implementations must be safe for concurrent use and must
// not acknowledge a write before it is durable: once Put returns nil, a
// crash must not lose the entry.
//
// Get methods return ErrNotFound (possibly wrapped) for missing entries.
type Storage interface {
	PutBatch(batch *Batch) error
	GetBatch(digest BatchDigest) (*Batch, error)
	HasBatch(digest BatchDigest) bool

	PutHeader(header *Header) error
	GetHeader(digest HeaderDigest) (*Header, error)

	PutCertificate(cert *Certificate) error
	GetCertificate(digest CertificateDigest) (*Certificate, error)

	// CertificatesForRound returns all stored certificates for a round.
	CertificatesForRound(round Round) ([]*Certificate, error)

	// CertificatesInRange returns certificates for rounds in [start, end].
	CertificatesInRange(start, end Round) ([]*Certificate, error)

	// HighestRound reports the highest round with a stored certificate,
	// used to restore the DAG after a restart. Returns ErrNotFound when
	// the store is empty.
	HighestRound() (Round, error)

	// DeleteRoundsBelow removes certificates, headers and their referenced
	// batches for all rounds strictly below the given round. Batches for
	// which keepBatch returns true are retained.
	DeleteRoundsBelow(round Round, keepBatch func(BatchDigest) bool) error

	Close() error
}

// Network is the transport collaborator. Braid never implements transport;
// it sends through this interface and consumes inbound traffic from
// Receive. Broadcast methods are fire-and-forget; point-to-point sends
// report delivery errors so callers can retry. Fetch methods are
// synchronous request/response used by the synchronizer.
type Network interface {
	BroadcastBatch(batch *Batch)
	BroadcastHeader(header *Header)
	BroadcastCertificate(cert *Certificate)

	SendBatch(to AuthorityID, batch *Batch) error
	SendVote(to AuthorityID, vote *Vote) error
	SendCertificate(to AuthorityID, cert *Certificate) error

	FetchBatch(from AuthorityID, digest BatchDigest) (*Batch, error)
	FetchCertificate(from AuthorityID, digest CertificateDigest) (*Certificate, error)

	Receive() <-chan Message

	Close() error
}

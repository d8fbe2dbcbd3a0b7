// Package testutil provides test fixtures for the braid library: real
// BLS committees, a channel-based loopback network, and builders for
// batches, headers and certificates with valid aggregate signatures.
package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/driftlake/braid"
	"github.com/driftlake/braid/store"
)

// TestCommittee bundles a committee with the signers behind its keys.
type TestCommittee struct {
	Committee *braid.Committee
	Signers   []*braid.BLSSigner
}

// NewTestCommittee creates an n-authority committee with equal stakes and
// freshly generated BLS keys.
func NewTestCommittee(n int) (*TestCommittee, error) {
	stakes := make([]uint64, n)
	for i := range stakes {
		stakes[i] = 1
	}
	return NewWeightedCommittee(stakes)
}

// NewWeightedCommittee creates a committee with the given per-authority
// stakes.
func NewWeightedCommittee(stakes []uint64) (*TestCommittee, error) {
	signers := make([]*braid.BLSSigner, len(stakes))
	authorities := make([]braid.Authority, len(stakes))

	for i, stake := range stakes {
		kp, err := braid.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate key %d: %w", i, err)
		}
		signer, err := braid.NewBLSSigner(kp)
		if err != nil {
			return nil, fmt.Errorf("build signer %d: %w", i, err)
		}
		signers[i] = signer
		authorities[i] = braid.Authority{
			ID:             braid.AuthorityID(i),
			Stake:          stake,
			PublicKey:      signer.PublicKey(),
			PrimaryAddress: fmt.Sprintf("primary-%d", i),
		}
	}

	committee, err := braid.NewCommittee(0, authorities)
	if err != nil {
		return nil, err
	}
	return &TestCommittee{Committee: committee, Signers: signers}, nil
}

// NewMemStorage creates an in-memory braid.Storage.
func NewMemStorage() braid.Storage {
	return store.New(store.NewMemKV())
}

// MakeBatch builds a batch from string transactions.
func MakeBatch(txs ...string) *braid.Batch {
	raw := make([][]byte, len(txs))
	for i, tx := range txs {
		raw[i] = []byte(tx)
	}
	return braid.NewBatch(raw)
}

// MakeHeader builds a header with a computed digest.
func MakeHeader(author braid.AuthorityID, round braid.Round, payload []braid.BatchRef, parents []braid.CertificateDigest) *braid.Header {
	header := &braid.Header{
		Author:    author,
		Round:     round,
		CreatedAt: uint64(time.Now().UnixMilli()),
		Payload:   payload,
		Parents:   parents,
	}
	header.ComputeDigest()
	return header
}

// CertifyHeader builds a certificate for a header carrying real votes
// from the listed voters. The caller is responsible for choosing voters
// whose stake reaches quorum.
func (tc *TestCommittee) CertifyHeader(header *braid.Header, voters ...braid.AuthorityID) (*braid.Certificate, error) {
	votes := make(map[braid.AuthorityID][]byte, len(voters))
	for _, voter := range voters {
		vote, err := braid.NewVote(header, voter, tc.Signers[voter])
		if err != nil {
			return nil, err
		}
		votes[voter] = vote.Signature
	}
	return braid.NewCertificate(header, votes)
}

// CertifyRound builds one certificate per listed author at the given
// round, each signed by every committee member, wired to the given
// parents.
func (tc *TestCommittee) CertifyRound(round braid.Round, parents []braid.CertificateDigest, authors ...braid.AuthorityID) ([]*braid.Certificate, error) {
	voters := make([]braid.AuthorityID, tc.Committee.Size())
	for i := range voters {
		voters[i] = braid.AuthorityID(i)
	}

	certs := make([]*braid.Certificate, 0, len(authors))
	for _, author := range authors {
		header := MakeHeader(author, round, nil, parents)
		cert, err := tc.CertifyHeader(header, voters...)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// Digests returns the certificate digests of certs, in order.
func Digests(certs []*braid.Certificate) []braid.CertificateDigest {
	digests := make([]braid.CertificateDigest, len(certs))
	for i, cert := range certs {
		digests[i] = cert.Digest()
	}
	return digests
}

// TestNetwork is a channel-based loopback network. Each node holds
// references to its peers and delivers messages into their inbound
// channels; full channels drop, like a lossy network.
type TestNetwork struct {
	mu       sync.RWMutex
	peers    map[braid.AuthorityID]*TestNetwork
	self     braid.AuthorityID
	storage  braid.Storage // served on Fetch requests, may be nil
	incoming chan braid.Message
	closed   bool
}

var _ braid.Network = (*TestNetwork)(nil)

// NewTestNetwork creates a loopback network endpoint.
func NewTestNetwork(self braid.AuthorityID) *TestNetwork {
	return &TestNetwork{
		self:     self,
		peers:    make(map[braid.AuthorityID]*TestNetwork),
		incoming: make(chan braid.Message, 1000),
	}
}

// ServeFrom makes Fetch requests against this endpoint answer from the
// given storage.
func (n *TestNetwork) ServeFrom(storage braid.Storage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.storage = storage
}

// Connect links two endpoints both ways.
func (n *TestNetwork) Connect(other *TestNetwork) {
	n.mu.Lock()
	n.peers[other.self] = other
	n.mu.Unlock()

	other.mu.Lock()
	other.peers[n.self] = n
	other.mu.Unlock()
}

// ConnectAll links every pair of endpoints.
func ConnectAll(nodes ...*TestNetwork) {
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			nodes[i].Connect(nodes[j])
		}
	}
}

func (n *TestNetwork) deliver(to braid.AuthorityID, msg braid.Message) error {
	n.mu.RLock()
	peer := n.peers[to]
	n.mu.RUnlock()
	if peer == nil {
		return fmt.Errorf("peer %d not connected", to)
	}
	select {
	case peer.incoming <- msg:
		return nil
	default:
		return fmt.Errorf("peer %d inbox full", to)
	}
}

func (n *TestNetwork) broadcast(msg braid.Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, peer := range n.peers {
		select {
		case peer.incoming <- msg:
		default:
		}
	}
}

func (n *TestNetwork) BroadcastBatch(batch *braid.Batch) {
	n.broadcast(&braid.BatchMessage{Batch: batch, From: n.self})
}

func (n *TestNetwork) BroadcastHeader(header *braid.Header) {
	n.broadcast(&braid.HeaderMessage{Header: header, From: n.self})
}

func (n *TestNetwork) BroadcastCertificate(cert *braid.Certificate) {
	n.broadcast(&braid.CertificateMessage{Certificate: cert, From: n.self})
}

func (n *TestNetwork) SendBatch(to braid.AuthorityID, batch *braid.Batch) error {
	return n.deliver(to, &braid.BatchMessage{Batch: batch, From: n.self})
}

func (n *TestNetwork) SendVote(to braid.AuthorityID, vote *braid.Vote) error {
	return n.deliver(to, &braid.VoteMessage{Vote: vote, From: n.self})
}

func (n *TestNetwork) SendCertificate(to braid.AuthorityID, cert *braid.Certificate) error {
	return n.deliver(to, &braid.CertificateMessage{Certificate: cert, From: n.self})
}

func (n *TestNetwork) FetchBatch(from braid.AuthorityID, digest braid.BatchDigest) (*braid.Batch, error) {
	n.mu.RLock()
	peer := n.peers[from]
	n.mu.RUnlock()
	if peer == nil {
		return nil, fmt.Errorf("peer %d not connected", from)
	}
	peer.mu.RLock()
	storage := peer.storage
	peer.mu.RUnlock()
	if storage == nil {
		return nil, fmt.Errorf("peer %d serves no storage", from)
	}
	return storage.GetBatch(digest)
}

func (n *TestNetwork) FetchCertificate(from braid.AuthorityID, digest braid.CertificateDigest) (*braid.Certificate, error) {
	n.mu.RLock()
	peer := n.peers[from]
	n.mu.RUnlock()
	if peer == nil {
		return nil, fmt.Errorf("peer %d not connected", from)
	}
	peer.mu.RLock()
	storage := peer.storage
	peer.mu.RUnlock()
	if storage == nil {
		return nil, fmt.Errorf("peer %d serves no storage", from)
	}
	return storage.GetCertificate(digest)
}

func (n *TestNetwork) Receive() <-chan braid.Message {
	return n.incoming
}

// Inject places a message directly into this endpoint's inbox.
func (n *TestNetwork) Inject(msg braid.Message) {
	n.incoming <- msg
}

func (n *TestNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.incoming)
	}
	return nil
}

// Package store provides the durable storage backend for braid. A typed
// Store maps batches, headers and certificates onto a flat key-value
// space, with a round index supporting range reads and watermark pruning.
// Batch payloads are S2-compressed; they dominate the stored bytes and
// compress well for most transaction encodings.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"

	"github.com/driftlake/braid"
)

// ErrKeyNotFound is returned by KV implementations for missing keys.
var ErrKeyNotFound = errors.New("store: key not found")

// KV is the minimal key-value contract the Store builds on. Set must be
// durable before returning nil. Implementations must be safe for
// concurrent use.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error

	// Scan visits keys with the given prefix in ascending order. Returning
	// an error from fn stops the scan and propagates the error.
	Scan(prefix []byte, fn func(key, value []byte) error) error

	Close() error
}

// Key space layout. Single-byte prefixes keep related entries clustered
// for prefix scans.
const (
	prefixBatch       = 'b' // b + batch digest -> s2(batch bytes)
	prefixHeader      = 'h' // h + header digest -> header bytes
	prefixCertificate = 'c' // c + certificate digest -> certificate bytes
	prefixRoundIndex  = 'r' // r + round(8 BE) + certificate digest -> nil
	prefixMeta        = 'm' // m + name -> metadata
)

var keyHighestRound = []byte{prefixMeta, 'h', 'r'}

// Store implements braid.Storage over a KV backend.
type Store struct {
	kv KV

	// mu orders the read-modify-write on the highest-round marker
	mu sync.Mutex
}

var _ braid.Storage = (*Store)(nil)

// New creates a Store over the given KV backend.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

func batchKey(digest braid.BatchDigest) []byte {
	key := make([]byte, 1+braid.DigestSize)
	key[0] = prefixBatch
	copy(key[1:], digest[:])
	return key
}

func headerKey(digest braid.HeaderDigest) []byte {
	key := make([]byte, 1+braid.DigestSize)
	key[0] = prefixHeader
	copy(key[1:], digest[:])
	return key
}

func certificateKey(digest braid.CertificateDigest) []byte {
	key := make([]byte, 1+braid.DigestSize)
	key[0] = prefixCertificate
	copy(key[1:], digest[:])
	return key
}

func roundIndexKey(round braid.Round, digest braid.CertificateDigest) []byte {
	key := make([]byte, 1+8+braid.DigestSize)
	key[0] = prefixRoundIndex
	binary.BigEndian.PutUint64(key[1:], round)
	copy(key[9:], digest[:])
	return key
}

func roundPrefix(round braid.Round) []byte {
	prefix := make([]byte, 1+8)
	prefix[0] = prefixRoundIndex
	binary.BigEndian.PutUint64(prefix[1:], round)
	return prefix
}

// PutBatch stores a batch, compressed. Idempotent for identical content.
func (s *Store) PutBatch(batch *braid.Batch) error {
	compressed := s2.Encode(nil, batch.Bytes())
	if err := s.kv.Set(batchKey(batch.Digest), compressed); err != nil {
		return fmt.Errorf("store batch %s: %w", batch.Digest, err)
	}
	return nil
}

// GetBatch retrieves a batch by digest.
func (s *Store) GetBatch(digest braid.BatchDigest) (*braid.Batch, error) {
	value, err := s.kv.Get(batchKey(digest))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("batch %s: %w", digest, braid.ErrNotFound)
		}
		return nil, err
	}
	raw, err := s2.Decode(nil, value)
	if err != nil {
		return nil, fmt.Errorf("decompress batch %s: %w", digest, err)
	}
	return braid.BatchFromBytes(raw)
}

// HasBatch reports whether a batch is stored.
func (s *Store) HasBatch(digest braid.BatchDigest) bool {
	_, err := s.kv.Get(batchKey(digest))
	return err == nil
}

// PutHeader stores a header.
func (s *Store) PutHeader(header *braid.Header) error {
	if err := s.kv.Set(headerKey(header.Digest), header.Bytes()); err != nil {
		return fmt.Errorf("store header %s: %w", header.Digest, err)
	}
	return nil
}

// GetHeader retrieves a header by digest.
func (s *Store) GetHeader(digest braid.HeaderDigest) (*braid.Header, error) {
	value, err := s.kv.Get(headerKey(digest))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("header %s: %w", digest, braid.ErrNotFound)
		}
		return nil, err
	}
	return braid.HeaderFromBytes(value)
}

// PutCertificate stores a certificate and indexes it by round. The
// highest-round marker advances when this round is beyond it.
func (s *Store) PutCertificate(cert *braid.Certificate) error {
	digest := cert.Digest()
	if err := s.kv.Set(certificateKey(digest), cert.Bytes()); err != nil {
		return fmt.Errorf("store certificate %s: %w", digest, err)
	}
	if err := s.kv.Set(roundIndexKey(cert.Round(), digest), nil); err != nil {
		return fmt.Errorf("index certificate %s: %w", digest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.highestRoundLocked()
	if err != nil && !errors.Is(err, braid.ErrNotFound) {
		return err
	}
	if errors.Is(err, braid.ErrNotFound) || cert.Round() > current {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], cert.Round())
		if err := s.kv.Set(keyHighestRound, buf[:]); err != nil {
			return fmt.Errorf("update highest round: %w", err)
		}
	}
	return nil
}

// GetCertificate retrieves a certificate by digest. Decoded certificates
// come back unverified; verification state never persists.
func (s *Store) GetCertificate(digest braid.CertificateDigest) (*braid.Certificate, error) {
	value, err := s.kv.Get(certificateKey(digest))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("certificate %s: %w", digest, braid.ErrNotFound)
		}
		return nil, err
	}
	return braid.CertificateFromBytes(value)
}

// CertificatesForRound returns all stored certificates for a round.
func (s *Store) CertificatesForRound(round braid.Round) ([]*braid.Certificate, error) {
	return s.CertificatesInRange(round, round)
}

// CertificatesInRange returns certificates for rounds in [start, end],
// ascending by round.
func (s *Store) CertificatesInRange(start, end braid.Round) ([]*braid.Certificate, error) {
	var certs []*braid.Certificate
	for round := start; round <= end; round++ {
		err := s.kv.Scan(roundPrefix(round), func(key, _ []byte) error {
			if len(key) != 1+8+braid.DigestSize {
				return fmt.Errorf("malformed round index key of length %d", len(key))
			}
			digest, err := braid.CertificateDigestFromBytes(key[9:])
			if err != nil {
				return err
			}
			cert, err := s.GetCertificate(digest)
			if err != nil {
				if errors.Is(err, braid.ErrNotFound) {
					// Dangling index entry, skip
					return nil
				}
				return err
			}
			certs = append(certs, cert)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if round == ^braid.Round(0) {
			break
		}
	}
	return certs, nil
}

// HighestRound reports the highest round with a stored certificate.
func (s *Store) HighestRound() (braid.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestRoundLocked()
}

func (s *Store) highestRoundLocked() (braid.Round, error) {
	value, err := s.kv.Get(keyHighestRound)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return 0, braid.ErrNotFound
		}
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("malformed highest round marker of length %d", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

// DeleteRoundsBelow removes certificates, their headers and their
// referenced batches for all rounds strictly below the given round.
// Batches for which keepBatch returns true survive the pass.
func (s *Store) DeleteRoundsBelow(round braid.Round, keepBatch func(braid.BatchDigest) bool) error {
	if keepBatch == nil {
		keepBatch = func(braid.BatchDigest) bool { return false }
	}

	type doomed struct {
		indexKey []byte
		cert     *braid.Certificate
	}
	var victims []doomed

	err := s.kv.Scan([]byte{prefixRoundIndex}, func(key, _ []byte) error {
		if len(key) != 1+8+braid.DigestSize {
			return fmt.Errorf("malformed round index key of length %d", len(key))
		}
		indexedRound := binary.BigEndian.Uint64(key[1:9])
		if indexedRound >= round {
			return nil
		}
		digest, err := braid.CertificateDigestFromBytes(key[9:])
		if err != nil {
			return err
		}
		cert, err := s.GetCertificate(digest)
		if err != nil && !errors.Is(err, braid.ErrNotFound) {
			return err
		}
		victims = append(victims, doomed{indexKey: append([]byte(nil), key...), cert: cert})
		return nil
	})
	if err != nil {
		return err
	}

	for _, v := range victims {
		if v.cert != nil {
			for _, ref := range v.cert.Header.Payload {
				if keepBatch(ref.Digest) {
					continue
				}
				if err := s.kv.Delete(batchKey(ref.Digest)); err != nil {
					return err
				}
			}
			if err := s.kv.Delete(headerKey(v.cert.Header.Digest)); err != nil {
				return err
			}
			if err := s.kv.Delete(certificateKey(v.cert.Digest())); err != nil {
				return err
			}
		}
		if err := s.kv.Delete(v.indexKey); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying KV.
func (s *Store) Close() error {
	return s.kv.Close()
}

package braid

import (
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// BLS12-381 minimal-signature variant: signatures in G1, public keys in G2.
// Votes sign the header digest; a certificate carries the sum of the quorum's
// signature points plus a bitmap naming the signers.

// blsDST is the hash-to-curve domain separation tag.
const blsDST = "BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"

// KeyPair holds a BLS private/public key pair.
type KeyPair struct {
	PrivateKey []byte // 32 bytes (fr.Element)
	PublicKey  []byte // 96 bytes (G2Affine compressed)
}

// GenerateKeyPair generates a fresh BLS key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var scalar fr.Element
	if _, err := scalar.SetRandom(); err != nil {
		return nil, fmt.Errorf("failed to generate random scalar: %w", err)
	}
	privBytes := scalar.Bytes()

	// pk = sk * G2
	_, _, _, g2Gen := bls12381.Generators()
	var pk bls12381.G2Affine
	pk.ScalarMultiplication(&g2Gen, scalar.BigInt(new(big.Int)))
	pubBytes := pk.Bytes()

	return &KeyPair{
		PrivateKey: privBytes[:],
		PublicKey:  pubBytes[:],
	}, nil
}

// Sign signs a message with a BLS private key: sig = sk * H(m).
func Sign(privateKey, message []byte) ([]byte, error) {
	var scalar fr.Element
	scalar.SetBytes(privateKey)

	hashPoint, err := bls12381.HashToG1(message, []byte(blsDST))
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&hashPoint, scalar.BigInt(new(big.Int)))

	bytes := sig.Bytes()
	return bytes[:], nil
}

// PublicKey is a parsed BLS public key.
type PublicKey struct {
	bytes []byte
	point bls12381.G2Affine
}

// NewPublicKey parses a compressed G2 public key.
func NewPublicKey(b []byte) (*PublicKey, error) {
	pk := &PublicKey{bytes: make([]byte, len(b))}
	copy(pk.bytes, b)
	if _, err := pk.point.SetBytes(b); err != nil {
		return nil, fmt.Errorf("invalid BLS public key: %w", err)
	}
	return pk, nil
}

// Bytes returns the compressed encoding.
func (k *PublicKey) Bytes() []byte { return k.bytes }

// Equals reports whether two keys are the same curve point.
func (k *PublicKey) Equals(other *PublicKey) bool {
	if other == nil {
		return false
	}
	return k.point.Equal(&other.point)
}

// Verify checks a single signature: e(H(m), pk) == e(sig, G2).
func (k *PublicKey) Verify(message, signature []byte) bool {
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(signature); err != nil {
		return false
	}

	hashPoint, err := bls12381.HashToG1(message, []byte(blsDST))
	if err != nil {
		return false
	}

	_, _, _, g2Gen := bls12381.Generators()

	left, err := bls12381.Pair([]bls12381.G1Affine{hashPoint}, []bls12381.G2Affine{k.point})
	if err != nil {
		return false
	}
	right, err := bls12381.Pair([]bls12381.G1Affine{sig}, []bls12381.G2Affine{g2Gen})
	if err != nil {
		return false
	}

	return left.Equal(&right)
}

// AggregateSignatures sums BLS signatures over the same message into one
// compact signature.
func AggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	var agg bls12381.G1Jac
	for i, sigBytes := range signatures {
		var sig bls12381.G1Affine
		if _, err := sig.SetBytes(sigBytes); err != nil {
			return nil, fmt.Errorf("invalid signature at index %d: %w", i, err)
		}
		var sigJac bls12381.G1Jac
		sigJac.FromAffine(&sig)
		agg.AddAssign(&sigJac)
	}

	var result bls12381.G1Affine
	result.FromJacobian(&agg)
	bytes := result.Bytes()
	return bytes[:], nil
}

// VerifyAggregate checks an aggregated signature where every signer signed
// the same message: e(H(m), Σ pk_i) == e(aggSig, G2).
func VerifyAggregate(pubKeys []*PublicKey, message, aggSig []byte) bool {
	if len(pubKeys) == 0 {
		return false
	}

	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(aggSig); err != nil {
		return false
	}

	var aggPK bls12381.G2Jac
	for _, pk := range pubKeys {
		if pk == nil {
			return false
		}
		var pkJac bls12381.G2Jac
		pkJac.FromAffine(&pk.point)
		aggPK.AddAssign(&pkJac)
	}
	var aggPKAff bls12381.G2Affine
	aggPKAff.FromJacobian(&aggPK)

	hashPoint, err := bls12381.HashToG1(message, []byte(blsDST))
	if err != nil {
		return false
	}

	_, _, _, g2Gen := bls12381.Generators()

	left, err := bls12381.Pair([]bls12381.G1Affine{hashPoint}, []bls12381.G2Affine{aggPKAff})
	if err != nil {
		return false
	}
	right, err := bls12381.Pair([]bls12381.G1Affine{sig}, []bls12381.G2Affine{g2Gen})
	if err != nil {
		return false
	}

	return left.Equal(&right)
}

// BLSSigner implements Signer over a key pair.
type BLSSigner struct {
	privateKey []byte
	publicKey  *PublicKey
}

// NewBLSSigner creates a signer from a key pair.
func NewBLSSigner(keyPair *KeyPair) (*BLSSigner, error) {
	pk, err := NewPublicKey(keyPair.PublicKey)
	if err != nil {
		return nil, err
	}
	return &BLSSigner{
		privateKey: keyPair.PrivateKey,
		publicKey:  pk,
	}, nil
}

func (s *BLSSigner) Sign(message []byte) ([]byte, error) {
	return Sign(s.privateKey, message)
}

func (s *BLSSigner) PublicKey() *PublicKey { return s.publicKey }

var _ Signer = (*BLSSigner)(nil)

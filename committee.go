package braid

import (
	"fmt"
	"math/bits"
)

// MaxCommitteeSize bounds the committee so signer sets fit the certificate
// bitmap.
const MaxCommitteeSize = 64

// WorkerInfo describes one worker of an authority: its transport identity
// and the two endpoints peers use, one for client transaction submission
// and one for worker-to-worker batch transfer.
type WorkerInfo struct {
	PublicKey []byte
	// TransactionsAddress accepts client transactions.
	TransactionsAddress string
	// TransferAddress accepts batches and batch requests from peer workers.
	TransferAddress string
}

// WorkerIndex maps worker ids to their info for one authority.
type WorkerIndex map[WorkerID]WorkerInfo

// Authority is one committee member's static configuration.
type Authority struct {
	ID             AuthorityID
	Stake          uint64
	PublicKey      *PublicKey
	PrimaryAddress string
	Workers        WorkerIndex
}

// Committee is the immutable validator set for one epoch. All quorum
// decisions in braid are weighted by stake, never by member count.
type Committee struct {
	epoch       Epoch
	authorities []Authority
	totalStake  uint64
}

// NewCommittee builds a committee for an epoch. Authorities must be listed
// in id order (the id is the slice index), each with non-zero stake and a
// public key.
func NewCommittee(epoch Epoch, authorities []Authority) (*Committee, error) {
	if len(authorities) == 0 {
		return nil, fmt.Errorf("committee must have at least one authority")
	}
	if len(authorities) > MaxCommitteeSize {
		return nil, fmt.Errorf("committee size %d exceeds maximum %d",
			len(authorities), MaxCommitteeSize)
	}

	var total uint64
	for i, a := range authorities {
		if a.ID != AuthorityID(i) {
			return nil, fmt.Errorf("authority at index %d has id %d", i, a.ID)
		}
		if a.Stake == 0 {
			return nil, fmt.Errorf("authority %d has zero stake", a.ID)
		}
		if a.PublicKey == nil {
			return nil, fmt.Errorf("authority %d has no public key", a.ID)
		}
		total += a.Stake
	}

	return &Committee{
		epoch:       epoch,
		authorities: authorities,
		totalStake:  total,
	}, nil
}

// Epoch returns the epoch this committee serves.
func (c *Committee) Epoch() Epoch { return c.epoch }

// Size returns the number of authorities.
func (c *Committee) Size() int { return len(c.authorities) }

// Contains reports whether id is a committee member.
func (c *Committee) Contains(id AuthorityID) bool {
	return int(id) < len(c.authorities)
}

// Authority returns the member with the given id.
func (c *Committee) Authority(id AuthorityID) (Authority, error) {
	if !c.Contains(id) {
		return Authority{}, fmt.Errorf("authority %d: %w", id, ErrNotFound)
	}
	return c.authorities[id], nil
}

// Stake returns the stake of an authority, or zero for non-members.
func (c *Committee) Stake(id AuthorityID) uint64 {
	if !c.Contains(id) {
		return 0
	}
	return c.authorities[id].Stake
}

// PublicKey returns the BLS public key of an authority.
func (c *Committee) PublicKey(id AuthorityID) (*PublicKey, error) {
	a, err := c.Authority(id)
	if err != nil {
		return nil, err
	}
	return a.PublicKey, nil
}

// TotalStake returns the combined stake of all authorities.
func (c *Committee) TotalStake() uint64 { return c.totalStake }

// QuorumThreshold returns the smallest stake strictly greater than 2/3 of
// the total. Any set reaching it intersects every other quorum in at least
// one honest authority.
func (c *Committee) QuorumThreshold() uint64 {
	return 2*c.totalStake/3 + 1
}

// ValidityThreshold returns the smallest stake strictly greater than 1/3 of
// the total, guaranteeing at least one honest member in the set.
func (c *Committee) ValidityThreshold() uint64 {
	return c.totalStake/3 + 1
}

// StakeOfBitmap sums the stake of the authorities set in a signer bitmap.
// Bits beyond the committee size contribute nothing.
func (c *Committee) StakeOfBitmap(bitmap uint64) uint64 {
	var sum uint64
	for bitmap != 0 {
		i := bits.TrailingZeros64(bitmap)
		bitmap &^= 1 << i
		if i < len(c.authorities) {
			sum += c.authorities[i].Stake
		}
	}
	return sum
}

// Others returns the ids of all members except the given one, used for
// dissemination fan-out.
func (c *Committee) Others(self AuthorityID) []AuthorityID {
	out := make([]AuthorityID, 0, len(c.authorities)-1)
	for _, a := range c.authorities {
		if a.ID != self {
			out = append(out, a.ID)
		}
	}
	return out
}

// Worker looks up a worker of an authority.
func (c *Committee) Worker(id AuthorityID, worker WorkerID) (WorkerInfo, error) {
	a, err := c.Authority(id)
	if err != nil {
		return WorkerInfo{}, err
	}
	info, ok := a.Workers[worker]
	if !ok {
		return WorkerInfo{}, fmt.Errorf("authority %d worker %d: %w", id, worker, ErrNotFound)
	}
	return info, nil
}

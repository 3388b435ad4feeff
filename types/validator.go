package types

import (
	"errors"
	"fmt"
	"sort"
)

// MaxValidators bounds the size of a validator set, matching the
// teacher's practical limit on validator-set indexing.
const MaxValidators = 65535

var (
	ErrValidatorNotFound  = errors.New("validator not found")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrInvalidStake       = errors.New("invalid stake")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrStakeOverflow      = errors.New("total stake overflow")
)

// ValidatorStake is one validator's snapshot stake weight for a given
// block, matching the block.validators map of spec.md section 3.
type ValidatorStake struct {
	Address   AccountName `json:"address"`
	PublicKey PublicKey   `json:"publicKey"`
	Stake     int64       `json:"stake"`
}

// ValidatorSet is the canonical, address-sorted snapshot of stake
// weights used both for quorum math and for the proposer draw of
// spec.md section 4.5. Validators are always stored in ascending
// AccountName order: this is the "canonical lexicographic address
// order" the proposer draw iterates.
type ValidatorSet struct {
	Validators []ValidatorStake
	TotalStake int64
	byName     map[AccountName]*ValidatorStake
}

// NewValidatorSet builds a ValidatorSet from an unordered slice,
// sorting by address and rejecting duplicates, non-positive stake and
// overflow of the aggregate stake.
func NewValidatorSet(validators []ValidatorStake) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	sorted := make([]ValidatorStake, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	vs := &ValidatorSet{
		Validators: sorted,
		byName:     make(map[AccountName]*ValidatorStake, len(sorted)),
	}

	var total int64
	for i := range sorted {
		v := &sorted[i]
		if v.Stake <= 0 {
			return nil, fmt.Errorf("%w: %s has stake %d", ErrInvalidStake, v.Address, v.Stake)
		}
		if _, dup := vs.byName[v.Address]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.Address)
		}
		vs.byName[v.Address] = v
		next := total + v.Stake
		if next < total {
			return nil, ErrStakeOverflow
		}
		total = next
	}
	vs.TotalStake = total
	return vs, nil
}

// GetByName returns the validator with the given address, or nil.
func (vs *ValidatorSet) GetByName(addr AccountName) *ValidatorStake {
	if vs == nil {
		return nil
	}
	return vs.byName[addr]
}

// HasStake reports whether addr holds a positive stake in this set.
func (vs *ValidatorSet) HasStake(addr AccountName) bool {
	return vs.GetByName(addr) != nil
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	if vs == nil {
		return 0
	}
	return len(vs.Validators)
}

// TwoThirdsMajority returns the minimum stake sum strictly greater
// than 2/3 of TotalStake, computed overflow-safely the way the
// teacher's ValidatorSet.TwoThirdsMajority does it.
func (vs *ValidatorSet) TwoThirdsMajority() int64 {
	if vs == nil || vs.TotalStake == 0 {
		return 0
	}
	third := vs.TotalStake / 3
	remainder := vs.TotalStake % 3
	twoThirds := third*2 + remainder
	if remainder == 0 {
		return twoThirds + 1
	}
	return twoThirds
}

// Hash deterministically hashes the validator set's contents.
func (vs *ValidatorSet) Hash() (Hash, error) {
	if vs == nil {
		return HashJSON([]ValidatorStake{})
	}
	return HashJSON(vs.Validators)
}

// Copy returns an independent copy of the validator set.
func (vs *ValidatorSet) Copy() *ValidatorSet {
	if vs == nil {
		return nil
	}
	cp, _ := NewValidatorSet(vs.Validators)
	return cp
}

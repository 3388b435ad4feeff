package types

import "testing"

func TestNewValidatorSetSortsByAddress(t *testing.T) {
	vs, err := NewValidatorSet([]ValidatorStake{
		{Address: "b0", Stake: 10},
		{Address: "a0", Stake: 10},
		{Address: "c0", Stake: 10},
	})
	if err != nil {
		t.Fatalf("NewValidatorSet: %v", err)
	}
	want := []AccountName{"a0", "b0", "c0"}
	for i, v := range vs.Validators {
		if v.Address != want[i] {
			t.Fatalf("validator %d: want %s, got %s", i, want[i], v.Address)
		}
	}
	if vs.TotalStake != 30 {
		t.Fatalf("want total stake 30, got %d", vs.TotalStake)
	}
}

func TestTwoThirdsMajority(t *testing.T) {
	vs, err := NewValidatorSet([]ValidatorStake{
		{Address: "a", Stake: 100000},
		{Address: "b", Stake: 100000},
		{Address: "c", Stake: 100000},
	})
	if err != nil {
		t.Fatalf("NewValidatorSet: %v", err)
	}
	// total=300000, 2/3 = 200000 exactly; required must be strictly
	// greater than two-thirds, i.e. 200001.
	if got := vs.TwoThirdsMajority(); got != 200001 {
		t.Fatalf("want 200001, got %d", got)
	}
}

func TestDuplicateValidatorRejected(t *testing.T) {
	_, err := NewValidatorSet([]ValidatorStake{
		{Address: "a", Stake: 1},
		{Address: "a", Stake: 2},
	})
	if err == nil {
		t.Fatal("expected duplicate validator error")
	}
}

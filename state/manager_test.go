package state

import (
	"strconv"
	"testing"
)

func TestCloneProducesIndependentVersion(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.Clone("", "genesis"); err != nil {
		t.Fatalf("Clone genesis: %v", err)
	}
	if err := m.Finalize("genesis"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if _, err := m.Clone("genesis", "fork-a"); err != nil {
		t.Fatalf("Clone fork-a: %v", err)
	}

	view := NewView(m, "fork-a", 1, nil)
	view.mgr.setRoot("fork-a", trieSet(view.root(), splitPath("/values/x"), []byte(`"1"`)))

	genesisRoot, _ := m.GetRoot("genesis")
	forkRoot, _ := m.GetRoot("fork-a")
	if genesisRoot.Equal(forkRoot) {
		t.Fatal("mutating fork-a must not affect genesis's root")
	}
}

func TestDeleteFinalizedVersionFails(t *testing.T) {
	m := NewManager(nil)
	m.Clone("", "genesis")
	m.Finalize("genesis")
	if err := m.Delete("genesis"); err == nil {
		t.Fatal("expected error deleting the finalized version")
	}
}

func TestTransferRebindsWithoutCopy(t *testing.T) {
	m := NewManager(nil)
	m.Clone("", "genesis")
	m.Finalize("genesis")
	m.Clone("genesis", "candidate")

	view := NewView(m, "candidate", 1, nil)
	view.mgr.setRoot("candidate", trieSet(view.root(), splitPath("/values/x"), []byte(`"42"`)))
	wantRoot, _ := m.GetRoot("candidate")

	if err := m.Transfer("candidate", "final-1"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if m.Exists("candidate") {
		t.Fatal("src version must be removed after transfer")
	}
	gotRoot, err := m.GetRoot("final-1")
	if err != nil {
		t.Fatalf("GetRoot final-1: %v", err)
	}
	if !gotRoot.Equal(wantRoot) {
		t.Fatal("transferred version must preserve the source root")
	}
}

func TestNumVersionsHygiene(t *testing.T) {
	m := NewManager(nil)
	m.Clone("", "genesis")
	m.Finalize("genesis")

	for i := 0; i < 5; i++ {
		name := VersionName("speculative")
		m.Clone("genesis", name+"-a")
		m.Delete(name + "-a")
	}
	if got := m.NumVersions(); got != 1 {
		t.Fatalf("expected 1 live version after propose/finalize churn, got %d", got)
	}
}

// TestFinalizeRetiresPreviousVersion exercises the exact sequence the
// consensus engine runs every block: clone_to_temp off the current
// final version, transfer the temp version under a fresh
// per-height name, then finalize it. Without Finalize evicting the
// version it replaces, this leaks one live version per iteration.
func TestFinalizeRetiresPreviousVersion(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.Clone("", "final-0"); err != nil {
		t.Fatalf("Clone final-0: %v", err)
	}
	if err := m.Finalize("final-0"); err != nil {
		t.Fatalf("Finalize final-0: %v", err)
	}

	for i := 1; i <= 20; i++ {
		prevFinal, err := m.FinalVersion()
		if err != nil {
			t.Fatalf("FinalVersion: %v", err)
		}
		tempName, _, err := m.CloneToTemp(prevFinal, "propose")
		if err != nil {
			t.Fatalf("CloneToTemp: %v", err)
		}
		finalName := VersionName("final-" + strconv.Itoa(i))
		if err := m.Transfer(tempName, finalName); err != nil {
			t.Fatalf("Transfer: %v", err)
		}
		if err := m.Finalize(finalName); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		if got := m.NumVersions(); got != 1 {
			t.Fatalf("iteration %d: expected exactly 1 live version, got %d", i, got)
		}
		if m.Exists(prevFinal) {
			t.Fatalf("iteration %d: previously finalized version %q should have been evicted", i, prevFinal)
		}
	}
}

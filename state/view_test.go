package state

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/cshcomcom/ain-blockchain/types"
)

func newSignedTx(t *testing.T, path string, value string, nonce int64) *types.Transaction {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return newSignedTxWithKeyAndTimestamp(t, priv, path, value, nonce, 1)
}

func newSignedTxWithKeyAndTimestamp(t *testing.T, priv ed25519.PrivateKey, path, value string, nonce, timestamp int64) *types.Transaction {
	t.Helper()
	body := types.TxBody{
		Operation: types.Operation{Type: types.OpSetValue, Path: path, Value: []byte(value)},
		Nonce:     nonce,
		Timestamp: timestamp,
	}
	tx, err := types.NewTransaction(body, priv)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	return tx
}

func TestExecuteAppliesWrite(t *testing.T) {
	m := NewManager(nil)
	m.Clone("", "genesis")
	view := NewView(m, "genesis", 1, nil)

	tx := newSignedTx(t, "/values/x", `"hello"`, 0)
	result := view.Execute(tx)
	if result.Failed() {
		t.Fatalf("expected success, got code %d: %s", result.Code, result.ErrorMessage)
	}

	if got := view.StateProof("/values/x"); got.IsEmpty() {
		t.Fatal("expected non-empty proof after write")
	}
}

func TestExecuteListStopsOnFirstFailure(t *testing.T) {
	m := NewManager(nil)
	m.Clone("", "genesis")
	view := NewView(m, "genesis", 1, denyingEvaluator{denyPath: "/values/bad"})

	txs := []*types.Transaction{
		newSignedTx(t, "/values/good", `"1"`, 0),
		newSignedTx(t, "/values/bad", `"2"`, 1),
	}
	if ok := view.ExecuteList(txs, 2); ok {
		t.Fatal("expected ExecuteList to report failure")
	}
}

func TestBackupRestore(t *testing.T) {
	m := NewManager(nil)
	m.Clone("", "genesis")
	view := NewView(m, "genesis", 1, nil)

	view.Execute(newSignedTx(t, "/values/x", `"1"`, 0))
	before := view.StateProof("")

	view.Backup()
	view.Execute(newSignedTx(t, "/values/x", `"2"`, 1))
	view.Restore()

	after := view.StateProof("")
	if !before.Equal(after) {
		t.Fatal("Restore should revert to the backed-up root")
	}
}

func TestExecuteEnforcesOrderedNonce(t *testing.T) {
	m := NewManager(nil)
	m.Clone("", "genesis")
	view := NewView(m, "genesis", 1, nil)

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	first := newSignedTxWithKeyAndTimestamp(t, priv, "/values/x", `"1"`, 0, 1)
	if res := view.Execute(first); res.Failed() {
		t.Fatalf("expected first ordered transaction (nonce 0) to succeed, got code %d", res.Code)
	}

	skip := newSignedTxWithKeyAndTimestamp(t, priv, "/values/x", `"2"`, 5, 2)
	if res := view.Execute(skip); res.Code != CodeNonceMismatch {
		t.Fatalf("expected CodeNonceMismatch for a skipped-ahead nonce, got code %d", res.Code)
	}

	replay := newSignedTxWithKeyAndTimestamp(t, priv, "/values/x", `"3"`, 0, 3)
	if res := view.Execute(replay); res.Code != CodeNonceMismatch {
		t.Fatalf("expected CodeNonceMismatch for a replayed nonce, got code %d", res.Code)
	}

	second := newSignedTxWithKeyAndTimestamp(t, priv, "/values/x", `"4"`, 1, 4)
	if res := view.Execute(second); res.Failed() {
		t.Fatalf("expected the next gap-free nonce (1) to succeed, got code %d", res.Code)
	}

	nonce, _, err := view.GetAccountNonceAndTimestamp(first.Address)
	if err != nil {
		t.Fatalf("GetAccountNonceAndTimestamp: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("expected persisted nonce 1 after two successful ordered transactions, got %d", nonce)
	}
}

func TestExecuteRejectsStaleUnorderedTimestamp(t *testing.T) {
	m := NewManager(nil)
	m.Clone("", "genesis")
	view := NewView(m, "genesis", 1, nil)

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	first := newSignedTxWithKeyAndTimestamp(t, priv, "/values/y", `"1"`, types.UnorderedNonce, 100)
	if res := view.Execute(first); res.Failed() {
		t.Fatalf("expected first unordered transaction to succeed, got code %d", res.Code)
	}

	stale := newSignedTxWithKeyAndTimestamp(t, priv, "/values/y", `"2"`, types.UnorderedNonce, 100)
	if res := view.Execute(stale); res.Code != CodeTimestampStale {
		t.Fatalf("expected CodeTimestampStale for a replayed timestamp, got code %d", res.Code)
	}

	older := newSignedTxWithKeyAndTimestamp(t, priv, "/values/y", `"3"`, types.UnorderedNonce, 50)
	if res := view.Execute(older); res.Code != CodeTimestampStale {
		t.Fatalf("expected CodeTimestampStale for an older timestamp, got code %d", res.Code)
	}

	fresh := newSignedTxWithKeyAndTimestamp(t, priv, "/values/y", `"4"`, types.UnorderedNonce, 200)
	if res := view.Execute(fresh); res.Failed() {
		t.Fatalf("expected a strictly newer timestamp to succeed, got code %d", res.Code)
	}

	_, timestamp, err := view.GetAccountNonceAndTimestamp(first.Address)
	if err != nil {
		t.Fatalf("GetAccountNonceAndTimestamp: %v", err)
	}
	if timestamp != 200 {
		t.Fatalf("expected persisted timestamp 200, got %d", timestamp)
	}
}

type denyingEvaluator struct {
	denyPath string
}

func (d denyingEvaluator) EvaluateWrite(path string, _ json.RawMessage, _ types.AccountName, _ int64, _ func(string) ([]byte, bool)) error {
	if path == d.denyPath {
		return ErrRuleDenied
	}
	return nil
}

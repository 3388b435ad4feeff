package txpool

import (
	"crypto/ed25519"
	"testing"

	"github.com/cshcomcom/ain-blockchain/types"
)

func signedTx(t *testing.T, nonce int64, ts int64) *types.Transaction {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	body := types.TxBody{
		Operation: types.Operation{Type: types.OpSetValue, Path: "/values/x", Value: []byte(`"1"`)},
		Nonce:     nonce,
		Timestamp: ts,
	}
	tx, err := types.NewTransaction(body, priv)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	return tx
}

func TestAdmitDeduplicatesByHash(t *testing.T) {
	p := NewPool(DefaultConfig(), nil)
	tx := signedTx(t, 0, 1)

	if d := p.Admit(tx); d != Admitted {
		t.Fatalf("first admit: want Admitted, got %v", d)
	}
	if d := p.Admit(tx); d != Duplicate {
		t.Fatalf("second admit: want Duplicate, got %v", d)
	}
}

func TestValidTransactionsRespectsNonceGap(t *testing.T) {
	p := NewPool(DefaultConfig(), nil)
	tx0 := signedTx(t, 1, 10) // same account family differs per key though
	_ = tx0

	_, priv, _ := ed25519.GenerateKey(nil)
	mk := func(nonce, ts int64) *types.Transaction {
		body := types.TxBody{
			Operation: types.Operation{Type: types.OpSetValue, Path: "/values/x", Value: []byte(`"1"`)},
			Nonce:     nonce,
			Timestamp: ts,
		}
		tx, _ := types.NewTransaction(body, priv)
		return tx
	}

	txNonce1 := mk(1, 10)
	txNonce3 := mk(3, 30) // gap at nonce 2
	p.Admit(txNonce1)
	p.Admit(txNonce3)

	getNonce := func(types.AccountName) (int64, error) { return 0, nil }
	included := func(types.Hash) bool { return false }

	eligible, err := p.ValidTransactions(getNonce, included)
	if err != nil {
		t.Fatalf("ValidTransactions: %v", err)
	}
	if len(eligible) != 1 {
		t.Fatalf("expected exactly 1 eligible tx (nonce gap blocks nonce=3), got %d", len(eligible))
	}
	if eligible[0].Body.Nonce != 1 {
		t.Fatalf("expected nonce 1, got %d", eligible[0].Body.Nonce)
	}
}

func TestCleanUpForNewBlockRemovesIncluded(t *testing.T) {
	p := NewPool(DefaultConfig(), nil)
	tx := signedTx(t, 0, 1)
	p.Admit(tx)

	block := &types.Block{Transactions: []types.Transaction{*tx}}
	p.CleanUpForNewBlock(block)

	if p.Has(tx.Hash) {
		t.Fatal("expected transaction to be removed after CleanUpForNewBlock")
	}
}

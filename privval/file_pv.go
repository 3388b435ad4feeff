package privval

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cshcomcom/ain-blockchain/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-backed Signer, grounded on the teacher's
// privval/file_pv.go: ed25519 key material on disk plus a small JSON
// state file recording the last signed epoch per message kind.
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	pubKey  types.PublicKey
	privKey ed25519.PrivateKey
	address types.AccountName

	lastVote     SignRecord
	lastProposal SignRecord
}

// filePVKey is the on-disk key file structure.
type filePVKey struct {
	PubKey  types.PublicKey `json:"pubKey"`
	PrivKey []byte          `json:"privKey"`
}

// filePVState is the on-disk double-sign guard state.
type filePVState struct {
	LastVote     SignRecord `json:"lastVote"`
	LastProposal SignRecord `json:"lastProposal"`
}

// LoadOrGenFilePV loads an existing key/state pair, or generates a
// fresh key pair and initial state if none exists yet -- matching the
// teacher's NewFilePV/GenerateFilePV split, collapsed into the single
// entrypoint a node boot path actually wants.
func LoadOrGenFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{keyFilePath: keyFilePath, stateFilePath: stateFilePath}
	if err := pv.loadOrGenerateKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

func (pv *FilePV) loadOrGenerateKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if os.IsNotExist(err) {
		pub, priv, genErr := ed25519.GenerateKey(nil)
		if genErr != nil {
			return fmt.Errorf("generate validator key: %w", genErr)
		}
		pv.pubKey = types.PublicKey(pub)
		pv.privKey = priv
		addr, addrErr := types.AddressFromPublicKey(pv.pubKey)
		if addrErr != nil {
			return addrErr
		}
		pv.address = addr
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("read validator key file: %w", err)
	}

	var key filePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("parse validator key file: %w", err)
	}
	pv.pubKey = key.PubKey
	pv.privKey = ed25519.PrivateKey(key.PrivKey)
	addr, err := types.AddressFromPublicKey(pv.pubKey)
	if err != nil {
		return err
	}
	pv.address = addr
	return nil
}

func (pv *FilePV) saveKey() error {
	key := filePVKey{PubKey: pv.pubKey, PrivKey: []byte(pv.privKey)}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(pv.keyFilePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(pv.keyFilePath, data, keyFilePerm)
}

func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		return pv.saveStateLocked()
	}
	if err != nil {
		return fmt.Errorf("read validator state file: %w", err)
	}
	var state filePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse validator state file: %w", err)
	}
	pv.lastVote = state.LastVote
	pv.lastProposal = state.LastProposal
	return nil
}

func (pv *FilePV) saveStateLocked() error {
	state := filePVState{LastVote: pv.lastVote, LastProposal: pv.lastProposal}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(pv.stateFilePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(pv.stateFilePath, data, stateFilePerm)
}

// GetAddress returns the validator's canonical address.
func (pv *FilePV) GetAddress() types.AccountName {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.address
}

// GetPublicKey returns the validator's ed25519 public key.
func (pv *FilePV) GetPublicKey() types.PublicKey {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.pubKey
}

// SignVote signs a vote for blockHash at the given block number and
// epoch, refusing to sign a second, conflicting vote at the same
// epoch (ErrDoubleSign).
func (pv *FilePV) SignVote(blockNumber int64, epoch int64, blockHash types.Hash, stake int64, timestamp int64) (*types.Transaction, error) {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	next, err := pv.lastVote.CheckAndAdvance(epoch, blockHash)
	if err != nil {
		return nil, err
	}
	tx, err := types.NewVoteTx(blockNumber, blockHash, stake, timestamp, pv.privKey)
	if err != nil {
		return nil, err
	}
	pv.lastVote = next
	if err := pv.saveStateLocked(); err != nil {
		return nil, fmt.Errorf("persist sign state: %w", err)
	}
	return tx, nil
}

// SignHandshake signs a peer handshake body {address, publicKey,
// timestamp} with the raw validator key. The field order and tags
// mirror p2p.HandshakeBody exactly so the two packages agree on sign
// bytes without privval importing p2p. Handshakes are not subject to
// the per-epoch double-sign guard that governs votes and proposals --
// a node may re-handshake with the same peer arbitrarily often.
func (pv *FilePV) SignHandshake(timestamp int64) (types.Signature, error) {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	body, err := json.Marshal(struct {
		Address   types.AccountName `json:"address"`
		PublicKey types.PublicKey   `json:"publicKey"`
		Timestamp int64             `json:"timestamp"`
	}{Address: pv.address, PublicKey: pv.pubKey, Timestamp: timestamp})
	if err != nil {
		return nil, err
	}
	return types.Sign(pv.privKey, body), nil
}

// SignProposal signs a proposal for block, refusing to sign a second,
// conflicting proposal at the same epoch (ErrDoubleSign).
func (pv *FilePV) SignProposal(block *types.Block, timestamp int64, extraOps ...types.Operation) (*types.Transaction, error) {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	next, err := pv.lastProposal.CheckAndAdvance(block.Epoch, block.Hash)
	if err != nil {
		return nil, err
	}
	tx, err := types.NewProposalTx(block, timestamp, pv.privKey, extraOps...)
	if err != nil {
		return nil, err
	}
	pv.lastProposal = next
	if err := pv.saveStateLocked(); err != nil {
		return nil, fmt.Errorf("persist sign state: %w", err)
	}
	return tx, nil
}

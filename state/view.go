package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cshcomcom/ain-blockchain/types"
)

// Failure codes returned by View.Execute, matching spec.md section 4.2.
const (
	CodeOK             = 0
	CodeNonceMismatch  = 1
	CodeTimestampStale = 2
	CodeRuleDenied     = 3
	CodeOwnerDenied    = 4
	CodeFunctionFailed = 5
	CodeGasExceeded    = 6
	CodePoolFull       = 7
)

var (
	ErrNonceMismatch  = errors.New("nonce mismatch")
	ErrTimestampStale = errors.New("timestamp stale")
	ErrRuleDenied     = errors.New("rule denied")
)

// Result is the outcome of executing one transaction against a View.
type Result struct {
	Code         int    `json:"code"`
	GasAmount    int64  `json:"gasAmount"`
	GasCost      int64  `json:"gasCost"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (r Result) Failed() bool { return r.Code != CodeOK }

// RuleEvaluator is the external rule/owner/function evaluator
// collaborator of spec.md section 1/4.2. It is consulted before a
// write is applied; View itself only knows how to apply or reject.
type RuleEvaluator interface {
	// EvaluateWrite decides whether writer may write value at path
	// under the state observed through get, at the given block
	// number. A non-nil error is surfaced as RULE_DENIED /
	// OWNER_DENIED / FUNCTION_FAILED depending on its wrapped kind.
	EvaluateWrite(path string, value json.RawMessage, writer types.AccountName, blockNumber int64, get func(string) ([]byte, bool)) error
}

// PermissiveRuleEvaluator allows every write. It is the default used
// where the rule/owner/function engine is out of scope (spec.md
// section 1's explicit non-goal) but a component still needs a
// working evaluator to run end to end.
type PermissiveRuleEvaluator struct{}

func (PermissiveRuleEvaluator) EvaluateWrite(string, json.RawMessage, types.AccountName, int64, func(string) ([]byte, bool)) error {
	return nil
}

// View is the DatabaseView of spec.md section 4.2: bound to one named
// state version plus a block-number snapshot.
type View struct {
	mgr         *Manager
	version     VersionName
	blockNumber int64
	rules       RuleEvaluator

	backup *trieNode // set by Backup, consumed by Restore
	closed bool
}

// NewView binds a DatabaseView to version at blockNumber. The caller
// must call Close when done; every early-return path in callers that
// construct a View for verification must do so via defer, matching
// spec.md section 5's "destroy_db is mandatory on every early return
// path" resource rule.
func NewView(mgr *Manager, version VersionName, blockNumber int64, rules RuleEvaluator) *View {
	if rules == nil {
		rules = PermissiveRuleEvaluator{}
	}
	return &View{mgr: mgr, version: version, blockNumber: blockNumber, rules: rules}
}

// Close releases the view. It does not delete the underlying state
// version -- callers that opened a temp version via
// Manager.CloneToTemp are responsible for calling Manager.Delete once
// they are finished with both the view and the version name.
func (v *View) Close() {
	v.closed = true
}

func (v *View) root() *trieNode {
	return v.mgr.getRoot(v.version)
}

// Execute evaluates tx.Body.Operation against the bound version and,
// on success, mutates it in place and returns a zero-code Result. On
// failure it returns a non-zero code and leaves state unchanged.
//
// Ordered transactions (nonce != UnorderedNonce) must supply exactly
// the account's next gap-free nonce; unordered transactions must
// supply a timestamp strictly greater than the account's last
// recorded one. Both checks run before any write is applied, and a
// successful execution advances the account's stored (nonce,
// timestamp) record so the next transaction is checked against it.
func (v *View) Execute(tx *types.Transaction) Result {
	if v.closed {
		return Result{Code: CodeFunctionFailed, ErrorMessage: "view closed"}
	}
	root := v.root()

	storedNonce, storedTimestamp, err := v.readAccountRecord(root, tx.Address)
	if err != nil {
		return Result{Code: CodeFunctionFailed, ErrorMessage: err.Error()}
	}
	if tx.Body.Nonce == types.UnorderedNonce {
		if tx.Body.Timestamp <= storedTimestamp {
			return Result{Code: CodeTimestampStale, ErrorMessage: ErrTimestampStale.Error()}
		}
	} else if tx.Body.Nonce != storedNonce+1 {
		return Result{Code: CodeNonceMismatch, ErrorMessage: ErrNonceMismatch.Error()}
	}

	ops := flattenOperation(tx.Body.Operation)
	for _, op := range ops {
		if op.Type == types.OpSet {
			continue
		}
		if op.Type == types.OpDelete {
			// Internal housekeeping (e.g. consensus retention
			// pruning) bypasses rule evaluation: it is never
			// user-initiated and the path is computed by the engine
			// itself, not taken from user input.
			root = trieDelete(root, splitPath(op.Path))
			continue
		}
		if err := v.rules.EvaluateWrite(op.Path, op.Value, tx.Address, v.blockNumber, func(p string) ([]byte, bool) {
			return trieGet(root, splitPath(p))
		}); err != nil {
			return Result{Code: CodeRuleDenied, ErrorMessage: err.Error()}
		}
		root = trieSet(root, splitPath(op.Path), op.Value)
	}

	newNonce := storedNonce
	if tx.Body.Nonce != types.UnorderedNonce {
		newNonce = tx.Body.Nonce
	}
	rec, err := json.Marshal(accountRecord{Nonce: newNonce, Timestamp: tx.Body.Timestamp})
	if err != nil {
		return Result{Code: CodeFunctionFailed, ErrorMessage: err.Error()}
	}
	root = trieSet(root, splitPath(accountNonceKey(tx.Address)), rec)

	if err := v.mgr.setRoot(v.version, root); err != nil {
		return Result{Code: CodeFunctionFailed, ErrorMessage: err.Error()}
	}
	gasAmount := int64(len(ops))
	gasCost := gasAmount
	if tx.Body.GasPrice != nil {
		gasCost = gasAmount * *tx.Body.GasPrice
	}
	return Result{Code: CodeOK, GasAmount: gasAmount, GasCost: gasCost}
}

func flattenOperation(op types.Operation) []types.Operation {
	if op.Type != types.OpSet {
		return []types.Operation{op}
	}
	var out []types.Operation
	for _, inner := range op.SetList {
		out = append(out, flattenOperation(inner)...)
	}
	return out
}

// ExecuteList applies each transaction in order, stopping at and
// returning false on the first one that fails; per spec.md section 4.2 this is used
// during proposal construction where callers drop only the failing
// transaction via their own backup/restore around each Execute.
func (v *View) ExecuteList(txs []*types.Transaction, blockNumber int64) bool {
	v.blockNumber = blockNumber
	for _, tx := range txs {
		if v.Execute(tx).Failed() {
			return false
		}
	}
	return true
}

// Backup snapshots the current root for a later Restore, giving
// callers per-transaction atomicity around Execute.
func (v *View) Backup() {
	v.backup = v.root()
}

// Restore rolls back to the most recent Backup.
func (v *View) Restore() {
	if v.backup == nil {
		return
	}
	_ = v.mgr.setRoot(v.version, v.backup)
}

// StateProof returns the Merkle-style digest of the subtree rooted at
// path, or of the whole tree if path is empty.
func (v *View) StateProof(path string) types.Hash {
	root := v.root()
	if path == "" {
		return trieHash(root)
	}
	n := root
	for _, p := range splitPath(path) {
		if n == nil || n.children == nil {
			return types.Hash{}
		}
		n = n.children[p]
	}
	return trieHash(n)
}

// Info describes a subtree for state_info queries.
type Info struct {
	Size     int `json:"size"`
	Children int `json:"children"`
}

// StateInfo reports the size and child count of the subtree at path.
func (v *View) StateInfo(path string) Info {
	root := v.root()
	parts := splitPath(path)
	n := root
	for _, p := range parts {
		if n == nil || n.children == nil {
			return Info{}
		}
		n = n.children[p]
	}
	return Info{Size: trieSize(n), Children: trieChildCount(root, parts)}
}

// GetAccountNonceAndTimestamp returns the last recorded (nonce,
// timestamp) pair for addr, used to admit/validate ordered
// transactions.
func (v *View) GetAccountNonceAndTimestamp(addr types.AccountName) (int64, int64, error) {
	return v.readAccountRecord(v.root(), addr)
}

// accountRecord is the JSON value stored under an account's nonce
// path; Nonce is -1 until the account's first ordered transaction and
// Timestamp tracks the latest of either kind, matching what
// GetAccountNonceAndTimestamp reports.
type accountRecord struct {
	Nonce     int64 `json:"nonce"`
	Timestamp int64 `json:"timestamp"`
}

func accountNonceKey(addr types.AccountName) string {
	return fmt.Sprintf("/accounts/%s/nonce", addr)
}

func (v *View) readAccountRecord(root *trieNode, addr types.AccountName) (int64, int64, error) {
	raw, ok := trieGet(root, splitPath(accountNonceKey(addr)))
	if !ok {
		return -1, 0, nil
	}
	var rec accountRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return -1, 0, err
	}
	return rec.Nonce, rec.Timestamp, nil
}

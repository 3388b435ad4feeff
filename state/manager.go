package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/cshcomcom/ain-blockchain/types"
	"go.uber.org/zap"
)

// VersionName identifies a named, independently-rooted snapshot of
// the state tree.
type VersionName string

var (
	ErrVersionNotFound     = errors.New("state version not found")
	ErrVersionExists       = errors.New("state version already exists")
	ErrCannotDeleteFinal   = errors.New("cannot delete the finalized version")
	ErrNoFinalizedVersion  = errors.New("no finalized version set")
)

// rootCacheSize bounds the number of recently-cloned roots kept warm
// for reuse, grounded on the trie-node caching pattern shared by
// Taraxa-project-taraxa-evm and luxfi-vm, both of which lean on
// hashicorp/golang-lru to avoid re-walking cold subtrees.
const rootCacheSize = 256

// Manager is the StateVersionManager of spec.md section 4.1: a forest
// of named, copy-on-write versions with exactly one finalized version
// at any time.
type Manager struct {
	mu        sync.RWMutex
	versions  map[VersionName]*trieNode
	finalized VersionName
	hasFinal  bool
	rootCache *lru.Cache
	tempSeq   atomic.Uint64
	logger    *zap.Logger
}

// NewManager returns an empty version manager with no finalized
// version set; callers typically call Clone("", "genesis") and
// Finalize("genesis") immediately after construction.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New(rootCacheSize)
	return &Manager{
		versions:  make(map[VersionName]*trieNode),
		rootCache: cache,
		logger:    logger,
	}
}

// Clone forks base into a new persistent version named newName. If
// base does not exist, newName starts from an empty tree, matching
// spec.md's "if base is empty, produces an empty tree". Clone does
// not copy any trie node: newName simply points at the same root as
// base until a write diverges a path.
func (m *Manager) Clone(base VersionName, newName VersionName) (types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cloneLocked(base, newName)
}

func (m *Manager) cloneLocked(base VersionName, newName VersionName) (types.Hash, error) {
	if _, exists := m.versions[newName]; exists {
		return types.Hash{}, fmt.Errorf("%w: %s", ErrVersionExists, newName)
	}
	root := m.versions[base] // nil is a valid "empty tree" root
	m.versions[newName] = root
	m.rootCache.Add(newName, root)
	return trieHash(root), nil
}

// CloneToTemp forks base into a freshly-named, non-persistent version
// prefixed by prefix, cheap to discard via Delete. Matches spec.md's
// clone_to_temp used during validation.
func (m *Manager) CloneToTemp(base VersionName, prefix string) (VersionName, types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.tempSeq.Add(1)
	name := VersionName(fmt.Sprintf("%s-tmp-%d", prefix, seq))
	root, err := m.cloneLocked(base, name)
	return name, root, err
}

// Finalize atomically promotes name to be the finalized version and
// retires whichever version was finalized before it: spec.md section
// 8's version-hygiene property requires exactly one live version per
// completed propose/finalize cycle, and the engine mints a fresh
// version name every block, so without this the previous version
// would never be reclaimed.
func (m *Manager) Finalize(name VersionName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[name]; !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, name)
	}
	prev, hadPrev := m.finalized, m.hasFinal
	m.finalized = name
	m.hasFinal = true
	if hadPrev && prev != name {
		delete(m.versions, prev)
		m.rootCache.Remove(prev)
	}
	m.logger.Debug("finalized state version", zap.String("version", string(name)), zap.String("previous", string(prev)))
	return nil
}

// Delete drops a version; it fails if name is currently finalized.
func (m *Manager) Delete(name VersionName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasFinal && m.finalized == name {
		return ErrCannotDeleteFinal
	}
	if _, ok := m.versions[name]; !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, name)
	}
	delete(m.versions, name)
	m.rootCache.Remove(name)
	return nil
}

// Transfer rebinds the physical tree of src under the name dst,
// avoiding a copy when a speculative branch becomes the finalized
// chain. src is removed.
func (m *Manager) Transfer(src VersionName, dst VersionName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	root, ok := m.versions[src]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, src)
	}
	m.versions[dst] = root
	delete(m.versions, src)
	if m.hasFinal && m.finalized == src {
		m.finalized = dst
	}
	m.rootCache.Remove(src)
	m.rootCache.Add(dst, root)
	return nil
}

// GetRoot returns the content hash of the named version's root.
func (m *Manager) GetRoot(name VersionName) (types.Hash, error) {
	m.mu.RLock()
	_, ok := m.versions[name]
	m.mu.RUnlock()
	if !ok {
		return types.Hash{}, fmt.Errorf("%w: %s", ErrVersionNotFound, name)
	}
	return trieHash(m.getRoot(name)), nil
}

// VersionList returns the names of every live version.
func (m *Manager) VersionList() []VersionName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VersionName, 0, len(m.versions))
	for name := range m.versions {
		out = append(out, name)
	}
	return out
}

// FinalVersion returns the name of the currently finalized version.
func (m *Manager) FinalVersion() (VersionName, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasFinal {
		return "", ErrNoFinalizedVersion
	}
	return m.finalized, nil
}

// NumVersions returns the number of live versions, used by the
// version-hygiene testable property of spec.md section 8.
func (m *Manager) NumVersions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.versions)
}

// Exists reports whether a version of the given name is live.
func (m *Manager) Exists(name VersionName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.versions[name]
	return ok
}

// getRoot resolves name's current root, preferring the warm LRU cache
// over the backing map: propose/verify/vote cycles repeatedly re-read
// the same handful of recently-cloned versions, so a cache hit here
// skips the map lookup entirely on the hot path.
func (m *Manager) getRoot(name VersionName) *trieNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cached, ok := m.rootCache.Get(name); ok {
		root, _ := cached.(*trieNode)
		return root
	}
	root := m.versions[name]
	m.rootCache.Add(name, root)
	return root
}

func (m *Manager) setRoot(name VersionName, root *trieNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[name]; !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, name)
	}
	m.versions[name] = root
	m.rootCache.Add(name, root)
	return nil
}

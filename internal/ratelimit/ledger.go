// Package ratelimit implements the epoch-based admission ledger: each miner
// identity may have at most one submission admitted per rate-limit window.
package ratelimit

import (
	"fmt"
	"sync"
)

// DefaultWindow is the number of epochs that must separate two admitted
// submissions from the same identity.
const DefaultWindow = 3

// Entry is the ledger record for one identity.
type Entry struct {
	Epoch     uint64 `json:"epoch"`
	AgentHash string `json:"agent_hash"`
}

// Backend persists ledger entries. Get returns ok=false when the identity has
// never submitted.
type Backend interface {
	GetLedgerEntry(identity string) (Entry, bool, error)
	PutLedgerEntry(identity string, e Entry) error
}

// Ledger gatekeeps submissions by epoch. Checks and records for the same
// identity are serialised; different identities never contend.
type Ledger struct {
	window  uint64
	backend Backend

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a Ledger enforcing window epochs between admissions.
func NewLedger(window uint64, backend Backend) *Ledger {
	return &Ledger{
		window:  window,
		backend: backend,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-identity mutex, creating it on first use.
func (l *Ledger) lockFor(identity string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[identity]
	if !ok {
		m = &sync.Mutex{}
		l.locks[identity] = m
	}
	return m
}

// CanSubmit reports whether identity may have agentHash admitted at
// currentEpoch. An identity with no history is always admitted, and
// re-checking the submission that already holds the slot is admitted again.
func (l *Ledger) CanSubmit(identity string, currentEpoch uint64, agentHash string) (bool, error) {
	e, ok, err := l.backend.GetLedgerEntry(identity)
	if err != nil {
		return false, fmt.Errorf("get ledger entry: %w", err)
	}
	return l.allowed(e, ok, currentEpoch, agentHash), nil
}

func (l *Ledger) allowed(e Entry, ok bool, currentEpoch uint64, agentHash string) bool {
	if !ok {
		return true
	}
	if agentHash != "" && e.AgentHash == agentHash {
		return true
	}
	if currentEpoch < e.Epoch {
		return false
	}
	return currentEpoch-e.Epoch >= l.window
}

// Record commits an admission for identity at epoch.
func (l *Ledger) Record(identity string, epoch uint64, agentHash string) error {
	m := l.lockFor(identity)
	m.Lock()
	defer m.Unlock()
	return l.put(identity, epoch, agentHash)
}

func (l *Ledger) put(identity string, epoch uint64, agentHash string) error {
	if err := l.backend.PutLedgerEntry(identity, Entry{Epoch: epoch, AgentHash: agentHash}); err != nil {
		return fmt.Errorf("put ledger entry: %w", err)
	}
	return nil
}

// Admit runs check while holding identity's lock and records the admission
// only when check reports admitted. A rejected submission never consumes the
// rate-limit slot, and two concurrent submissions from one identity cannot
// both pass.
func (l *Ledger) Admit(identity string, epoch uint64, agentHash string, check func() (bool, error)) (bool, error) {
	m := l.lockFor(identity)
	m.Lock()
	defer m.Unlock()

	ok, err := check()
	if err != nil || !ok {
		return false, err
	}
	prev, had, err := l.backend.GetLedgerEntry(identity)
	if err != nil {
		return false, fmt.Errorf("get ledger entry: %w", err)
	}
	if had && prev.AgentHash == agentHash {
		return true, nil
	}
	if err := l.put(identity, epoch, agentHash); err != nil {
		return false, err
	}
	return true, nil
}

// MemoryBackend is an in-process Backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

// GetLedgerEntry implements Backend.
func (b *MemoryBackend) GetLedgerEntry(identity string) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[identity]
	return e, ok, nil
}

// PutLedgerEntry implements Backend.
func (b *MemoryBackend) PutLedgerEntry(identity string, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[identity] = e
	return nil
}

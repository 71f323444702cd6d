package submission

import (
	"fmt"
	"sync"
)

// NameRecord is one version of a named agent.
type NameRecord struct {
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	Version    int    `json:"version"`
	AgentHash  string `json:"agent_hash"`
	Epoch      uint64 `json:"epoch"`
	Superseded bool   `json:"superseded"`
}

// Registry tracks name ownership and the version history of each name. The
// first miner to submit under a name owns it; every later admitted
// submission under that name becomes the next version and supersedes the
// previous one.
type Registry struct {
	mu       sync.RWMutex
	owners   map[string]string
	versions map[string][]NameRecord
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		owners:   make(map[string]string),
		versions: make(map[string][]NameRecord),
	}
}

// Load restores records, typically read back from storage at startup.
func (r *Registry) Load(records []NameRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if _, ok := r.owners[rec.Name]; !ok {
			r.owners[rec.Name] = rec.Owner
		}
		r.versions[rec.Name] = append(r.versions[rec.Name], rec)
	}
}

// Owner returns the owner of name.
func (r *Registry) Owner(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[name]
	return owner, ok
}

// Claim records an admitted submission under s.Name and returns the new
// version record plus the record it supersedes, if any. Claiming the same
// agent hash twice is a no-op that returns the existing record.
func (r *Registry) Claim(s *Submission) (NameRecord, *NameRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[s.Name]; ok && owner != s.Miner {
		return NameRecord{}, nil, fmt.Errorf("name %q owned by %s", s.Name, owner)
	}

	history := r.versions[s.Name]
	for _, rec := range history {
		if rec.AgentHash == s.AgentHash {
			return rec, nil, nil
		}
	}

	rec := NameRecord{
		Name:      s.Name,
		Owner:     s.Miner,
		Version:   len(history) + 1,
		AgentHash: s.AgentHash,
		Epoch:     s.Epoch,
	}
	var prev *NameRecord
	if n := len(history); n > 0 {
		history[n-1].Superseded = true
		p := history[n-1]
		prev = &p
	}
	r.owners[s.Name] = s.Miner
	r.versions[s.Name] = append(history, rec)
	return rec, prev, nil
}

// Latest returns the newest version of name.
func (r *Registry) Latest(name string) (NameRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.versions[name]
	if len(history) == 0 {
		return NameRecord{}, false
	}
	return history[len(history)-1], true
}

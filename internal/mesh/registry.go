// Package mesh keeps the validator set and carries review traffic between
// validators over websocket sessions.
package mesh

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/identity"
	"github.com/ssd-technologies/termconsensus/internal/storage"
)

// ErrUnknownValidator is returned for identities outside the validator set.
var ErrUnknownValidator = errors.New("unknown validator")

// ValidatorInfo describes a validator-set member.
type ValidatorInfo struct {
	Identity string    `json:"identity"`
	Address  string    `json:"address,omitempty"`
	Stake    uint64    `json:"stake"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

// RegistryStats contains summary statistics for the registry.
type RegistryStats struct {
	ValidatorsOnline int    `json:"validators_online"`
	ValidatorsTotal  int    `json:"validators_total"`
	StakeOnline      uint64 `json:"stake_online"`
	StakeTotal       uint64 `json:"stake_total"`
}

// Store persists the validator set.
type Store interface {
	PutValidator(v *storage.ValidatorRecord) error
	ListValidators() ([]storage.ValidatorRecord, error)
	DeleteValidator(identity string) error
}

// Registry is the validator set with stakes and liveness. It satisfies the
// engine's view of the active validators.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]*ValidatorInfo

	store  Store
	clock  assignment.Clock
	online prometheus.Gauge
}

// NewRegistry creates a Registry. store and online may be nil.
func NewRegistry(store Store, clock assignment.Clock, online prometheus.Gauge) *Registry {
	if clock == nil {
		clock = assignment.SystemClock{}
	}
	return &Registry{
		validators: make(map[string]*ValidatorInfo),
		store:      store,
		clock:      clock,
		online:     online,
	}
}

// Load replaces the in-memory set with the persisted one.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.ListValidators()
	if err != nil {
		return fmt.Errorf("load validators: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = make(map[string]*ValidatorInfo, len(records))
	for _, rec := range records {
		r.validators[rec.Identity] = &ValidatorInfo{
			Identity: rec.Identity,
			Address:  rec.Address,
			Stake:    rec.Stake,
			LastSeen: time.UnixMilli(rec.LastSeen),
			Online:   rec.Online,
		}
	}
	r.updateGaugeLocked()
	return nil
}

func (r *Registry) persistLocked(v *ValidatorInfo) error {
	if r.store == nil {
		return nil
	}
	return r.store.PutValidator(&storage.ValidatorRecord{
		Identity: v.Identity,
		Stake:    v.Stake,
		Address:  v.Address,
		LastSeen: v.LastSeen.UnixMilli(),
		Online:   v.Online,
	})
}

func (r *Registry) updateGaugeLocked() {
	if r.online == nil {
		return
	}
	var n int
	for _, v := range r.validators {
		if v.Online {
			n++
		}
	}
	r.online.Set(float64(n))
}

// Register adds or updates a validator with its stake and marks it online.
func (r *Registry) Register(id, address string, stake uint64) error {
	if _, err := identity.PublicKey(id); err != nil {
		return fmt.Errorf("register validator: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		v = &ValidatorInfo{Identity: id}
		r.validators[id] = v
	}
	v.Stake = stake
	if address != "" {
		v.Address = address
	}
	v.Online = true
	v.LastSeen = r.clock.Now()
	r.updateGaugeLocked()
	return r.persistLocked(v)
}

// Heartbeat marks a known validator online and refreshes its LastSeen.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		return ErrUnknownValidator
	}
	wasOnline := v.Online
	v.LastSeen = r.clock.Now()
	v.Online = true
	if !wasOnline {
		r.updateGaugeLocked()
		return r.persistLocked(v)
	}
	return nil
}

// Unregister removes a validator entirely.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[id]; !ok {
		return ErrUnknownValidator
	}
	delete(r.validators, id)
	r.updateGaugeLocked()
	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteValidator(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Get returns a copy of one validator.
func (r *Registry) Get(id string) (ValidatorInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[id]
	if !ok {
		return ValidatorInfo{}, false
	}
	return *v, true
}

// Active returns the online validators sorted by identity.
func (r *Registry) Active() []assignment.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]assignment.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		if v.Online {
			out = append(out, assignment.Validator{Identity: v.Identity, Stake: v.Stake})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Snapshot returns every validator sorted by identity.
func (r *Registry) Snapshot() []ValidatorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ValidatorInfo, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// PruneOffline marks validators offline when LastSeen is older than timeout
// and returns the identities that went offline, sorted.
func (r *Registry) PruneOffline(timeout time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-timeout)
	var pruned []string
	for id, v := range r.validators {
		if v.Online && v.LastSeen.Before(cutoff) {
			v.Online = false
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	for _, id := range pruned {
		if err := r.persistLocked(r.validators[id]); err != nil {
			return pruned, err
		}
	}
	if len(pruned) > 0 {
		r.updateGaugeLocked()
	}
	return pruned, nil
}

// Stats returns summary statistics for the registry.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats RegistryStats
	stats.ValidatorsTotal = len(r.validators)
	for _, v := range r.validators {
		stats.StakeTotal += v.Stake
		if v.Online {
			stats.ValidatorsOnline++
			stats.StakeOnline += v.Stake
		}
	}
	return stats
}

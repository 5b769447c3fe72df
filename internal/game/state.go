/*
Package game
File: state.go
Description:
    Manages the runtime state of the application.
    The Registry holds one Ledger per connected wallet. Each ledger has its
    own lock, so the registry lock only guards the wallet map and is never
    held while a ledger operation runs.
*/

package game

import (
	"fmt"
	"sort"
	"sync"
)

// SnapshotStore persists progressions between sessions.
type SnapshotStore interface {
	// LoadProgression returns ok=false when the wallet has never been saved.
	LoadProgression(wallet string) (Progression, bool, error)
	SaveProgression(p Progression) error
}

// Registry maps wallets to their live ledgers.
type Registry struct {
	mu      sync.RWMutex
	catalog *Catalog
	deps    Deps
	store   SnapshotStore
	ledgers map[string]*Ledger
}

// NewRegistry builds an empty registry. store may be nil, in which case
// sessions start fresh and are never persisted.
func NewRegistry(c *Catalog, deps Deps, store SnapshotStore) *Registry {
	return &Registry{catalog: c, deps: deps, store: store, ledgers: make(map[string]*Ledger)}
}

func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// SetDeps replaces the collaborators handed to ledgers opened afterwards.
// It exists so the reconciliation gateway, which needs the registry to route
// results, can be wired after the registry is built.
func (r *Registry) SetDeps(d Deps) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps = d
}

// Open returns the wallet's ledger, restoring it from the snapshot store on
// first use in this process.
func (r *Registry) Open(wallet string) (*Ledger, error) {
	if wallet == "" {
		return nil, errorf(CodeBadRequest, "wallet is required")
	}
	if l, ok := r.Get(wallet); ok {
		return l, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.ledgers[wallet]; ok {
		return l, nil
	}
	clock := r.deps.Clock
	if clock == nil {
		clock = nowUTC
	}
	p := NewProgression(wallet, clock())
	if r.store != nil {
		saved, ok, err := r.store.LoadProgression(wallet)
		if err != nil {
			return nil, fmt.Errorf("load progression %s: %w", wallet, err)
		}
		if ok {
			p = saved
		}
	}
	l := NewLedger(r.catalog, p, r.deps)
	r.ledgers[wallet] = l
	return l, nil
}

func (r *Registry) Get(wallet string) (*Ledger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.ledgers[wallet]
	return l, ok
}

// Each calls fn for every live ledger in wallet order, without holding the
// registry lock during fn.
func (r *Registry) Each(fn func(*Ledger)) {
	r.mu.RLock()
	wallets := make([]string, 0, len(r.ledgers))
	for w := range r.ledgers {
		wallets = append(wallets, w)
	}
	ls := make([]*Ledger, 0, len(wallets))
	sort.Strings(wallets)
	for _, w := range wallets {
		ls = append(ls, r.ledgers[w])
	}
	r.mu.RUnlock()

	for _, l := range ls {
		fn(l)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ledgers)
}

// SnapshotAll persists every live ledger and returns the first error.
func (r *Registry) SnapshotAll() error {
	if r.store == nil {
		return nil
	}
	var first error
	r.Each(func(l *Ledger) {
		if err := r.store.SaveProgression(l.Snapshot()); err != nil && first == nil {
			first = fmt.Errorf("save progression %s: %w", l.Wallet(), err)
		}
	})
	return first
}

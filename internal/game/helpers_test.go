package game

import (
	"context"
	"sync"
	"testing"
	"time"
)

const testCatalogYAML = `
economy:
  genesis_grant: 10
  daily_login: { reward: 1, streak_bonus: 5, streak_every: 7 }
  unification: { cost: 100, min_planets: 2, min_dwarf_planets: 1, passive_boost_bps: 10 }
bodies:
  - { name: Mercury, ordinal: 1, kind: planet, discovery_reward: 10, passive_income_per_hour: 0.5, mint_cost: { star: 0, external: 0.1 } }
  - { name: Venus, ordinal: 2, kind: planet, discovery_reward: 15, passive_income_per_hour: 0.5, mint_cost: { star: 0, external: 0.1 } }
  - { name: Earth, ordinal: 3, kind: planet, discovery_reward: 20, passive_income_per_hour: 0.5, mint_cost: { star: 0, external: 0.1 } }
  - { name: Mars, ordinal: 4, kind: planet, discovery_reward: 25, passive_income_per_hour: 0.5, mint_cost: { star: 0, external: 0.1 } }
  - { name: Pluto, ordinal: 5, kind: dwarfPlanet, discovery_reward: 200, passive_income_per_hour: 0.75, mint_cost: { star: 200 } }
  - { name: Ceres, ordinal: 6, kind: dwarfPlanet, discovery_reward: 180, passive_income_per_hour: 0.75, mint_cost: { star: 200 } }
burn_utilities:
  - { id: cosmic-boost, cost: 50, effect: reward-multiplier, multiplier: 2, uses: 3 }
  - { id: supernova, cost: 150, effect: reward-multiplier, multiplier: 3, uses: 1 }
  - { id: void-jump, cost: 100, effect: sequence-skip, reach: 1, uses: 1 }
  - { id: wormhole, cost: 250, effect: sequence-skip, reach: 3, uses: 1, prerequisite: { utility: void-jump } }
  - { id: celestial-shield, cost: 75, effect: fee-waiver, uses: 1 }
  - { id: cosmic-forge, cost: 100, effect: cosmetic-unlock, prerequisite: { owned_body: Mars } }
set_bonuses:
  - { id: inner-set, bonus: 25, bodies: [Mercury, Venus, Earth, Mars] }
referral:
  cap: 50
  tiers:
    - { min_count: 0, bonus: 5 }
    - { min_count: 3, bonus: 7 }
    - { min_count: 7, bonus: 10 }
`

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := ParseCatalog([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	return c
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []Action
}

func (d *recordingDispatcher) Dispatch(a Action) {
	d.mu.Lock()
	d.actions = append(d.actions, a)
	d.mu.Unlock()
}

func (d *recordingDispatcher) kinds() []ActionKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActionKind, 0, len(d.actions))
	for _, a := range d.actions {
		out = append(out, a.Kind)
	}
	return out
}

type stubTransferer struct {
	mu    sync.Mutex
	err   error
	calls int
	keys  []string
}

func (s *stubTransferer) RequestTransfer(_ context.Context, _ string, _ Amount, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.keys = append(s.keys, key)
	if s.err != nil {
		return "", s.err
	}
	return "tx-bonus", nil
}

type harness struct {
	ledger *Ledger
	clock  *fakeClock
	disp   *recordingDispatcher
	xfer   *stubTransferer
}

// newHarness returns a ledger for wallet "w1" holding star STAR.
func newHarness(t *testing.T, star int64) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{now: epoch}, disp: &recordingDispatcher{}, xfer: &stubTransferer{}}
	p := NewProgression("w1", epoch)
	p.StarBalance = STAR(star)
	h.ledger = NewLedger(testCatalog(t), p, Deps{Clock: h.clock.Now, Dispatcher: h.disp, Transferer: h.xfer})
	return h
}

func (h *harness) mustDiscover(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := h.ledger.Discover(n); err != nil {
			t.Fatalf("Discover(%s): %v", n, err)
		}
	}
}

func (h *harness) mustMint(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := h.ledger.Mint(n, "tx-"+n); err != nil {
			t.Fatalf("Mint(%s): %v", n, err)
		}
	}
}

package game

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestDiscover_OutOfOrderIsRejected(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.ledger.Discover("Venus")
	if !errors.Is(err, ErrSequenceViolation) {
		t.Fatalf("err=%v want sequence violation", err)
	}
	ge, _ := AsError(err)
	if ge.Predecessor != "Mercury" {
		t.Fatalf("predecessor=%q want=Mercury", ge.Predecessor)
	}
	p := h.ledger.Snapshot()
	if len(p.DiscoveredOrder) != 0 || p.BonusBalance != 0 || p.StarBalance != STAR(10) {
		t.Fatalf("state changed after rejection: %+v", p)
	}
	if len(h.disp.kinds()) != 0 {
		t.Fatalf("rejected discovery dispatched %v", h.disp.kinds())
	}
}

func TestDiscover_UnknownBody(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.ledger.Discover("Vulcan"); !errors.Is(err, ErrUnknownBody) {
		t.Fatalf("err=%v", err)
	}
}

func TestDiscover_IsIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	first, err := h.ledger.Discover("Mercury")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	h.clock.Advance(time.Minute)
	again, err := h.ledger.Discover("Mercury")
	if err != nil {
		t.Fatalf("second Discover: %v", err)
	}
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("replay differs: %+v vs %+v", first, again)
	}
	p := h.ledger.Snapshot()
	if p.BonusBalance != STAR(10) || len(p.DiscoveredOrder) != 1 {
		t.Fatalf("bonus=%s order=%v", p.BonusBalance, p.DiscoveredOrder)
	}
	if first.Order != 1 || first.Reward != STAR(10) || first.Multiplier != 1 {
		t.Fatalf("result=%+v", first)
	}
}

func TestMint_RealizesDiscoveryReward(t *testing.T) {
	h := newHarness(t, 10)
	h.mustDiscover(t, "Mercury")
	res, err := h.ledger.Mint("Mercury", "tx-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if res.StarBalance != STAR(20) || res.RewardRealized != STAR(10) {
		t.Fatalf("result=%+v", res)
	}
	if res.ExternalFee != 100_000 || res.FeeWaived {
		t.Fatalf("fee=%s waived=%v", res.ExternalFee, res.FeeWaived)
	}
	p := h.ledger.Snapshot()
	if p.StarBalance != STAR(20) || p.BonusBalance != 0 || !p.OwnedNFTs["Mercury"] {
		t.Fatalf("progression=%+v", p)
	}
	if _, ok := p.PendingRewards["Mercury"]; ok {
		t.Fatalf("pending reward left behind")
	}
	if p.MintTx["Mercury"] != "tx-1" || !p.MintedAt["Mercury"].Equal(epoch) {
		t.Fatalf("mint record=%v %v", p.MintTx, p.MintedAt)
	}
	want := []ActionKind{ActionDiscovery, ActionMint, ActionBalance}
	if got := h.disp.kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("actions=%v want=%v", got, want)
	}
}

func TestMint_Rejections(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.ledger.Mint("Mercury", "tx"); !errors.Is(err, ErrNotDiscovered) {
		t.Fatalf("undiscovered: err=%v", err)
	}
	h.mustDiscover(t, "Mercury")
	h.mustMint(t, "Mercury")
	if _, err := h.ledger.Mint("Mercury", "tx"); !errors.Is(err, ErrAlreadyMinted) {
		t.Fatalf("double mint: err=%v", err)
	}

	h.mustDiscover(t, "Venus", "Earth", "Mars", "Pluto")
	before := h.ledger.Snapshot()
	_, err := h.ledger.Mint("Pluto", "tx")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Pluto: err=%v", err)
	}
	ge, _ := AsError(err)
	if ge.Shortfall != STAR(200)-before.StarBalance {
		t.Fatalf("shortfall=%s balance=%s", ge.Shortfall, before.StarBalance)
	}
	after := h.ledger.Snapshot()
	if after.StarBalance != before.StarBalance || after.OwnedNFTs["Pluto"] {
		t.Fatalf("failed mint mutated state")
	}
}

func TestMint_CompletesSetOnce(t *testing.T) {
	h := newHarness(t, 0)
	h.mustDiscover(t, "Mercury", "Venus", "Earth", "Mars")
	h.mustMint(t, "Mercury", "Venus", "Earth")
	res, err := h.ledger.Mint("Mars", "tx-Mars")
	if err != nil {
		t.Fatalf("Mint Mars: %v", err)
	}
	if len(res.SetBonuses) != 1 || res.SetBonuses[0].ID != "inner-set" {
		t.Fatalf("set bonuses=%+v", res.SetBonuses)
	}
	// 10+15+20+25 realized rewards plus the 25 set bonus.
	if res.StarBalance != STAR(95) {
		t.Fatalf("balance=%s want=95", res.StarBalance)
	}
	if again := h.ledger.ApplySetBonuses(); len(again) != 0 {
		t.Fatalf("redundant evaluation credited %+v", again)
	}
	if got := h.ledger.Snapshot().StarBalance; got != STAR(95) {
		t.Fatalf("balance after re-evaluation=%s", got)
	}
}

func TestSettleAccrual(t *testing.T) {
	h := newHarness(t, 0)
	h.mustDiscover(t, "Mercury")
	h.mustMint(t, "Mercury")
	base := h.ledger.Snapshot().StarBalance

	h.clock.Advance(2 * time.Hour)
	if got := h.ledger.SettleAccrual(h.clock.Now()); got != STAR(1) {
		t.Fatalf("accrued=%s want=1", got)
	}
	if got := h.ledger.SettleAccrual(h.clock.Now()); got != 0 {
		t.Fatalf("second settle accrued %s", got)
	}
	if got := h.ledger.SettleAccrual(epoch); got != 0 {
		t.Fatalf("settle in the past accrued %s", got)
	}
	p := h.ledger.Snapshot()
	if p.StarBalance != base+STAR(1) || !p.LastAccrualSettledAt.Equal(h.clock.Now()) {
		t.Fatalf("balance=%s settled=%v", p.StarBalance, p.LastAccrualSettledAt)
	}
}

func TestSpend_SettlesFirst(t *testing.T) {
	h := newHarness(t, 0)
	h.mustDiscover(t, "Mercury")
	h.mustMint(t, "Mercury")
	h.clock.Advance(4 * time.Hour)

	// 10 realized plus 2 accrued.
	res, err := h.ledger.Spend(STAR(12), "test")
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if res.StarBalance != 0 {
		t.Fatalf("balance=%s", res.StarBalance)
	}
	if _, err := h.ledger.Spend(1, "test"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overspend err=%v", err)
	}
	if _, err := h.ledger.Spend(-1, "test"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("negative spend err=%v", err)
	}
}

func TestClaimBonus(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.ledger.ClaimBonus(context.Background()); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("empty claim err=%v", err)
	}
	h.mustDiscover(t, "Mercury")

	h.xfer.err = &Error{Code: CodeUnreachable, Message: "down"}
	if _, err := h.ledger.ClaimBonus(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("failed claim err=%v", err)
	}
	p := h.ledger.Snapshot()
	if p.BonusBalance != STAR(10) || p.PendingRewards["Mercury"] != STAR(10) {
		t.Fatalf("failed claim changed balance: bonus=%s pending=%v", p.BonusBalance, p.PendingRewards)
	}

	h.xfer.err = nil
	res, err := h.ledger.ClaimBonus(context.Background())
	if err != nil {
		t.Fatalf("ClaimBonus: %v", err)
	}
	if res.Amount != STAR(10) || res.BonusBalance != 0 || res.TxRef != "tx-bonus" {
		t.Fatalf("result=%+v", res)
	}
	if h.xfer.keys[0] != h.xfer.keys[1] {
		t.Fatalf("retry used a new idempotency key: %v", h.xfer.keys)
	}
	mint, err := h.ledger.Mint("Mercury", "tx")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if mint.RewardRealized != 0 {
		t.Fatalf("claimed reward realized again: %s", mint.RewardRealized)
	}
}

func TestClaimGenesis(t *testing.T) {
	h := newHarness(t, 0)
	got, err := h.ledger.ClaimGenesis("a@b.c", "")
	if err != nil || got != STAR(10) {
		t.Fatalf("ClaimGenesis=%s err=%v", got, err)
	}
	before := h.ledger.Snapshot()
	dispatched := len(h.disp.kinds())
	_, err = h.ledger.ClaimGenesis("a@b.c", "")
	var gerr *Error
	if !errors.Is(err, ErrAlreadyClaimed) || !errors.As(err, &gerr) || !gerr.Benign() {
		t.Fatalf("second claim err=%v", err)
	}
	after := h.ledger.Snapshot()
	if !reflect.DeepEqual(before, after) || after.StarBalance != STAR(10) || after.GenesisClaimedAt == nil {
		t.Fatalf("repeat claim changed the progression: %+v", after)
	}
	if n := len(h.disp.kinds()); n != dispatched {
		t.Fatalf("repeat claim dispatched %d actions", n-dispatched)
	}
}

func TestClaimDailyLogin_Streak(t *testing.T) {
	h := newHarness(t, 0)
	var total Amount
	for day := 1; day <= 7; day++ {
		res, err := h.ledger.ClaimDailyLogin()
		if err != nil {
			t.Fatalf("day %d: %v", day, err)
		}
		if res.Streak != day {
			t.Fatalf("day %d streak=%d", day, res.Streak)
		}
		total += res.Reward
		if _, err := h.ledger.ClaimDailyLogin(); !errors.Is(err, ErrAlreadyClaimedDay) {
			t.Fatalf("day %d repeat err=%v", day, err)
		}
		h.clock.Advance(24 * time.Hour)
	}
	if total != STAR(6+5) {
		t.Fatalf("total=%s want=11", total)
	}
	h.clock.Advance(24 * time.Hour)
	res, err := h.ledger.ClaimDailyLogin()
	if err != nil || res.Streak != 1 {
		t.Fatalf("after a missed day streak=%d err=%v", res.Streak, err)
	}
}

func TestReconciliationHooks(t *testing.T) {
	h := newHarness(t, 5)
	if _, err := h.ledger.ClaimGenesis("", ""); err != nil {
		t.Fatalf("ClaimGenesis: %v", err)
	}
	keys := h.ledger.Unconfirmed()
	if len(keys) != 2 {
		t.Fatalf("unconfirmed=%v", keys)
	}
	h.ledger.Confirm("w1|claimGenesis|genesis")
	if left := h.ledger.Unconfirmed(); len(left) != 1 || left[0] != "w1|balanceUpdate|1" {
		t.Fatalf("unconfirmed after confirm=%v", left)
	}

	neg := Amount(-3)
	rev := uint64(40)
	if upto := h.ledger.AdoptServerTruth("w1|balanceUpdate|1", ServerTruth{StarBalance: &neg, Revision: &rev}); upto != 40 {
		t.Fatalf("overruled up to %d want=40", upto)
	}
	p := h.ledger.Snapshot()
	if p.StarBalance != 0 || p.Revision != 40 || len(p.Unconfirmed) != 0 {
		t.Fatalf("after adopt: balance=%s revision=%d unconfirmed=%v", p.StarBalance, p.Revision, p.Unconfirmed)
	}
	older := uint64(3)
	if upto := h.ledger.AdoptServerTruth("x", ServerTruth{Revision: &older}); upto != 0 {
		t.Fatalf("truth without a balance overruled syncs up to %d", upto)
	}
	if got := h.ledger.Snapshot().Revision; got != 40 {
		t.Fatalf("revision moved backwards to %d", got)
	}

	h.ledger.ApplyReferral(1, STAR(5), STAR(5))
	if p := h.ledger.Snapshot(); p.BonusBalance != STAR(5) || p.ReferralCount != 1 {
		t.Fatalf("referral: bonus=%s count=%d", p.BonusBalance, p.ReferralCount)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func TestEventsCarryBalances(t *testing.T) {
	h := newHarness(t, 0)
	sink := &recordingSink{}
	h.ledger.deps.Events = Sinks{sink}
	h.mustDiscover(t, "Mercury")
	h.mustMint(t, "Mercury")
	if len(sink.events) != 2 {
		t.Fatalf("events=%+v", sink.events)
	}
	if e := sink.events[0]; e.Type != EventDiscovered || e.BonusBalance != STAR(10) || e.Wallet != "w1" {
		t.Fatalf("discover event=%+v", e)
	}
	if e := sink.events[1]; e.Type != EventMinted || e.StarBalance != STAR(10) {
		t.Fatalf("mint event=%+v", e)
	}
}

// Random concurrent operations must never drive a balance negative.
func TestLedger_ConcurrentOperationsKeepBalancesNonNegative(t *testing.T) {
	h := newHarness(t, 300)
	names := []string{"Mercury", "Venus", "Earth", "Mars", "Pluto", "Ceres"}
	utilities := []string{"cosmic-boost", "supernova", "void-jump", "wormhole", "celestial-shield", "cosmic-forge"}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 300; i++ {
				switch rng.Intn(7) {
				case 0:
					_, _ = h.ledger.Discover(names[rng.Intn(len(names))])
				case 1:
					_, _ = h.ledger.Mint(names[rng.Intn(len(names))], "tx")
				case 2:
					_, _ = h.ledger.Activate(utilities[rng.Intn(len(utilities))])
				case 3:
					_, _ = h.ledger.Spend(STAR(rng.Int63n(40)), "random")
				case 4:
					h.clock.Advance(time.Duration(rng.Intn(3600)) * time.Second)
					h.ledger.SettleAccrual(h.clock.Now())
				case 5:
					_, _ = h.ledger.ClaimBonus(context.Background())
				case 6:
					_, _ = h.ledger.Unify()
				}
				p := h.ledger.Snapshot()
				if p.StarBalance < 0 || p.BonusBalance < 0 {
					t.Errorf("negative balance: star=%s bonus=%s", p.StarBalance, p.BonusBalance)
					return
				}
			}
		}(int64(g))
	}
	wg.Wait()
}

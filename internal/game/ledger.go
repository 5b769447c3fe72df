/*
Package game
File: ledger.go
Description:
    The ProgressionLedger. One Ledger owns one player's Progression and is
    the only way to mutate it. Every operation runs inside the ledger's own
    mutex (one critical section per player, never a process-wide lock),
    validates before it mutates, and only after the lock is released hands
    committed actions to the Dispatcher and events to the EventSink.

    Balance rules:
    - starBalance and bonusBalance never go negative.
    - Discovery rewards wait in bonusBalance and move to starBalance at mint.
    - Every debit goes through spendLocked.
    - Accrual is settled before any balance-dependent decision.
*/

package game

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Deps are the collaborators a Ledger calls outside its critical section.
type Deps struct {
	Clock      func() time.Time
	Dispatcher Dispatcher
	Transferer Transferer
	Events     EventSink
}

// Ledger guards a single player's progression.
type Ledger struct {
	mu       sync.Mutex
	catalog  *Catalog
	deps     Deps
	p        Progression
	claiming bool // a bonus transfer request is in flight
}

// MintResult describes a successful mint.
type MintResult struct {
	Body           string      `json:"body"`
	TxRef          string      `json:"tx_ref"`
	StarCost       Amount      `json:"star_cost"`
	ExternalFee    Amount      `json:"external_fee"`
	FeeWaived      bool        `json:"fee_waived"`
	RewardRealized Amount      `json:"reward_realized"`
	SetBonuses     []SetStatus `json:"set_bonuses,omitempty"`
	StarBalance    Amount      `json:"star_balance"`
}

// MintQuote is a dry run of Mint used before asking the chain to mint.
type MintQuote struct {
	Body        string `json:"body"`
	StarCost    Amount `json:"star_cost"`
	ExternalFee Amount `json:"external_fee"`
	FeeWaiver   bool   `json:"fee_waiver"`
}

type SpendResult struct {
	Amount      Amount `json:"amount"`
	Reason      string `json:"reason"`
	StarBalance Amount `json:"star_balance"`
}

type ClaimResult struct {
	Amount       Amount `json:"amount"`
	TxRef        string `json:"tx_ref"`
	BonusBalance Amount `json:"bonus_balance"`
}

type DailyLoginResult struct {
	Reward      Amount `json:"reward"`
	Streak      int    `json:"streak"`
	StarBalance Amount `json:"star_balance"`
}

// View is a read-only summary of a progression for clients.
type View struct {
	Progression
	NextDiscoverable string      `json:"next_discoverable,omitempty"`
	IncomePerHour    Amount      `json:"income_per_hour"`
	Sets             []SetStatus `json:"sets"`
	Pending          int         `json:"pending_confirmations"`
}

// NewProgression is the state of a freshly connected wallet.
func NewProgression(wallet string, now time.Time) Progression {
	p := Progression{Wallet: wallet, LastAccrualSettledAt: now}
	p.normalize()
	return p
}

func (p *Progression) normalize() {
	if p.Discoveries == nil {
		p.Discoveries = make(map[string]DiscoveryResult)
	}
	if p.PendingRewards == nil {
		p.PendingRewards = make(map[string]Amount)
	}
	if p.OwnedNFTs == nil {
		p.OwnedNFTs = make(map[string]bool)
	}
	if p.MintedAt == nil {
		p.MintedAt = make(map[string]time.Time)
	}
	if p.MintTx == nil {
		p.MintTx = make(map[string]string)
	}
	if p.ClaimedSetBonuses == nil {
		p.ClaimedSetBonuses = make(map[string]time.Time)
	}
	if p.Unconfirmed == nil {
		p.Unconfirmed = make(map[string]string)
	}
	if p.Effects.Cosmetics == nil {
		p.Effects.Cosmetics = make(map[string]bool)
	}
	if p.Effects.Activated == nil {
		p.Effects.Activated = make(map[string]int)
	}
}

func (p Progression) clone() Progression {
	c := p
	c.DiscoveredOrder = append([]string(nil), p.DiscoveredOrder...)
	c.Discoveries = make(map[string]DiscoveryResult, len(p.Discoveries))
	for k, v := range p.Discoveries {
		c.Discoveries[k] = v
	}
	c.PendingRewards = make(map[string]Amount, len(p.PendingRewards))
	for k, v := range p.PendingRewards {
		c.PendingRewards[k] = v
	}
	c.OwnedNFTs = make(map[string]bool, len(p.OwnedNFTs))
	for k, v := range p.OwnedNFTs {
		c.OwnedNFTs[k] = v
	}
	c.MintedAt = make(map[string]time.Time, len(p.MintedAt))
	for k, v := range p.MintedAt {
		c.MintedAt[k] = v
	}
	c.MintTx = make(map[string]string, len(p.MintTx))
	for k, v := range p.MintTx {
		c.MintTx[k] = v
	}
	c.ClaimedSetBonuses = make(map[string]time.Time, len(p.ClaimedSetBonuses))
	for k, v := range p.ClaimedSetBonuses {
		c.ClaimedSetBonuses[k] = v
	}
	c.Unconfirmed = make(map[string]string, len(p.Unconfirmed))
	for k, v := range p.Unconfirmed {
		c.Unconfirmed[k] = v
	}
	if p.GenesisClaimedAt != nil {
		t := *p.GenesisClaimedAt
		c.GenesisClaimedAt = &t
	}
	c.Effects = p.Effects.clone()
	return c
}

// NewLedger wraps a progression. A nil Clock defaults to time.Now.
func NewLedger(c *Catalog, p Progression, deps Deps) *Ledger {
	p.normalize()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Ledger{catalog: c, p: p, deps: deps}
}

// outcome collects what a critical section committed so it can be handed to
// the dispatcher and event sinks after the lock is released.
type outcome struct {
	actions []Action
	events  []Event
}

func (l *Ledger) flush(o *outcome) {
	if l.deps.Dispatcher != nil {
		for _, a := range o.actions {
			l.deps.Dispatcher.Dispatch(a)
		}
	}
	if l.deps.Events != nil {
		for _, e := range o.events {
			l.deps.Events.Publish(e)
		}
	}
}

func (l *Ledger) record(o *outcome, a Action) {
	l.p.Unconfirmed[a.Key()] = string(a.Kind)
	o.actions = append(o.actions, a)
}

func (l *Ledger) emit(o *outcome, e Event) {
	e.Wallet = l.p.Wallet
	e.StarBalance = l.p.StarBalance
	e.BonusBalance = l.p.BonusBalance
	o.events = append(o.events, e)
}

// bumpBalance records a balance sync after a committed balance change. A
// newer revision supersedes any balance sync still awaiting the backend.
func (l *Ledger) bumpBalance(o *outcome, now time.Time) {
	for key, kind := range l.p.Unconfirmed {
		if kind == string(ActionBalance) {
			delete(l.p.Unconfirmed, key)
		}
	}
	l.p.Revision++
	l.record(o, balanceAction(l.p.Wallet, l.p.StarBalance, l.p.Revision, now))
}

// Wallet is immutable for the lifetime of the ledger.
func (l *Ledger) Wallet() string {
	return l.p.Wallet
}

// Snapshot returns a deep copy of the progression.
func (l *Ledger) Snapshot() Progression {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.clone()
}

// View settles accrual and returns a client summary.
func (l *Ledger) View() View {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.settleLocked(&o, l.deps.Clock())
	v := View{
		Progression:   l.p.clone(),
		IncomePerHour: IncomePerHour(l.catalog, l.ownedLocked(), l.p.PassiveBoostBps),
		Sets:          EvaluateSets(l.catalog, l.p.OwnedNFTs),
		Pending:       len(l.p.Unconfirmed),
	}
	if b, ok := l.nextDiscoverableLocked(); ok {
		v.NextDiscoverable = b.Name
	}
	return v
}

// ownedLocked lists owned NFTs in discovery order.
func (l *Ledger) ownedLocked() []string {
	out := make([]string, 0, len(l.p.OwnedNFTs))
	for _, name := range l.p.DiscoveredOrder {
		if l.p.OwnedNFTs[name] {
			out = append(out, name)
		}
	}
	return out
}

func (l *Ledger) nextDiscoverableLocked() (Body, bool) {
	for _, b := range l.catalog.bodies {
		if _, ok := l.p.Discoveries[b.Name]; !ok {
			return b, true
		}
	}
	return Body{}, false
}

// NextDiscoverable is the lowest-ordinal body not yet discovered.
func (l *Ledger) NextDiscoverable() (Body, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextDiscoverableLocked()
}

// Discover unlocks a body. Bodies must be discovered in ordinal order unless
// a sequence-skip credit covers the gap. Calling it again for a discovered
// body returns the original result without crediting anything.
func (l *Ledger) Discover(name string) (DiscoveryResult, error) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	body, ok := l.catalog.Body(name)
	if !ok {
		return DiscoveryResult{}, errorf(CodeUnknownBody, "no body named %q", name)
	}
	if prior, ok := l.p.Discoveries[name]; ok {
		return prior, nil
	}

	gap := 0
	predecessor := ""
	for ord := 1; ord < body.Ordinal; ord++ {
		b, _ := l.catalog.BodyAt(ord)
		if _, ok := l.p.Discoveries[b.Name]; !ok {
			if predecessor == "" {
				predecessor = b.Name
			}
			gap++
		}
	}
	skipUsed := false
	if gap > 0 {
		if _, ok := l.p.Effects.takeSkip(gap); !ok {
			return DiscoveryResult{}, sequenceViolation(name, predecessor)
		}
		skipUsed = true
	}

	now := l.deps.Clock()
	reward, factor := l.p.Effects.applyMultipliers(body.DiscoveryReward)

	l.p.DiscoveredOrder = append(l.p.DiscoveredOrder, name)
	res := DiscoveryResult{
		Body:       name,
		Order:      len(l.p.DiscoveredOrder),
		Reward:     reward,
		Multiplier: factor,
		SkipUsed:   skipUsed,
		At:         now,
	}
	l.p.Discoveries[name] = res
	if reward > 0 {
		l.p.PendingRewards[name] = reward
		l.p.BonusBalance += reward
	}

	l.record(&o, discoveryAction(l.p.Wallet, res))
	l.emit(&o, Event{Type: EventDiscovered, Body: name, Amount: reward, At: now})
	return res, nil
}

// checkMintLocked validates a mint without mutating anything.
func (l *Ledger) checkMintLocked(name string) (Body, error) {
	body, ok := l.catalog.Body(name)
	if !ok {
		return Body{}, errorf(CodeUnknownBody, "no body named %q", name)
	}
	if _, ok := l.p.Discoveries[name]; !ok {
		return Body{}, errorf(CodeNotDiscovered, "%s has not been discovered", name)
	}
	if l.p.OwnedNFTs[name] {
		return Body{}, errorf(CodeAlreadyMinted, "%s is already minted", name)
	}
	if l.claiming && l.p.PendingRewards[name] > 0 {
		return Body{}, errorf(CodeClaimPending, "a bonus claim holding the %s reward is in flight", name)
	}
	if body.MintCost.Star > l.p.StarBalance {
		return Body{}, insufficientFunds(body.MintCost.Star, l.p.StarBalance)
	}
	return body, nil
}

// QuoteMint settles accrual and reports what minting name would cost,
// failing exactly as Mint would.
func (l *Ledger) QuoteMint(name string) (MintQuote, error) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.settleLocked(&o, l.deps.Clock())
	body, err := l.checkMintLocked(name)
	if err != nil {
		return MintQuote{}, err
	}
	q := MintQuote{Body: name, StarCost: body.MintCost.Star, ExternalFee: body.MintCost.External}
	if q.ExternalFee > 0 && l.p.Effects.FeeWaivers > 0 {
		q.ExternalFee = 0
		q.FeeWaiver = true
	}
	return q, nil
}

// Mint records that the chain minted name for this player. The body's
// pending discovery reward is realized into starBalance and set bonuses are
// evaluated.
func (l *Ledger) Mint(name, txRef string) (MintResult, error) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.deps.Clock()
	l.settleLocked(&o, now)
	body, err := l.checkMintLocked(name)
	if err != nil {
		return MintResult{}, err
	}

	res := MintResult{Body: name, TxRef: txRef, StarCost: body.MintCost.Star, ExternalFee: body.MintCost.External}
	if res.ExternalFee > 0 && l.p.Effects.takeFeeWaiver() {
		res.ExternalFee = 0
		res.FeeWaived = true
	}
	if res.StarCost > 0 {
		if _, err := l.spendLocked(&o, res.StarCost, "mint:"+name, now); err != nil {
			return MintResult{}, err
		}
	}

	l.p.OwnedNFTs[name] = true
	l.p.MintedAt[name] = now
	l.p.MintTx[name] = txRef

	reward := l.p.PendingRewards[name]
	delete(l.p.PendingRewards, name)
	l.p.BonusBalance -= reward
	if l.p.BonusBalance < 0 {
		l.p.BonusBalance = 0
	}
	l.p.StarBalance += reward
	res.RewardRealized = reward
	l.emit(&o, Event{Type: EventMinted, Body: name, Amount: reward, Detail: txRef, At: now})

	res.SetBonuses = l.applySetBonusesLocked(&o, now)
	res.StarBalance = l.p.StarBalance

	l.record(&o, mintAction(l.p.Wallet, name, txRef, now))
	l.bumpBalance(&o, now)
	return res, nil
}

// applySetBonusesLocked credits each newly complete set once.
func (l *Ledger) applySetBonusesLocked(o *outcome, now time.Time) []SetStatus {
	earned := NewSetBonuses(l.catalog, l.p.OwnedNFTs, l.p.ClaimedSetBonuses)
	for _, s := range earned {
		l.p.ClaimedSetBonuses[s.ID] = now
		l.p.StarBalance += s.Bonus
		l.emit(o, Event{Type: EventSetBonus, Amount: s.Bonus, Detail: s.ID, At: now})
	}
	return earned
}

// ApplySetBonuses re-evaluates set bonuses. Redundant calls credit nothing.
func (l *Ledger) ApplySetBonuses() []SetStatus {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.deps.Clock()
	earned := l.applySetBonusesLocked(&o, now)
	if len(earned) > 0 {
		l.bumpBalance(&o, now)
	}
	return earned
}

// settleLocked credits passive income up to now. Calls with a now that is
// not after the last settlement are no-ops, which keeps the settlement
// timestamp monotonic.
func (l *Ledger) settleLocked(o *outcome, now time.Time) Amount {
	if !now.After(l.p.LastAccrualSettledAt) {
		return 0
	}
	amt := AccrueBoosted(l.catalog, l.ownedLocked(), l.p.MintedAt, l.p.LastAccrualSettledAt, now, l.p.PassiveBoostBps)
	l.p.LastAccrualSettledAt = now
	if amt > 0 {
		l.p.StarBalance += amt
		l.emit(o, Event{Type: EventAccrued, Amount: amt, At: now})
		l.bumpBalance(o, now)
	}
	return amt
}

// SettleAccrual credits passive income owed up to now.
func (l *Ledger) SettleAccrual(now time.Time) Amount {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settleLocked(&o, now)
}

// spendLocked is the single debit path.
func (l *Ledger) spendLocked(o *outcome, amount Amount, reason string, now time.Time) (SpendResult, error) {
	if amount < 0 {
		return SpendResult{}, errorf(CodeBadRequest, "cannot spend a negative amount")
	}
	if amount > l.p.StarBalance {
		return SpendResult{}, insufficientFunds(amount, l.p.StarBalance)
	}
	l.p.StarBalance -= amount
	l.emit(o, Event{Type: EventSpent, Amount: amount, Detail: reason, At: now})
	return SpendResult{Amount: amount, Reason: reason, StarBalance: l.p.StarBalance}, nil
}

// Spend debits starBalance after settling accrual.
func (l *Ledger) Spend(amount Amount, reason string) (SpendResult, error) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.deps.Clock()
	l.settleLocked(&o, now)
	res, err := l.spendLocked(&o, amount, reason, now)
	if err != nil {
		return SpendResult{}, err
	}
	l.bumpBalance(&o, now)
	return res, nil
}

// ClaimBonus asks for the whole bonusBalance to be transferred to the
// player's wallet. The balance is reduced only after the transfer request is
// accepted; on failure it is left untouched.
func (l *Ledger) ClaimBonus(ctx context.Context) (ClaimResult, error) {
	l.mu.Lock()
	if l.claiming {
		l.mu.Unlock()
		return ClaimResult{}, errorf(CodeClaimPending, "a bonus claim is already in flight")
	}
	if l.deps.Transferer == nil {
		l.mu.Unlock()
		return ClaimResult{}, errorf(CodeUnreachable, "no transfer route configured")
	}
	amount := l.p.BonusBalance
	if amount <= 0 {
		l.mu.Unlock()
		return ClaimResult{}, errorf(CodeNothingToClaim, "bonus balance is empty")
	}
	l.claiming = true
	wallet := l.p.Wallet
	key := fmt.Sprintf("bonus#%d", l.p.BonusClaims+1)
	held := make([]string, 0, len(l.p.PendingRewards))
	for name := range l.p.PendingRewards {
		held = append(held, name)
	}
	l.mu.Unlock()

	txRef, err := l.deps.Transferer.RequestTransfer(ctx, wallet, amount, key)

	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claiming = false
	if err != nil {
		return ClaimResult{}, err
	}

	l.p.BonusClaims++
	l.p.BonusBalance -= amount
	if l.p.BonusBalance < 0 {
		l.p.BonusBalance = 0
	}
	for _, name := range held {
		delete(l.p.PendingRewards, name)
	}
	l.emit(&o, Event{Type: EventBonusClaimed, Amount: amount, Detail: txRef, At: l.deps.Clock()})
	return ClaimResult{Amount: amount, TxRef: txRef, BonusBalance: l.p.BonusBalance}, nil
}

// ClaimGenesis grants the one-time starting balance. A non-empty referral
// code is forwarded to the backend, which credits the referrer. A repeat
// fails with the benign AlreadyClaimed and changes nothing.
func (l *Ledger) ClaimGenesis(email, referral string) (Amount, error) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.p.GenesisClaimedAt != nil {
		return 0, errorf(CodeAlreadyClaimed, "genesis grant already claimed at %s", l.p.GenesisClaimedAt.Format(time.RFC3339))
	}
	now := l.deps.Clock()
	l.settleLocked(&o, now)
	grant := l.catalog.Economy().GenesisGrant
	l.p.GenesisClaimedAt = &now
	l.p.StarBalance += grant

	l.record(&o, genesisAction(l.p.Wallet, email, referral, grant, now))
	l.emit(&o, Event{Type: EventGenesis, Amount: grant, At: now})
	l.bumpBalance(&o, now)
	return grant, nil
}

// ClaimDailyLogin credits the daily reward once per UTC day.
func (l *Ledger) ClaimDailyLogin() (DailyLoginResult, error) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.deps.Clock()
	streak, ok := NextStreak(l.p.LastDailyLogin, l.p.DailyStreak, now)
	if !ok {
		return DailyLoginResult{}, errorf(CodeAlreadyClaimedDay, "daily login already claimed for %s", DayKey(now))
	}
	l.settleLocked(&o, now)
	reward := DailyLoginReward(l.catalog.Economy().DailyLogin, streak)
	l.p.DailyStreak = streak
	l.p.LastDailyLogin = now
	l.p.StarBalance += reward

	l.record(&o, dailyLoginAction(l.p.Wallet, reward, now))
	l.emit(&o, Event{Type: EventDailyLogin, Amount: reward, Detail: fmt.Sprintf("streak %d", streak), At: now})
	l.bumpBalance(&o, now)
	return DailyLoginResult{Reward: reward, Streak: streak, StarBalance: l.p.StarBalance}, nil
}

// ApplyReferral records a referral bonus the backend credited to this player.
// Counters only move forward.
func (l *Ledger) ApplyReferral(count int, earned, bonus Amount) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	if count > l.p.ReferralCount {
		l.p.ReferralCount = count
	}
	if earned > l.p.ReferralBonusEarned {
		l.p.ReferralBonusEarned = earned
	}
	if bonus > 0 {
		l.p.BonusBalance += bonus
		l.emit(&o, Event{Type: EventReferral, Amount: bonus, At: l.deps.Clock()})
	}
}

// Unconfirmed lists action keys still waiting for the backend, sorted.
func (l *Ledger) Unconfirmed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.p.Unconfirmed))
	for k := range l.p.Unconfirmed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

/*
Package game
File: burn.go
Description:
    Burn utilities. Activating one burns STAR through the ledger's single
    debit path and grants an effect that later discoveries and mints consult.
    Unification is the permanent end-game burn.
*/

package game

import "sort"

// ActivationResult reports a successful utility activation.
type ActivationResult struct {
	UtilityID   string      `json:"utility_id"`
	Effect      EffectClass `json:"effect"`
	Cost        Amount      `json:"cost"`
	Activation  int         `json:"activation"` // 1-based count for this utility
	StarBalance Amount      `json:"star_balance"`
}

// Affordability is a read-only check used by clients before activating.
type Affordability struct {
	UtilityID  string `json:"utility_id"`
	Cost       Amount `json:"cost"`
	Balance    Amount `json:"balance"`
	Affordable bool   `json:"affordable"`
	Shortfall  Amount `json:"shortfall,omitempty"`
	Unmet      string `json:"unmet_prerequisite,omitempty"`
}

type UnifyResult struct {
	Cost            Amount `json:"cost"`
	PassiveBoostBps int64  `json:"passive_boost_bps"`
	StarBalance     Amount `json:"star_balance"`
}

func (e EffectState) clone() EffectState {
	c := EffectState{
		Multipliers: append([]ActiveMultiplier(nil), e.Multipliers...),
		SkipCredits: append([]SkipCredit(nil), e.SkipCredits...),
		FeeWaivers:  e.FeeWaivers,
		Cosmetics:   make(map[string]bool, len(e.Cosmetics)),
		Activated:   make(map[string]int, len(e.Activated)),
	}
	for k, v := range e.Cosmetics {
		c.Cosmetics[k] = v
	}
	for k, v := range e.Activated {
		c.Activated[k] = v
	}
	return c
}

// applyMultipliers multiplies base by every active multiplier and consumes
// one use from each. Multipliers stack multiplicatively. A zero reward does
// not consume uses.
func (e *EffectState) applyMultipliers(base Amount) (Amount, int64) {
	if base <= 0 || len(e.Multipliers) == 0 {
		return base, 1
	}
	factor := int64(1)
	kept := e.Multipliers[:0]
	for _, m := range e.Multipliers {
		factor *= m.Factor
		m.Remaining--
		if m.Remaining > 0 {
			kept = append(kept, m)
		}
	}
	e.Multipliers = kept
	return base * Amount(factor), factor
}

// takeSkip consumes the smallest skip credit whose reach covers gap.
func (e *EffectState) takeSkip(gap int) (SkipCredit, bool) {
	best := -1
	for i, s := range e.SkipCredits {
		if s.Reach >= gap && (best < 0 || s.Reach < e.SkipCredits[best].Reach) {
			best = i
		}
	}
	if best < 0 {
		return SkipCredit{}, false
	}
	s := e.SkipCredits[best]
	e.SkipCredits = append(e.SkipCredits[:best], e.SkipCredits[best+1:]...)
	return s, true
}

func (e *EffectState) takeFeeWaiver() bool {
	if e.FeeWaivers <= 0 {
		return false
	}
	e.FeeWaivers--
	return true
}

func (e *EffectState) grant(u BurnUtility) {
	uses := u.Uses
	if uses < 1 {
		uses = 1
	}
	switch u.Effect {
	case EffectRewardMultiplier:
		e.Multipliers = append(e.Multipliers, ActiveMultiplier{UtilityID: u.ID, Factor: u.Multiplier, Remaining: uses})
	case EffectSequenceSkip:
		for i := 0; i < uses; i++ {
			e.SkipCredits = append(e.SkipCredits, SkipCredit{UtilityID: u.ID, Reach: u.Reach})
		}
		sort.SliceStable(e.SkipCredits, func(i, j int) bool { return e.SkipCredits[i].Reach < e.SkipCredits[j].Reach })
	case EffectFeeWaiver:
		e.FeeWaivers += uses
	case EffectCosmeticUnlock:
		e.Cosmetics[u.ID] = true
	}
}

// unmetLocked names the first unmet prerequisite of u, or "".
func (l *Ledger) unmetLocked(u BurnUtility) string {
	if u.Prerequisite == nil {
		return ""
	}
	if b := u.Prerequisite.OwnedBody; b != "" && !l.p.OwnedNFTs[b] {
		return "own " + b
	}
	if id := u.Prerequisite.Utility; id != "" && l.p.Effects.Activated[id] == 0 {
		return "activate " + id
	}
	return ""
}

// Affordability settles accrual and reports whether id can be activated now.
func (l *Ledger) Affordability(id string) (Affordability, error) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.catalog.Utility(id)
	if !ok {
		return Affordability{}, errorf(CodeUnknownUtility, "no utility %q", id)
	}
	l.settleLocked(&o, l.deps.Clock())
	a := Affordability{UtilityID: id, Cost: u.Cost, Balance: l.p.StarBalance, Unmet: l.unmetLocked(u)}
	if u.Cost > l.p.StarBalance {
		a.Shortfall = u.Cost - l.p.StarBalance
	}
	a.Affordable = a.Shortfall == 0 && a.Unmet == ""
	return a, nil
}

// Activate burns the utility's cost and grants its effect. Checks run in a
// fixed order: unknown utility, prerequisite, cosmetic already unlocked,
// funds.
func (l *Ledger) Activate(id string) (ActivationResult, error) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.catalog.Utility(id)
	if !ok {
		return ActivationResult{}, errorf(CodeUnknownUtility, "no utility %q", id)
	}
	if unmet := l.unmetLocked(u); unmet != "" {
		return ActivationResult{}, errorf(CodePrerequisite, "%s requires: %s", id, unmet)
	}
	if u.Effect == EffectCosmeticUnlock && l.p.Effects.Cosmetics[id] {
		return ActivationResult{}, errorf(CodeAlreadyUnlocked, "%s is already unlocked", id)
	}

	now := l.deps.Clock()
	l.settleLocked(&o, now)
	if _, err := l.spendLocked(&o, u.Cost, "burn:"+id, now); err != nil {
		return ActivationResult{}, err
	}
	l.p.Effects.grant(u)
	l.p.Effects.Activated[id]++
	n := l.p.Effects.Activated[id]

	l.record(&o, burnAction(l.p.Wallet, id, n, u.Cost, now))
	l.emit(&o, Event{Type: EventUtility, UtilityID: id, Amount: u.Cost, At: now})
	l.bumpBalance(&o, now)
	return ActivationResult{UtilityID: id, Effect: u.Effect, Cost: u.Cost, Activation: n, StarBalance: l.p.StarBalance}, nil
}

// unificationID is the burn key recorded for unification.
const unificationID = "unification"

// Unify burns the unification cost once the player owns enough planets and
// dwarf planets, and permanently boosts passive income.
func (l *Ledger) Unify() (UnifyResult, error) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.catalog.Economy().Unification
	if l.p.Unified {
		return UnifyResult{}, errorf(CodeAlreadyClaimed, "already unified")
	}
	var planets, dwarfs int
	for name := range l.p.OwnedNFTs {
		b, _ := l.catalog.Body(name)
		switch b.Kind {
		case KindPlanet:
			planets++
		case KindDwarfPlanet:
			dwarfs++
		}
	}
	if planets < cfg.MinPlanets || dwarfs < cfg.MinDwarfPlanets {
		return UnifyResult{}, errorf(CodePrerequisite, "unification needs %d planets and %d dwarf planets, own %d and %d",
			cfg.MinPlanets, cfg.MinDwarfPlanets, planets, dwarfs)
	}

	now := l.deps.Clock()
	l.settleLocked(&o, now)
	if _, err := l.spendLocked(&o, cfg.Cost, "burn:"+unificationID, now); err != nil {
		return UnifyResult{}, err
	}
	l.p.Unified = true
	l.p.PassiveBoostBps += cfg.PassiveBoostBps

	l.record(&o, burnAction(l.p.Wallet, unificationID, 1, cfg.Cost, now))
	l.emit(&o, Event{Type: EventUnified, Amount: cfg.Cost, At: now})
	l.bumpBalance(&o, now)
	return UnifyResult{Cost: cfg.Cost, PassiveBoostBps: l.p.PassiveBoostBps, StarBalance: l.p.StarBalance}, nil
}

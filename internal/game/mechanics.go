/*
Package game
File: mechanics.go
Description:
    Pure rule functions with no side effects: passive income accrual,
    set-bonus evaluation, referral tier pricing and the daily login schedule.
    Everything here is safe to call from any goroutine.
*/

package game

import (
	"math/big"
	"time"
)

const bpsDenominator = 10_000

// Accrue computes passive income owed between from and to for the given owned
// NFTs. Each NFT accrues from max(from, mintedAt) to to at its catalog rate.
//
// Rounding happens once, on the cumulative total since each mint, so
// Accrue(a, c) == Accrue(a, b) + Accrue(b, c) holds exactly for a <= b <= c
// and settling often never loses income to per-call truncation.
func Accrue(c *Catalog, owned []string, mintedAt map[string]time.Time, from, to time.Time) Amount {
	return AccrueBoosted(c, owned, mintedAt, from, to, 0)
}

// AccrueBoosted is Accrue with every rate raised by boostBps basis points.
func AccrueBoosted(c *Catalog, owned []string, mintedAt map[string]time.Time, from, to time.Time, boostBps int64) Amount {
	if !to.After(from) || len(owned) == 0 {
		return 0
	}
	hi := accruedSinceMint(c, owned, mintedAt, to, boostBps)
	lo := accruedSinceMint(c, owned, mintedAt, from, boostBps)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// accruedSinceMint is floor(sum(rate_i * max(0, t-mint_i)) / 1h), boosted.
func accruedSinceMint(c *Catalog, owned []string, mintedAt map[string]time.Time, t time.Time, boostBps int64) Amount {
	total := new(big.Int)
	term := new(big.Int)
	for _, name := range owned {
		b, ok := c.Body(name)
		if !ok || b.PassiveIncomePerHour <= 0 {
			continue
		}
		m, ok := mintedAt[name]
		if !ok || !t.After(m) {
			continue
		}
		term.SetInt64(int64(b.PassiveIncomePerHour))
		term.Mul(term, big.NewInt(int64(t.Sub(m))))
		total.Add(total, term)
	}
	if total.Sign() == 0 {
		return 0
	}
	total.Mul(total, big.NewInt(bpsDenominator+boostBps))
	denom := new(big.Int).Mul(big.NewInt(int64(time.Hour)), big.NewInt(bpsDenominator))
	total.Quo(total, denom)
	return Amount(total.Int64())
}

// IncomePerHour is the current passive income rate of a set of owned NFTs.
func IncomePerHour(c *Catalog, owned []string, boostBps int64) Amount {
	var rate Amount
	for _, name := range owned {
		if b, ok := c.Body(name); ok {
			rate += b.PassiveIncomePerHour
		}
	}
	return rate * Amount(bpsDenominator+boostBps) / bpsDenominator
}

// SetStatus is the evaluation of one set bonus against an owned set.
type SetStatus struct {
	ID       string `json:"id"`
	Bonus    Amount `json:"bonus"`
	Owned    int    `json:"owned"`
	Required int    `json:"required"`
	Complete bool   `json:"complete"`
}

// EvaluateSets reports completion of every catalog set bonus.
func EvaluateSets(c *Catalog, owned map[string]bool) []SetStatus {
	sets := c.SetBonuses()
	out := make([]SetStatus, 0, len(sets))
	for _, s := range sets {
		n := 0
		for _, name := range s.Bodies {
			if owned[name] {
				n++
			}
		}
		out = append(out, SetStatus{
			ID:       s.ID,
			Bonus:    s.Bonus,
			Owned:    n,
			Required: len(s.Bodies),
			Complete: n == len(s.Bodies),
		})
	}
	return out
}

// NewSetBonuses returns the complete sets not yet in claimed. Calling it
// again after the caller records the result yields nothing, so redundant
// evaluation never double credits.
func NewSetBonuses(c *Catalog, owned map[string]bool, claimed map[string]time.Time) []SetStatus {
	var out []SetStatus
	for _, s := range EvaluateSets(c, owned) {
		if !s.Complete {
			continue
		}
		if _, done := claimed[s.ID]; done {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ReferrerState is what tier pricing needs to know about a referrer.
type ReferrerState struct {
	ReferralCount int    `json:"referral_count"`
	BonusEarned   Amount `json:"bonus_earned"`
}

// BonusForReferral prices the next referral: the tier for the current count,
// clipped to the headroom left under the lifetime cap.
func BonusForReferral(cfg ReferralConfig, s ReferrerState) Amount {
	var bonus Amount
	for _, t := range cfg.Tiers {
		if s.ReferralCount >= t.MinCount {
			bonus = t.Bonus
		}
	}
	headroom := cfg.Cap - s.BonusEarned
	if headroom <= 0 {
		return 0
	}
	if bonus > headroom {
		return headroom
	}
	return bonus
}

// utcDay truncates t to midnight UTC.
func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayKey is the natural key of a daily login claim ("2026-10-18").
func DayKey(t time.Time) string {
	return utcDay(t).Format("2006-01-02")
}

// NextStreak returns the streak a daily login at now would produce, or false
// when last already falls on now's UTC day. A zero last starts a new streak.
func NextStreak(last time.Time, streak int, now time.Time) (int, bool) {
	if last.IsZero() {
		return 1, true
	}
	today, prev := utcDay(now), utcDay(last)
	switch {
	case !today.After(prev):
		return streak, false
	case today.Sub(prev) == 24*time.Hour:
		return streak + 1, true
	default:
		return 1, true
	}
}

// DailyLoginReward prices a claim at the given streak day.
func DailyLoginReward(cfg DailyLoginConfig, streak int) Amount {
	if cfg.StreakEvery > 0 && streak > 0 && streak%cfg.StreakEvery == 0 {
		return cfg.StreakBonus
	}
	return cfg.Reward
}

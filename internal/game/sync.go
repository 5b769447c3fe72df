/*
Package game
File: sync.go
Description:
    Reconciliation hooks. The gateway calls Confirm when the backend accepts
    an action and AdoptServerTruth when it rejects one.
*/

package game

import "time"

// ServerTruth carries the backend's authoritative values after it rejected a
// local action. Nil fields are not asserted by the backend.
type ServerTruth struct {
	StarBalance         *Amount    `json:"star_balance,omitempty"`
	Revision            *uint64    `json:"revision,omitempty"`
	GenesisClaimedAt    *time.Time `json:"genesis_claimed_at,omitempty"`
	LastDailyLogin      *time.Time `json:"last_daily_login,omitempty"`
	DailyStreak         *int       `json:"daily_streak,omitempty"`
	ReferralCount       *int       `json:"referral_count,omitempty"`
	ReferralBonusEarned *Amount    `json:"referral_bonus_earned,omitempty"`
}

// Confirm drops key from the unconfirmed set once the backend accepted it.
func (l *Ledger) Confirm(key string) {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.p.Unconfirmed[key]; !ok {
		return
	}
	delete(l.p.Unconfirmed, key)
	l.emit(&o, Event{Type: EventConfirmed, Detail: key, At: l.deps.Clock()})
}

// AdoptServerTruth replaces local values with the backend's after a
// rejection. The server wins. Balances are clamped at zero and the revision
// never moves backwards.
//
// When the backend asserts a balance, every balance sync issued so far
// carries a value the backend has overruled. They are forgotten here and the
// returned revision marks them: queued syncs at or below it must not be
// delivered. Zero means no balance was adopted.
func (l *Ledger) AdoptServerTruth(key string, t ServerTruth) uint64 {
	var o outcome
	defer l.flush(&o)
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.p.Unconfirmed, key)
	if t.Revision != nil && *t.Revision > l.p.Revision {
		l.p.Revision = *t.Revision
	}
	var stale uint64
	if t.StarBalance != nil {
		l.p.StarBalance = max(*t.StarBalance, 0)
		for k, kind := range l.p.Unconfirmed {
			if kind == string(ActionBalance) {
				delete(l.p.Unconfirmed, k)
			}
		}
		stale = l.p.Revision
	}
	if t.GenesisClaimedAt != nil {
		at := *t.GenesisClaimedAt
		l.p.GenesisClaimedAt = &at
	}
	if t.LastDailyLogin != nil {
		l.p.LastDailyLogin = *t.LastDailyLogin
	}
	if t.DailyStreak != nil {
		l.p.DailyStreak = *t.DailyStreak
	}
	if t.ReferralCount != nil {
		l.p.ReferralCount = *t.ReferralCount
	}
	if t.ReferralBonusEarned != nil {
		l.p.ReferralBonusEarned = *t.ReferralBonusEarned
	}
	l.emit(&o, Event{Type: EventReconciled, Detail: key, At: l.deps.Clock()})
	return stale
}

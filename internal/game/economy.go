/*
Package game
File: economy.go
Description:
    Periodic economy maintenance. The heartbeat in main calls Tick, which
    settles passive income for every live session so balances keep moving
    for players who are idle.
*/

package game

import "time"

func nowUTC() time.Time {
	return time.Now().UTC()
}

// TickReport summarizes one heartbeat.
type TickReport struct {
	Sessions int    `json:"sessions"`
	Settled  int    `json:"settled"` // Sessions that received income
	Accrued  Amount `json:"accrued"`
}

// Tick settles accrual for every live ledger up to now.
func (r *Registry) Tick(now time.Time) TickReport {
	var rep TickReport
	r.Each(func(l *Ledger) {
		rep.Sessions++
		if amt := l.SettleAccrual(now); amt > 0 {
			rep.Settled++
			rep.Accrued += amt
		}
	})
	return rep
}

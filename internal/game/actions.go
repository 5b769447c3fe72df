/*
Package game
File: actions.go
Description:
    Actions a ledger hands to the reconciliation gateway, their idempotency
    keys, and the ports the ledger depends on (dispatcher, transferer,
    event sinks).
*/

package game

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// ActionKind names an externally persisted action.
type ActionKind string

const (
	ActionGenesis    ActionKind = "claimGenesis"
	ActionDiscovery  ActionKind = "recordDiscovery"
	ActionDailyLogin ActionKind = "claimDailyLogin"
	ActionMint       ActionKind = "recordMint"
	ActionBurn       ActionKind = "recordBurn"
	ActionBalance    ActionKind = "balanceUpdate"
)

// Action is one committed local mutation that the backend must learn about.
// The backend treats (Wallet, Kind, NaturalKey) as an idempotency key.
type Action struct {
	Kind       ActionKind `json:"kind"`
	Wallet     string     `json:"wallet"`
	NaturalKey string     `json:"natural_key"`

	Body      string    `json:"body,omitempty"`
	Order     int       `json:"order,omitempty"`
	Amount    Amount    `json:"amount,omitempty"`
	TxRef     string    `json:"tx_ref,omitempty"`
	UtilityID string    `json:"utility_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Referral  string    `json:"referral,omitempty"`
	Revision  uint64    `json:"revision,omitempty"`
	At        time.Time `json:"at"`
}

// Key is the plain-text idempotency key.
func (a Action) Key() string {
	return fmt.Sprintf("%s|%s|%s", a.Wallet, a.Kind, a.NaturalKey)
}

func genesisAction(wallet, email, referral string, amount Amount, at time.Time) Action {
	return Action{
		Kind:       ActionGenesis,
		Wallet:     wallet,
		NaturalKey: "genesis",
		Email:      email,
		Referral:   referral,
		Amount:     amount,
		At:         at,
	}
}

func discoveryAction(wallet string, r DiscoveryResult) Action {
	return Action{Kind: ActionDiscovery, Wallet: wallet, NaturalKey: r.Body, Body: r.Body, Order: r.Order, Amount: r.Reward, At: r.At}
}

func mintAction(wallet, body, txRef string, at time.Time) Action {
	return Action{Kind: ActionMint, Wallet: wallet, NaturalKey: body, Body: body, TxRef: txRef, At: at}
}

func burnAction(wallet, utilityID string, n int, amount Amount, at time.Time) Action {
	return Action{
		Kind:       ActionBurn,
		Wallet:     wallet,
		NaturalKey: utilityID + "#" + strconv.Itoa(n),
		UtilityID:  utilityID,
		Amount:     amount,
		At:         at,
	}
}

func dailyLoginAction(wallet string, reward Amount, at time.Time) Action {
	return Action{Kind: ActionDailyLogin, Wallet: wallet, NaturalKey: DayKey(at), Amount: reward, At: at}
}

func balanceAction(wallet string, balance Amount, revision uint64, at time.Time) Action {
	return Action{
		Kind:       ActionBalance,
		Wallet:     wallet,
		NaturalKey: strconv.FormatUint(revision, 10),
		Amount:     balance,
		Revision:   revision,
		At:         at,
	}
}

// Dispatcher accepts committed actions for eventual delivery. It must not
// block on the network.
type Dispatcher interface {
	Dispatch(a Action)
}

// Transferer requests a transfer of claimable STAR to the player's wallet and
// reports whether the request was accepted.
type Transferer interface {
	RequestTransfer(ctx context.Context, wallet string, amount Amount, key string) (string, error)
}

// EventType names a ledger event pushed to observers (websocket, journal).
type EventType string

const (
	EventDiscovered   EventType = "discovered"
	EventMinted       EventType = "minted"
	EventSpent        EventType = "spent"
	EventAccrued      EventType = "accrued"
	EventSetBonus     EventType = "set_bonus"
	EventUtility      EventType = "utility_activated"
	EventBonusClaimed EventType = "bonus_claimed"
	EventGenesis      EventType = "genesis"
	EventDailyLogin   EventType = "daily_login"
	EventUnified      EventType = "unified"
	EventReferral     EventType = "referral_bonus"
	EventReconciled   EventType = "reconciled"
	EventConfirmed    EventType = "confirmed"
)

// Event describes something that happened to a player's ledger.
type Event struct {
	Type         EventType `json:"type"`
	Wallet       string    `json:"wallet"`
	Body         string    `json:"body,omitempty"`
	UtilityID    string    `json:"utility_id,omitempty"`
	Amount       Amount    `json:"amount,omitempty"`
	StarBalance  Amount    `json:"star_balance"`
	BonusBalance Amount    `json:"bonus_balance"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// EventSink receives ledger events after the critical section is released.
type EventSink interface {
	Publish(e Event)
}

// Sinks fans an event out to several sinks.
type Sinks []EventSink

func (s Sinks) Publish(e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(e)
		}
	}
}

/*
Package reconcile
File: wire.go
Description:
    Request and reply bodies of the backend API, and the Rejection error
    that carries the server's values.
*/

package reconcile

import (
	"fmt"
	"time"

	"github.com/cosmicvoyage/star-economy/internal/game"
)

// Request and reply bodies of the backend API. The in-process service and
// the HTTP client share them.

type GenesisRequest struct {
	Wallet   string      `json:"wallet"`
	Email    string      `json:"email,omitempty"`
	Referral string      `json:"referral,omitempty"`
	Amount   game.Amount `json:"amount"`
	At       time.Time   `json:"at"`
}

type GenesisReply struct {
	Balance      game.Amount `json:"balance"`
	ClaimedAt    time.Time   `json:"claimed_at"`
	ReferralCode string      `json:"referral_code"`
}

type DiscoveryRequest struct {
	Wallet string      `json:"wallet"`
	Body   string      `json:"body"`
	Order  int         `json:"order"`
	Reward game.Amount `json:"reward"`
	At     time.Time   `json:"at"`
}

type DailyLoginRequest struct {
	Wallet string      `json:"wallet"`
	Reward game.Amount `json:"reward"`
	At     time.Time   `json:"at"`
}

type DailyLoginReply struct {
	Reward game.Amount `json:"reward"`
	Streak int         `json:"streak"`
}

type MintRequest struct {
	Wallet string    `json:"wallet"`
	Body   string    `json:"body"`
	TxRef  string    `json:"tx_ref"`
	At     time.Time `json:"at"`
}

type BurnRequest struct {
	Wallet    string      `json:"wallet"`
	UtilityID string      `json:"utility_id"`
	Key       string      `json:"key"`
	Amount    game.Amount `json:"amount"`
	At        time.Time   `json:"at"`
}

type BalanceRequest struct {
	Wallet   string      `json:"wallet"`
	Balance  game.Amount `json:"balance"`
	Revision uint64      `json:"revision"`
}

type TransferRequest struct {
	Wallet string      `json:"wallet"`
	Amount game.Amount `json:"amount"`
	Key    string      `json:"key"`
}

type TransferReply struct {
	TxRef string `json:"tx_ref"`
}

type Ack struct {
	OK bool `json:"ok"`
}

// Rejection is a definitive "no" from the backend. Truth carries the values
// the client must adopt.
type Rejection struct {
	Code   game.Code         `json:"code"`
	Reason string            `json:"error"`
	Truth  *game.ServerTruth `json:"truth,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("backend rejected (%s): %s", r.Code, r.Reason)
}

/*
Package chain
File: chain.go
Description:
    Stand-in for the wallet and chain layer. The economy only ever sees an
    opaque transaction reference or an error, so the simulator hands out
    random references and can be told to fail for testing and staging.
*/

package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cosmicvoyage/star-economy/internal/game"
)

var ErrRejected = errors.New("chain: transaction rejected")

// Receipt is what the simulator remembers about a transaction.
type Receipt struct {
	TxRef  string      `json:"tx_ref"`
	Kind   string      `json:"kind"` // mint or transfer
	Wallet string      `json:"wallet"`
	Body   string      `json:"body,omitempty"`
	Amount game.Amount `json:"amount"`
	At     time.Time   `json:"at"`
}

type Simulator struct {
	latency time.Duration

	mu       sync.Mutex
	failNext int
	receipts []Receipt
}

func NewSimulator(latency time.Duration) *Simulator {
	return &Simulator{latency: latency}
}

// FailNext makes the next n transactions fail with ErrRejected.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func newTxRef() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Simulator) submit(ctx context.Context, r Receipt) (string, error) {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.latency):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return "", fmt.Errorf("%s for %s: %w", r.Kind, r.Wallet, ErrRejected)
	}
	r.TxRef = newTxRef()
	r.At = time.Now().UTC()
	s.receipts = append(s.receipts, r)
	return r.TxRef, nil
}

// Mint mints body as an NFT for wallet, paying fee in the external currency.
func (s *Simulator) Mint(ctx context.Context, wallet, body string, fee game.Amount) (string, error) {
	return s.submit(ctx, Receipt{Kind: "mint", Wallet: wallet, Body: body, Amount: fee})
}

// TransferToWallet sends claimable STAR to wallet.
func (s *Simulator) TransferToWallet(ctx context.Context, wallet string, amount game.Amount) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("transfer of %s: %w", amount, ErrRejected)
	}
	return s.submit(ctx, Receipt{Kind: "transfer", Wallet: wallet, Amount: amount})
}

// Receipts returns the transactions of wallet, oldest first.
func (s *Simulator) Receipts(wallet string) []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Receipt
	for _, r := range s.receipts {
		if r.Wallet == wallet {
			out = append(out, r)
		}
	}
	return out
}

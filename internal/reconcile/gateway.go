/*
Package reconcile
File: gateway.go
Description:
    The reconciliation gateway. Ledgers commit locally and hand each action
    to Dispatch, which only writes it to the durable outbox. A background
    worker drains the outbox against the backend and routes the outcome back:
    accepted actions are confirmed, rejected ones make the ledger adopt the
    server's values, unreachable ones stay queued with backoff.
*/

package reconcile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"lukechampine.com/blake3"

	"github.com/cosmicvoyage/star-economy/internal/game"
)

// Outcome is the uniform result of performing one action.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Unreachable
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unreachable"
	}
}

type Result struct {
	Outcome Outcome
	Reason  string
	Code    game.Code
	Truth   game.ServerTruth
}

// Backend is the authoritative service. Every method is idempotent on the
// natural key of its request. A *Rejection error is a definitive answer; any
// other error means the backend could not be reached.
type Backend interface {
	ClaimGenesis(ctx context.Context, req GenesisRequest) (GenesisReply, error)
	RecordDiscovery(ctx context.Context, req DiscoveryRequest) error
	ClaimDailyLogin(ctx context.Context, req DailyLoginRequest) (DailyLoginReply, error)
	RecordMint(ctx context.Context, req MintRequest) error
	RecordBurn(ctx context.Context, req BurnRequest) error
	UpdateBalance(ctx context.Context, req BalanceRequest) error
	RequestTransfer(ctx context.Context, req TransferRequest) (TransferReply, error)
}

// Entry is one queued action.
type Entry struct {
	ID       int64
	Action   game.Action
	Attempts int
}

// Outbox is durable storage for actions awaiting delivery. Enqueue ignores
// an action whose digest is already queued and drops queued balance syncs
// of the same wallet with a lower revision. DropBalance removes the
// wallet's queued balance syncs at or below a revision.
type Outbox interface {
	Enqueue(a game.Action, digest string) error
	Due(now time.Time, limit int) ([]Entry, error)
	MarkDone(id int64) error
	Defer(id int64, until time.Time, reason string) error
	DropBalance(wallet string, upto uint64) (int, error)
	Pending() (int, error)
}

// Target receives outcomes for one wallet. *game.Ledger implements it.
// AdoptServerTruth returns the revision at or below which queued balance
// syncs were overruled, or zero.
type Target interface {
	Confirm(key string)
	AdoptServerTruth(key string, t game.ServerTruth) uint64
}

// Router finds the live target for a wallet. Outcomes for wallets without a
// live session are dropped; the next session restores from the snapshot.
type Router func(wallet string) (Target, bool)

// Digest is the hex blake3 hash of an action's idempotency key.
func Digest(a game.Action) string {
	sum := blake3.Sum256([]byte(a.Key()))
	return hex.EncodeToString(sum[:])
}

type Config struct {
	Timeout    time.Duration // Bounded wait per backend call
	Interval   time.Duration // Drain period when nothing nudges the worker
	BatchSize  int
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	return c
}

type Gateway struct {
	backend Backend
	outbox  Outbox
	route   Router
	cfg     Config
	clock   func() time.Time
	nudge   chan struct{}
}

func NewGateway(b Backend, o Outbox, route Router, cfg Config) *Gateway {
	return &Gateway{
		backend: b,
		outbox:  o,
		route:   route,
		cfg:     cfg.withDefaults(),
		clock:   time.Now,
		nudge:   make(chan struct{}, 1),
	}
}

// Dispatch implements game.Dispatcher. It never blocks on the network.
func (g *Gateway) Dispatch(a game.Action) {
	if err := g.outbox.Enqueue(a, Digest(a)); err != nil {
		log.Printf("OUTBOX: enqueue %s failed: %v", a.Key(), err)
		return
	}
	g.Nudge()
}

// Nudge asks the worker for an early drain.
func (g *Gateway) Nudge() {
	select {
	case g.nudge <- struct{}{}:
	default:
	}
}

// Perform delivers one action with a bounded wait.
func (g *Gateway) Perform(ctx context.Context, a game.Action) Result {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return classify(g.call(ctx, a))
}

func (g *Gateway) call(ctx context.Context, a game.Action) error {
	switch a.Kind {
	case game.ActionGenesis:
		_, err := g.backend.ClaimGenesis(ctx, GenesisRequest{Wallet: a.Wallet, Email: a.Email, Referral: a.Referral, Amount: a.Amount, At: a.At})
		return err
	case game.ActionDiscovery:
		return g.backend.RecordDiscovery(ctx, DiscoveryRequest{Wallet: a.Wallet, Body: a.Body, Order: a.Order, Reward: a.Amount, At: a.At})
	case game.ActionDailyLogin:
		_, err := g.backend.ClaimDailyLogin(ctx, DailyLoginRequest{Wallet: a.Wallet, Reward: a.Amount, At: a.At})
		return err
	case game.ActionMint:
		return g.backend.RecordMint(ctx, MintRequest{Wallet: a.Wallet, Body: a.Body, TxRef: a.TxRef, At: a.At})
	case game.ActionBurn:
		return g.backend.RecordBurn(ctx, BurnRequest{Wallet: a.Wallet, UtilityID: a.UtilityID, Key: a.NaturalKey, Amount: a.Amount, At: a.At})
	case game.ActionBalance:
		return g.backend.UpdateBalance(ctx, BalanceRequest{Wallet: a.Wallet, Balance: a.Amount, Revision: a.Revision})
	default:
		return &Rejection{Code: game.CodeBadRequest, Reason: fmt.Sprintf("unknown action kind %q", a.Kind)}
	}
}

func classify(err error) Result {
	if err == nil {
		return Result{Outcome: Accepted}
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		r := Result{Outcome: Rejected, Reason: rej.Reason, Code: rej.Code}
		if rej.Truth != nil {
			r.Truth = *rej.Truth
		}
		return r
	}
	return Result{Outcome: Unreachable, Reason: err.Error(), Code: game.CodeUnreachable}
}

// backoff doubles from one second up to MaxBackoff.
func (g *Gateway) backoff(attempts int) time.Duration {
	d := time.Second
	for i := 1; i < attempts && d < g.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, g.cfg.MaxBackoff)
}

// FlushReport summarizes one drain.
type FlushReport struct {
	Accepted int
	Rejected int
	Deferred int
}

// Flush drains due outbox entries in order. The round stops at the first
// unreachable result so a dead backend is not hammered once per entry.
func (g *Gateway) Flush(ctx context.Context) (FlushReport, error) {
	var rep FlushReport
	entries, err := g.outbox.Due(g.clock(), g.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("outbox due: %w", err)
	}
	overruled := make(map[string]uint64)
	for _, e := range entries {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if e.Action.Kind == game.ActionBalance && e.Action.Revision <= overruled[e.Action.Wallet] {
			continue
		}
		r := g.Perform(ctx, e.Action)
		if r.Outcome == Unreachable {
			until := g.clock().Add(g.backoff(e.Attempts + 1))
			if err := g.outbox.Defer(e.ID, until, r.Reason); err != nil {
				return rep, fmt.Errorf("outbox defer %d: %w", e.ID, err)
			}
			rep.Deferred++
			return rep, nil
		}
		if err := g.outbox.MarkDone(e.ID); err != nil {
			return rep, fmt.Errorf("outbox done %d: %w", e.ID, err)
		}
		if upto := g.apply(e.Action, r); upto > 0 {
			overruled[e.Action.Wallet] = max(overruled[e.Action.Wallet], upto)
		}
		if r.Outcome == Accepted {
			rep.Accepted++
		} else {
			rep.Rejected++
			log.Printf("OUTBOX: %s rejected (%s): %s", e.Action.Key(), r.Code, r.Reason)
		}
	}
	return rep, nil
}

// apply routes an outcome to the wallet's ledger. A rejection that asserts
// a balance overrules the wallet's queued balance syncs; apply removes them
// from the outbox and returns the revision they were dropped up to.
func (g *Gateway) apply(a game.Action, r Result) uint64 {
	var t Target
	if g.route != nil {
		t, _ = g.route(a.Wallet)
	}
	switch {
	case r.Outcome == Accepted:
		if t != nil {
			t.Confirm(a.Key())
		}
		return 0
	case r.Outcome != Rejected:
		return 0
	}

	upto := uint64(math.MaxInt64)
	if t != nil {
		upto = t.AdoptServerTruth(a.Key(), r.Truth)
	} else if r.Truth.StarBalance == nil {
		upto = 0
	}
	if upto == 0 {
		return 0
	}
	n, err := g.outbox.DropBalance(a.Wallet, upto)
	if err != nil {
		log.Printf("OUTBOX: dropping overruled balance syncs for %s: %v", a.Wallet, err)
	} else if n > 0 {
		log.Printf("OUTBOX: dropped %d overruled balance syncs for %s", n, a.Wallet)
	}
	return upto
}

// Run drains the outbox on every tick or nudge until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-g.nudge:
		}
		rep, err := g.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("OUTBOX: flush failed: %v", err)
			continue
		}
		if rep.Deferred > 0 {
			log.Printf("OUTBOX: backend unreachable, %d accepted before deferring", rep.Accepted)
		}
	}
}

// RequestTransfer implements game.Transferer. It calls the backend directly
// because the ledger waits on the answer before reducing the bonus balance.
func (g *Gateway) RequestTransfer(ctx context.Context, wallet string, amount game.Amount, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	reply, err := g.backend.RequestTransfer(ctx, TransferRequest{Wallet: wallet, Amount: amount, Key: key})
	if err == nil {
		return reply.TxRef, nil
	}
	r := classify(err)
	if r.Outcome == Rejected {
		return "", &game.Error{Code: game.CodeRejected, Message: r.Reason}
	}
	return "", &game.Error{Code: game.CodeUnreachable, Message: r.Reason}
}

/*
Package backend
File: service.go
Description:
    The authoritative backend. Clients commit optimistically and report each
    action here; this service records it idempotently on the action's natural
    key and answers with either an acknowledgement or a *reconcile.Rejection
    carrying the server's values, which the client adopts.
*/

package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cosmicvoyage/star-economy/internal/chain"
	"github.com/cosmicvoyage/star-economy/internal/game"
	"github.com/cosmicvoyage/star-economy/internal/reconcile"
	"github.com/cosmicvoyage/star-economy/internal/store"
)

// Wallet is the chain-side transfer the service requests on claims.
type Wallet interface {
	TransferToWallet(ctx context.Context, wallet string, amount game.Amount) (string, error)
}

type Service struct {
	db      *store.DB
	catalog *game.Catalog
	wallet  Wallet
	clock   func() time.Time
	locks   keyedMutex

	// OnReferral, when set, is called after a referral bonus is recorded,
	// outside any lock.
	OnReferral func(r ReferralReceipt)
}

func NewService(db *store.DB, c *game.Catalog, w Wallet) *Service {
	return &Service{db: db, catalog: c, wallet: w, clock: time.Now}
}

func reject(code game.Code, format string, args ...any) *reconcile.Rejection {
	return &reconcile.Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func truthOf(p store.Player) *game.ServerTruth {
	bal := p.StarBalance
	rev := p.Revision
	streak := p.DailyStreak
	count := p.ReferralCount
	earned := p.ReferralBonusEarned
	t := &game.ServerTruth{
		StarBalance:         &bal,
		Revision:            &rev,
		DailyStreak:         &streak,
		ReferralCount:       &count,
		ReferralBonusEarned: &earned,
	}
	if !p.GenesisClaimedAt.IsZero() {
		at := p.GenesisClaimedAt
		t.GenesisClaimedAt = &at
	}
	if !p.LastDailyLogin.IsZero() {
		at := p.LastDailyLogin
		t.LastDailyLogin = &at
	}
	return t
}

// newReferralCode is the first four wallet characters after the 0x prefix
// followed by four random ones, upper-cased.
func newReferralCode(wallet string) string {
	w := strings.TrimPrefix(strings.ToLower(wallet), "0x")
	w += "xxxx"
	return strings.ToUpper(w[:4] + strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
}

// player loads the wallet's record, creating it on first contact. Callers
// hold the wallet lock.
func (s *Service) player(ctx context.Context, wallet string) (store.Player, error) {
	if wallet == "" {
		return store.Player{}, reject(game.CodeBadRequest, "wallet is required")
	}
	p, ok, err := s.db.Player(ctx, wallet)
	if err != nil || ok {
		return p, err
	}
	p = store.Player{Wallet: wallet, CreatedAt: s.clock().UTC()}
	for attempt := 0; attempt < 5; attempt++ {
		p.ReferralCode = newReferralCode(wallet)
		if _, taken, err := s.db.PlayerByReferralCode(ctx, p.ReferralCode); err != nil {
			return store.Player{}, err
		} else if !taken {
			break
		}
	}
	if err := s.db.SavePlayer(ctx, p); err != nil {
		return store.Player{}, err
	}
	return p, nil
}

func sameMS(a, b time.Time) bool {
	return a.UnixMilli() == b.UnixMilli()
}

func (s *Service) ClaimGenesis(ctx context.Context, req reconcile.GenesisRequest) (reconcile.GenesisReply, error) {
	unlock := s.locks.lock(req.Wallet)
	p, err := s.player(ctx, req.Wallet)
	if err != nil {
		unlock()
		return reconcile.GenesisReply{}, err
	}
	if !p.GenesisClaimedAt.IsZero() {
		unlock()
		if !req.At.IsZero() && sameMS(p.GenesisClaimedAt, req.At) {
			return reconcile.GenesisReply{Balance: p.StarBalance, ClaimedAt: p.GenesisClaimedAt, ReferralCode: p.ReferralCode}, nil
		}
		rej := reject(game.CodeAlreadyClaimed, "genesis already claimed at %s", p.GenesisClaimedAt.Format(time.RFC3339))
		rej.Truth = truthOf(p)
		return reconcile.GenesisReply{}, rej
	}

	at := req.At
	if at.IsZero() {
		at = s.clock()
	}
	p.GenesisClaimedAt = at.UTC()
	p.Email = req.Email
	p.StarBalance += s.catalog.Economy().GenesisGrant
	if err := s.db.SavePlayer(ctx, p); err != nil {
		unlock()
		return reconcile.GenesisReply{}, err
	}
	reply := reconcile.GenesisReply{Balance: p.StarBalance, ClaimedAt: p.GenesisClaimedAt, ReferralCode: p.ReferralCode}
	unlock()

	if req.Referral != "" {
		if _, err := s.RecordReferral(ctx, req.Referral, req.Wallet); err != nil {
			log.Printf("BACKEND: referral %s for %s not recorded: %v", req.Referral, req.Wallet, err)
		}
	}
	return reply, nil
}

func (s *Service) RecordDiscovery(ctx context.Context, req reconcile.DiscoveryRequest) error {
	if _, ok := s.catalog.Body(req.Body); !ok {
		return reject(game.CodeUnknownBody, "no body named %q", req.Body)
	}
	unlock := s.locks.lock(req.Wallet)
	defer unlock()
	if _, err := s.player(ctx, req.Wallet); err != nil {
		return err
	}
	_, err := s.db.InsertDiscovery(ctx, req.Wallet, req.Body, req.Order, req.Reward, req.At)
	return err
}

func (s *Service) ClaimDailyLogin(ctx context.Context, req reconcile.DailyLoginRequest) (reconcile.DailyLoginReply, error) {
	unlock := s.locks.lock(req.Wallet)
	defer unlock()
	p, err := s.player(ctx, req.Wallet)
	if err != nil {
		return reconcile.DailyLoginReply{}, err
	}
	at := req.At
	if at.IsZero() {
		at = s.clock()
	}
	streak, ok := game.NextStreak(p.LastDailyLogin, p.DailyStreak, at)
	if !ok {
		if sameMS(p.LastDailyLogin, at) {
			return reconcile.DailyLoginReply{Reward: game.DailyLoginReward(s.catalog.Economy().DailyLogin, p.DailyStreak), Streak: p.DailyStreak}, nil
		}
		rej := reject(game.CodeAlreadyClaimedDay, "daily login already claimed for %s", game.DayKey(p.LastDailyLogin))
		rej.Truth = truthOf(p)
		return reconcile.DailyLoginReply{}, rej
	}
	reward := game.DailyLoginReward(s.catalog.Economy().DailyLogin, streak)
	p.LastDailyLogin = at.UTC()
	p.DailyStreak = streak
	p.StarBalance += reward
	if err := s.db.SavePlayer(ctx, p); err != nil {
		return reconcile.DailyLoginReply{}, err
	}
	return reconcile.DailyLoginReply{Reward: reward, Streak: streak}, nil
}

func (s *Service) RecordMint(ctx context.Context, req reconcile.MintRequest) error {
	if _, ok := s.catalog.Body(req.Body); !ok {
		return reject(game.CodeUnknownBody, "no body named %q", req.Body)
	}
	unlock := s.locks.lock(req.Wallet)
	defer unlock()
	if _, err := s.player(ctx, req.Wallet); err != nil {
		return err
	}
	existing, _, err := s.db.InsertMint(ctx, req.Wallet, req.Body, req.TxRef, req.At)
	if err != nil {
		return err
	}
	if existing != req.TxRef {
		return reject(game.CodeAlreadyMinted, "%s already minted in %s", req.Body, existing)
	}
	return nil
}

func (s *Service) RecordBurn(ctx context.Context, req reconcile.BurnRequest) error {
	if _, ok := s.catalog.Utility(req.UtilityID); !ok && req.UtilityID != "unification" {
		return reject(game.CodeUnknownUtility, "no utility %q", req.UtilityID)
	}
	if req.Key == "" {
		return reject(game.CodeBadRequest, "burn key is required")
	}
	unlock := s.locks.lock(req.Wallet)
	defer unlock()
	if _, err := s.player(ctx, req.Wallet); err != nil {
		return err
	}
	_, err := s.db.InsertBurn(ctx, req.Wallet, req.Key, req.UtilityID, req.Amount, req.At)
	return err
}

// UpdateBalance keeps the highest revision. Redelivering the current
// revision with the same balance is accepted; anything older is stale.
func (s *Service) UpdateBalance(ctx context.Context, req reconcile.BalanceRequest) error {
	if req.Balance < 0 {
		return reject(game.CodeBadRequest, "negative balance")
	}
	unlock := s.locks.lock(req.Wallet)
	defer unlock()
	p, err := s.player(ctx, req.Wallet)
	if err != nil {
		return err
	}
	switch {
	case req.Revision > p.Revision:
		p.StarBalance = req.Balance
		p.Revision = req.Revision
		return s.db.SavePlayer(ctx, p)
	case req.Revision == p.Revision && req.Balance == p.StarBalance:
		return nil
	default:
		rej := reject(game.CodeStale, "revision %d is behind %d", req.Revision, p.Revision)
		rej.Truth = truthOf(p)
		return rej
	}
}

// RequestTransfer asks the chain to send amount to the wallet. The same key
// always yields the same transaction.
func (s *Service) RequestTransfer(ctx context.Context, req reconcile.TransferRequest) (reconcile.TransferReply, error) {
	if req.Amount <= 0 {
		return reconcile.TransferReply{}, reject(game.CodeBadRequest, "transfer amount must be positive")
	}
	if req.Key == "" {
		return reconcile.TransferReply{}, reject(game.CodeBadRequest, "transfer key is required")
	}
	unlock := s.locks.lock(req.Wallet)
	defer unlock()
	p, err := s.player(ctx, req.Wallet)
	if err != nil {
		return reconcile.TransferReply{}, err
	}
	if tx, ok, err := s.db.Transfer(ctx, req.Wallet, req.Key); err != nil {
		return reconcile.TransferReply{}, err
	} else if ok {
		return reconcile.TransferReply{TxRef: tx}, nil
	}

	tx, err := s.wallet.TransferToWallet(ctx, req.Wallet, req.Amount)
	if errors.Is(err, chain.ErrRejected) {
		return reconcile.TransferReply{}, reject(game.CodeTransferFailed, "%v", err)
	}
	if err != nil {
		return reconcile.TransferReply{}, err
	}
	if err := s.db.InsertTransfer(ctx, req.Wallet, req.Key, req.Amount, tx, s.clock()); err != nil {
		return reconcile.TransferReply{}, err
	}
	p.BonusBalance = max(p.BonusBalance-req.Amount, 0)
	if err := s.db.SavePlayer(ctx, p); err != nil {
		return reconcile.TransferReply{}, err
	}
	return reconcile.TransferReply{TxRef: tx}, nil
}

// Profile returns the wallet's backend record, creating it if needed.
func (s *Service) Profile(ctx context.Context, wallet string) (store.Player, error) {
	unlock := s.locks.lock(wallet)
	defer unlock()
	return s.player(ctx, wallet)
}

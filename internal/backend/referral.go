/*
Package backend
File: referral.go
Description:
    Referral recording on the backend. Codes resolve to their owner, each
    referee counts once, and the tier engine prices every award.
*/

package backend

import (
	"context"
	"log"
	"strings"

	"github.com/cosmicvoyage/star-economy/internal/game"
	"github.com/cosmicvoyage/star-economy/internal/store"
)

type ReferralReceipt struct {
	Referrer      string      `json:"referrer"`
	Referee       string      `json:"referee"`
	Bonus         game.Amount `json:"bonus"`
	ReferralCount int         `json:"referral_count"`
	BonusEarned   game.Amount `json:"bonus_earned"`
}

type ReferralStats struct {
	Wallet        string      `json:"wallet"`
	Code          string      `json:"referral_code"`
	ReferralCount int         `json:"referral_count"`
	BonusEarned   game.Amount `json:"bonus_earned"`
	Cap           game.Amount `json:"cap"`
	Remaining     game.Amount `json:"remaining"`
	NextBonus     game.Amount `json:"next_bonus"`
}

// RecordReferral credits the owner of code for bringing in referee. A
// referee counts for at most one referrer, ever, and nobody can refer
// themselves.
func (s *Service) RecordReferral(ctx context.Context, code, referee string) (ReferralReceipt, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || referee == "" {
		return ReferralReceipt{}, reject(game.CodeBadRequest, "referral code and referee are required")
	}
	owner, ok, err := s.db.PlayerByReferralCode(ctx, code)
	if err != nil {
		return ReferralReceipt{}, err
	}
	if !ok {
		return ReferralReceipt{}, reject(game.CodeInvalidReferral, "unknown referral code %s", code)
	}
	if strings.EqualFold(owner.Wallet, referee) {
		return ReferralReceipt{}, reject(game.CodeInvalidReferral, "self-referral is not allowed")
	}

	unlock := s.locks.lock(owner.Wallet)
	referrer, err := s.player(ctx, owner.Wallet)
	if err != nil {
		unlock()
		return ReferralReceipt{}, err
	}
	bonus := game.BonusForReferral(s.catalog.Referral(), game.ReferrerState{
		ReferralCount: referrer.ReferralCount,
		BonusEarned:   referrer.ReferralBonusEarned,
	})
	referrer.ReferralCount++
	referrer.ReferralBonusEarned += bonus
	referrer.BonusBalance += bonus
	recorded, err := s.db.RecordReferral(ctx, referee, referrer, bonus, s.clock())
	unlock()
	if err != nil {
		return ReferralReceipt{}, err
	}
	if !recorded {
		return ReferralReceipt{}, reject(game.CodeAlreadyReferred, "%s was already referred", referee)
	}

	r := ReferralReceipt{
		Referrer:      referrer.Wallet,
		Referee:       referee,
		Bonus:         bonus,
		ReferralCount: referrer.ReferralCount,
		BonusEarned:   referrer.ReferralBonusEarned,
	}
	if err := s.markReferred(ctx, referee, referrer.Wallet); err != nil {
		log.Printf("BACKEND: referrer of %s not saved on profile: %v", referee, err)
	}
	if s.OnReferral != nil {
		s.OnReferral(r)
	}
	return r, nil
}

// markReferred stores the referrer on the referee's profile. The referrals
// table already holds the link, so a failure here only loses the profile copy.
func (s *Service) markReferred(ctx context.Context, referee, referrer string) error {
	unlock := s.locks.lock(referee)
	defer unlock()
	p, err := s.player(ctx, referee)
	if err != nil {
		return err
	}
	p.ReferredBy = referrer
	return s.db.SavePlayer(ctx, p)
}

func (s *Service) ReferralStats(ctx context.Context, wallet string) (ReferralStats, error) {
	p, err := s.Profile(ctx, wallet)
	if err != nil {
		return ReferralStats{}, err
	}
	cfg := s.catalog.Referral()
	return ReferralStats{
		Wallet:        p.Wallet,
		Code:          p.ReferralCode,
		ReferralCount: p.ReferralCount,
		BonusEarned:   p.ReferralBonusEarned,
		Cap:           cfg.Cap,
		Remaining:     max(cfg.Cap-p.ReferralBonusEarned, 0),
		NextBonus:     game.BonusForReferral(cfg, game.ReferrerState{ReferralCount: p.ReferralCount, BonusEarned: p.ReferralBonusEarned}),
	}, nil
}

// Leaderboard lists the top ten referrers.
func (s *Service) Leaderboard(ctx context.Context) ([]store.ReferralRank, error) {
	return s.db.TopReferrers(ctx, 10)
}

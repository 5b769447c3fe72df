/*
Package store
File: players.go
Description:
    Backend tables: players, discoveries, mints, burns, transfers and
    referrals.
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cosmicvoyage/star-economy/internal/game"
)

// Player is the backend's authoritative record of one wallet.
type Player struct {
	Wallet              string
	Email               string
	ReferralCode        string
	StarBalance         game.Amount
	BonusBalance        game.Amount
	Revision            uint64
	GenesisClaimedAt    time.Time
	LastDailyLogin      time.Time
	DailyStreak         int
	ReferralCount       int
	ReferralBonusEarned game.Amount
	ReferredBy          string
	CreatedAt           time.Time
}

const playerColumns = `wallet, email, referral_code, star_balance, bonus_balance, revision, genesis_claimed_ms,
	last_daily_login_ms, daily_streak, referral_count, referral_bonus_earned, referred_by, created_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlayer(r rowScanner) (Player, error) {
	var (
		p                             Player
		star, bonus, earned, rev      int64
		genesisMS, dailyMS, createdMS int64
	)
	err := r.Scan(&p.Wallet, &p.Email, &p.ReferralCode, &star, &bonus, &rev, &genesisMS,
		&dailyMS, &p.DailyStreak, &p.ReferralCount, &earned, &p.ReferredBy, &createdMS)
	if err != nil {
		return Player{}, err
	}
	p.StarBalance = game.Amount(star)
	p.BonusBalance = game.Amount(bonus)
	p.ReferralBonusEarned = game.Amount(earned)
	p.Revision = uint64(rev)
	p.GenesisClaimedAt = fromMS(genesisMS)
	p.LastDailyLogin = fromMS(dailyMS)
	p.CreatedAt = fromMS(createdMS)
	return p, nil
}

func (d *DB) Player(ctx context.Context, wallet string) (Player, bool, error) {
	p, err := scanPlayer(d.db.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE wallet = ?`, wallet))
	if errors.Is(err, sql.ErrNoRows) {
		return Player{}, false, nil
	}
	return p, err == nil, err
}

func (d *DB) PlayerByReferralCode(ctx context.Context, code string) (Player, bool, error) {
	p, err := scanPlayer(d.db.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE referral_code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return Player{}, false, nil
	}
	return p, err == nil, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func savePlayer(ctx context.Context, x execer, p Player) error {
	_, err := x.ExecContext(ctx,
		`INSERT INTO players (`+playerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(wallet) DO UPDATE SET
			email = excluded.email,
			star_balance = excluded.star_balance,
			bonus_balance = excluded.bonus_balance,
			revision = excluded.revision,
			genesis_claimed_ms = excluded.genesis_claimed_ms,
			last_daily_login_ms = excluded.last_daily_login_ms,
			daily_streak = excluded.daily_streak,
			referral_count = excluded.referral_count,
			referral_bonus_earned = excluded.referral_bonus_earned,
			referred_by = excluded.referred_by`,
		p.Wallet, p.Email, p.ReferralCode, int64(p.StarBalance), int64(p.BonusBalance), int64(p.Revision),
		toMS(p.GenesisClaimedAt), toMS(p.LastDailyLogin), p.DailyStreak, p.ReferralCount,
		int64(p.ReferralBonusEarned), p.ReferredBy, toMS(p.CreatedAt),
	)
	return err
}

// SavePlayer upserts a player. The referral code is fixed at creation.
func (d *DB) SavePlayer(ctx context.Context, p Player) error {
	return savePlayer(ctx, d.db, p)
}

// InsertDiscovery reports false when the discovery was already recorded.
func (d *DB) InsertDiscovery(ctx context.Context, wallet, body string, order int, reward game.Amount, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO discoveries (wallet, body, ord, reward, at_ms) VALUES (?, ?, ?, ?, ?)`,
		wallet, body, order, int64(reward), toMS(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// InsertMint records a mint. When the body was already minted it returns
// the tx ref on record and false.
func (d *DB) InsertMint(ctx context.Context, wallet, body, txRef string, at time.Time) (string, bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO mints (wallet, body, tx_ref, at_ms) VALUES (?, ?, ?, ?)`,
		wallet, body, txRef, toMS(at))
	if err != nil {
		return "", false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return txRef, err == nil, err
	}
	var existing string
	err = d.db.QueryRowContext(ctx, `SELECT tx_ref FROM mints WHERE wallet = ? AND body = ?`, wallet, body).Scan(&existing)
	return existing, false, err
}

func (d *DB) InsertBurn(ctx context.Context, wallet, key, utilityID string, amount game.Amount, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO burns (wallet, burn_key, utility_id, amount, at_ms) VALUES (?, ?, ?, ?, ?)`,
		wallet, key, utilityID, int64(amount), toMS(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Transfer returns the tx ref recorded under key, if any.
func (d *DB) Transfer(ctx context.Context, wallet, key string) (string, bool, error) {
	var tx string
	err := d.db.QueryRowContext(ctx, `SELECT tx_ref FROM transfers WHERE wallet = ? AND transfer_key = ?`, wallet, key).Scan(&tx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return tx, err == nil, err
}

func (d *DB) InsertTransfer(ctx context.Context, wallet, key string, amount game.Amount, txRef string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO transfers (wallet, transfer_key, amount, tx_ref, at_ms) VALUES (?, ?, ?, ?, ?)`,
		wallet, key, int64(amount), txRef, toMS(at))
	return err
}

// RecordReferral inserts the referee and saves the updated referrer in one
// transaction. It reports false, saving nothing, when the referee was
// already referred by anyone.
func (d *DB) RecordReferral(ctx context.Context, referee string, referrer Player, bonus game.Amount, at time.Time) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO referrals (referee, referrer, bonus, at_ms) VALUES (?, ?, ?, ?)`,
		referee, referrer.Wallet, int64(bonus), toMS(at))
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	if err := savePlayer(ctx, tx, referrer); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ReferrerOf returns who referred referee, if anyone.
func (d *DB) ReferrerOf(ctx context.Context, referee string) (string, bool, error) {
	var w string
	err := d.db.QueryRowContext(ctx, `SELECT referrer FROM referrals WHERE referee = ?`, referee).Scan(&w)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return w, err == nil, err
}

type ReferralRank struct {
	Wallet      string      `json:"wallet"`
	Count       int         `json:"referral_count"`
	BonusEarned game.Amount `json:"bonus_earned"`
}

// TopReferrers ranks players by referral count, then bonus earned.
func (d *DB) TopReferrers(ctx context.Context, limit int) ([]ReferralRank, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT wallet, referral_count, referral_bonus_earned FROM players
		 WHERE referral_count > 0
		 ORDER BY referral_count DESC, referral_bonus_earned DESC, wallet
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReferralRank
	for rows.Next() {
		var (
			r      ReferralRank
			earned int64
		)
		if err := rows.Scan(&r.Wallet, &r.Count, &earned); err != nil {
			return nil, err
		}
		r.BonusEarned = game.Amount(earned)
		out = append(out, r)
	}
	return out, rows.Err()
}

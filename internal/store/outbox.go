/*
Package store
File: outbox.go
Description:
    The durable outbox behind the reconciliation gateway. Rows are unique by
    the digest of the action key, so a redispatched action is stored once.
*/

package store

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cosmicvoyage/star-economy/internal/game"
	"github.com/cosmicvoyage/star-economy/internal/reconcile"
)

// Outbox adapts the outbox table to reconcile.Outbox.
type Outbox struct {
	d *DB
}

func (d *DB) Outbox() *Outbox {
	return &Outbox{d: d}
}

// Enqueue inserts the action unless its digest is already queued. A balance
// sync replaces queued syncs of the same wallet with a lower revision.
func (o *Outbox) Enqueue(a game.Action, digest string) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	tx, err := o.d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO outbox (digest, wallet, kind, revision, payload, created_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		digest, a.Wallet, string(a.Kind), int64(a.Revision), string(payload), time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	if a.Kind == game.ActionBalance {
		if _, err := tx.Exec(
			`DELETE FROM outbox WHERE wallet = ? AND kind = ? AND revision < ?`,
			a.Wallet, string(game.ActionBalance), int64(a.Revision),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (o *Outbox) Due(now time.Time, limit int) ([]reconcile.Entry, error) {
	rows, err := o.d.db.Query(
		`SELECT id, payload, attempts FROM outbox WHERE next_attempt_ms <= ? ORDER BY id LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconcile.Entry
	for rows.Next() {
		var (
			e       reconcile.Entry
			payload string
		)
		if err := rows.Scan(&e.ID, &payload, &e.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Action); err != nil {
			return nil, fmt.Errorf("decode outbox %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (o *Outbox) MarkDone(id int64) error {
	_, err := o.d.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

func (o *Outbox) Defer(id int64, until time.Time, reason string) error {
	_, err := o.d.db.Exec(
		`UPDATE outbox SET attempts = attempts + 1, next_attempt_ms = ?, last_error = ? WHERE id = ?`,
		until.UnixMilli(), reason, id,
	)
	return err
}

// DropBalance deletes the wallet's queued balance syncs with a revision at
// or below upto.
func (o *Outbox) DropBalance(wallet string, upto uint64) (int, error) {
	res, err := o.d.db.Exec(
		`DELETE FROM outbox WHERE wallet = ? AND kind = ? AND revision <= ?`,
		wallet, string(game.ActionBalance), int64(min(upto, math.MaxInt64)),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (o *Outbox) Pending() (int, error) {
	var n int
	err := o.d.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

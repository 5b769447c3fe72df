/*
Package store
File: snapshots.go
Description:
    Session snapshots. A progression is stored as JSON and only replaced
    by a snapshot with an equal or newer revision.
*/

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cosmicvoyage/star-economy/internal/game"
)

// LoadProgression implements game.SnapshotStore.
func (d *DB) LoadProgression(wallet string) (game.Progression, bool, error) {
	var payload string
	err := d.db.QueryRow(`SELECT payload FROM snapshots WHERE wallet = ?`, wallet).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Progression{}, false, nil
	}
	if err != nil {
		return game.Progression{}, false, err
	}
	var p game.Progression
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return game.Progression{}, false, fmt.Errorf("decode snapshot %s: %w", wallet, err)
	}
	return p, true, nil
}

// SaveProgression implements game.SnapshotStore. An older revision never
// overwrites a newer snapshot.
func (d *DB) SaveProgression(p game.Progression) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", p.Wallet, err)
	}
	_, err = d.db.Exec(
		`INSERT INTO snapshots (wallet, revision, payload, updated_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(wallet) DO UPDATE SET revision = excluded.revision, payload = excluded.payload, updated_ms = excluded.updated_ms
		 WHERE excluded.revision >= snapshots.revision`,
		p.Wallet, int64(p.Revision), string(payload), time.Now().UnixMilli(),
	)
	return err
}

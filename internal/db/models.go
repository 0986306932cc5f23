package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/ridge"
	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrChecksumMismatch is returned when a stored model payload does not
// match the checksum written alongside it.
var ErrChecksumMismatch = errors.New("db: model payload checksum mismatch")

// ModelSlot describes a stored model without decoding it.
type ModelSlot struct {
	Name          string    `json:"name"`
	SchemaVersion int       `json:"schema_version"`
	Size          int       `json:"size"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func checksum(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// SaveModel stores rec under slot, replacing any earlier model there.
func (db *DB) SaveModel(ctx context.Context, slot string, rec ridge.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode model %q: %w", slot, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO model_slots (name, schema_version, payload, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schema_version = excluded.schema_version,
			payload        = excluded.payload,
			checksum       = excluded.checksum,
			updated_at     = excluded.updated_at`,
		slot, rec.SchemaVersion, payload, checksum(payload), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save model %q: %w", slot, err)
	}
	return nil
}

// LoadModel returns the record stored under slot. found is false when the
// slot is empty.
func (db *DB) LoadModel(ctx context.Context, slot string) (rec ridge.Record, found bool, err error) {
	var payload []byte
	var sum string
	err = db.QueryRowContext(ctx,
		`SELECT payload, checksum FROM model_slots WHERE name = ?`, slot,
	).Scan(&payload, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return ridge.Record{}, false, nil
	}
	if err != nil {
		return ridge.Record{}, false, fmt.Errorf("failed to load model %q: %w", slot, err)
	}
	if got := checksum(payload); got != sum {
		return ridge.Record{}, false, fmt.Errorf("%w: slot %q has %s, stored %s", ErrChecksumMismatch, slot, got, sum)
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return ridge.Record{}, false, fmt.Errorf("failed to decode model %q: %w", slot, err)
	}
	return rec, true, nil
}

// DeleteModel empties slot. Deleting an empty slot is not an error.
func (db *DB) DeleteModel(ctx context.Context, slot string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM model_slots WHERE name = ?`, slot); err != nil {
		return fmt.Errorf("failed to delete model %q: %w", slot, err)
	}
	return nil
}

// ModelSlots lists stored models, most recently updated first.
func (db *DB) ModelSlots(ctx context.Context) ([]ModelSlot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, schema_version, length(payload), updated_at
		FROM model_slots
		ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []ModelSlot
	for rows.Next() {
		var s ModelSlot
		var updated int64
		if err := rows.Scan(&s.Name, &s.SchemaVersion, &s.Size, &updated); err != nil {
			return nil, err
		}
		s.UpdatedAt = time.Unix(0, updated)
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

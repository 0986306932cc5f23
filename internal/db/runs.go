package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ErrRunNotFound is returned for an unknown calibration run id.
var ErrRunNotFound = errors.New("db: calibration run not found")

var (
	sampleEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	sampleDecoder, _ = zstd.NewReader(nil)
)

// CalibrationRun is one row of calibration history.
type CalibrationRun struct {
	RunID            uuid.UUID            `json:"run_id"`
	Status           calibration.Status   `json:"status"`
	Reason           string               `json:"reason,omitempty"`
	Viewport         calibration.Viewport `json:"viewport"`
	StartedAt        time.Time            `json:"started_at"`
	FinishedAt       time.Time            `json:"finished_at"`
	PerTarget        []int                `json:"per_target"`
	TotalSamples     int                  `json:"total_samples"`
	RMSE             *float64             `json:"rmse,omitempty"`
	DegeneratePivots int                  `json:"degenerate_pivots"`
	HasSamples       bool                 `json:"has_samples"`
}

// RecordCalibrationRun appends res to the history. Samples from successful
// runs are kept zstd-compressed for later inspection.
func (db *DB) RecordCalibrationRun(ctx context.Context, res calibration.Result) error {
	perTarget, err := json.Marshal(res.PerTarget)
	if err != nil {
		return err
	}

	var rmse sql.NullFloat64
	if res.Status == calibration.StatusSucceeded {
		rmse = sql.NullFloat64{Float64: res.Report.RMSE, Valid: true}
	}

	// nil binds NULL; an empty []byte would store a zero-length blob.
	var blob any
	if len(res.Samples) > 0 {
		raw, err := json.Marshal(res.Samples)
		if err != nil {
			return fmt.Errorf("failed to encode samples: %w", err)
		}
		blob = sampleEncoder.EncodeAll(raw, nil)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO calibration_runs (
			run_id, status, reason, viewport_width, viewport_height,
			started_at, finished_at, per_target, total_samples,
			rmse, degenerate_pivots, samples
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.SessionID.String(), string(res.Status), res.Reason,
		res.Viewport.Width, res.Viewport.Height,
		res.StartedAt.UnixNano(), res.FinishedAt.UnixNano(),
		string(perTarget), res.TotalSamples(),
		rmse, res.Report.DegeneratePivots, blob,
	)
	if err != nil {
		return fmt.Errorf("failed to record calibration run %s: %w", res.SessionID, err)
	}
	return nil
}

// CalibrationRuns returns up to limit runs, newest first. A limit of zero
// or less returns every run.
func (db *DB) CalibrationRuns(ctx context.Context, limit int) ([]CalibrationRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, status, reason, viewport_width, viewport_height,
			started_at, finished_at, per_target, total_samples,
			rmse, degenerate_pivots, samples IS NOT NULL
		FROM calibration_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []CalibrationRun
	for rows.Next() {
		var (
			r                 CalibrationRun
			id, status        string
			started, finished int64
			perTarget         string
			rmse              sql.NullFloat64
		)
		if err := rows.Scan(&id, &status, &r.Reason, &r.Viewport.Width, &r.Viewport.Height,
			&started, &finished, &perTarget, &r.TotalSamples,
			&rmse, &r.DegeneratePivots, &r.HasSamples); err != nil {
			return nil, err
		}
		if r.RunID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad run id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(perTarget), &r.PerTarget); err != nil {
			return nil, fmt.Errorf("bad per_target for run %s: %w", id, err)
		}
		r.Status = calibration.Status(status)
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		if rmse.Valid {
			v := rmse.Float64
			r.RMSE = &v
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CalibrationSamples returns the samples captured by a run. Runs that did
// not produce a model have none.
func (db *DB) CalibrationSamples(ctx context.Context, runID uuid.UUID) ([]calibration.Sample, error) {
	var blob []byte
	err := db.QueryRowContext(ctx,
		`SELECT samples FROM calibration_runs WHERE run_id = ?`, runID.String(),
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, nil
	}
	raw, err := sampleDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress samples for %s: %w", runID, err)
	}
	var samples []calibration.Sample
	if err := json.Unmarshal(raw, &samples); err != nil {
		return nil, fmt.Errorf("failed to decode samples for %s: %w", runID, err)
	}
	return samples, nil
}

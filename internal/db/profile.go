/*
 * Copyright (c) 2023. Anton Starikov -- All Rights Reserved
 *
 * This file is part of HCCTL project.
 *
 * HCCTL is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as the Free Software Foundation,
 * either version 3 of the License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/antst/hcctl/internal/heatcurve"
	"github.com/antst/hcctl/internal/model"
)

type thermalRow struct {
	EntityID           string          `db:"entity_id"`
	Coefficient        sql.NullFloat64 `db:"coefficient"`
	Confidence         float64         `db:"confidence"`
	SamplesSinceUpdate int             `db:"samples_since_update"`
	TotalSamples       int             `db:"total_samples"`
	NextUpdateAt       int             `db:"next_update_at"`
	Method             string          `db:"method"`
	UpdatedAt          sql.NullInt64   `db:"updated_at"`
}

func (s *Store) SaveThermalState(ctx context.Context, entity string, st model.ThermalState) error {
	const QUERY = `
		INSERT INTO thermal_state(entity_id,coefficient,confidence,samples_since_update,total_samples,next_update_at,method,updated_at)
		VALUES(:entity_id,:coefficient,:confidence,:samples_since_update,:total_samples,:next_update_at,:method,:updated_at)
		ON CONFLICT(entity_id) DO UPDATE SET
		coefficient=excluded.coefficient,
		confidence=excluded.confidence,
		samples_since_update=excluded.samples_since_update,
		total_samples=excluded.total_samples,
		next_update_at=excluded.next_update_at,
		method=excluded.method,
		updated_at=excluded.updated_at;`

	row := thermalRow{
		EntityID:           entity,
		Confidence:         st.Confidence,
		SamplesSinceUpdate: st.Checkpoint.SamplesSinceUpdate,
		TotalSamples:       st.Checkpoint.TotalSamples,
		NextUpdateAt:       st.Checkpoint.NextUpdateAt,
		Method:             st.Method,
	}
	if st.ThermalCoefficient != nil {
		row.Coefficient = sql.NullFloat64{Float64: *st.ThermalCoefficient, Valid: true}
	}
	if st.UpdatedAt != nil {
		row.UpdatedAt = sql.NullInt64{Int64: toMillis(*st.UpdatedAt), Valid: true}
	}
	_, err := s.db.NamedExecContext(ctx, QUERY, row)
	return errors.Wrapf(err, "save thermal state of %s", entity)
}

// LoadThermalState returns nil when nothing has been learned for the entity yet.
func (s *Store) LoadThermalState(ctx context.Context, entity string) (*model.ThermalState, error) {
	var row thermalRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM thermal_state WHERE entity_id=$1;`, entity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load thermal state of %s", entity)
	}

	st := &model.ThermalState{
		Confidence: row.Confidence,
		Method:     row.Method,
		Checkpoint: model.Checkpoint{
			SamplesSinceUpdate: row.SamplesSinceUpdate,
			TotalSamples:       row.TotalSamples,
			NextUpdateAt:       row.NextUpdateAt,
		},
	}
	if row.Coefficient.Valid {
		k := row.Coefficient.Float64
		st.ThermalCoefficient = &k
	}
	if row.UpdatedAt.Valid {
		t := fromMillis(row.UpdatedAt.Int64)
		st.UpdatedAt = &t
	}
	return st, nil
}

// SaveHourlyBias replaces all hourly biases of the entity.
func (s *Store) SaveHourlyBias(ctx context.Context, entity string, h model.HourlyBias) error {
	now := toMillis(time.Now())
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hourly_bias WHERE entity_id=$1;`, entity); err != nil {
			return errors.Wrapf(err, "clear hourly bias of %s", entity)
		}
		for hour, b := range h {
			if _, err := tx.ExecContext(
				ctx, `INSERT INTO hourly_bias(entity_id,hour,bias,weight,updated_at) VALUES($1,$2,$3,$4,$5);`,
				entity, hour, b.Bias, b.Weight, now,
			); err != nil {
				return errors.Wrapf(err, "store hourly bias %s of %s", hour, entity)
			}
		}
		return nil
	})
}

func (s *Store) LoadHourlyBias(ctx context.Context, entity string) (model.HourlyBias, error) {
	var rows []struct {
		Hour   string  `db:"hour"`
		Bias   float64 `db:"bias"`
		Weight float64 `db:"weight"`
	}
	if err := s.db.SelectContext(
		ctx, &rows, `SELECT hour, bias, weight FROM hourly_bias WHERE entity_id=$1;`, entity,
	); err != nil {
		return nil, errors.Wrapf(err, "load hourly bias of %s", entity)
	}
	out := make(model.HourlyBias, len(rows))
	for _, r := range rows {
		out[r.Hour] = model.HourBias{Bias: r.Bias, Weight: r.Weight}
	}
	return out, nil
}

// SaveControlSnapshot persists a reduction, or a NORMAL marker that ends one.
// An existing reduction is never overwritten by another, otherwise its baseline
// would be replaced by a reduced curve.
func (s *Store) SaveControlSnapshot(ctx context.Context, entity string, snap heatcurve.Snapshot) error {
	if err := snap.Baseline.Validate(); err != nil {
		return errors.Wrap(model.ErrInvariantViolation, err.Error())
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal control snapshot")
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var mode string
		err := tx.GetContext(ctx, &mode, `SELECT mode FROM control_state WHERE entity_id=$1;`, entity)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return errors.Wrapf(err, "read control state of %s", entity)
		case model.ControlMode(mode) == model.ModeReduced && snap.Mode == model.ModeReduced:
			return errors.Wrapf(model.ErrInvariantViolation, "%s already has a persisted reduction", entity)
		}

		const QUERY = `
			INSERT INTO control_state(entity_id,mode,snapshot,updated_at)
			VALUES($1,$2,$3,$4)
			ON CONFLICT(entity_id) DO UPDATE SET
			mode=excluded.mode,
			snapshot=excluded.snapshot,
			updated_at=excluded.updated_at;`
		_, err = tx.ExecContext(ctx, QUERY, entity, string(snap.Mode), string(data), toMillis(time.Now()))
		return errors.Wrapf(err, "save control state of %s", entity)
	})
}

func (s *Store) LoadControlSnapshot(ctx context.Context, entity string) (*heatcurve.Snapshot, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT snapshot FROM control_state WHERE entity_id=$1;`, entity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load control state of %s", entity)
	}

	var snap heatcurve.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, errors.Wrapf(model.ErrCorruptState, "control state of %s: %v", entity, err)
	}
	return &snap, nil
}

func (s *Store) ClearControlSnapshot(ctx context.Context, entity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM control_state WHERE entity_id=$1;`, entity)
	return errors.Wrapf(err, "clear control state of %s", entity)
}

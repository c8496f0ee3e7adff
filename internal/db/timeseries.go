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

type sampleRow struct {
	EntityID      string          `db:"entity_id"`
	TS            int64           `db:"ts"`
	Outdoor       float64         `db:"outdoor"`
	Indoor        float64         `db:"indoor"`
	Supply        sql.NullFloat64 `db:"supply"`
	Return        sql.NullFloat64 `db:"return_temp"`
	SupplyCurve   sql.NullFloat64 `db:"supply_curve"`
	SupplyCurveML sql.NullFloat64 `db:"supply_curve_ml"`
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *Store) InsertSample(ctx context.Context, entity string, smp model.Sample) error {
	const QUERY = `
		INSERT OR REPLACE INTO samples(entity_id,ts,outdoor,indoor,supply,return_temp,supply_curve,supply_curve_ml)
		VALUES(:entity_id,:ts,:outdoor,:indoor,:supply,:return_temp,:supply_curve,:supply_curve_ml);`
	_, err := s.db.NamedExecContext(ctx, QUERY, sampleRow{
		EntityID:      entity,
		TS:            toMillis(smp.Timestamp),
		Outdoor:       smp.OutdoorTemp,
		Indoor:        smp.IndoorTemp,
		Supply:        nullable(smp.SupplyTemp),
		Return:        nullable(smp.ReturnTemp),
		SupplyCurve:   nullable(smp.SupplyCurve),
		SupplyCurveML: nullable(smp.SupplyCurveML),
	})
	return errors.Wrapf(err, "insert sample of %s", entity)
}

// RecentSamples returns samples since the given time in time order, at most limit of the newest.
func (s *Store) RecentSamples(ctx context.Context, entity string, since time.Time, limit int) ([]model.Sample, error) {
	var rows []sampleRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM (
			SELECT * FROM samples WHERE entity_id=$1 AND ts>=$2 ORDER BY ts DESC LIMIT $3
		) ORDER BY ts ASC;`, entity, toMillis(since), limit,
	); err != nil {
		return nil, errors.Wrapf(err, "load samples of %s", entity)
	}

	out := make([]model.Sample, len(rows))
	for i, r := range rows {
		out[i] = model.Sample{
			Timestamp:     fromMillis(r.TS),
			OutdoorTemp:   r.Outdoor,
			IndoorTemp:    r.Indoor,
			SupplyTemp:    ptr(r.Supply),
			ReturnTemp:    ptr(r.Return),
			SupplyCurve:   ptr(r.SupplyCurve),
			SupplyCurveML: ptr(r.SupplyCurveML),
		}
	}
	return out, nil
}

type forecastRow struct {
	RunID       string         `db:"run_id"`
	EntityID    string         `db:"entity_id"`
	GeneratedAt int64          `db:"generated_at"`
	TS          int64          `db:"ts"`
	Kind        string         `db:"kind"`
	Value       float64        `db:"value"`
	Lead        float64        `db:"lead_time_hours"`
	Explanation sql.NullString `db:"explanation"`
}

func (s *Store) InsertForecastRun(ctx context.Context, run model.ForecastRun) error {
	const QUERY = `
		INSERT INTO forecast_points(run_id,entity_id,generated_at,ts,kind,value,lead_time_hours,explanation)
		VALUES(:run_id,:entity_id,:generated_at,:ts,:kind,:value,:lead_time_hours,:explanation);`

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, p := range run.Points {
			row := forecastRow{
				RunID:       run.ID,
				EntityID:    run.EntityID,
				GeneratedAt: toMillis(run.GeneratedAt),
				TS:          toMillis(p.Timestamp),
				Kind:        string(p.Kind),
				Value:       p.Value,
				Lead:        p.LeadTimeHours,
			}
			if p.Explanation != nil {
				data, err := json.Marshal(p.Explanation)
				if err != nil {
					return errors.Wrap(err, "marshal explanation")
				}
				row.Explanation = sql.NullString{String: string(data), Valid: true}
			}
			if _, err := tx.NamedExecContext(ctx, QUERY, row); err != nil {
				return errors.Wrapf(err, "insert forecast point of %s", run.EntityID)
			}
		}
		return nil
	})
}

// LatestForecast returns the points of the newest run of the given kind.
func (s *Store) LatestForecast(ctx context.Context, entity string, kind model.PointKind) ([]model.ForecastPoint, error) {
	var rows []forecastRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM forecast_points
		WHERE entity_id=$1 AND kind=$2 AND run_id=(
			SELECT run_id FROM forecast_points WHERE entity_id=$1 ORDER BY generated_at DESC LIMIT 1
		)
		ORDER BY ts ASC;`, entity, string(kind),
	); err != nil {
		return nil, errors.Wrapf(err, "load forecast of %s", entity)
	}

	out := make([]model.ForecastPoint, len(rows))
	for i, r := range rows {
		out[i] = model.ForecastPoint{
			Timestamp:     fromMillis(r.TS),
			Kind:          model.PointKind(r.Kind),
			Value:         r.Value,
			LeadTimeHours: r.Lead,
		}
		if r.Explanation.Valid {
			var e model.Explanation
			if err := json.Unmarshal([]byte(r.Explanation.String), &e); err != nil {
				return nil, errors.Wrapf(model.ErrCorruptState, "explanation of %s: %v", entity, err)
			}
			out[i].Explanation = &e
		}
	}
	return out, nil
}

func (s *Store) InsertAccuracy(ctx context.Context, entity string, rec model.AccuracyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forecast_accuracy(entity_id,ts,hour,predicted,actual,error,outdoor,lead_time_hours)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8);`,
		entity, toMillis(rec.Timestamp), rec.Hour, rec.Predicted, rec.Actual, rec.Error, rec.OutdoorTemp, rec.LeadTimeHours,
	)
	return errors.Wrapf(err, "insert forecast accuracy of %s", entity)
}

type CurveAdjustment struct {
	Timestamp time.Time
	Action    heatcurve.Transition
	Reduction float64
	Reason    string
	Active    heatcurve.Table
}

// InsertCurveAdjustment records a reduce or restore action for auditing.
func (s *Store) InsertCurveAdjustment(ctx context.Context, entity string, adj CurveAdjustment) error {
	active, err := json.Marshal(adj.Active)
	if err != nil {
		return errors.Wrap(err, "marshal curve")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO curve_adjustments(entity_id,ts,action,reduction,reason,active)
		VALUES($1,$2,$3,$4,$5,$6);`,
		entity, toMillis(adj.Timestamp), string(adj.Action), adj.Reduction, adj.Reason, string(active),
	)
	return errors.Wrapf(err, "insert curve adjustment of %s", entity)
}

func (s *Store) CurveAdjustments(ctx context.Context, entity string) ([]CurveAdjustment, error) {
	var rows []struct {
		TS        int64   `db:"ts"`
		Action    string  `db:"action"`
		Reduction float64 `db:"reduction"`
		Reason    string  `db:"reason"`
		Active    string  `db:"active"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT ts, action, reduction, reason, active FROM curve_adjustments WHERE entity_id=$1 ORDER BY ts ASC;`, entity,
	); err != nil {
		return nil, errors.Wrapf(err, "load curve adjustments of %s", entity)
	}
	out := make([]CurveAdjustment, len(rows))
	for i, r := range rows {
		out[i] = CurveAdjustment{
			Timestamp: fromMillis(r.TS),
			Action:    heatcurve.Transition(r.Action),
			Reduction: r.Reduction,
			Reason:    r.Reason,
		}
		if err := json.Unmarshal([]byte(r.Active), &out[i].Active); err != nil {
			return nil, errors.Wrapf(model.ErrCorruptState, "curve adjustment of %s: %v", entity, err)
		}
	}
	return out, nil
}

// SaveWeatherForecast keeps the last fetched forecast of an entity.
func (s *Store) SaveWeatherForecast(ctx context.Context, entity string, issued time.Time, points []model.WeatherPoint) error {
	data, err := json.Marshal(points)
	if err != nil {
		return errors.Wrap(err, "marshal weather forecast")
	}
	const QUERY = `
		INSERT INTO weather_forecast(entity_id,issued,points,updated_at)
		VALUES($1,$2,$3,$4)
		ON CONFLICT(entity_id) DO UPDATE SET
		issued=excluded.issued,
		points=excluded.points,
		updated_at=excluded.updated_at;`
	_, err = s.db.ExecContext(ctx, QUERY, entity, toMillis(issued), string(data), toMillis(time.Now()))
	return errors.Wrapf(err, "save weather forecast of %s", entity)
}

// LoadWeatherForecast returns nil points without error when nothing is cached.
func (s *Store) LoadWeatherForecast(ctx context.Context, entity string) ([]model.WeatherPoint, time.Time, error) {
	var row struct {
		Issued int64  `db:"issued"`
		Points string `db:"points"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT issued, points FROM weather_forecast WHERE entity_id=$1;`, entity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "load weather forecast of %s", entity)
	}
	var points []model.WeatherPoint
	if err := json.Unmarshal([]byte(row.Points), &points); err != nil {
		return nil, time.Time{}, errors.Wrapf(model.ErrCorruptState, "weather forecast of %s: %v", entity, err)
	}
	return points, fromMillis(row.Issued), nil
}

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
	"time"

	"github.com/pkg/errors"
)

func (s *Store) UpsertSensorValue(ctx context.Context, name string, value float64) error {
	const QUERY = `
		INSERT INTO sensor(sensor_name,value,updated_at)
		VALUES($1,$2,$3)
		ON CONFLICT(sensor_name) DO UPDATE SET
		value=excluded.value,
		updated_at=excluded.updated_at;`
	_, err := s.db.ExecContext(ctx, QUERY, name, value, toMillis(time.Now()))
	return errors.Wrapf(err, "upsert sensor %s", name)
}

// GetSensorValue returns the last value and when it was stored.
func (s *Store) GetSensorValue(ctx context.Context, name string) (float64, time.Time, error) {
	var row struct {
		Value     float64 `db:"value"`
		UpdatedAt int64   `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT value, updated_at FROM sensor WHERE sensor_name=$1;`, name)
	if err != nil {
		return 0, time.Time{}, err
	}
	return row.Value, fromMillis(row.UpdatedAt), nil
}

func (s *Store) UpsertControllerValue(ctx context.Context, name, value string) error {
	const QUERY = `
		INSERT INTO controller(name,value,updated_at)
		VALUES($1,$2,$3)
		ON CONFLICT(name) DO UPDATE SET
		value=excluded.value,
		updated_at=excluded.updated_at;`
	_, err := s.db.ExecContext(ctx, QUERY, name, value, toMillis(time.Now()))
	return errors.Wrapf(err, "upsert controller value %s", name)
}

func (s *Store) GetControllerValue(ctx context.Context, name string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM controller WHERE name=$1;`, name)
	return v, err
}

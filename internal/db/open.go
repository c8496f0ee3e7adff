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
	_ "embed"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/antst/hcctl/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// Store is the profile/parameter store and the time-series store of all entities.
type Store struct {
	db *sqlx.DB
}

func Open(dbFile string) (*Store, error) {
	sqlDB, err := sqlx.Open("sqlite3", dbFile+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dbFile)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, errors.Wrapf(err, "ping %s", dbFile)
	}

	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	// Create tables if they don't exist
	if _, err := sqlDB.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "apply schema")
	}

	return &Store{db: sqlDB}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.L().Error(errors.WithMessage(rbErr, "rollback failed"))
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

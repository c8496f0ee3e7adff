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

package model

import (
	"github.com/pkg/errors"
)

var (
	// ErrInsufficientData is returned while too few samples are available. Retryable.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrDataQuality marks a learning pass rejected for low spread or high residual variance.
	ErrDataQuality = errors.New("data quality warning")
	// ErrTransient marks a failed or timed out collaborator call.
	ErrTransient = errors.New("transient collaborator failure")
	// ErrInvariantViolation aborts a state transition, the last known-good state is kept.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrCorruptState is fatal for the owning entity.
	ErrCorruptState = errors.New("corrupt persisted state")
)

func IsRetryable(err error) bool {
	return errors.Is(err, ErrInsufficientData) || errors.Is(err, ErrTransient) || errors.Is(err, ErrDataQuality)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptState)
}

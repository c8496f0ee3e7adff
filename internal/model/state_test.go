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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointSchedule(t *testing.T) {
	c := NewCheckpoint()
	var due []int

	for i := 1; i <= 24+48+96+96; i++ {
		if c.Record() {
			due = append(due, c.TotalSamples)
			c.Advance()
		}
	}

	assert.Equal(t, []int{24, 72, 168, 264}, due)
	assert.Equal(t, 0, c.SamplesSinceUpdate)
	assert.Equal(t, 96, c.NextUpdateAt)
}

func TestCheckpointStaysDueUntilAdvanced(t *testing.T) {
	c := NewCheckpoint()
	for i := 0; i < 23; i++ {
		require.False(t, c.Record())
	}
	assert.True(t, c.Learning())
	assert.True(t, c.Record())
	assert.False(t, c.Learning())
	// a failed update does not advance, the next sample retries
	assert.True(t, c.Record())
}

func TestHourKey(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "00"},
		{7, "07"},
		{23, "23"},
		{24, "00"},
		{-1, "23"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HourKey(tt.in))
	}

	var h HourlyBias
	assert.Equal(t, HourBias{}, h.Get(5))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsRetryable(errors.Wrap(ErrInsufficientData, "window")))
	assert.True(t, IsRetryable(errors.Wrap(ErrTransient, "weather")))
	assert.False(t, IsRetryable(ErrInvariantViolation))
	assert.True(t, IsFatal(errors.WithMessage(ErrCorruptState, "control_state")))
	assert.False(t, IsFatal(ErrTransient))
}

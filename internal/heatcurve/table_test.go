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

package heatcurve

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) Table {
	t.Helper()
	tbl, err := NewTable(Point{-20, 55}, Point{0, 40}, Point{15, 25})
	require.NoError(t, err)
	return tbl
}

func TestNewTableValidation(t *testing.T) {
	tests := []struct {
		name   string
		points []Point
		ok     bool
	}{
		{"single", []Point{{0, 35}}, true},
		{"increasing", []Point{{-10, 45}, {10, 30}}, true},
		{"empty", nil, false},
		{"equal outdoor", []Point{{0, 40}, {0, 35}}, false},
		{"decreasing outdoor", []Point{{5, 40}, {-5, 45}}, false},
		{"nan", []Point{{math.NaN(), 40}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.points...)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrBadTable))
			}
		})
	}
}

func TestInterpolate(t *testing.T) {
	tbl := testTable(t)
	tests := []struct {
		T    float64
		want float64
	}{
		{-30, 55},
		{-20, 55},
		{-10, 47.5},
		{0, 40},
		{7.5, 32.5},
		{15, 25},
		{25, 25},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, tbl.Interpolate(tt.T), 1e-9, "T=%v", tt.T)
	}
}

func TestInterpolateStaysWithinBracket(t *testing.T) {
	tbl := testTable(t)
	for T := -19.5; T < 15; T += 0.5 {
		v := tbl.Interpolate(T)
		for i := 1; i < len(tbl); i++ {
			if T >= tbl[i-1].Outdoor && T <= tbl[i].Outdoor {
				lo := math.Min(tbl[i-1].Supply, tbl[i].Supply)
				hi := math.Max(tbl[i-1].Supply, tbl[i].Supply)
				assert.GreaterOrEqual(t, v, lo)
				assert.LessOrEqual(t, v, hi)
			}
		}
	}
}

func TestReduceRespectsFloor(t *testing.T) {
	tbl, err := NewTable(Point{-20, 45}, Point{0, 30}, Point{15, 21})
	require.NoError(t, err)

	reduced := tbl.Reduce(3, 20)

	assert.Equal(t, Table{{-20, 42}, {0, 27}, {15, 20}}, reduced)
	assert.Equal(t, Table{{-20, 45}, {0, 30}, {15, 21}}, tbl, "input table is not modified")

	below := Table{{0, 18}}.Reduce(3, 20)
	assert.Equal(t, 18.0, below[0].Supply, "breakpoints below floor are never raised")
}

func TestCloneIsIndependent(t *testing.T) {
	tbl := testTable(t)
	c := tbl.Clone()
	c[0].Supply = 10
	assert.False(t, tbl.Equal(c))
	assert.Equal(t, 55.0, tbl[0].Supply)
}

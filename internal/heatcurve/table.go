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
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Point maps an outdoor temperature to a supply water temperature.
type Point struct {
	Outdoor float64 `json:"outdoor" yaml:"outdoor" koanf:"outdoor"`
	Supply  float64 `json:"supply" yaml:"supply" koanf:"supply"`
}

// Table is a heat curve, breakpoints ordered by strictly increasing outdoor temperature.
type Table []Point

var ErrBadTable = errors.New("invalid heat curve")

func NewTable(points ...Point) (Table, error) {
	t := Table(points).Clone()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t Table) Validate() error {
	if len(t) == 0 {
		return errors.Wrap(ErrBadTable, "no breakpoints")
	}
	for i, p := range t {
		if math.IsNaN(p.Outdoor) || math.IsNaN(p.Supply) {
			return errors.Wrapf(ErrBadTable, "breakpoint %d is not a number", i)
		}
		if i > 0 && p.Outdoor <= t[i-1].Outdoor {
			return errors.Wrapf(
				ErrBadTable, "outdoor temperatures not strictly increasing at %d: %.2f after %.2f",
				i, p.Outdoor, t[i-1].Outdoor,
			)
		}
	}
	return nil
}

// Interpolate returns the supply temperature for outdoor temperature T.
// Outside the table range the nearest endpoint value is used.
func (t Table) Interpolate(T float64) float64 {
	n := len(t)
	if n == 0 {
		return math.NaN()
	}
	if T <= t[0].Outdoor {
		return t[0].Supply
	}
	if T >= t[n-1].Outdoor {
		return t[n-1].Supply
	}
	for i := 1; i < n; i++ {
		lo, hi := t[i-1], t[i]
		if T <= hi.Outdoor {
			frac := (T - lo.Outdoor) / (hi.Outdoor - lo.Outdoor)
			return lo.Supply + frac*(hi.Supply-lo.Supply)
		}
	}
	return t[n-1].Supply
}

func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	copy(out, t)
	return out
}

func (t Table) Equal(o Table) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// Reduce lowers every breakpoint by delta without pushing it below floor.
// Breakpoints already below floor are left untouched.
func (t Table) Reduce(delta, floor float64) Table {
	out := t.Clone()
	for i := range out {
		out[i].Supply = math.Min(out[i].Supply, math.Max(out[i].Supply-delta, floor))
	}
	return out
}

// MinSupply returns the lowest supply temperature of the table.
func (t Table) MinSupply() float64 {
	m := math.Inf(1)
	for _, p := range t {
		m = math.Min(m, p.Supply)
	}
	return m
}

func (t Table) String() string {
	s := ""
	for i, p := range t {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%.1f:%.1f", p.Outdoor, p.Supply)
	}
	return "[" + s + "]"
}

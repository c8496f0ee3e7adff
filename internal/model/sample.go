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
	"math"
	"time"

	"github.com/pkg/errors"
)

// Sample is a single observation of one entity. Optional channels are nil when not measured.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	OutdoorTemp float64   `json:"outdoor_temp"`
	IndoorTemp  float64   `json:"indoor_temp"`
	SupplyTemp  *float64  `json:"supply_temp,omitempty"`
	ReturnTemp  *float64  `json:"return_temp,omitempty"`

	// supply temperatures of the baseline and the active curve at OutdoorTemp
	SupplyCurve   *float64 `json:"supply_temp_heat_curve,omitempty"`
	SupplyCurveML *float64 `json:"supply_temp_heat_curve_ml,omitempty"`
}

func (s Sample) Validate() error {
	if s.Timestamp.IsZero() {
		return errors.Wrap(ErrInsufficientData, "sample without timestamp")
	}
	for name, v := range map[string]float64{"outdoor": s.OutdoorTemp, "indoor": s.IndoorTemp} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrDataQuality, "%s temperature is not a number", name)
		}
	}
	return nil
}

func (s Sample) HasSupply() bool {
	return s.SupplyTemp != nil && !math.IsNaN(*s.SupplyTemp)
}

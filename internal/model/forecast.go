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
	"time"
)

type PointKind string

const (
	KindIndoor         PointKind = "indoor_temp"
	KindOutdoor        PointKind = "outdoor_temp"
	KindSupplyBaseline PointKind = "supply_temp_baseline"
	KindSupplyActive   PointKind = "supply_temp_ml"
)

type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

type Factor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Impact Impact  `json:"impact"`
}

// Explanation describes how an indoor prediction was composed.
type Explanation struct {
	PhysicsBase         float64  `json:"physics_base"`
	PhysicsReasoning    string   `json:"physics_reasoning"`
	HourlyAdjustment    float64  `json:"hourly_adjustment"`
	AdjustmentReasoning string   `json:"adjustment_reasoning"`
	Confidence          float64  `json:"confidence"`
	ConfidenceReasoning string   `json:"confidence_reasoning"`
	Factors             []Factor `json:"factors"`
}

type ForecastPoint struct {
	Timestamp     time.Time    `json:"timestamp"`
	Kind          PointKind    `json:"kind"`
	Value         float64      `json:"value"`
	LeadTimeHours float64      `json:"lead_time_hours"`
	Explanation   *Explanation `json:"explanation,omitempty"`
}

type ForecastRun struct {
	ID          string          `json:"id"`
	EntityID    string          `json:"entity_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Points      []ForecastPoint `json:"points"`
}

// Indoor returns the indoor temperature points in time order.
func (r ForecastRun) Indoor() []ForecastPoint {
	var out []ForecastPoint
	for _, p := range r.Points {
		if p.Kind == KindIndoor {
			out = append(out, p)
		}
	}
	return out
}

// AccuracyRecord pairs an observation with the prediction made for it. Error is actual minus predicted.
type AccuracyRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Hour          int       `json:"hour"`
	Predicted     float64   `json:"predicted"`
	Actual        float64   `json:"actual"`
	Error         float64   `json:"error"`
	OutdoorTemp   float64   `json:"outdoor_temp"`
	LeadTimeHours float64   `json:"lead_time_hours"`
}

type WeatherPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	OutdoorTemp float64   `json:"outdoor_temp"`
	CloudCover  *float64  `json:"cloud_cover,omitempty"`
}

type ControlMode string

const (
	ModeNormal  ControlMode = "NORMAL"
	ModeReduced ControlMode = "REDUCED"
)

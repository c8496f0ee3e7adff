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

package weather

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/antst/hcctl/internal/model"
)

const trendDeadband = 1.0

type Direction string

const (
	Rising  Direction = "rising"
	Falling Direction = "falling"
	Stable  Direction = "stable"
)

type Trend struct {
	CurrentTemp float64   `json:"current_temp"`
	MaxTemp     float64   `json:"max_temp"`
	MinTemp     float64   `json:"min_temp"`
	AvgTemp     float64   `json:"avg_temp"`
	Rise        float64   `json:"rise"`
	Change      float64   `json:"change"`
	Direction   Direction `json:"direction"`
	Confidence  float64   `json:"confidence"`
	Points      int       `json:"points"`
}

// AnalyzeTrend summarises the forecast within lookahead of now.
// Confidence is coverage of the lookahead window times freshness of the forecast.
func AnalyzeTrend(points []model.WeatherPoint, issued, now time.Time, lookahead, maxAge time.Duration) (*Trend, error) {
	cutoff := now.Add(lookahead)
	var window []model.WeatherPoint
	for _, p := range points {
		if !p.Timestamp.Before(now.Add(-time.Hour)) && !p.Timestamp.After(cutoff) {
			window = append(window, p)
		}
	}
	if len(window) == 0 {
		return nil, errors.Wrap(model.ErrInsufficientData, "no forecast points within lookahead")
	}

	tr := &Trend{
		CurrentTemp: window[0].OutdoorTemp,
		MaxTemp:     math.Inf(-1),
		MinTemp:     math.Inf(1),
		Points:      len(window),
	}
	var sum float64
	for _, p := range window {
		tr.MaxTemp = math.Max(tr.MaxTemp, p.OutdoorTemp)
		tr.MinTemp = math.Min(tr.MinTemp, p.OutdoorTemp)
		sum += p.OutdoorTemp
	}
	tr.AvgTemp = sum / float64(len(window))
	tr.Rise = tr.MaxTemp - tr.CurrentTemp
	tr.Change = window[len(window)-1].OutdoorTemp - tr.CurrentTemp

	switch {
	case tr.Change > trendDeadband:
		tr.Direction = Rising
	case tr.Change < -trendDeadband:
		tr.Direction = Falling
	default:
		tr.Direction = Stable
	}

	coverage := math.Min(1, float64(len(window))/math.Max(1, lookahead.Hours()))
	freshness := 1.0
	if !issued.IsZero() && maxAge > 0 {
		freshness = math.Max(0, 1-float64(now.Sub(issued))/float64(maxAge))
		freshness = math.Min(1, freshness)
	}
	tr.Confidence = coverage * freshness
	return tr, nil
}

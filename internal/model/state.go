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
	"fmt"
	"time"
)

// MinSamples is the number of samples required before anything learned is trusted.
const MinSamples = 24

var checkpointIntervals = []int{24, 48, 96}

// Checkpoint schedules learning updates: the first after 24 samples,
// then 48 samples later, then every 96 samples.
type Checkpoint struct {
	SamplesSinceUpdate int `json:"samples_since_last_update"`
	TotalSamples       int `json:"total_samples"`
	NextUpdateAt       int `json:"next_update_at_samples"`
}

func NewCheckpoint() Checkpoint {
	return Checkpoint{NextUpdateAt: checkpointIntervals[0]}
}

// Record counts one sample and reports whether an update is due.
func (c *Checkpoint) Record() bool {
	c.SamplesSinceUpdate++
	c.TotalSamples++
	return c.Due()
}

func (c Checkpoint) Due() bool {
	return c.NextUpdateAt > 0 && c.SamplesSinceUpdate >= c.NextUpdateAt
}

func (c Checkpoint) Learning() bool {
	return c.TotalSamples < MinSamples
}

// Advance resets the counter after a successful update and moves to the next interval.
func (c *Checkpoint) Advance() {
	c.SamplesSinceUpdate = 0
	for _, n := range checkpointIntervals {
		if n > c.NextUpdateAt {
			c.NextUpdateAt = n
			return
		}
	}
	c.NextUpdateAt = checkpointIntervals[len(checkpointIntervals)-1]
}

type ThermalState struct {
	// ThermalCoefficient is in °C/h per °C of indoor-outdoor difference, nil until learned.
	ThermalCoefficient *float64   `json:"thermal_coefficient"`
	Confidence         float64    `json:"confidence"`
	Checkpoint         Checkpoint `json:"checkpoint"`
	Method             string     `json:"method,omitempty"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
}

func NewThermalState() ThermalState {
	return ThermalState{Checkpoint: NewCheckpoint()}
}

// HourBias is the learned correction of one hour of the day.
// Weight grows towards 1 with every fold that had data for that hour.
type HourBias struct {
	Bias   float64 `json:"bias"`
	Weight float64 `json:"weight"`
}

// HourlyBias is keyed "00".."23". Missing hours mean zero bias.
type HourlyBias map[string]HourBias

func HourKey(hour int) string {
	return fmt.Sprintf("%02d", ((hour%24)+24)%24)
}

func (h HourlyBias) Get(hour int) HourBias {
	if h == nil {
		return HourBias{}
	}
	return h[HourKey(hour)]
}

func (h HourlyBias) Clone() HourlyBias {
	out := make(HourlyBias, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

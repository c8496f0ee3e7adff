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

package forecast

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/antst/hcctl/internal/model"
)

type BiasSettings struct {
	// Alpha is the weight of the newly observed mean error in a fold.
	Alpha float64
	// Gain moves an hour's weight towards 1 on every fold with data.
	Gain           float64
	MaxBias        float64
	MinRecords     int
	MinHourRecords int
	MaxBuffer      int
	TrimTo         int
}

func DefaultBiasSettings() BiasSettings {
	return BiasSettings{
		Alpha:          0.8,
		Gain:           0.25,
		MaxBias:        1.5,
		MinRecords:     10,
		MinHourRecords: 3,
		MaxBuffer:      1000,
		TrimTo:         500,
	}
}

// BiasTracker learns a systematic forecast error per hour of day.
type BiasTracker struct {
	settings BiasSettings

	lock   sync.Mutex
	bias   model.HourlyBias
	buffer []model.AccuracyRecord
}

func NewBiasTracker(_settings BiasSettings) *BiasTracker {
	return &BiasTracker{settings: _settings, bias: model.HourlyBias{}}
}

func (b *BiasTracker) Restore(h model.HourlyBias) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.bias = h.Clone()
}

func (b *BiasTracker) Biases() model.HourlyBias {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.bias.Clone()
}

func (b *BiasTracker) Buffered() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.buffer)
}

func (b *BiasTracker) Observe(rec model.AccuracyRecord) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.buffer = append(b.buffer, rec)
	if len(b.buffer) > b.settings.MaxBuffer {
		b.buffer = append(b.buffer[:0:0], b.buffer[len(b.buffer)-b.settings.TrimTo:]...)
	}
}

// Correction returns the applied correction for an hour and the confidence in it.
func (b *BiasTracker) Correction(hour int) (float64, float64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	hb := b.bias.Get(hour)
	return hb.Bias * hb.Weight, hb.Weight
}

// Fold merges buffered errors into the hourly biases and returns the hours that changed.
// With too few buffered records nothing is folded and the buffer is kept.
func (b *BiasTracker) Fold(_ time.Time) ([]string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	s := b.settings
	if len(b.buffer) < s.MinRecords {
		return nil, errors.Wrapf(model.ErrInsufficientData, "%d accuracy records buffered, need %d", len(b.buffer), s.MinRecords)
	}

	byHour := make(map[string][]float64)
	for _, r := range b.buffer {
		key := model.HourKey(r.Hour)
		byHour[key] = append(byHour[key], r.Error)
	}

	var changed []string
	for key, errs := range byHour {
		if len(errs) < s.MinHourRecords {
			continue
		}
		var sum float64
		for _, e := range errs {
			sum += e
		}
		mean := sum / float64(len(errs))
		old := b.bias[key]
		nb := (1-s.Alpha)*old.Bias + s.Alpha*mean
		nb = math.Max(-s.MaxBias, math.Min(s.MaxBias, nb))
		b.bias[key] = model.HourBias{
			Bias:   math.Round(nb*1000) / 1000,
			Weight: old.Weight + s.Gain*(1-old.Weight),
		}
		changed = append(changed, key)
	}
	sort.Strings(changed)

	b.buffer = nil
	return changed, nil
}

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

package thermal

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/model"
)

const (
	epsilon = 1e-9
	// indoor rates beyond this are sensor glitches or windows opened, not building physics
	maxIndoorRate = 5.0

	MethodOutdoorOnly = "regression_outdoor"
	MethodWithSupply  = "regression_outdoor_supply"
)

type Settings struct {
	MinSamples    int
	Window        time.Duration
	MaxSamples    int
	MinSpread     float64
	TargetSpread  float64
	SampleScale   float64
	ResidualScale float64
	MaxInterval   time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		MinSamples:    model.MinSamples,
		Window:        7 * 24 * time.Hour,
		MaxSamples:    672,
		MinSpread:     2.0,
		TargetSpread:  10.0,
		SampleScale:   96,
		ResidualScale: 0.5,
		MaxInterval:   2 * time.Hour,
	}
}

// Analyzer learns the heat-loss coefficient of one building from its recent samples.
type Analyzer struct {
	entity   string
	settings Settings
	log      *zap.SugaredLogger

	lock   sync.Mutex
	window []model.Sample
	state  model.ThermalState
}

func NewAnalyzer(_entity string, _settings Settings) *Analyzer {
	return &Analyzer{
		entity:   _entity,
		settings: _settings,
		log:      logger.For(_entity).Named("thermal"),
		state:    model.NewThermalState(),
	}
}

// Restore loads a persisted state. The sample window is not part of it, see Seed.
func (a *Analyzer) Restore(state model.ThermalState) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if state.Checkpoint.NextUpdateAt == 0 {
		state.Checkpoint.NextUpdateAt = model.NewCheckpoint().NextUpdateAt
	}
	a.state = state
}

// Seed fills the window with historical samples without counting them.
func (a *Analyzer) Seed(samples []model.Sample) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, s := range samples {
		if s.Validate() == nil {
			a.window = append(a.window, s)
		}
	}
	sort.SliceStable(a.window, func(i, j int) bool { return a.window[i].Timestamp.Before(a.window[j].Timestamp) })
	a.trim()
}

// Bootstrap learns from seeded history when no coefficient exists yet, instead of
// waiting for the first checkpoint. ran is false when there is nothing to do.
func (a *Analyzer) Bootstrap(now time.Time) (st model.ThermalState, ran bool, err error) {
	a.lock.Lock()
	n, learned := len(a.window), a.state.ThermalCoefficient != nil
	a.lock.Unlock()
	if learned || n < a.settings.MinSamples {
		return a.State(), false, nil
	}
	st, err = a.Update(now)
	return st, true, err
}

// RecordSample appends a sample and reports whether a learning update is due.
func (a *Analyzer) RecordSample(s model.Sample) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	if err := s.Validate(); err != nil {
		a.log.Warnf("Dropping sample: %v", err)
		return false
	}
	if n := len(a.window); n > 0 && !s.Timestamp.After(a.window[n-1].Timestamp) {
		a.log.Debugf("Dropping out of order sample at %v", s.Timestamp)
		return false
	}
	a.window = append(a.window, s)
	a.trim()
	return a.state.Checkpoint.Record()
}

func (a *Analyzer) trim() {
	n := len(a.window)
	if n == 0 {
		return
	}
	cutoff := a.window[n-1].Timestamp.Add(-a.settings.Window)
	start := sort.Search(n, func(i int) bool { return !a.window[i].Timestamp.Before(cutoff) })
	if n-start > a.settings.MaxSamples {
		start = n - a.settings.MaxSamples
	}
	if start > 0 {
		a.window = append(a.window[:0:0], a.window[start:]...)
	}
}

func (a *Analyzer) WindowSize() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.window)
}

func (a *Analyzer) State() model.ThermalState {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// Coefficient returns the learned coefficient and whether one exists.
func (a *Analyzer) Coefficient() (float64, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state.ThermalCoefficient == nil {
		return 0, false
	}
	return *a.state.ThermalCoefficient, true
}

type fit struct {
	k, h     float64
	residual float64
	pairs    int
	method   string
}

// Update re-estimates the coefficient over the current window.
// ErrInsufficientData leaves the state untouched and the checkpoint due.
// ErrDataQuality keeps the previous coefficient but still completes the checkpoint.
func (a *Analyzer) Update(now time.Time) (model.ThermalState, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	n := len(a.window)
	if n < a.settings.MinSamples {
		return a.state, errors.Wrapf(model.ErrInsufficientData, "%d samples in window, need %d", n, a.settings.MinSamples)
	}

	f, ok := a.regress()
	if !ok {
		return a.state, errors.Wrapf(
			model.ErrInsufficientData, "only %d usable sample pairs in window of %d", f.pairs, n,
		)
	}

	spread := a.outdoorSpread()
	confidence := a.confidence(n, spread, f.residual)

	a.state.Confidence = confidence
	a.state.UpdatedAt = &now
	a.state.Checkpoint.Advance()

	if spread < a.settings.MinSpread {
		a.log.Warnf(
			"Outdoor spread %.2f°C below %.2f°C, keeping previous coefficient (confidence %.2f)",
			spread, a.settings.MinSpread, confidence,
		)
		return a.state, errors.Wrapf(model.ErrDataQuality, "outdoor spread %.2f°C", spread)
	}

	k := math.Max(f.k, 0)
	a.state.ThermalCoefficient = &k
	a.state.Method = f.method
	a.log.Infof(
		"Thermal coefficient %.4f °C/h/°C (%s, %d pairs, residual %.3f, spread %.1f), confidence %.2f",
		k, f.method, f.pairs, f.residual, spread, confidence,
	)
	return a.state, nil
}

func (a *Analyzer) outdoorSpread() float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range a.window {
		lo = math.Min(lo, s.OutdoorTemp)
		hi = math.Max(hi, s.OutdoorTemp)
	}
	return hi - lo
}

func (a *Analyzer) confidence(n int, spread, residual float64) float64 {
	s := a.settings
	count := 1 - math.Exp(-float64(n)/s.SampleScale)
	spreadF := math.Min(1, spread/s.TargetSpread)
	resid := 1 / (1 + residual/s.ResidualScale)
	return clamp01(count * spreadF * resid)
}

// regress fits dIndoor/dt = k*(outdoor-indoor) [+ h*(supply-indoor)] without intercept.
func (a *Analyzer) regress() (fit, bool) {
	type pair struct {
		y, x1, x2 float64
		supply    bool
	}
	pairs := make([]pair, 0, len(a.window))
	withSupply := 0

	for i := 1; i < len(a.window); i++ {
		prev, cur := a.window[i-1], a.window[i]
		dt := cur.Timestamp.Sub(prev.Timestamp)
		if dt <= 0 || dt > a.settings.MaxInterval {
			continue
		}
		hours := dt.Hours()
		y := (cur.IndoorTemp - prev.IndoorTemp) / hours
		if math.Abs(y) > maxIndoorRate {
			continue
		}
		indoor := (cur.IndoorTemp + prev.IndoorTemp) / 2
		p := pair{y: y, x1: (cur.OutdoorTemp+prev.OutdoorTemp)/2 - indoor}
		if prev.HasSupply() && cur.HasSupply() {
			p.x2 = (*cur.SupplyTemp+*prev.SupplyTemp)/2 - indoor
			p.supply = true
			withSupply++
		}
		pairs = append(pairs, p)
	}

	minPairs := a.settings.MinSamples / 2
	if len(pairs) < minPairs {
		return fit{pairs: len(pairs)}, false
	}

	if withSupply >= minPairs {
		var s11, s12, s22, b1, b2 float64
		m := 0
		for _, p := range pairs {
			if !p.supply {
				continue
			}
			s11 += p.x1 * p.x1
			s12 += p.x1 * p.x2
			s22 += p.x2 * p.x2
			b1 += p.x1 * p.y
			b2 += p.x2 * p.y
			m++
		}
		det := s11*s22 - s12*s12
		if math.Abs(det) > epsilon*math.Max(s11*s22, 1) {
			k := (b1*s22 - b2*s12) / det
			h := (s11*b2 - s12*b1) / det
			var ss float64
			for _, p := range pairs {
				if p.supply {
					r := p.y - k*p.x1 - h*p.x2
					ss += r * r
				}
			}
			return fit{k: k, h: h, residual: math.Sqrt(ss / float64(m)), pairs: m, method: MethodWithSupply}, true
		}
	}

	var sxx, sxy float64
	for _, p := range pairs {
		sxx += p.x1 * p.x1
		sxy += p.x1 * p.y
	}
	if sxx < epsilon {
		return fit{pairs: len(pairs)}, false
	}
	k := sxy / sxx
	var ss float64
	for _, p := range pairs {
		r := p.y - k*p.x1
		ss += r * r
	}
	return fit{k: k, residual: math.Sqrt(ss / float64(len(pairs))), pairs: len(pairs), method: MethodOutdoorOnly}, true
}

// PredictDrift is the unheated indoor change over hours given the learned coefficient.
func (a *Analyzer) PredictDrift(indoor, outdoor, hours float64) float64 {
	k, ok := a.Coefficient()
	if !ok {
		return 0
	}
	return k * (outdoor - indoor) * hours
}

func (a *Analyzer) Status() string {
	st := a.State()
	switch {
	case st.ThermalCoefficient == nil:
		return "Waiting for initial data"
	case st.Confidence < 0.3:
		return "Learning (low confidence)"
	case st.Confidence < 0.7:
		return "Learning (moderate confidence)"
	default:
		return "Stable (high confidence)"
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

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
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/model"
)

const (
	lowThermalConfidence = 0.5
	minRecoveryRate      = 0.1
)

type Settings struct {
	TargetIndoor        float64
	AcceptableDeviation float64
	// HeatingRate and CoolingRate bound the indoor change in °C/h
	HeatingRate       float64
	CoolingRate       float64
	DefaultLossFactor float64
	Horizon           time.Duration
	MatchTolerance    time.Duration
	Location          *time.Location
}

func DefaultSettings() Settings {
	return Settings{
		TargetIndoor:        22.0,
		AcceptableDeviation: 1.0,
		HeatingRate:         0.5,
		CoolingRate:         0.2,
		DefaultLossFactor:   0.02,
		Horizon:             24 * time.Hour,
		MatchTolerance:      10 * time.Minute,
		Location:            time.Local,
	}
}

// CurveSource gives baseline and active supply temperatures at an outdoor temperature.
type CurveSource interface {
	SupplyTemps(T float64) (float64, float64)
}

type Input struct {
	Now        time.Time
	IndoorTemp float64
	Weather    []model.WeatherPoint
	Thermal    model.ThermalState
	Curve      CurveSource
}

type pendingPrediction struct {
	timestamp time.Time
	value     float64
	lead      float64
}

type AccuracyStats struct {
	Samples   int     `json:"samples"`
	MeanError float64 `json:"mean_error"`
	MAE       float64 `json:"mae"`
	MinError  float64 `json:"min_error"`
	MaxError  float64 `json:"max_error"`
}

// Forecaster produces indoor forecasts from thermostat-aware physics plus learned hourly corrections.
type Forecaster struct {
	entity   string
	settings Settings
	bias     *BiasTracker
	log      *zap.SugaredLogger

	lock    sync.Mutex
	pending map[int64]pendingPrediction
	stats   AccuracyStats
	sumAbs  float64
	sumErr  float64
}

func NewForecaster(_entity string, _settings Settings, _bias *BiasTracker) *Forecaster {
	if _settings.Location == nil {
		_settings.Location = time.Local
	}
	return &Forecaster{
		entity:   _entity,
		settings: _settings,
		bias:     _bias,
		log:      logger.For(_entity).Named("forecast"),
		pending:  make(map[int64]pendingPrediction),
	}
}

func (f *Forecaster) Bias() *BiasTracker {
	return f.bias
}

// Generate builds one forecast run. Indoor predictions are chained from the current indoor temperature.
func (f *Forecaster) Generate(in Input) model.ForecastRun {
	run := model.ForecastRun{ID: uuid.NewString(), EntityID: f.entity, GeneratedAt: in.Now}

	weather := make([]model.WeatherPoint, 0, len(in.Weather))
	for _, w := range in.Weather {
		if w.Timestamp.After(in.Now) && !w.Timestamp.After(in.Now.Add(f.settings.Horizon)) {
			weather = append(weather, w)
		}
	}
	sort.Slice(weather, func(i, j int) bool { return weather[i].Timestamp.Before(weather[j].Timestamp) })

	learning := in.Thermal.Checkpoint.Learning()
	thermalConf := in.Thermal.Confidence
	if learning {
		thermalConf = 0
	}
	loss := f.lossFactor(in.Thermal)

	indoor := in.IndoorTemp
	prev := in.Now
	for _, w := range weather {
		dt := w.Timestamp.Sub(prev).Hours()
		lead := w.Timestamp.Sub(in.Now).Hours()
		hour := w.Timestamp.In(f.settings.Location).Hour()

		base, physicsReason := f.physics(indoor, w.OutdoorTemp, dt, loss)

		corr, hourConf := f.bias.Correction(hour)
		adjReason := fmt.Sprintf("Learned %s:00 bias applied with weight %.2f", model.HourKey(hour), hourConf)
		if learning {
			corr, hourConf = 0, 0
			adjReason = fmt.Sprintf(
				"Learning phase (%d of %d samples), hourly corrections disabled",
				in.Thermal.Checkpoint.TotalSamples, model.MinSamples,
			)
		}

		value := f.clampIndoor(base + corr)
		conf, confReason := f.confidence(thermalConf, hourConf, lead, learning)

		rawBias := f.bias.Biases().Get(hour).Bias
		biasImpact := model.ImpactLow
		if math.Abs(rawBias) >= 0.2 {
			biasImpact = model.ImpactMedium
		}

		ts := w.Timestamp
		run.Points = append(run.Points,
			model.ForecastPoint{Timestamp: ts, Kind: model.KindOutdoor, Value: round2(w.OutdoorTemp), LeadTimeHours: round2(lead)},
			model.ForecastPoint{
				Timestamp: ts, Kind: model.KindIndoor, Value: round2(value), LeadTimeHours: round2(lead),
				Explanation: &model.Explanation{
					PhysicsBase:         round2(base),
					PhysicsReasoning:    physicsReason,
					HourlyAdjustment:    round2(corr),
					AdjustmentReasoning: adjReason,
					Confidence:          round2(conf),
					ConfidenceReasoning: confReason,
					Factors: []model.Factor{
						{Name: "Target setpoint", Value: f.settings.TargetIndoor, Unit: "°C", Impact: model.ImpactHigh},
						{Name: "Outdoor forecast", Value: round2(w.OutdoorTemp), Unit: "°C", Impact: model.ImpactMedium},
						{Name: "Current indoor", Value: round2(indoor), Unit: "°C", Impact: model.ImpactMedium},
						{Name: fmt.Sprintf("Hour %s:00 bias", model.HourKey(hour)), Value: round2(rawBias), Unit: "°C", Impact: biasImpact},
					},
				},
			},
		)
		if in.Curve != nil {
			baseline, active := in.Curve.SupplyTemps(w.OutdoorTemp)
			run.Points = append(run.Points,
				model.ForecastPoint{Timestamp: ts, Kind: model.KindSupplyBaseline, Value: round2(baseline), LeadTimeHours: round2(lead)},
				model.ForecastPoint{Timestamp: ts, Kind: model.KindSupplyActive, Value: round2(active), LeadTimeHours: round2(lead)},
			)
		}

		indoor = base
		prev = w.Timestamp
	}

	f.log.Debugf("Generated forecast %s with %d points from %d weather points", run.ID, len(run.Points), len(weather))
	return run
}

func (f *Forecaster) lossFactor(st model.ThermalState) float64 {
	if st.ThermalCoefficient == nil || st.Checkpoint.Learning() {
		return f.settings.DefaultLossFactor
	}
	w := math.Max(0, math.Min(1, st.Confidence))
	return w*(*st.ThermalCoefficient) + (1-w)*f.settings.DefaultLossFactor
}

// physics advances indoor by dt hours. The thermostat holds the target, so below it
// heating recovers at a bounded rate and above it the excess decays without ever rising.
func (f *Forecaster) physics(indoor, outdoor, dt, loss float64) (float64, string) {
	s := f.settings
	target := s.TargetIndoor
	lossRate := math.Max(0, loss*(indoor-outdoor))

	switch {
	case indoor < target-s.AcceptableDeviation:
		rate := math.Max(minRecoveryRate, s.HeatingRate-lossRate)
		pred := math.Min(indoor+rate*dt, target)
		return pred, fmt.Sprintf(
			"Indoor %.1f°C below comfort band, heating recovers %.2f°C/h against %.2f°C/h loss",
			indoor, rate, lossRate,
		)
	case indoor < target:
		step := math.Min(s.HeatingRate*0.5*dt, target-indoor)
		return indoor + step, fmt.Sprintf("Indoor %.1f°C slightly below target, thermostat modulates towards %.1f°C", indoor, target)
	default:
		excess := indoor - target
		pred := target + excess*math.Exp(-(s.CoolingRate+0.5*lossRate)*dt)
		if excess == 0 {
			return pred, fmt.Sprintf("Thermostat holds %.1f°C", target)
		}
		return pred, fmt.Sprintf(
			"Indoor %.1f°C above target, excess decays with heating off (%.2f°C/h loss)", indoor, lossRate,
		)
	}
}

func (f *Forecaster) clampIndoor(v float64) float64 {
	s := f.settings
	lo := s.TargetIndoor - s.AcceptableDeviation - 1
	hi := s.TargetIndoor + s.AcceptableDeviation + 0.5
	return math.Max(lo, math.Min(hi, v))
}

func (f *Forecaster) confidence(thermal, hour, lead float64, learning bool) (float64, string) {
	conf := (0.6*thermal + 0.4*hour) / (1 + lead/24)
	switch {
	case learning:
		return conf, "Learning phase, thermal model not trusted yet"
	case thermal < lowThermalConfidence:
		return conf, fmt.Sprintf("Low thermal confidence %.2f, lead %.1fh", thermal, lead)
	default:
		return conf, fmt.Sprintf("Thermal confidence %.2f, hour confidence %.2f, lead %.1fh", thermal, hour, lead)
	}
}

// TrackPredictions remembers the indoor predictions of a run so later observations can be scored.
// A newer run replaces predictions for the same timestamps.
func (f *Forecaster) TrackPredictions(run model.ForecastRun) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, p := range run.Indoor() {
		f.pending[p.Timestamp.Unix()] = pendingPrediction{timestamp: p.Timestamp, value: p.Value, lead: p.LeadTimeHours}
	}
	cutoff := run.GeneratedAt.Add(-f.settings.MatchTolerance)
	for k, p := range f.pending {
		if p.timestamp.Before(cutoff) {
			delete(f.pending, k)
		}
	}
}

func (f *Forecaster) Pending() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.pending)
}

// RecordAccuracy scores an observed sample against the closest pending prediction.
func (f *Forecaster) RecordAccuracy(s model.Sample) (model.AccuracyRecord, bool) {
	f.lock.Lock()
	key, best := int64(0), time.Duration(-1)
	for k, p := range f.pending {
		d := p.timestamp.Sub(s.Timestamp)
		if d < 0 {
			d = -d
		}
		if d <= f.settings.MatchTolerance && (best < 0 || d < best) {
			key, best = k, d
		}
	}
	if best < 0 {
		f.lock.Unlock()
		return model.AccuracyRecord{}, false
	}
	p := f.pending[key]
	delete(f.pending, key)

	errV := s.IndoorTemp - p.value
	rec := model.AccuracyRecord{
		Timestamp:     s.Timestamp,
		Hour:          p.timestamp.In(f.settings.Location).Hour(),
		Predicted:     p.value,
		Actual:        s.IndoorTemp,
		Error:         round2(errV),
		OutdoorTemp:   s.OutdoorTemp,
		LeadTimeHours: p.lead,
	}
	f.updateStats(rec.Error)
	f.lock.Unlock()

	f.bias.Observe(rec)
	return rec, true
}

func (f *Forecaster) updateStats(e float64) {
	if f.stats.Samples == 0 {
		f.stats.MinError, f.stats.MaxError = e, e
	}
	f.stats.Samples++
	f.sumErr += e
	f.sumAbs += math.Abs(e)
	f.stats.MinError = math.Min(f.stats.MinError, e)
	f.stats.MaxError = math.Max(f.stats.MaxError, e)
	f.stats.MeanError = f.sumErr / float64(f.stats.Samples)
	f.stats.MAE = f.sumAbs / float64(f.stats.Samples)
}

func (f *Forecaster) AccuracyStats() AccuracyStats {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.stats
}

// UpdateBias folds buffered accuracy records into the hourly biases.
func (f *Forecaster) UpdateBias(now time.Time) (model.HourlyBias, error) {
	changed, err := f.bias.Fold(now)
	if err != nil {
		return nil, err
	}
	f.log.Infof("Updated hourly bias for hours %v", changed)
	return f.bias.Biases(), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

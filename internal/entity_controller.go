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

package internal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/antst/hcctl/internal/config"
	"github.com/antst/hcctl/internal/db"
	"github.com/antst/hcctl/internal/forecast"
	"github.com/antst/hcctl/internal/heatcurve"
	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/metrics"
	"github.com/antst/hcctl/internal/model"
	"github.com/antst/hcctl/internal/thermal"
	"github.com/antst/hcctl/internal/weather"
)

const startupDelay = 5 * time.Second

// cycle steps, also the label of collaborator failures
const (
	stepSample    = "sample"
	stepStore     = "store"
	stepLearning  = "learning"
	stepBias      = "bias"
	stepWeather   = "weather"
	stepTrend     = "trend"
	stepControl   = "control"
	stepWriteback = "writeback"
)

type EntityStore interface {
	heatcurve.SnapshotStore
	SaveThermalState(ctx context.Context, entity string, st model.ThermalState) error
	LoadThermalState(ctx context.Context, entity string) (*model.ThermalState, error)
	SaveHourlyBias(ctx context.Context, entity string, h model.HourlyBias) error
	LoadHourlyBias(ctx context.Context, entity string) (model.HourlyBias, error)
	InsertSample(ctx context.Context, entity string, smp model.Sample) error
	RecentSamples(ctx context.Context, entity string, since time.Time, limit int) ([]model.Sample, error)
	InsertForecastRun(ctx context.Context, run model.ForecastRun) error
	InsertAccuracy(ctx context.Context, entity string, rec model.AccuracyRecord) error
	InsertCurveAdjustment(ctx context.Context, entity string, adj db.CurveAdjustment) error
}

type EntitySettings struct {
	PollInterval        time.Duration
	CollaboratorTimeout time.Duration
	ForecastMaxAge      time.Duration
}

type EntityDeps struct {
	Store   EntityStore
	Samples SampleSource
	Weather weather.Source
	Sink    CurveSink
	Metrics *metrics.Metrics
}

// CycleReport is what one cycle observed and decided.
type CycleReport struct {
	Sample   *model.Sample
	Accuracy *model.AccuracyRecord
	Learning *model.ThermalState
	Forecast *model.ForecastRun
	Trend    *weather.Trend
	Decision heatcurve.Decision
	Failures []string
}

func (r *CycleReport) fail(step string) {
	r.Failures = append(r.Failures, step)
}

// EntityController runs the learning and control cycle of one building.
type EntityController struct {
	id       string
	profile  *config.Profile
	settings EntitySettings
	deps     EntityDeps
	log      *zap.SugaredLogger

	analyzer   *thermal.Analyzer
	forecaster *forecast.Forecaster
	curve      *heatcurve.Controller

	needPublish bool
	overrides   chan Override
	now         func() time.Time
}

// Override is an operator request to force a reduction by Rise, or to restore the baseline.
type Override struct {
	Restore bool
	Rise    float64
}

// ParseOverride accepts "restore" or a forecast rise in °C.
func ParseOverride(payload string) (Override, error) {
	payload = strings.TrimSpace(payload)
	if strings.EqualFold(payload, "restore") {
		return Override{Restore: true}, nil
	}
	rise, err := strconv.ParseFloat(payload, 64)
	if err != nil || rise <= 0 {
		return Override{}, errors.Errorf("override %q is neither `restore` nor a positive rise", payload)
	}
	return Override{Rise: rise}, nil
}

func NewEntityController(
	_id string, _profile *config.Profile, _settings EntitySettings, _deps EntityDeps,
) (*EntityController, error) {
	baseline, err := _profile.Curve()
	if err != nil {
		return nil, errors.WithMessagef(err, "entity %s", _id)
	}
	curve, err := heatcurve.NewController(_id, baseline, _profile.ControlSettings(), _deps.Store)
	if err != nil {
		return nil, errors.WithMessagef(err, "entity %s", _id)
	}
	bias := forecast.NewBiasTracker(_profile.BiasSettings())

	return &EntityController{
		id:          _id,
		profile:     _profile,
		settings:    _settings,
		deps:        _deps,
		log:         logger.For(_id),
		analyzer:    thermal.NewAnalyzer(_id, _profile.ThermalSettings()),
		forecaster:  forecast.NewForecaster(_id, _profile.ForecastSettings(), bias),
		curve:       curve,
		needPublish: true,
		overrides:   make(chan Override, 4),
		now:         time.Now,
	}, nil
}

func (e *EntityController) ID() string {
	return e.id
}

func (e *EntityController) Curve() *heatcurve.Controller {
	return e.curve
}

func (e *EntityController) Analyzer() *thermal.Analyzer {
	return e.analyzer
}

func (e *EntityController) Forecaster() *forecast.Forecaster {
	return e.forecaster
}

func (e *EntityController) collaborator(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.settings.CollaboratorTimeout)
}

// Init loads the learned state and resumes a persisted reduction.
// Only a corrupt persisted state is returned as error.
func (e *EntityController) Init(ctx context.Context) error {
	ctx, cancel := e.collaborator(ctx)
	defer cancel()
	store := e.deps.Store
	seedState, seedBias := e.profile.SeedState()

	st, err := store.LoadThermalState(ctx, e.id)
	switch {
	case model.IsFatal(err):
		return err
	case err != nil:
		e.log.Warnf("Could not load thermal state, starting cold: %v", err)
	case st != nil:
		e.analyzer.Restore(*st)
	case seedState != nil:
		e.log.Infof("Seeding thermal state from profile")
		e.analyzer.Restore(*seedState)
	}

	bias, err := store.LoadHourlyBias(ctx, e.id)
	switch {
	case model.IsFatal(err):
		return err
	case err != nil:
		e.log.Warnf("Could not load hourly bias: %v", err)
	case len(bias) > 0:
		e.forecaster.Bias().Restore(bias)
	case seedBias != nil:
		e.forecaster.Bias().Restore(seedBias)
	}

	ts := e.profile.ThermalSettings()
	samples, err := store.RecentSamples(ctx, e.id, e.now().Add(-ts.Window), ts.MaxSamples)
	if err != nil {
		e.log.Warnf("Could not load recent samples: %v", err)
	} else {
		e.analyzer.Seed(samples)
	}
	if st, ran, err := e.analyzer.Bootstrap(e.now()); ran {
		switch {
		case err == nil || errors.Is(err, model.ErrDataQuality):
			e.log.Infof("Learned from %d stored samples: %s", e.analyzer.WindowSize(), e.analyzer.Status())
			if err := store.SaveThermalState(ctx, e.id, st); err != nil {
				e.log.Errorf("Could not persist thermal state: %v", err)
			}
		default:
			e.log.Debugf("Stored history not usable yet: %v", err)
		}
	}

	if err := e.curve.Restore(ctx); err != nil {
		if model.IsFatal(err) {
			return err
		}
		e.log.Warnf("Control state: %v", err)
	}
	e.log.Infof("Initialized: %s, mode %s, %d samples in window", e.analyzer.Status(), e.curve.Mode(), e.analyzer.WindowSize())
	return nil
}

// Cycle runs one learning and control cycle. Collaborator failures skip the affected step only.
func (e *EntityController) Cycle(ctx context.Context, now time.Time) (CycleReport, error) {
	started := time.Now()
	var r CycleReport
	if err := ctx.Err(); err != nil {
		return r, err
	}

	e.collect(ctx, now, &r)
	if r.Sample != nil {
		e.learn(ctx, now, &r)
	}
	points, issued := e.fetchWeather(ctx, &r)
	if r.Sample != nil && len(points) > 0 {
		e.predict(ctx, now, points, &r)
	}
	if len(points) > 0 {
		tr, err := weather.AnalyzeTrend(points, issued, now, e.profile.Lookahead(), e.settings.ForecastMaxAge)
		if err != nil {
			e.log.Debugf("No trend: %v", err)
			r.fail(stepTrend)
		} else {
			r.Trend = tr
		}
	}
	e.control(ctx, now, &r)
	e.writeback(ctx, now, &r)
	e.report(&r, time.Since(started))
	return r, nil
}

func (e *EntityController) collect(ctx context.Context, now time.Time, r *CycleReport) {
	s, err := e.deps.Samples.Snapshot(now)
	if err != nil {
		e.log.Warnf("No sample this cycle: %v", err)
		r.fail(stepSample)
		return
	}
	baseline, active := e.curve.SupplyTemps(s.OutdoorTemp)
	s.SupplyCurve, s.SupplyCurveML = &baseline, &active
	r.Sample = &s

	sctx, cancel := e.collaborator(ctx)
	defer cancel()
	if err := e.deps.Store.InsertSample(sctx, e.id, s); err != nil {
		e.log.Errorf("Could not store sample: %v", err)
		r.fail(stepStore)
	}
}

func (e *EntityController) learn(ctx context.Context, now time.Time, r *CycleReport) {
	sctx, cancel := e.collaborator(ctx)
	defer cancel()

	if rec, ok := e.forecaster.RecordAccuracy(*r.Sample); ok {
		r.Accuracy = &rec
		if err := e.deps.Store.InsertAccuracy(sctx, e.id, rec); err != nil {
			e.log.Errorf("Could not store accuracy record: %v", err)
			r.fail(stepStore)
		}
	}

	due := e.analyzer.RecordSample(*r.Sample)
	if due {
		st, err := e.analyzer.Update(now)
		switch {
		case err == nil:
			r.Learning = &st
		case errors.Is(err, model.ErrDataQuality):
			e.log.Warnf("Learning: %v", err)
			r.Learning = &st
		case model.IsRetryable(err):
			e.log.Debugf("Learning deferred: %v", err)
		default:
			e.log.Errorf("Learning failed: %v", err)
			r.fail(stepLearning)
		}
	}
	if err := e.deps.Store.SaveThermalState(sctx, e.id, e.analyzer.State()); err != nil {
		e.log.Errorf("Could not persist thermal state: %v", err)
		r.fail(stepStore)
	}

	// biases are refreshed on the learning schedule
	if !due || r.Learning == nil {
		return
	}
	bias, err := e.forecaster.UpdateBias(now)
	switch {
	case errors.Is(err, model.ErrInsufficientData):
		e.log.Debugf("Bias update deferred: %v", err)
	case err != nil:
		e.log.Warnf("Bias update: %v", err)
		r.fail(stepBias)
	default:
		if err := e.deps.Store.SaveHourlyBias(sctx, e.id, bias); err != nil {
			e.log.Errorf("Could not persist hourly bias: %v", err)
			r.fail(stepStore)
		}
	}
}

func (e *EntityController) fetchWeather(ctx context.Context, r *CycleReport) ([]model.WeatherPoint, time.Time) {
	if e.deps.Weather == nil {
		return nil, time.Time{}
	}
	wctx, cancel := e.collaborator(ctx)
	defer cancel()
	points, issued, err := e.deps.Weather.Forecast(wctx, e.profile.Forecast.HorizonHours)
	if err != nil {
		e.log.Warnf("Weather forecast unavailable: %v", err)
		r.fail(stepWeather)
		return nil, time.Time{}
	}
	return points, issued
}

func (e *EntityController) predict(ctx context.Context, now time.Time, points []model.WeatherPoint, r *CycleReport) {
	run := e.forecaster.Generate(forecast.Input{
		Now:        now,
		IndoorTemp: r.Sample.IndoorTemp,
		Weather:    points,
		Thermal:    e.analyzer.State(),
		Curve:      e.curve,
	})
	e.forecaster.TrackPredictions(run)
	r.Forecast = &run

	sctx, cancel := e.collaborator(ctx)
	defer cancel()
	if err := e.deps.Store.InsertForecastRun(sctx, run); err != nil {
		e.log.Errorf("Could not store forecast run: %v", err)
		r.fail(stepStore)
	}
}

func (e *EntityController) control(ctx context.Context, now time.Time, r *CycleReport) {
	in := heatcurve.Input{}
	if r.Trend != nil {
		in.Trend = &heatcurve.Trend{Rise: r.Trend.Rise, Confidence: r.Trend.Confidence}
	}
	if r.Sample != nil {
		indoor := r.Sample.IndoorTemp
		in.IndoorTemp = &indoor
	}

	sctx, cancel := e.collaborator(ctx)
	defer cancel()
	d, err := e.curve.Evaluate(sctx, now, in)
	r.Decision = d
	if err != nil {
		e.log.Errorf("Control decision aborted, keeping %s: %v", d.Mode, err)
		r.fail(stepControl)
		return
	}
	if d.Transition == heatcurve.TransitionNone {
		e.log.Debugf("Mode %s: %s", d.Mode, d.Reason)
		return
	}
	if !e.recordTransition(sctx, now, d) {
		r.fail(stepStore)
	}
}

func (e *EntityController) recordTransition(ctx context.Context, now time.Time, d heatcurve.Decision) bool {
	e.needPublish = true
	e.deps.Metrics.ModeTransition(e.id, string(d.Mode))
	adj := db.CurveAdjustment{
		Timestamp: now,
		Action:    d.Transition,
		Reduction: d.Reduction,
		Reason:    d.Reason,
		Active:    e.curve.Active(),
	}
	if err := e.deps.Store.InsertCurveAdjustment(ctx, e.id, adj); err != nil {
		e.log.Errorf("Could not record curve adjustment: %v", err)
		return false
	}
	return true
}

// RequestOverride queues an override for the run loop. It never blocks.
func (e *EntityController) RequestOverride(o Override) bool {
	select {
	case e.overrides <- o:
		return true
	default:
		e.log.Warnf("Override queue full, dropping %+v", o)
		return false
	}
}

// ApplyOverride forces a reduction or a restore and publishes the result.
func (e *EntityController) ApplyOverride(ctx context.Context, now time.Time, o Override) (heatcurve.Decision, error) {
	sctx, cancel := e.collaborator(ctx)
	defer cancel()

	var d heatcurve.Decision
	if o.Restore {
		d = e.curve.RestoreBaseline(sctx, now, "operator override")
	} else {
		var err error
		d, err = e.curve.Reduce(sctx, now, o.Rise, fmt.Sprintf("operator override, rise %.2f°C", o.Rise))
		if err != nil {
			return d, err
		}
	}
	if d.Transition == heatcurve.TransitionNone {
		return d, nil
	}
	e.recordTransition(sctx, now, d)
	var r CycleReport
	r.Decision = d
	e.writeback(ctx, now, &r)
	return d, nil
}

func (e *EntityController) writeback(ctx context.Context, now time.Time, r *CycleReport) {
	if !e.needPublish || e.deps.Sink == nil {
		return
	}
	st := e.curve.Status(now)
	u := CurveUpdate{
		Entity:    e.id,
		Timestamp: now,
		Mode:      st.Mode,
		Curve:     st.Active,
		Baseline:  st.Baseline,
		Reduction: st.Reduction,
		Reason:    r.Decision.Reason,
	}

	wctx, cancel := e.collaborator(ctx)
	defer cancel()
	if _, err := e.deps.Sink.Publish(wctx, u); err != nil {
		e.log.Errorf("Write-back failed, will retry next cycle: %v", err)
		r.fail(stepWriteback)
		return
	}
	e.needPublish = false
}

func (e *EntityController) report(r *CycleReport, took time.Duration) {
	m := e.deps.Metrics
	for _, step := range r.Failures {
		m.CollaboratorFailure(e.id, step)
	}
	st := e.analyzer.State()
	m.SetThermal(e.id, st.ThermalCoefficient, st.Confidence)
	m.SetReduced(e.id, r.Decision.Mode == model.ModeReduced)
	if r.Sample != nil {
		m.SetSupply(e.id, *r.Sample.SupplyCurve, *r.Sample.SupplyCurveML)
	}
	if r.Trend != nil {
		indoor := 0.0
		if r.Forecast != nil {
			if pts := r.Forecast.Indoor(); len(pts) > 0 {
				indoor = pts[0].Value
			}
		}
		m.SetForecast(e.id, indoor, r.Trend.Rise)
	}
	acc := e.forecaster.AccuracyStats()
	if acc.Samples > 0 {
		m.SetForecastMAE(e.id, acc.MAE)
	}
	m.CycleCompleted(e.id, took)

	e.log.Infof(
		"Cycle done: mode %s, %s, forecast MAE %.2f over %d, failures %v",
		r.Decision.Mode, e.analyzer.Status(), acc.MAE, acc.Samples, r.Failures,
	)
}

// Run cycles every poll interval until ctx is done or the entity state is corrupt.
func (e *EntityController) Run(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		return errors.WithMessagef(err, "entity %s", e.id)
	}
	e.deps.Metrics.Track(e.id)

	timer := time.NewTimer(startupDelay)
	defer timer.Stop()
	ticker := time.NewTicker(e.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Infof("Stopping")
			return nil
		case <-timer.C:
			e.runCycle(ctx)
		case <-ticker.C:
			e.runCycle(ctx)
		case o := <-e.overrides:
			if d, err := e.ApplyOverride(ctx, e.now(), o); err != nil {
				e.log.Errorf("Override %+v rejected: %v", o, err)
			} else {
				e.log.Infof("Override applied: mode %s, %s", d.Mode, d.Reason)
			}
		}
	}
}

func (e *EntityController) runCycle(ctx context.Context) {
	if _, err := e.Cycle(ctx, e.now()); err != nil {
		e.log.Errorf("Cycle failed: %v", err)
	}
}

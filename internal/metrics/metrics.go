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

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antst/hcctl/internal/logger"
)

const (
	namespace = "hcctl"
	// an entity is unhealthy after this many poll intervals without a completed cycle
	staleIntervals = 3
)

type Metrics struct {
	reg prometheus.Gatherer

	reducedMode      *prometheus.GaugeVec
	coefficient      *prometheus.GaugeVec
	confidence       *prometheus.GaugeVec
	supplyBaseline   *prometheus.GaugeVec
	supplyActive     *prometheus.GaugeVec
	indoorForecast   *prometheus.GaugeVec
	forecastRise     *prometheus.GaugeVec
	forecastMAE      *prometheus.GaugeVec
	cyclesTotal      *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec

	lock         sync.Mutex
	pollInterval time.Duration
	lastCycle    map[string]time.Time
	now          func() time.Time
}

func gauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"entity"})
}

func New(reg *prometheus.Registry, pollInterval time.Duration) *Metrics {
	m := &Metrics{
		reg:            reg,
		reducedMode:    gauge("reduced_mode", "1 while the heat curve is reduced"),
		coefficient:    gauge("thermal_coefficient", "Learned thermal coefficient k in 1/h"),
		confidence:     gauge("thermal_confidence", "Confidence of the learned thermal coefficient"),
		supplyBaseline: gauge("supply_temp_baseline_celsius", "Supply temperature of the baseline curve at current outdoor temperature"),
		supplyActive:   gauge("supply_temp_active_celsius", "Supply temperature of the active curve at current outdoor temperature"),
		indoorForecast: gauge("indoor_forecast_celsius", "Predicted indoor temperature one step ahead"),
		forecastRise:   gauge("forecast_rise_celsius", "Forecast outdoor temperature rise within the lookahead"),
		forecastMAE:    gauge("forecast_mae_celsius", "Mean absolute error of matched indoor predictions"),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed control cycles",
		}, []string{"entity"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_failures_total",
			Help:      "Skipped cycle steps by failing step",
		}, []string{"entity", "step"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Control mode transitions by target mode",
		}, []string{"entity", "to"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a control cycle",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity"}),
		pollInterval: pollInterval,
		lastCycle:    make(map[string]time.Time),
		now:          time.Now,
	}

	reg.MustRegister(
		m.reducedMode,
		m.coefficient,
		m.confidence,
		m.supplyBaseline,
		m.supplyActive,
		m.indoorForecast,
		m.forecastRise,
		m.forecastMAE,
		m.cyclesTotal,
		m.failuresTotal,
		m.transitionsTotal,
		m.cycleDuration,
	)
	return m
}

// Track starts the health clock of an entity.
func (m *Metrics) Track(entity string) {
	if m == nil {
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.lastCycle[entity]; !ok {
		m.lastCycle[entity] = m.now()
	}
}

func (m *Metrics) CycleCompleted(entity string, took time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(entity).Inc()
	m.cycleDuration.WithLabelValues(entity).Observe(took.Seconds())
	m.lock.Lock()
	m.lastCycle[entity] = m.now()
	m.lock.Unlock()
}

func (m *Metrics) CollaboratorFailure(entity, step string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(entity, step).Inc()
}

func (m *Metrics) ModeTransition(entity, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(entity, to).Inc()
}

func (m *Metrics) SetReduced(entity string, reduced bool) {
	if m == nil {
		return
	}
	v := 0.0
	if reduced {
		v = 1
	}
	m.reducedMode.WithLabelValues(entity).Set(v)
}

func (m *Metrics) SetThermal(entity string, k *float64, confidence float64) {
	if m == nil {
		return
	}
	if k != nil {
		m.coefficient.WithLabelValues(entity).Set(*k)
	}
	m.confidence.WithLabelValues(entity).Set(confidence)
}

func (m *Metrics) SetSupply(entity string, baseline, active float64) {
	if m == nil {
		return
	}
	m.supplyBaseline.WithLabelValues(entity).Set(baseline)
	m.supplyActive.WithLabelValues(entity).Set(active)
}

func (m *Metrics) SetForecast(entity string, indoor, rise float64) {
	if m == nil {
		return
	}
	m.indoorForecast.WithLabelValues(entity).Set(indoor)
	m.forecastRise.WithLabelValues(entity).Set(rise)
}

func (m *Metrics) SetForecastMAE(entity string, mae float64) {
	if m == nil {
		return
	}
	m.forecastMAE.WithLabelValues(entity).Set(mae)
}

// Healthy fails when a tracked entity has not completed a cycle for staleIntervals poll intervals.
func (m *Metrics) Healthy() error {
	if m == nil {
		return nil
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	limit := time.Duration(staleIntervals) * m.pollInterval
	now := m.now()
	var stale []string
	for entity, last := range m.lastCycle {
		if now.Sub(last) > limit {
			stale = append(stale, entity)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		return errors.Errorf("no completed cycle within %v: %v", limit, stale)
	}
	return nil
}

func (m *Metrics) httpHealthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := m.Healthy(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", m.httpHealthCheck)
	return mux
}

// Serve exposes /metrics and /health on listen until ctx is done.
func (m *Metrics) Serve(ctx context.Context, listen string) error {
	srv := &http.Server{Addr: listen, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.L().Infof("Serving metrics and health on %s", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}

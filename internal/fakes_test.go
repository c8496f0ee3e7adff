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
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/antst/hcctl/internal/config"
	"github.com/antst/hcctl/internal/db"
	"github.com/antst/hcctl/internal/heatcurve"
	"github.com/antst/hcctl/internal/model"
)

var t0 = time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC)

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type token struct {
	err error
}

func (t token) Wait() bool                     { return true }
func (t token) WaitTimeout(time.Duration) bool { return true }
func (t token) Error() error                   { return t.err }

func (t token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  interface{}
}

type fakeMQTT struct {
	lock       sync.Mutex
	published  []published
	handlers   map[string]mqtt.MessageHandler
	publishErr error
	closed     bool
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeMQTT) SafePublish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.publishErr != nil {
		return token{err: f.publishErr}
	}
	f.published = append(f.published, published{topic: topic, retained: retained, payload: payload})
	return token{}
}

func (f *fakeMQTT) SafeSubscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.handlers[topic] = callback
	return token{}
}

func (f *fakeMQTT) SafeUnsubscribe(topics ...string) mqtt.Token {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return token{}
}

func (f *fakeMQTT) Close() { f.closed = true }

func (f *fakeMQTT) deliver(topic, payload string) {
	f.lock.Lock()
	h := f.handlers[topic]
	f.lock.Unlock()
	if h != nil {
		h(nil, message{topic: topic, payload: []byte(payload)})
	}
}

func (f *fakeMQTT) on(topic string) []published {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// sampleQueue hands out a fixed indoor/outdoor reading stamped with the cycle time.
type sampleQueue struct {
	outdoor []float64
	indoor  float64
	err     error
	n       int
}

func (q *sampleQueue) Snapshot(now time.Time) (model.Sample, error) {
	if q.err != nil {
		return model.Sample{}, q.err
	}
	out := q.outdoor[q.n%len(q.outdoor)]
	q.n++
	return model.Sample{Timestamp: now, OutdoorTemp: out, IndoorTemp: q.indoor}, nil
}

type fakeWeather struct {
	points []model.WeatherPoint
	issued time.Time
	err    error
	calls  int
}

func (w *fakeWeather) Forecast(_ context.Context, _ int) ([]model.WeatherPoint, time.Time, error) {
	w.calls++
	return w.points, w.issued, w.err
}

// hourlyForecast returns points at now+1h .. now+hours.
func hourlyForecast(now time.Time, hours int, temp func(h int) float64) []model.WeatherPoint {
	pts := make([]model.WeatherPoint, 0, hours)
	for h := 1; h <= hours; h++ {
		pts = append(pts, model.WeatherPoint{Timestamp: now.Add(time.Duration(h) * time.Hour), OutdoorTemp: temp(h)})
	}
	return pts
}

type recordingSink struct {
	updates []CurveUpdate
	err     error
}

func (s *recordingSink) Publish(_ context.Context, u CurveUpdate) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.updates = append(s.updates, u)
	return true, nil
}

// corruptStore reports a corrupt control snapshot.
type corruptStore struct {
	*db.Store
}

func (corruptStore) LoadControlSnapshot(context.Context, string) (*heatcurve.Snapshot, error) {
	return nil, errors.Wrap(model.ErrCorruptState, "decode control snapshot")
}

func openStore(t *testing.T) *db.Store {
	t.Helper()
	s, err := db.Open(filepath.Join(t.TempDir(), "hcctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testProfile() *config.Profile {
	p := config.DefaultProfile()
	p.Location.Timezone = "UTC"
	p.HeatCurve = []heatcurve.Point{{Outdoor: -10, Supply: 55}, {Outdoor: 0, Supply: 45}, {Outdoor: 10, Supply: 35}}
	return &p
}

func testSettings() EntitySettings {
	return EntitySettings{
		PollInterval:        15 * time.Minute,
		CollaboratorTimeout: 5 * time.Second,
		ForecastMaxAge:      6 * time.Hour,
	}
}

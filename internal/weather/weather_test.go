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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antst/hcctl/internal/model"
)

var now = time.Date(2026, 1, 18, 11, 30, 0, 0, time.UTC)

func smhiBody(temps ...float64) string {
	var series []string
	for i, t := range temps {
		ts := time.Date(2026, 1, 18, 11+i, 0, 0, 0, time.UTC).Format(time.RFC3339)
		series = append(series, fmt.Sprintf(
			`{"validTime":%q,"parameters":[{"name":"t","levelType":"hl","level":2,"unit":"Cel","values":[%v]},{"name":"tcc_mean","values":[6]}]}`,
			ts, t,
		))
	}
	return `{"approvedTime":"2026-01-18T10:00:00Z","referenceTime":"2026-01-18T09:00:00Z","timeSeries":[` +
		strings.Join(series, ",") + `]}`
}

func TestParseSMHI(t *testing.T) {
	points, issued, err := ParseSMHI([]byte(smhiBody(1, 2, 3, 4, 5)), now, 2)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC), issued)
	require.Len(t, points, 2, "11:00 is in the past and 14:00 beyond the window")
	assert.Equal(t, 2.0, points[0].OutdoorTemp)
	require.NotNil(t, points[0].CloudCover)
	assert.Equal(t, 6.0, *points[0].CloudCover)
}

func TestParseSMHIEmpty(t *testing.T) {
	_, _, err := ParseSMHI([]byte(`{"timeSeries":[]}`), now, 12)
	assert.True(t, errors.Is(err, model.ErrInsufficientData))

	_, _, err = ParseSMHI([]byte(`{`), now, 12)
	assert.Error(t, err)
}

func TestSMHIClient(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(smhiBody(1, 2, 3, 4, 5, 6)))
	}))
	defer srv.Close()

	c := NewSMHIClient(srv.URL, 58.41, 15.62, time.Second)
	c.now = func() time.Time { return now }

	points, _, err := c.Forecast(context.Background(), 12)

	require.NoError(t, err)
	assert.Len(t, points, 5)
	assert.Equal(t, "/geotype/point/lon/15.6200/lat/58.4100/data.json", path)
}

func TestSMHIClientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := NewSMHIClient(srv.URL, 58.41, 15.62, time.Second).Forecast(context.Background(), 12)

	assert.True(t, errors.Is(err, model.ErrTransient))
}

func hourly(temps ...float64) []model.WeatherPoint {
	out := make([]model.WeatherPoint, len(temps))
	for i, t := range temps {
		out[i] = model.WeatherPoint{Timestamp: now.Add(time.Duration(i+1) * time.Hour), OutdoorTemp: t}
	}
	return out
}

func TestAnalyzeTrend(t *testing.T) {
	tests := []struct {
		name      string
		temps     []float64
		rise      float64
		direction Direction
	}{
		{"warming", []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, 11, Rising},
		{"cooling", []float64{5, 4, 3, 2, 1, 0, -1, -2, -3, -4, -5, -6}, 0, Falling},
		{"peak then back", []float64{0, 2, 4, 6, 4, 2, 0, 0, 0, 0, 0, 0}, 6, Stable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := AnalyzeTrend(hourly(tt.temps...), now, now, 12*time.Hour, 6*time.Hour)
			require.NoError(t, err)
			assert.InDelta(t, tt.rise, tr.Rise, 1e-9)
			assert.Equal(t, tt.direction, tr.Direction)
			assert.InDelta(t, 1.0, tr.Confidence, 1e-9)
		})
	}
}

func TestTrendConfidence(t *testing.T) {
	sparse, err := AnalyzeTrend(hourly(0, 1, 2), now, now, 12*time.Hour, 6*time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, sparse.Confidence, 1e-9)

	stale, err := AnalyzeTrend(hourly(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11), now.Add(-3*time.Hour), now, 12*time.Hour, 6*time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, stale.Confidence, 1e-9)

	_, err = AnalyzeTrend(nil, now, now, 12*time.Hour, 6*time.Hour)
	assert.True(t, errors.Is(err, model.ErrInsufficientData))
}

type stubSource struct {
	points []model.WeatherPoint
	issued time.Time
	err    error
}

func (s *stubSource) Forecast(context.Context, int) ([]model.WeatherPoint, time.Time, error) {
	return s.points, s.issued, s.err
}

type memCache struct {
	points []model.WeatherPoint
	issued time.Time
}

func (m *memCache) SaveWeatherForecast(_ context.Context, _ string, issued time.Time, points []model.WeatherPoint) error {
	m.points, m.issued = points, issued
	return nil
}

func (m *memCache) LoadWeatherForecast(context.Context, string) ([]model.WeatherPoint, time.Time, error) {
	return m.points, m.issued, nil
}

func TestCachedSourceFallsBackToLastForecast(t *testing.T) {
	issued := now.Add(-time.Hour)
	src := &stubSource{points: hourly(1, 2, 3, 4), issued: issued}
	cache := &memCache{}
	c := NewCachedSource("villa-149", src, cache, 6*time.Hour)
	c.now = func() time.Time { return now }

	points, got, err := c.Forecast(context.Background(), 12)
	require.NoError(t, err)
	assert.Len(t, points, 4)
	assert.Equal(t, issued, cache.issued)

	src.points, src.err = nil, errors.Wrap(model.ErrTransient, "SMHI returned 503")
	c.now = func() time.Time { return now.Add(90 * time.Minute) }
	points, got, err = c.Forecast(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, issued, got)
	for _, p := range points {
		assert.False(t, p.Timestamp.Before(now.Add(90*time.Minute)), "past points are dropped")
	}
	assert.NotEmpty(t, points)
}

func TestCachedSourceRejectsStaleForecast(t *testing.T) {
	cache := &memCache{points: hourly(1, 2, 3, 4, 5, 6, 7, 8), issued: now.Add(-7 * time.Hour)}
	src := &stubSource{err: errors.Wrap(model.ErrTransient, "timeout")}
	c := NewCachedSource("villa-149", src, cache, 6*time.Hour)
	c.now = func() time.Time { return now }

	_, _, err := c.Forecast(context.Background(), 12)

	assert.True(t, errors.Is(err, model.ErrTransient))
}

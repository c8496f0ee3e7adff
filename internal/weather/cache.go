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
	"time"

	"go.uber.org/zap"

	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/model"
)

type ForecastCache interface {
	SaveWeatherForecast(ctx context.Context, entity string, issued time.Time, points []model.WeatherPoint) error
	// LoadWeatherForecast returns nil points without error when nothing is cached.
	LoadWeatherForecast(ctx context.Context, entity string) ([]model.WeatherPoint, time.Time, error)
}

// CachedSource keeps the last good forecast and serves it while the upstream is down,
// as long as it was issued within maxAge.
type CachedSource struct {
	entity string
	source Source
	cache  ForecastCache
	maxAge time.Duration
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewCachedSource(_entity string, _source Source, _cache ForecastCache, _maxAge time.Duration) *CachedSource {
	return &CachedSource{
		entity: _entity,
		source: _source,
		cache:  _cache,
		maxAge: _maxAge,
		log:    logger.For(_entity).Named("weather"),
		now:    time.Now,
	}
}

func (c *CachedSource) Forecast(ctx context.Context, hours int) ([]model.WeatherPoint, time.Time, error) {
	points, issued, err := c.source.Forecast(ctx, hours)
	if err == nil {
		if err := c.cache.SaveWeatherForecast(ctx, c.entity, issued, points); err != nil {
			c.log.Warnf("Could not cache weather forecast: %v", err)
		}
		return points, issued, nil
	}

	cached, cachedIssued, cerr := c.cache.LoadWeatherForecast(ctx, c.entity)
	if cerr != nil {
		c.log.Warnf("Could not load cached weather forecast: %v", cerr)
		return nil, time.Time{}, err
	}
	now := c.now()
	if cached == nil || now.Sub(cachedIssued) > c.maxAge {
		return nil, time.Time{}, err
	}

	until := now.Add(time.Duration(hours) * time.Hour)
	var out []model.WeatherPoint
	for _, p := range cached {
		if !p.Timestamp.Before(now) && !p.Timestamp.After(until) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, time.Time{}, err
	}
	c.log.Warnf("Using cached forecast issued %v: %v", cachedIssued.Format(time.RFC3339), err)
	return out, cachedIssued, nil
}

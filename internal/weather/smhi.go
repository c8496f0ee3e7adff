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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/model"
)

const DefaultSMHIBaseURL = "https://opendata-download-metfcst.smhi.se/api/category/pmp3g/version/2"

// Source yields an outdoor temperature forecast and the time it was issued.
type Source interface {
	Forecast(ctx context.Context, hours int) ([]model.WeatherPoint, time.Time, error)
}

type SMHIClient struct {
	baseURL   string
	latitude  float64
	longitude float64
	http      *http.Client
	now       func() time.Time
}

func NewSMHIClient(_baseURL string, _latitude, _longitude float64, _timeout time.Duration) *SMHIClient {
	if _baseURL == "" {
		_baseURL = DefaultSMHIBaseURL
	}
	return &SMHIClient{
		baseURL:   _baseURL,
		latitude:  _latitude,
		longitude: _longitude,
		http:      &http.Client{Timeout: _timeout},
		now:       time.Now,
	}
}

type smhiResponse struct {
	ApprovedTime  time.Time `json:"approvedTime"`
	ReferenceTime time.Time `json:"referenceTime"`
	TimeSeries    []struct {
		ValidTime  time.Time `json:"validTime"`
		Parameters []struct {
			Name   string    `json:"name"`
			Values []float64 `json:"values"`
		} `json:"parameters"`
	} `json:"timeSeries"`
}

func (c *SMHIClient) url() string {
	return fmt.Sprintf("%s/geotype/point/lon/%.4f/lat/%.4f/data.json", c.baseURL, c.longitude, c.latitude)
}

// Forecast returns points from now up to hours ahead.
func (c *SMHIClient) Forecast(ctx context.Context, hours int) ([]model.WeatherPoint, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(), nil)
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "could not create SMHI request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(model.ErrTransient, "SMHI request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, errors.Wrapf(model.ErrTransient, "SMHI returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(model.ErrTransient, "could not read SMHI response: %v", err)
	}

	points, issued, err := ParseSMHI(body, c.now(), hours)
	if err != nil {
		return nil, time.Time{}, err
	}
	logger.L().Debugf("Retrieved %d SMHI forecast points (next %dh), issued %v", len(points), hours, issued)
	return points, issued, nil
}

// ParseSMHI extracts temperature and cloud cover between now and now+hours.
func ParseSMHI(body []byte, now time.Time, hours int) ([]model.WeatherPoint, time.Time, error) {
	var data smhiResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "could not parse SMHI forecast")
	}

	cutoff := now.Add(time.Duration(hours) * time.Hour)
	var points []model.WeatherPoint
	for _, ts := range data.TimeSeries {
		if ts.ValidTime.Before(now) || ts.ValidTime.After(cutoff) {
			continue
		}
		p := model.WeatherPoint{Timestamp: ts.ValidTime}
		found := false
		for _, param := range ts.Parameters {
			if len(param.Values) == 0 {
				continue
			}
			switch param.Name {
			case "t":
				p.OutdoorTemp = param.Values[0]
				found = true
			case "tcc_mean":
				v := param.Values[0]
				p.CloudCover = &v
			}
		}
		if found {
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	if len(points) == 0 {
		return nil, time.Time{}, errors.Wrap(model.ErrInsufficientData, "no forecast points in window")
	}

	issued := data.ApprovedTime
	if issued.IsZero() {
		issued = data.ReferenceTime
	}
	return points, issued, nil
}

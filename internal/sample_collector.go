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
	"time"

	"github.com/pkg/errors"

	"github.com/antst/hcctl/internal/config"
	"github.com/antst/hcctl/internal/model"
)

type SampleSource interface {
	Snapshot(now time.Time) (model.Sample, error)
}

// SampleCollector averages the sensor groups of one entity into samples.
type SampleCollector struct {
	outdoor []*SensorController
	indoor  []*SensorController
	supply  []*SensorController
	ret     []*SensorController
	maxAge  time.Duration
}

func NewSampleCollector(_cfg *config.EntityConfig, _store SensorStore) *SampleCollector {
	build := func(group []*config.SensorConfig) []*SensorController {
		out := make([]*SensorController, 0, len(group))
		for _, s := range group {
			out = append(out, NewSensorController(s.Name, s, _store))
		}
		return out
	}
	return &SampleCollector{
		outdoor: build(_cfg.Outdoor),
		indoor:  build(_cfg.Indoor),
		supply:  build(_cfg.Supply),
		ret:     build(_cfg.Return),
		maxAge:  _cfg.SensorMaxAge,
	}
}

func (c *SampleCollector) Sensors() []*SensorController {
	var all []*SensorController
	for _, g := range [][]*SensorController{c.outdoor, c.indoor, c.supply, c.ret} {
		all = append(all, g...)
	}
	return all
}

// Snapshot fails with ErrInsufficientData when outdoor or indoor temperature is unknown.
func (c *SampleCollector) Snapshot(now time.Time) (model.Sample, error) {
	outdoor, ok := sensorsMean(c.outdoor, now, c.maxAge)
	if !ok {
		return model.Sample{}, errors.Wrap(model.ErrInsufficientData, "no recent outdoor temperature")
	}
	indoor, ok := sensorsMean(c.indoor, now, c.maxAge)
	if !ok {
		return model.Sample{}, errors.Wrap(model.ErrInsufficientData, "no recent indoor temperature")
	}

	s := model.Sample{Timestamp: now, OutdoorTemp: outdoor, IndoorTemp: indoor}
	if v, ok := sensorsMean(c.supply, now, c.maxAge); ok {
		s.SupplyTemp = &v
	}
	if v, ok := sensorsMean(c.ret, now, c.maxAge); ok {
		s.ReturnTemp = &v
	}
	return s, s.Validate()
}

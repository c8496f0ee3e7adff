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

package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const defaultSensorMaxAge = time.Hour

// EntityConfig wires one monitored building to its sensors, profile and write-back topic.
type EntityConfig struct {
	Profile          string          `yaml:"profile"`
	WritebackEnabled bool            `yaml:"writeback_enabled"`
	WritebackTopic   string          `yaml:"writeback_topic"`
	SensorMaxAge     time.Duration   `yaml:"sensor_max_age"`
	AverageType      string          `yaml:"average_type"`
	Outdoor          []*SensorConfig `yaml:"outdoor"`
	Indoor           []*SensorConfig `yaml:"indoor"`
	Supply           []*SensorConfig `yaml:"supply,omitempty"`
	Return           []*SensorConfig `yaml:"return,omitempty"`
}

func (c *EntityConfig) FillDefaults(id string) {
	if c.WritebackTopic == "" {
		c.WritebackTopic = fmt.Sprintf("hcctl/%s/heat_curve", id)
	}
	if c.SensorMaxAge <= 0 {
		c.SensorMaxAge = defaultSensorMaxAge
	}
	if c.AverageType == "" {
		c.AverageType = DefaultAverageType
	}
	for group, sensors := range c.Groups() {
		for i, s := range sensors {
			s.FillDefaults()
			if s.Name == "" {
				s.Name = fmt.Sprintf("%s-%s-%d", id, group, i)
			}
		}
	}
}

// Groups returns the sensor groups keyed by channel name.
func (c *EntityConfig) Groups() map[string][]*SensorConfig {
	return map[string][]*SensorConfig{
		"outdoor": c.Outdoor,
		"indoor":  c.Indoor,
		"supply":  c.Supply,
		"return":  c.Return,
	}
}

func (c *EntityConfig) Validate() error {
	if c.Profile == "" {
		return errors.Wrap(ErrInvalidConfig, "profile is required")
	}
	if len(c.Outdoor) == 0 || len(c.Indoor) == 0 {
		return errors.Wrap(ErrInvalidConfig, "outdoor and indoor sensors are required")
	}
	if c.AverageType != DefaultAverageType {
		return errors.Wrapf(ErrInvalidConfig, "unsupported average type %q", c.AverageType)
	}
	for _, sensors := range c.Groups() {
		for _, s := range sensors {
			if err := s.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

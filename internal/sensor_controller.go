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
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/antst/hcctl/internal/config"
	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/safe_mqtt"
)

const (
	sensorControlSuffix = "/sensors/"
	storeTimeout        = 5 * time.Second
)

type SensorStore interface {
	UpsertSensorValue(ctx context.Context, name string, value float64) error
	GetSensorValue(ctx context.Context, name string) (float64, time.Time, error)
}

// SensorController keeps the last scaled reading of one MQTT sensor.
type SensorController struct {
	name      string
	lock      sync.RWMutex
	cfg       *config.SensorConfig
	store     SensorStore
	log       *zap.SugaredLogger
	value     float64
	timestamp time.Time
	now       func() time.Time
}

func NewSensorController(_name string, _cfg *config.SensorConfig, _store SensorStore) *SensorController {
	s := &SensorController{
		name:      _name,
		cfg:       _cfg,
		store:     _store,
		log:       logger.L().With("sensor", _name),
		timestamp: zeroTS,
		now:       time.Now,
	}

	if s.readState() {
		s.log.Debugf("Loaded previous value %v from %v", s.value, s.timestamp.Format(time.RFC3339))
	}
	return s
}

// Subscribe attaches the sensor to its value topic and to its control topics under controlTopic.
func (s *SensorController) Subscribe(client safe_mqtt.MqttClient, controlTopic string) {
	client.SafeSubscribe(s.cfg.Topic, safe_mqtt.DefaultQoS, s.ValueUpdateHandler)
	group := controlTopic + sensorControlSuffix + s.name + "/"
	for _, t := range []string{"offset", "weight", "scale"} {
		client.SafeSubscribe(group+t, safe_mqtt.DefaultQoS, s.controlUpdateHandler)
	}
}

func (s *SensorController) ValueUpdateHandler(_ mqtt.Client, message mqtt.Message) {
	s.update(message.Topic(), message.Payload())
}

func (s *SensorController) update(topic string, payload []byte) {
	t0, err := extractF64PlainOrJson(topic, payload, s.cfg.JSONEntry)
	if err != nil {
		s.log.Warn(err)
		return
	}
	s.lock.Lock()
	s.value = t0*(*s.cfg.Scale) + (*s.cfg.Offset)
	s.timestamp = s.now()
	value := s.value
	s.lock.Unlock()

	if err := s.writeState(value); err != nil {
		s.log.Error(err)
	}
	s.log.Debugf("Got value %.2f", value)
}

func (s *SensorController) writeState(value float64) error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return s.store.UpsertSensorValue(ctx, s.name, value)
}

func (s *SensorController) readState() bool {
	if s.store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	val, ts, err := s.store.GetSensorValue(ctx, s.name)
	if err != nil {
		return false
	}
	s.value, s.timestamp = val, ts
	return true
}

func (s *SensorController) controlUpdateHandler(_ mqtt.Client, message mqtt.Message) {
	s.control(message.Topic(), message.Payload())
}

func (s *SensorController) control(topic string, payload []byte) {
	topic = topic[strings.LastIndex(topic, "/")+1:]
	s.log.Infof("Got MQTT control request: %v : %v", topic, string(payload))

	value, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		s.log.Error(err)
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	switch topic {
	case "weight":
		if value < 0 {
			s.log.Errorf("Negative weight %v rejected", value)
			return
		}
		s.cfg.Weight = &value
	case "offset":
		s.cfg.Offset = &value
	case "scale":
		s.cfg.Scale = &value
	default:
		s.log.Errorf("Unknown control topic: %s", topic)
		return
	}

	s.log.Infof("Updated %s to %v", topic, value)
}

// Reading returns the last value and its weight, ok is false when there is none newer than maxAge.
func (s *SensorController) Reading(now time.Time, maxAge time.Duration) (float64, float64, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if !s.timestamp.After(zeroTS) || now.Sub(s.timestamp) > maxAge {
		return 0, 0, false
	}
	return s.value, *s.cfg.Weight, true
}

func sensorsMean(sensors []*SensorController, now time.Time, maxAge time.Duration) (float64, bool) {
	var v, wt float64

	for _, sensor := range sensors {
		if value, weight, ok := sensor.Reading(now, maxAge); ok {
			v += value * weight
			wt += weight
		}
	}

	if wt < epsilon {
		return 0, false
	}
	return v / wt, true
}

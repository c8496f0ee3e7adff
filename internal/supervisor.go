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
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antst/hcctl/internal/config"
	"github.com/antst/hcctl/internal/db"
	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/metrics"
	"github.com/antst/hcctl/internal/safe_mqtt"
	"github.com/antst/hcctl/internal/weather"
)

type entity struct {
	controller *EntityController
	collector  *SampleCollector
	writeback  *WritebackController
}

// Supervisor owns the shared infrastructure and runs every configured entity.
type Supervisor struct {
	cfg      *config.Config
	store    *db.Store
	mqtt     safe_mqtt.MqttClient
	metrics  *metrics.Metrics
	entities map[string]*entity
}

func NewSupervisor(ctx context.Context, cfg *config.Config) (*Supervisor, error) {
	store, err := db.Open(cfg.DBFile)
	if err != nil {
		return nil, err
	}

	client, err := safe_mqtt.Connect(ctx, safe_mqtt.Options{
		URL:      cfg.MQTTConfig.URL,
		ClientID: safe_mqtt.ClientID("hcctl"),
		Username: cfg.MQTTConfig.Username,
		Password: cfg.MQTTConfig.Password,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		mqtt:     client,
		metrics:  metrics.New(prometheus.NewRegistry(), cfg.PollInterval),
		entities: make(map[string]*entity),
	}
	for _, id := range cfg.EntityIDs() {
		if err := s.initializeEntity(id, cfg.Entities[id]); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.setupMQTTSubscriptions()
	return s, nil
}

func (s *Supervisor) initializeEntity(id string, ecfg *config.EntityConfig) error {
	profile, err := config.LoadProfile(id, ecfg.Profile)
	if err != nil {
		return errors.WithMessagef(err, "entity %s", id)
	}

	collector := NewSampleCollector(ecfg, s.store)
	for _, sensor := range collector.Sensors() {
		sensor.Subscribe(s.mqtt, s.cfg.MQTTConfig.ControlTopic)
	}
	wb := NewWritebackController(id, ecfg.WritebackTopic, s.cfg.MQTTConfig.ControlTopic, ecfg.WritebackEnabled, s.mqtt, s.store)
	smhi := weather.NewSMHIClient(
		s.cfg.Weather.BaseURL, profile.Location.Latitude, profile.Location.Longitude, s.cfg.Weather.Timeout,
	)
	src := weather.NewCachedSource(id, smhi, s.store, s.cfg.Weather.MaxAge)

	ctl, err := NewEntityController(id, profile, EntitySettings{
		PollInterval:        s.cfg.PollInterval,
		CollaboratorTimeout: s.cfg.CollaboratorTimeout,
		ForecastMaxAge:      s.cfg.Weather.MaxAge,
	}, EntityDeps{
		Store:   s.store,
		Samples: collector,
		Weather: src,
		Sink:    wb,
		Metrics: s.metrics,
	})
	if err != nil {
		return err
	}

	s.entities[id] = &entity{controller: ctl, collector: collector, writeback: wb}
	logger.For(id).Infof(
		"Entity `%s` (%s): %d sensors, write-back %s", id, profile.FriendlyName, len(collector.Sensors()), onOff(wb.Enabled()),
	)
	return nil
}

func (s *Supervisor) setupMQTTSubscriptions() {
	controlTopic := s.cfg.MQTTConfig.ControlTopic
	s.mqtt.SafeSubscribe(controlTopic+"/log_level", safe_mqtt.DefaultQoS, s.controlUpdateHandler)
	for id := range s.entities {
		s.mqtt.SafeSubscribe(controlTopic+"/"+id+"/writeback_enable", safe_mqtt.DefaultQoS, s.controlUpdateHandler)
		s.mqtt.SafeSubscribe(controlTopic+"/"+id+"/override", safe_mqtt.DefaultQoS, s.controlUpdateHandler)
	}
}

func (s *Supervisor) controlUpdateHandler(_ mqtt.Client, message mqtt.Message) {
	s.control(message.Topic(), string(message.Payload()))
}

func (s *Supervisor) control(topic, payload string) {
	rest := strings.TrimPrefix(topic, s.cfg.MQTTConfig.ControlTopic+"/")
	logger.L().Infof("main: Got MQTT control request: %v : %v", rest, payload)

	switch {
	case rest == "log_level":
		if err := s.cfg.LogLevel.Set(payload); err != nil {
			logger.L().Errorf("Wrong log level `%v`", payload)
			return
		}
		logger.SetLogLevel(s.cfg.LogLevel)
		logger.L().Infof("Updated loglevel to `%v`", s.cfg.LogLevel.String())
	case strings.HasSuffix(rest, "/writeback_enable"):
		id := strings.TrimSuffix(rest, "/writeback_enable")
		e, ok := s.entities[id]
		if !ok {
			logger.L().Errorf("Unknown entity `%s` in control topic", id)
			return
		}
		if err := e.writeback.SetEnabled(payload); err != nil {
			logger.For(id).Error(err)
		}
	case strings.HasSuffix(rest, "/override"):
		id := strings.TrimSuffix(rest, "/override")
		e, ok := s.entities[id]
		if !ok {
			logger.L().Errorf("Unknown entity `%s` in control topic", id)
			return
		}
		o, err := ParseOverride(payload)
		if err != nil {
			logger.For(id).Error(err)
			return
		}
		e.controller.RequestOverride(o)
	default:
		logger.L().Errorf("Unknown control topic: %s", topic)
	}
}

// Run serves metrics and runs all entities until ctx is done.
// An entity stopping on corrupt state does not stop the others.
func (s *Supervisor) Run(ctx context.Context) {
	go func() {
		if err := s.metrics.Serve(ctx, s.cfg.Metrics.Listen); err != nil {
			logger.L().Error(err)
		}
	}()

	var wg sync.WaitGroup
	for id, e := range s.entities {
		wg.Add(1)
		go func(id string, ctl *EntityController) {
			defer wg.Done()
			if err := ctl.Run(ctx); err != nil {
				logger.For(id).Errorf("Entity stopped: %v", err)
			}
		}(id, e.controller)
	}
	wg.Wait()
}

func (s *Supervisor) Close() {
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if err := s.store.Close(); err != nil {
		logger.L().Error(err)
	}
}

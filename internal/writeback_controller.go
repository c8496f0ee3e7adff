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
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/antst/hcctl/internal/heatcurve"
	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/model"
	"github.com/antst/hcctl/internal/safe_mqtt"
)

const publishTimeout = 10 * time.Second

// CurveUpdate is the recommended curve as published to the heating system.
type CurveUpdate struct {
	Entity    string            `json:"entity"`
	Timestamp time.Time         `json:"timestamp"`
	Mode      model.ControlMode `json:"mode"`
	Curve     heatcurve.Table   `json:"curve"`
	Baseline  heatcurve.Table   `json:"baseline"`
	Reduction float64           `json:"reduction"`
	Reason    string            `json:"reason,omitempty"`
}

type CurveSink interface {
	// Publish reports whether the update actually left the process.
	Publish(ctx context.Context, u CurveUpdate) (bool, error)
}

type ControllerValueStore interface {
	UpsertControllerValue(ctx context.Context, name, value string) error
	GetControllerValue(ctx context.Context, name string) (string, error)
}

// WritebackController publishes curves retained on the entity's write-back topic.
// While disabled it runs in simulation mode and only logs.
type WritebackController struct {
	entity      string
	topic       string
	statusTopic string
	mqtt        safe_mqtt.MqttClient
	store       ControllerValueStore
	log         *zap.SugaredLogger

	lock    sync.Mutex
	enabled bool
}

func NewWritebackController(
	_entity, _topic, _controlTopic string, _enabled bool, _mqtt safe_mqtt.MqttClient, _store ControllerValueStore,
) *WritebackController {
	w := &WritebackController{
		entity:      _entity,
		topic:       _topic,
		statusTopic: _controlTopic + "/" + _entity + "/writeback_active",
		mqtt:        _mqtt,
		store:       _store,
		log:         logger.For(_entity).Named("writeback"),
		enabled:     _enabled,
	}
	if v, err := w.readValue(); err == nil {
		if enabled, err := parseSwitch(v); err == nil {
			w.enabled = enabled
		}
	}
	w.publishStatus()
	return w
}

func (w *WritebackController) key() string {
	return w.entity + "/writeback_enabled"
}

func (w *WritebackController) readValue() (string, error) {
	if w.store == nil {
		return "", errors.New("no store")
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return w.store.GetControllerValue(ctx, w.key())
}

func (w *WritebackController) Enabled() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.enabled
}

// SetEnabled switches between live write-back and simulation mode and remembers the choice.
func (w *WritebackController) SetEnabled(val string) error {
	enabled, err := parseSwitch(val)
	if err != nil {
		return err
	}
	w.lock.Lock()
	w.enabled = enabled
	w.lock.Unlock()

	w.log.Infof("Write-back %s", onOff(enabled))
	w.publishStatus()
	if w.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := w.store.UpsertControllerValue(ctx, w.key(), onOff(enabled)); err != nil {
			return errors.WithMessage(err, "persist write-back switch")
		}
	}
	return nil
}

func (w *WritebackController) publishStatus() {
	if w.mqtt == nil {
		return
	}
	w.mqtt.SafePublish(w.statusTopic, safe_mqtt.DefaultQoS, true, onOff(w.Enabled()))
}

func (w *WritebackController) Publish(ctx context.Context, u CurveUpdate) (bool, error) {
	if !w.Enabled() || w.mqtt == nil {
		w.log.Infof("Simulation: would publish %s curve %v (-%.2f)", u.Mode, u.Curve, u.Reduction)
		return false, nil
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return false, errors.Wrap(err, "marshal curve update")
	}

	timeout := publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := safe_mqtt.Wait(w.mqtt.SafePublish(w.topic, safe_mqtt.DefaultQoS, true, payload), timeout); err != nil {
		return false, errors.WithMessagef(err, "publish curve to %s", w.topic)
	}
	w.log.Infof("Published %s curve %v to %s", u.Mode, u.Curve, w.topic)
	return true, nil
}

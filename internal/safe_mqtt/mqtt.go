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

package safe_mqtt

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/model"
)

const (
	reconnectInterval = 2 * time.Second
	disconnectQuiesce = 250 // ms
	DefaultQoS        = 1
)

// MqttClient is bridge between our app and MQTT
type MqttClient interface {
	SafePublish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	SafeSubscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	SafeUnsubscribe(topics ...string) mqtt.Token
	Close()
}

type Options struct {
	URL      string
	ClientID string
	Username string
	Password string
}

type mqttClient struct {
	mutex sync.Mutex
	mqtt  mqtt.Client
}

var (
	connectHandler = func(client mqtt.Client) {
		or := client.OptionsReader()
		logger.L().Infof("Connected to MQTT broker: %v as %s", or.Servers(), or.ClientID())
	}

	connectLostHandler = func(client mqtt.Client, err error) {
		logger.L().Warnf("Connection to MQTT broker lost, paho will reconnect: %v", err)
	}
)

// ClientID builds a unique client id, brokers drop the older session on a clash.
func ClientID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// Connect blocks until the broker accepts the connection or ctx is done.
func Connect(ctx context.Context, o Options) (MqttClient, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(o.URL).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(reconnectInterval)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.OnConnect = connectHandler
	opts.OnConnectionLost = connectLostHandler

	client := mqtt.NewClient(opts)
	if err := connectLoop(ctx, client); err != nil {
		return nil, err
	}
	return &mqttClient{mqtt: client}, nil
}

func connectLoop(ctx context.Context, client mqtt.Client) error {
	for {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		logger.L().Warnf("Connection failed, retrying in %v: %v", reconnectInterval, token.Error())
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "mqtt connect")
		case <-time.After(reconnectInterval):
		}
	}
}

// Wait waits for a token up to timeout. Failures are transient.
func Wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errors.Wrap(model.ErrTransient, "mqtt: timed out")
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(model.ErrTransient, "mqtt: %v", err)
	}
	return nil
}

func (m *mqttClient) SafePublish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.mqtt.Publish(topic, qos, retained, payload)
}

func (m *mqttClient) SafeSubscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.mqtt.Subscribe(topic, qos, callback)
}

func (m *mqttClient) SafeUnsubscribe(topics ...string) mqtt.Token {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.mqtt.Unsubscribe(topics...)
}

func (m *mqttClient) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.mqtt.Disconnect(disconnectQuiesce)
}

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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antst/hcctl/internal/heatcurve"
	"github.com/antst/hcctl/internal/model"
)

const curveTopic = "hcctl/villa/heat_curve"

func testUpdate() CurveUpdate {
	return CurveUpdate{
		Entity:    "villa",
		Timestamp: t0,
		Mode:      model.ModeReduced,
		Curve:     heatcurve.Table{{Outdoor: -10, Supply: 52}, {Outdoor: 10, Supply: 32}},
		Baseline:  heatcurve.Table{{Outdoor: -10, Supply: 55}, {Outdoor: 10, Supply: 35}},
		Reduction: 3,
		Reason:    "warming",
	}
}

func TestWritebackSimulationMode(t *testing.T) {
	client := newFakeMQTT()
	w := NewWritebackController("villa", curveTopic, "hcctl/control", false, client, openStore(t))

	sent, err := w.Publish(context.Background(), testUpdate())
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, client.on(curveTopic))

	status := client.on("hcctl/control/villa/writeback_active")
	require.Len(t, status, 1)
	assert.Equal(t, "OFF", status[0].payload)
	assert.True(t, status[0].retained)
}

func TestWritebackPublishesRetainedCurve(t *testing.T) {
	client := newFakeMQTT()
	store := openStore(t)
	w := NewWritebackController("villa", curveTopic, "hcctl/control", false, client, store)
	require.NoError(t, w.SetEnabled("on"))
	assert.True(t, w.Enabled())

	sent, err := w.Publish(context.Background(), testUpdate())
	require.NoError(t, err)
	assert.True(t, sent)

	msgs := client.on(curveTopic)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].retained)
	var got CurveUpdate
	require.NoError(t, json.Unmarshal(msgs[0].payload.([]byte), &got))
	assert.Equal(t, model.ModeReduced, got.Mode)
	assert.True(t, got.Curve.Equal(testUpdate().Curve))

	// the switch survives a restart
	again := NewWritebackController("villa", curveTopic, "hcctl/control", false, newFakeMQTT(), store)
	assert.True(t, again.Enabled())

	assert.Error(t, w.SetEnabled("maybe"))
	assert.True(t, w.Enabled())
}

func TestWritebackPublishFailure(t *testing.T) {
	client := newFakeMQTT()
	w := NewWritebackController("villa", curveTopic, "hcctl/control", true, client, nil)
	client.publishErr = errors.New("not connected")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sent, err := w.Publish(ctx, testUpdate())
	assert.False(t, sent)
	assert.ErrorIs(t, err, model.ErrTransient)
}

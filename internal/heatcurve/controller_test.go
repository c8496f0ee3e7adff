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

package heatcurve

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antst/hcctl/internal/model"
)

type memStore struct {
	snap      *Snapshot
	saveErr   error
	loadErr   error
	clearErr  error
	saves     int
	clearRuns int
}

func (m *memStore) SaveControlSnapshot(_ context.Context, _ string, s Snapshot) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	s.Baseline = s.Baseline.Clone()
	s.Active = s.Active.Clone()
	m.snap = &s
	return nil
}

func (m *memStore) LoadControlSnapshot(context.Context, string) (*Snapshot, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.snap, nil
}

func (m *memStore) ClearControlSnapshot(context.Context, string) error {
	m.clearRuns++
	if m.clearErr != nil {
		return m.clearErr
	}
	m.snap = nil
	return nil
}

var t0 = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func newTestController(t *testing.T, store *memStore) *Controller {
	t.Helper()
	c, err := NewController("villa-149", testTable(t), DefaultSettings(), store)
	require.NoError(t, err)
	return c
}

func warming(rise float64) Input {
	return Input{Trend: &Trend{Rise: rise, Confidence: 0.9}, IndoorTemp: ptr(22.0)}
}

func TestNormalModeCurvesAreIdentical(t *testing.T) {
	c := newTestController(t, &memStore{})
	for T := -30.0; T <= 30; T += 0.25 {
		b, a := c.SupplyTemps(T)
		assert.Equal(t, b, a)
	}
}

func TestNewControllerRejectsBaselineBelowFloor(t *testing.T) {
	_, err := NewController("x", Table{{0, 19}}, DefaultSettings(), &memStore{})
	assert.True(t, errors.Is(err, model.ErrInvariantViolation))
}

func TestReductionAndRestoreExactness(t *testing.T) {
	store := &memStore{}
	c := newTestController(t, store)
	baseline := c.Baseline()

	d, err := c.Evaluate(context.Background(), t0, warming(4))
	require.NoError(t, err)
	assert.Equal(t, TransitionReduce, d.Transition)
	assert.Equal(t, model.ModeReduced, c.Mode())
	assert.InDelta(t, 2.0, d.Reduction, 1e-9)
	require.NotNil(t, store.snap)
	assert.True(t, store.snap.Baseline.Equal(baseline))

	for T := -30.0; T <= 30; T += 1 {
		b, a := c.SupplyTemps(T)
		assert.LessOrEqual(t, a, b)
		assert.GreaterOrEqual(t, a, DefaultSettings().SafetyFloor)
	}

	d, err = c.Evaluate(context.Background(), t0.Add(time.Hour), warming(0.5))
	require.NoError(t, err)
	assert.Equal(t, TransitionRestore, d.Transition)
	assert.Equal(t, model.ModeNormal, c.Mode())
	assert.True(t, c.Active().Equal(baseline))
	assert.Nil(t, store.snap)
}

func TestReductionCappedAtMax(t *testing.T) {
	c := newTestController(t, &memStore{})
	d, err := c.Evaluate(context.Background(), t0, warming(10))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, d.Reduction, 1e-9)
	assert.Equal(t, Table{{-20, 52}, {0, 37}, {15, 22}}, c.Active())
}

func TestEntryGuards(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{"no trend", Input{IndoorTemp: ptr(22)}},
		{"low confidence", Input{Trend: &Trend{Rise: 5, Confidence: 0.4}, IndoorTemp: ptr(22)}},
		{"rise at threshold", Input{Trend: &Trend{Rise: 2.0, Confidence: 0.9}, IndoorTemp: ptr(22)}},
		{"cold inside", Input{Trend: &Trend{Rise: 5, Confidence: 0.9}, IndoorTemp: ptr(21.2)}},
		{"indoor unknown", Input{Trend: &Trend{Rise: 5, Confidence: 0.9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStore{}
			c := newTestController(t, store)
			d, err := c.Evaluate(context.Background(), t0, tt.in)
			require.NoError(t, err)
			assert.Equal(t, model.ModeNormal, d.Mode)
			assert.Equal(t, TransitionNone, d.Transition)
			assert.NotEmpty(t, d.Reason)
			assert.Zero(t, store.saves)
		})
	}
}

func TestSnapshotFailureKeepsNormal(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	c := newTestController(t, store)

	_, err := c.Evaluate(context.Background(), t0, warming(4))

	assert.True(t, errors.Is(err, model.ErrTransient))
	assert.Equal(t, model.ModeNormal, c.Mode())
	assert.True(t, c.Active().Equal(c.Baseline()))
}

func TestReduceWhileReducedIsInvariantViolation(t *testing.T) {
	c := newTestController(t, &memStore{})
	_, err := c.Reduce(context.Background(), t0, 4, "test")
	require.NoError(t, err)
	active := c.Active()

	_, err = c.Reduce(context.Background(), t0.Add(time.Minute), 6, "again")

	assert.True(t, errors.Is(err, model.ErrInvariantViolation))
	assert.True(t, c.Active().Equal(active))
}

func TestReductionBreachingFloorAborts(t *testing.T) {
	settings := DefaultSettings()
	c, err := NewController("x", Table{{-10, 40}, {10, 20}}, settings, &memStore{})
	require.NoError(t, err)
	c.settings.SafetyFloor = 21

	_, err = c.Reduce(context.Background(), t0, 4, "test")

	assert.True(t, errors.Is(err, model.ErrInvariantViolation))
	assert.Equal(t, model.ModeNormal, c.Mode())
}

func TestHysteresisDoesNotChatter(t *testing.T) {
	c := newTestController(t, &memStore{})
	enter := DefaultSettings().EnterThreshold
	var reduces, restores int

	for i := 0; i < 10; i++ {
		rise := enter * 1.1
		if i%2 == 1 {
			rise = enter * 0.9
		}
		d, err := c.Evaluate(context.Background(), t0.Add(time.Duration(i)*time.Hour), warming(rise))
		require.NoError(t, err)
		switch d.Transition {
		case TransitionReduce:
			reduces++
		case TransitionRestore:
			restores++
		}
	}

	assert.Equal(t, 1, reduces)
	assert.Equal(t, 0, restores)
	assert.Equal(t, model.ModeReduced, c.Mode())
}

func TestTimeoutRestoresAndCooldownBlocks(t *testing.T) {
	c := newTestController(t, &memStore{})
	_, err := c.Evaluate(context.Background(), t0, warming(4))
	require.NoError(t, err)

	d, err := c.Evaluate(context.Background(), t0.Add(11*time.Hour), warming(4))
	require.NoError(t, err)
	assert.Equal(t, model.ModeReduced, d.Mode)

	d, err = c.Evaluate(context.Background(), t0.Add(12*time.Hour), warming(4))
	require.NoError(t, err)
	assert.Equal(t, TransitionRestore, d.Transition)
	assert.True(t, c.Active().Equal(c.Baseline()))

	d, err = c.Evaluate(context.Background(), t0.Add(13*time.Hour), warming(4))
	require.NoError(t, err)
	assert.Equal(t, model.ModeNormal, d.Mode)

	d, err = c.Evaluate(context.Background(), t0.Add(14*time.Hour), warming(4))
	require.NoError(t, err)
	assert.Equal(t, TransitionReduce, d.Transition)
}

func TestMissingTrendOnlyTimesOut(t *testing.T) {
	c := newTestController(t, &memStore{})
	_, err := c.Evaluate(context.Background(), t0, warming(4))
	require.NoError(t, err)

	d, err := c.Evaluate(context.Background(), t0.Add(time.Hour), Input{IndoorTemp: ptr(22)})
	require.NoError(t, err)
	assert.Equal(t, model.ModeReduced, d.Mode)

	d, err = c.Evaluate(context.Background(), t0.Add(12*time.Hour), Input{IndoorTemp: ptr(22)})
	require.NoError(t, err)
	assert.Equal(t, TransitionRestore, d.Transition)
}

func TestComfortExit(t *testing.T) {
	c := newTestController(t, &memStore{})
	_, err := c.Evaluate(context.Background(), t0, warming(4))
	require.NoError(t, err)

	in := warming(4)
	in.IndoorTemp = ptr(21.0)
	d, err := c.Evaluate(context.Background(), t0.Add(time.Hour), in)
	require.NoError(t, err)
	assert.Equal(t, TransitionRestore, d.Transition)
}

func TestFailedClearIsRetried(t *testing.T) {
	store := &memStore{}
	c := newTestController(t, store)
	_, err := c.Evaluate(context.Background(), t0, warming(4))
	require.NoError(t, err)

	store.clearErr = errors.New("locked")
	d, err := c.Evaluate(context.Background(), t0.Add(time.Hour), warming(0))
	require.NoError(t, err)
	assert.Equal(t, model.ModeNormal, d.Mode)
	require.NotNil(t, store.snap)

	store.clearErr = nil
	_, err = c.Evaluate(context.Background(), t0.Add(2*time.Hour), warming(0))
	require.NoError(t, err)
	assert.Nil(t, store.snap)
}

func TestRestartAfterFailedClearStaysNormal(t *testing.T) {
	store := &memStore{}
	first := newTestController(t, store)
	_, err := first.Evaluate(context.Background(), t0, warming(4))
	require.NoError(t, err)

	store.clearErr = errors.New("locked")
	d, err := first.Evaluate(context.Background(), t0.Add(time.Hour), warming(0))
	require.NoError(t, err)
	require.Equal(t, TransitionRestore, d.Transition)
	require.NotNil(t, store.snap)
	assert.Equal(t, model.ModeNormal, store.snap.Mode)

	second := newTestController(t, store)
	require.NoError(t, second.Restore(context.Background()))
	assert.Equal(t, model.ModeNormal, second.Mode())
	assert.True(t, second.Active().Equal(testTable(t)))
}

func TestStoreInvariantViolationIsNotTransient(t *testing.T) {
	store := &memStore{saveErr: errors.Wrap(model.ErrInvariantViolation, "villa-149 already has a persisted reduction")}
	c := newTestController(t, store)

	_, err := c.Evaluate(context.Background(), t0, warming(4))

	assert.True(t, errors.Is(err, model.ErrInvariantViolation))
	assert.False(t, errors.Is(err, model.ErrTransient))
	assert.Equal(t, model.ModeNormal, c.Mode())
}

func TestRestoreResumesReduction(t *testing.T) {
	store := &memStore{}
	first := newTestController(t, store)
	_, err := first.Evaluate(context.Background(), t0, warming(4))
	require.NoError(t, err)

	second := newTestController(t, store)
	require.NoError(t, second.Restore(context.Background()))

	assert.Equal(t, model.ModeReduced, second.Mode())
	assert.True(t, second.Active().Equal(first.Active()))

	d, err := second.Evaluate(context.Background(), t0.Add(12*time.Hour), warming(4))
	require.NoError(t, err)
	assert.Equal(t, TransitionRestore, d.Transition)
	assert.True(t, second.Active().Equal(testTable(t)))
}

func TestRestoreErrors(t *testing.T) {
	t.Run("corrupt", func(t *testing.T) {
		c := newTestController(t, &memStore{loadErr: errors.Wrap(model.ErrCorruptState, "bad json")})
		err := c.Restore(context.Background())
		assert.True(t, model.IsFatal(err))
	})
	t.Run("store down", func(t *testing.T) {
		c := newTestController(t, &memStore{loadErr: errors.New("timeout")})
		err := c.Restore(context.Background())
		assert.True(t, errors.Is(err, model.ErrTransient))
		assert.Equal(t, model.ModeNormal, c.Mode())
	})
	t.Run("no baseline", func(t *testing.T) {
		store := &memStore{snap: &Snapshot{Mode: model.ModeReduced, Active: Table{{0, 30}}}}
		c := newTestController(t, store)
		err := c.Restore(context.Background())
		assert.True(t, errors.Is(err, model.ErrInvariantViolation))
		assert.Equal(t, model.ModeNormal, c.Mode())
		assert.Nil(t, store.snap)
	})
}

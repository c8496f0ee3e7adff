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
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/antst/hcctl/internal/logger"
	"github.com/antst/hcctl/internal/model"
)

type Settings struct {
	TargetIndoor   float64
	ComfortMargin  float64
	EnterThreshold float64
	ExitThreshold  float64
	MinConfidence  float64
	ReductionRatio float64
	MaxReduction   float64
	SafetyFloor    float64
	MaxDuration    time.Duration
	Cooldown       time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		TargetIndoor:   22.0,
		ComfortMargin:  0.5,
		EnterThreshold: 2.0,
		ExitThreshold:  1.0,
		MinConfidence:  0.6,
		ReductionRatio: 0.5,
		MaxReduction:   3.0,
		SafetyFloor:    20.0,
		MaxDuration:    12 * time.Hour,
		Cooldown:       2 * time.Hour,
	}
}

// Trend is the part of the outdoor forecast the controller decides on.
type Trend struct {
	Rise       float64
	Confidence float64
}

type Input struct {
	// nil when no usable forecast is available
	Trend      *Trend
	IndoorTemp *float64
}

// Snapshot is the persisted control state. Baseline is the curve to restore.
type Snapshot struct {
	Mode      model.ControlMode `json:"mode"`
	Baseline  Table             `json:"baseline"`
	Active    Table             `json:"active"`
	Reduction float64           `json:"reduction"`
	EnteredAt time.Time         `json:"entered_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Reason    string            `json:"reason"`
}

type SnapshotStore interface {
	SaveControlSnapshot(ctx context.Context, entity string, s Snapshot) error
	// LoadControlSnapshot returns nil without error when nothing is stored.
	LoadControlSnapshot(ctx context.Context, entity string) (*Snapshot, error)
	ClearControlSnapshot(ctx context.Context, entity string) error
}

type Transition string

const (
	TransitionNone    Transition = ""
	TransitionReduce  Transition = "reduce"
	TransitionRestore Transition = "restore"
)

type Decision struct {
	Mode       model.ControlMode
	Transition Transition
	Reduction  float64
	Reason     string
}

type Status struct {
	Mode      model.ControlMode `json:"mode"`
	Reduction float64           `json:"reduction"`
	EnteredAt *time.Time        `json:"entered_at,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Remaining time.Duration     `json:"remaining"`
	Baseline  Table             `json:"baseline"`
	Active    Table             `json:"active"`
}

// Controller owns the active heat curve of one entity.
type Controller struct {
	entity   string
	settings Settings
	store    SnapshotStore
	log      *zap.SugaredLogger

	lock         sync.Mutex
	mode         model.ControlMode
	baseline     Table
	active       Table
	reduction    float64
	enteredAt    time.Time
	expiresAt    time.Time
	restoredAt   time.Time
	pendingClear bool
}

func NewController(_entity string, _baseline Table, _settings Settings, _store SnapshotStore) (*Controller, error) {
	if err := _baseline.Validate(); err != nil {
		return nil, err
	}
	if _baseline.MinSupply() < _settings.SafetyFloor {
		return nil, errors.Wrapf(
			model.ErrInvariantViolation, "baseline curve %v is below safety floor %.1f", _baseline, _settings.SafetyFloor,
		)
	}
	return &Controller{
		entity:   _entity,
		settings: _settings,
		store:    _store,
		log:      logger.For(_entity).Named("heatcurve"),
		mode:     model.ModeNormal,
		baseline: _baseline.Clone(),
		active:   _baseline.Clone(),
	}, nil
}

// Restore resumes a reduction persisted by a previous run.
func (c *Controller) Restore(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	snap, err := c.store.LoadControlSnapshot(ctx, c.entity)
	if err != nil {
		if model.IsFatal(err) {
			return err
		}
		return errors.Wrap(model.ErrTransient, err.Error())
	}
	if snap == nil || snap.Mode != model.ModeReduced {
		return nil
	}

	if err := snap.Baseline.Validate(); err != nil {
		c.clearLocked(ctx)
		return errors.Wrapf(model.ErrInvariantViolation, "persisted reduction without usable baseline: %v", err)
	}
	if err := snap.Active.Validate(); err != nil || snap.Active.MinSupply() < c.settings.SafetyFloor {
		// baseline is intact, fall back to it
		c.baseline = snap.Baseline.Clone()
		c.active = snap.Baseline.Clone()
		c.clearLocked(ctx)
		return errors.Wrap(model.ErrInvariantViolation, "persisted reduced curve is unusable, baseline restored")
	}

	if !c.baseline.Equal(snap.Baseline) {
		c.log.Warnf("Persisted baseline %v differs from configured %v, keeping persisted until restore", snap.Baseline, c.baseline)
	}
	c.mode = model.ModeReduced
	c.baseline = snap.Baseline.Clone()
	c.active = snap.Active.Clone()
	c.reduction = snap.Reduction
	c.enteredAt = snap.EnteredAt
	c.expiresAt = snap.ExpiresAt
	c.log.Infof("Resumed reduced curve %v (-%.2f) until %v", c.active, c.reduction, c.expiresAt.Format(time.RFC3339))
	return nil
}

// SupplyTemps returns the baseline and active supply temperatures at outdoor temperature T.
func (c *Controller) SupplyTemps(T float64) (float64, float64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.baseline.Interpolate(T), c.active.Interpolate(T)
}

func (c *Controller) Mode() model.ControlMode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.mode
}

func (c *Controller) Active() Table {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.active.Clone()
}

func (c *Controller) Baseline() Table {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.baseline.Clone()
}

func (c *Controller) Status(now time.Time) Status {
	c.lock.Lock()
	defer c.lock.Unlock()
	s := Status{Mode: c.mode, Reduction: c.reduction, Baseline: c.baseline.Clone(), Active: c.active.Clone()}
	if c.mode == model.ModeReduced {
		entered, expires := c.enteredAt, c.expiresAt
		s.EnteredAt, s.ExpiresAt = &entered, &expires
		s.Remaining = expires.Sub(now)
		if s.Remaining < 0 {
			s.Remaining = 0
		}
	}
	return s
}

// Evaluate runs one control decision.
func (c *Controller) Evaluate(ctx context.Context, now time.Time, in Input) (Decision, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.pendingClear {
		c.clearLocked(ctx)
	}

	if c.mode == model.ModeReduced {
		if reason, exit := c.exitReason(now, in); exit {
			return c.restoreLocked(ctx, now, reason), nil
		}
		return Decision{Mode: c.mode, Reduction: c.reduction, Reason: "reduction active"}, nil
	}

	reason, ok := c.entryReason(now, in)
	if !ok {
		return Decision{Mode: c.mode, Reason: reason}, nil
	}
	return c.reduceLocked(ctx, now, in.Trend.Rise, reason)
}

// Reduce forces a reduction for the given forecast rise.
func (c *Controller) Reduce(ctx context.Context, now time.Time, rise float64, reason string) (Decision, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.reduceLocked(ctx, now, rise, reason)
}

// RestoreBaseline forces the baseline curve back.
func (c *Controller) RestoreBaseline(ctx context.Context, now time.Time, reason string) Decision {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.mode != model.ModeReduced {
		return Decision{Mode: c.mode, Reason: "not reduced"}
	}
	return c.restoreLocked(ctx, now, reason)
}

func (c *Controller) entryReason(now time.Time, in Input) (string, bool) {
	s := c.settings
	switch {
	case in.Trend == nil:
		return "no forecast", false
	case in.Trend.Confidence < s.MinConfidence:
		return fmt.Sprintf("forecast confidence %.2f below %.2f", in.Trend.Confidence, s.MinConfidence), false
	case in.Trend.Rise <= s.EnterThreshold:
		return fmt.Sprintf("forecast rise %.2f°C not above %.2f°C", in.Trend.Rise, s.EnterThreshold), false
	case in.IndoorTemp == nil:
		return "indoor temperature unknown", false
	case *in.IndoorTemp < s.TargetIndoor-s.ComfortMargin:
		return fmt.Sprintf("indoor %.2f°C below comfort limit %.2f°C", *in.IndoorTemp, s.TargetIndoor-s.ComfortMargin), false
	case !c.restoredAt.IsZero() && now.Sub(c.restoredAt) < s.Cooldown:
		return fmt.Sprintf("cooldown after restore until %v", c.restoredAt.Add(s.Cooldown).Format(time.RFC3339)), false
	}
	return fmt.Sprintf("outdoor rise %.2f°C forecast with confidence %.2f", in.Trend.Rise, in.Trend.Confidence), true
}

func (c *Controller) exitReason(now time.Time, in Input) (string, bool) {
	s := c.settings
	if !now.Before(c.expiresAt) {
		return "maximum reduction duration reached", true
	}
	if in.IndoorTemp != nil && *in.IndoorTemp < s.TargetIndoor-s.ComfortMargin {
		return fmt.Sprintf("indoor %.2f°C below comfort limit", *in.IndoorTemp), true
	}
	if in.Trend == nil {
		return "", false
	}
	if in.Trend.Confidence < s.MinConfidence {
		return fmt.Sprintf("forecast confidence dropped to %.2f", in.Trend.Confidence), true
	}
	if in.Trend.Rise <= s.ExitThreshold {
		return fmt.Sprintf("warming no longer forecast (rise %.2f°C)", in.Trend.Rise), true
	}
	return "", false
}

func (c *Controller) reduceLocked(ctx context.Context, now time.Time, rise float64, reason string) (Decision, error) {
	if c.mode == model.ModeReduced {
		return Decision{Mode: c.mode, Reduction: c.reduction}, errors.Wrap(
			model.ErrInvariantViolation, "reduction requested while already reduced",
		)
	}

	delta := math.Min(rise*c.settings.ReductionRatio, c.settings.MaxReduction)
	if delta <= 0 {
		return Decision{Mode: c.mode, Reason: "no reduction needed"}, nil
	}
	reduced := c.baseline.Reduce(delta, c.settings.SafetyFloor)
	if reduced.MinSupply() < c.settings.SafetyFloor {
		return Decision{Mode: c.mode}, errors.Wrapf(
			model.ErrInvariantViolation, "reduced curve %v breaches safety floor %.1f", reduced, c.settings.SafetyFloor,
		)
	}

	snap := Snapshot{
		Mode:      model.ModeReduced,
		Baseline:  c.baseline.Clone(),
		Active:    reduced,
		Reduction: delta,
		EnteredAt: now,
		ExpiresAt: now.Add(c.settings.MaxDuration),
		Reason:    reason,
	}
	if err := c.store.SaveControlSnapshot(ctx, c.entity, snap); err != nil {
		if errors.Is(err, model.ErrInvariantViolation) || model.IsFatal(err) {
			return Decision{Mode: c.mode}, errors.WithMessage(err, "baseline snapshot not persisted, staying NORMAL")
		}
		return Decision{Mode: c.mode}, errors.Wrapf(model.ErrTransient, "baseline snapshot not persisted, staying NORMAL: %v", err)
	}

	c.mode = model.ModeReduced
	c.active = reduced.Clone()
	c.reduction = delta
	c.enteredAt = snap.EnteredAt
	c.expiresAt = snap.ExpiresAt
	c.pendingClear = false
	c.log.Infof("Reducing heat curve by %.2f°C: %s. Active curve %v", delta, reason, c.active)

	return Decision{Mode: c.mode, Transition: TransitionReduce, Reduction: delta, Reason: reason}, nil
}

func (c *Controller) restoreLocked(ctx context.Context, now time.Time, reason string) Decision {
	c.mode = model.ModeNormal
	c.active = c.baseline.Clone()
	c.reduction = 0
	c.enteredAt = time.Time{}
	c.expiresAt = time.Time{}
	c.restoredAt = now
	c.clearLocked(ctx)
	c.log.Infof("Restored baseline heat curve %v: %s", c.active, reason)

	return Decision{Mode: c.mode, Transition: TransitionRestore, Reason: reason}
}

// clearLocked drops the persisted reduction. When the delete fails a NORMAL marker
// overwrites it, so a restart never resumes a reduction that already ended.
func (c *Controller) clearLocked(ctx context.Context) {
	err := c.store.ClearControlSnapshot(ctx, c.entity)
	if err == nil {
		c.pendingClear = false
		return
	}
	c.pendingClear = true
	c.log.Warnf("Failed to clear control snapshot, will retry: %v", err)

	if c.mode != model.ModeNormal {
		return
	}
	marker := Snapshot{Mode: model.ModeNormal, Baseline: c.baseline.Clone(), Active: c.baseline.Clone()}
	if err := c.store.SaveControlSnapshot(ctx, c.entity, marker); err != nil {
		c.log.Errorf("Persisted control state still says %s: %v", model.ModeReduced, err)
	}
}

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
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/antst/hcctl/internal/forecast"
	"github.com/antst/hcctl/internal/heatcurve"
	"github.com/antst/hcctl/internal/model"
	"github.com/antst/hcctl/internal/thermal"
)

const envPrefix = "HCCTL_"

type LocationConfig struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}

type ResponseRates struct {
	Heating float64 `json:"heating"`
	Cooling float64 `json:"cooling"`
}

type BuildingConfig struct {
	ThermalResponse string `json:"thermal_response"`
	// overrides the rates implied by ThermalResponse when positive
	ResponseRates ResponseRates `json:"response_rates"`
}

var responseRates = map[string]ResponseRates{
	"slow":   {Heating: 0.3, Cooling: 0.1},
	"medium": {Heating: 0.5, Cooling: 0.2},
	"fast":   {Heating: 0.8, Cooling: 0.3},
}

type ComfortConfig struct {
	TargetIndoorTemp    float64 `json:"target_indoor_temp"`
	AcceptableDeviation float64 `json:"acceptable_deviation"`
}

type HeatingSystemConfig struct {
	MinSupplyTemp       float64 `json:"min_supply_temp"`
	MaxSupplyTemp       float64 `json:"max_supply_temp"`
	ResponseTimeMinutes int     `json:"response_time_minutes"`
}

type LearningConfig struct {
	MinSamples    int           `json:"min_samples"`
	WindowDays    int           `json:"window_days"`
	MaxSamples    int           `json:"max_samples"`
	MinSpread     float64       `json:"min_spread"`
	TargetSpread  float64       `json:"target_spread"`
	SampleScale   float64       `json:"sample_scale"`
	ResidualScale float64       `json:"residual_scale"`
	MaxInterval   time.Duration `json:"max_interval"`
}

type ForecastConfig struct {
	HorizonHours      int           `json:"horizon_hours"`
	DefaultLossFactor float64       `json:"default_loss_factor"`
	BiasAlpha         float64       `json:"bias_alpha"`
	BiasGain          float64       `json:"bias_gain"`
	MaxHourlyBias     float64       `json:"max_hourly_bias"`
	MinBiasRecords    int           `json:"min_bias_records"`
	MinHourRecords    int           `json:"min_hour_records"`
	MatchTolerance    time.Duration `json:"match_tolerance"`
}

type ControlConfig struct {
	EnterThreshold float64       `json:"enter_threshold"`
	ExitThreshold  float64       `json:"exit_threshold"`
	MinConfidence  float64       `json:"min_confidence"`
	ReductionRatio float64       `json:"reduction_ratio"`
	MaxReduction   float64       `json:"max_reduction"`
	MaxDuration    time.Duration `json:"max_duration"`
	Cooldown       time.Duration `json:"cooldown"`
	LookaheadHours int           `json:"lookahead_hours"`
	ComfortMargin  float64       `json:"comfort_margin"`
}

// LearnedConfig seeds the learned state of an entity that has none stored yet.
type LearnedConfig struct {
	ThermalCoefficient *float64           `json:"thermal_coefficient"`
	Confidence         float64            `json:"confidence"`
	TotalSamples       int                `json:"total_samples"`
	HourlyBias         map[string]float64 `json:"hourly_bias"`
}

// Profile is the per-entity configuration: building characteristics, comfort and control tuning.
type Profile struct {
	CustomerID    string              `json:"customer_id"`
	FriendlyName  string              `json:"friendly_name"`
	Location      LocationConfig      `json:"location"`
	Building      BuildingConfig      `json:"building"`
	Comfort       ComfortConfig       `json:"comfort"`
	HeatingSystem HeatingSystemConfig `json:"heating_system"`
	HeatCurve     []heatcurve.Point   `json:"heat_curve"`
	Learning      LearningConfig      `json:"learning"`
	Forecast      ForecastConfig      `json:"forecast"`
	Control       ControlConfig       `json:"control"`
	Learned       *LearnedConfig      `json:"learned,omitempty"`
}

func DefaultProfile() Profile {
	ts := thermal.DefaultSettings()
	fs := forecast.DefaultSettings()
	bs := forecast.DefaultBiasSettings()
	cs := heatcurve.DefaultSettings()
	return Profile{
		Location: LocationConfig{Timezone: "Local"},
		Building: BuildingConfig{ThermalResponse: "medium"},
		Comfort: ComfortConfig{
			TargetIndoorTemp:    fs.TargetIndoor,
			AcceptableDeviation: fs.AcceptableDeviation,
		},
		HeatingSystem: HeatingSystemConfig{MinSupplyTemp: cs.SafetyFloor, MaxSupplyTemp: 55, ResponseTimeMinutes: 30},
		Learning: LearningConfig{
			MinSamples:    ts.MinSamples,
			WindowDays:    int(ts.Window / (24 * time.Hour)),
			MaxSamples:    ts.MaxSamples,
			MinSpread:     ts.MinSpread,
			TargetSpread:  ts.TargetSpread,
			SampleScale:   ts.SampleScale,
			ResidualScale: ts.ResidualScale,
			MaxInterval:   ts.MaxInterval,
		},
		Forecast: ForecastConfig{
			HorizonHours:      int(fs.Horizon.Hours()),
			DefaultLossFactor: fs.DefaultLossFactor,
			BiasAlpha:         bs.Alpha,
			BiasGain:          bs.Gain,
			MaxHourlyBias:     bs.MaxBias,
			MinBiasRecords:    bs.MinRecords,
			MinHourRecords:    bs.MinHourRecords,
			MatchTolerance:    fs.MatchTolerance,
		},
		Control: ControlConfig{
			EnterThreshold: cs.EnterThreshold,
			ExitThreshold:  cs.ExitThreshold,
			MinConfidence:  cs.MinConfidence,
			ReductionRatio: cs.ReductionRatio,
			MaxReduction:   cs.MaxReduction,
			MaxDuration:    cs.MaxDuration,
			Cooldown:       cs.Cooldown,
			LookaheadHours: 12,
			ComfortMargin:  cs.ComfortMargin,
		},
	}
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// EnvPrefix is the environment prefix of an entity, HCCTL_VILLA_149_ for "villa-149".
func EnvPrefix(entity string) string {
	return envPrefix + strings.Trim(nonAlnum.ReplaceAllString(strings.ToUpper(entity), "_"), "_") + "_"
}

// envKeyTransform maps SECTION__KEY_NAME to section.key_name. A double underscore nests.
func envKeyTransform(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

type ProfileLoader struct {
	// Environ overrides os.Environ, for tests.
	Environ func() []string
}

// Load reads the JSON profile of an entity on top of the defaults, applies
// environment overrides and validates the result.
func (l ProfileLoader) Load(entity, path string) (*Profile, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultProfile(), "json"), nil); err != nil {
		return nil, errors.Wrap(err, "load profile defaults")
	}
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "profile %s: %v", path, err)
	}

	prefix := EnvPrefix(entity)
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:      prefix,
		EnvironFunc: l.Environ,
		TransformFunc: func(k, v string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(k, prefix)), v
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load profile environment overrides")
	}

	p := &Profile{}
	if err := k.UnmarshalWithConf("", p, koanf.UnmarshalConf{
		Tag: "json",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			Result:           p,
		},
	}); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "profile %s: %v", path, err)
	}

	if err := p.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "profile %s", path)
	}
	return p, nil
}

func LoadProfile(entity, path string) (*Profile, error) {
	return ProfileLoader{}.Load(entity, path)
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

func (p *Profile) Validate() error {
	c := p.Comfort
	if c.TargetIndoorTemp < 10 || c.TargetIndoorTemp > 30 {
		return invalid("comfort.target_indoor_temp %.1f outside 10..30", c.TargetIndoorTemp)
	}
	if c.AcceptableDeviation <= 0 {
		return invalid("comfort.acceptable_deviation must be positive")
	}
	if _, ok := responseRates[p.Building.ThermalResponse]; !ok {
		return invalid("building.thermal_response %q is not one of slow, medium, fast", p.Building.ThermalResponse)
	}
	if p.Location.Latitude < -90 || p.Location.Latitude > 90 || p.Location.Longitude < -180 || p.Location.Longitude > 180 {
		return invalid("location %.4f,%.4f out of range", p.Location.Latitude, p.Location.Longitude)
	}
	if _, err := p.TimeLocation(); err != nil {
		return invalid("location.timezone: %v", err)
	}

	hs := p.HeatingSystem
	if hs.MinSupplyTemp <= 0 || hs.MaxSupplyTemp <= hs.MinSupplyTemp {
		return invalid("heating_system supply range %.1f..%.1f", hs.MinSupplyTemp, hs.MaxSupplyTemp)
	}
	curve, err := p.Curve()
	if err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	for _, pt := range curve {
		if pt.Supply < hs.MinSupplyTemp || pt.Supply > hs.MaxSupplyTemp {
			return invalid("heat_curve supply %.1f at %.1f outside %.1f..%.1f", pt.Supply, pt.Outdoor, hs.MinSupplyTemp, hs.MaxSupplyTemp)
		}
	}

	l := p.Learning
	if l.MinSamples <= 0 || l.WindowDays <= 0 || l.MaxSamples < l.MinSamples || l.MaxInterval <= 0 {
		return invalid("learning window settings")
	}
	if l.MinSpread < 0 || l.TargetSpread <= 0 || l.SampleScale <= 0 || l.ResidualScale <= 0 {
		return invalid("learning confidence scales must be positive")
	}

	f := p.Forecast
	if f.HorizonHours <= 0 || f.DefaultLossFactor < 0 || f.MatchTolerance <= 0 {
		return invalid("forecast horizon, loss factor or match tolerance")
	}
	if f.BiasAlpha <= 0 || f.BiasAlpha > 1 || f.BiasGain <= 0 || f.BiasGain > 1 || f.MaxHourlyBias <= 0 {
		return invalid("forecast bias settings")
	}
	if f.MinBiasRecords <= 0 || f.MinHourRecords <= 0 {
		return invalid("forecast bias record minimums")
	}

	ctl := p.Control
	if ctl.EnterThreshold <= 0 || ctl.ExitThreshold < 0 || ctl.ExitThreshold >= ctl.EnterThreshold {
		return invalid("control thresholds: exit %.2f must be below enter %.2f", ctl.ExitThreshold, ctl.EnterThreshold)
	}
	if ctl.MinConfidence < 0 || ctl.MinConfidence > 1 {
		return invalid("control.min_confidence outside 0..1")
	}
	if ctl.ReductionRatio <= 0 || ctl.ReductionRatio > 1 || ctl.MaxReduction <= 0 {
		return invalid("control reduction settings")
	}
	if ctl.MaxDuration <= 0 || ctl.Cooldown < 0 || ctl.LookaheadHours <= 0 || ctl.ComfortMargin < 0 {
		return invalid("control timing settings")
	}

	if p.Learned != nil {
		for hour, b := range p.Learned.HourlyBias {
			if len(hour) != 2 || hour < "00" || hour > "23" || math.IsNaN(b) {
				return invalid("learned.hourly_bias entry %q", hour)
			}
		}
	}
	return nil
}

func (p *Profile) Curve() (heatcurve.Table, error) {
	return heatcurve.NewTable(p.HeatCurve...)
}

func (p *Profile) TimeLocation() (*time.Location, error) {
	if p.Location.Timezone == "" || p.Location.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(p.Location.Timezone)
}

func (p *Profile) Rates() ResponseRates {
	r := responseRates[p.Building.ThermalResponse]
	if p.Building.ResponseRates.Heating > 0 {
		r.Heating = p.Building.ResponseRates.Heating
	}
	if p.Building.ResponseRates.Cooling > 0 {
		r.Cooling = p.Building.ResponseRates.Cooling
	}
	return r
}

func (p *Profile) ThermalSettings() thermal.Settings {
	l := p.Learning
	return thermal.Settings{
		MinSamples:    l.MinSamples,
		Window:        time.Duration(l.WindowDays) * 24 * time.Hour,
		MaxSamples:    l.MaxSamples,
		MinSpread:     l.MinSpread,
		TargetSpread:  l.TargetSpread,
		SampleScale:   l.SampleScale,
		ResidualScale: l.ResidualScale,
		MaxInterval:   l.MaxInterval,
	}
}

func (p *Profile) ForecastSettings() forecast.Settings {
	loc, err := p.TimeLocation()
	if err != nil {
		loc = time.Local
	}
	r := p.Rates()
	return forecast.Settings{
		TargetIndoor:        p.Comfort.TargetIndoorTemp,
		AcceptableDeviation: p.Comfort.AcceptableDeviation,
		HeatingRate:         r.Heating,
		CoolingRate:         r.Cooling,
		DefaultLossFactor:   p.Forecast.DefaultLossFactor,
		Horizon:             time.Duration(p.Forecast.HorizonHours) * time.Hour,
		MatchTolerance:      p.Forecast.MatchTolerance,
		Location:            loc,
	}
}

func (p *Profile) BiasSettings() forecast.BiasSettings {
	bs := forecast.DefaultBiasSettings()
	bs.Alpha = p.Forecast.BiasAlpha
	bs.Gain = p.Forecast.BiasGain
	bs.MaxBias = p.Forecast.MaxHourlyBias
	bs.MinRecords = p.Forecast.MinBiasRecords
	bs.MinHourRecords = p.Forecast.MinHourRecords
	return bs
}

func (p *Profile) ControlSettings() heatcurve.Settings {
	c := p.Control
	return heatcurve.Settings{
		TargetIndoor:   p.Comfort.TargetIndoorTemp,
		ComfortMargin:  c.ComfortMargin,
		EnterThreshold: c.EnterThreshold,
		ExitThreshold:  c.ExitThreshold,
		MinConfidence:  c.MinConfidence,
		ReductionRatio: c.ReductionRatio,
		MaxReduction:   c.MaxReduction,
		SafetyFloor:    p.HeatingSystem.MinSupplyTemp,
		MaxDuration:    c.MaxDuration,
		Cooldown:       c.Cooldown,
	}
}

func (p *Profile) Lookahead() time.Duration {
	return time.Duration(p.Control.LookaheadHours) * time.Hour
}

// SeedState converts the learned section into initial learned state, nil when absent.
func (p *Profile) SeedState() (*model.ThermalState, model.HourlyBias) {
	if p.Learned == nil {
		return nil, nil
	}
	st := model.NewThermalState()
	st.ThermalCoefficient = p.Learned.ThermalCoefficient
	st.Confidence = math.Max(0, math.Min(1, p.Learned.Confidence))
	st.Checkpoint.TotalSamples = p.Learned.TotalSamples
	bias := make(model.HourlyBias, len(p.Learned.HourlyBias))
	for hour, b := range p.Learned.HourlyBias {
		// weight 0.5 marks imported biases as half trusted until confirmed by folds
		bias[hour] = model.HourBias{Bias: b, Weight: 0.5}
	}
	return &st, bias
}

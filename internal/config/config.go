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
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antst/hcctl/internal/logger"

	"github.com/pborman/getopt/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	defaultMQTTURL             = "tcp://127.0.0.1:1883"
	defaultControlTopic        = "hcctl/control"
	defaultDBFile              = "~/.hcctl.db"
	defaultConfigFile          = "config.yaml"
	defaultMetricsListen       = ":7001"
	defaultPollInterval        = 15 * time.Minute
	defaultCollaboratorTimeout = 30 * time.Second
	defaultWeatherTimeout      = 30 * time.Second
	defaultForecastMaxAge      = 6 * time.Hour
	DefaultAverageType         = "mean"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type MQTTConfig struct {
	URL          string `yaml:"url"`
	ControlTopic string `yaml:"control_topic"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
}

func NewMQTTConfig() *MQTTConfig {
	return &MQTTConfig{URL: defaultMQTTURL, ControlTopic: defaultControlTopic}
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type WeatherConfig struct {
	BaseURL string        `yaml:"base_url,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
	MaxAge  time.Duration `yaml:"max_age"`
}

func (w *WeatherConfig) FillDefaults() {
	if w.Timeout <= 0 {
		w.Timeout = defaultWeatherTimeout
	}
	if w.MaxAge <= 0 {
		w.MaxAge = defaultForecastMaxAge
	}
}

type Config struct {
	LogLevel            zapcore.Level            `yaml:"log_level"`
	MQTTConfig          *MQTTConfig              `yaml:"mqtt"`
	Metrics             *MetricsConfig           `yaml:"metrics"`
	Weather             *WeatherConfig           `yaml:"weather"`
	DBFile              string                   `yaml:"db_file"`
	PollInterval        time.Duration            `yaml:"poll_interval"`
	CollaboratorTimeout time.Duration            `yaml:"collaborator_timeout"`
	Entities            map[string]*EntityConfig `yaml:"entities"`
}

func defConfig() *Config {
	return &Config{
		LogLevel:            zapcore.InfoLevel,
		Entities:            make(map[string]*EntityConfig),
		MQTTConfig:          NewMQTTConfig(),
		Metrics:             &MetricsConfig{Listen: defaultMetricsListen},
		Weather:             &WeatherConfig{},
		DBFile:              defaultDBFile,
		PollInterval:        defaultPollInterval,
		CollaboratorTimeout: defaultCollaboratorTimeout,
	}
}

func prettyPrint(cfg *Config) {
	masked := *cfg
	if cfg.MQTTConfig != nil && cfg.MQTTConfig.Password != "" {
		m := *cfg.MQTTConfig
		m.Password = "***"
		masked.MQTTConfig = &m
	}
	d, err := yaml.Marshal(&masked)
	if err != nil {
		logger.L().Error("Failed to marshal config for pretty print", err)
		return
	}
	logger.L().Debugf("--- Config ---\n%s\n\n", string(d))
}

func (cfg *Config) FillDefaults() {
	if cfg.MQTTConfig == nil {
		cfg.MQTTConfig = NewMQTTConfig()
	}
	if cfg.MQTTConfig.URL == "" {
		cfg.MQTTConfig.URL = defaultMQTTURL
	}
	if cfg.MQTTConfig.ControlTopic == "" {
		cfg.MQTTConfig.ControlTopic = defaultControlTopic
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{Listen: defaultMetricsListen}
	}
	if cfg.Weather == nil {
		cfg.Weather = &WeatherConfig{}
	}
	cfg.Weather.FillDefaults()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = defaultCollaboratorTimeout
	}
	for id, e := range cfg.Entities {
		if e == nil {
			e = &EntityConfig{}
			cfg.Entities[id] = e
		}
		e.FillDefaults(id)
	}
}

func (cfg *Config) Validate() error {
	if len(cfg.Entities) == 0 {
		return errors.Wrap(ErrInvalidConfig, "no entities configured")
	}
	for _, id := range cfg.EntityIDs() {
		if err := cfg.Entities[id].Validate(); err != nil {
			return errors.WithMessagef(err, "entity %s", id)
		}
	}
	return nil
}

// EntityIDs returns the configured entity ids in stable order.
func (cfg *Config) EntityIDs() []string {
	ids := make([]string, 0, len(cfg.Entities))
	for id := range cfg.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func Get() *Config {
	logLevel := getopt.StringLong("log-level", 'l', "", "log levels: debug, info, warn, error, dpanic, panic, fatal")
	configFile := getopt.StringLong("config", 'c', defaultConfigFile, "config file pathname")
	dbFile := getopt.StringLong("db", 'd', "", "DB file pathname")

	getopt.Parse()

	cfg, err := Load(*configFile)
	if err != nil {
		log.Panicf("GetConfig: %v", err)
	}
	logger.L().Infof("Using config file `%v`", *configFile)

	if *dbFile != "" {
		cfg.DBFile = expandHome(*dbFile)
	}
	logger.L().Infof("Using DB file `%v`", cfg.DBFile)

	if *logLevel != "" {
		if err := cfg.LogLevel.Set(*logLevel); err != nil {
			logger.L().Errorf("Wrong log level `%v`: %v", *logLevel, err)
		}
	}
	logger.SetLogLevel(cfg.LogLevel)

	prettyPrint(cfg)

	return cfg
}

// Load reads, defaults and validates the process configuration.
func Load(configFile string) (*Config, error) {
	cfg := defConfig()
	if err := readFile(cfg, configFile); err != nil {
		return nil, err
	}
	cfg.FillDefaults()
	cfg.DBFile = expandHome(cfg.DBFile)
	base := filepath.Dir(configFile)
	for _, e := range cfg.Entities {
		if e.Profile != "" && !filepath.IsAbs(e.Profile) {
			e.Profile = filepath.Join(base, e.Profile)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && !info.IsDir()
}

func readFile(cfg *Config, configFileName string) error {
	if !fileExists(configFileName) {
		return nil
	}

	f, err := os.Open(configFileName)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	return nil
}

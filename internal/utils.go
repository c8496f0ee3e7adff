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
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/antst/hcctl/internal/model"
)

const epsilon = 1e-10

var zeroTS time.Time

func init() {
	zeroTS = time.UnixMicro(0)
}

// extractF64PlainOrJson parses a plain number, or the value at a dotted path of a JSON object.
func extractF64PlainOrJson(topic string, payload []byte, JSONEntry *string) (float64, error) {
	if JSONEntry == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		if err != nil {
			return 0, errors.Wrapf(model.ErrDataQuality, "%v: %q is not a number", topic, string(payload))
		}
		return v, nil
	}

	var valMap map[string]interface{}
	if err := json.Unmarshal(payload, &valMap); err != nil {
		return 0, errors.Wrapf(model.ErrDataQuality, "json unmarshal error with : %v : %v", topic, string(payload))
	}

	var v interface{} = valMap
	for _, key := range strings.Split(*JSONEntry, ".") {
		m, ok := v.(map[string]interface{})
		if !ok {
			return 0, errors.Wrapf(model.ErrDataQuality, "not found: `%v` in `%v`: %v", *JSONEntry, topic, string(payload))
		}
		if v, ok = m[key]; !ok {
			return 0, errors.Wrapf(model.ErrDataQuality, "not found: `%v` in `%v`: %v", *JSONEntry, topic, string(payload))
		}
	}

	switch t0 := v.(type) {
	case float64:
		return t0, nil
	case string:
		if f, err := strconv.ParseFloat(t0, 64); err == nil {
			return f, nil
		}
	}
	return 0, errors.Wrapf(model.ErrDataQuality, "cannot cast `%v` to float64 in : %v : %v", v, topic, string(payload))
}

func parseSwitch(val string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	}
	return false, errors.Errorf("invalid switch value %q", val)
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

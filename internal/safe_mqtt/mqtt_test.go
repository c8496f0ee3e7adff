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
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/antst/hcctl/internal/model"
)

type token struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *token {
	t := &token{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *token) Wait() bool { <-t.done; return true }

func (t *token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *token) Done() <-chan struct{} { return t.done }
func (t *token) Error() error          { return t.err }

func TestWait(t *testing.T) {
	assert.NoError(t, Wait(doneToken(nil), time.Second))

	err := Wait(doneToken(errors.New("not connected")), time.Second)
	assert.ErrorIs(t, err, model.ErrTransient)
	assert.Contains(t, err.Error(), "not connected")

	pending := &token{done: make(chan struct{})}
	err = Wait(pending, 10*time.Millisecond)
	assert.ErrorIs(t, err, model.ErrTransient)
	assert.Contains(t, err.Error(), "timed out")
}

func TestClientID(t *testing.T) {
	a, b := ClientID("hcctl"), ClientID("hcctl")
	assert.True(t, strings.HasPrefix(a, "hcctl-"))
	assert.NotEqual(t, a, b)
}

// SPDX-FileCopyrightText: 2019 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// Clock is a deterministic clock for unit tests. It starts at the Unix epoch
// and only advances when Clock.Step() or Clock.StepBy() is called. It is safe
// to read from the job worker goroutines while a test advances it.
type Clock struct {
	mutex       sync.Mutex
	currentTime int64
	MiniRedis   *miniredis.Miniredis
}

// Now reads the clock.
func (c *Clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return time.Unix(c.currentTime, 0).UTC()
}

// Step advances the clock by one second.
func (c *Clock) Step() {
	c.StepBy(time.Second)
}

// StepBy advances the clock by the given duration.
func (c *Clock) StepBy(d time.Duration) {
	c.mutex.Lock()
	c.currentTime += int64(d / time.Second)
	now := time.Unix(c.currentTime, 0).UTC()
	c.mutex.Unlock()

	if c.MiniRedis != nil {
		c.MiniRedis.SetTime(now)
	}
}

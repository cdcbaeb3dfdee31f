// SPDX-License-Identifier: MIT

package tick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockCycleMapping(t *testing.T) {
	c, err := NewClock(1_000_000, 1000)
	require.NoError(t, err)

	assert.Equal(t, int64(0), c.Cycle(time.UnixMilli(1_000_000)))
	assert.Equal(t, int64(0), c.Cycle(time.UnixMilli(1_000_999)))
	assert.Equal(t, int64(1), c.Cycle(time.UnixMilli(1_001_000)))
	assert.Equal(t, int64(42), c.Cycle(time.UnixMilli(1_042_000)))
}

func TestClockBeforeBeginningMapsToZero(t *testing.T) {
	c, err := NewClock(1_000_000, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Cycle(time.UnixMilli(999_999)))
}

func TestClockCycleBounds(t *testing.T) {
	c, err := NewClock(1_000_000, 1000)
	require.NoError(t, err)

	assert.Equal(t, int64(1_005_000), c.CycleStart(5))
	assert.Equal(t, int64(1_005_999), c.CycleEnd(5))
	assert.Equal(t, time.UnixMilli(1_005_000), c.Date(5))
}

func TestNewClockValidation(t *testing.T) {
	_, err := NewClock(-1, 1000)
	assert.Error(t, err)
	_, err = NewClock(0, 0)
	assert.Error(t, err)
}

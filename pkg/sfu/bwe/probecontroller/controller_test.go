// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package probecontroller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ms(v int64) Timestamp {
	return Timestamp(time.Duration(v) * time.Millisecond)
}

func scale(v float64) *float64 { return &v }

func testConfig() ProbeControllerConfig {
	cfg := DefaultProbeControllerConfig
	cfg.SecondExponentialProbeScale = scale(6.0)
	return cfg
}

func newTestController(t *testing.T, cfg ProbeControllerConfig) *Controller {
	t.Helper()
	c, err := NewController(Params{Config: cfg})
	require.NoError(t, err)
	return c
}

// Scenario 1 (spec section 8): initial probes.
func TestInitialProbes(t *testing.T) {
	c := newTestController(t, testConfig())

	out := c.OnNetworkAvailability(true, ms(0))
	require.Empty(t, out)

	out, err := c.SetBitrates(50, 300, 5000, ms(0))
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, Bitrate(900), out[0].TargetRate)
	require.Equal(t, 1, out[0].ID)
	require.Equal(t, Bitrate(1800), out[1].TargetRate)
	require.Equal(t, 2, out[1].ID)

	require.Equal(t, StateWaitingForProbingResult, c.Stats().State)
}

// Scenario 2: follow-up probe.
func TestFollowUpProbe(t *testing.T) {
	c := newTestController(t, testConfig())
	c.OnNetworkAvailability(true, ms(0))
	_, err := c.SetBitrates(50, 300, 5000, ms(0))
	require.NoError(t, err)

	out := c.SetEstimatedBitrate(1500, false, ms(1000))
	require.Len(t, out, 1)
	require.Equal(t, Bitrate(3000), out[0].TargetRate)
	require.Equal(t, 3, out[0].ID)
	require.Equal(t, StateWaitingForProbingResult, c.Stats().State)
}

// Scenario 3: probing stops below threshold.
func TestProbingStopsBelowThreshold(t *testing.T) {
	c := newTestController(t, testConfig())
	c.OnNetworkAvailability(true, ms(0))
	c.SetBitrates(50, 300, 5000, ms(0))
	c.SetEstimatedBitrate(1500, false, ms(1000))

	out := c.SetEstimatedBitrate(500, false, ms(2000))
	require.Empty(t, out)
	require.Equal(t, StateProbingComplete, c.Stats().State)
}

// Scenario 4: max bitrate raised after probing completed.
func TestMaxBitrateRaised(t *testing.T) {
	c := newTestController(t, testConfig())
	c.OnNetworkAvailability(true, ms(0))
	c.SetBitrates(50, 300, 5000, ms(0))
	c.SetEstimatedBitrate(1500, false, ms(1000))
	c.SetEstimatedBitrate(500, false, ms(2000))

	out, err := c.SetBitrates(50, 300, 8000, ms(3000))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, Bitrate(1000), out[0].TargetRate)
	require.Equal(t, 4, out[0].ID)
}

// Scenario 5: periodic ALR probe.
func TestAlrPeriodicProbe(t *testing.T) {
	cfg := testConfig()
	c := newTestController(t, cfg)
	c.EnablePeriodicAlrProbing(true)
	c.OnNetworkAvailability(true, ms(0))
	c.SetBitrates(50, 300, 5000, ms(0))
	c.SetEstimatedBitrate(1500, false, ms(1000))
	c.SetEstimatedBitrate(500, false, ms(2000)) // -> PROBING_COMPLETE, estimate=500

	// raise estimate to 1000 without emitting (simulate estimator catching up)
	c.SetAlrStartTime(ms(5000))

	// there was no emission at t=2000 (the TestProbingStopsBelowThreshold step), so
	// time_last_probing_initiated is still 1000, from the t=1000 follow-up probe.
	c.estimatedBitrateForTest(1000)

	out := c.Process(ms(10000))
	require.Len(t, out, 1)
	require.Equal(t, Bitrate(2000), out[0].TargetRate)
}

// helper used by TestAlrPeriodicProbe and TestSkipOnHighEstimate to set the estimate without
// going through SetEstimatedBitrate's large-drop/follow-up side effects.
func (c *Controller) estimatedBitrateForTest(b Bitrate) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.estimatedBitrate = b
}

// Scenario 6: skip probing when estimate already near max.
func TestSkipOnHighEstimate(t *testing.T) {
	cfg := testConfig()
	cfg.SkipIfEstimateLargerThanFractionOfMax = 0.9
	c := newTestController(t, cfg)
	c.OnNetworkAvailability(true, ms(0))
	c.SetBitrates(50, 300, 5000, ms(0))
	c.SetEstimatedBitrate(100, false, ms(1000)) // below threshold -> PROBING_COMPLETE
	require.Equal(t, StateProbingComplete, c.Stats().State)

	c.estimatedBitrateForTest(4600)
	c.SetAlrStartTime(ms(1500))
	c.SetNetworkStateEstimate(NetworkStateEstimate{LinkCapacityUpper: 5000}, ms(1600))

	out := c.RequestProbe(ms(2000))
	require.Empty(t, out)
	require.Equal(t, StateProbingComplete, c.Stats().State)
}

func TestSetBitratesInvalidRange(t *testing.T) {
	c := newTestController(t, testConfig())
	_, err := c.SetBitrates(500, 300, 5000, ms(0))
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestNetworkUnavailableSuppressesAllProbes(t *testing.T) {
	c := newTestController(t, testConfig())
	out, err := c.SetBitrates(50, 300, 5000, ms(0))
	require.NoError(t, err)
	require.Empty(t, out) // network never made available

	out = c.SetEstimatedBitrate(10000, false, ms(1000))
	require.Empty(t, out)
	out = c.Process(ms(20000))
	require.Empty(t, out)
}

func TestClusterIDsStrictlyIncreasingAcrossReset(t *testing.T) {
	c := newTestController(t, testConfig())
	c.OnNetworkAvailability(true, ms(0))
	out, err := c.SetBitrates(50, 300, 5000, ms(0))
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, []int{out[0].ID, out[1].ID})

	c.Reset(ms(100))
	c.OnNetworkAvailability(true, ms(100))
	out2, err := c.SetBitrates(50, 300, 5000, ms(100))
	require.NoError(t, err)
	require.Equal(t, []int{3, 4}, []int{out2[0].ID, out2[1].ID})
	require.Equal(t, out[0].TargetRate, out2[0].TargetRate)
}

func TestNonMonotonicTimeIsClamped(t *testing.T) {
	c := newTestController(t, testConfig())
	c.OnNetworkAvailability(true, ms(1000))
	require.NotPanics(t, func() {
		c.OnNetworkAvailability(true, ms(500))
	})
	require.Equal(t, ms(1000), c.lastAtTime)
}

func TestRequestProbeRequiresAlrAndHeadroom(t *testing.T) {
	c := newTestController(t, testConfig())
	c.OnNetworkAvailability(true, ms(0))
	c.SetBitrates(50, 300, 5000, ms(0))
	c.SetEstimatedBitrate(1500, false, ms(1000))
	c.SetEstimatedBitrate(500, false, ms(2000)) // PROBING_COMPLETE

	// not in ALR: no probe.
	out := c.RequestProbe(ms(3000))
	require.Empty(t, out)

	c.SetAlrStartTime(ms(3000))
	out = c.RequestProbe(ms(3500))
	require.Len(t, out, 1)
}

func TestConfigOutOfRangeStillConstructs(t *testing.T) {
	cfg := ProbeControllerConfig{FurtherProbeThreshold: -1}
	c, err := NewController(Params{Config: cfg})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConfigOutOfRange)
	require.NotNil(t, c)
	require.Equal(t, DefaultProbeControllerConfig.FurtherProbeThreshold, c.config.FurtherProbeThreshold)
}

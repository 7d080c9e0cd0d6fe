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

// Package probecontroller decides when and how large to emit active
// bandwidth probes. It is a pure, timestamp-driven state machine: every
// event takes the caller's monotonic at_time and returns the (possibly
// empty) list of probe clusters to hand to the pacer right away. It owns
// no OS resources, does no I/O, and reads no real clock.
package probecontroller

import (
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"
)

// kProbeClusterTimeout is how long the controller waits for an
// estimator callback after emitting a probe before giving up on it
// (spec section 4.6).
const kProbeClusterTimeout = 5 * time.Second

// largeDropGuard is the minimum gap between two "large drop" detections
// in SetEstimatedBitrate (spec section 4.1.4).
const largeDropGuard = 1 * time.Second

// largeDropFraction and recoveryScale are the constants spec section 9
// says are ambiguous in the source but documented as 0.5 and 0.85
// respectively; see DESIGN.md for the decision record.
const (
	largeDropFraction = 0.5
	recoveryScale     = 0.85
)

// Params bundles a Controller's collaborators, all optional.
type Params struct {
	Config       ProbeControllerConfig
	Logger       logger.Logger
	EventLogSink EventLogSink
	Metrics      *Metrics
}

// Controller is the probe-controller state machine, spec section 3/4.
// The zero value is not usable; construct with NewController.
type Controller struct {
	params Params
	config ProbeControllerConfig

	lock sync.Mutex

	state State

	networkAvailable           bool
	bweLimitedDueToPacketLoss  bool
	minBitrateToProbeFurther   Bitrate
	timeLastProbingInitiated   Timestamp
	estimatedBitrate           Bitrate
	sendProbeOnNextProcessInterval bool
	networkEstimate            *NetworkStateEstimate

	minBitrateCfg              Bitrate
	startBitrate               Bitrate
	maxBitrate                 Bitrate
	maxTotalAllocatedBitrate   Bitrate

	alrStartTime *Timestamp
	alrEndTime   *Timestamp

	enablePeriodicAlrProbing bool

	timeOfLastLargeDrop       Timestamp
	bitrateBeforeLastLargeDrop Bitrate

	lastBweDropProbingTime Timestamp

	nextProbeClusterID atomic.Int64

	inRapidRecoveryExperiment bool

	lastAtTime Timestamp
}

// NewController constructs a Controller. A config field out of its
// documented range does not prevent construction: the field falls back
// to DefaultProbeControllerConfig's value and the aggregated complaints
// are returned alongside a usable Controller (spec section 7,
// ConfigOutOfRange).
func NewController(params Params) (*Controller, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.EventLogSink == nil {
		params.EventLogSink = newLoggerEventLogSink(params.Logger)
	}

	cfg := params.Config
	err := cfg.sanitize()

	c := &Controller{
		params:                    params,
		config:                    cfg,
		inRapidRecoveryExperiment: cfg.InRapidRecoveryExperiment,
	}
	c.resetLocked()
	// nextProbeClusterID survives Reset; seed it here once.
	c.nextProbeClusterID.Store(1)

	return c, err
}

// Stats returns a read-only snapshot of the controller's state.
func (c *Controller) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()

	return Stats{
		State:                    c.state,
		EstimatedBitrate:         c.estimatedBitrate,
		MinBitrateToProbeFurther: c.minBitrateToProbeFurther,
		NextProbeClusterID:       int(c.nextProbeClusterID.Load()),
		TimeLastProbingInitiated: c.timeLastProbingInitiated,
		NetworkAvailable:         c.networkAvailable,
	}
}

// SetEventLogSink installs a new event log sink. Pass NullEventLogSink{}
// to silence logging.
func (c *Controller) SetEventLogSink(sink EventLogSink) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if sink == nil {
		sink = NullEventLogSink{}
	}
	c.params.EventLogSink = sink
}

// Reset reinitializes all state fields to construction defaults except
// enable_periodic_alr_probing, config, the event log sink, and the
// cluster id counter (spec section 4.1.9: ids stay strictly increasing
// across resets).
func (c *Controller) Reset(atTime Timestamp) {
	c.lock.Lock()
	defer c.lock.Unlock()

	atTime = c.clampTimeLocked(atTime)
	c.resetLocked()
	c.lastAtTime = atTime
}

func (c *Controller) resetLocked() {
	enable := c.enablePeriodicAlrProbing

	c.state = StateInit
	c.networkAvailable = false
	c.bweLimitedDueToPacketLoss = false
	c.minBitrateToProbeFurther = PosInfBitrate
	c.timeLastProbingInitiated = NegInfTimestamp
	c.estimatedBitrate = 0
	c.sendProbeOnNextProcessInterval = false
	c.networkEstimate = nil
	c.minBitrateCfg = 0
	c.startBitrate = 0
	c.maxBitrate = 0
	c.maxTotalAllocatedBitrate = 0
	c.alrStartTime = nil
	c.alrEndTime = nil
	c.timeOfLastLargeDrop = NegInfTimestamp
	c.bitrateBeforeLastLargeDrop = PosInfBitrate
	c.lastBweDropProbingTime = NegInfTimestamp
	c.lastAtTime = NegInfTimestamp

	c.enablePeriodicAlrProbing = enable
}

// clampTimeLocked enforces invariant 7 (non-decreasing timestamps):
// spec section 7 says a backwards at_time is fatal under a debug
// assertion and, in release, clamped to the previous value. This is the
// release behavior; it never panics.
func (c *Controller) clampTimeLocked(atTime Timestamp) Timestamp {
	if c.lastAtTime != NegInfTimestamp && atTime < c.lastAtTime {
		c.params.Logger.Warnw(
			"probe controller: non-monotonic at_time, clamping", ErrNonMonotonicTime,
			"got", atTime.String(), "previous", c.lastAtTime.String(),
		)
		atTime = c.lastAtTime
	}
	c.lastAtTime = atTime
	return atTime
}

// ---------------------------------------------------------------------------
// 4.1.1 SetBitrates

func (c *Controller) SetBitrates(minBr, start, maxBr Bitrate, atTime Timestamp) ([]ProbeClusterConfig, error) {
	if minBr < 0 || start < 0 || maxBr < 0 || minBr > start || start > maxBr {
		return nil, wrapInvalidRange(minBr, start, maxBr)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	atTime = c.clampTimeLocked(atTime)

	oldMax := c.maxBitrate
	c.minBitrateCfg = minBr
	c.startBitrate = start
	c.maxBitrate = maxBr

	switch c.state {
	case StateInit:
		if c.networkAvailable {
			return c.beginInitialProbingLocked(atTime), nil
		}
	case StateWaitingForProbingResult:
		// just update stored values; nothing emitted.
	case StateProbingComplete:
		if maxBr > oldMax && c.estimatedBitrate < maxBr {
			rate := minBitrate(scaleBitrate(c.estimatedBitrate, c.config.FurtherExponentialProbeScale), maxBr)
			return c.initiateProbingLocked(atTime, TriggerMaxIncrease, []Bitrate{rate}, false, c.config.MinProbeDuration), nil
		}
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// 4.1.2 OnMaxTotalAllocatedBitrate

func (c *Controller) OnMaxTotalAllocatedBitrate(total Bitrate, atTime Timestamp) []ProbeClusterConfig {
	c.lock.Lock()
	defer c.lock.Unlock()

	atTime = c.clampTimeLocked(atTime)

	old := c.maxTotalAllocatedBitrate
	var out []ProbeClusterConfig
	if total > old && c.state == StateProbingComplete && c.estimatedBitrate < c.maxBitrate && c.config.FirstAllocationProbeScale != nil {
		rates := []Bitrate{minBitrate(scaleBitrate(total, *c.config.FirstAllocationProbeScale), c.config.AllocationProbeMax)}
		if c.config.SecondAllocationProbeScale != nil {
			rates = append(rates, minBitrate(scaleBitrate(total, *c.config.SecondAllocationProbeScale), c.config.AllocationProbeMax))
		}
		out = c.initiateProbingLocked(atTime, TriggerAllocation, rates, c.config.AllocationAllowFurtherProbing, c.config.MinProbeDuration)
	}
	c.maxTotalAllocatedBitrate = total
	return out
}

// ---------------------------------------------------------------------------
// 4.1.3 OnNetworkAvailability

func (c *Controller) OnNetworkAvailability(available bool, atTime Timestamp) []ProbeClusterConfig {
	c.lock.Lock()
	defer c.lock.Unlock()

	atTime = c.clampTimeLocked(atTime)

	wasAvailable := c.networkAvailable
	c.networkAvailable = available

	if !wasAvailable && available && c.state == StateInit && c.startBitrate > 0 {
		return c.beginInitialProbingLocked(atTime)
	}
	return nil
}

// ---------------------------------------------------------------------------
// 4.1.4 SetEstimatedBitrate

func (c *Controller) SetEstimatedBitrate(bitrate Bitrate, bweLimitedDueToPacketLoss bool, atTime Timestamp) []ProbeClusterConfig {
	c.lock.Lock()
	defer c.lock.Unlock()

	atTime = c.clampTimeLocked(atTime)
	c.bweLimitedDueToPacketLoss = bweLimitedDueToPacketLoss

	oldEstimate := c.estimatedBitrate
	var out []ProbeClusterConfig

	// The WAITING -> PROBING_COMPLETE edge (spec section 4.6) fires
	// whenever the follow-up threshold is not met, independent of
	// whether a large drop also gets detected below.
	followedUp := false
	if c.state == StateWaitingForProbingResult {
		if bitrate >= c.minBitrateToProbeFurther {
			rate := minBitrate(scaleBitrate(bitrate, c.config.FurtherExponentialProbeScale), c.maxBitrate)
			out = c.initiateProbingLocked(atTime, TriggerFollowUp, []Bitrate{rate}, true, c.config.MinProbeDuration)
			followedUp = true
		} else {
			c.state = StateProbingComplete
			c.minBitrateToProbeFurther = PosInfBitrate
			c.params.Metrics.recordState(c.state)
		}
	}

	if !followedUp &&
		float64(bitrate) < largeDropFraction*float64(oldEstimate) &&
		sinceNeg(atTime, c.timeOfLastLargeDrop) > largeDropGuard {
		c.timeOfLastLargeDrop = atTime
		c.bitrateBeforeLastLargeDrop = oldEstimate
		if c.inRapidRecoveryExperiment || c.alrActiveLocked() {
			rate := scaleBitrate(c.bitrateBeforeLastLargeDrop, recoveryScale)
			out = c.initiateProbingLocked(atTime, TriggerRapidRecovery, []Bitrate{rate}, false, c.config.MinProbeDuration)
		}
	}

	c.estimatedBitrate = bitrate
	return out
}

// ---------------------------------------------------------------------------
// 4.1.5 EnablePeriodicAlrProbing

func (c *Controller) EnablePeriodicAlrProbing(enable bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.enablePeriodicAlrProbing = enable
}

// ---------------------------------------------------------------------------
// 4.1.6 SetAlrStartTimeMs / SetAlrEndedTimeMs

func (c *Controller) SetAlrStartTime(atTime Timestamp) {
	c.lock.Lock()
	defer c.lock.Unlock()

	t := atTime
	c.alrStartTime = &t
}

func (c *Controller) SetAlrEndedTime(atTime Timestamp) {
	c.lock.Lock()
	defer c.lock.Unlock()

	t := atTime
	c.alrEndTime = &t
}

// alrActiveLocked: ALR-active iff a start time was recorded and either no
// end time was recorded since, or the recorded end precedes the start
// (spec section 4.1.6).
func (c *Controller) alrActiveLocked() bool {
	if c.alrStartTime == nil {
		return false
	}
	return c.alrEndTime == nil || *c.alrEndTime < *c.alrStartTime
}

// ---------------------------------------------------------------------------
// 4.1.7 RequestProbe

func (c *Controller) RequestProbe(atTime Timestamp) []ProbeClusterConfig {
	c.lock.Lock()
	defer c.lock.Unlock()

	atTime = c.clampTimeLocked(atTime)

	recentlyExitedAlr := c.alrEndTime != nil && time.Duration(atTime-*c.alrEndTime) < c.config.AlrProbingInterval
	if !c.networkAvailable ||
		!(c.alrActiveLocked() || recentlyExitedAlr) ||
		c.estimatedBitrate >= c.maxBitrate ||
		c.state == StateWaitingForProbingResult {
		return nil
	}

	rate := minBitrate(scaleBitrate(c.estimatedBitrate, recoveryScale), scaleBitrate(c.bitrateBeforeLastLargeDrop, recoveryScale))
	out := c.initiateProbingLocked(atTime, TriggerRequested, []Bitrate{rate}, false, c.config.MinProbeDuration)
	c.lastBweDropProbingTime = atTime
	return out
}

// ---------------------------------------------------------------------------
// 4.1.8 SetMaxBitrate / SetNetworkStateEstimate

func (c *Controller) SetMaxBitrate(maxBr Bitrate, atTime Timestamp) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.clampTimeLocked(atTime)
	c.maxBitrate = maxBr
}

func (c *Controller) SetNetworkStateEstimate(estimate NetworkStateEstimate, atTime Timestamp) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.clampTimeLocked(atTime)

	old := c.networkEstimate
	c.networkEstimate = &estimate

	if old != nil && old.LinkCapacityUpper > 0 {
		ratio := float64(estimate.LinkCapacityUpper) / float64(old.LinkCapacityUpper)
		if ratio >= c.config.NetworkStateEstimateFastRampupRate || ratio <= c.config.NetworkStateEstimateDropDownRate {
			c.sendProbeOnNextProcessInterval = true
		}
	}
}

// ---------------------------------------------------------------------------
// 4.1.10 Process

func (c *Controller) Process(atTime Timestamp) []ProbeClusterConfig {
	c.lock.Lock()
	defer c.lock.Unlock()

	atTime = c.clampTimeLocked(atTime)

	if c.state == StateWaitingForProbingResult && sinceNeg(atTime, c.timeLastProbingInitiated) > kProbeClusterTimeout {
		c.state = StateProbingComplete
		c.minBitrateToProbeFurther = PosInfBitrate
		c.params.Metrics.recordState(c.state)
	}

	if c.sendProbeOnNextProcessInterval {
		c.sendProbeOnNextProcessInterval = false
		return c.networkStateProbeLocked(atTime)
	}

	if c.timeForAlrProbeLocked(atTime) {
		return c.alrProbeLocked(atTime)
	}

	if c.timeForNetworkStateProbeLocked(atTime) {
		return c.networkStateProbeLocked(atTime)
	}

	return nil
}

// ---------------------------------------------------------------------------
// 4.2 Initial exponential probing

func (c *Controller) beginInitialProbingLocked(atTime Timestamp) []ProbeClusterConfig {
	rates := []Bitrate{scaleBitrate(c.startBitrate, c.config.FirstExponentialProbeScale)}
	if c.config.SecondExponentialProbeScale != nil {
		rates = append(rates, scaleBitrate(c.startBitrate, *c.config.SecondExponentialProbeScale))
	}
	return c.initiateProbingLocked(atTime, TriggerInitial, rates, true, c.config.MinProbeDuration)
}

// ---------------------------------------------------------------------------
// 4.3 / 4.4 periodic probing eligibility + emission

func (c *Controller) timeForAlrProbeLocked(atTime Timestamp) bool {
	return c.enablePeriodicAlrProbing &&
		c.alrActiveLocked() &&
		c.state == StateProbingComplete &&
		c.estimatedBitrate > 0 &&
		c.estimatedBitrate < c.maxBitrate &&
		sinceNeg(atTime, c.timeLastProbingInitiated) >= c.config.AlrProbingInterval
}

func (c *Controller) alrProbeLocked(atTime Timestamp) []ProbeClusterConfig {
	rate := minBitrate(scaleBitrate(c.estimatedBitrate, c.config.AlrProbeScale), c.maxBitrate)
	return c.initiateProbingLocked(atTime, TriggerAlr, []Bitrate{rate}, false, c.config.MinProbeDuration)
}

func (c *Controller) timeForNetworkStateProbeLocked(atTime Timestamp) bool {
	return c.networkEstimate != nil &&
		c.state == StateProbingComplete &&
		sinceNeg(atTime, c.timeLastProbingInitiated) >= c.config.NetworkStateEstimateProbingInterval
}

func (c *Controller) networkStateProbeLocked(atTime Timestamp) []ProbeClusterConfig {
	if c.networkEstimate == nil {
		return nil
	}
	rate := scaleBitrate(minBitrate(c.estimatedBitrate, c.networkEstimate.LinkCapacityUpper), c.config.NetworkStateProbeScale)
	rate = minBitrate(rate, c.maxBitrate)
	return c.initiateProbingLocked(atTime, TriggerNetworkState, []Bitrate{rate}, false, c.config.NetworkStateProbeDuration)
}

// ---------------------------------------------------------------------------
// 4.5 InitiateProbing: the single emission point.

func (c *Controller) initiateProbingLocked(atTime Timestamp, trigger Trigger, rates []Bitrate, probeFurther bool, duration time.Duration) []ProbeClusterConfig {
	if !c.networkAvailable {
		// invariant 4: no probes while the network is unavailable.
		return nil
	}

	adjusted := make([]Bitrate, len(rates))
	for i, r := range rates {
		if c.config.LimitProbeTargetRateToLossBwe && c.bweLimitedDueToPacketLoss {
			r = minBitrate(r, c.estimatedBitrate)
		}
		adjusted[i] = r
	}

	if c.shouldSkipLocked() {
		c.state = StateProbingComplete
		c.minBitrateToProbeFurther = PosInfBitrate
		c.params.Metrics.recordState(c.state)
		return nil
	}

	out := make([]ProbeClusterConfig, 0, len(adjusted))
	var lastRate Bitrate
	for _, r := range adjusted {
		r = minBitrate(r, c.maxBitrate)
		id := int(c.nextProbeClusterID.Add(1) - 1)
		cfg := ProbeClusterConfig{
			AtTime:           atTime,
			TargetRate:       r,
			TargetDuration:   duration,
			TargetProbeCount: c.config.MinProbePacketsSent,
			ID:               id,
		}
		out = append(out, cfg)
		lastRate = r
	}

	if len(out) == 0 {
		return out
	}

	c.timeLastProbingInitiated = atTime
	if probeFurther {
		c.state = StateWaitingForProbingResult
		c.minBitrateToProbeFurther = scaleBitrate(lastRate, c.config.FurtherProbeThreshold)
	} else {
		c.state = StateProbingComplete
		c.minBitrateToProbeFurther = PosInfBitrate
	}
	c.params.Metrics.recordState(c.state)
	c.params.Metrics.recordEmitted(trigger, len(out))

	sink := c.params.EventLogSink
	for _, cfg := range out {
		sink.OnProbeClusterEmitted(trigger, cfg)
	}

	return out
}

// shouldSkipLocked implements invariant 6: suppress all probes when the
// lesser of the current estimate and the network estimate's link
// capacity already exceeds the configured headroom fraction of max.
func (c *Controller) shouldSkipLocked() bool {
	if c.config.SkipIfEstimateLargerThanFractionOfMax <= 0 || c.maxBitrate <= 0 {
		return false
	}

	effective := c.estimatedBitrate
	if c.networkEstimate != nil {
		effective = minBitrate(effective, c.networkEstimate.LinkCapacityUpper)
	}

	limit := scaleBitrate(c.maxBitrate, c.config.SkipIfEstimateLargerThanFractionOfMax)
	return effective >= limit
}

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

package remotebwe

import (
	"fmt"

	"github.com/livekit/protocol/logger"
)

// channelTrend is what a channelObserver concludes about the REMB series
// it has been fed: whether the reported estimate looks like it is
// tracking a shrinking channel.
type channelTrend int

const (
	channelTrendNeutral channelTrend = iota
	channelTrendCongesting
)

func (t channelTrend) String() string {
	if t == channelTrendCongesting {
		return "congesting"
	}
	return "neutral"
}

// channelCongestionReason attributes a congesting trend to either a
// shrinking estimate or a rising retransmit ratio, mirroring how
// estimateAvailableChannelCapacity picks its commit value per reason.
type channelCongestionReason int

const (
	channelCongestionReasonNone channelCongestionReason = iota
	channelCongestionReasonEstimate
	channelCongestionReasonLoss
)

func (r channelCongestionReason) String() string {
	switch r {
	case channelCongestionReasonEstimate:
		return "estimate"
	case channelCongestionReasonLoss:
		return "loss"
	default:
		return "none"
	}
}

// ChannelObserverConfig tunes how aggressively a channelObserver declares
// a congesting trend. Probes get a more sensitive config than steady
// state traffic because a probe only runs for a few hundred milliseconds
// and there is no time to wait out noise.
type ChannelObserverConfig struct {
	MinEstimateSamples             int     `yaml:"min_estimate_samples,omitempty"`
	EstimateDownwardTrendThreshold float64 `yaml:"estimate_downward_trend_threshold,omitempty"`
	MinPacketsForNackRatio         uint32  `yaml:"min_packets_for_nack_ratio,omitempty"`
	NackRatioThreshold             float64 `yaml:"nack_ratio_threshold,omitempty"`
}

var (
	defaultChannelObserverConfigProbe = ChannelObserverConfig{
		MinEstimateSamples:             3,
		EstimateDownwardTrendThreshold: 0.98,
		MinPacketsForNackRatio:         20,
		NackRatioThreshold:             0.04,
	}

	defaultChannelObserverConfigNonProbe = ChannelObserverConfig{
		MinEstimateSamples:             8,
		EstimateDownwardTrendThreshold: 0.95,
		MinPacketsForNackRatio:         50,
		NackRatioThreshold:             0.08,
	}
)

type channelObserverParams struct {
	Name   string
	Config ChannelObserverConfig
}

// channelObserver tracks the recent REMB estimate series and retransmit
// ratio for one probing regime (probe vs non-probe) and reduces it to a
// single trend + reason, the signal RemoteBWE's congestion state machine
// reacts to.
type channelObserver struct {
	params channelObserverParams
	logger logger.Logger

	estimates       []int64
	highestEstimate int64

	sentPackets    uint32
	repeatedNacks  uint32
}

func newChannelObserver(params channelObserverParams, log logger.Logger) *channelObserver {
	return &channelObserver{
		params: params,
		logger: log,
	}
}

// SeedEstimate primes the observer with the capacity already committed
// before this observation window started, so a probe's very first
// sample has a meaningful baseline to trend against.
func (c *channelObserver) SeedEstimate(estimate int64) {
	c.estimates = append(c.estimates, estimate)
	if estimate > c.highestEstimate {
		c.highestEstimate = estimate
	}
}

func (c *channelObserver) AddEstimate(estimate int64) {
	c.estimates = append(c.estimates, estimate)
	if len(c.estimates) > c.params.Config.MinEstimateSamples*4 {
		c.estimates = c.estimates[len(c.estimates)-c.params.Config.MinEstimateSamples*4:]
	}
	if estimate > c.highestEstimate {
		c.highestEstimate = estimate
	}
}

func (c *channelObserver) AddNack(sentPackets, repeatedNacks uint32) {
	c.sentPackets += sentPackets
	c.repeatedNacks += repeatedNacks
}

func (c *channelObserver) HasEnoughEstimateSamples() bool {
	return len(c.estimates) >= c.params.Config.MinEstimateSamples
}

func (c *channelObserver) GetHighestEstimate() int64 {
	return c.highestEstimate
}

func (c *channelObserver) GetNackRatio() float64 {
	if c.sentPackets < c.params.Config.MinPacketsForNackRatio {
		return 0
	}
	return float64(c.repeatedNacks) / float64(c.sentPackets)
}

// GetTrend reduces the observation window to a single (trend, reason)
// pair. Loss is checked first: a climbing repeated-nack ratio is a
// harder signal of congestion than a declining REMB, which can dip for
// reasons unrelated to capacity (e.g. a sender-side rate cut).
func (c *channelObserver) GetTrend() (channelTrend, channelCongestionReason) {
	if nackRatio := c.GetNackRatio(); nackRatio >= c.params.Config.NackRatioThreshold {
		return channelTrendCongesting, channelCongestionReasonLoss
	}

	if !c.HasEnoughEstimateSamples() {
		return channelTrendNeutral, channelCongestionReasonNone
	}

	n := len(c.estimates)
	half := n / 2
	if half == 0 {
		return channelTrendNeutral, channelCongestionReasonNone
	}
	var firstSum, secondSum int64
	for _, e := range c.estimates[:half] {
		firstSum += e
	}
	for _, e := range c.estimates[half:] {
		secondSum += e
	}
	firstAvg := float64(firstSum) / float64(half)
	secondAvg := float64(secondSum) / float64(n-half)
	if firstAvg <= 0 {
		return channelTrendNeutral, channelCongestionReasonNone
	}

	if secondAvg/firstAvg <= c.params.Config.EstimateDownwardTrendThreshold {
		return channelTrendCongesting, channelCongestionReasonEstimate
	}
	return channelTrendNeutral, channelCongestionReasonNone
}

func (c *channelObserver) String() string {
	return fmt.Sprintf(
		"%s{samples=%d highest=%d sent=%d nacks=%d nackRatio=%.3f}",
		c.params.Name, len(c.estimates), c.highestEstimate, c.sentPackets, c.repeatedNacks, c.GetNackRatio(),
	)
}

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
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/mono"
)

// EventLogSink is the write-only collaborator spec section 6 names: one
// record per emitted cluster. A nil sink (NullEventLogSink) must always
// be tolerated.
type EventLogSink interface {
	OnProbeClusterEmitted(trigger Trigger, cfg ProbeClusterConfig)
}

// NullEventLogSink swallows every record, used when a caller opts out of
// logging entirely.
type NullEventLogSink struct{}

func (NullEventLogSink) OnProbeClusterEmitted(Trigger, ProbeClusterConfig) {}

// loggerEventLogSink is the default sink, wired into the same
// logger.Logger interface pkg/sfu/bwe/remotebwe is built on. It stamps
// each record with the real wall-clock time via mono.Now solely for a
// human-readable log line; that value never feeds back into the
// controller's own decisions, which only look at caller-supplied
// Timestamps (spec section 5/9).
type loggerEventLogSink struct {
	log logger.Logger
}

func newLoggerEventLogSink(log logger.Logger) EventLogSink {
	if log == nil {
		log = logger.GetLogger()
	}
	return &loggerEventLogSink{log: log}
}

func (s *loggerEventLogSink) OnProbeClusterEmitted(trigger Trigger, cfg ProbeClusterConfig) {
	s.log.Debugw(
		"probe controller: cluster emitted",
		"trigger", string(trigger),
		"id", cfg.ID,
		"rate", cfg.TargetRate,
		"atTime", cfg.AtTime.String(),
		"duration", cfg.TargetDuration,
		"packets", cfg.TargetProbeCount,
		"loggedAt", mono.Now(),
	)
}

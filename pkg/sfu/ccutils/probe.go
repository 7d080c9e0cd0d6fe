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

// Package ccutils holds small congestion-control value types shared across
// the probe controller and the estimators that consume its output, kept
// free of either side's internal policy.
package ccutils

import "time"

// ProbeClusterGoal is what the sender intended a probe cluster to achieve,
// handed to an estimator when the cluster starts so it can judge the
// result against the right baseline.
type ProbeClusterGoal struct {
	DesiredPackets     int
	DesiredBytes       int
	DesiredDurationMs  int64
	ExpectedUsageBps   float64
}

// ProbeClusterInfo is the richer, pacer-side record of a cluster: the
// controller's own ProbeClusterConfig plus what actually got sent. An
// estimator only ever sees this, never the controller's internal config
// type, keeping the two packages decoupled.
type ProbeClusterInfo struct {
	ID         int
	CreatedAt  time.Time
	Goal       ProbeClusterGoal
	BytesSent  int
	PacketsSent int
}

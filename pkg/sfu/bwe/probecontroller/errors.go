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

import "github.com/pkg/errors"

// Error kinds from spec section 7. Callers test for them with
// errors.Is(err, probecontroller.ErrInvalidRange) etc.
var (
	// ErrInvalidRange: SetBitrates called with min > start, start > max,
	// or a negative rate. The event is ignored; an empty cluster list is
	// still returned.
	ErrInvalidRange = errors.New("probecontroller: invalid bitrate range")

	// ErrNonMonotonicTime: an at_time argument moved backwards relative
	// to the previous call. Non-fatal here; the timestamp is clamped to
	// the previous value and the event proceeds.
	ErrNonMonotonicTime = errors.New("probecontroller: at_time moved backwards")

	// ErrConfigOutOfRange: a config field was out of its documented
	// range at construction. The controller still constructs, using the
	// documented default for that field.
	ErrConfigOutOfRange = errors.New("probecontroller: config value out of range")
)

func wrapInvalidRange(min, start, max Bitrate) error {
	return errors.Wrapf(ErrInvalidRange, "min=%d start=%d max=%d", min, start, max)
}

func wrapConfigOutOfRange(field string) error {
	return errors.Wrapf(ErrConfigOutOfRange, "field %q", field)
}

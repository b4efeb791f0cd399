// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tcpedit implements the inline TCP stream reassembly and rewriting
// engine: it reassembles a flow direction's segments into a byte stream,
// lets a consumer read/mark/rewind/insert/erase/replace that stream, and
// emits outbound segments rewritten to match.
package tcpedit

import (
	"github.com/pkg/errors"
)

func newError(format string, args ...any) error {
	format = "tcpedit/stream: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrMemory covers allocation failure from the segment handle. The
	// operation that hit it is a no-op: no partial state is left behind.
	ErrMemory = newError("memory error")

	// ErrInvalidStream is returned by Push when a non-SYN segment arrives
	// before the stream's initial sequence number has been established.
	ErrInvalidStream = newError("invalid stream")

	// ErrRetransmit is returned by Push when a segment overlaps bytes the
	// read cursor has already consumed. Retransmission and out-of-order
	// overwrite of already-read data are not supported.
	ErrRetransmit = newError("retransmit packet (unsupported)")

	// ErrNotMarked is returned by Unmark and Rewind when the stream has no
	// active mark.
	ErrNotMarked = newError("stream was not marked")
)

// errInvalidSeq reports a segment whose sequence number falls before the
// stream's initial sequence number. It carries the offending values, so it
// is not a comparable sentinel: callers distinguish it from wraparound by
// checking errors.Is(err, ErrInvalidStream) first.
func errInvalidSeq(newSeq, initial uint32) error {
	return newError("invalid sequence number: %d < %d", newSeq, initial)
}

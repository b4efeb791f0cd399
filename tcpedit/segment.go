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

package tcpedit

// SegmentHandle is the contract the capture module must satisfy for every
// TCP segment handed to the engine.
//
// A handle is opaque and externally owned: the engine never allocates one
// itself, only mutates the fields exposed here. Ownership of a handle
// passed to Push transfers to the Stream until the owning Chunk is popped
// (Pop) or the Stream is closed (Close), at which point it is returned to
// the caller or released via Release respectively.
type SegmentHandle interface {
	// Seq returns the segment's wire sequence number.
	Seq() uint32
	// SetSeq rewrites the wire sequence number, used by Pop to shift it
	// into modified space.
	SetSeq(seq uint32)

	// Ack returns the segment's wire acknowledgement number.
	Ack() uint32
	// SetAck rewrites the wire acknowledgement number, used by Ack to
	// translate it back into original space.
	SetAck(ack uint32)

	// SYN reports whether the SYN flag is set.
	SYN() bool

	// Payload returns the segment's current payload. The engine never
	// mutates the returned slice in place; it only ever replaces it via
	// ResizePayload.
	Payload() []byte

	// ResizePayload grows or shrinks the payload to exactly n bytes and
	// returns the new, mutable backing slice. The caller (Pop) fills it
	// completely before returning the segment.
	ResizePayload(n int) []byte

	// Release returns the handle to its owning capture module. Called
	// when a Stream is closed while a chunk is still pending (never
	// popped).
	Release()
}

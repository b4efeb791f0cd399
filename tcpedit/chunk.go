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

// chunk wraps one in-flight segment plus the edits anchored on it.
//
// start/end are a half-open range [start, end) in original space; end-start
// equals the wire payload length. offsetSeq is the signed cumulative length
// delta contributed by this chunk's edits (insert lengths minus erase
// lengths), kept incrementally rather than recomputed so Pop and Ack can
// read it in O(1).
type chunk struct {
	seg SegmentHandle // nil once popped; the chunk then only carries metadata for Ack

	startSeq uint64
	endSeq   uint64

	offsetSeq int64

	edits *edit // head of this chunk's sorted edit list, nil if none

	next *chunk
}

// length returns the wire (original-space) payload length.
func (c *chunk) length() uint64 {
	return c.endSeq - c.startSeq
}

// modifiedLength returns the length this chunk's payload will have once all
// of its edits are applied.
func (c *chunk) modifiedLength() uint64 {
	return uint64(int64(c.length()) + c.offsetSeq)
}

// releaseEdits drops the chunk's edit list. Called once a chunk is popped,
// since a sent chunk only needs start/end/offsetSeq for Ack translation.
func (c *chunk) releaseEdits() {
	c.edits = nil
}

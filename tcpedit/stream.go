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

// Stream reassembles one direction of a TCP connection from the segments
// handed to Push, and lets a consumer read, mark/rewind, insert, erase and
// replace bytes in that reassembled stream before Pop re-emits it as
// rewritten wire segments.
//
// A Stream is not safe for concurrent use: the capture/inspection pipeline
// that owns a direction must serialize its own calls (see package doc).
type Stream struct {
	seqInitialized bool
	startSeq       uint64 // first byte of payload, in wire sequence space

	first *chunk // oldest chunk not yet popped
	last  *chunk // tail of the pending list (highest startSeq)

	firstOffsetSeq int64 // cumulative offsetSeq of all chunks already popped

	sent          *chunk // oldest popped, not yet acked
	lastSent      *chunk
	sentOffsetSeq int64 // always 0 in this implementation; see Ack doc

	cur       cursor
	mark      cursor
	markValid bool

	pendingEdit *edit // an edit created before any chunk had arrived
}

// New returns an empty Stream, ready to accept segments via Push.
func New() *Stream {
	return &Stream{}
}

// Close releases every segment handle still owned by the stream (chunks
// pushed but never popped). It is a no-op to call Close more than once.
func (s *Stream) Close() {
	for ch := s.first; ch != nil; {
		next := ch.next
		if ch.seg != nil {
			ch.seg.Release()
		}
		ch = next
	}

	s.first = nil
	s.last = nil
	s.sent = nil
	s.lastSent = nil
	s.pendingEdit = nil
}

// Push hands the stream one more inbound segment of this direction.
//
// The first SYN seen fixes the stream's initial sequence number; later SYNs
// (retransmitted or spurious) are accepted and ignored. Any non-SYN segment
// before the initial sequence number is known returns ErrInvalidStream.
// A segment that overlaps bytes already consumed by the read cursor returns
// ErrRetransmit: this engine does not support retransmission or
// out-of-order overwrite of data already handed to the consumer.
func (s *Stream) Push(seg SegmentHandle) error {
	metricPushTotal.Inc()

	if seg.SYN() {
		if !s.seqInitialized {
			s.startSeq = uint64(seg.Seq()) + 1
			s.seqInitialized = true
		}
		return nil
	}

	if !s.seqInitialized {
		metricPushRejected.WithLabelValues("invalid_stream").Inc()
		return ErrInvalidStream
	}

	ch := &chunk{seg: seg}

	rawSeq := uint64(seg.Seq())
	if rawSeq < s.startSeq {
		metricPushRejected.WithLabelValues("invalid_seq").Inc()
		return errInvalidSeq(seg.Seq(), uint32(s.startSeq))
	}

	ch.startSeq = rawSeq - s.startSeq
	ch.endSeq = ch.startSeq + uint64(len(seg.Payload()))

	if ch.startSeq < s.cur.chunkSeq+s.cur.chunkOffset || ch.endSeq < s.cur.chunkSeq+s.cur.chunkOffset {
		metricPushRejected.WithLabelValues("retransmit").Inc()
		return ErrRetransmit
	}

	if s.last == nil {
		s.first = ch
		s.last = ch
		ch.next = nil
	} else {
		// Search for the insert point starting from the tail when ch sorts
		// after it, otherwise from the head; this assumes ch never sorts
		// ahead of the current head, which holds for ordinary capture
		// where the stream's very first bytes arrive before any later gap
		// gets filled in from behind it.
		start := s.first
		if s.last.startSeq < ch.startSeq {
			start = s.last
		}

		parent := start
		iter := start.next
		for iter != nil && iter.startSeq < ch.startSeq {
			parent = iter
			iter = iter.next
		}

		if iter != nil {
			if ch.endSeq <= iter.startSeq {
				ch.next = iter
			} else {
				metricPushRejected.WithLabelValues("retransmit").Inc()
				return ErrRetransmit
			}
		} else {
			ch.next = nil
			s.last = ch
		}

		parent.next = ch
	}

	if s.pendingEdit != nil && ch.startSeq == 0 {
		ch.edits = s.pendingEdit
		ch.offsetSeq += int64(s.pendingEdit.length)
		s.pendingEdit = nil
	}

	return nil
}

// Pop returns the next fully-rewritten segment ready to be sent onward, or
// (nil, nil) if nothing is ready yet (the read cursor, or the mark when one
// is active, has not moved past this chunk).
func (s *Stream) Pop() (SegmentHandle, error) {
	s.checkMarkBeforeCursor()

	ch := s.first

	pos := &s.cur
	s.advance(pos)

	if s.markValid {
		if ch != nil {
			s.tryAdvanceChunk(pos, ch)
		}
		pos = &s.mark
		s.advance(pos)
		if ch != nil {
			s.tryAdvanceChunk(pos, ch)
		}
	} else {
		s.skipAvailable(pos)
		if ch != nil {
			s.tryAdvanceChunk(pos, ch)
		}
	}

	if ch == nil || !pos.chunkIsBefore(ch) {
		return nil, nil
	}

	seg := ch.seg

	if ch.edits != nil {
		newSize := ch.modifiedLength()

		render := cursor{
			ch:            ch,
			chunkSeqModif: ch.startSeq + uint64(s.firstOffsetSeq),
		}
		render.chunkSeq = ch.startSeq
		render.curSeqModif = render.chunkSeqModif

		buf := make([]byte, newSize)
		n := s.read(&render, buf)
		if uint64(n) != newSize {
			return nil, newError("short chunk render: got %d want %d bytes", n, newSize)
		}

		dst := seg.ResizePayload(int(newSize))
		copy(dst, buf)
	}

	seg.SetSeq(seg.Seq() + uint32(s.firstOffsetSeq))

	s.firstOffsetSeq += ch.offsetSeq
	s.first = ch.next

	if s.last == ch {
		s.last = nil
	}

	ch.next = nil
	if s.lastSent != nil {
		s.lastSent.next = ch
		s.lastSent = ch
	} else {
		s.lastSent = ch
		s.sent = ch
	}
	ch.releaseEdits()
	ch.seg = nil

	metricPopTotal.Inc()
	return seg, nil
}

// Ack translates an outbound ack number (acking rewritten, modified-space
// data) back into the original wire sequence space expected by this
// direction's peer, and rewrites seg's ack field in place.
//
// sentOffsetSeq is always 0 in this implementation (Ack only ever walks
// chunks already popped by this same Stream, whose cumulative offset is
// folded into firstOffsetSeq at Pop time, not tracked separately) but is
// kept as a field, matching the source layout, for symmetry with
// firstOffsetSeq and in case a future split-pop/ack pipeline needs it.
func (s *Stream) Ack(seg SegmentHandle) {
	iter := s.sent
	if iter == nil {
		return
	}

	ack := uint32(uint64(seg.Ack()) - s.startSeq)
	seq := uint32(int64(s.sentOffsetSeq) + int64(s.sent.startSeq))
	newSeq := uint32(s.sent.startSeq)

	for iter != nil {
		if uint64(int64(iter.endSeq)+iter.offsetSeq) > uint64(ack) {
			break
		}

		seq += uint32(int64(iter.endSeq-iter.startSeq) + iter.offsetSeq)
		newSeq = uint32(iter.endSeq)
		if uint64(ack) <= uint64(seq) {
			break
		}

		iter = iter.next
	}

	seg.SetAck(uint32(uint64(newSeq) + s.startSeq))
	metricAckTotal.Inc()
}

// Read copies up to len(buf) bytes starting at the read cursor into buf,
// advancing the cursor by the number of bytes copied, and returns that
// count. A short count means a gap in the reassembled stream, not an error.
func (s *Stream) Read(buf []byte) int {
	return s.read(&s.cur, buf)
}

// Available reports how many bytes could be read from the current cursor
// position without blocking on a gap, without consuming them.
func (s *Stream) Available() int {
	pos := s.cur
	return int(s.skipAvailable(&pos))
}

// Insert splices data into the stream at the read cursor's current
// position and moves the cursor past the inserted bytes, so a subsequent
// Read continues with the bytes that followed the insertion point and does
// not return the inserted data (a Rewind to an earlier Mark does). Returns
// len(data).
func (s *Stream) Insert(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	pos := &s.cur
	s.advance(pos)

	if pos.ch == nil {
		if s.pendingEdit != nil {
			return s.updateInsertEdit(pos, s.pendingEdit, data, 0)
		}
		s.pendingEdit = s.createInsertEdit(pos, nil, nil, data)
		return len(data)
	}

	cur, prev, next := pos.positionModif()
	if cur != nil {
		return s.updateInsertEdit(pos, cur, data, pos.modifOffset)
	}
	s.createInsertEdit(pos, prev, next, data)
	return len(data)
}

// createInsertEdit allocates a fresh insert edit at pos and splices it
// between prev and next (either may be nil), mirroring
// tcp_stream_create_insert_modif.
func (s *Stream) createInsertEdit(pos *cursor, prev, next *edit, data []byte) *edit {
	ne := newInsertEdit(pos.chunkOffset, data)
	ne.splice(prev, next)

	if prev == nil && pos.ch != nil {
		pos.ch.edits = ne
	}
	if pos.ch != nil {
		pos.ch.offsetSeq += int64(len(data))
	}

	pos.modif = ne
	pos.modifOffset = ne.length
	pos.curSeqModif += ne.length

	return ne
}

// updateInsertEdit merges data into an existing insert edit at modifOffset,
// mirroring tcp_stream_update_insert_modif. Unlike the source, it also
// repairs the owning list's head pointer (chunk.edits, or the stream's
// pendingEdit) when the edit being replaced was that head; the source
// never does this, which would leave the head referencing a stale edit
// once more than one insert lands at the same anchor.
func (s *Stream) updateInsertEdit(pos *cursor, cur *edit, data []byte, modifOffset uint64) int {
	merged := make([]byte, 0, uint64(len(cur.data))+uint64(len(data)))
	merged = append(merged, cur.data[:modifOffset]...)
	merged = append(merged, data...)
	merged = append(merged, cur.data[modifOffset:]...)

	ne := &edit{
		kind:     editInsert,
		position: cur.position,
		length:   uint64(len(merged)),
		data:     merged,
		prev:     cur.prev,
		next:     cur.next,
	}
	if cur.next != nil {
		cur.next.prev = ne
	}
	if cur.prev != nil {
		cur.prev.next = ne
	}

	if cur.prev == nil {
		if pos.ch != nil && pos.ch.edits == cur {
			pos.ch.edits = ne
		} else if pos.ch == nil && s.pendingEdit == cur {
			s.pendingEdit = ne
		}
	}
	if pos.ch != nil {
		pos.ch.offsetSeq += int64(len(data))
	}

	pos.modif = ne
	pos.modifOffset = modifOffset + uint64(len(data))
	pos.curSeqModif += uint64(len(data))

	return len(data)
}

// Erase drops up to length bytes starting at the read cursor from the
// stream, splitting or merging edits as needed, and returns the number of
// bytes actually erased (less than length at a gap or stream end).
func (s *Stream) Erase(length int) int {
	if length <= 0 {
		return 0
	}
	return int(s.erase(uint64(length)))
}

func (s *Stream) erase(length uint64) uint64 {
	pos := &s.cur
	if !s.advance(pos) {
		return 0
	}

	cur, prev, next := pos.positionModif()
	var eraseLen uint64

	if cur != nil {
		// positionModif only returns a non-exhausted edit as "current";
		// an erase edit is always created already exhausted (modifOffset
		// starts at 1, see below), so cur here is always an insert.
		maxErase := cur.length - pos.modifOffset
		eraseLen = length
		if maxErase < eraseLen {
			eraseLen = maxErase
		}

		if cur.length == eraseLen {
			cur.remove()
			if cur.prev == nil {
				if pos.ch != nil {
					pos.ch.edits = cur.next
				} else if s.pendingEdit == cur {
					s.pendingEdit = cur.next
				}
			}
			if pos.modif == cur {
				pos.modif = prev
				pos.modifOffset = 0
			}
		} else {
			merged := make([]byte, 0, cur.length-eraseLen)
			merged = append(merged, cur.data[:pos.modifOffset]...)
			merged = append(merged, cur.data[pos.modifOffset+eraseLen:]...)

			ne := &edit{
				kind:     editInsert,
				position: cur.position,
				length:   uint64(len(merged)),
				data:     merged,
				prev:     cur.prev,
				next:     cur.next,
			}
			if cur.next != nil {
				cur.next.prev = ne
			}
			if cur.prev != nil {
				cur.prev.next = ne
			}
			if cur.prev == nil {
				if pos.ch != nil {
					pos.ch.edits = ne
				} else if s.pendingEdit == cur {
					s.pendingEdit = ne
				}
			}
			if pos.modif == cur {
				pos.modif = ne
			}
		}

		if pos.ch != nil {
			pos.ch.offsetSeq -= int64(eraseLen)
		}
	} else {
		var maxErase uint64
		if next != nil {
			maxErase = next.position - pos.chunkOffset
		} else {
			maxErase = pos.ch.length() - pos.chunkOffset
		}

		eraseLen = length
		if maxErase < eraseLen {
			eraseLen = maxErase
		}

		ne := newEraseEdit(pos.chunkOffset, eraseLen)
		ne.splice(prev, next)
		if prev == nil {
			pos.ch.edits = ne
		}
		pos.ch.offsetSeq -= int64(eraseLen)

		pos.modif = ne
		pos.modifOffset = 1
		pos.chunkOffset += eraseLen
	}

	metricEraseBytes.Add(float64(eraseLen))

	if eraseLen > 0 && eraseLen < length {
		return eraseLen + s.erase(length-eraseLen)
	}
	return eraseLen
}

// Replace inserts data at the cursor and then erases the len(data) bytes
// that followed it, leaving the cursor positioned after the replacement
// (the erase count is always len(data), regardless of how many bytes
// insert actually reported). Returns the inserted length.
func (s *Stream) Replace(data []byte) int {
	n := s.Insert(data)
	s.Erase(len(data))
	return n
}

// Mark records the current read cursor so a later Rewind can return to it.
// A second Mark silently replaces any previous one.
func (s *Stream) Mark() {
	s.mark = s.cur
	s.markValid = true
}

// Unmark drops the active mark. Returns ErrNotMarked if there is none.
func (s *Stream) Unmark() error {
	if !s.markValid {
		return ErrNotMarked
	}
	s.markValid = false
	return nil
}

// Rewind resets the read cursor to the last Mark and drops the mark.
// Returns ErrNotMarked if there is none.
func (s *Stream) Rewind() error {
	if !s.markValid {
		return ErrNotMarked
	}
	s.cur = s.mark
	s.markValid = false
	return nil
}

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

// cursor is a logical position inside a Stream's reassembled byte sequence.
//
// It never outlives the Stream it was bound against and is always accessed
// from the stream's single owning goroutine (see package doc / spec §5), so
// unlike the edit list it needs no pointer-safety story beyond Go's own GC.
//
// The C original used a (size_t)-1 sentinel on current_seq_modif to mark an
// unset/invalid position; here validity of the *mark* cursor is tracked by
// Stream.markValid instead (see Stream.Mark/Unmark/Rewind), so cursor itself
// never needs an "invalid" state of its own.
type cursor struct {
	chunkSeq      uint64 // original-space start of ch, cached for rebind matching
	chunkSeqModif uint64 // modified-space start of ch
	curSeqModif   uint64 // observable position, in modified space

	ch          *chunk // nil: before-first, or inside the stream's pending edit
	chunkOffset uint64 // offset into ch's original payload

	modif       *edit  // the edit the cursor is at/inside, or last visited
	modifOffset uint64 // offset inside modif; meaning depends on modif.kind
}

// insidePending reports whether pos is parked on the stream-level edit that
// precedes the first chunk (no chunk has arrived yet).
func (pos *cursor) insidePending(s *Stream) bool {
	return pos.ch == nil && pos.modif != nil && pos.modif == s.pendingEdit
}

// positionModif mirrors tcp_stream_position_modif: it reports the edit the
// cursor currently sits inside of (nil if none), plus the edits that would
// become its immediate neighbours if a new edit were spliced in right here.
func (pos *cursor) positionModif() (cur, prev, next *edit) {
	if pos.modif != nil && pos.modif.position == pos.chunkOffset {
		exhausted := (pos.modif.kind == editInsert && pos.modifOffset >= pos.modif.length) ||
			(pos.modif.kind == editErase && pos.modifOffset != 0)
		if exhausted {
			return nil, pos.modif, pos.modif.next
		}
		return pos.modif, pos.modif.prev, pos.modif.next
	}

	if pos.modif != nil {
		return nil, pos.modif, pos.modif.next
	}
	if pos.ch != nil {
		return nil, nil, pos.ch.edits
	}
	return nil, nil, nil
}

// updateModif mirrors tcp_stream_position_update_modif: it walks pos.modif
// forward by one edit if the cursor has reached that edit's anchor.
func (pos *cursor) updateModif() {
	var nextModif *edit

	if pos.modif != nil {
		if pos.chunkOffset == pos.modif.position {
			if (pos.modif.kind == editInsert && pos.modifOffset >= pos.modif.length) ||
				(pos.modif.kind == editErase && pos.modifOffset != 0) {
				nextModif = pos.modif.next
			}
		} else {
			nextModif = pos.modif.next
		}
	} else if pos.ch != nil {
		nextModif = pos.ch.edits
	}

	if nextModif != nil && nextModif.position == pos.chunkOffset {
		pos.modif = nextModif
		pos.modifOffset = 0
	}
}

// chunkAtEnd mirrors tcp_stream_position_chunk_at_end.
func (pos *cursor) chunkAtEnd() bool {
	if pos.ch.startSeq+pos.chunkOffset != pos.ch.endSeq {
		return false
	}

	m := pos.modif
	if m == nil {
		m = pos.ch.edits
	}
	if m == nil {
		return true
	}
	if m.next != nil {
		return false
	}
	return m.position != pos.chunkOffset || pos.modifOffset >= m.length
}

// nextChunk mirrors tcp_stream_position_next_chunk, stepping pos onto the
// following chunk when it is contiguous with the one pos is leaving.
//
// Unlike the C original, chunkSeqModif is kept correct across the hop
// (chunkSeqModif += the chunk's full modified length) rather than left
// stale at whatever it was on the cursor's last rebind: this is what keeps
// the §3 cursor invariant (current_seq_modif = chunk_seq_modif + chunk_offset
// + edit deltas before the cursor) true after more than one chunk hop, which
// the original's frozen cache does not guarantee.
func (pos *cursor) nextChunk() bool {
	cur := pos.ch
	if cur.next == nil || cur.next.startSeq != cur.endSeq {
		return false
	}

	pos.chunkSeqModif += cur.modifiedLength()
	pos.chunkSeq += pos.chunkOffset
	pos.ch = cur.next
	pos.chunkOffset = 0
	pos.modif = nil
	return true
}

// advance mirrors tcp_stream_position_advance: it moves pos forward to the
// next emitable byte, skipping erased ranges and chunk boundaries, and
// reports whether bytes are now available at pos.
func (s *Stream) advance(pos *cursor) bool {
	if pos.ch == nil {
		if s.first == nil || s.first.startSeq != pos.chunkSeq {
			if pos.modif == nil {
				if s.pendingEdit == nil {
					return false
				}
				pos.modif = s.pendingEdit
				pos.modifOffset = 0
			}
		} else {
			pos.ch = s.first
			pos.chunkOffset = 0
			pos.chunkSeqModif = pos.ch.startSeq + uint64(s.firstOffsetSeq)
			if pos.modif == nil {
				pos.modifOffset = 0
			}
		}
	}

	for {
		pos.updateModif()

		if pos.ch != nil {
			if pos.chunkAtEnd() {
				if pos.ch.next == nil || !pos.nextChunk() {
					return false
				}
			}
		} else if pos.modif != nil {
			// Pending-edit case: the cursor sits before any chunk has
			// arrived, entirely inside the stream-level pending insert.
			if pos.modifOffset >= pos.modif.length {
				return false
			}
		} else {
			return false
		}

		curModif, _, _ := pos.positionModif()
		if curModif != nil {
			if curModif.kind == editErase {
				pos.chunkOffset += curModif.length
				pos.modif = curModif
				pos.modifOffset = 1
				continue
			}
			break
		}
		break
	}

	return true
}

// readStep mirrors tcp_stream_position_read_step: it advances pos and
// copies at most len(buf) bytes of the single contiguous run (one insert,
// or plain payload up to the next edit/chunk end) starting there. It
// returns ok=false at a gap or stream end.
func (s *Stream) readStep(pos *cursor, buf []byte) (n int, ok bool) {
	if !s.advance(pos) {
		return 0, false
	}

	curModif, _, nextModif := pos.positionModif()
	if curModif != nil {
		max := curModif.length - pos.modifOffset
		if uint64(len(buf)) < max {
			max = uint64(len(buf))
		}
		if buf != nil {
			copy(buf, curModif.data[pos.modifOffset:pos.modifOffset+max])
		}
		pos.modifOffset += max
		pos.curSeqModif += max
		return int(max), true
	}

	if pos.ch != nil {
		var max uint64
		if nextModif != nil {
			max = nextModif.position - pos.chunkOffset
		} else {
			max = pos.ch.length() - pos.chunkOffset
		}
		if uint64(len(buf)) < max {
			max = uint64(len(buf))
		}
		if buf != nil {
			payload := pos.ch.seg.Payload()
			copy(buf, payload[pos.chunkOffset:pos.chunkOffset+max])
		}
		pos.chunkOffset += max
		pos.curSeqModif += max
		return int(max), true
	}

	return 0, false
}

// read mirrors tcp_stream_position_read: repeated readStep until buf is
// full or a gap/end is hit, returning the bytes actually produced.
func (s *Stream) read(pos *cursor, buf []byte) int {
	total := 0
	for total < len(buf) {
		n, ok := s.readStep(pos, buf[total:])
		if !ok {
			break
		}
		total += n
	}
	return total
}

// skipAvailable mirrors tcp_stream_position_skip_available: it counts the
// bytes that could be read from pos without blocking, without copying them,
// and leaves pos parked at the first gap or at stream end.
func (s *Stream) skipAvailable(pos *cursor) uint64 {
	var total uint64

	for {
		if !s.advance(pos) {
			break
		}

		var length uint64
		if pos.ch != nil {
			chunkLen := pos.ch.modifiedLength()
			length = chunkLen - (pos.curSeqModif - pos.chunkSeqModif)
			pos.chunkOffset = pos.ch.length()

			if pos.modif == nil {
				pos.modif = pos.ch.edits
			}
			if pos.modif != nil {
				for pos.modif.next != nil {
					pos.modif = pos.modif.next
					if pos.modif.kind == editInsert {
						pos.modifOffset = pos.modif.length
					} else {
						pos.modifOffset = 1
					}
				}
			}
		} else if pos.modif != nil {
			length = pos.modif.length - pos.modifOffset
			pos.modifOffset = pos.modif.length
		} else {
			break
		}

		pos.curSeqModif += length
		total += length
	}

	return total
}

// tryAdvanceChunk steps pos onto the chunk following ch if pos is still
// parked exactly at ch's trailing edge, mirroring
// tcp_stream_position_try_advance_chunk.
func (s *Stream) tryAdvanceChunk(pos *cursor, ch *chunk) {
	if pos.ch != nil && pos.ch == ch {
		if pos.chunkAtEnd() {
			pos.nextChunk()
		}
	}
}

// chunkIsBefore mirrors tcp_stream_position_chunk_is_before: pos has moved
// strictly past ch (onto a later chunk, or beyond ch's end with no chunk
// bound at all).
func (pos *cursor) chunkIsBefore(ch *chunk) bool {
	return pos.ch != ch && pos.chunkSeq+pos.chunkOffset >= ch.endSeq
}

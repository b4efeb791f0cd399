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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSegment is a minimal in-memory SegmentHandle for exercising Stream
// without a real capture layer.
type fakeSegment struct {
	seq, ack uint32
	syn      bool
	payload  []byte
	released bool
}

func seg(seq uint32, payload string) *fakeSegment {
	return &fakeSegment{seq: seq, payload: []byte(payload)}
}

func synSeg(seq uint32) *fakeSegment {
	return &fakeSegment{seq: seq, syn: true}
}

func (f *fakeSegment) Seq() uint32         { return f.seq }
func (f *fakeSegment) SetSeq(seq uint32)   { f.seq = seq }
func (f *fakeSegment) Ack() uint32         { return f.ack }
func (f *fakeSegment) SetAck(ack uint32)   { f.ack = ack }
func (f *fakeSegment) SYN() bool           { return f.syn }
func (f *fakeSegment) Payload() []byte     { return f.payload }
func (f *fakeSegment) Release()            { f.released = true }

func (f *fakeSegment) ResizePayload(n int) []byte {
	f.payload = make([]byte, n)
	return f.payload
}

func TestPushRequiresSYNBeforeData(t *testing.T) {
	s := New()
	err := s.Push(seg(100, "hello"))
	assert.ErrorIs(t, err, ErrInvalidStream)
}

func TestPushIgnoresSecondSYN(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(synSeg(500))) // spurious retransmitted SYN, ignored

	require.NoError(t, s.Push(seg(100, "hi")))
	require.NoError(t, s.Push(seg(102, "!"))) // successor: lets "hi" become poppable
	out, err := s.Pop()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, uint32(100), out.Seq())
}

func TestPushRejectsSeqBeforeStream(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))

	err := s.Push(seg(50, "nope"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidStream)
}

func TestPassThroughPushPop(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello")))
	require.NoError(t, s.Push(seg(105, "!"))) // successor: lets "hello" become poppable

	buf := make([]byte, 5)
	n := s.Read(buf)
	require.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	out, err := s.Pop()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, uint32(100), out.Seq())
	assert.Equal(t, "hello", string(out.Payload()))
}

func TestReadStopsAtGap(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "ab")))
	require.NoError(t, s.Push(seg(105, "zz"))) // gap: bytes 102-104 missing

	buf := make([]byte, 10)
	n := s.Read(buf)
	assert.Equal(t, 2, n)
	assert.Equal(t, "ab", string(buf[:n]))

	assert.Equal(t, 0, s.Available())
}

func TestAvailableCountsContiguousChunks(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "ab")))
	require.NoError(t, s.Push(seg(102, "cd")))

	assert.Equal(t, 4, s.Available())
}

func TestInsertAtCursorIsSkippedByRead(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello")))
	require.NoError(t, s.Push(seg(105, "!"))) // successor: lets "hello" become poppable

	n := s.Insert([]byte("XXX"))
	assert.Equal(t, 3, n)

	buf := make([]byte, 5)
	assert.Equal(t, 5, s.Read(buf))
	assert.Equal(t, "hello", string(buf))

	out, err := s.Pop()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, uint32(100), out.Seq())
	assert.Equal(t, "XXXhello", string(out.Payload()))
}

func TestInsertBeforeAnyChunkArrives(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))

	n := s.Insert([]byte("XXX"))
	assert.Equal(t, 3, n)

	require.NoError(t, s.Push(seg(100, "hello")))
	require.NoError(t, s.Push(seg(105, "!"))) // successor: lets "hello" become poppable

	out, err := s.Pop()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "XXXhello", string(out.Payload()))
}

func TestTwoInsertsAtSamePositionMerge(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello")))

	s.Mark()
	require.Equal(t, 1, s.Insert([]byte("A")))
	require.Equal(t, 1, s.Insert([]byte("B")))
	require.NoError(t, s.Rewind())

	buf := make([]byte, 7)
	assert.Equal(t, 7, s.Read(buf))
	assert.Equal(t, "ABhello", string(buf))
}

func TestEraseRemovesBytesAndShiftsFollowingChunk(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello")))
	require.NoError(t, s.Push(seg(105, "world")))
	// A chunk only pops once the cursor has provably moved past it onto a
	// later one, so a third chunk is needed to free "world" itself.
	require.NoError(t, s.Push(seg(110, "!")))

	n := s.Erase(2)
	assert.Equal(t, 2, n)

	out, err := s.Pop()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "llo", string(out.Payload()))

	out2, err := s.Pop()
	require.NoError(t, err)
	require.NotNil(t, out2)
	assert.Equal(t, uint32(103), out2.Seq()) // shifted back by the 2 erased bytes
	assert.Equal(t, "world", string(out2.Payload()))
}

func TestEraseAcrossChunkBoundaryRecurses(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "ab")))
	require.NoError(t, s.Push(seg(102, "cd")))

	n := s.Erase(3)
	assert.Equal(t, 3, n)

	buf := make([]byte, 1)
	assert.Equal(t, 1, s.Read(buf))
	assert.Equal(t, "d", string(buf))
}

func TestReplaceSwapsBytes(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello")))

	s.Mark()
	n := s.Replace([]byte("HI"))
	assert.Equal(t, 2, n)
	require.NoError(t, s.Rewind())

	buf := make([]byte, 5)
	got := s.Read(buf)
	assert.Equal(t, "HIllo", string(buf[:got]))
}

func TestMarkRewindReplaysBytes(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello world")))

	first := make([]byte, 5)
	s.Read(first)
	assert.Equal(t, "hello", string(first))

	s.Mark()

	second := make([]byte, 6)
	s.Read(second)
	assert.Equal(t, " world", string(second))

	require.NoError(t, s.Rewind())

	replay := make([]byte, 6)
	s.Read(replay)
	assert.Equal(t, " world", string(replay))
}

func TestUnmarkWithoutMarkErrors(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Unmark(), ErrNotMarked)
	assert.ErrorIs(t, s.Rewind(), ErrNotMarked)
}

func TestMarkHoldsBackPop(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello")))
	// A chunk only pops once the cursor has hopped onto a later one, so a
	// successor is needed for "hello" to become poppable at all.
	require.NoError(t, s.Push(seg(105, "!")))

	buf := make([]byte, 2)
	s.Read(buf) // cursor now at offset 2
	s.Mark()    // mark pins pop from advancing past this chunk

	out, err := s.Pop()
	require.NoError(t, err)
	assert.Nil(t, out, "mark sits inside the chunk, so it cannot be popped yet")

	require.NoError(t, s.Unmark())

	rest := make([]byte, 3)
	s.Read(rest)

	out, err = s.Pop()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "hello", string(out.Payload()))
}

func TestAckTranslatesBackToWireSpace(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello")))
	require.NoError(t, s.Push(seg(105, "!"))) // successor: lets "hello" become poppable

	require.Equal(t, 3, s.Insert([]byte("XXX"))) // chunk grows by 3 bytes

	out, err := s.Pop()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "XXXhello", string(out.Payload()))

	ackSeg := &fakeSegment{ack: 108} // peer acking up through the rewritten 8 bytes
	s.Ack(ackSeg)
	assert.Equal(t, uint32(105), ackSeg.Ack()) // translated back to the original 5-byte chunk
}

func TestRetransmitOverlappingReadCursorRejected(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello")))

	buf := make([]byte, 5)
	s.Read(buf)

	err := s.Push(seg(100, "hello")) // same bytes again, already consumed
	assert.ErrorIs(t, err, ErrRetransmit)
}

func TestCloseReleasesUnpoppedSegments(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(synSeg(99)))

	fs := seg(100, "hello")
	require.NoError(t, s.Push(fs))

	s.Close()
	assert.True(t, fs.released)
}

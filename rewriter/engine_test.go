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

package rewriter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/packetd/tcpedit"
)

type fakeSegment struct {
	seq, ack uint32
	syn      bool
	payload  []byte
}

func seg(seq uint32, payload string) *fakeSegment {
	return &fakeSegment{seq: seq, payload: []byte(payload)}
}

func synSeg(seq uint32) *fakeSegment {
	return &fakeSegment{seq: seq, syn: true}
}

func (f *fakeSegment) Seq() uint32       { return f.seq }
func (f *fakeSegment) SetSeq(seq uint32) { f.seq = seq }
func (f *fakeSegment) Ack() uint32       { return f.ack }
func (f *fakeSegment) SetAck(ack uint32) { f.ack = ack }
func (f *fakeSegment) SYN() bool         { return f.syn }
func (f *fakeSegment) Payload() []byte   { return f.payload }
func (f *fakeSegment) Release()          {}

func (f *fakeSegment) ResizePayload(n int) []byte {
	f.payload = make([]byte, n)
	return f.payload
}

func TestEngineInspectAppliesFirstMatchingRule(t *testing.T) {
	s := tcpedit.New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "GET /secret HTTP/1.1")))
	require.NoError(t, s.Push(seg(120, "!"))) // successor chunk, see tcpedit test comments

	redacted := ContainsRule("redact-secret", []byte("/secret"), func(stream *tcpedit.Stream) error {
		stream.Erase(len("/secret"))
		stream.Insert([]byte("/REDACTED"))
		return nil
	})
	engine := NewEngine(redacted)

	name, err := engine.Inspect(s)
	require.NoError(t, err)
	assert.Equal(t, "redact-secret", name)

	// Inspect consumed "GET " reaching the match, then erased "/secret"
	// and inserted "/REDACTED" right where it was found; the read cursor
	// now sits past the insert, so the rewrite is checked on the popped
	// segment.
	out, err := s.Pop()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "GET /REDACTED HTTP/1.1", string(out.Payload()))
}

func TestEngineInspectNoMatchLeavesStreamUntouched(t *testing.T) {
	s := tcpedit.New()
	require.NoError(t, s.Push(synSeg(99)))
	require.NoError(t, s.Push(seg(100, "hello")))
	require.NoError(t, s.Push(seg(105, "!")))

	rule := ContainsRule("never", []byte("nope"), func(stream *tcpedit.Stream) error {
		t.Fatal("apply must not run when Match is false")
		return nil
	})
	engine := NewEngine(rule)

	name, err := engine.Inspect(s)
	require.NoError(t, err)
	assert.Equal(t, "", name)

	buf := make([]byte, 5)
	n := s.Read(buf)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestEngineInspectEmptyStreamNoOp(t *testing.T) {
	s := tcpedit.New()
	require.NoError(t, s.Push(synSeg(99)))

	engine := NewEngine(ContainsRule("x", []byte("x"), func(*tcpedit.Stream) error { return nil }))
	name, err := engine.Inspect(s)
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

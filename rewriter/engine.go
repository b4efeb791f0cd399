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
	"github.com/pkg/errors"

	"github.com/packetd/packetd/logger"
	"github.com/packetd/packetd/tcpedit"
)

// defaultPeekSize bounds how many contiguous bytes Inspect reads ahead of
// the cursor to test rules against. A rule needing to see further than this
// into the stream simply won't match until more bytes arrive.
const defaultPeekSize = 4096

// Engine holds an ordered rule list and runs it against a stream's pending
// bytes. Rules are evaluated in order and at most one fires per Inspect
// call, mirroring how a single Lua handler would own one match in Haka.
type Engine struct {
	rules []Rule
}

// NewEngine builds an Engine from rules, preserving their order.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Inspect peeks the bytes currently available to read on stream and
// evaluates every rule in order. For the first match, it advances the read
// cursor up to the match's offset (consuming those bytes permanently, the
// same as a protocol decoder reading past them) and then runs Apply, so
// Insert/Erase/Replace land exactly where the match starts. If no rule
// matches, the stream is left exactly as Inspect found it.
//
// Returns the name of the rule that fired, or "" if none matched.
func (e *Engine) Inspect(stream *tcpedit.Stream) (string, error) {
	n := stream.Available()
	if n == 0 {
		return "", nil
	}
	if n > defaultPeekSize {
		n = defaultPeekSize
	}

	buf := make([]byte, n)
	stream.Mark()
	got := stream.Read(buf)
	buf = buf[:got]

	offset := -1
	var matched Rule
	for _, rule := range e.rules {
		if o := rule.Match(buf); o >= 0 {
			offset = o
			matched = rule
			break
		}
	}

	if offset < 0 {
		if err := stream.Rewind(); err != nil {
			return "", errors.Wrap(err, "rewriter: rewind after peek")
		}
		return "", nil
	}

	if err := stream.Rewind(); err != nil {
		return "", errors.Wrap(err, "rewriter: rewind after peek")
	}
	if offset > 0 {
		skip := make([]byte, offset)
		stream.Read(skip)
	}

	if err := matched.Apply(stream); err != nil {
		return matched.Name, errors.Wrapf(err, "rewriter: apply rule %q", matched.Name)
	}
	logger.Debugf("rewriter: rule %q applied", matched.Name)
	return matched.Name, nil
}

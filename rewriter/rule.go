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

// Package rewriter evaluates a short, ordered list of byte-pattern rules
// against the data sitting in a tcpedit.Stream's read window and applies the
// first rule that matches. It stands in for a scripted inspection layer
// without embedding a scripting runtime: Match/Apply are plain Go funcs,
// wired up at startup from configuration.
package rewriter

import "github.com/packetd/packetd/tcpedit"

// Rule pairs a match predicate with the edit it applies once matched.
//
// Match receives the bytes currently available to read on the stream (it
// must not retain the slice past the call) and returns the byte offset of
// the match within those bytes, or -1 if it does not match. Engine advances
// the stream's read cursor to that offset before invoking Apply, so Apply's
// Insert/Erase/Replace calls land exactly where the match starts rather
// than wherever the cursor happened to be when Inspect was called.
type Rule struct {
	Name  string
	Match func(available []byte) int
	Apply func(stream *tcpedit.Stream) error
}

// ContainsRule builds a Rule that matches at the first occurrence of
// `needle` in the available bytes and applies `apply` there.
func ContainsRule(name string, needle []byte, apply func(stream *tcpedit.Stream) error) Rule {
	return Rule{
		Name: name,
		Match: func(available []byte) int {
			return indexOf(available, needle)
		},
		Apply: apply,
	}
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

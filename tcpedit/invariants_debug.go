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

//go:build tcpedit_debug

package tcpedit

// checkMarkBeforeCursor asserts that an active mark never sits past the
// read cursor. The source carried this as a compiled-out assert ahead of
// every Pop; here it is an opt-in debug build (-tags tcpedit_debug) rather
// than a runtime cost paid by every caller.
func (s *Stream) checkMarkBeforeCursor() {
	if s.markValid && s.mark.curSeqModif > s.cur.curSeqModif {
		panic("tcpedit: mark is ahead of read cursor")
	}
}

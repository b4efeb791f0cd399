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

package connstream

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/packetd/packetd/common/socket"
	"github.com/packetd/packetd/tcpedit"
)

/*
* TCP Layout
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|          Source Ports          |       Destination Ports        |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                        Sequence Number                        |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                    Acknowledgment Number                      |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|  Data |           |U|A|P|R|S|F|                               |
| Offset| Reserved  |R|C|S|S|Y|I|            Window             |
|       |           |G|K|H|T|N|N|                               |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|           Checksum            |         Urgent Pointer        |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                    Options                    |    Padding    |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
|                             Data                              |
+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

// Inspector is called once per Write, after the incoming segment has been
// pushed into the stream's tcpedit.Stream and before its available bytes
// are popped back out. A rewriter.Engine.Inspect method satisfies this
// signature; it is set here, rather than imported directly, so connstream
// does not need to depend on the rewriter package.
type Inspector func(stream *tcpedit.Stream) (string, error)

// tcpStream backs one direction of a TCP connection with a tcpedit.Stream,
// so segments arriving out of order get reassembled (and any rewriter rule
// edits applied) before the decoded payload reaches DecodeFunc.
type tcpStream struct {
	st       socket.Tuple // 使用 st 作为 Stream 的唯一标识
	edit     *tcpedit.Stream
	inspect  Inspector
	sawSYN   bool
	cw       *chunkWriter // chunk 分批写入
	closed   atomic.Bool  // 链接是否结束态标识
	activeAt time.Time    // 链接最后处理数据的时间
	stats    Stats
}

// NewTCPStream 根据 socket.Tuple 创建 TCPStream 实例
func NewTCPStream(st socket.Tuple) Stream {
	return &tcpStream{
		st:   st,
		cw:   newChunkWriter(),
		edit: tcpedit.New(),
	}
}

// NewTCPStreamWithInspector is like NewTCPStream but additionally runs
// inspect against the stream's tcpedit.Stream on every Write, ahead of
// popping bytes back out to the decode layer.
func NewTCPStreamWithInspector(st socket.Tuple, inspect Inspector) Stream {
	return &tcpStream{
		st:      st,
		cw:      newChunkWriter(),
		edit:    tcpedit.New(),
		inspect: inspect,
	}
}

func (s *tcpStream) SocketTuple() socket.Tuple {
	return s.st
}

func (s *tcpStream) ActiveAt() time.Time {
	return s.activeAt
}

func (s *tcpStream) IsClosed() bool {
	return s.closed.Load()
}

func (s *tcpStream) Stats() Stats {
	stats := s.stats
	s.stats = Stats{}
	stats.Proto = socket.L4ProtoTCP
	return stats
}

// Edit exposes the underlying reassembly/rewriting engine so a rewriter
// can inspect and mutate pending bytes ahead of Pop.
func (s *tcpStream) Edit() *tcpedit.Stream {
	return s.edit
}

func (s *tcpStream) Write(pkt socket.L4Packet, decodeFunc DecodeFunc) error {
	seg := pkt.(*socket.TCPSegment)
	s.activeAt = time.Now()

	// 已经关闭的数据流不允许再写入
	if s.closed.Load() {
		return ErrClosed
	}
	s.stats.ReceivedPackets++
	s.stats.ReceivedBytes += uint64(len(seg.PayloadBytes))

	if seg.SYN() {
		s.sawSYN = true
	} else if !s.sawSYN {
		// Capture started mid-stream: there is no observed SYN to anchor
		// the sequence space, so synthesize one immediately behind this
		// segment's sequence number.
		synthetic := &socket.TCPSegment{
			Tuple:   seg.Tuple,
			Time:    seg.Time,
			SeqNum:  seg.SeqNum - 1,
			SYNFlag: true,
		}
		if err := s.edit.Push(synthetic); err != nil {
			return err
		}
		s.sawSYN = true
	}

	if err := s.edit.Push(seg); err != nil {
		if errors.Is(err, tcpedit.ErrRetransmit) {
			// 重传 或数据包阻塞在了某个网络节点上 均不是致命错误
			s.stats.SkippedPackets++
			return nil
		}
		return err
	}

	if s.inspect != nil {
		name, err := s.inspect(s.edit)
		if err != nil {
			return err
		}
		if name != "" {
			s.stats.InsertedPackets++
		}
	}

	for {
		out, err := s.edit.Pop()
		if err != nil {
			return err
		}
		if out == nil {
			break
		}
		s.cw.Write(out.Payload(), decodeFunc)
		out.Release()
	}

	// FIN 或 RST Flag 标志链接已经终止
	if seg.FINFlag || seg.RSTFlag {
		// stream 仅需要被正确关闭一次 此状态不可逆
		if !s.closed.Swap(true) {
			s.cw.Close()
		}
	}
	return nil
}

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

// Package praw registers the "raw" Layer7 protocol: a pass-through ConnPool
// for deployments that only need tcpedit rewriting on a TCP port and have no
// structured application protocol to decode and pair into round trips.
package praw

import (
	"time"

	"github.com/packetd/packetd/common"
	"github.com/packetd/packetd/common/socket"
	"github.com/packetd/packetd/internal/zerocopy"
	"github.com/packetd/packetd/protocol"
	"github.com/packetd/packetd/protocol/role"
)

func init() {
	protocol.Register(socket.L7ProtoRaw, NewConnPool)
}

// NewConnPool 创建 raw 协议连接池
//
// raw 协议不解析任何应用层数据 仅用于驱动 tcpedit 改写流程
// 不会产生任何 socket.RoundTrip
func NewConnPool() protocol.ConnPool {
	return protocol.NewL7TCPConnPool(
		func() role.Matcher {
			return role.NewSingleMatcher()
		},
		func(pair *role.Pair) socket.RoundTrip {
			return nil
		},
		func(st socket.Tuple, serverPort socket.Port) protocol.Decoder {
			return newDecoder()
		},
	)
}

type decoder struct{}

func newDecoder() protocol.Decoder {
	return &decoder{}
}

// Decode 丢弃数据但保证 Reader 被正确消费 不产生任何 role.Object
func (d *decoder) Decode(r zerocopy.Reader, _ time.Time) ([]*role.Object, error) {
	for {
		if _, err := r.Read(common.ReadWriteBlockSize); err != nil {
			return nil, nil
		}
	}
}

// Free 无持有资源 不做任何操作
func (d *decoder) Free() {}

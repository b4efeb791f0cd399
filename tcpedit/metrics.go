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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/packetd/common"
)

var (
	metricPushTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "stream",
		Name:      "push_total",
		Help:      "Segments accepted by Stream.Push, across every stream.",
	})

	metricPushRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "stream",
		Name:      "push_rejected_total",
		Help:      "Segments rejected by Stream.Push, by reason.",
	}, []string{"reason"})

	metricPopTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "stream",
		Name:      "pop_total",
		Help:      "Segments emitted by Stream.Pop, across every stream.",
	})

	metricAckTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "stream",
		Name:      "ack_total",
		Help:      "Ack numbers translated by Stream.Ack, across every stream.",
	})

	metricEraseBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "stream",
		Name:      "erase_bytes_total",
		Help:      "Bytes removed from reassembled streams via Stream.Erase.",
	})
)

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

// Package wait 提供 worker goroutine 的监管重启能力
package wait

import (
	"context"
	"time"

	"github.com/packetd/packetd/logger"
)

// backoff 是 f 异常退出后重新拉起前的等待时间 避免崩溃循环占满 CPU
const backoff = time.Second

// Until 反复拉起 f 直至 ctx 被取消
//
// f 自身被设计为长期运行（例如内部是一个 for-select 循环） 只有在 panic
// 或者提前 return 的异常情况下才会被 Until 重新拉起 正常情况下 f 应该自行
// 监听 ctx.Done() 并返回 此时 Until 也随之退出
func Until(ctx context.Context, f func()) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		runOnce(f)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func runOnce(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("wait.Until: recovered from panic: %v", r)
		}
	}()
	f()
}

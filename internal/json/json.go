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

// Package json 封装了 goccy/go-json 作为项目内统一的 JSON 编解码实现
//
// 相较于标准库 encoding/json goccy/go-json 在序列化热路径上有更低的分配开销
// 对外暴露与标准库一致的最小接口 便于调用方无感替换
package json

import (
	"io"

	gojson "github.com/goccy/go-json"
)

// Encoder 将对象以换行分隔的 JSON 写入底层 io.Writer
type Encoder interface {
	Encode(v any) error
}

// NewEncoder 创建一个写入 w 的 Encoder
func NewEncoder(w io.Writer) Encoder {
	return gojson.NewEncoder(w)
}

// Marshal 序列化对象为 JSON 字节数组
func Marshal(v any) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal 反序列化 JSON 字节数组
func Unmarshal(data []byte, v any) error {
	return gojson.Unmarshal(data, v)
}

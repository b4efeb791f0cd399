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
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/packetd/packetd/tcpedit"
)

// Config is the `rewriter` section of the process config file: a flat,
// ordered list of rules. Order matters the same way it does for Engine —
// the first config entry becomes the first rule evaluated.
type Config struct {
	Rules []RuleConfig `config:"rules"`
}

// RuleConfig is one rule as it arrives from YAML, before its loosely-typed
// Params map has been decoded into an action-specific struct.
type RuleConfig struct {
	Name   string         `config:"name"`
	Match  string         `config:"match"`
	Action string         `config:"action"`
	Params map[string]any `config:"params"`
}

const (
	ActionInsert  = "insert"
	ActionErase   = "erase"
	ActionReplace = "replace"
)

type insertParams struct {
	Data []byte `mapstructure:"data"`
}

type eraseParams struct {
	Length int `mapstructure:"length"`
}

type replaceParams struct {
	Data []byte `mapstructure:"data"`
}

// BuildRules decodes a Config into runnable Rules. Params decoding goes
// through mapstructure first (it already handles most YAML scalar/slice
// shapes); cast then defensively coerces individual fields YAML commonly
// hands back as the wrong concrete type (a bare integer for "length", a
// string for what should be raw bytes).
func BuildRules(cfg Config) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		if rc.Match == "" {
			return nil, errors.Errorf("rewriter: rule %q has no match pattern", rc.Name)
		}

		apply, err := buildApply(rc)
		if err != nil {
			return nil, errors.Wrapf(err, "rewriter: rule %q", rc.Name)
		}
		rules = append(rules, ContainsRule(rc.Name, []byte(rc.Match), apply))
	}
	return rules, nil
}

func buildApply(rc RuleConfig) (func(*tcpedit.Stream) error, error) {
	switch rc.Action {
	case ActionInsert:
		var p insertParams
		if err := mapstructure.WeakDecode(rc.Params, &p); err != nil {
			return nil, err
		}
		if len(p.Data) == 0 {
			if raw, ok := rc.Params["data"]; ok {
				p.Data = []byte(cast.ToString(raw))
			}
		}
		return func(stream *tcpedit.Stream) error {
			stream.Insert(p.Data)
			return nil
		}, nil

	case ActionErase:
		var p eraseParams
		if err := mapstructure.WeakDecode(rc.Params, &p); err != nil {
			return nil, err
		}
		if p.Length <= 0 {
			p.Length = cast.ToInt(rc.Params["length"])
		}
		if p.Length <= 0 {
			return nil, errors.New("erase action requires a positive length")
		}
		return func(stream *tcpedit.Stream) error {
			stream.Erase(p.Length)
			return nil
		}, nil

	case ActionReplace:
		var p replaceParams
		if err := mapstructure.WeakDecode(rc.Params, &p); err != nil {
			return nil, err
		}
		if len(p.Data) == 0 {
			if raw, ok := rc.Params["data"]; ok {
				p.Data = []byte(cast.ToString(raw))
			}
		}
		return func(stream *tcpedit.Stream) error {
			stream.Replace(p.Data)
			return nil
		}, nil

	default:
		return nil, errors.Errorf("unsupported action %q", rc.Action)
	}
}

// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"fmt"
	"strconv"
	"strings"
)

// boolOptions maps a bare "-o key" or "-o no_key" token to the CacheConfig
// field it toggles and the value that token sets it to, mirroring
// passthrough_ll.c's lo_opts table (each boolean appears twice: once to set
// it, once, prefixed "no_", to clear it).
var boolOptions = map[string]func(c *Config, v bool){
	"writeback":   func(c *Config, v bool) { c.Cache.Writeback = v },
	"flock":       func(c *Config, v bool) { c.Cache.Flock = v },
	"posix_lock":  func(c *Config, v bool) { c.Cache.PosixLock = v },
	"xattr":       func(c *Config, v bool) { c.Cache.Xattr = v },
	"readdirplus": func(c *Config, v bool) { c.Cache.Readdirplus = v },
}

// valueOptions maps a "-o key=val" token's key to a setter that parses val.
var valueOptions = map[string]func(c *Config, v string) error{
	"source": func(c *Config, v string) error {
		var p ResolvedPath
		if err := p.UnmarshalText([]byte(v)); err != nil {
			return err
		}
		c.Source = p
		return nil
	},
	"modcaps": func(c *Config, v string) error {
		c.ModCaps = v
		return nil
	},
	"timeout": func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid timeout=%s: %w", v, err)
		}
		c.Cache.Timeout = f
		return nil
	},
	"cache": func(c *Config, v string) error {
		var m CacheMode
		if err := m.UnmarshalText([]byte(v)); err != nil {
			return err
		}
		c.Cache.Mode = m
		return nil
	},
}

// ParseOptions applies each "-o" token to c. A token is either a bare flag
// ("writeback", "no_flock") or a key=value pair ("source=/export"). Unknown
// tokens are rejected rather than silently ignored, the way fuse_opt_parse
// fails a mount on an unrecognized option.
func ParseOptions(opts []string, c *Config) error {
	for _, opt := range opts {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}

		if key, val, ok := strings.Cut(opt, "="); ok {
			setter, known := valueOptions[key]
			if !known {
				return fmt.Errorf("unknown option: %s", opt)
			}
			if err := setter(c, val); err != nil {
				return err
			}
			continue
		}

		key, negate := strings.CutPrefix(opt, "no_")
		setter, known := boolOptions[key]
		if !known {
			return fmt.Errorf("unknown option: %s", opt)
		}
		setter(c, !negate)
	}
	return nil
}

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

import "fmt"

// Rationalize updates Config fields derived from other fields and rejects
// combinations that can't both be satisfied, mirroring the teacher's
// Rationalize: called once, after flags/file have been decoded and before
// the server starts.
func Rationalize(c *Config) error {
	if c.Socket.Path == "" && c.Socket.FD < 0 {
		return fmt.Errorf("exactly one of --socket-path or --fd must be given")
	}
	if c.Socket.Path != "" && c.Socket.FD >= 0 {
		return fmt.Errorf("--socket-path and --fd are mutually exclusive")
	}

	if c.Source == "" {
		return fmt.Errorf("--shared-dir is required")
	}

	if c.Cache.Timeout < 0 {
		c.Cache.Timeout = resolveDefaultCacheTimeout(c.Cache.Mode)
	}
	if c.Cache.Mode == CacheNone && c.Cache.Writeback {
		return fmt.Errorf("--writeback requires --cache=auto or --cache=always")
	}

	if c.Debug {
		c.LogSeverity = TraceLogSeverity
	}

	return nil
}

// resolveDefaultCacheTimeout returns the attr/entry timeout implied by mode
// when the caller hasn't set --timeout explicitly.
func resolveDefaultCacheTimeout(mode CacheMode) float64 {
	switch mode {
	case CacheAuto:
		return DefaultAutoCacheTimeoutSeconds
	case CacheAlways:
		return DefaultAlwaysCacheTimeoutSeconds
	default:
		return 0
	}
}

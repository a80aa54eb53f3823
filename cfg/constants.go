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

import "time"

const (
	// Logging-level constants

	TRACE   string = "TRACE"
	DEBUG   string = "DEBUG"
	INFO    string = "INFO"
	WARNING string = "WARNING"
	ERROR   string = "ERROR"
	OFF     string = "OFF"
)

const (
	// Cache timeout constants, in seconds, matching the reference
	// implementation's per-mode defaults (cache=auto uses a 1s attr/entry
	// timeout, cache=always treats the export as immutable for a day).
	DefaultAutoCacheTimeoutSeconds   float64 = 1.0
	DefaultAlwaysCacheTimeoutSeconds float64 = 86400.0

	// DefaultThreadPoolSize of 0 processes requests serially on the
	// virtqueue thread; a caller opts into a worker pool explicitly.
	DefaultThreadPoolSize int = 0

	// DefaultMetricsInterval is how often --metrics dumps counters and
	// histograms to the log when no --metrics-interval is given.
	DefaultMetricsInterval time.Duration = 60 * time.Second
)

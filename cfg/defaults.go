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

// GetDefaultConfig returns the configuration used during application
// startup, before a config file or flags have been applied on top of it.
func GetDefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			Mode:        CacheAuto,
			Readdirplus: true,
		},
		Socket:         SocketConfig{FD: -1},
		LogSeverity:    InfoLogSeverity,
		LogFormat:      "json",
		Metrics:        MetricsConfig{Interval: DefaultMetricsInterval},
		ThreadPoolSize: DefaultThreadPoolSize,
		Foreground:     false,
	}
}

// Copyright 2024 Google LLC
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
	"slices"
	"strings"

	"github.com/googlecloudplatform/virtiofsd/internal/util"
)

// CacheMode is the datatype for the "cache=" option controlling the
// attribute/entry timeouts handlers hand back to the guest: none/auto/always.
type CacheMode string

const (
	CacheNone   CacheMode = "none"
	CacheAuto   CacheMode = "auto"
	CacheAlways CacheMode = "always"
)

func (c *CacheMode) UnmarshalText(text []byte) error {
	txtStr := string(text)
	mode := strings.ToLower(txtStr)
	v := []string{string(CacheNone), string(CacheAuto), string(CacheAlways)}
	if !slices.Contains(v, mode) {
		return fmt.Errorf("invalid cache mode: %s. It can only accept values in the list: %v", txtStr, v)
	}
	*c = CacheMode(mode)
	return nil
}

// LogSeverity represents the logging severity and can accept the following values
// "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"
type LogSeverity string

// Constants for all supported log severities.
const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

// severityRanking maps each level to an integer for validation and comparison.
var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank.
// Returns -1 if the severity is unknown.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	// This case should ideally not be reached as LogSeverity configs are validated before mounting.
	return -1
}

// ResolvedPath represents a file-path which is resolved to an absolute path,
// honoring VIRTIOFSD_PARENT_PROCESS_DIR when the daemonized child's cwd
// differs from the original invocation's (see internal/util.GetResolvedPath).
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	path, err := util.GetResolvedPath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(path)
	return nil
}

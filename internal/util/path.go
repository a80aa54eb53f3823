// Copyright 2025 Google LLC
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

// Package util collects small path and value-formatting helpers shared by
// cfg and cmd that don't belong to any one FUSE component.
package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// VIRTIOFSD_PARENT_PROCESS_DIR carries the original invocation's working
// directory across the daemonize re-exec: the daemonized child
// runs with cwd "/", so relative flag values (--shared-dir, --socket-path)
// given on the original command line would otherwise resolve against the
// wrong directory. The parent process sets this before re-exec'ing itself;
// GetResolvedPath prefers it over os.Getwd whenever it's set.
const VIRTIOFSD_PARENT_PROCESS_DIR = "VIRTIOFSD_PARENT_PROCESS_DIR"

// GetResolvedPath resolves path against the process's effective working
// directory: a leading "~" expands against os.UserHomeDir, an absolute path
// and the empty string pass through unchanged, and anything else is joined
// against VIRTIOFSD_PARENT_PROCESS_DIR if set, else os.Getwd.
func GetResolvedPath(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return path, nil
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
	}

	if parentDir := os.Getenv(VIRTIOFSD_PARENT_PROCESS_DIR); parentDir != "" {
		return filepath.Join(parentDir, path), nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, path), nil
}

// Stringify marshals v to JSON for logging. On failure it returns "" together
// with the marshal error.
func Stringify(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

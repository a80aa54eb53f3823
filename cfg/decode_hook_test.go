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
	"os"
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/googlecloudplatform/virtiofsd/internal/util"
)

type decodeHookTestConfig struct {
	CacheModeParam   CacheMode
	LogSeverityParam LogSeverity
	PathParam        ResolvedPath
	DurationParam    time.Duration
}

func declareDecodeHookFlags() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	fs.String("cacheModeParam", "auto", "")
	fs.String("logSeverityParam", "INFO", "")
	fs.String("pathParam", "", "")
	fs.Duration("durationParam", 0*time.Nanosecond, "")
	return fs
}

func bindDecodeHookFlags(fs *flag.FlagSet) *viper.Viper {
	v := viper.New()
	v.BindPFlag("CacheModeParam", fs.Lookup("cacheModeParam"))
	v.BindPFlag("LogSeverityParam", fs.Lookup("logSeverityParam"))
	v.BindPFlag("PathParam", fs.Lookup("pathParam"))
	v.BindPFlag("DurationParam", fs.Lookup("durationParam"))
	return v
}

func TestDecodeHookParsingSuccess(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		setupFn func(t *testing.T)
		testFn  func(t *testing.T, c decodeHookTestConfig)
	}{
		{
			name: "CacheMode",
			args: []string{"--cacheModeParam=ALWAYS"},
			testFn: func(t *testing.T, c decodeHookTestConfig) {
				assert.Equal(t, CacheAlways, c.CacheModeParam)
			},
		},
		{
			name: "LogSeverity",
			args: []string{"--logSeverityParam=warning"},
			testFn: func(t *testing.T, c decodeHookTestConfig) {
				assert.Equal(t, WarningLogSeverity, c.LogSeverityParam)
			},
		},
		{
			name: "Duration",
			args: []string{"--durationParam=30s"},
			testFn: func(t *testing.T, c decodeHookTestConfig) {
				assert.Equal(t, 30*time.Second, c.DurationParam)
			},
		},
		{
			name: "PathWithoutParentProcessDirEnv",
			args: []string{"--pathParam=/abs/test.txt"},
			testFn: func(t *testing.T, c decodeHookTestConfig) {
				assert.Equal(t, ResolvedPath("/abs/test.txt"), c.PathParam)
			},
		},
		{
			name: "PathWithParentProcessDirEnv",
			setupFn: func(t *testing.T) {
				os.Setenv(util.VIRTIOFSD_PARENT_PROCESS_DIR, "/a")
				t.Cleanup(func() { os.Unsetenv(util.VIRTIOFSD_PARENT_PROCESS_DIR) })
			},
			args: []string{"--pathParam=./test.txt"},
			testFn: func(t *testing.T, c decodeHookTestConfig) {
				assert.Equal(t, ResolvedPath("/a/test.txt"), c.PathParam)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setupFn != nil {
				tc.setupFn(t)
			}
			fs := declareDecodeHookFlags()
			v := bindDecodeHookFlags(fs)
			args := append([]string{"test"}, tc.args...)
			if err := fs.Parse(args); err != nil {
				t.Fatalf("flag parsing failed: %v", err)
			}

			var c decodeHookTestConfig
			err := v.Unmarshal(&c, viper.DecodeHook(DecodeHook()))

			if assert.NoError(t, err) {
				tc.testFn(t, c)
			}
		})
	}
}

func TestDecodeHookParsingError(t *testing.T) {
	fs := declareDecodeHookFlags()
	v := bindDecodeHookFlags(fs)
	if err := fs.Parse([]string{"test", "--cacheModeParam=sometimes"}); err != nil {
		t.Fatalf("flag parsing failed: %v", err)
	}

	var c decodeHookTestConfig
	err := v.Unmarshal(&c, viper.DecodeHook(DecodeHook()))

	assert.Error(t, err)
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	c := GetDefaultConfig()
	c.Socket.Path = "/run/virtiofsd.sock"
	c.Source = "/export"
	c.Cache.Timeout = -1
	return c
}

func TestRationalizeRejectsNeitherSocketPathNorFD(t *testing.T) {
	c := validConfig()
	c.Socket.Path = ""
	c.Socket.FD = -1

	assert.Error(t, Rationalize(&c))
}

func TestRationalizeRejectsBothSocketPathAndFD(t *testing.T) {
	c := validConfig()
	c.Socket.FD = 3

	assert.Error(t, Rationalize(&c))
}

func TestRationalizeRejectsMissingSource(t *testing.T) {
	c := validConfig()
	c.Source = ""

	assert.Error(t, Rationalize(&c))
}

func TestRationalizeRejectsWritebackWithCacheNone(t *testing.T) {
	c := validConfig()
	c.Cache.Mode = CacheNone
	c.Cache.Writeback = true

	assert.Error(t, Rationalize(&c))
}

func TestRationalizeFillsDefaultTimeoutFromCacheMode(t *testing.T) {
	c := validConfig()
	c.Cache.Mode = CacheAlways

	require.NoError(t, Rationalize(&c))
	assert.Equal(t, DefaultAlwaysCacheTimeoutSeconds, c.Cache.Timeout)
}

func TestRationalizeDebugForcesTraceSeverity(t *testing.T) {
	c := validConfig()
	c.Debug = true

	require.NoError(t, Rationalize(&c))
	assert.Equal(t, TraceLogSeverity, c.LogSeverity)
}

func TestRationalizeAcceptsFDInPlaceOfSocketPath(t *testing.T) {
	c := validConfig()
	c.Socket.Path = ""
	c.Socket.FD = 3

	assert.NoError(t, Rationalize(&c))
}

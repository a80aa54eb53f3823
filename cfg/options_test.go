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

func TestParseOptionsSetsBooleans(t *testing.T) {
	c := GetDefaultConfig()

	require.NoError(t, ParseOptions([]string{"writeback", "flock", "no_readdirplus"}, &c))

	assert.True(t, c.Cache.Writeback)
	assert.True(t, c.Cache.Flock)
	assert.False(t, c.Cache.Readdirplus)
}

func TestParseOptionsDefaultsBooleanToFalseUntilSet(t *testing.T) {
	c := GetDefaultConfig()
	assert.False(t, c.Cache.PosixLock)

	require.NoError(t, ParseOptions([]string{"posix_lock"}, &c))
	assert.True(t, c.Cache.PosixLock)

	require.NoError(t, ParseOptions([]string{"no_posix_lock"}, &c))
	assert.False(t, c.Cache.PosixLock)
}

func TestParseOptionsSetsKeyValuePairs(t *testing.T) {
	c := GetDefaultConfig()

	require.NoError(t, ParseOptions([]string{"source=/export", "modcaps=+sys_admin:-chown", "timeout=2.5", "cache=always"}, &c))

	assert.Equal(t, ResolvedPath("/export"), c.Source)
	assert.Equal(t, "+sys_admin:-chown", c.ModCaps)
	assert.Equal(t, 2.5, c.Cache.Timeout)
	assert.Equal(t, CacheAlways, c.Cache.Mode)
}

func TestParseOptionsRejectsUnknownBareOption(t *testing.T) {
	c := GetDefaultConfig()

	assert.Error(t, ParseOptions([]string{"bogus"}, &c))
}

func TestParseOptionsRejectsUnknownKeyedOption(t *testing.T) {
	c := GetDefaultConfig()

	assert.Error(t, ParseOptions([]string{"bogus=1"}, &c))
}

func TestParseOptionsRejectsInvalidCacheMode(t *testing.T) {
	c := GetDefaultConfig()

	assert.Error(t, ParseOptions([]string{"cache=sometimes"}, &c))
}

func TestParseOptionsIgnoresBlankTokens(t *testing.T) {
	c := GetDefaultConfig()

	assert.NoError(t, ParseOptions([]string{"", "  "}, &c))
}

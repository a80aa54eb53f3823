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

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenRootMatchesFstat(t *testing.T) {
	dir := t.TempDir()

	fd, key, mode, err := openRoot(dir)
	require.NoError(t, err)
	defer unix.Close(fd)

	var st unix.Stat_t
	require.NoError(t, unix.Stat(dir, &st))

	assert.Equal(t, uint64(st.Dev), key.Dev)
	assert.Equal(t, st.Ino, key.Ino)
	assert.Equal(t, st.Mode, mode)
}

func TestOpenRootRejectsMissingPath(t *testing.T) {
	_, _, _, err := openRoot("/nonexistent/path/for/virtiofsd/test")
	assert.Error(t, err)
}

func TestCapabilitiesJSONReportsFsType(t *testing.T) {
	out := capabilitiesJSON()
	assert.JSONEq(t, `{"type":"fs"}`, out)
	assert.Contains(t, out, `"type":"fs"`)
}

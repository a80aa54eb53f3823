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

package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

const fakeParentProcessDir = "/var/generic/virtiofsd"

type UtilTest struct {
	suite.Suite
}

func TestUtilSuite(t *testing.T) {
	suite.Run(t, new(UtilTest))
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvNotSetAndFilePathStartsWithTilda() {
	resolvedPath, err := GetResolvedPath("~/test.txt")

	ts.NoError(err)
	homeDir, err := os.UserHomeDir()
	ts.NoError(err)
	ts.Equal(filepath.Join(homeDir, "test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvNotSetAndFilePathStartsWithDot() {
	resolvedPath, err := GetResolvedPath("./test.txt")

	ts.NoError(err)
	cwd, err := os.Getwd()
	ts.NoError(err)
	ts.Equal(filepath.Join(cwd, "./test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvNotSetAndFilePathStartsWithDoubleDot() {
	resolvedPath, err := GetResolvedPath("../test.txt")

	ts.NoError(err)
	cwd, err := os.Getwd()
	ts.NoError(err)
	ts.Equal(filepath.Join(cwd, "../test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvNotSetAndRelativePath() {
	resolvedPath, err := GetResolvedPath("test.txt")

	ts.NoError(err)
	cwd, err := os.Getwd()
	ts.NoError(err)
	ts.Equal(filepath.Join(cwd, "test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvNotSetAndAbsoluteFilePath() {
	resolvedPath, err := GetResolvedPath("/var/dir/test.txt")

	ts.NoError(err)
	ts.Equal("/var/dir/test.txt", resolvedPath)
}

func (ts *UtilTest) TestResolveEmptyFilePath() {
	resolvedPath, err := GetResolvedPath("")

	ts.NoError(err)
	ts.Equal("", resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvSetAndFilePathStartsWithTilda() {
	os.Setenv(VIRTIOFSD_PARENT_PROCESS_DIR, fakeParentProcessDir)
	defer os.Unsetenv(VIRTIOFSD_PARENT_PROCESS_DIR)

	resolvedPath, err := GetResolvedPath("~/test.txt")

	ts.NoError(err)
	homeDir, err := os.UserHomeDir()
	ts.NoError(err)
	ts.Equal(filepath.Join(homeDir, "test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvSetAndFilePathStartsWithDot() {
	os.Setenv(VIRTIOFSD_PARENT_PROCESS_DIR, fakeParentProcessDir)
	defer os.Unsetenv(VIRTIOFSD_PARENT_PROCESS_DIR)

	resolvedPath, err := GetResolvedPath("./test.txt")

	ts.NoError(err)
	ts.Equal(filepath.Join(fakeParentProcessDir, "./test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvSetAndRelativePath() {
	os.Setenv(VIRTIOFSD_PARENT_PROCESS_DIR, fakeParentProcessDir)
	defer os.Unsetenv(VIRTIOFSD_PARENT_PROCESS_DIR)

	resolvedPath, err := GetResolvedPath("test.txt")

	ts.NoError(err)
	ts.Equal(filepath.Join(fakeParentProcessDir, "test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvSetAndAbsoluteFilePath() {
	os.Setenv(VIRTIOFSD_PARENT_PROCESS_DIR, fakeParentProcessDir)
	defer os.Unsetenv(VIRTIOFSD_PARENT_PROCESS_DIR)

	resolvedPath, err := GetResolvedPath("/var/dir/test.txt")

	ts.NoError(err)
	ts.Equal("/var/dir/test.txt", resolvedPath)
}

func (ts *UtilTest) TestStringifyReturnsMarshalledFields() {
	type nested struct {
		Count int
		Names map[string]int
	}
	type sample struct {
		Value  string
		Nested nested
	}
	obj := &sample{
		Value: "test_value",
		Nested: nested{
			Count: 10,
			Names: map[string]int{"a": 1, "b": 2},
		},
	}

	actual, err := Stringify(obj)

	ts.NoError(err)
	ts.Equal(`{"Value":"test_value","Nested":{"Count":10,"Names":{"a":1,"b":2}}}`, actual)
}

type failsToMarshal struct{ value string }

func (failsToMarshal) MarshalJSON() ([]byte, error) {
	return nil, errors.New("intentional error during JSON marshaling")
}

func (ts *UtilTest) TestStringifyReturnsEmptyStringOnMarshalError() {
	actual, err := Stringify(failsToMarshal{value: "example"})

	ts.Error(err)
	ts.Equal("", actual)
}

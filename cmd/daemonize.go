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
	"fmt"
	"io"
	"os"

	"github.com/googlecloudplatform/virtiofsd/cfg"
	"github.com/googlecloudplatform/virtiofsd/internal/logger"
	"github.com/googlecloudplatform/virtiofsd/internal/util"
	jdaemonize "github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"
)

// daemonize re-execs the current binary with --foreground set and waits,
// via the daemonize package's status pipe, for the child to report that
// it is up and serving — the same self-exec-and-wait pattern the teacher
// uses to turn its own blocking mount call into a backgroundable one.
func daemonize(c cfg.Config) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)

	env := []string{
		fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
	}
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, fmt.Sprintf("HOME=%s", home))
	}
	if cwd, err := os.Getwd(); err == nil {
		env = append(env, fmt.Sprintf("%s=%s", util.VIRTIOFSD_PARENT_PROCESS_DIR, cwd))
	}

	var statusWriter io.Writer = os.Stdout
	if c.LogFile != "" {
		statusWriter = &CrashWriter{fileName: string(c.LogFile)}
	}

	if err := jdaemonize.Run(path, args, env, statusWriter); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}

	logger.Infof(SuccessfulMountMessage)
	return nil
}

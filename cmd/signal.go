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
	"os"
	"os/signal"
	"syscall"

	"github.com/googlecloudplatform/virtiofsd/internal/logger"
)

// registerSignalHandler starts a goroutine that cancels the server context
// on SIGHUP, SIGINT or SIGTERM (SIGPIPE is ignored), the way the teacher's registerSIGINTHandler
// unmounts in response to Ctrl-C: here there is no kernel mount to tear
// down, so canceling ctx is enough to stop the vhost-user accept loop and
// let every in-flight virtqueue goroutine drain before the process exits.
func registerSignalHandler(cancel func()) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)

	go func() {
		sig := <-signalChan
		logger.Infof("received %s, shutting down...", sig)
		cancel()
	}()
}

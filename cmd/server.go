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
	"context"
	"fmt"
	"time"

	"github.com/googlecloudplatform/virtiofsd/cfg"
	"github.com/googlecloudplatform/virtiofsd/internal/cred"
	"github.com/googlecloudplatform/virtiofsd/internal/inode"
	"github.com/googlecloudplatform/virtiofsd/internal/logger"
	"github.com/googlecloudplatform/virtiofsd/internal/ops"
	"github.com/googlecloudplatform/virtiofsd/internal/sandbox"
	"github.com/googlecloudplatform/virtiofsd/internal/telemetry"
	"github.com/googlecloudplatform/virtiofsd/internal/util"
	"github.com/googlecloudplatform/virtiofsd/internal/vhostuser"
	jdaemonize "github.com/jacobsa/daemonize"
	"golang.org/x/sys/unix"
)

// numVirtqueues matches what every virtiofs frontend negotiates: one
// "hiprio" queue for FORGET-class traffic, one "request" queue for
// everything else.
const numVirtqueues = 2

const successfulStartMessage = "virtiofsd is ready and serving."

// SuccessfulMountMessage is logged by the parent once the daemonized child
// has reported success over the daemonize status pipe (the child logs the
// same text just before it starts listening), the way the teacher's
// daemonized mount flow reports success back to the parent that launched it.
const SuccessfulMountMessage = successfulStartMessage
const UnsuccessfulMountMessagePrefix = "virtiofsd failed to start"

// runServer rationalizes c, wires up logging, the sandbox, the inode
// table, the operation dispatcher, and the vhost-user transport, then
// blocks serving requests until ctx is canceled.
func runServer(ctx context.Context, c cfg.Config) error {
	if err := cfg.ParseOptions(c.Options, &c); err != nil {
		return fmt.Errorf("invalid -o option: %w", err)
	}
	if err := cfg.Rationalize(&c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := initLogging(c); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}

	if !c.Foreground {
		return daemonize(c)
	}

	return serve(ctx, c)
}

// initLogging points the process-wide logger at the configured
// destination and severity before anything else runs, mirroring the
// teacher's logger.InitLogFile/SetLogFormat/SetSeverity sequencing at the
// top of its mount path.
func initLogging(c cfg.Config) error {
	if c.LogFile != "" {
		if err := logger.InitLogFile(logger.FileConfig{
			Path:     string(c.LogFile),
			Severity: string(c.LogSeverity),
			Format:   c.LogFormat,
			Rotate:   logger.DefaultRotateConfig(),
		}); err != nil {
			return err
		}
	} else {
		logger.SetSeverity(string(c.LogSeverity))
		logger.SetLogFormat(c.LogFormat)
	}

	if c.Syslog {
		w, err := newSyslogWriter()
		if err != nil {
			return fmt.Errorf("connecting to syslog: %w", err)
		}
		logger.UseSyslogWriter(w)
	}

	return nil
}

// serve performs the one-time sandbox/credential/inode-table setup and
// runs the vhost-user accept loop in the foreground until ctx is
// canceled (by the signal handler serve registers via registerSignalHandler).
func serve(ctx context.Context, c cfg.Config) error {
	if stringified, err := util.Stringify(c); err != nil {
		logger.Warnf("failed to stringify startup configuration: %v", err)
	} else {
		logger.Infof("virtiofsd starting with configuration: %s", stringified)
	}

	rootFD, rootKey, rootMode, err := openRoot(string(c.Source))
	if err != nil {
		return fmt.Errorf("opening shared directory %q: %w", c.Source, err)
	}

	if c.Sandbox.Sandboxed {
		if err := sandbox.Enter(sandbox.Options{
			Source:       string(c.Source),
			RlimitNofile: c.RlimitNofile,
		}); err != nil {
			return fmt.Errorf("entering sandbox: %w", err)
		}
	}

	creds, err := cred.NewSnapshot()
	if err != nil {
		return fmt.Errorf("snapshotting credentials: %w", err)
	}

	inodes := inode.NewTable(rootFD, rootKey, rootMode)

	server := ops.New(inodes, creds, ops.Config{
		Timeout:     time.Duration(c.Cache.Timeout * float64(time.Second)),
		Writeback:   c.Cache.Writeback,
		Flock:       c.Cache.Flock,
		PosixLock:   c.Cache.PosixLock,
		Xattr:       c.Cache.Xattr,
		Readdirplus: c.Cache.Readdirplus,
	})

	metrics, metricsShutdown, err := telemetry.SetupMetrics(c.Metrics.Enabled, c.Metrics.Interval)
	if err != nil {
		return fmt.Errorf("setting up metrics: %w", err)
	}
	server.SetMetrics(metrics)

	tracingShutdown, err := telemetry.SetupTracing(ctx, c.Tracing.Enabled)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	shutdownTelemetry := telemetry.JoinShutdownFunc(metricsShutdown, tracingShutdown)
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warnf("shutting down telemetry: %v", err)
		}
	}()

	newEngine := func() *vhostuser.Engine {
		return vhostuser.NewEngine(server, numVirtqueues, c.ThreadPoolSize)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	registerSignalHandler(cancel)

	if err := jdaemonize.SignalOutcome(nil); err != nil {
		logger.Warnf("signaling daemonize outcome: %v", err)
	}

	if c.Socket.Path != "" {
		logger.Infof(successfulStartMessage)
		return vhostuser.Listen(ctx, string(c.Socket.Path), newEngine)
	}

	logger.Infof(successfulStartMessage)
	return vhostuser.ListenFD(ctx, c.Socket.FD, newEngine)
}

// openRoot opens source as an O_PATH directory descriptor and returns the
// identity (dev, ino) and mode internal/inode.NewTable needs to build the
// root Inode, the way the reference implementation's lo_data setup does
// before entering the sandbox.
func openRoot(source string) (fd int, key inode.Key, mode uint32, err error) {
	fd, err = unix.Open(source, unix.O_PATH|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return 0, inode.Key{}, 0, err
	}

	var st unix.Stat_t
	if err = unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return 0, inode.Key{}, 0, err
	}

	return fd, inode.Key{Dev: uint64(st.Dev), Ino: st.Ino}, st.Mode, nil
}

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
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved, validated configuration for one server
// instance: defaults, overlaid by an optional YAML config file, overlaid by
// command-line flags, in that order of increasing precedence.
type Config struct {
	Socket SocketConfig `yaml:"socket"`

	Source ResolvedPath `yaml:"source"`

	Sandbox SandboxConfig `yaml:"sandbox"`

	Cache CacheConfig `yaml:"cache"`

	Debug      bool `yaml:"debug"`
	Syslog     bool `yaml:"syslog"`
	Foreground bool `yaml:"foreground"`

	LogSeverity LogSeverity  `yaml:"log-severity"`
	LogFile     ResolvedPath `yaml:"log-file"`
	LogFormat   string       `yaml:"log-format"`

	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`

	ModCaps string `yaml:"modcaps"`

	RlimitNofile uint64 `yaml:"rlimit-nofile"`

	ThreadPoolSize int `yaml:"thread-pool-size"`

	Options []string `yaml:"options"`
}

// MetricsConfig gates the periodic counter/histogram dump through the
// logger; Interval only matters when Enabled is true.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// TracingConfig gates the per-request span export to stdout.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SocketConfig selects how the server attaches to the vhost-user master:
// either a path to bind and listen on, or an inherited, already-bound
// listening socket's file descriptor number (set by a supervisor such as libvirt).
type SocketConfig struct {
	Path  ResolvedPath `yaml:"path"`
	FD    int          `yaml:"fd"`
	Group string       `yaml:"group"`
}

// SandboxConfig controls whether the server enters its namespace and
// pivot_root jail (internal/sandbox) before serving.
type SandboxConfig struct {
	Sandboxed bool `yaml:"sandboxed"`
}

// CacheConfig controls the attribute/entry timeouts and the opcode-level
// toggles that shape how aggressively the guest may cache.
type CacheConfig struct {
	Mode        CacheMode `yaml:"mode"`
	Timeout     float64   `yaml:"timeout"`
	Writeback   bool      `yaml:"writeback"`
	Flock       bool      `yaml:"flock"`
	PosixLock   bool      `yaml:"posix-lock"`
	Xattr       bool      `yaml:"xattr"`
	Readdirplus bool      `yaml:"readdirplus"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("socket-path", "", "", "vhost-user UNIX socket path to bind and listen on.")
	if err = viper.BindPFlag("socket.path", flagSet.Lookup("socket-path")); err != nil {
		return err
	}

	flagSet.IntP("fd", "", -1, "Already-bound vhost-user socket file descriptor, inherited from a supervisor.")
	if err = viper.BindPFlag("socket.fd", flagSet.Lookup("fd")); err != nil {
		return err
	}

	flagSet.StringP("socket-group", "", "", "Group for the listening socket. Recorded in the configuration only; the socket's group is not changed.")
	if err = viper.BindPFlag("socket.group", flagSet.Lookup("socket-group")); err != nil {
		return err
	}

	flagSet.StringP("shared-dir", "", "", "Host directory tree to export to the guest.")
	if err = viper.BindPFlag("source", flagSet.Lookup("shared-dir")); err != nil {
		return err
	}

	flagSet.BoolP("sandbox", "", true, "Isolate into private mount/pid/net namespaces and pivot_root into the shared directory before serving requests.")
	if err = viper.BindPFlag("sandbox.sandboxed", flagSet.Lookup("sandbox")); err != nil {
		return err
	}

	flagSet.StringP("cache", "", string(CacheAuto), "Attribute/entry cache policy handed to the guest: none, auto, or always.")
	if err = viper.BindPFlag("cache.mode", flagSet.Lookup("cache")); err != nil {
		return err
	}

	flagSet.Float64P("timeout", "", -1, "Attribute/entry cache timeout in seconds. Defaults depend on --cache when unset.")
	if err = viper.BindPFlag("cache.timeout", flagSet.Lookup("timeout")); err != nil {
		return err
	}

	flagSet.BoolP("writeback", "", false, "Enable writeback caching, letting the guest kernel merge and delay writes.")
	if err = viper.BindPFlag("cache.writeback", flagSet.Lookup("writeback")); err != nil {
		return err
	}

	flagSet.BoolP("flock", "", false, "Translate guest flock(2) into host OFD locks.")
	if err = viper.BindPFlag("cache.flock", flagSet.Lookup("flock")); err != nil {
		return err
	}

	flagSet.BoolP("posix-lock", "", false, "Handle guest POSIX record locks via GETLK/SETLK/SETLKW.")
	if err = viper.BindPFlag("cache.posix-lock", flagSet.Lookup("posix-lock")); err != nil {
		return err
	}

	flagSet.BoolP("xattr", "", false, "Allow guest extended-attribute operations to reach the host filesystem.")
	if err = viper.BindPFlag("cache.xattr", flagSet.Lookup("xattr")); err != nil {
		return err
	}

	flagSet.BoolP("readdirplus", "", true, "Answer READDIRPLUS by looking up every entry instead of falling back to a plain READDIR.")
	if err = viper.BindPFlag("cache.readdirplus", flagSet.Lookup("readdirplus")); err != nil {
		return err
	}

	flagSet.StringP("modcaps", "", "", "Capability adjustment list, e.g. +sys_admin:-chown. Recorded in the configuration only; no capabilities are adjusted from it.")
	if err = viper.BindPFlag("modcaps", flagSet.Lookup("modcaps")); err != nil {
		return err
	}

	flagSet.Uint64P("rlimit-nofile", "", 0, "RLIMIT_NOFILE to request at startup. 0 leaves the inherited limit untouched.")
	if err = viper.BindPFlag("rlimit-nofile", flagSet.Lookup("rlimit-nofile")); err != nil {
		return err
	}

	flagSet.IntP("thread-pool-size", "", 0, "Worker threads per virtqueue. 0 processes requests serially on the virtqueue thread.")
	if err = viper.BindPFlag("thread-pool-size", flagSet.Lookup("thread-pool-size")); err != nil {
		return err
	}

	flagSet.BoolP("debug", "d", false, "Enable debug-level logging.")
	if err = viper.BindPFlag("debug", flagSet.Lookup("debug")); err != nil {
		return err
	}

	flagSet.BoolP("syslog", "", false, "Log to syslog instead of stderr.")
	if err = viper.BindPFlag("syslog", flagSet.Lookup("syslog")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	if err = viper.BindPFlag("log-severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.BoolP("foreground", "f", false, "Run in the foreground instead of daemonizing.")
	if err = viper.BindPFlag("foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.StringSliceP("options", "o", nil, "FUSE-style -o key=val,no_key options; see cfg.ParseOptions.")
	if err = viper.BindPFlag("options", flagSet.Lookup("options")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a log file. Logs to stderr when unset and --syslog is not given.")
	if err = viper.BindPFlag("log-file", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "json", "Log record format: text or json.")
	if err = viper.BindPFlag("log-format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.BoolP("metrics", "", false, "Periodically dump per-opcode request counters and latency histograms to the log.")
	if err = viper.BindPFlag("metrics.enabled", flagSet.Lookup("metrics")); err != nil {
		return err
	}

	flagSet.DurationP("metrics-interval", "", 60*time.Second, "How often --metrics dumps counters and histograms.")
	if err = viper.BindPFlag("metrics.interval", flagSet.Lookup("metrics-interval")); err != nil {
		return err
	}

	flagSet.BoolP("tracing", "", false, "Export a trace span per dispatched request to stdout.")
	if err = viper.BindPFlag("tracing.enabled", flagSet.Lookup("tracing")); err != nil {
		return err
	}

	return nil
}

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

// A vhost-user FUSE file server exporting a host directory tree to a
// guest VM.
//
// Usage:
//
//	virtiofsd [flags]
package cmd

import (
	"fmt"
	"os"

	"github.com/googlecloudplatform/virtiofsd/cfg"
	"github.com/googlecloudplatform/virtiofsd/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile           string
	printCapabilities bool
	bindErr           error
	configFileErr     error
	unmarshalErr      error
	ServerConfig      cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "virtiofsd [flags]",
	Short: "Export a host directory tree to a guest VM over a vhost-user socket",
	Long: `virtiofsd is a vhost-user-fs device backend: it exports a host
          directory tree to a guest VM over a UNIX control socket, speaking
          the FUSE wire protocol across shared virtqueues instead of a
          kernel /dev/fuse character device.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if printCapabilities {
			fmt.Println(capabilitiesJSON())
			return nil
		}
		return runServer(cmd.Context(), ServerConfig)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file, applied before flags.")
	rootCmd.PersistentFlags().BoolVar(&printCapabilities, "print-capabilities", false, "Print supported capabilities in JSON and exit, without exporting anything.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&ServerConfig, viper.DecodeHook(cfg.DecodeHook()))
		return
	}

	resolved, err := util.GetResolvedPath(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&ServerConfig, viper.DecodeHook(cfg.DecodeHook()))
}

// capabilitiesJSON answers --print-capabilities the way the reference
// implementation's helper.c does for a libvirt probe, reporting only the
// device type, without actually entering the sandbox or touching the export.
func capabilitiesJSON() string {
	return `{"type":"fs"}`
}

// Copyright 2024 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command tshd-core runs the remote session and file-transfer daemon: it
// hosts the connection pools, tab registry, SFTP session manager, transfer
// engine and latency probe that a terminal UI drives over its own
// transport.
package main

import (
	"os"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(trace.Wrap(err)).Fatal("tshd-core exited with an error")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tshd-core",
		Short: "Remote session and file-transfer daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return trace.Wrap(configure())
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the persisted JSON config document (default $HOME/.config/tshd-core/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newDoctorCmd())
	return root
}

func configure() error {
	log.SetFormatter(&trace.TextFormatter{})

	if logLevel != "" {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return trace.Wrap(err)
		}
		log.SetLevel(level)
	}

	viper.SetEnvPrefix("TSHD_CORE")
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).Debug("no config file read, continuing with flags and environment only")
		}
	}
	return nil
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.config/tshd-core/config.json"
	}
	return "tshd-core-config.json"
}

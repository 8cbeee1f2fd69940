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

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/runtime"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd() *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon, serving tabs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return trace.Wrap(runServe(passphrase))
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", viper.GetString("passphrase"), "Passphrase used to decrypt persisted connection secrets")
	return cmd
}

func runServe(passphrase string) error {
	logger := log.StandardLogger().WithField(trace.Component, "tshd-core")

	rt := runtime.New(runtime.Config{
		ConfigPath:       resolveConfigPath(),
		ConfigPassphrase: passphrase,
		Log:              logger,
	})
	defer rt.Shutdown()

	logger.Info("daemon started, waiting for a terminal UI to connect")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, tearing down")
	return nil
}

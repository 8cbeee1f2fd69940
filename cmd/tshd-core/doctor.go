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
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/hexterm/termcore/lib/config"
	"github.com/hexterm/termcore/lib/proxy"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Load the persisted config and dial every saved connection's resolved proxy path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return trace.Wrap(runDoctor(passphrase))
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Passphrase used to decrypt persisted connection secrets")
	return cmd
}

func runDoctor(passphrase string) error {
	store := config.NewStore(resolveConfigPath(), passphrase)
	doc, err := store.Load()
	if err != nil {
		return trace.Wrap(err, "loading persisted config")
	}

	fmt.Printf("config loaded: %d top-level connection entries\n", len(doc.Connections))

	resolver := proxy.New()
	var failed int
	walkEntries(doc.Connections, func(entry config.ConnectionEntry) {
		if entry.Host == "" {
			return
		}
		result := checkEntry(resolver, entry)
		if result != nil {
			failed++
			fmt.Printf("  [FAIL] %s (%s:%s): %v\n", entry.Name, entry.Host, entry.Port, result)
		} else {
			fmt.Printf("  [ OK ] %s (%s:%s)\n", entry.Name, entry.Host, entry.Port)
		}
	})

	if failed > 0 {
		return trace.Errorf("%d connection(s) failed to dial", failed)
	}
	return nil
}

func walkEntries(entries []config.ConnectionEntry, visit func(config.ConnectionEntry)) {
	for _, entry := range entries {
		visit(entry)
		if len(entry.Children) > 0 {
			walkEntries(entry.Children, visit)
		}
	}
}

func checkEntry(resolver *proxy.Resolver, entry config.ConnectionEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := resolver.OpenTunnel(ctx, entry.Proxy, entry.Host, entry.Port)
	if err != nil {
		return trace.Wrap(err)
	}
	return conn.Close()
}

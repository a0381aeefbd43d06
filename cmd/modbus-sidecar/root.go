// Copyright 2025 Edgeo SCADA
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

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbus-sidecar",
	Short: "Modbus polling sidecar speaking line-delimited JSON over TCP",
	Long: `modbus-sidecar bridges a host orchestrator to a Modbus device population.

The orchestrator connects over TCP and sends one JSON document per line.
A config message declares the device link (TCP or RTU) and the register
set to poll; the sidecar then streams sampled data points and heartbeats
to every connected session.

Examples:
  # Serve on the default port (ISP_PORT overrides)
  modbus-sidecar serve

  # Serve on an explicit port with a faster heartbeat
  modbus-sidecar serve -p 9000 --heartbeat 5s

  # Run a local Modbus slave for testing
  modbus-sidecar simulate --listen 127.0.0.1:5020 --holding 0=305`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
}

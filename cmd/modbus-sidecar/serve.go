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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	sidecar "github.com/edgeo-scada/modbus-sidecar"
)

var (
	servePort        int
	serveHeartbeat   time.Duration
	serveIdleTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sidecar server",
	Long: `Serve starts the ISP listener and waits for the orchestrator to send a
config message. The listening port comes from --port or the ISP_PORT
environment variable.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", sidecar.DefaultPort, "Listening port (env: ISP_PORT)")
	serveCmd.Flags().DurationVar(&serveHeartbeat, "heartbeat", sidecar.DefaultHeartbeatInterval, "Heartbeat period")
	serveCmd.Flags().DurationVar(&serveIdleTimeout, "idle-timeout", sidecar.DefaultIdleTimeout, "Session idle read deadline")

	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	viper.SetEnvPrefix("ISP")
	viper.AutomaticEnv()
}

func runServe(cmd *cobra.Command, args []string) error {
	srv := sidecar.NewServer(
		sidecar.WithLogger(logger),
		sidecar.WithHeartbeatInterval(serveHeartbeat),
		sidecar.WithIdleTimeout(serveIdleTimeout),
	)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return srv.Close()
	case err := <-errCh:
		if err != nil {
			logger.Error("serve failed", slog.String("error", err.Error()))
		}
		return err
	}
}

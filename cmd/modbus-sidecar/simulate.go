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
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-sidecar/internal/sim"
)

var (
	simListen   string
	simUnit     uint8
	simHolding  []string
	simInput    []string
	simCoils    []string
	simDiscrete []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-memory Modbus TCP slave",
	Long: `Simulate runs a local Modbus TCP slave preloaded with register values,
useful for exercising the sidecar without physical devices.

Examples:
  modbus-sidecar simulate --listen 127.0.0.1:5020 --holding 0=305 --holding 1=17
  modbus-sidecar simulate --coil 3=on --input 10=42`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simListen, "listen", "127.0.0.1:5020", "Listen address")
	simulateCmd.Flags().Uint8Var(&simUnit, "unit", 1, "Unit (slave) id to preload")
	simulateCmd.Flags().StringArrayVar(&simHolding, "holding", nil, "Holding register addr=value (repeatable)")
	simulateCmd.Flags().StringArrayVar(&simInput, "input", nil, "Input register addr=value (repeatable)")
	simulateCmd.Flags().StringArrayVar(&simCoils, "coil", nil, "Coil addr=on|off (repeatable)")
	simulateCmd.Flags().StringArrayVar(&simDiscrete, "discrete", nil, "Discrete input addr=on|off (repeatable)")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	slave := sim.New(logger)

	for _, pair := range simHolding {
		addr, value, err := parseRegisterPair(pair)
		if err != nil {
			return err
		}
		slave.SetHolding(simUnit, addr, value)
	}
	for _, pair := range simInput {
		addr, value, err := parseRegisterPair(pair)
		if err != nil {
			return err
		}
		slave.SetInput(simUnit, addr, value)
	}
	for _, pair := range simCoils {
		addr, on, err := parseBitPair(pair)
		if err != nil {
			return err
		}
		slave.SetCoil(simUnit, addr, on)
	}
	for _, pair := range simDiscrete {
		addr, on, err := parseBitPair(pair)
		if err != nil {
			return err
		}
		slave.SetDiscrete(simUnit, addr, on)
	}

	addr, err := slave.Listen(simListen)
	if err != nil {
		return err
	}
	logger.Info("simulator listening",
		slog.String("addr", addr.String()),
		slog.Int("unit", int(simUnit)))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("simulator stopping")
	return slave.Close()
}

func parseRegisterPair(pair string) (addr, value uint16, err error) {
	k, v, ok := strings.Cut(pair, "=")
	if !ok {
		return 0, 0, fmt.Errorf("invalid register pair %q, want addr=value", pair)
	}
	a, err := strconv.ParseUint(strings.TrimSpace(k), 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid register address %q: %v", k, err)
	}
	val, err := strconv.ParseUint(strings.TrimSpace(v), 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid register value %q: %v", v, err)
	}
	return uint16(a), uint16(val), nil
}

func parseBitPair(pair string) (addr uint16, on bool, err error) {
	k, v, ok := strings.Cut(pair, "=")
	if !ok {
		return 0, false, fmt.Errorf("invalid bit pair %q, want addr=on|off", pair)
	}
	a, err := strconv.ParseUint(strings.TrimSpace(k), 0, 16)
	if err != nil {
		return 0, false, fmt.Errorf("invalid bit address %q: %v", k, err)
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
		on = false
	default:
		return 0, false, fmt.Errorf("invalid bit value %q, want on|off", v)
	}
	return uint16(a), on, nil
}

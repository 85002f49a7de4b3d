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
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacnet-stack/bacnet"
)

var (
	scanTimeout   time.Duration
	scanLowLimit  uint32
	scanHighLimit uint32
	scanNetwork   uint16
	scanDetails   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BACnet devices on the network",
	Long: `Scan discovers BACnet devices by broadcasting Who-Is and collecting the
I-Am answers.

Examples:
  # Discover all devices
  bacnet-stack scan

  # Discover devices with instance IDs 1-100
  bacnet-stack scan --low 1 --high 100

  # Discover devices behind a router on network 5
  bacnet-stack scan --network 5

  # Also read vendor, model and firmware of every device
  bacnet-stack scan --details -o json`,

	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "scan-timeout", 5*time.Second, "Discovery timeout")
	scanCmd.Flags().Uint32Var(&scanLowLimit, "low", 0, "Low limit for device instance range (0 = no limit)")
	scanCmd.Flags().Uint32Var(&scanHighLimit, "high", 0, "High limit for device instance range (0 = no limit)")
	scanCmd.Flags().Uint16Var(&scanNetwork, "network", 0, "Target network number (0 = local, 65535 = global)")
	scanCmd.Flags().BoolVar(&scanDetails, "details", false, "Read device information of each device found")
}

func runScan(cmd *cobra.Command, args []string) error {
	out, err := NewFormatter(viper.GetString("output"), cmd.OutOrStdout())
	if err != nil {
		return err
	}

	discoverOpts := []bacnet.DiscoverOption{
		bacnet.WithDiscoveryTimeout(scanTimeout),
	}
	if scanLowLimit > 0 || scanHighLimit > 0 {
		high := scanHighLimit
		if high == 0 {
			high = bacnet.MaxInstance
		}
		if scanLowLimit > high {
			return fmt.Errorf("--low %d is above --high %d", scanLowLimit, high)
		}
		discoverOpts = append(discoverOpts, bacnet.WithDeviceRange(scanLowLimit, high))
	}
	if scanNetwork > 0 {
		discoverOpts = append(discoverOpts, bacnet.WithTargetNetwork(scanNetwork))
	}

	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout")+scanTimeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	fmt.Fprintln(os.Stderr, "Scanning for BACnet devices...")

	devices, err := client.WhoIs(ctx, discoverOpts...)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ObjectID.Instance < devices[j].ObjectID.Instance
	})

	if scanDetails {
		for i, dev := range devices {
			readCtx, readCancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout")*2)
			info, err := client.ReadDeviceInfo(readCtx, dev.ObjectID.Instance)
			readCancel()
			if err != nil {
				logger.Warn("device info unavailable",
					slog.Uint64("device", uint64(dev.ObjectID.Instance)),
					slog.String("error", err.Error()),
				)
				continue
			}
			devices[i] = info
		}
	}

	if len(devices) == 0 && out.Format() == FormatTable {
		fmt.Fprintln(cmd.OutOrStdout(), "No devices found")
		return nil
	}

	headers := []string{"device_id", "address", "vendor_id", "segmentation", "max_apdu"}
	if scanDetails {
		headers = append(headers, "vendor", "model", "firmware")
	}
	rows := make([][]string, 0, len(devices))
	for _, dev := range devices {
		row := []string{
			strconv.FormatUint(uint64(dev.ObjectID.Instance), 10),
			formatAddress(dev.Address),
			strconv.Itoa(int(dev.VendorID)),
			dev.Segmentation.String(),
			strconv.Itoa(int(dev.MaxAPDULength)),
		}
		if scanDetails {
			row = append(row, dev.VendorName, dev.ModelName, dev.FirmwareRevision)
		}
		rows = append(rows, row)
	}

	if err := out.Records(headers, rows, devices); err != nil {
		return err
	}
	if out.Format() == FormatTable {
		fmt.Fprintf(cmd.OutOrStdout(), "\nFound %d device(s)\n", len(devices))
	}
	return nil
}

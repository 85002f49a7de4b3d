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
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacnet-stack/bacnet"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start an interactive BACnet session",
	Long: `Interactive mode provides a REPL for exploring BACnet devices.

Examples:
  bacnet> scan
  bacnet> use 1234
  bacnet[1234]> list
  bacnet[1234]> read ai:1 pv
  bacnet[1234]> write ao:1 pv 75.5 8
  bacnet[1234]> relinquish ao:1 8`,

	RunE: runInteractive,
}

const interactiveHelp = `
Available commands:
  scan                                   Discover BACnet devices on the network
  use <device-id>                        Select a device to work with
  list                                   List all objects on current device
  read <object> [property]               Read a property (default: present-value)
  write <object> <property> <value> [p]  Write a property, optionally at priority p
  relinquish <object> <priority>         Relinquish a present value command
  info                                   Show current device information
  metrics                                Show client metrics
  help                                   Show this help message
  exit                                   Exit interactive mode

Object format: <type>:<instance>
  Examples: analog-input:1, ai:1, binary-output:5, device:1234

Property shortcuts: pv, name, desc, sf, oos
`

func runInteractive(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx := cmd.Context()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	s := &session{client: client, out: cmd.OutOrStdout(), timeout: viper.GetDuration("timeout")}
	return s.run(ctx, cmd.InOrStdin())
}

// session is the state of an interactive shell
type session struct {
	client  *bacnet.Client
	out     io.Writer
	timeout time.Duration
	device  uint32
}

func (s *session) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) run(ctx context.Context, in io.Reader) error {
	s.printf("BACnet Interactive Shell\nType 'help' for available commands, 'exit' to quit\n\n")

	scanner := bufio.NewScanner(in)
	for {
		if s.device > 0 {
			s.printf("bacnet[%d]> ", s.device)
		} else {
			s.printf("bacnet> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if done := s.exec(ctx, strings.ToLower(parts[0]), parts[1:]); done {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// exec runs one command line and reports whether the session ends
func (s *session) exec(ctx context.Context, command string, args []string) bool {
	needsDevice := map[string]bool{"list": true, "read": true, "write": true, "relinquish": true, "info": true}
	if needsDevice[command] && s.device == 0 {
		s.printf("No device selected. Use 'use <device-id>' first.\n")
		return false
	}

	var err error
	switch command {
	case "exit", "quit", "q":
		s.printf("Goodbye!\n")
		return true
	case "help", "?":
		s.printf("%s", interactiveHelp)
	case "scan":
		err = s.scan(ctx)
	case "use":
		err = s.use(args)
	case "list":
		err = s.list(ctx)
	case "read":
		err = s.read(ctx, args)
	case "write":
		err = s.write(ctx, args)
	case "relinquish":
		err = s.relinquish(ctx, args)
	case "info":
		err = s.info(ctx)
	case "metrics":
		s.metrics()
	default:
		s.printf("Unknown command: %s (type 'help' for available commands)\n", command)
	}
	if err != nil {
		s.printf("Error: %v\n", err)
	}
	return false
}

func (s *session) scan(ctx context.Context) error {
	s.printf("Scanning for devices...\n")

	devices, err := s.client.WhoIs(ctx, bacnet.WithDiscoveryTimeout(3*time.Second))
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		s.printf("No devices found\n")
		return nil
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ObjectID.Instance < devices[j].ObjectID.Instance })
	s.printf("\nFound %d device(s):\n", len(devices))
	for _, dev := range devices {
		s.printf("  Device %d - %s (Vendor: %d)\n", dev.ObjectID.Instance, formatAddress(dev.Address), dev.VendorID)
	}
	s.printf("\n")
	return nil
}

func (s *session) use(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: use <device-id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || id == 0 || id > bacnet.MaxInstance {
		return fmt.Errorf("invalid device ID: %s", args[0])
	}
	s.device = uint32(id)
	s.printf("Selected device %d\n", s.device)
	return nil
}

func (s *session) list(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	objects, err := s.client.GetObjectList(listCtx, s.device)
	if err != nil {
		return err
	}

	byType := make(map[bacnet.ObjectType][]uint32)
	var types []bacnet.ObjectType
	for _, obj := range objects {
		if _, ok := byType[obj.Type]; !ok {
			types = append(types, obj.Type)
		}
		byType[obj.Type] = append(byType[obj.Type], obj.Instance)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	s.printf("\nDevice %d has %d objects:\n", s.device, len(objects))
	for _, t := range types {
		instances := make([]string, len(byType[t]))
		for i, n := range byType[t] {
			instances[i] = strconv.FormatUint(uint64(n), 10)
		}
		s.printf("  %-20s %s\n", t, strings.Join(instances, " "))
	}
	s.printf("\n")
	return nil
}

func (s *session) read(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: read <object> [property]")
	}
	objectID, err := parseObjectIdentifier(args[0])
	if err != nil {
		return err
	}
	prop := "present-value"
	if len(args) >= 2 {
		prop = args[1]
	}
	propID, err := parsePropertyIdentifier(prop)
	if err != nil {
		return err
	}

	readCtx, cancel := context.WithTimeout(ctx, s.timeout*2)
	defer cancel()

	value, err := s.client.ReadProperty(readCtx, s.device, objectID, propID)
	if err != nil {
		return err
	}
	s.printf("%s.%s = %s\n", objectID, propID, formatValue(value))
	return nil
}

func (s *session) write(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: write <object> <property> <value> [priority]")
	}
	objectID, err := parseObjectIdentifier(args[0])
	if err != nil {
		return err
	}
	propID, err := parsePropertyIdentifier(args[1])
	if err != nil {
		return err
	}

	valueArgs := args[2:]
	var opts []bacnet.WriteOption
	if len(valueArgs) > 1 {
		if p, err := strconv.ParseUint(valueArgs[len(valueArgs)-1], 10, 8); err == nil && p >= 1 && p <= 16 {
			opts = append(opts, bacnet.WithPriority(uint8(p)))
			valueArgs = valueArgs[:len(valueArgs)-1]
		}
	}
	value, err := parseValue(strings.Join(valueArgs, " "))
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout*2)
	defer cancel()

	if err := s.client.WriteProperty(writeCtx, s.device, objectID, propID, value, opts...); err != nil {
		return err
	}
	s.printf("OK: %s.%s = %s\n", objectID, propID, formatValue(value))
	return nil
}

func (s *session) relinquish(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: relinquish <object> <priority>")
	}
	objectID, err := parseObjectIdentifier(args[0])
	if err != nil {
		return err
	}
	p, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil || p < 1 || p > 16 {
		return fmt.Errorf("invalid priority: %s", args[1])
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout*2)
	defer cancel()

	err = s.client.WriteProperty(writeCtx, s.device, objectID, bacnet.PropertyPresentValue, nil, bacnet.WithPriority(uint8(p)))
	if err != nil {
		return err
	}
	s.printf("OK: %s priority %d relinquished\n", objectID, p)
	return nil
}

func (s *session) info(ctx context.Context) error {
	infoCtx, cancel := context.WithTimeout(ctx, s.timeout*4)
	defer cancel()

	info, err := s.client.ReadDeviceInfo(infoCtx, s.device)
	if err != nil {
		return err
	}

	s.printf("\nDevice %d at %s:\n", s.device, formatAddress(info.Address))
	for _, kv := range []KeyValue{
		{"Vendor", info.VendorName},
		{"Model", info.ModelName},
		{"Firmware", info.FirmwareRevision},
		{"Software", info.ApplicationSoftware},
		{"Location", info.Location},
		{"Max APDU", info.MaxAPDULength},
		{"Segmentation", info.Segmentation},
	} {
		s.printf("  %-12s: %s\n", kv.Key, formatValue(kv.Value))
	}
	s.printf("\n")
	return nil
}

func (s *session) metrics() {
	m := s.client.Metrics().Snapshot()

	s.printf("\nClient Metrics:\n")
	s.printf("  Uptime:              %s\n", m.Uptime.Round(time.Second))
	s.printf("  Requests Sent:       %d\n", m.RequestsSent)
	s.printf("  Requests Succeeded:  %d\n", m.RequestsSucceeded)
	s.printf("  Requests Failed:     %d\n", m.RequestsFailed)
	s.printf("  Requests Timed Out:  %d\n", m.RequestsTimedOut)
	s.printf("  Retries:             %d\n", m.Retries)
	s.printf("  Devices Discovered:  %d\n", m.DevicesDiscovered)
	s.printf("  COV Notifications:   %d\n", m.COVNotifications)
	s.printf("  Bytes Sent:          %d\n", m.BytesSent)
	s.printf("  Bytes Received:      %d\n", m.BytesReceived)

	if m.LatencyStats.Count > 0 {
		s.printf("  Avg Latency:         %s\n", m.LatencyStats.Avg.Round(time.Microsecond))
		s.printf("  Min Latency:         %s\n", m.LatencyStats.Min.Round(time.Microsecond))
		s.printf("  Max Latency:         %s\n", m.LatencyStats.Max.Round(time.Microsecond))
	}
	s.printf("\n")
}

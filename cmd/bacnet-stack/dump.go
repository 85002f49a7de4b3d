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
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacnet-stack/bacnet"
)

var (
	dumpFile       string
	dumpProperties []string
	dumpTypes      []string
	dumpAll        bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the objects and properties of a device",
	Long: `Dump reads the object list of a device, then the properties of every
object with one ReadPropertyMultiple per object.

Examples:
  # Dump all objects to stdout
  bacnet-stack dump -d 1234

  # Dump to a JSON file
  bacnet-stack dump -d 1234 -f device_backup.json -o json

  # Dump analog objects only
  bacnet-stack dump -d 1234 --types analog-input,analog-output

  # Every property each object lists
  bacnet-stack dump -d 1234 --all`,

	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpFile, "file", "f", "", "Output file (default: stdout)")
	dumpCmd.Flags().StringSliceVar(&dumpProperties, "props", []string{"object-name", "present-value", "description", "units", "status-flags"}, "Properties to read")
	dumpCmd.Flags().StringSliceVar(&dumpTypes, "types", nil, "Object types to include (default: all)")
	dumpCmd.Flags().BoolVar(&dumpAll, "all", false, "Read every property of each object (property identifier 'all')")
}

// DumpObject is one object of a dump
type DumpObject struct {
	ObjectID   string                 `json:"object_id"`
	ObjectType string                 `json:"object_type"`
	Instance   uint32                 `json:"instance"`
	Properties map[string]interface{} `json:"properties"`
	order      []string
}

// DumpResult is the dump of one device
type DumpResult struct {
	DeviceID  uint32       `json:"device_id"`
	Timestamp time.Time    `json:"timestamp"`
	Objects   []DumpObject `json:"objects"`
}

func runDump(cmd *cobra.Command, args []string) error {
	device, err := targetDevice()
	if err != nil {
		return err
	}

	var types []bacnet.ObjectType
	for _, name := range dumpTypes {
		t, ok := bacnet.ParseObjectType(name)
		if !ok {
			return fmt.Errorf("unknown object type: %s", name)
		}
		types = append(types, t)
	}

	props := []bacnet.PropertyIdentifier{bacnet.PropertyAll}
	if !dumpAll {
		props, err = parsePropertyList(dumpProperties)
		if err != nil {
			return err
		}
	}

	var w io.Writer = cmd.OutOrStdout()
	if dumpFile != "" {
		f, err := os.Create(dumpFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	out, err := NewFormatter(viper.GetString("output"), w)
	if err != nil {
		return err
	}

	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	fmt.Fprintln(os.Stderr, "Retrieving object list...")
	objects, err := client.GetObjectList(ctx, device)
	if err != nil {
		return fmt.Errorf("get object list: %w", err)
	}
	objects = filterObjects(objects, types)
	fmt.Fprintf(os.Stderr, "Reading %d objects\n", len(objects))

	result := DumpResult{
		DeviceID:  device,
		Timestamp: time.Now(),
		Objects:   make([]DumpObject, 0, len(objects)),
	}

	for i, obj := range objects {
		fmt.Fprintf(os.Stderr, "\rReading object %d/%d: %s", i+1, len(objects), obj)

		requests := make([]bacnet.ReadPropertyRequest, len(props))
		for j, p := range props {
			requests[j] = bacnet.ReadPropertyRequest{ObjectID: obj, PropertyID: p}
		}

		readCtx, readCancel := context.WithTimeout(ctx, viper.GetDuration("timeout")*2)
		values, err := client.ReadPropertyMultiple(readCtx, device, requests)
		readCancel()
		if err != nil {
			logger.Debug("read failed", slog.String("object", obj.String()), slog.String("error", err.Error()))
			values = nil
		}

		d := DumpObject{
			ObjectID:   obj.String(),
			ObjectType: obj.Type.String(),
			Instance:   obj.Instance,
			Properties: make(map[string]interface{}),
		}
		for _, v := range values {
			if v.Err != nil {
				continue
			}
			name := v.PropertyID.String()
			d.Properties[name] = jsonValue(v.Value)
			d.order = append(d.order, name)
		}
		result.Objects = append(result.Objects, d)
	}
	fmt.Fprintln(os.Stderr, "\nDump complete")

	switch out.Format() {
	case FormatJSON:
		return out.JSON(result)
	case FormatCSV:
		headers, rows := dumpRows(result)
		return out.Records(headers, rows, result)
	default:
		writeDumpTable(w, result)
		return nil
	}
}

func filterObjects(objects []bacnet.ObjectIdentifier, types []bacnet.ObjectType) []bacnet.ObjectIdentifier {
	if len(types) == 0 {
		return objects
	}
	filtered := make([]bacnet.ObjectIdentifier, 0, len(objects))
	for _, obj := range objects {
		for _, t := range types {
			if obj.Type == t {
				filtered = append(filtered, obj)
				break
			}
		}
	}
	return filtered
}

// dumpRows flattens a dump to one row per object; the columns are the
// union of the properties read, in first seen order
func dumpRows(result DumpResult) ([]string, [][]string) {
	headers := []string{"object_id", "object_type", "instance"}
	seen := make(map[string]bool)
	var columns []string
	for _, obj := range result.Objects {
		for _, name := range obj.order {
			if !seen[name] {
				seen[name] = true
				columns = append(columns, name)
			}
		}
	}
	headers = append(headers, columns...)

	rows := make([][]string, 0, len(result.Objects))
	for _, obj := range result.Objects {
		row := []string{obj.ObjectID, obj.ObjectType, fmt.Sprint(obj.Instance)}
		for _, name := range columns {
			v, ok := obj.Properties[name]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, formatValue(v))
		}
		rows = append(rows, row)
	}
	return headers, rows
}

func writeDumpTable(w io.Writer, result DumpResult) {
	fmt.Fprintf(w, "Device %d - %d objects\n", result.DeviceID, len(result.Objects))
	fmt.Fprintf(w, "Timestamp: %s\n\n", result.Timestamp.Format(time.RFC3339))

	for _, obj := range result.Objects {
		fmt.Fprintf(w, "=== %s ===\n", obj.ObjectID)
		for _, name := range obj.order {
			fmt.Fprintf(w, "  %-25s: %s\n", name, formatValue(obj.Properties[name]))
		}
		fmt.Fprintln(w)
	}
}

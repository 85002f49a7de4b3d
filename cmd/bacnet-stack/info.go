package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacnet-stack/bacnet"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display device information",
	Long: `Info reads the Device object of a device and prints its identity,
protocol support and object count.

Examples:
  # Get device info
  bacnet-stack info -d 1234

  # Get info in JSON format
  bacnet-stack info -d 1234 -o json`,

	RunE: runInfo,
}

// infoProperties are read with one ReadPropertyMultiple, in display order
var infoProperties = []struct {
	label string
	prop  bacnet.PropertyIdentifier
}{
	{"Object Name", bacnet.PropertyObjectName},
	{"Description", bacnet.PropertyDescription},
	{"Location", bacnet.PropertyLocation},
	{"Vendor Name", bacnet.PropertyVendorName},
	{"Vendor ID", bacnet.PropertyVendorIdentifier},
	{"Model Name", bacnet.PropertyModelName},
	{"Firmware Revision", bacnet.PropertyFirmwareRevision},
	{"Application Software", bacnet.PropertyApplicationSoftwareVersion},
	{"Protocol Version", bacnet.PropertyProtocolVersion},
	{"Protocol Revision", bacnet.PropertyProtocolRevision},
	{"System Status", bacnet.PropertySystemStatus},
	{"Max APDU Length", bacnet.PropertyMaxApduLengthAccepted},
	{"Segmentation", bacnet.PropertySegmentationSupported},
	{"Database Revision", bacnet.PropertyDatabaseRevision},
}

func runInfo(cmd *cobra.Command, args []string) error {
	out, err := NewFormatter(viper.GetString("output"), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	device, err := targetDevice()
	if err != nil {
		return err
	}

	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout")*10)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	oid := bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, device)
	requests := make([]bacnet.ReadPropertyRequest, len(infoProperties))
	for i, p := range infoProperties {
		requests[i] = bacnet.ReadPropertyRequest{ObjectID: oid, PropertyID: p.prop}
	}
	values, err := client.ReadPropertyMultiple(ctx, device, requests)
	if err != nil {
		return fmt.Errorf("read device: %w", err)
	}
	byProp := make(map[bacnet.PropertyIdentifier]interface{}, len(values))
	for _, v := range values {
		if v.Err == nil {
			byProp[v.PropertyID] = v.Value
		}
	}

	// index 0 of an array is its length
	count, err := client.ReadProperty(ctx, device, oid, bacnet.PropertyObjectList, bacnet.WithArrayIndex(0))
	if err == nil {
		byProp[bacnet.PropertyObjectList] = count
	}

	pairs := []KeyValue{{"Device", oid}}
	doc := map[string]interface{}{"device_id": device}
	for _, p := range infoProperties {
		v, ok := byProp[p.prop]
		if !ok {
			continue
		}
		pairs = append(pairs, KeyValue{p.label, v})
		doc[p.prop.String()] = jsonValue(v)
	}
	if v, ok := byProp[bacnet.PropertyObjectList]; ok {
		pairs = append(pairs, KeyValue{"Object Count", v})
		doc["object-count"] = v
	}

	switch out.Format() {
	case FormatJSON:
		return out.JSON(doc)
	case FormatCSV:
		rows := make([][]string, len(pairs))
		for i, kv := range pairs {
			rows[i] = []string{kv.Key, formatValue(kv.Value)}
		}
		return out.Records([]string{"property", "value"}, rows, doc)
	default:
		out.PrintKeyValues(pairs)
		return nil
	}
}

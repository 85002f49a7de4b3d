package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacnet-stack/bacnet"
)

var (
	readObject     string
	readProperties []string
	readArrayIndex int
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read properties of a BACnet object",
	Long: `Read retrieves property values from BACnet objects. One property is read
with ReadProperty, several at once with ReadPropertyMultiple.

Object types can be given by name, short name or number:
  analog-input, ai, 0          binary-value, bv, 5
  analog-output, ao, 1         device, dev, 8
  analog-value, av, 2          multi-state-input, msi, 13
  binary-input, bi, 3          multi-state-output, mso, 14
  binary-output, bo, 4         multi-state-value, msv, 19

Properties can be given by name, short name or number:
  present-value, pv, 85        status-flags, sf, 111
  object-name, name, 77        units, 117
  description, desc, 28        out-of-service, oos, 81

Examples:
  # Read present value from analog input 1
  bacnet-stack read -d 1234 -O analog-input:1

  # Read several properties in one request
  bacnet-stack read -d 1234 -O ai:1 -P pv,name,units

  # Read one element of the object list
  bacnet-stack read -d 1234 -O device:1234 -P object-list --index 1`,

	RunE: runRead,
}

func init() {
	readCmd.Flags().StringVarP(&readObject, "object", "O", "", "Object type and instance (e.g., analog-input:1 or ai:1)")
	readCmd.Flags().StringSliceVarP(&readProperties, "property", "P", []string{"present-value"}, "Property identifiers")
	readCmd.Flags().IntVar(&readArrayIndex, "index", -1, "Array index (-1 for no index)")

	readCmd.MarkFlagRequired("object")
}

// readResult is one property of a read, as printed
type readResult struct {
	Object   string      `json:"object"`
	Property string      `json:"property"`
	Index    *uint32     `json:"index,omitempty"`
	Value    interface{} `json:"value"`
	Error    string      `json:"error,omitempty"`
}

func runRead(cmd *cobra.Command, args []string) error {
	out, err := NewFormatter(viper.GetString("output"), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	device, err := targetDevice()
	if err != nil {
		return err
	}
	objectID, err := parseObjectIdentifier(readObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}
	props, err := parsePropertyList(readProperties)
	if err != nil {
		return fmt.Errorf("invalid property: %w", err)
	}
	var index *uint32
	if readArrayIndex >= 0 {
		i := uint32(readArrayIndex)
		index = &i
	}

	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout")*2)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	var results []readResult
	if len(props) == 1 {
		var opts []bacnet.ReadOption
		if index != nil {
			opts = append(opts, bacnet.WithArrayIndex(*index))
		}
		value, err := client.ReadProperty(ctx, device, objectID, props[0], opts...)
		if err != nil {
			return fmt.Errorf("read property: %w", err)
		}
		results = append(results, readResult{
			Object:   objectID.String(),
			Property: props[0].String(),
			Index:    index,
			Value:    jsonValue(value),
		})
	} else {
		requests := make([]bacnet.ReadPropertyRequest, len(props))
		for i, p := range props {
			requests[i] = bacnet.ReadPropertyRequest{ObjectID: objectID, PropertyID: p, ArrayIndex: index}
		}
		values, err := client.ReadPropertyMultiple(ctx, device, requests)
		if err != nil {
			return fmt.Errorf("read property multiple: %w", err)
		}
		for _, v := range values {
			r := readResult{
				Object:   v.ObjectID.String(),
				Property: v.PropertyID.String(),
				Index:    v.ArrayIndex,
				Value:    jsonValue(v.Value),
			}
			if v.Err != nil {
				r.Value = nil
				r.Error = v.Err.Error()
			}
			results = append(results, r)
		}
	}

	if out.Format() == FormatRaw {
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "error:", r.Error)
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(r.Value))
		}
		return nil
	}

	rows := make([][]string, len(results))
	for i, r := range results {
		value := formatValue(r.Value)
		if r.Error != "" {
			value = "error: " + r.Error
		}
		rows[i] = []string{r.Object, r.Property, value}
	}
	return out.Records([]string{"object", "property", "value"}, rows, results)
}

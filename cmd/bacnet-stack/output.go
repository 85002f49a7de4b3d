package main

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/edgeo/bacnet-stack/bacnet"
)

// OutputFormat represents output format types
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
	FormatRaw   OutputFormat = "raw"
)

// ParseOutputFormat validates an --output value
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatCSV, FormatRaw:
		return f, nil
	case "":
		return FormatTable, nil
	}
	return "", fmt.Errorf("unknown output format %q (table, json, csv, raw)", s)
}

// Formatter writes command results in the selected format
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a formatter writing to w
func NewFormatter(format string, w io.Writer) (*Formatter, error) {
	f, err := ParseOutputFormat(format)
	if err != nil {
		return nil, err
	}
	return &Formatter{format: f, writer: w}, nil
}

// Format returns the selected format
func (f *Formatter) Format() OutputFormat {
	return f.format
}

// Records prints rows under headers. JSON output encodes v instead, so
// values keep their types.
func (f *Formatter) Records(headers []string, rows [][]string, v interface{}) error {
	switch f.format {
	case FormatJSON:
		return f.JSON(v)
	case FormatCSV:
		w := csv.NewWriter(f.writer)
		w.Write(headers)
		w.WriteAll(rows)
		return w.Error()
	case FormatRaw:
		for _, row := range rows {
			fmt.Fprintln(f.writer, strings.Join(row, "\t"))
		}
		return nil
	default:
		f.PrintTable(headers, rows)
		return nil
	}
}

// JSON writes v as indented JSON
func (f *Formatter) JSON(v interface{}) error {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintTable prints data in table format
func (f *Formatter) PrintTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) {
		parts := make([]string, 0, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts = append(parts, fmt.Sprintf("%-*s", widths[i], cell))
		}
		fmt.Fprintln(f.writer, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(headers)
	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}
	line(sep)
	for _, row := range rows {
		line(row)
	}
}

// KeyValue is one line of a key-value listing
type KeyValue struct {
	Key   string
	Value interface{}
}

// PrintKeyValues prints aligned key-value pairs in order
func (f *Formatter) PrintKeyValues(pairs []KeyValue) {
	width := 0
	for _, kv := range pairs {
		if len(kv.Key) > width {
			width = len(kv.Key)
		}
	}
	for _, kv := range pairs {
		fmt.Fprintf(f.writer, "%-*s : %s\n", width, kv.Key, formatValue(kv.Value))
	}
}

// formatValue renders a decoded property value for humans
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	case []byte:
		return hex.EncodeToString(v)
	case bacnet.Enumerated:
		return strconv.FormatUint(uint64(v), 10)
	case fmt.Stringer:
		return v.String()
	case []interface{}:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []bacnet.ObjectIdentifier:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// jsonValue converts a decoded property value to a JSON friendly form
func jsonValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil, bool, float32, float64, string, uint32, int32, bacnet.StatusFlags:
		return v
	case bacnet.Enumerated:
		return uint32(v)
	case []byte:
		return hex.EncodeToString(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = jsonValue(e)
		}
		return out
	case []bacnet.ObjectIdentifier:
		out := make([]string, len(v))
		for i, e := range v {
			out[i] = e.String()
		}
		return out
	case fmt.Stringer:
		return v.String()
	default:
		return v
	}
}

// formatAddress renders a device address; B/IP MACs as ip:port
func formatAddress(addr bacnet.Address) string {
	var mac string
	switch len(addr.Addr) {
	case 0:
		mac = "broadcast"
	case 4:
		mac = fmt.Sprintf("%d.%d.%d.%d", addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
	case 6:
		port := int(addr.Addr[4])<<8 | int(addr.Addr[5])
		mac = fmt.Sprintf("%d.%d.%d.%d:%d", addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3], port)
	default:
		mac = hex.EncodeToString(addr.Addr)
	}
	if addr.Net != 0 {
		return fmt.Sprintf("%d/%s", addr.Net, mac)
	}
	return mac
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacnet-stack/bacnet"
)

var (
	watchObject      string
	watchProperty    string
	watchInterval    time.Duration
	watchCOV         bool
	watchConfirmed   bool
	watchCOVLifetime uint32
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a property for changes",
	Long: `Watch follows a property until interrupted.

Two modes are available:
  - Polling: reads the property every --interval
  - COV: subscribes to Change of Value notifications of the object

Examples:
  # Poll present value every second
  bacnet-stack watch -d 1234 -O analog-input:1 --interval 1s

  # Subscribe to COV notifications
  bacnet-stack watch -d 1234 -O analog-input:1 --cov

  # Confirmed COV notifications, renewed by the device every 5 minutes
  bacnet-stack watch -d 1234 -O analog-input:1 --cov --confirmed --cov-lifetime 300`,

	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchObject, "object", "O", "", "Object type and instance (e.g., analog-input:1)")
	watchCmd.Flags().StringVarP(&watchProperty, "property", "P", "present-value", "Property identifier")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Polling interval")
	watchCmd.Flags().BoolVar(&watchCOV, "cov", false, "Use a COV subscription instead of polling")
	watchCmd.Flags().BoolVar(&watchConfirmed, "confirmed", false, "Request confirmed COV notifications")
	watchCmd.Flags().Uint32Var(&watchCOVLifetime, "cov-lifetime", 0, "COV subscription lifetime in seconds (0 = indefinite)")

	watchCmd.MarkFlagRequired("object")
}

func runWatch(cmd *cobra.Command, args []string) error {
	out, err := NewFormatter(viper.GetString("output"), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	device, err := targetDevice()
	if err != nil {
		return err
	}
	objectID, err := parseObjectIdentifier(watchObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}
	propID, err := parsePropertyIdentifier(watchProperty)
	if err != nil {
		return fmt.Errorf("invalid property: %w", err)
	}

	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// cmd.Context() ends on SIGINT and SIGTERM
	ctx := cmd.Context()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	fmt.Fprintf(os.Stderr, "Watching %s.%s on device %d, press Ctrl+C to stop\n", objectID, propID, device)

	w := &watcher{client: client, device: device, out: out, w: cmd.OutOrStdout()}
	if watchCOV {
		return w.cov(ctx, objectID, propID)
	}
	return w.poll(ctx, objectID, propID)
}

type watcher struct {
	client *bacnet.Client
	device uint32
	out    *Formatter
	w      io.Writer
}

// watchEvent is one observed value
type watchEvent struct {
	Time     time.Time   `json:"time"`
	Object   string      `json:"object"`
	Property string      `json:"property"`
	Value    interface{} `json:"value"`
	Changed  bool        `json:"changed"`
}

func (w *watcher) poll(ctx context.Context, objectID bacnet.ObjectIdentifier, propID bacnet.PropertyIdentifier) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	value, err := w.client.ReadProperty(ctx, w.device, objectID, propID)
	if err != nil {
		return fmt.Errorf("initial read: %w", err)
	}
	w.print(watchEvent{time.Now(), objectID.String(), propID.String(), jsonValue(value), true})
	last := value

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		readCtx, readCancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
		value, err := w.client.ReadProperty(readCtx, w.device, objectID, propID)
		readCancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "[%s] Error: %v\n", time.Now().Format("15:04:05.000"), err)
			continue
		}

		changed := !reflect.DeepEqual(last, value)
		if changed || viper.GetBool("verbose") {
			w.print(watchEvent{time.Now(), objectID.String(), propID.String(), jsonValue(value), changed})
			last = value
		}
	}
}

func (w *watcher) cov(ctx context.Context, objectID bacnet.ObjectIdentifier, propID bacnet.PropertyIdentifier) error {
	opts := []bacnet.SubscribeOption{bacnet.WithConfirmedNotifications(watchConfirmed)}
	if watchCOVLifetime > 0 {
		opts = append(opts, bacnet.WithSubscriptionLifetime(watchCOVLifetime))
	}

	events := make(chan watchEvent, 16)
	handler := func(devID uint32, oid bacnet.ObjectIdentifier, values []bacnet.PropertyValue) {
		for _, pv := range values {
			if pv.PropertyID != propID {
				continue
			}
			select {
			case events <- watchEvent{time.Now(), oid.String(), pv.PropertyID.String(), jsonValue(pv.Value), true}:
			default:
			}
		}
	}

	subID, err := w.client.SubscribeCOV(ctx, w.device, objectID, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribe COV: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Subscribed to COV (process ID %d)\n", subID)

loop:
	for {
		select {
		case ev := <-events:
			w.print(ev)
		case <-ctx.Done():
			break loop
		}
	}

	unsubCtx, unsubCancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer unsubCancel()
	if err := w.client.UnsubscribeCOV(unsubCtx, w.device, objectID, subID); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to unsubscribe: %v\n", err)
	}
	return nil
}

func (w *watcher) print(ev watchEvent) {
	switch w.out.Format() {
	case FormatJSON:
		// One object per line so the stream can be piped
		json.NewEncoder(w.w).Encode(ev)
	case FormatCSV:
		fmt.Fprintf(w.w, "%s,%s,%s,%s,%v\n",
			ev.Time.Format(time.RFC3339Nano), ev.Object, ev.Property, formatValue(ev.Value), ev.Changed)
	default:
		marker := " "
		if ev.Changed {
			marker = "*"
		}
		fmt.Fprintf(w.w, "[%s] %s %s.%s = %s\n",
			ev.Time.Format("15:04:05.000"), marker, ev.Object, ev.Property, formatValue(ev.Value))
	}
}

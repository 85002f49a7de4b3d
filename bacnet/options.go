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

package bacnet

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// options holds configuration shared by the client, the device server and
// the router. Each uses the subset that applies to it.
type options struct {
	// Device configuration
	vendorID uint16

	// Datalink configuration
	datalink         Datalink
	localAddress     string
	broadcastAddress string

	// Network configuration
	networkNumber    uint16
	bbmdAddress      string
	bbmdPort         int
	foreignDeviceTTL time.Duration

	// Timeouts
	timeout    time.Duration
	retries    int
	retryDelay time.Duration

	// APDU configuration
	maxAPDULength uint16
	segmentation  Segmentation

	// Auto-discovery
	autoDiscover    bool
	discoverTimeout time.Duration

	// Device server
	iamLimit         rate.Limit
	iamBurst         int
	covCheckInterval time.Duration

	// Logging
	logger *slog.Logger
}

// defaultOptions returns the default options
func defaultOptions() *options {
	return &options{
		localAddress:     fmt.Sprintf("0.0.0.0:%d", DefaultPort),
		timeout:          3 * time.Second,
		retries:          3,
		retryDelay:       500 * time.Millisecond,
		maxAPDULength:    MaxAPDULength,
		segmentation:     SegmentationNone,
		discoverTimeout:  5 * time.Second,
		foreignDeviceTTL: 5 * time.Minute,
		iamLimit:         rate.Every(100 * time.Millisecond),
		iamBurst:         5,
		covCheckInterval: time.Second,
		logger:           slog.Default(),
	}
}

// newDatalink returns the configured datalink, or a BACnet/IP one built
// from the address options
func (o *options) newDatalink() Datalink {
	if o.datalink != nil {
		return o.datalink
	}

	cfg := BIPConfig{
		LocalAddress:     o.localAddress,
		BroadcastAddress: o.broadcastAddress,
		ForeignDeviceTTL: o.foreignDeviceTTL,
		Timeout:          o.timeout,
		Logger:           o.logger,
	}
	if o.bbmdAddress != "" {
		port := o.bbmdPort
		if port == 0 {
			port = DefaultPort
		}
		cfg.BBMDAddress = fmt.Sprintf("%s:%d", o.bbmdAddress, port)
	}
	return NewBIPDatalink(cfg)
}

// Option is a functional option for the client, device and router
type Option func(*options)

// WithVendorID sets the vendor identifier announced in I-Am
func WithVendorID(id uint16) Option {
	return func(o *options) {
		o.vendorID = id
	}
}

// WithDatalink uses the given datalink instead of BACnet/IP
func WithDatalink(link Datalink) Option {
	return func(o *options) {
		o.datalink = link
	}
}

// WithLocalAddress sets the local address to bind to
func WithLocalAddress(addr string) Option {
	return func(o *options) {
		o.localAddress = addr
	}
}

// WithBroadcastAddress sets the directed broadcast address of the local
// BACnet/IP subnet
func WithBroadcastAddress(addr string) Option {
	return func(o *options) {
		o.broadcastAddress = addr
	}
}

// WithNetworkNumber sets the BACnet network number
func WithNetworkNumber(net uint16) Option {
	return func(o *options) {
		o.networkNumber = net
	}
}

// WithBBMD sets the BBMD (BACnet Broadcast Management Device) address for foreign device registration
func WithBBMD(addr string, port int, ttl time.Duration) Option {
	return func(o *options) {
		o.bbmdAddress = addr
		o.bbmdPort = port
		if ttl > 0 {
			o.foreignDeviceTTL = ttl
		}
	}
}

// WithTimeout sets the request timeout
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRetries sets the number of retries for timed out requests
func WithRetries(n int) Option {
	return func(o *options) {
		o.retries = n
	}
}

// WithRetryDelay sets the delay between retries
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		o.retryDelay = d
	}
}

// WithMaxAPDULength sets the maximum APDU length
func WithMaxAPDULength(length uint16) Option {
	return func(o *options) {
		o.maxAPDULength = length
	}
}

// WithSegmentation sets the segmentation capability a device announces in
// I-Am and in its segmentation-supported property
func WithSegmentation(seg Segmentation) Option {
	return func(o *options) {
		o.segmentation = seg
	}
}

// WithAutoDiscover enables device discovery on connect
func WithAutoDiscover(enable bool) Option {
	return func(o *options) {
		o.autoDiscover = enable
	}
}

// WithDiscoverTimeout sets the timeout for device discovery
func WithDiscoverTimeout(d time.Duration) Option {
	return func(o *options) {
		o.discoverTimeout = d
	}
}

// WithIAmRateLimit limits how fast a device answers Who-Is requests
func WithIAmRateLimit(every time.Duration, burst int) Option {
	return func(o *options) {
		o.iamLimit = rate.Every(every)
		o.iamBurst = burst
	}
}

// WithCOVCheckInterval sets how often subscription lifetimes are checked
func WithCOVCheckInterval(d time.Duration) Option {
	return func(o *options) {
		o.covCheckInterval = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// DiscoverOptions holds configuration for device discovery
type DiscoverOptions struct {
	// Range limits for WhoIs
	LowLimit  *uint32
	HighLimit *uint32

	// Timeout for discovery
	Timeout time.Duration

	// Network to search (0 = local, 0xFFFF = global)
	Network uint16
}

// DiscoverOption is a functional option for discovery
type DiscoverOption func(*DiscoverOptions)

// WithDeviceRange sets the device ID range for discovery
func WithDeviceRange(low, high uint32) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.LowLimit = &low
		o.HighLimit = &high
	}
}

// WithDiscoveryTimeout sets the discovery timeout
func WithDiscoveryTimeout(d time.Duration) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.Timeout = d
	}
}

// WithTargetNetwork sets the target network for discovery
func WithTargetNetwork(net uint16) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.Network = net
	}
}

// ReadOptions holds configuration for read operations
type ReadOptions struct {
	ArrayIndex *uint32
}

// ReadOption is a functional option for read operations
type ReadOption func(*ReadOptions)

// WithArrayIndex sets the array index for reading array properties
func WithArrayIndex(index uint32) ReadOption {
	return func(o *ReadOptions) {
		o.ArrayIndex = &index
	}
}

// WriteOptions holds configuration for write operations
type WriteOptions struct {
	ArrayIndex *uint32
	Priority   *uint8
}

// WriteOption is a functional option for write operations
type WriteOption func(*WriteOptions)

// WithWriteArrayIndex sets the array index for writing array properties
func WithWriteArrayIndex(index uint32) WriteOption {
	return func(o *WriteOptions) {
		o.ArrayIndex = &index
	}
}

// WithPriority sets the priority for writing (1-16, where 1 is highest)
func WithPriority(priority uint8) WriteOption {
	return func(o *WriteOptions) {
		o.Priority = &priority
	}
}

// SubscribeOptions holds configuration for COV subscriptions
type SubscribeOptions struct {
	Lifetime  *uint32
	Confirmed bool
}

// SubscribeOption is a functional option for COV subscriptions
type SubscribeOption func(*SubscribeOptions)

// WithSubscriptionLifetime sets the subscription lifetime in seconds
func WithSubscriptionLifetime(seconds uint32) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Lifetime = &seconds
	}
}

// WithConfirmedNotifications requests confirmed COV notifications
func WithConfirmedNotifications(confirmed bool) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Confirmed = confirmed
	}
}

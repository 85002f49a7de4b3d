package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBIPPort is the standard BACnet/IP UDP port (0xBAC0)
	DefaultBIPPort = 47808

	// BIPMaxAPDU is the largest APDU a BACnet/IP frame can carry
	BIPMaxAPDU = 1476
)

// BIPConfig configures a BACnet/IP datalink
type BIPConfig struct {
	// LocalAddress is the host:port to bind. Empty binds 0.0.0.0:47808.
	LocalAddress string

	// BroadcastAddress is where Original-Broadcast-NPDU frames go.
	// Defaults to 255.255.255.255 on the bound port.
	BroadcastAddress string

	// BBMDAddress enables foreign device registration when set.
	BBMDAddress      string
	ForeignDeviceTTL time.Duration

	Timeout time.Duration
	Logger  *slog.Logger
}

// BIP is a BACnet/IP (Annex J) datalink over UDP
type BIP struct {
	cfg    BIPConfig
	udp    *UDPTransport
	logger *slog.Logger

	mu        sync.RWMutex
	broadcast *net.UDPAddr
	bbmd      *net.UDPAddr
	// localIPs are the host addresses that count as this station when
	// the socket is bound to the unspecified address
	localIPs []net.IP

	registered atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewBIP creates a BACnet/IP datalink. Nothing is bound until Open.
func NewBIP(cfg BIPConfig) *BIP {
	if cfg.LocalAddress == "" {
		cfg.LocalAddress = net.JoinHostPort("0.0.0.0", strconv.Itoa(DefaultBIPPort))
	}
	if cfg.ForeignDeviceTTL <= 0 {
		cfg.ForeignDeviceTTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	udp := NewUDPTransport(cfg.LocalAddress)
	if cfg.Timeout > 0 {
		udp.SetReadTimeout(cfg.Timeout)
		udp.SetWriteTimeout(cfg.Timeout)
	}

	return &BIP{
		cfg:    cfg,
		udp:    udp,
		logger: cfg.Logger,
	}
}

// Open binds the socket and, when a BBMD is configured, starts foreign
// device registration.
func (b *BIP) Open(ctx context.Context) error {
	if err := b.udp.Open(ctx); err != nil {
		return err
	}

	local := b.udp.LocalAddr()
	broadcast := b.cfg.BroadcastAddress
	if broadcast == "" {
		broadcast = net.JoinHostPort("255.255.255.255", strconv.Itoa(local.Port))
	}
	baddr, err := net.ResolveUDPAddr("udp4", broadcast)
	if err != nil {
		b.udp.Close()
		return fmt.Errorf("resolve broadcast address: %w", err)
	}

	var bbmd *net.UDPAddr
	if b.cfg.BBMDAddress != "" {
		bbmd, err = net.ResolveUDPAddr("udp4", b.cfg.BBMDAddress)
		if err != nil {
			b.udp.Close()
			return fmt.Errorf("resolve BBMD address: %w", err)
		}
	}

	var localIPs []net.IP
	if local.IP == nil || local.IP.IsUnspecified() {
		localIPs = b.interfaceIPs()
	}

	b.mu.Lock()
	b.broadcast = baddr
	b.bbmd = bbmd
	b.localIPs = localIPs
	b.mu.Unlock()

	b.logger.Debug("bip datalink open",
		slog.String("local_addr", local.String()),
		slog.String("broadcast_addr", baddr.String()),
	)

	if bbmd != nil {
		regCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.done = make(chan struct{})
		go b.maintainRegistration(regCtx, bbmd)
	}

	return nil
}

// Close releases the socket and stops re-registration
func (b *BIP) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
		b.cancel = nil
	}
	b.registered.Store(false)
	return b.udp.Close()
}

// maintainRegistration registers with the BBMD and renews at half the TTL
func (b *BIP) maintainRegistration(ctx context.Context, bbmd *net.UDPAddr) {
	defer close(b.done)

	ttl := uint16(b.cfg.ForeignDeviceTTL / time.Second)
	ticker := time.NewTicker(b.cfg.ForeignDeviceTTL / 2)
	defer ticker.Stop()

	for {
		if err := b.udp.Send(ctx, bbmd, EncodeRegisterForeignDevice(ttl)); err != nil {
			b.logger.Warn("foreign device registration failed",
				slog.String("bbmd", bbmd.String()),
				slog.String("error", err.Error()),
			)
		} else {
			b.logger.Debug("foreign device registration sent",
				slog.String("bbmd", bbmd.String()),
				slog.Duration("ttl", b.cfg.ForeignDeviceTTL),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Registered reports whether the BBMD acknowledged our registration
func (b *BIP) Registered() bool {
	return b.registered.Load()
}

// Send delivers an NPDU to one station with Original-Unicast-NPDU
func (b *BIP) Send(ctx context.Context, mac []byte, npdu []byte) error {
	addr, err := DecodeIPAddress(mac)
	if err != nil {
		return err
	}
	return b.udp.Send(ctx, addr, EncodeBVLC(BVLCOriginalUnicastNPDU, npdu))
}

// Broadcast delivers an NPDU to the local subnet, or through the BBMD
// once registered as a foreign device.
func (b *BIP) Broadcast(ctx context.Context, npdu []byte) error {
	b.mu.RLock()
	baddr := b.broadcast
	bbmd := b.bbmd
	b.mu.RUnlock()

	if baddr == nil {
		return ErrNotOpen
	}

	if bbmd != nil && b.registered.Load() {
		return b.udp.Send(ctx, bbmd, EncodeBVLC(BVLCDistributeBroadcastToNetwork, npdu))
	}
	return b.udp.Send(ctx, baddr, EncodeBVLC(BVLCOriginalBroadcastNPDU, npdu))
}

// Receive returns the next NPDU. BVLL control frames are consumed here.
func (b *BIP) Receive(ctx context.Context) (Frame, error) {
	for {
		data, addr, err := b.udp.Receive(ctx)
		if err != nil {
			return Frame{}, err
		}

		bvlc, err := DecodeBVLC(data)
		if err != nil {
			b.logger.Debug("dropping invalid BVLL frame",
				slog.String("from", addr.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		source := EncodeIPAddress(addr)

		switch bvlc.Function {
		case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU:
			if bvlc.Function == BVLCOriginalBroadcastNPDU && b.isSelf(addr) {
				continue
			}
			return Frame{NPDU: bvlc.NPDU, Source: source}, nil

		case BVLCForwardedNPDU:
			if origin, err := DecodeIPAddress(bvlc.Origin); err == nil && b.isSelf(origin) {
				continue
			}
			return Frame{NPDU: bvlc.NPDU, Source: bvlc.Origin}, nil

		case BVLCResult:
			b.handleResult(addr, bvlc.Result)

		default:
			b.logger.Debug("ignoring BVLL function",
				slog.String("function", bvlc.Function.String()),
				slog.String("from", addr.String()),
			)
		}
	}
}

func (b *BIP) handleResult(from *net.UDPAddr, code BVLCResultCode) {
	b.mu.RLock()
	bbmd := b.bbmd
	b.mu.RUnlock()

	fromBBMD := bbmd != nil && bbmd.IP.Equal(from.IP) && bbmd.Port == from.Port

	switch {
	case code == ResultSuccessfulCompletion && fromBBMD:
		if !b.registered.Swap(true) {
			b.logger.Info("registered as foreign device", slog.String("bbmd", from.String()))
		}
	case code == ResultSuccessfulCompletion:
	default:
		if code == ResultRegisterForeignDeviceNAK && fromBBMD {
			b.registered.Store(false)
		}
		b.logger.Warn("BVLC result NAK",
			slog.String("from", from.String()),
			slog.String("result", code.String()),
		)
	}
}

// isSelf reports whether addr is this station, which echoes its own
// broadcasts back to it
func (b *BIP) isSelf(addr *net.UDPAddr) bool {
	local := b.udp.LocalAddr()
	if local == nil || addr.Port != local.Port {
		return false
	}
	if local.IP != nil && !local.IP.IsUnspecified() {
		return local.IP.Equal(addr.IP)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ip := range b.localIPs {
		if ip.Equal(addr.IP) {
			return true
		}
	}
	return false
}

// interfaceIPs lists the IPv4 addresses of the host
func (b *BIP) interfaceIPs() []net.IP {
	ips := []net.IP{net.IPv4(127, 0, 0, 1)}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		b.logger.Debug("listing interface addresses failed", slog.String("error", err.Error()))
		return ips
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				ips = append(ips, ip4)
			}
		}
	}
	return ips
}

// LocalMAC returns the 6 byte B/IP address of the bound socket
func (b *BIP) LocalMAC() []byte {
	addr := b.udp.LocalAddr()
	if addr == nil {
		return nil
	}
	return EncodeIPAddress(addr)
}

// LocalAddr returns the bound UDP address
func (b *BIP) LocalAddr() *net.UDPAddr {
	return b.udp.LocalAddr()
}

// MaxAPDU returns the largest APDU accepted on BACnet/IP
func (b *BIP) MaxAPDU() int {
	return BIPMaxAPDU
}

// IsClosedError reports whether err means the datalink was shut down
func IsClosedError(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed)
}

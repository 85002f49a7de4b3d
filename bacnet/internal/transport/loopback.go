package transport

import (
	"context"
	"encoding/hex"
	"sync"
)

// loopbackQueue is the per-station inbox size. Frames beyond it are dropped,
// the same as a saturated UDP socket buffer.
const loopbackQueue = 256

// Hub is an in-memory network segment. Every Loopback attached to it
// can reach the others by MAC address or by broadcast.
type Hub struct {
	mu       sync.RWMutex
	stations map[string]*Loopback
	maxAPDU  int
}

// NewHub creates an empty segment
func NewHub() *Hub {
	return &Hub{
		stations: make(map[string]*Loopback),
		maxAPDU:  BIPMaxAPDU,
	}
}

// SetMaxAPDU changes the max APDU reported by stations attached afterwards
func (h *Hub) SetMaxAPDU(n int) {
	h.mu.Lock()
	h.maxAPDU = n
	h.mu.Unlock()
}

// Attach creates a station with the given MAC address on the segment
func (h *Hub) Attach(mac []byte) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := &Loopback{
		hub:     h,
		mac:     append([]byte(nil), mac...),
		inbox:   make(chan Frame, loopbackQueue),
		done:    make(chan struct{}),
		maxAPDU: h.maxAPDU,
	}
	h.stations[hex.EncodeToString(mac)] = l
	return l
}

func (h *Hub) detach(l *Loopback) {
	h.mu.Lock()
	key := hex.EncodeToString(l.mac)
	if h.stations[key] == l {
		delete(h.stations, key)
	}
	h.mu.Unlock()
}

func (h *Hub) deliver(to []byte, f Frame) {
	h.mu.RLock()
	dst := h.stations[hex.EncodeToString(to)]
	h.mu.RUnlock()

	if dst != nil {
		dst.enqueue(f)
	}
}

func (h *Hub) flood(from *Loopback, f Frame) {
	h.mu.RLock()
	targets := make([]*Loopback, 0, len(h.stations))
	for _, l := range h.stations {
		if l != from {
			targets = append(targets, l)
		}
	}
	h.mu.RUnlock()

	for _, l := range targets {
		l.enqueue(f)
	}
}

// Loopback is a Datalink attached to a Hub
type Loopback struct {
	hub     *Hub
	mac     []byte
	inbox   chan Frame
	maxAPDU int

	mu     sync.RWMutex
	open   bool
	closed bool
	done   chan struct{}
}

// Open marks the station as reachable
func (l *Loopback) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.open = true
	return nil
}

// Close detaches the station from its hub
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.open = false
	close(l.done)
	l.hub.detach(l)
	return nil
}

func (l *Loopback) ready() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}
	if !l.open {
		return ErrNotOpen
	}
	return nil
}

func (l *Loopback) enqueue(f Frame) {
	if l.ready() != nil {
		return
	}
	select {
	case l.inbox <- f:
	default:
	}
}

func (l *Loopback) frame(npdu []byte) Frame {
	return Frame{
		NPDU:   append([]byte(nil), npdu...),
		Source: append([]byte(nil), l.mac...),
	}
}

// Send delivers an NPDU to the station with the given MAC, if attached
func (l *Loopback) Send(ctx context.Context, mac []byte, npdu []byte) error {
	if err := l.ready(); err != nil {
		return err
	}
	l.hub.deliver(mac, l.frame(npdu))
	return nil
}

// Broadcast delivers an NPDU to every other station on the hub
func (l *Loopback) Broadcast(ctx context.Context, npdu []byte) error {
	if err := l.ready(); err != nil {
		return err
	}
	l.hub.flood(l, l.frame(npdu))
	return nil
}

// Receive blocks until a frame arrives, ctx is done or the station closes
func (l *Loopback) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-l.inbox:
		return f, nil
	case <-l.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// LocalMAC returns the station address
func (l *Loopback) LocalMAC() []byte {
	return l.mac
}

// MaxAPDU returns the max APDU configured on the hub
func (l *Loopback) MaxAPDU() int {
	return l.maxAPDU
}

package bacnet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/edgeo/bacnet-stack/bacnet/internal/transport"
)

// RouterPort connects a router to one network
type RouterPort struct {
	Network uint16
	Link    Datalink
}

// Route is an entry of the routing table
type Route struct {
	Network uint16 `json:"network"`
	// Port is the network number of the port the route leads through
	Port uint16 `json:"port"`
	// NextHop is the MAC of the next router, empty when directly connected
	NextHop []byte `json:"next_hop,omitempty"`
}

type routeEntry struct {
	port    *RouterPort
	nextHop []byte
}

// Router forwards NPDUs between the networks of its ports
type Router struct {
	ports   []*RouterPort
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	routes map[uint16]routeEntry
}

// NewRouter creates a router. Each port needs a distinct network number.
func NewRouter(ports []RouterPort, opts ...Option) (*Router, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if len(ports) < 2 {
		return nil, fmt.Errorf("bacnet: router needs at least two ports, got %d", len(ports))
	}

	r := &Router{
		logger:  o.logger,
		metrics: NewMetrics("router"),
		routes:  make(map[uint16]routeEntry),
	}
	for i := range ports {
		p := ports[i]
		if p.Network == 0 || p.Network == GlobalNetwork {
			return nil, fmt.Errorf("bacnet: invalid port network %d", p.Network)
		}
		if p.Link == nil {
			return nil, fmt.Errorf("bacnet: port %d: %w", p.Network, ErrNoDatalink)
		}
		if _, dup := r.routes[p.Network]; dup {
			return nil, fmt.Errorf("bacnet: duplicate port network %d", p.Network)
		}
		r.ports = append(r.ports, &p)
		r.routes[p.Network] = routeEntry{port: &p}
	}
	return r, nil
}

// Metrics returns the router metrics
func (r *Router) Metrics() *Metrics {
	return r.metrics
}

// Routes returns the routing table ordered by network number
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]Route, 0, len(r.routes))
	for net, e := range r.routes {
		routes = append(routes, Route{
			Network: net,
			Port:    e.port.Network,
			NextHop: append([]byte(nil), e.nextHop...),
		})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Network < routes[j].Network })
	return routes
}

// Run opens every port and forwards traffic until ctx is done
func (r *Router) Run(ctx context.Context) error {
	for i, p := range r.ports {
		r.metrics.ConnectAttempts.Inc()
		if err := p.Link.Open(ctx); err != nil {
			r.metrics.ConnectFailures.Inc()
			for _, opened := range r.ports[:i] {
				opened.Link.Close()
			}
			return fmt.Errorf("open port %d: %w", p.Network, err)
		}
		r.metrics.ConnectSuccesses.Inc()
	}
	defer func() {
		for _, p := range r.ports {
			p.Link.Close()
			r.metrics.Disconnects.Inc()
		}
	}()

	for _, p := range r.ports {
		r.announce(ctx, p, r.reachableVia(p))
	}

	r.logger.Info("router started", slog.Int("ports", len(r.ports)))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.ports {
		g.Go(func() error {
			return r.serve(gctx, p)
		})
	}
	return g.Wait()
}

func (r *Router) serve(ctx context.Context, p *RouterPort) error {
	for {
		f, err := p.Link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("port %d: %w", p.Network, err)
		}
		r.metrics.RecordActivity()
		r.handleFrame(ctx, p, f)
	}
}

// reachableVia lists the networks reachable through ports other than p
func (r *Router) reachableVia(p *RouterPort) []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nets []uint16
	for net, e := range r.routes {
		if e.port != p {
			nets = append(nets, net)
		}
	}
	sort.Slice(nets, func(i, j int) bool { return nets[i] < nets[j] })
	return nets
}

func (r *Router) lookup(net uint16) (routeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.routes[net]
	return e, ok
}

// learn records that net is reachable through nextHop on port p and
// reports whether the routing table changed. Directly connected networks
// are never overridden, and a learned route only moves to a new next hop
// on the port it was learned on.
func (r *Router) learn(net uint16, p *RouterPort, nextHop []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.routes[net]; ok {
		if e.nextHop == nil || e.port != p || bytes.Equal(e.nextHop, nextHop) {
			return false
		}
	}
	r.routes[net] = routeEntry{port: p, nextHop: append([]byte(nil), nextHop...)}
	r.logger.Debug("route learned",
		slog.Uint64("network", uint64(net)),
		slog.Uint64("port", uint64(p.Network)),
		slog.String("next_hop", hex.EncodeToString(nextHop)),
	)
	return true
}

func (r *Router) announce(ctx context.Context, p *RouterPort, nets []uint16) {
	if len(nets) == 0 {
		return
	}
	msg := NewNetworkMessage(NetworkMessageIAmRouterToNetwork, EncodeNetworkList(nets))
	if err := p.Link.Broadcast(ctx, msg.Encode()); err != nil {
		r.logger.Debug("announce failed",
			slog.Uint64("port", uint64(p.Network)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Router) drop(reason string, p *RouterPort, npdu *NPDU) {
	r.metrics.FramesDropped.Inc()
	r.logger.Debug("frame dropped",
		slog.String("reason", reason),
		slog.Uint64("port", uint64(p.Network)),
		slog.Uint64("dnet", uint64(npdu.DestNet)),
	)
}

func (r *Router) handleFrame(ctx context.Context, p *RouterPort, f Frame) {
	npdu, err := DecodeNPDU(f.NPDU)
	if err != nil {
		r.metrics.FramesDropped.Inc()
		return
	}

	if npdu.HasSource() {
		if npdu.SrcNet == p.Network {
			r.drop("source network is the arrival network", p, npdu)
			return
		}
		r.learn(npdu.SrcNet, p, f.Source)
	}

	if !npdu.HasDestination() {
		if npdu.IsNetworkMessage() {
			r.handleNetworkMessage(ctx, p, npdu, f.Source)
		}
		return
	}

	if npdu.IsNetworkMessage() && npdu.DestNet == GlobalNetwork {
		r.handleNetworkMessage(ctx, p, npdu, f.Source)
	}

	r.forward(ctx, p, npdu, f.Source)
}

// forward routes an NPDU that carries a destination network
func (r *Router) forward(ctx context.Context, from *RouterPort, npdu *NPDU, sourceMAC []byte) {
	if npdu.DestNet == from.Network {
		r.drop("destination is the arrival network", from, npdu)
		return
	}
	if npdu.DestHopCount == 0 {
		r.drop("hop count exhausted", from, npdu)
		return
	}
	npdu.DestHopCount--

	if !npdu.HasSource() {
		npdu.SetSource(from.Network, sourceMAC)
	}

	if npdu.DestNet == GlobalNetwork {
		for _, p := range r.ports {
			if p == from {
				continue
			}
			r.send(ctx, p, nil, npdu)
		}
		return
	}

	e, ok := r.lookup(npdu.DestNet)
	if !ok {
		r.reject(ctx, from, npdu, sourceMAC)
		return
	}

	if e.nextHop == nil {
		// Deliver on a directly connected network
		mac := npdu.DestAddr
		npdu.ClearDestination()
		r.send(ctx, e.port, mac, npdu)
		return
	}
	r.send(ctx, e.port, e.nextHop, npdu)
}

func (r *Router) send(ctx context.Context, p *RouterPort, mac []byte, npdu *NPDU) {
	var err error
	if len(mac) == 0 {
		err = p.Link.Broadcast(ctx, npdu.Encode())
	} else {
		err = p.Link.Send(ctx, mac, npdu.Encode())
	}
	if err != nil {
		r.metrics.FramesDropped.Inc()
		r.logger.Debug("forward failed",
			slog.Uint64("port", uint64(p.Network)),
			slog.String("error", err.Error()),
		)
		return
	}
	r.metrics.FramesForwarded.Inc()
}

// reject tells the originator that the destination network is unknown
func (r *Router) reject(ctx context.Context, p *RouterPort, npdu *NPDU, sourceMAC []byte) {
	r.metrics.RejectsSent.Inc()
	r.logger.Debug("unknown network",
		slog.Uint64("dnet", uint64(npdu.DestNet)),
		slog.Uint64("port", uint64(p.Network)),
	)

	msg := NewNetworkMessage(NetworkMessageRejectMessageToNetwork,
		EncodeRejectMessageToNetwork(NetworkRejectUnknownNetwork, npdu.DestNet))
	if npdu.SrcNet != 0 && npdu.SrcNet != p.Network {
		msg.SetDestination(npdu.SrcNet, npdu.SrcAddr, DefaultHopCount)
	}
	if err := p.Link.Send(ctx, sourceMAC, msg.Encode()); err != nil {
		r.logger.Debug("reject failed", slog.String("error", err.Error()))
	}
}

func (r *Router) handleNetworkMessage(ctx context.Context, p *RouterPort, npdu *NPDU, from []byte) {
	switch npdu.MessageType {
	case NetworkMessageWhoIsRouterToNetwork:
		nets, err := DecodeNetworkList(npdu.Data)
		if err != nil {
			return
		}
		reachable := r.reachableVia(p)
		if len(nets) == 0 {
			r.announce(ctx, p, reachable)
			return
		}
		for _, net := range reachable {
			if net == nets[0] {
				r.announce(ctx, p, []uint16{net})
				return
			}
		}

	case NetworkMessageIAmRouterToNetwork:
		nets, err := DecodeNetworkList(npdu.Data)
		if err != nil {
			return
		}
		var changed []uint16
		for _, net := range nets {
			if r.learn(net, p, from) {
				changed = append(changed, net)
			}
		}
		// Tell the other networks what is now reachable through us
		for _, other := range r.ports {
			if other != p {
				r.announce(ctx, other, changed)
			}
		}

	case NetworkMessageWhatIsNetworkNumber:
		if npdu.HasSource() || npdu.HasDestination() {
			return
		}
		msg := NewNetworkMessage(NetworkMessageNetworkNumberIs, EncodeNetworkNumberIs(p.Network, true))
		if err := p.Link.Broadcast(ctx, msg.Encode()); err != nil {
			r.logger.Debug("network number reply failed", slog.String("error", err.Error()))
		}

	case NetworkMessageRejectMessageToNetwork:
		reason, net, err := DecodeRejectMessageToNetwork(npdu.Data)
		if err != nil {
			return
		}
		r.logger.Warn("message rejected",
			slog.Uint64("network", uint64(net)),
			slog.String("reason", reason.String()),
		)
	}
}

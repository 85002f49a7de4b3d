package bacnet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/edgeo/bacnet-stack/bacnet/internal/transport"
)

// Datalink is a BACnet data link: BACnet/IP or an in-memory segment
type Datalink = transport.Datalink

// Frame is an NPDU received from a data link
type Frame = transport.Frame

// BIPConfig configures a BACnet/IP data link
type BIPConfig = transport.BIPConfig

// LoopbackHub is an in-memory network segment
type LoopbackHub = transport.Hub

// NewBIPDatalink creates a BACnet/IP data link
func NewBIPDatalink(cfg BIPConfig) Datalink {
	return transport.NewBIP(cfg)
}

// NewLoopbackHub creates an in-memory network segment. Stations attach
// with Attach(mac).
func NewLoopbackHub() *LoopbackHub {
	return transport.NewHub()
}

// Message is an application layer message received from the network
type Message struct {
	Source         Address
	ExpectingReply bool
	Priority       NPDUControl
	APDU           []byte
}

// NetworkLayer is the network layer of a BACnet end node. It addresses
// local and remote networks and learns the routers leading to them.
type NetworkLayer struct {
	link   Datalink
	logger *slog.Logger

	mu      sync.RWMutex
	network uint16
	routes  map[uint16][]byte
}

// NewNetworkLayer creates a network layer over a data link. network is the
// number of the local network, 0 when unknown.
func NewNetworkLayer(link Datalink, network uint16, logger *slog.Logger) *NetworkLayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkLayer{
		link:    link,
		logger:  logger,
		network: network,
		routes:  make(map[uint16][]byte),
	}
}

// Open opens the data link
func (n *NetworkLayer) Open(ctx context.Context) error {
	return n.link.Open(ctx)
}

// Close closes the data link
func (n *NetworkLayer) Close() error {
	return n.link.Close()
}

// LocalMAC returns the MAC address of the data link
func (n *NetworkLayer) LocalMAC() []byte {
	return n.link.LocalMAC()
}

// MaxAPDU returns the largest APDU the data link carries
func (n *NetworkLayer) MaxAPDU() int {
	return n.link.MaxAPDU()
}

// NetworkNumber returns the local network number, 0 when unknown
func (n *NetworkLayer) NetworkNumber() uint16 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.network
}

// Routes returns a copy of the learned routing table: network number to
// router MAC address
func (n *NetworkLayer) Routes() map[uint16][]byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	routes := make(map[uint16][]byte, len(n.routes))
	for net, mac := range n.routes {
		routes[net] = append([]byte(nil), mac...)
	}
	return routes
}

// AddRoute sets the router through which a remote network is reached
func (n *NetworkLayer) AddRoute(net uint16, routerMAC []byte) {
	n.mu.Lock()
	n.routes[net] = append([]byte(nil), routerMAC...)
	n.mu.Unlock()
}

func (n *NetworkLayer) route(net uint16) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	mac, ok := n.routes[net]
	return mac, ok
}

func (n *NetworkLayer) isLocal(net uint16) bool {
	if net == 0 {
		return true
	}
	local := n.NetworkNumber()
	return local != 0 && net == local
}

// Send sends an APDU to dest
func (n *NetworkLayer) Send(ctx context.Context, dest Address, apdu []byte, expectingReply bool, priority NPDUControl) error {
	npdu := NewAPDUNPDU(apdu, expectingReply, priority)
	return n.sendNPDU(ctx, dest, npdu)
}

func (n *NetworkLayer) sendNPDU(ctx context.Context, dest Address, npdu *NPDU) error {
	switch {
	case n.isLocal(dest.Net):
		if dest.IsBroadcast() {
			return n.link.Broadcast(ctx, npdu.Encode())
		}
		return n.link.Send(ctx, dest.Addr, npdu.Encode())

	case dest.Net == GlobalNetwork:
		npdu.SetDestination(GlobalNetwork, nil, DefaultHopCount)
		return n.link.Broadcast(ctx, npdu.Encode())

	default:
		npdu.SetDestination(dest.Net, dest.Addr, DefaultHopCount)
		if mac, ok := n.route(dest.Net); ok {
			return n.link.Send(ctx, mac, npdu.Encode())
		}
		// Routers on the local network forward what they can reach
		return n.link.Broadcast(ctx, npdu.Encode())
	}
}

// WhoIsRouter asks the local routers which networks they reach. A nil net
// asks for all networks.
func (n *NetworkLayer) WhoIsRouter(ctx context.Context, net *uint16) error {
	var data []byte
	if net != nil {
		data = EncodeNetworkList([]uint16{*net})
	}
	return n.link.Broadcast(ctx, NewNetworkMessage(NetworkMessageWhoIsRouterToNetwork, data).Encode())
}

// WhatIsNetworkNumber asks the local network for its number
func (n *NetworkLayer) WhatIsNetworkNumber(ctx context.Context) error {
	return n.link.Broadcast(ctx, NewNetworkMessage(NetworkMessageWhatIsNetworkNumber, nil).Encode())
}

// Receive returns the next application message. Network layer messages
// are processed internally.
func (n *NetworkLayer) Receive(ctx context.Context) (Message, error) {
	for {
		f, err := n.link.Receive(ctx)
		if err != nil {
			return Message{}, err
		}

		npdu, err := DecodeNPDU(f.NPDU)
		if err != nil {
			n.logger.Debug("invalid NPDU",
				slog.String("from", hex.EncodeToString(f.Source)),
				slog.String("error", err.Error()),
			)
			continue
		}

		if npdu.HasDestination() && !n.acceptDestination(npdu) {
			continue
		}

		src := Address{Addr: f.Source}
		if npdu.HasSource() {
			src = Address{Net: npdu.SrcNet, Addr: npdu.SrcAddr}
			n.learn(npdu.SrcNet, f.Source)
		}

		if npdu.IsNetworkMessage() {
			n.handleNetworkMessage(ctx, npdu, f.Source)
			continue
		}

		return Message{
			Source:         src,
			ExpectingReply: npdu.ExpectingReply(),
			Priority:       npdu.Priority(),
			APDU:           npdu.Data,
		}, nil
	}
}

func (n *NetworkLayer) acceptDestination(npdu *NPDU) bool {
	if npdu.DestNet != GlobalNetwork && !(n.NetworkNumber() != 0 && npdu.DestNet == n.NetworkNumber()) {
		return false
	}
	return len(npdu.DestAddr) == 0 || bytes.Equal(npdu.DestAddr, n.link.LocalMAC())
}

func (n *NetworkLayer) learn(net uint16, routerMAC []byte) {
	if n.isLocal(net) {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if mac, ok := n.routes[net]; ok && bytes.Equal(mac, routerMAC) {
		return
	}
	n.routes[net] = append([]byte(nil), routerMAC...)
	n.logger.Debug("route learned",
		slog.Uint64("network", uint64(net)),
		slog.String("router", hex.EncodeToString(routerMAC)),
	)
}

func (n *NetworkLayer) handleNetworkMessage(ctx context.Context, npdu *NPDU, from []byte) {
	switch npdu.MessageType {
	case NetworkMessageIAmRouterToNetwork:
		nets, err := DecodeNetworkList(npdu.Data)
		if err != nil {
			return
		}
		for _, net := range nets {
			n.learn(net, from)
		}

	case NetworkMessageRejectMessageToNetwork:
		reason, net, err := DecodeRejectMessageToNetwork(npdu.Data)
		if err != nil {
			return
		}
		n.logger.Warn("message rejected by router",
			slog.Uint64("network", uint64(net)),
			slog.String("reason", reason.String()),
		)
		if reason == NetworkRejectUnknownNetwork {
			n.mu.Lock()
			delete(n.routes, net)
			n.mu.Unlock()
		}

	case NetworkMessageWhatIsNetworkNumber:
		// Only answered on the local network
		if npdu.HasSource() || npdu.HasDestination() {
			return
		}
		if net := n.NetworkNumber(); net != 0 {
			msg := NewNetworkMessage(NetworkMessageNetworkNumberIs, EncodeNetworkNumberIs(net, true))
			if err := n.link.Broadcast(ctx, msg.Encode()); err != nil {
				n.logger.Debug("network number reply failed", slog.String("error", err.Error()))
			}
		}

	case NetworkMessageNetworkNumberIs:
		if npdu.HasSource() {
			return
		}
		net, _, err := DecodeNetworkNumberIs(npdu.Data)
		if err != nil {
			return
		}
		n.mu.Lock()
		if n.network == 0 {
			n.network = net
			n.logger.Info("network number learned", slog.Uint64("network", uint64(net)))
		}
		n.mu.Unlock()

	default:
		n.logger.Debug("network message ignored",
			slog.String("type", npdu.MessageType.String()),
			slog.String("from", fmt.Sprintf("%x", from)),
		)
	}
}

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

// Package transport provides the data link bindings for BACnet communication
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by a datalink that has been closed
	ErrClosed = errors.New("transport: closed")

	// ErrNotOpen is returned when sending on a datalink that was never opened
	ErrNotOpen = errors.New("transport: not open")
)

// Frame is a network layer PDU received from a datalink along with the
// MAC address of the station that sent it.
type Frame struct {
	NPDU   []byte
	Source []byte
}

// Datalink moves NPDUs between stations of a single BACnet network segment.
//
// MAC addresses are opaque to the network layer: 6 bytes (IPv4 + port) for
// BACnet/IP, arbitrary for in-memory segments.
type Datalink interface {
	Open(ctx context.Context) error
	Close() error

	// Send delivers an NPDU to a single station.
	Send(ctx context.Context, mac []byte, npdu []byte) error

	// Broadcast delivers an NPDU to every station on the segment.
	Broadcast(ctx context.Context, npdu []byte) error

	// Receive blocks until a frame arrives or ctx is done.
	Receive(ctx context.Context) (Frame, error)

	LocalMAC() []byte
	MaxAPDU() int
}

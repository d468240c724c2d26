// This file is part of communicatord, a cluster message broker in Golang.
// Copyright (C) 2019-2022 Bernd Fix  >Y<
//
// communicatord is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// communicatord is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

// Package transport implements the broker's connection primitives:
// listening and established endpoints over stream (TCP or Unix) and
// datagram (UDP) carriers, plain or TLS, plus the permanent-connection
// retry state machine used for outbound peer links.
package transport

import (
	"fmt"
	"net"

	"communicatord/util"

	"github.com/bfix/gospel/concurrent"
)

// Error codes
var (
	ErrChannelNotImplemented = fmt.Errorf("protocol not implemented")
	ErrChannelNotOpened      = fmt.Errorf("channel not opened")
	ErrChannelInterrupted    = fmt.Errorf("channel interrupted")
	ErrChannelClosed         = fmt.Errorf("channel closed by peer")
)

////////////////////////////////////////////////////////////////////////
// CHANNEL

// Channel is an abstraction for exchanging arbitrary data over the
// stream carriers an Address can describe. Channels are created by
// clients via 'NewChannel()' or handed out by a ChannelServer for
// every accepted connection.
type Channel interface {
	Open(addr *util.Address) error                    // open channel (for read/write)
	Close() error                                     // close open channel
	IsOpen() bool                                     // check if channel is open
	Read([]byte, *concurrent.Signaller) (int, error)  // read from channel
	Write([]byte, *concurrent.Signaller) (int, error) // write to channel
	RemoteAddr() net.Addr                             // peer address (nil if not open)
}

// NewChannel creates a new channel to the specified endpoint and opens it.
func NewChannel(addr *util.Address) (Channel, error) {
	var ch Channel
	switch addr.Scheme {
	case util.SchemePlainTCP, util.SchemeUnix:
		ch = NewNetworkChannel(addr.Network())
	case util.SchemeSecureTCP:
		ch = NewSecureChannel(nil)
	default:
		return nil, ErrChannelNotImplemented
	}
	err := ch.Open(addr)
	return ch, err
}

////////////////////////////////////////////////////////////////////////
// CHANNEL SERVER

// ChannelServer creates a listener for the specified endpoint. Every
// accepted connection is delivered as a new Channel on the handler
// channel; a nil Channel signals listener termination.
type ChannelServer interface {
	Open(addr *util.Address, hdlr chan<- Channel) error
	Address() net.Addr
	Close() error
}

// NewChannelServer instantiates and opens a listener for the address.
func NewChannelServer(addr *util.Address, hdlr chan<- Channel) (cs ChannelServer, err error) {
	switch addr.Scheme {
	case util.SchemePlainTCP, util.SchemeUnix:
		cs = NewNetworkChannelServer(addr.Network())
	case util.SchemeSecureTCP:
		cs = NewSecureChannelServer(nil)
	default:
		return nil, ErrChannelNotImplemented
	}
	err = cs.Open(addr, hdlr)
	return
}

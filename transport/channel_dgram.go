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

package transport

import (
	"net"

	"communicatord/util"

	"github.com/bfix/gospel/concurrent"
)

////////////////////////////////////////////////////////////////////////
// Datagram channel (UDP, plain or broadcast)

// dgramResult passes a receive result out of the worker go-routine.
type dgramResult struct {
	count int
	from  net.Addr
	err   error
}

// DatagramChannel is a connection-less endpoint supporting one-shot,
// best-effort sends and address-tagged receives. It backs the UDP
// signal listener and the broadcast-udp discovery scheme.
type DatagramChannel struct {
	conn net.PacketConn
}

// NewDatagramChannel binds a datagram endpoint to the given address.
// For broadcast-udp the bind is on the wildcard address with the
// group's port so broadcasts from any interface are received.
func NewDatagramChannel(addr *util.Address) (ch *DatagramChannel, err error) {
	if addr.Network() != "udp" {
		return nil, ErrChannelNotImplemented
	}
	local := addr.Endpoint()
	if addr.Scheme == util.SchemeBroadcastUDP {
		if _, port, e := net.SplitHostPort(local); e == nil {
			local = ":" + port
		}
	}
	ch = new(DatagramChannel)
	ch.conn, err = net.ListenPacket("udp", local)
	return
}

// SendTo transmits buf to the given address, one-shot and best-effort.
func (c *DatagramChannel) SendTo(buf []byte, addr *util.Address) error {
	if c.conn == nil {
		return ErrChannelNotOpened
	}
	to, err := net.ResolveUDPAddr("udp", addr.Endpoint())
	if err != nil {
		return err
	}
	_, err = c.conn.WriteTo(buf, to)
	return err
}

// ReceiveFrom reads one datagram, returning the payload size and the
// sender address. The read can be aborted by sending 'true' on the
// signaller; the channel is closed after such interruption.
func (c *DatagramChannel) ReceiveFrom(buf []byte, sig *concurrent.Signaller) (int, net.Addr, error) {
	if c.conn == nil {
		return 0, nil, ErrChannelNotOpened
	}
	result := make(chan *dgramResult)
	go func() {
		n, from, err := c.conn.ReadFrom(buf)
		result <- &dgramResult{count: n, from: from, err: err}
	}()

	listener, err := sig.Listener()
	if err != nil {
		return 0, nil, err
	}
	defer listener.Close()
	for {
		select {
		case x := <-listener.Signal():
			switch val := x.(type) {
			case bool:
				if val {
					c.conn.Close()
					c.conn = nil
					return 0, nil, ErrChannelInterrupted
				}
			}
		case res := <-result:
			return res.count, res.from, res.err
		}
	}
}

// Address returns the bound local address.
func (c *DatagramChannel) Address() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Close releases the socket.
func (c *DatagramChannel) Close() error {
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return ErrChannelNotOpened
}

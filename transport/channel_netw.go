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
	"os"
	"path"

	"communicatord/util"

	"github.com/bfix/gospel/concurrent"
	"github.com/bfix/gospel/logger"
)

// ChannelResult for read/write operations on channels.
type ChannelResult struct {
	count int   // number of bytes read/written
	err   error // error (or nil)
}

// NewChannelResult instantiates a new object with given attributes.
func NewChannelResult(n int, err error) *ChannelResult {
	return &ChannelResult{
		count: n,
		err:   err,
	}
}

// Values returns the attributes of a result instance (for passing up
// the call stack).
func (cr *ChannelResult) Values() (int, error) {
	return cr.count, cr.err
}

////////////////////////////////////////////////////////////////////////
// Generic network-based Channel

// NetworkChannel is a stream channel over a net.Conn.
type NetworkChannel struct {
	network string   // network protocol identifier ("tcp", "unix")
	conn    net.Conn // associated connection
}

// NewNetworkChannel creates a new channel for a given network protocol.
// The channel is in pending state and needs to be opened before use.
func NewNetworkChannel(netw string) Channel {
	return &NetworkChannel{
		network: netw,
		conn:    nil,
	}
}

// WrapConn turns an established connection (e.g. from a listener)
// into a NetworkChannel.
func WrapConn(netw string, conn net.Conn) Channel {
	return &NetworkChannel{
		network: netw,
		conn:    conn,
	}
}

// Open a network channel to the given address. The address network must
// match the network specification of the underlying instance.
func (c *NetworkChannel) Open(addr *util.Address) (err error) {
	if addr.Network() != c.network {
		return ErrChannelNotImplemented
	}
	c.conn, err = net.Dial(c.network, addr.Endpoint())
	return
}

// Close a network channel
func (c *NetworkChannel) Close() error {
	if c.conn != nil {
		rc := c.conn.Close()
		c.conn = nil
		return rc
	}
	return ErrChannelNotOpened
}

// IsOpen returns true if the channel is opened
func (c *NetworkChannel) IsOpen() bool {
	return c.conn != nil
}

// RemoteAddr returns the address of the connected peer.
func (c *NetworkChannel) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Read bytes from a network channel into buffer: Returns the number of
// read bytes and an error code. The read can be aborted by sending
// 'true' on the signaller; the channel is closed after such interruption.
func (c *NetworkChannel) Read(buf []byte, sig *concurrent.Signaller) (int, error) {
	if c.conn == nil {
		return 0, ErrChannelNotOpened
	}
	// perform operation in go-routine
	result := make(chan *ChannelResult)
	go func() {
		result <- NewChannelResult(c.conn.Read(buf))
	}()

	listener, err := sig.Listener()
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	for {
		select {
		// handle terminate command
		case x := <-listener.Signal():
			switch val := x.(type) {
			case bool:
				if val {
					c.conn.Close()
					c.conn = nil
					return 0, ErrChannelInterrupted
				}
			}
		// handle result of read operation
		case res := <-result:
			return res.Values()
		}
	}
}

// Write buffer to a network channel: Returns the number of written bytes
// and an error code. The write operation can be aborted by sending 'true'
// on the signaller; the network channel is closed after such interrupt.
func (c *NetworkChannel) Write(buf []byte, sig *concurrent.Signaller) (int, error) {
	if c.conn == nil {
		return 0, ErrChannelNotOpened
	}
	// perform operation in go-routine
	result := make(chan *ChannelResult)
	go func() {
		result <- NewChannelResult(c.conn.Write(buf))
	}()

	listener, err := sig.Listener()
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	for {
		select {
		// handle terminate command
		case x := <-listener.Signal():
			switch val := x.(type) {
			case bool:
				if val {
					c.conn.Close()
					return 0, ErrChannelInterrupted
				}
			}
		// handle result of write operation
		case res := <-result:
			return res.Values()
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Generic network-based ChannelServer

// NetworkChannelServer is a stream listener handing out NetworkChannels.
type NetworkChannelServer struct {
	network  string       // network protocol to listen on
	listener net.Listener // reference to listener object
}

// NewNetworkChannelServer creates a server for the given network protocol.
func NewNetworkChannelServer(netw string) ChannelServer {
	return &NetworkChannelServer{
		network:  netw,
		listener: nil,
	}
}

// Open a network channel server (= start running it) for the given
// address. For every client connection to the server, the associated
// network channel for the connection is sent via the hdlr channel.
func (s *NetworkChannelServer) Open(addr *util.Address, hdlr chan<- Channel) (err error) {
	if addr.Network() != s.network {
		return ErrChannelNotImplemented
	}
	if s.network == "unix" {
		if err = util.EnforceDirExists(path.Dir(addr.Path)); err != nil {
			return
		}
		// remove stale socket left over from a previous run
		os.Remove(addr.Path)
	}
	// create listener
	if s.listener, err = net.Listen(s.network, addr.Endpoint()); err != nil {
		return
	}
	if s.network == "unix" {
		if err := os.Chmod(addr.Path, 0770); err != nil {
			logger.Printf(logger.ERROR,
				"[transport] failed to set permissions on '%s': %s\n",
				addr.Path, err.Error())
		}
	}
	// run go routine to handle channel requests from clients
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				// signal failure and terminate
				hdlr <- nil
				break
			}
			// send channel to handler
			hdlr <- &NetworkChannel{
				network: s.network,
				conn:    conn,
			}
		}
		if s.listener != nil {
			s.listener.Close()
		}
	}()

	return nil
}

// Address returns the listen address (with any dynamically assigned port).
func (s *NetworkChannelServer) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close a network channel server (= stop the server)
func (s *NetworkChannelServer) Close() error {
	if s.listener != nil {
		err := s.listener.Close()
		s.listener = nil
		return err
	}
	return nil
}

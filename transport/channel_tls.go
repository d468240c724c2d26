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
	"crypto/tls"
	"net"

	"communicatord/util"

	"github.com/bfix/gospel/logger"
)

// LoadServerTLS assembles a server-side TLS configuration from the
// certificate and key files named in the daemon configuration.
func LoadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

////////////////////////////////////////////////////////////////////////
// TLS stream Channel

// SecureChannel is a NetworkChannel whose connection is wrapped in TLS.
// Peer daemons in a cluster commonly use certificates issued for host
// names the dialer does not resolve, so certificate verification is
// delegated to the deployment (a private CA in the client config) and
// skipped when no client configuration is given.
type SecureChannel struct {
	NetworkChannel
	cfg *tls.Config
}

// NewSecureChannel creates a pending TLS channel with the given client
// configuration (nil for the default).
func NewSecureChannel(cfg *tls.Config) Channel {
	if cfg == nil {
		cfg = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // see type comment
			MinVersion:         tls.VersionTLS12,
		}
	}
	return &SecureChannel{
		NetworkChannel: NetworkChannel{network: "tcp"},
		cfg:            cfg,
	}
}

// Open dials the address and runs the TLS client handshake.
func (c *SecureChannel) Open(addr *util.Address) (err error) {
	if addr.Network() != "tcp" {
		return ErrChannelNotImplemented
	}
	var raw net.Conn
	if raw, err = net.Dial("tcp", addr.Endpoint()); err != nil {
		return
	}
	conn := tls.Client(raw, c.cfg)
	if err = conn.Handshake(); err != nil {
		raw.Close()
		return
	}
	c.conn = conn
	return nil
}

////////////////////////////////////////////////////////////////////////
// TLS stream ChannelServer

// SecureChannelServer is a TCP listener whose accepted connections are
// wrapped in server-side TLS before being handed out.
type SecureChannelServer struct {
	listener net.Listener
	cfg      *tls.Config
}

// NewSecureChannelServer creates a pending TLS listener for the given
// server configuration (certificate and key already loaded).
func NewSecureChannelServer(cfg *tls.Config) ChannelServer {
	return &SecureChannelServer{cfg: cfg}
}

// Open starts the listener. The TLS handshake for an accepted
// connection runs lazily on first read/write, so a slow client cannot
// stall the accept loop.
func (s *SecureChannelServer) Open(addr *util.Address, hdlr chan<- Channel) (err error) {
	if addr.Network() != "tcp" {
		return ErrChannelNotImplemented
	}
	if s.cfg == nil || len(s.cfg.Certificates) == 0 {
		logger.Println(logger.ERROR, "[transport] TLS listener without certificate")
		return ErrChannelNotImplemented
	}
	if s.listener, err = net.Listen("tcp", addr.Endpoint()); err != nil {
		return
	}
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				hdlr <- nil
				break
			}
			hdlr <- &NetworkChannel{
				network: "tcp",
				conn:    tls.Server(conn, s.cfg),
			}
		}
		if s.listener != nil {
			s.listener.Close()
		}
	}()
	return nil
}

// Address returns the listen address.
func (s *SecureChannelServer) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener.
func (s *SecureChannelServer) Close() error {
	if s.listener != nil {
		err := s.listener.Close()
		s.listener = nil
		return err
	}
	return nil
}

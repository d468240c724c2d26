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
	"bytes"
	"fmt"
	"net"
	"sync"

	"communicatord/message"

	"github.com/bfix/gospel/concurrent"
	"github.com/bfix/gospel/logger"
)

// Framing errors.
var (
	ErrMsgTooLong = fmt.Errorf("wire line exceeds maximum length")
)

// MaxLineLength bounds a single wire line; longer input marks the
// sender invalid.
const MaxLineLength = 65536

// MsgChannel is a wrapper around a plain Channel for broker message
// exchange: one message per newline-terminated line.
type MsgChannel struct {
	ch      Channel
	sendMtx sync.Mutex
	pending bytes.Buffer // received bytes not yet consumed as lines
	buf     []byte
}

// NewMsgChannel wraps a plain Channel for message exchange.
func NewMsgChannel(ch Channel) *MsgChannel {
	return &MsgChannel{
		ch:  ch,
		buf: make([]byte, 4096),
	}
}

// Close a MsgChannel by closing the wrapped plain Channel.
func (c *MsgChannel) Close() error {
	return c.ch.Close()
}

// IsOpen returns true if the underlying channel is open.
func (c *MsgChannel) IsOpen() bool {
	return c.ch.IsOpen()
}

// RemoteAddr returns the peer address of the underlying channel.
func (c *MsgChannel) RemoteAddr() net.Addr {
	return c.ch.RemoteAddr()
}

// Send a message over the channel. The write is atomic at the line
// level: concurrent senders never interleave within one line.
func (c *MsgChannel) Send(msg *message.Message, sig *concurrent.Signaller) error {
	line, err := msg.Marshal()
	if err != nil {
		return err
	}
	logger.Printf(logger.DBG, "==> %s\n", line)

	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()
	data := append([]byte(line), '\n')
	for len(data) > 0 {
		n, err := c.ch.Write(data, sig)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Receive the next message from the channel, reading more bytes from
// the carrier as needed to complete a line.
func (c *MsgChannel) Receive(sig *concurrent.Signaller) (*message.Message, error) {
	for {
		// consume a complete line if one is buffered
		if raw := c.pending.Bytes(); len(raw) > 0 {
			if idx := bytes.IndexByte(raw, '\n'); idx >= 0 {
				line := string(raw[:idx])
				c.pending.Next(idx + 1)
				if line == "" {
					// empty keep-alive line; skip
					continue
				}
				logger.Printf(logger.DBG, "<== %s\n", line)
				return message.Parse(line)
			}
		}
		if c.pending.Len() > MaxLineLength {
			return nil, ErrMsgTooLong
		}
		// need more bytes
		n, err := c.ch.Read(c.buf, sig)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrChannelClosed
		}
		c.pending.Write(c.buf[:n])
	}
}

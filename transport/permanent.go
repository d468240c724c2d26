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
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"communicatord/message"
	"communicatord/util"

	"github.com/bfix/gospel/concurrent"
	"github.com/bfix/gospel/logger"
)

// ConnState is the lifecycle state of a permanent connection.
type ConnState int

// Permanent connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDraining
)

// String returns a printable state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	}
	return "disconnected"
}

// Permanent connection errors.
var (
	ErrPermNotConnected = fmt.Errorf("permanent connection not established")
	ErrPermStopped      = fmt.Errorf("permanent connection stopped")
)

// PermanentConnection keeps an outbound stream link alive: it dials,
// retries with backoff on transient failures, frames messages once
// connected, and on hangup starts over from the head of the backoff
// schedule. All callbacks run on the connection's own go-routine.
type PermanentConnection struct {
	Addr *util.Address // dial target

	// callbacks (set before Start, not changed afterwards)
	OnConnected func(*PermanentConnection)          // link established
	OnMessage   func(*message.Message)              // message received
	OnHangup    func()                              // established link lost
	OnFailed    func(count int, span time.Duration) // between connect attempts

	tlsCfg *tls.Config // client TLS config for secure-tcp targets

	mtx      sync.Mutex
	state    ConnState
	cursor   *util.BackoffCursor
	override time.Duration // one-shot delay for the next retry (0 = schedule)
	msg      *MsgChannel   // valid while state == StateConnected
	sig      *concurrent.Signaller
	outQ     chan *message.Message
	stopped  chan struct{}

	failures  int       // consecutive failed connect attempts
	firstFail time.Time // time of the first failure in the streak
}

// NewPermanentConnection creates a pending permanent connection to the
// given address with the given backoff schedule (nil for the default).
func NewPermanentConnection(addr *util.Address, schedule []time.Duration, tlsCfg *tls.Config) *PermanentConnection {
	if schedule == nil {
		schedule = util.DefaultBackoff
	}
	return &PermanentConnection{
		Addr:    addr,
		tlsCfg:  tlsCfg,
		cursor:  util.NewBackoffCursor(schedule),
		sig:     concurrent.NewSignaller(),
		outQ:    make(chan *message.Message, 64),
		stopped: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (p *PermanentConnection) State() ConnState {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.state
}

// IsConnected returns true while the link is established.
func (p *PermanentConnection) IsConnected() bool {
	return p.State() == StateConnected
}

// Send queues a message for transmission. Queued messages survive a
// reconnect; the queue is drained on Stop before the link closes.
func (p *PermanentConnection) Send(m *message.Message) error {
	select {
	case <-p.stopped:
		return ErrPermStopped
	default:
	}
	select {
	case p.outQ <- m:
		return nil
	default:
		return ErrPermNotConnected
	}
}

// SetNextDelay overrides the delay before the next connect attempt
// (used when a peer REFUSEs with shutdown or too-busy). The override
// applies once; afterwards the schedule resumes.
func (p *PermanentConnection) SetNextDelay(d time.Duration) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.override = d
}

// Start runs the connection state machine until the context is
// cancelled or Stop is called.
func (p *PermanentConnection) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop drains the output queue (while connected) and shuts the state
// machine down.
func (p *PermanentConnection) Stop() {
	p.mtx.Lock()
	if p.state == StateConnected {
		p.state = StateDraining
	}
	p.mtx.Unlock()
	select {
	case <-p.stopped:
	default:
		close(p.stopped)
	}
}

// run is the Disconnected -> Connecting -> Connected -> Draining loop.
func (p *PermanentConnection) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopped:
			return
		default:
		}

		// attempt to connect
		p.setState(StateConnecting)
		ch, err := p.dial()
		if err != nil {
			p.noteFailure(err)
			delay := p.nextDelay()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-p.stopped:
				return
			}
			continue
		}

		// connected: reset bookkeeping
		p.mtx.Lock()
		p.state = StateConnected
		p.msg = NewMsgChannel(ch)
		p.cursor.Reset()
		p.failures = 0
		p.firstFail = time.Time{}
		msg := p.msg
		p.mtx.Unlock()
		logger.Printf(logger.INFO, "[transport] connected to %s\n", p.Addr)
		if p.OnConnected != nil {
			p.OnConnected(p)
		}

		// writer: drain the output queue onto the link. On Stop the
		// queue is flushed and the link closed, which also unblocks
		// the reader below.
		linkDown := make(chan struct{})
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case m := <-p.outQ:
					if err := msg.Send(m, p.sig); err != nil {
						logger.Printf(logger.WARN, "[transport] send to %s failed: %s\n",
							p.Addr, err.Error())
						msg.Close()
						return
					}
				case <-p.stopped:
					// drain whatever is still queued, then close
					for {
						select {
						case m := <-p.outQ:
							if err := msg.Send(m, p.sig); err != nil {
								msg.Close()
								return
							}
						default:
							msg.Close()
							return
						}
					}
				case <-linkDown:
					return
				}
			}
		}()

		// reader: deliver incoming messages until the link drops
		for {
			m, err := msg.Receive(p.sig)
			if err != nil {
				break
			}
			if p.OnMessage != nil {
				p.OnMessage(m)
			}
		}
		close(linkDown)
		msg.Close()
		<-writerDone
		p.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-p.stopped:
			return
		default:
		}
		if p.OnHangup != nil {
			p.OnHangup()
		}
	}
}

// dial opens the carrier for the target address, plain or TLS.
func (p *PermanentConnection) dial() (Channel, error) {
	var ch Channel
	if p.Addr.IsSecure() {
		ch = NewSecureChannel(p.tlsCfg)
	} else {
		ch = NewNetworkChannel(p.Addr.Network())
	}
	if err := ch.Open(p.Addr); err != nil {
		return nil, err
	}
	return ch, nil
}

// noteFailure updates the consecutive-failure streak and notifies the
// owner between attempts.
func (p *PermanentConnection) noteFailure(err error) {
	p.mtx.Lock()
	p.failures++
	if p.failures == 1 {
		p.firstFail = time.Now()
	}
	count := p.failures
	span := time.Since(p.firstFail)
	p.mtx.Unlock()
	logger.Printf(logger.DBG, "[transport] connect to %s failed (#%d): %s\n",
		p.Addr, count, err.Error())
	if p.OnFailed != nil {
		p.OnFailed(count, span)
	}
}

// nextDelay returns the delay before the next attempt, honoring a
// one-shot override.
func (p *PermanentConnection) nextDelay() time.Duration {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.override > 0 {
		d := p.override
		p.override = 0
		return d
	}
	return p.cursor.Next()
}

// setState updates the lifecycle state unless already draining.
func (p *PermanentConnection) setState(s ConnState) {
	p.mtx.Lock()
	if p.state != StateDraining {
		p.state = s
	}
	p.mtx.Unlock()
}

// Channel returns the current message channel (nil while disconnected).
func (p *PermanentConnection) Channel() *MsgChannel {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.state != StateConnected {
		return nil
	}
	return p.msg
}

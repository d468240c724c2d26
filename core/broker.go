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

package core

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"os"
	"path/filepath"
	"time"

	"communicatord/config"
	"communicatord/message"
	"communicatord/store"
	"communicatord/transport"
	"communicatord/util"

	"github.com/bfix/gospel/concurrent"
	"github.com/bfix/gospel/logger"
)

// BrokerService is the destination-service name addressing the daemon
// itself.
const BrokerService = "communicatord"

// Timer periods for the broker loop.
const (
	sweepPeriod     = 10 * time.Second // cache and seen-set garbage collection
	heartbeatPeriod = time.Minute      // cluster status recomputation
	gossipPeriod    = time.Minute      // gossip probe retry
)

// Reconnect delays mandated by the failure discipline.
const (
	DelayPeerShutdown = 5 * time.Minute // peer refused with shutdown=true
	DelayPeerBusy     = 24 * time.Hour  // peer refused "too busy"
)

// Thresholds for the persistent connection-failure flag and for the
// bad-credential firewall escalation.
const (
	failFlagCount  = 20
	failFlagSpan   = time.Hour
	credBlockCount = 3
	credBlockSpan  = 15 * time.Minute
)

// inbound carries one received message (or a receive error) into the
// broker loop.
type inbound struct {
	h   Handle
	msg *message.Message
	err error
}

// acceptedConn carries one accepted connection into the broker loop,
// tagged with the role its listener implies.
type acceptedConn struct {
	ch   transport.Channel
	role Role
}

// Broker composes the registry, dispatcher, cache, neighbor store and
// cluster tracker, owns the accept listeners and the set of live peer
// connections, and implements routing and the membership protocol.
// All mutable state is owned by the single loop goroutine; other
// goroutines reach it through the accept/inbound/op channels only.
type Broker struct {
	cfg  *config.Config
	peer *Peer

	reg       *Registry
	disp      *Dispatcher
	cache     *Cache
	seen      *SeenSet
	cluster   *Cluster
	neighbors *Neighbors
	kv        store.KVStore

	// services configured on this node (present in the services
	// directory) whether or not currently registered
	knownServices map[string]bool

	sig      *concurrent.Signaller
	servers  []transport.ChannelServer
	signalCh *transport.DatagramChannel
	signalH  Handle
	tlsSrv   *tls.Config

	acceptQ chan acceptedConn
	inQ     chan inbound
	opQ     chan func()

	gossipStop map[string]chan struct{} // canonical addr -> probe cancel

	credFails util.Counter[string]
	credFirst map[string]time.Time

	evListeners map[string]*Listener

	rr           int // round-robin cursor for spreading remote forwards
	shuttingDown bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewBroker creates and runs a broker instance for the given
// configuration. The broker stops when the context is cancelled or a
// STOP/SHUTDOWN command arrives; Done() signals completion.
func NewBroker(ctx context.Context, cfg *config.Config) (b *Broker, err error) {
	var peer *Peer
	if peer, err = NewLocalPeer(cfg.ServerName, cfg.MyAddress); err != nil {
		return
	}
	var kv store.KVStore
	if kv, err = store.New(cfg.Store); err != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b = &Broker{
		cfg:           cfg,
		peer:          peer,
		reg:           NewRegistry(),
		disp:          NewDispatcher(),
		cache:         NewCache(cfg.CacheMaxEntry),
		seen:          NewSeenSet(),
		cluster:       NewCluster(kv),
		neighbors:     NewNeighbors(kv),
		kv:            kv,
		knownServices: make(map[string]bool),
		sig:           concurrent.NewSignaller(),
		acceptQ:       make(chan acceptedConn),
		inQ:           make(chan inbound, 64),
		opQ:           make(chan func(), 64),
		gossipStop:    make(map[string]chan struct{}),
		credFails:     make(util.Counter[string]),
		credFirst:     make(map[string]time.Time),
		evListeners:   make(map[string]*Listener),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	b.registerHandlers()
	b.loadKnownServices()
	b.neighbors.Load()
	b.cluster.Load()
	logger.Printf(logger.INFO, "[broker] local node is '%s' (%s)\n",
		peer.Name, peer.Canonical())

	// explicit neighbors from configuration plus our own listen address
	for _, spec := range cfg.Neighbors {
		addr, err := util.ParseAddress(withDefaultScheme(spec))
		if err != nil {
			logger.Printf(logger.ERROR, "[broker] bad neighbor '%s': %s\n", spec, err.Error())
			continue
		}
		if canon, err := addr.Canonical(); err == nil {
			b.neighbors.Add(canon)
		}
	}
	if self := peer.Canonical(); self != "" {
		b.neighbors.Add(self)
	}

	// accept listeners
	if err = b.openListeners(); err != nil {
		cancel()
		return nil, err
	}
	// UDP signal channel
	if cfg.Signal != "" {
		if err = b.openSignal(); err != nil {
			cancel()
			return nil, err
		}
	}
	// HTTP introspection
	if cfg.StatusListen != "" {
		b.serveStatus(ctx, cfg.StatusListen)
	}

	go b.run(ctx)

	// initial connectivity per the half-graph rule
	b.post(func() {
		for _, canon := range b.neighbors.List() {
			b.reachNeighbor(canon)
		}
		b.updateCluster()
	})
	return b, nil
}

// Done is closed when the broker has fully shut down.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Stop triggers the local shutdown path from outside the loop.
func (b *Broker) Stop() {
	b.post(func() { b.beginShutdown(false) })
}

// post serializes an operation onto the broker loop.
func (b *Broker) post(op func()) {
	select {
	case b.opQ <- op:
	case <-b.done:
	}
}

// Register a named event listener.
func (b *Broker) Register(name string, l *Listener) {
	b.post(func() { b.evListeners[name] = l })
}

// Unregister a named event listener.
func (b *Broker) Unregister(name string) {
	b.post(func() { delete(b.evListeners, name) })
}

// dispatchEvent delivers an event to matching listeners.
func (b *Broker) dispatchEvent(ev *Event) {
	for _, l := range b.evListeners {
		if !l.filter.CheckEvent(ev.ID) {
			continue
		}
		if ev.ID == EvMessage && ev.Msg != nil && !l.filter.CheckCommand(ev.Msg.Command) {
			continue
		}
		go func(l *Listener) {
			l.ch <- ev
		}(l)
	}
}

//----------------------------------------------------------------------
// Startup helpers
//----------------------------------------------------------------------

// loadKnownServices reads the locally-configured service names: one
// entry per file in the services directory under the data path.
func (b *Broker) loadKnownServices() {
	dir := filepath.Join(b.cfg.DataPath, "services")
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Printf(logger.DBG, "[broker] no services directory: %s\n", err.Error())
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			b.knownServices[e.Name()] = true
		}
	}
	logger.Printf(logger.INFO, "[broker] %d configured service(s)\n", len(b.knownServices))
}

// openListeners validates and opens the configured accept listeners.
func (b *Broker) openListeners() error {
	type lspec struct {
		spec string
		role Role
	}
	specs := []lspec{
		{b.cfg.LocalListen, RoleLocalService},
		{b.cfg.UnixListen, RoleLocalService},
		{b.cfg.RemoteListen, RoleInboundPeer},
		{b.cfg.SecureListen, RoleInboundPeer},
	}
	for _, ls := range specs {
		if ls.spec == "" {
			continue
		}
		addr, err := util.ParseAddress(ls.spec)
		if err != nil {
			return err
		}
		warn, err := addr.Validate()
		if err != nil {
			return err
		}
		if warn != "" {
			logger.Printf(logger.WARN, "[broker] %s: %s\n", addr, warn)
		}
		hdlr := make(chan transport.Channel)
		var srv transport.ChannelServer
		if addr.IsSecure() {
			if b.tlsSrv == nil {
				cfg, err := transport.LoadServerTLS(b.cfg.TLSCert, b.cfg.TLSKey)
				if err != nil {
					return err
				}
				b.tlsSrv = cfg
			}
			srv = transport.NewSecureChannelServer(b.tlsSrv)
			if err = srv.Open(addr, hdlr); err != nil {
				return err
			}
		} else {
			if srv, err = transport.NewChannelServer(addr, hdlr); err != nil {
				return err
			}
		}
		b.servers = append(b.servers, srv)
		logger.Printf(logger.INFO, "[broker] listening on %s (%s)\n", addr, ls.role)

		// forward accepted channels into the loop, tagged with role
		role := ls.role
		go func() {
			for ch := range hdlr {
				if ch == nil {
					return
				}
				select {
				case b.acceptQ <- acceptedConn{ch: ch, role: role}:
				case <-b.done:
					ch.Close()
					return
				}
			}
		}()
	}
	return nil
}

// openSignal binds the UDP signal channel and starts its receiver.
// Datagram messages must carry a parameter whose value matches the
// configured secret; others are dropped silently. Signal messages
// never receive replies.
func (b *Broker) openSignal() (err error) {
	addr, err := util.ParseAddress(b.cfg.Signal)
	if err != nil {
		return err
	}
	if _, err = addr.Validate(); err != nil {
		return err
	}
	if b.signalCh, err = transport.NewDatagramChannel(addr); err != nil {
		return err
	}
	ep := NewEndpoint(KindDatagram, DirListener, RoleSignal)
	ep.Addr = addr
	ep.Type = TypeLocal
	b.signalH = b.reg.Add(ep)
	logger.Printf(logger.INFO, "[broker] signal channel on %s\n", addr)

	go func() {
		buf := make([]byte, transport.MaxLineLength)
		for {
			n, from, err := b.signalCh.ReceiveFrom(buf, b.sig)
			if err != nil {
				return
			}
			line := string(buf[:n])
			for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
				line = line[:len(line)-1]
			}
			m, err := message.Parse(line)
			if err != nil {
				logger.Printf(logger.DBG, "[signal] unparsable datagram from %s\n", from)
				continue
			}
			if !b.signalAuthorized(m) {
				continue
			}
			select {
			case b.inQ <- inbound{h: b.signalH, msg: m}:
			case <-b.done:
				return
			}
		}
	}()
	return nil
}

// signalAuthorized checks the shared secret on a datagram message.
func (b *Broker) signalAuthorized(m *message.Message) bool {
	secret := b.cfg.SignalSecret
	if secret == "" {
		return true
	}
	for _, p := range m.Params() {
		if subtle.ConstantTimeCompare([]byte(p.Value), []byte(secret)) == 1 {
			return true
		}
	}
	return false
}

//----------------------------------------------------------------------
// The broker loop
//----------------------------------------------------------------------

// run is the single-threaded event loop: all registry mutations and
// routing decisions happen here.
func (b *Broker) run(ctx context.Context) {
	sweep := time.NewTicker(sweepPeriod)
	heartbeat := time.NewTicker(heartbeatPeriod)
	defer sweep.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case a := <-b.acceptQ:
			b.acceptConn(a)
		case in := <-b.inQ:
			b.handleInbound(in)
		case op := <-b.opQ:
			op()
		case <-sweep.C:
			b.cache.Sweep()
			b.seen.Sweep()
		case <-heartbeat.C:
			b.updateCluster()
		case <-ctx.Done():
			b.teardown()
			return
		}
	}
}

// acceptConn registers a freshly accepted connection.
func (b *Broker) acceptConn(a acceptedConn) {
	msgch := transport.NewMsgChannel(a.ch)
	if b.shuttingDown {
		refuse := message.New(message.CmdRefuse).Set(message.ParamShutdown, "true")
		_ = msgch.Send(refuse, b.sig)
		msgch.Close()
		return
	}
	if b.cfg.MaxConns > 0 && b.reg.Size() >= b.cfg.MaxConns {
		logger.Printf(logger.WARN, "[broker] connection limit reached (%d)\n", b.cfg.MaxConns)
		refuse := message.New(message.CmdRefuse)
		_ = msgch.Send(refuse, b.sig)
		msgch.Close()
		return
	}
	if a.role == RoleInboundPeer && b.cfg.MaxPendConns > 0 {
		pending := 0
		b.reg.Visit(func(_ Handle, e *Endpoint) bool {
			if e.Role == RoleInboundPeer && e.Type == TypeDown && e.EndedAt.IsZero() {
				pending++
			}
			return true
		})
		if pending >= b.cfg.MaxPendConns {
			logger.Printf(logger.WARN, "[broker] pending connection limit reached (%d)\n",
				b.cfg.MaxPendConns)
			_ = msgch.Send(message.New(message.CmdRefuse), b.sig)
			msgch.Close()
			return
		}
	}
	ep := NewEndpoint(KindStream, DirInbound, a.role)
	if a.role == RoleLocalService {
		ep.Type = TypeLocal
	}
	ep.SetSender(NewChanSender(msgch, b.sig))
	ep.SetCloser(msgch)
	h := b.reg.Add(ep)
	logger.Printf(logger.DBG, "[broker] accepted %s connection from %v\n",
		a.role, msgch.RemoteAddr())

	// reader feeds the loop until the link drops
	go func() {
		for {
			m, err := msgch.Receive(b.sig)
			select {
			case b.inQ <- inbound{h: h, msg: m, err: err}:
			case <-b.done:
				msgch.Close()
				return
			}
			if err != nil {
				msgch.Close()
				return
			}
		}
	}()
}

// handleInbound processes one received message or a receive error.
func (b *Broker) handleInbound(in inbound) {
	ep := b.reg.Get(in.h)
	if ep == nil {
		return // endpoint already released
	}
	if in.err != nil {
		b.handleHangup(in.h, ep)
		return
	}
	m := in.msg
	if !m.Valid() {
		logger.Printf(logger.WARN, "[broker] invalid message '%s' dropped\n", m.Command)
		return
	}
	if b.cfg.DebugAllMessages {
		if line, err := m.Marshal(); err == nil {
			logger.Printf(logger.INFO, "[broker] <%s> %s\n", ep.Role, line)
		}
	}
	// stamp messages forwarded on behalf of a registered local service
	if ep.Role == RoleLocalService && ep.ServiceName != "" && m.FromServer == "" {
		m.FromServer = b.peer.Name
		m.FromService = ep.ServiceName
	}
	b.dispatchEvent(&Event{ID: EvMessage, Name: ep.ServerName, Msg: m})

	if b.forBroker(m) {
		b.disp.Dispatch(b, in.h, m)
		return
	}
	// clients must REGISTER before they may route messages
	if ep.Role == RoleLocalService && ep.ServiceName == "" {
		logger.Printf(logger.WARN,
			"[broker] '%s' from unregistered client dropped\n", m.Command)
		return
	}
	b.route(in.h, m)
}

// forBroker reports whether a message addresses the daemon itself.
func (b *Broker) forBroker(m *message.Message) bool {
	if m.Service != "" && m.Service != BrokerService {
		return false
	}
	switch m.Server {
	case "", message.ServerHere, b.peer.Name:
		return true
	}
	return false
}

// handleHangup processes the loss of an endpoint's link.
func (b *Broker) handleHangup(h Handle, ep *Endpoint) {
	switch ep.Role {
	case RoleLocalService:
		name := ep.ServiceName
		ep.MarkEnded()
		b.reg.Release(h)
		if name != "" {
			logger.Printf(logger.INFO, "[broker] local service '%s' hung up\n", name)
			b.localBroadcast(message.New(message.CmdStatus).
				Set("service", name).
				Set(message.ParamStatus, "down"))
			b.dispatchEvent(&Event{ID: EvServiceDown, Name: name})
		}
	case RoleInboundPeer, RoleOutboundPeer:
		name := ep.ServerName
		wasRemote := ep.Type == TypeRemote
		ep.MarkEnded()
		if ep.Role == RoleInboundPeer || ep.Permanent() == nil {
			b.reg.Release(h)
		}
		if wasRemote && name != "" {
			logger.Printf(logger.WARN, "[broker] unexpected hangup from peer '%s'\n", name)
			b.localBroadcast(message.New(message.CmdHangup).
				Set(message.ParamServerName, name))
			b.dispatchEvent(&Event{ID: EvPeerDisconnected, Name: name})
			b.updateCluster()
		}
	default:
		b.reg.Release(h)
	}
}

//----------------------------------------------------------------------
// Neighbor connectivity (half-graph rule)
//----------------------------------------------------------------------

// reachNeighbor establishes connectivity toward a canonical neighbor
// address: an outbound permanent connection when our address orders
// first, a gossip probe otherwise.
func (b *Broker) reachNeighbor(canon string) {
	if canon == "" || canon == b.peer.Canonical() {
		return
	}
	addr, err := util.ParseAddress(withDefaultScheme(canon))
	if err != nil {
		logger.Printf(logger.ERROR, "[broker] bad neighbor address '%s'\n", canon)
		return
	}
	if b.peer.Addr == nil || util.Less(b.peer.Addr, addr) {
		b.openOutbound(canon, addr)
	} else {
		b.startGossip(canon, addr)
	}
}

// openOutbound starts the permanent connection to a larger-side peer
// (our address orders first, so we initiate the CONNECT).
func (b *Broker) openOutbound(canon string, addr *util.Address) {
	// at most one outbound endpoint per target address
	exists := false
	b.reg.Visit(func(_ Handle, e *Endpoint) bool {
		if e.Role == RoleOutboundPeer && e.Addr != nil && e.Addr.Equal(addr) && e.EndedAt.IsZero() {
			exists = true
			return false
		}
		return true
	})
	if exists {
		return
	}
	ep := NewEndpoint(KindStream, DirOutbound, RoleOutboundPeer)
	ep.Addr = addr
	perm := transport.NewPermanentConnection(addr, util.DefaultBackoff, nil)
	ep.SetPermanent(perm)
	ep.SetSender(SenderFunc(perm.Send))
	h := b.reg.Add(ep)

	perm.OnConnected = func(p *transport.PermanentConnection) {
		b.post(func() { b.sendConnect(h) })
	}
	perm.OnMessage = func(m *message.Message) {
		select {
		case b.inQ <- inbound{h: h, msg: m}:
		case <-b.done:
		}
	}
	perm.OnHangup = func() {
		b.post(func() {
			if e := b.reg.Get(h); e != nil && e.Type == TypeRemote {
				name := e.ServerName
				e.Type = TypeDown
				e.ServerName = ""
				b.localBroadcast(message.New(message.CmdHangup).
					Set(message.ParamServerName, name))
				b.dispatchEvent(&Event{ID: EvPeerDisconnected, Name: name})
				b.updateCluster()
			}
		})
	}
	perm.OnFailed = func(count int, span time.Duration) {
		if count >= failFlagCount && span > failFlagSpan {
			b.post(func() { b.raiseFailureFlag(canon, count, span) })
		}
	}
	perm.Start(context.Background())
	logger.Printf(logger.INFO, "[broker] connecting out to %s\n", canon)
}

// sendConnect opens the handshake on a freshly established outbound link.
func (b *Broker) sendConnect(h Handle) {
	ep := b.reg.Get(h)
	if ep == nil {
		return
	}
	m := message.New(message.CmdConnect).
		Set(message.ParamVersion, "1").
		Set(message.ParamMyAddress, b.peer.Canonical()).
		Set(message.ParamServerName, b.peer.Name).
		Set(message.ParamServices, b.localServiceList()).
		Set(message.ParamHeardOf, b.heardOfList()).
		Set(message.ParamNeighbors, b.neighbors.Wire())
	if b.cfg.RemoteUsername != "" {
		m.Set("username", b.cfg.RemoteUsername)
		m.Set("password", b.cfg.RemotePassword)
	}
	if err := ep.Send(m); err != nil {
		logger.Printf(logger.WARN, "[broker] CONNECT send failed: %s\n", err.Error())
	}
}

// startGossip schedules a gossip probe toward a smaller-side peer so it
// learns our address and initiates the connection itself.
func (b *Broker) startGossip(canon string, addr *util.Address) {
	if _, running := b.gossipStop[canon]; running {
		return
	}
	stop := make(chan struct{})
	b.gossipStop[canon] = stop
	logger.Printf(logger.INFO, "[broker] gossiping toward %s\n", canon)

	go func() {
		for {
			b.gossipOnce(addr)
			select {
			case <-time.After(gossipPeriod):
			case <-stop:
				return
			case <-b.done:
				return
			}
		}
	}()
}

// gossipOnce runs one short-lived probe: connect, send GOSSIP, await
// the RECEIVED ack, hang up.
func (b *Broker) gossipOnce(addr *util.Address) {
	ch, err := transport.NewChannel(addr)
	if err != nil {
		logger.Printf(logger.DBG, "[gossip] %s unreachable: %s\n", addr, err.Error())
		return
	}
	msgch := transport.NewMsgChannel(ch)
	defer msgch.Close()
	// a probe that gets no answer must not stall the prober
	watchdog := time.AfterFunc(10*time.Second, func() { msgch.Close() })
	defer watchdog.Stop()
	m := message.New(message.CmdGossip).
		Set(message.ParamMyAddress, b.peer.Canonical())
	if err := msgch.Send(m, b.sig); err != nil {
		return
	}
	if reply, err := msgch.Receive(b.sig); err == nil {
		if reply.Command != message.CmdReceived {
			logger.Printf(logger.DBG, "[gossip] unexpected reply '%s'\n", reply.Command)
		}
	}
}

// cancelGossip stops a pending probe toward an address that connected.
func (b *Broker) cancelGossip(canon string) {
	if stop, ok := b.gossipStop[canon]; ok {
		close(stop)
		delete(b.gossipStop, canon)
	}
}

//----------------------------------------------------------------------
// Local fan-out and cluster status
//----------------------------------------------------------------------

// localServiceList renders the names of registered local services as a
// comma-joined wire list.
func (b *Broker) localServiceList() string {
	var list string
	for _, h := range b.reg.LocalServices() {
		ep := b.reg.Get(h)
		if list != "" {
			list += ","
		}
		list += ep.ServiceName
	}
	return list
}

// heardOfList renders the services we only know through other peers,
// for the heard-of field of CONNECT/ACCEPT.
func (b *Broker) heardOfList() string {
	local := make(map[string]bool)
	for _, h := range b.reg.LocalServices() {
		local[b.reg.Get(h).ServiceName] = true
	}
	var list string
	seen := make(map[string]bool)
	for _, h := range b.reg.Remotes() {
		for svc := range b.reg.Get(h).Services {
			if local[svc] || seen[svc] {
				continue
			}
			seen[svc] = true
			if list != "" {
				list += ","
			}
			list += svc
		}
	}
	return list
}

// localBroadcast delivers a message to every registered local service
// that understands its command.
func (b *Broker) localBroadcast(m *message.Message) {
	b.localBroadcastExcept(m, Handle{})
}

// localBroadcastExcept is localBroadcast minus one endpoint (the
// service a status announcement is about does not hear about itself).
func (b *Broker) localBroadcastExcept(m *message.Message, skip Handle) {
	for _, h := range b.reg.LocalServices() {
		if h == skip {
			continue
		}
		ep := b.reg.Get(h)
		if !ep.Understands(m.Command) {
			continue
		}
		if err := ep.Send(m); err != nil {
			logger.Printf(logger.WARN, "[broker] fan-out of %s to '%s' failed: %s\n",
				m.Command, ep.ServiceName, err.Error())
		}
	}
}

// updateCluster recomputes the cluster status and announces
// transitions to local services.
func (b *Broker) updateCluster() {
	upChanged, completeChanged, st := b.cluster.Update(
		b.neighbors.Size(), b.reg.LiveRemoteCount())
	if upChanged {
		logger.Printf(logger.INFO, "[cluster] %s (%d/%d live, quorum %d)\n",
			st.UpCommand(), st.Live, st.Neighbors, st.Quorum)
		b.localBroadcast(message.New(st.UpCommand()))
	}
	if completeChanged {
		logger.Printf(logger.INFO, "[cluster] %s\n", st.CompleteCommand())
		b.localBroadcast(message.New(st.CompleteCommand()))
	}
	if upChanged || completeChanged {
		b.dispatchEvent(&Event{ID: EvClusterChanged, Status: st})
	}
}

// raiseFailureFlag records the persistent incident flag for a peer
// that keeps failing to connect.
func (b *Broker) raiseFailureFlag(canon string, count int, span time.Duration) {
	logger.Printf(logger.ERROR,
		"[broker] flag remote-connection/connection-failed (priority 95): %s unreachable, %d failures over %s\n",
		canon, count, span)
	if b.kv != nil {
		if err := b.kv.Put("flag/remote-connection/connection-failed",
			"priority=95 peer="+canon+"\n"); err != nil {
			logger.Printf(logger.ERROR, "[broker] flag persist failed: %s\n", err.Error())
		}
	}
}

// noteBadCredentials counts failed CONNECT credentials per remote IP
// and escalates to the firewall service past the threshold.
func (b *Broker) noteBadCredentials(ip string) {
	first, ok := b.credFirst[ip]
	if !ok || time.Since(first) > credBlockSpan {
		b.credFails.Reset(ip)
		b.credFirst[ip] = time.Now()
	}
	if b.credFails.Add(ip) >= credBlockCount {
		logger.Printf(logger.ERROR, "[broker] repeated bad credentials from %s, requesting block\n", ip)
		block := message.New(message.CmdBlock).Set("uri", ip)
		block.Service = "firewall"
		b.route(Handle{}, block)
		b.credFails.Reset(ip)
		delete(b.credFirst, ip)
	}
}

//----------------------------------------------------------------------
// Shutdown discipline
//----------------------------------------------------------------------

// beginShutdown runs the cooperative shutdown path. With propagate the
// SHUTDOWN command is forwarded to every REMOTE peer first (cluster
// shutdown); otherwise peers only learn we are gone (local STOP).
func (b *Broker) beginShutdown(propagate bool) {
	if b.shuttingDown {
		return
	}
	b.shuttingDown = true
	logger.Printf(logger.INFO, "[broker] shutting down (cluster=%v)\n", propagate)

	// inform peers
	for _, h := range b.reg.Remotes() {
		ep := b.reg.Get(h)
		var m *message.Message
		if propagate {
			m = message.New(message.CmdShutdown)
		} else {
			m = message.New(message.CmdDisconnect)
		}
		if err := ep.Send(m); err != nil {
			logger.Printf(logger.WARN, "[broker] shutdown notice to '%s' failed: %s\n",
				ep.ServerName, err.Error())
		}
	}
	// inform local services that can handle it
	for _, h := range b.reg.LocalServices() {
		ep := b.reg.Get(h)
		if ep.Understands(message.CmdDisconnecting) {
			_ = ep.Send(message.New(message.CmdDisconnecting))
		}
	}
	// no new connections, no new dispatches; drain and exit
	b.cancel()
}

// teardown releases every resource after the loop has stopped.
func (b *Broker) teardown() {
	for _, srv := range b.servers {
		srv.Close()
	}
	if b.signalCh != nil {
		b.signalCh.Close()
	}
	b.reg.Visit(func(h Handle, ep *Endpoint) bool {
		if p := ep.Permanent(); p != nil {
			p.Stop()
		}
		ep.CloseLink()
		return true
	})
	for canon := range b.gossipStop {
		b.cancelGossip(canon)
	}
	if b.kv != nil {
		b.kv.Close()
	}
	close(b.done)
	logger.Println(logger.INFO, "[broker] loop drained, goodbye")
}

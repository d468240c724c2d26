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
	"fmt"
	"strconv"

	"communicatord/message"
	"communicatord/util"
)

// ProtocolVersion is the wire protocol major carried in CONNECT and
// REGISTER; peers and services with a different major are rejected.
const ProtocolVersion = 1

// Peer is the local daemon's cluster identity.
type Peer struct {
	Name string        // unique server name in the cluster
	Addr *util.Address // address other daemons use to reach us

	canonical string // normalized ip:port identity
}

// NewLocalPeer builds the identity from the configured server name and
// my-address specification.
func NewLocalPeer(name, myAddress string) (p *Peer, err error) {
	if name == "" {
		return nil, fmt.Errorf("empty server name")
	}
	p = &Peer{Name: name}
	if myAddress != "" {
		if p.Addr, err = util.ParseAddress(withDefaultScheme(myAddress)); err != nil {
			return nil, err
		}
		if p.canonical, err = p.Addr.Canonical(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// withDefaultScheme lets identity/neighbor addresses be written as a
// bare "ip:port", defaulting to the plain-tcp scheme.
func withDefaultScheme(spec string) string {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			if i+2 < len(spec) && spec[i+1] == '/' && spec[i+2] == '/' {
				return spec // scheme already present
			}
			break
		}
	}
	return util.SchemePlainTCP + "://" + spec
}

// Canonical returns the normalized ip:port identity.
func (p *Peer) Canonical() string {
	return p.canonical
}

// CheckVersion validates the version parameter of a handshake message.
func CheckVersion(m *message.Message) bool {
	v, ok := m.Get(message.ParamVersion)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(v)
	return err == nil && n == ProtocolVersion
}

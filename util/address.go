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

package util

import (
	"bytes"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

// Connection schemes understood by the address parser. A scheme decides
// both the carrier (stream vs. datagram) and the security expectations
// of the resulting endpoint.
const (
	SchemePlainTCP     = "plain-tcp"     // stream/TCP, no encryption
	SchemeSecureTCP    = "secure-tcp"    // stream/TCP with TLS
	SchemeUDP          = "udp"           // datagram/UDP
	SchemeBroadcastUDP = "broadcast-udp" // datagram/UDP to a broadcast group
	SchemeUnix         = "unix-stream"   // stream over a Unix domain socket
)

// Short aliases accepted on the command line and in config files.
var schemeAlias = map[string]string{
	"cd":   SchemePlainTCP,
	"cds":  SchemeSecureTCP,
	"cdu":  SchemeUDP,
	"cdb":  SchemeBroadcastUDP,
	"tcp":  SchemePlainTCP,
	"tls":  SchemeSecureTCP,
	"unix": SchemeUnix,
}

// NetworkClass is the trust classification of an address.
type NetworkClass int

// Classification values for Address.Class().
const (
	ClassUnknown NetworkClass = iota
	ClassLoopback
	ClassPrivate
	ClassPublic
	ClassMulticast
	ClassBroadcast
	ClassFile // Unix domain socket path
)

// String returns a printable classification name.
func (c NetworkClass) String() string {
	switch c {
	case ClassLoopback:
		return "loopback"
	case ClassPrivate:
		return "private"
	case ClassPublic:
		return "public"
	case ClassMulticast:
		return "multicast"
	case ClassBroadcast:
		return "broadcast"
	case ClassFile:
		return "file"
	}
	return "unknown"
}

// Address-related error codes
var (
	ErrAddressInvalid  = fmt.Errorf("invalid address specification")
	ErrAddressScheme   = fmt.Errorf("unknown address scheme")
	ErrAddressInsecure = fmt.Errorf("address class not allowed for scheme")
	ErrAddressRelative = fmt.Errorf("unix socket path not absolute")
)

// Address is a parsed connection specification of the form
// "<scheme>://<host>:<port>" or "<scheme>:///<path>".
type Address struct {
	Scheme string // one of the Scheme* constants
	Host   string // host part as given (name or literal IP)
	Port   uint16 // port part (stream/datagram addresses)
	Path   string // socket path (unix-stream addresses)

	ip net.IP // resolved literal IP (nil if Host is a name)
}

// ParseAddress translates a connection specification string into an
// Address, resolving scheme aliases but not host names.
func ParseAddress(spec string) (addr *Address, err error) {
	scheme, rest, ok := strings.Cut(spec, "://")
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrAddressInvalid, spec)
	}
	if full, ok := schemeAlias[scheme]; ok {
		scheme = full
	}
	addr = &Address{Scheme: scheme}
	switch scheme {
	case SchemeUnix:
		if !filepath.IsAbs(rest) {
			return nil, fmt.Errorf("%w: '%s'", ErrAddressRelative, rest)
		}
		addr.Path = rest
		return addr, nil
	case SchemePlainTCP, SchemeSecureTCP, SchemeUDP, SchemeBroadcastUDP:
		var host, port string
		if host, port, err = net.SplitHostPort(rest); err != nil {
			return nil, fmt.Errorf("%w: '%s'", ErrAddressInvalid, rest)
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: bad port '%s'", ErrAddressInvalid, port)
		}
		addr.Host = host
		addr.Port = uint16(p)
		addr.ip = net.ParseIP(host)
		return addr, nil
	}
	return nil, fmt.Errorf("%w: '%s'", ErrAddressScheme, scheme)
}

// MustParseAddress is ParseAddress for known-good literals (tests, defaults).
func MustParseAddress(spec string) *Address {
	addr, err := ParseAddress(spec)
	if err != nil {
		panic(err)
	}
	return addr
}

// Network returns the network name to use with net.Dial / net.Listen.
func (a *Address) Network() string {
	switch a.Scheme {
	case SchemePlainTCP, SchemeSecureTCP:
		return "tcp"
	case SchemeUDP, SchemeBroadcastUDP:
		return "udp"
	case SchemeUnix:
		return "unix"
	}
	return ""
}

// IsStream returns true for stream (connection-oriented) schemes.
func (a *Address) IsStream() bool {
	switch a.Scheme {
	case SchemePlainTCP, SchemeSecureTCP, SchemeUnix:
		return true
	}
	return false
}

// IsSecure returns true if the scheme requires TLS.
func (a *Address) IsSecure() bool {
	return a.Scheme == SchemeSecureTCP
}

// Endpoint returns the host:port (or socket path) form for dialing.
func (a *Address) Endpoint() string {
	if a.Scheme == SchemeUnix {
		return a.Path
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// URI renders the canonical connection specification.
func (a *Address) URI() string {
	if a.Scheme == SchemeUnix {
		return a.Scheme + "://" + a.Path
	}
	return a.Scheme + "://" + a.Endpoint()
}

// String returns a human-readable representation of an address.
func (a *Address) String() string {
	return a.URI()
}

// Equal returns true if two addresses match.
func (a *Address) Equal(b *Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Scheme == b.Scheme && a.Endpoint() == b.Endpoint()
}

// Canonical returns the normalized "ip:port" form used as the address
// identity in the neighbor set and in broadcast envelopes. Host names
// are resolved; the first address wins.
func (a *Address) Canonical() (string, error) {
	if a.Scheme == SchemeUnix {
		return a.Path, nil
	}
	ip := a.ip
	if ip == nil {
		ips, err := net.LookupIP(a.Host)
		if err != nil || len(ips) == 0 {
			return "", fmt.Errorf("%w: unresolvable host '%s'", ErrAddressInvalid, a.Host)
		}
		ip = ips[0]
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(a.Port))), nil
}

// Expand enumerates one Address per resolved host address for
// multi-valued host names; literal addresses expand to themselves.
func (a *Address) Expand() (list []*Address, err error) {
	if a.Scheme == SchemeUnix || a.ip != nil {
		return []*Address{a}, nil
	}
	ips, err := net.LookupIP(a.Host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		list = append(list, &Address{
			Scheme: a.Scheme,
			Host:   ip.String(),
			Port:   a.Port,
			ip:     ip,
		})
	}
	return list, nil
}

// Class returns the network classification of the address.
func (a *Address) Class() NetworkClass {
	if a.Scheme == SchemeUnix {
		return ClassFile
	}
	ip := a.ip
	if ip == nil {
		// unresolved host name: look it up once for classification
		ips, err := net.LookupIP(a.Host)
		if err != nil || len(ips) == 0 {
			return ClassUnknown
		}
		ip = ips[0]
	}
	return ClassifyIP(ip)
}

// ClassifyIP maps an IP address to its network class.
func ClassifyIP(ip net.IP) NetworkClass {
	switch {
	case ip.Equal(net.IPv4bcast):
		return ClassBroadcast
	case ip.IsMulticast():
		return ClassMulticast
	case ip.IsLoopback():
		return ClassLoopback
	case ip.IsPrivate(), ip.IsLinkLocalUnicast():
		return ClassPrivate
	case ip.IsUnspecified():
		// a wildcard listen address binds everything; treat as private
		// so "0.0.0.0:port" listeners pass the plain-transport check.
		return ClassPrivate
	}
	return ClassPublic
}

// Validate checks the address class against what its scheme allows.
// It returns a non-empty warning for configurations that are accepted
// but suspicious (loopback on secure-tcp).
func (a *Address) Validate() (warn string, err error) {
	class := a.Class()
	switch a.Scheme {
	case SchemePlainTCP:
		if class != ClassLoopback && class != ClassPrivate {
			err = fmt.Errorf("%w: %s address on %s", ErrAddressInsecure, class, a.Scheme)
		}
	case SchemeSecureTCP:
		if class == ClassLoopback {
			warn = "TLS on a loopback address is unusual"
		} else if class != ClassPrivate && class != ClassPublic {
			err = fmt.Errorf("%w: %s address on %s", ErrAddressInsecure, class, a.Scheme)
		}
	case SchemeUDP:
		if class != ClassLoopback && class != ClassPrivate && class != ClassMulticast {
			err = fmt.Errorf("%w: %s address on %s", ErrAddressInsecure, class, a.Scheme)
		}
	case SchemeBroadcastUDP:
		if class != ClassBroadcast && class != ClassMulticast {
			err = fmt.Errorf("%w: %s address on %s", ErrAddressInsecure, class, a.Scheme)
		}
	case SchemeUnix:
		// absolute path already enforced by the parser
	default:
		err = fmt.Errorf("%w: '%s'", ErrAddressScheme, a.Scheme)
	}
	return
}

// Less imposes the total order on addresses that decides which side of
// a daemon pair initiates the connection: numeric comparison of the
// 16-byte IP form, then the port.
func Less(a, b *Address) bool {
	ai, bi := a.compareForm(), b.compareForm()
	if c := bytes.Compare(ai, bi); c != 0 {
		return c < 0
	}
	return a.Port < b.Port
}

// compareForm returns the byte sequence an address is ordered by.
func (a *Address) compareForm() []byte {
	if a.Scheme == SchemeUnix {
		return []byte(a.Path)
	}
	ip := a.ip
	if ip == nil {
		if ips, err := net.LookupIP(a.Host); err == nil && len(ips) > 0 {
			ip = ips[0]
		} else {
			return []byte(a.Host)
		}
	}
	return ip.To16()
}

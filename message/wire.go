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

package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Errors returned while parsing a wire line.
var (
	ErrEmptyLine    = fmt.Errorf("empty wire line")
	ErrNoCommand    = fmt.Errorf("missing command")
	ErrBadRouting   = fmt.Errorf("malformed routing prefix")
	ErrBadParam     = fmt.Errorf("malformed parameter")
	ErrBadEscape    = fmt.Errorf("malformed percent-escape")
	ErrInvalidMsg   = fmt.Errorf("message fails routing invariant")
)

// Marshal renders m as the single-line wire form:
// [<from-server>:<from-service>' '][<server>:<service>'/']COMMAND[' '<name>=<value>[';'...]]
func (m *Message) Marshal() (string, error) {
	if !m.Valid() {
		return "", ErrInvalidMsg
	}
	var b strings.Builder
	if m.FromServer != "" || m.FromService != "" {
		b.WriteString(m.FromServer)
		b.WriteByte(':')
		b.WriteString(m.FromService)
		b.WriteByte(' ')
	}
	if m.Server != "" || m.Service != "" {
		b.WriteString(m.Server)
		b.WriteByte(':')
		b.WriteString(m.Service)
		b.WriteByte('/')
	}
	b.WriteString(m.Command)
	if len(m.params) > 0 {
		b.WriteByte(' ')
		for i, p := range m.params {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(p.name)
			b.WriteByte('=')
			b.WriteString(escape(p.value))
		}
	}
	return b.String(), nil
}

// Parse reads a single wire line (without its trailing newline) into a
// Message. Parsing is the left inverse of Marshal: Parse(Marshal(m)) is
// equal to m under Message.Equal.
func Parse(line string) (*Message, error) {
	if line == "" {
		return nil, ErrEmptyLine
	}
	m := &Message{}
	rest := line

	// optional "from-server:from-service " prefix: present iff the first
	// whitespace-delimited token has a colon but no slash (a routing
	// prefix always carries COMMAND glued on with '/').
	if idx := strings.IndexByte(rest, ' '); idx >= 0 {
		first := rest[:idx]
		if !strings.Contains(first, "/") && strings.Contains(first, ":") {
			parts := strings.SplitN(first, ":", 2)
			m.FromServer, m.FromService = parts[0], parts[1]
			rest = rest[idx+1:]
		}
	}

	// routing prefix + command, up to the next space (or end of line)
	var routingCmd string
	if idx := strings.IndexByte(rest, ' '); idx >= 0 {
		routingCmd = rest[:idx]
		rest = rest[idx+1:]
	} else {
		routingCmd = rest
		rest = ""
	}
	if slash := strings.IndexByte(routingCmd, '/'); slash >= 0 {
		routing := routingCmd[:slash]
		m.Command = routingCmd[slash+1:]
		parts := strings.SplitN(routing, ":", 2)
		if len(parts) != 2 {
			return nil, ErrBadRouting
		}
		m.Server, m.Service = parts[0], parts[1]
	} else {
		m.Command = routingCmd
	}
	if m.Command == "" {
		return nil, ErrNoCommand
	}

	// remaining text, if any, is the ';'-joined parameter list
	if rest != "" {
		for _, kv := range strings.Split(rest, ";") {
			if kv == "" {
				continue
			}
			eq := strings.IndexByte(kv, '=')
			if eq < 0 {
				return nil, ErrBadParam
			}
			value, err := unescape(kv[eq+1:])
			if err != nil {
				return nil, err
			}
			m.Set(kv[:eq], value)
		}
	}
	return m, nil
}

// isUnreserved reports whether b may appear unescaped in a parameter value.
func isUnreserved(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	}
	return false
}

// escape percent-encodes every byte of s outside [A-Za-z0-9._-].
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// unescape reverses escape, rejecting malformed "%XX" sequences.
func unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", ErrBadEscape
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", ErrBadEscape
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

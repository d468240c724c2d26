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
	"strconv"
	"strings"
	"time"
)

// Default and bounds for the "cache" parameter's ttl=<duration> key.
const (
	DefaultCacheTTL = 60 * time.Second
	MinCacheTTL     = 10 * time.Second
	MaxCacheTTL     = 24 * time.Hour
)

// CacheDirective is the parsed form of a message's "cache" parameter, a
// `name[=value];…` list with keys "no", "reply" and "ttl=<duration>".
type CacheDirective struct {
	Suppress bool          // "no" present: do not cache at all
	Reply    bool          // "reply" present: notify originator if undeliverable
	TTL      time.Duration // effective TTL when caching is not suppressed
}

// CacheDirectiveOf parses m's "cache" parameter, defaulting to a plain
// 60-second TTL when the parameter is absent.
func CacheDirectiveOf(m *Message) CacheDirective {
	cd := CacheDirective{TTL: DefaultCacheTTL}
	raw, ok := m.Get(ParamCache)
	if !ok || raw == "" {
		return cd
	}
	for _, item := range strings.Split(raw, ";") {
		if item == "" {
			continue
		}
		name, value, _ := strings.Cut(item, "=")
		switch name {
		case "no":
			cd.Suppress = true
		case "reply":
			cd.Reply = true
		case "ttl":
			if d, err := time.ParseDuration(value); err == nil {
				cd.TTL = clampTTL(d)
			} else if secs, err := strconv.Atoi(value); err == nil {
				cd.TTL = clampTTL(time.Duration(secs) * time.Second)
			}
		}
	}
	return cd
}

// clampTTL bounds d to [MinCacheTTL, MaxCacheTTL].
func clampTTL(d time.Duration) time.Duration {
	if d < MinCacheTTL {
		return MinCacheTTL
	}
	if d > MaxCacheTTL {
		return MaxCacheTTL
	}
	return d
}

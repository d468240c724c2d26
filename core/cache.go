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
	"communicatord/message"
	"communicatord/util"

	"github.com/bfix/gospel/logger"
)

// CacheResult is the verdict of a cache attempt.
type CacheResult int

// Cache verdicts.
const (
	CacheStored CacheResult = iota // message enqueued with a deadline
	CacheReply                     // not cached; originator wants a report
	CacheIgnore                    // not cached, nothing to do
)

// cacheEntry is one pending message waiting for its destination
// service to register.
type cacheEntry struct {
	service  string
	deadline util.Deadline
	msg      *message.Message
}

// Cache is the bounded, TTL-bounded store of messages destined to
// services that have not yet registered. Entries past their deadline
// are purged lazily on every visit. The cache is per-broker and only
// touched from the broker loop.
type Cache struct {
	entries []cacheEntry // insertion order preserved for in-order drains
	max     int
}

// NewCache creates a cache capped at max entries (0 = default 10000).
func NewCache(max int) *Cache {
	if max <= 0 {
		max = 10000
	}
	return &Cache{max: max}
}

// Put examines the message's "cache" parameter and enqueues it unless
// caching is suppressed. With suppression and a "reply" request the
// caller must notify the originator.
func (c *Cache) Put(m *message.Message) CacheResult {
	cd := message.CacheDirectiveOf(m)
	if cd.Suppress {
		if cd.Reply {
			return CacheReply
		}
		return CacheIgnore
	}
	if len(c.entries) >= c.max {
		// evict the oldest entry across all services
		logger.Printf(logger.WARN, "[cache] full (%d entries), evicting oldest\n", c.max)
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, cacheEntry{
		service:  m.Service,
		deadline: util.DeadlineIn(cd.TTL),
		msg:      m,
	})
	return CacheStored
}

// Drain iterates the cache in insertion order and invokes the
// predicate; an entry is removed when the predicate returns true or
// its deadline has passed.
func (c *Cache) Drain(pred func(service string, m *message.Message) bool) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.deadline.Expired() {
			continue
		}
		if pred(e.service, e.msg) {
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
}

// DrainService delivers every live entry destined to the given service
// in insertion order; delivered entries are removed.
func (c *Cache) DrainService(service string, deliver func(m *message.Message) bool) {
	c.Drain(func(svc string, m *message.Message) bool {
		if svc != service {
			return false
		}
		return deliver(m)
	})
}

// Sweep removes expired entries.
func (c *Cache) Sweep() {
	c.Drain(func(string, *message.Message) bool { return false })
}

// Size returns the number of (possibly expired) entries.
func (c *Cache) Size() int {
	return len(c.entries)
}

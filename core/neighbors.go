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
	"sort"
	"strings"

	"communicatord/store"

	"github.com/bfix/gospel/logger"
)

// neighborsKey is the blob the neighbor set is persisted under: one
// canonical "ip:port" per line, comments beginning with '#'.
const neighborsKey = "neighbors.txt"

// Neighbors is the persistent set of known peer addresses. Every entry
// carries the intent "try to reach this peer"; the set is a superset
// of the addresses of all live outbound-peer endpoints. Only touched
// from the broker loop.
type Neighbors struct {
	kv  store.KVStore
	set map[string]bool // canonical ip:port
}

// NewNeighbors creates an empty set persisting through the given store.
func NewNeighbors(kv store.KVStore) *Neighbors {
	return &Neighbors{
		kv:  kv,
		set: make(map[string]bool),
	}
}

// Load restores the persisted set (absence is not an error).
func (n *Neighbors) Load() {
	if n.kv == nil {
		return
	}
	blob, err := n.kv.Get(neighborsKey)
	if err != nil || blob == "" {
		return
	}
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n.set[line] = true
	}
	logger.Printf(logger.INFO, "[neighbors] %d neighbor(s) loaded\n", len(n.set))
}

// persist rewrites the blob; the file backend renames a temp file into
// place so readers never see a partial set.
func (n *Neighbors) persist() {
	if n.kv == nil {
		return
	}
	var b strings.Builder
	b.WriteString("# known communicatord neighbors, one ip:port per line\n")
	for _, addr := range n.List() {
		b.WriteString(addr)
		b.WriteByte('\n')
	}
	if err := n.kv.Put(neighborsKey, b.String()); err != nil {
		logger.Printf(logger.ERROR, "[neighbors] persisting failed: %s\n", err.Error())
	}
}

// Add records a canonical address, persisting on change. Returns true
// if the address was new.
func (n *Neighbors) Add(addr string) bool {
	if addr == "" || n.set[addr] {
		return false
	}
	n.set[addr] = true
	n.persist()
	return true
}

// Remove forgets a canonical address, persisting on change.
func (n *Neighbors) Remove(addr string) bool {
	if !n.set[addr] {
		return false
	}
	delete(n.set, addr)
	n.persist()
	return true
}

// Contains reports membership.
func (n *Neighbors) Contains(addr string) bool {
	return n.set[addr]
}

// Size returns the number of known neighbors.
func (n *Neighbors) Size() int {
	return len(n.set)
}

// List returns the neighbors sorted for stable rendering.
func (n *Neighbors) List() []string {
	list := make([]string, 0, len(n.set))
	for a := range n.set {
		list = append(list, a)
	}
	sort.Strings(list)
	return list
}

// Merge adds every address from a comma-joined wire list, returning
// the ones that were new.
func (n *Neighbors) Merge(wire string) (fresh []string) {
	for _, a := range strings.Split(wire, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if n.Add(a) {
			fresh = append(fresh, a)
		}
	}
	return
}

// Wire renders the set as a comma-joined list for CONNECT/ACCEPT.
func (n *Neighbors) Wire() string {
	return strings.Join(n.List(), ",")
}

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
	"strings"

	"communicatord/message"
	"communicatord/store"

	"github.com/bfix/gospel/logger"
)

// clusterStatusKey is the blob the current cluster state is persisted
// under so restarting services can read it synchronously.
const clusterStatusKey = "cluster-status.txt"

// ClusterState is the derived up/down and complete/incomplete state.
type ClusterState struct {
	Up       bool `json:"up"`
	Complete bool `json:"complete"`

	Neighbors int `json:"neighbors"` // neighbor set size including self
	Live      int `json:"live"`      // live REMOTE endpoints + self
	Quorum    int `json:"quorum"`
}

// UpCommand returns the wire command announcing the up/down part.
func (s ClusterState) UpCommand() string {
	if s.Up {
		return message.CmdClusterUp
	}
	return message.CmdClusterDown
}

// CompleteCommand returns the wire command announcing the
// complete/incomplete part.
func (s ClusterState) CompleteCommand() string {
	if s.Complete {
		return message.CmdClusterComplete
	}
	return message.CmdClusterIncomplete
}

// render produces the two-line persisted form: current up/down state
// first, then complete/incomplete.
func (s ClusterState) render() string {
	return s.UpCommand() + "\n" + s.CompleteCommand() + "\n"
}

// ComputeClusterState derives the state from the neighbor count
// (including self) and the live REMOTE endpoint count (excluding self):
// up when live+1 reaches quorum, complete when live+1 covers every
// neighbor.
func ComputeClusterState(neighbors, liveRemotes int) ClusterState {
	if neighbors < 1 {
		neighbors = 1
	}
	live := liveRemotes + 1
	quorum := neighbors/2 + 1
	return ClusterState{
		Up:        live >= quorum,
		Complete:  live == neighbors,
		Neighbors: neighbors,
		Live:      live,
		Quorum:    quorum,
	}
}

// Cluster tracks the last announced state and persists transitions.
type Cluster struct {
	kv    store.KVStore
	last  ClusterState
	known bool
}

// NewCluster creates a tracker persisting through the given store.
func NewCluster(kv store.KVStore) *Cluster {
	return &Cluster{kv: kv}
}

// Load restores the persisted state (absence is not an error).
func (c *Cluster) Load() {
	if c.kv == nil {
		return
	}
	blob, err := c.kv.Get(clusterStatusKey)
	if err != nil || blob == "" {
		return
	}
	lines := strings.Split(strings.TrimSpace(blob), "\n")
	if len(lines) < 2 {
		return
	}
	c.last.Up = lines[0] == message.CmdClusterUp
	c.last.Complete = lines[1] == message.CmdClusterComplete
	c.known = true
}

// Current returns the last computed state.
func (c *Cluster) Current() ClusterState {
	return c.last
}

// Update recomputes the state; on a transition (or first computation)
// it persists the new state and reports which halves changed so the
// broker can announce them to local services.
func (c *Cluster) Update(neighbors, liveRemotes int) (upChanged, completeChanged bool, st ClusterState) {
	st = ComputeClusterState(neighbors, liveRemotes)
	upChanged = !c.known || st.Up != c.last.Up
	completeChanged = !c.known || st.Complete != c.last.Complete
	c.last = st
	c.known = true
	if (upChanged || completeChanged) && c.kv != nil {
		if err := c.kv.Put(clusterStatusKey, st.render()); err != nil {
			logger.Printf(logger.ERROR, "[cluster] persisting status failed: %s\n", err.Error())
		}
	}
	return
}

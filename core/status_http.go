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
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bfix/gospel/logger"
)

// statusInfo is the /status JSON document.
type statusInfo struct {
	Server    string       `json:"server"`
	Address   string       `json:"address"`
	Cluster   ClusterState `json:"cluster"`
	Neighbors []string     `json:"neighbors"`
	Cached    int          `json:"cachedMessages"`
}

// endpointInfo is one row of the /endpoints JSON document.
type endpointInfo struct {
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	Server    string    `json:"server,omitempty"`
	Service   string    `json:"service,omitempty"`
	Address   string    `json:"address,omitempty"`
	Connected bool      `json:"connected"`
	StartedAt time.Time `json:"startedAt"`
}

// serveStatus starts the read-only HTTP introspection endpoint. The
// handlers query loop-owned state through the op channel, so they see
// a consistent snapshot without locking.
func (b *Broker) serveStatus(ctx context.Context, listen string) {
	rtr := mux.NewRouter()
	rtr.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		result := make(chan statusInfo, 1)
		b.post(func() {
			result <- statusInfo{
				Server:    b.peer.Name,
				Address:   b.peer.Canonical(),
				Cluster:   b.cluster.Current(),
				Neighbors: b.neighbors.List(),
				Cached:    b.cache.Size(),
			}
		})
		select {
		case info := <-result:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(info)
		case <-time.After(5 * time.Second):
			http.Error(w, "broker busy", http.StatusServiceUnavailable)
		}
	}).Methods("GET")

	rtr.HandleFunc("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		result := make(chan []endpointInfo, 1)
		b.post(func() {
			var list []endpointInfo
			b.reg.Visit(func(_ Handle, ep *Endpoint) bool {
				row := endpointInfo{
					Role:      ep.Role.String(),
					Type:      ep.Type.String(),
					Server:    ep.ServerName,
					Service:   ep.ServiceName,
					Connected: ep.IsConnected(),
					StartedAt: ep.StartedAt,
				}
				if ep.Addr != nil {
					row.Address = ep.Addr.URI()
				}
				list = append(list, row)
				return true
			})
			result <- list
		})
		select {
		case list := <-result:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(list)
		case <-time.After(5 * time.Second):
			http.Error(w, "broker busy", http.StatusServiceUnavailable)
		}
	}).Methods("GET")

	srv := &http.Server{
		Addr:    listen,
		Handler: rtr,
	}
	go func() {
		logger.Printf(logger.INFO, "[broker] status endpoint on %s\n", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf(logger.ERROR, "[broker] status endpoint failed: %s\n", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

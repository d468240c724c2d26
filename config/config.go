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

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// StoreConfig describes the backend for the neighbor/cluster key-value
// store. Driver selects the implementation; DSN is driver-specific
// (a directory for "file", a connection string for "redis"/"mysql"/"sqlite3").
type StoreConfig struct {
	Driver string `json:"driver"` // "file", "redis", "mysql", "sqlite3"
	DSN    string `json:"dsn"`
}

// Config is the aggregated runtime configuration for a broker instance.
// It is assembled from a JSON file (if given with -config) and then
// overridden field-by-field by command line flags explicitly set by
// the caller; "${VAR}" placeholders in string fields are resolved
// against the environ section afterwards.
type Config struct {
	Env Environ `json:"environ"`

	ServerName string `json:"serverName"` // this broker's name in the cluster
	MyAddress  string `json:"myAddress"`  // address other brokers use to CONNECT to us

	LocalListen  string `json:"localListen"`  // unix-stream or plain-tcp for same-host services
	RemoteListen string `json:"remoteListen"` // plain-tcp for other cluster members
	SecureListen string `json:"secureListen"` // secure-tcp (TLS) for other cluster members
	UnixListen   string `json:"unixListen"`   // unix-stream, alternate/explicit path
	StatusListen string `json:"statusListen"` // HTTP introspection endpoint
	Signal       string `json:"signal"`       // broadcast-udp endpoint for LAN discovery

	Neighbors     []string `json:"neighbors"`     // addresses to CONNECT to at startup
	SignalSecret  string   `json:"signalSecret"`  // shared secret checked on broadcast-udp
	MaxConns      int      `json:"maxConnections"`
	MaxPendConns  int      `json:"maxPendingConnections"`
	CacheMaxEntry int      `json:"cacheMaxEntries"`

	UserName  string `json:"userName"`
	GroupName string `json:"groupName"`
	DataPath  string `json:"dataPath"`

	// credentials required by (and presented to) inter-daemon TCP
	// listeners; empty disables the check
	RemoteUsername string `json:"remoteUsername"`
	RemotePassword string `json:"remotePassword"`

	TLSCert string `json:"tlsCert"`
	TLSKey  string `json:"tlsKey"`

	DebugAllMessages bool `json:"debugAllMessages"`

	Store *StoreConfig `json:"store"`
}

// Environ holds string substitutions applied to every string field in
// the configuration: "${VAR}" placeholders are resolved against the
// environ section of the file.
type Environ map[string]string

// Defaults returns a Config pre-filled with the values a broker runs
// with if neither a config file nor flags say otherwise.
func Defaults() *Config {
	return &Config{
		Env:           Environ{},
		ServerName:    "",
		MaxConns:      1000,
		MaxPendConns:  100,
		CacheMaxEntry: 10000,
		DataPath:      ".",
		Store:         &StoreConfig{Driver: "file", DSN: "."},
	}
}

// Cfg is the process-wide configuration, set once by ParseArgs during
// start-up and read-only thereafter.
var Cfg *Config

// ParseArgs merges defaults, an optional JSON configuration file and
// command-line flags (in that order of increasing precedence) into
// Cfg, returning the flag.FlagSet used so callers can inspect Args().
func ParseArgs(args []string) (fs *flag.FlagSet, err error) {
	Cfg = Defaults()

	fs = flag.NewFlagSet("communicatord", flag.ContinueOnError)
	var cfgFile string
	fs.StringVar(&cfgFile, "config", "", "path to a JSON configuration file")

	// flags mirror the fields in Config; a flag left at its zero value
	// does not override a value already set by the config file.
	localListen := fs.String("local-listen", "", "local (same host) listen address")
	remoteListen := fs.String("remote-listen", "", "remote plain-tcp listen address")
	secureListen := fs.String("secure-listen", "", "remote TLS listen address")
	unixListen := fs.String("unix-listen", "", "unix domain socket listen address")
	statusListen := fs.String("status-listen", "", "HTTP introspection listen address")
	signal := fs.String("signal", "", "broadcast-udp discovery address")
	serverName := fs.String("server-name", "", "name this broker advertises to the cluster")
	myAddress := fs.String("my-address", "", "address other brokers use to reach us")
	neighbors := fs.String("neighbors", "", "comma separated list of neighbor addresses")
	signalSecret := fs.String("signal-secret", "", "shared secret checked on broadcast-udp")
	maxConns := fs.Int("max-connections", 0, "maximum simultaneous connections")
	maxPendConns := fs.Int("max-pending-connections", 0, "maximum pending (unauthenticated) connections")
	cacheMax := fs.Int("cache-max-entries", 0, "maximum cached messages before eviction")
	userName := fs.String("user-name", "", "drop privileges to this user after binding")
	groupName := fs.String("group-name", "", "drop privileges to this group after binding")
	dataPath := fs.String("data-path", "", "directory for persistent state")
	store := fs.String("store", "", "neighbor store driver, e.g. file:./data or redis:localhost:6379")
	debugAll := fs.Bool("debug-all-messages", false, "log every routed message")

	if err = fs.Parse(args); err != nil {
		return
	}

	if cfgFile != "" {
		if err = parseConfigFile(cfgFile); err != nil {
			return
		}
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["local-listen"] {
		Cfg.LocalListen = *localListen
	}
	if set["remote-listen"] {
		Cfg.RemoteListen = *remoteListen
	}
	if set["secure-listen"] {
		Cfg.SecureListen = *secureListen
	}
	if set["unix-listen"] {
		Cfg.UnixListen = *unixListen
	}
	if set["status-listen"] {
		Cfg.StatusListen = *statusListen
	}
	if set["signal"] {
		Cfg.Signal = *signal
	}
	if set["server-name"] {
		Cfg.ServerName = *serverName
	}
	if set["my-address"] {
		Cfg.MyAddress = *myAddress
	}
	if set["neighbors"] && *neighbors != "" {
		Cfg.Neighbors = strings.Split(*neighbors, ",")
	}
	if set["signal-secret"] {
		Cfg.SignalSecret = *signalSecret
	}
	if set["max-connections"] {
		Cfg.MaxConns = *maxConns
	}
	if set["max-pending-connections"] {
		Cfg.MaxPendConns = *maxPendConns
	}
	if set["cache-max-entries"] {
		Cfg.CacheMaxEntry = *cacheMax
	}
	if set["user-name"] {
		Cfg.UserName = *userName
	}
	if set["group-name"] {
		Cfg.GroupName = *groupName
	}
	if set["data-path"] {
		Cfg.DataPath = *dataPath
	}
	if set["debug-all-messages"] {
		Cfg.DebugAllMessages = *debugAll
	}
	if set["store"] {
		parts := strings.SplitN(*store, ":", 2)
		sc := &StoreConfig{Driver: parts[0]}
		if len(parts) == 2 {
			sc.DSN = parts[1]
		}
		Cfg.Store = sc
	}

	applySubstitutions(Cfg, Cfg.Env)

	if Cfg.ServerName == "" {
		var host string
		if host, err = os.Hostname(); err == nil {
			Cfg.ServerName = host
		}
		err = nil
	}
	return
}

// parseConfigFile reads a JSON configuration file and unmarshals it
// onto the already-defaulted Cfg, so absent fields keep their
// defaults (merge-by-unmarshal).
func parseConfigFile(fileName string) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := json.Unmarshal(data, Cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

var rxSubst = regexp.MustCompile(`\$\{([^\}]*)\}`)

// substString replaces every "${NAME}" occurrence in s with env["NAME"],
// leaving unresolved placeholders untouched.
func substString(s string, env map[string]string) string {
	matches := rxSubst.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) == 0 {
			continue
		}
		subst, ok := env[m[1]]
		if !ok {
			continue
		}
		s = strings.ReplaceAll(s, "${"+m[1]+"}", subst)
	}
	return s
}

// applySubstitutions walks x by reflection and resolves "${VAR}"
// placeholders in every string field against env, recursing into
// nested structs and pointers.
func applySubstitutions(x interface{}, env map[string]string) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if !fld.CanSet() {
				continue
			}
			switch fld.Kind() {
			case reflect.String:
				s := fld.Interface().(string)
				for {
					s1 := substString(s, env)
					if s1 == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s\n", s, s1)
					fld.SetString(s1)
					s = s1
				}
			case reflect.Struct:
				process(fld)
			case reflect.Ptr:
				e := fld.Elem()
				if e.IsValid() {
					process(e)
				}
			}
		}
	}
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Ptr:
		if e := v.Elem(); e.IsValid() {
			process(e)
		}
	case reflect.Struct:
		process(v)
	}
}

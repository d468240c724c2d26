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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"communicatord/config"
	"communicatord/core"
	"communicatord/util"

	"github.com/bfix/gospel/logger"
)

func main() {
	rc := run()
	logger.Println(logger.INFO, "[communicatord] Bye.")
	// flush last messages
	logger.Flush()
	os.Exit(rc)
}

func run() int {
	logger.Println(logger.INFO, "[communicatord] Starting daemon...")

	// handle command line arguments and the optional config file
	if _, err := config.ParseArgs(os.Args[1:]); err != nil {
		logger.Printf(logger.ERROR, "[communicatord] invalid configuration: %s\n", err.Error())
		return 1
	}
	cfg := config.Cfg
	if cfg.DebugAllMessages {
		logger.SetLogLevel(logger.DBG)
	}
	if err := util.EnforceDirExists(cfg.DataPath); err != nil {
		logger.Printf(logger.ERROR, "[communicatord] data path: %s\n", err.Error())
		return 1
	}

	// instantiate the broker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, err := core.NewBroker(ctx, cfg)
	if err != nil {
		logger.Printf(logger.ERROR, "[communicatord] broker failed: %s\n", err.Error())
		return 1
	}

	// log connection activity
	evCh := make(chan *core.Event)
	filter := core.NewEventFilter()
	filter.AddEvent(core.EvPeerConnected)
	filter.AddEvent(core.EvPeerDisconnected)
	filter.AddEvent(core.EvClusterChanged)
	b.Register("main", core.NewListener(evCh, filter))
	go func() {
		for ev := range evCh {
			switch ev.ID {
			case core.EvPeerConnected:
				logger.Printf(logger.INFO, "[communicatord] peer up: %s\n", ev.Name)
			case core.EvPeerDisconnected:
				logger.Printf(logger.INFO, "[communicatord] peer down: %s\n", ev.Name)
			case core.EvClusterChanged:
				logger.Printf(logger.INFO, "[communicatord] cluster: %s / %s\n",
					ev.Status.UpCommand(), ev.Status.CompleteCommand())
			}
		}
	}()

	// drop privileges after binding the listeners
	if cfg.UserName != "" || cfg.GroupName != "" {
		if err := dropPrivileges(cfg.UserName, cfg.GroupName); err != nil {
			logger.Printf(logger.ERROR, "[communicatord] dropping privileges: %s\n", err.Error())
			return 1
		}
	}

	// handle OS signals
	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh)

	// heart beat
	tick := time.NewTicker(5 * time.Minute)
	defer tick.Stop()

	rc := 0
loop:
	for {
		select {
		// handle OS signals
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGKILL, syscall.SIGINT, syscall.SIGTERM:
				logger.Printf(logger.INFO, "[communicatord] terminating (on signal '%s')\n", sig)
				b.Stop()
				break loop
			case syscall.SIGHUP:
				logger.Println(logger.INFO, "[communicatord] SIGHUP: exiting for config reload")
				b.Stop()
				rc = 1
				break loop
			case syscall.SIGURG:
				// TODO: https://github.com/golang/go/issues/37942
			default:
				logger.Println(logger.INFO, "[communicatord] Unhandled signal: "+sig.String())
			}
		// broker stopped on its own (STOP/SHUTDOWN command)
		case <-b.Done():
			break loop
		// handle heart beat
		case now := <-tick.C:
			logger.Println(logger.DBG, "[communicatord] heart beat at "+now.String())
		}
	}

	// wait for the loop to drain
	select {
	case <-b.Done():
	case <-time.After(10 * time.Second):
		logger.Println(logger.WARN, "[communicatord] shutdown timed out")
	}
	return rc
}

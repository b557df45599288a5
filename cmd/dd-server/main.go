// Copyright 2024 The TinyDD Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinydd/server"
	"github.com/pingcap-incubator/tinydd/server/config"
	"github.com/pingcap-incubator/tinydd/server/log"
)

const version = "tinydd-0.1.0"

func main() {
	cfg := config.NewConfig()
	err := cfg.Parse(os.Args[1:])

	if cfg.Version {
		fmt.Println(version)
		exit(0)
	}
	switch err {
	case nil:
	case flag.ErrHelp:
		exit(0)
	default:
		fmt.Fprintln(os.Stderr, "parse cmd flags error:", err)
		exit(1)
	}

	if err := log.Init(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "initialize logger error:", err)
		exit(1)
	}

	svr, err := server.CreateServer(cfg)
	if err != nil {
		log.Fatal("create server failed", log.Error(err))
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(context.Background())
	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	if err := svr.Run(ctx); err != nil {
		log.Fatal("run server failed", log.Error(err))
	}

	<-ctx.Done()
	log.Info("got signal to exit", log.String("signal", sig.String()))

	svr.Close()
	switch sig {
	case syscall.SIGTERM:
		exit(0)
	default:
		exit(1)
	}
}

func exit(code int) {
	os.Exit(code)
}

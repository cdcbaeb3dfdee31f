// SPDX-License-Identifier: MIT

// Command actord runs one control-framework actor (orchestrator, broker or
// authority) from a YAML configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crucible-testbed/crucible/internal/bus/kafka"
	"github.com/crucible-testbed/crucible/internal/config"
	"github.com/crucible-testbed/crucible/internal/container"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "actord:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the actor configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log.Configure(log.Config{Level: cfg.Logging.Level, Service: cfg.Actor.Name})
	logger := log.WithActor("main", cfg.Actor.Name)
	logger.Info().Str("config", *configPath).Str("summary", cfg.String()).Msg("starting")

	dbPath := cfg.Database.Name
	if dbPath == "" {
		dbPath = cfg.Actor.Name + ".db"
	}
	db, err := sqlite.Open(dbPath, cfg.Actor.Name, cfg.Actor.Type, ids.ID(cfg.Actor.GUID))
	if err != nil {
		return err
	}
	defer db.Close()

	transport, err := kafka.New(kafka.Config{
		Servers:        cfg.Runtime.BusServersList(),
		GroupID:        cfg.Runtime.GroupID,
		SASLUser:       cfg.Runtime.SASLUser,
		SASLPassword:   cfg.Runtime.SASLPassword,
		RequestTimeout: time.Duration(cfg.Runtime.RequestTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	c, err := container.New(cfg, db, transport)
	if err != nil {
		transport.Close()
		return err
	}
	if err := c.Start(); err != nil {
		c.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Serve(ctx) })
	err = g.Wait()
	c.Stop()
	return err
}

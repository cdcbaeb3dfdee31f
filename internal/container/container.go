// SPDX-License-Identifier: MIT

// Package container assembles one actor process: clock, ticker, store,
// transport, RPC manager, policy, kernel and actor, wired per the
// configuration. It owns the boot sequence, recovery after a restart, and
// ordered shutdown.
package container

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/crucible-testbed/crucible/internal/actor"
	"github.com/crucible-testbed/crucible/internal/bus"
	"github.com/crucible-testbed/crucible/internal/config"
	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/graph"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/manage"
	"github.com/crucible-testbed/crucible/internal/metrics"
	"github.com/crucible-testbed/crucible/internal/policy"
	"github.com/crucible-testbed/crucible/internal/rpc"
	"github.com/crucible-testbed/crucible/internal/substrate"
	"github.com/crucible-testbed/crucible/internal/tick"
)

// superblockKey names the miscellaneous row marking a completed boot. Its
// presence on the next start selects recovery over a clean boot; a fatal
// boot error leaves it unwritten so the next start tries clean again.
const superblockKey = "superblock"

// Persistence is the store surface the container needs: the kernel's
// write-through interface plus the bulk loaders recovery uses.
type Persistence interface {
	kernel.Store
	Slices() ([]*kernel.Slice, error)
	Reservations() ([]*kernel.Reservation, error)
	Delegations() ([]*kernel.Delegation, error)
	SaveMiscellaneous(name string, properties map[string]string) error
	LoadMiscellaneous(name string) (map[string]string, error)
}

// Container is one assembled actor process.
type Container struct {
	cfg       *config.Config
	db        Persistence
	transport bus.Transport
	registry  *rpc.Registry
	ticker    *tick.Ticker
	rpcm      *rpc.Manager
	kern      *kernel.Kernel
	pol       kernel.Policy
	act       *actor.Actor
	metrics   *metrics.Metrics
	manage    *manage.Server
	recovered bool
	logger    zerolog.Logger
}

// loopSink forwards RPC failures and handler completions to the actor once
// it exists; construction order requires the sink before the actor.
type loopSink struct {
	actor *actor.Actor
}

func (s *loopSink) ReservationRPCFailed(rid ids.ID, name bus.MessageType, message string) {
	s.actor.ReservationRPCFailed(rid, name, message)
}

func (s *loopSink) DelegationRPCFailed(did ids.ID, name bus.MessageType, message string) {
	s.actor.DelegationRPCFailed(did, name, message)
}

func (s *loopSink) QueryRPCFailed(requestID ids.ID, message string) {
	s.actor.QueryRPCFailed(requestID, message)
}

func (s *loopSink) ConfigurationComplete(c substrate.Completion) {
	s.actor.ConfigurationComplete(c)
}

// New assembles the container. The store and transport are injected so the
// same wiring serves production (SQLite, Kafka) and tests (memory,
// loopback).
func New(cfg *config.Config, db Persistence, transport bus.Transport) (*Container, error) {
	log.Configure(log.Config{Level: cfg.Logging.Level, Service: cfg.Actor.Name})
	logger := log.WithActor("container", cfg.Actor.Name)

	beginning := cfg.Time.StartTime
	if beginning < 0 {
		beginning = time.Now().UnixMilli()
	}
	clock, err := tick.NewClock(beginning, cfg.Time.CycleMillis)
	if err != nil {
		return nil, err
	}
	ticker := tick.NewTicker(clock, cfg.Time.Manual)

	registry := rpc.NewRegistry()
	for _, p := range cfg.Peers {
		registry.Add(rpc.Peer{Name: p.Name, GUID: ids.ID(p.GUID), Type: p.Type, Topic: p.KafkaTopic})
	}

	actorGUID := ids.ID(cfg.Actor.GUID)
	sink := &loopSink{}
	rpcm := rpc.NewManager(rpc.Config{
		ActorGUID:     actorGUID,
		Identity:      ids.AuthToken{Name: cfg.Actor.Name, GUID: actorGUID},
		CallbackTopic: cfg.Actor.KafkaTopic,
		Transport:     transport,
		Registry:      registry,
		Failures:      sink,
		SendTimeout:   time.Duration(cfg.Runtime.RequestTimeoutMS) * time.Millisecond,
	})

	pol, handlers, err := buildPolicy(cfg, actorGUID, sink)
	if err != nil {
		rpcm.Stop()
		return nil, err
	}

	kern := kernel.New(kernel.Config{
		ActorName: cfg.Actor.Name,
		ActorGUID: actorGUID,
		Store:     db,
		Policy:    pol,
		Outbound:  rpcm,
		Clock:     clock,
		Handlers:  handlers,
	})
	if ap, ok := pol.(*policy.Authority); ok {
		ap.Attach(kern)
	}

	m := metrics.New(cfg.Actor.Name, func() float64 { return float64(rpcm.PendingCount()) })
	kern.SetObserver(func(r *kernel.Reservation) {
		m.Transitions.WithLabelValues(r.State.String()).Inc()
	})

	act := actor.New(actor.Config{
		Name:    cfg.Actor.Name,
		GUID:    actorGUID,
		Type:    cfg.Actor.Type,
		Kernel:  kern,
		RPC:     rpcm,
		Metrics: m,
	})
	sink.actor = act

	c := &Container{
		cfg:       cfg,
		db:        db,
		transport: transport,
		registry:  registry,
		ticker:    ticker,
		rpcm:      rpcm,
		kern:      kern,
		pol:       pol,
		act:       act,
		metrics:   m,
		logger:    logger,
	}
	if cfg.Runtime.ManageListen != "" {
		c.manage = manage.NewServer(cfg.Runtime.ManageListen, act, m)
	}
	return c, nil
}

// buildPolicy constructs the role policy and, for authorities, the substrate
// handler table. Handlers run in-process; the configured module and class
// select among the registered implementations, of which the simulated
// handler is the only built-in.
func buildPolicy(cfg *config.Config, guid ids.ID, sink substrate.CompletionSink) (kernel.Policy, map[string]substrate.Handler, error) {
	switch cfg.Actor.Type {
	case config.TypeOrchestrator:
		return policy.NewClient(cfg.Actor.Name), nil, nil
	case config.TypeBroker:
		return policy.NewBroker(cfg.Actor.Name), nil, nil
	case config.TypeAuthority:
		p := policy.NewAuthority(cfg.Actor.Name, guid)
		handlers := make(map[string]substrate.Handler, len(cfg.Actor.Resources))
		for _, rc := range cfg.Actor.Resources {
			units := rc.Units
			if units <= 0 {
				units = 1
			}
			g := graph.New(cfg.Actor.Name + "-" + rc.Type)
			serialized, err := g.Serialize()
			if err != nil {
				return nil, nil, err
			}
			p.AddInventory(rc.Type, units, serialized)
			handlers[rc.Type] = substrate.NewSimHandler(sink, 0)
		}
		return p, handlers, nil
	}
	return nil, nil, errs.New(errs.InvalidArgument, "unknown actor type %q", cfg.Actor.Type)
}

// Actor returns the hosted actor.
func (c *Container) Actor() *actor.Actor { return c.act }

// Ticker returns the cycle ticker.
func (c *Container) Ticker() *tick.Ticker { return c.ticker }

// Recovered reports whether the last Start replayed persisted state.
func (c *Container) Recovered() bool { return c.recovered }

// Start boots the actor: event loop, transport subscription, recovery or
// clean boot, superblock, ticker. A non-nil error means the process must
// exit; the superblock is only written after a successful boot.
func (c *Container) Start() error {
	if err := c.act.Start(); err != nil {
		return err
	}
	if err := c.transport.Subscribe(c.cfg.Actor.KafkaTopic, c.act.HandleEnvelope); err != nil {
		return err
	}

	sb, err := c.db.LoadMiscellaneous(superblockKey)
	if err != nil {
		return err
	}
	if sb != nil {
		if err := c.recover(); err != nil {
			return err
		}
		c.recovered = true
	} else {
		if err := c.cleanBoot(); err != nil {
			return err
		}
	}

	if err := c.db.SaveMiscellaneous(superblockKey, map[string]string{
		"actor":     c.cfg.Actor.Name,
		"boot-time": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}); err != nil {
		return err
	}

	if err := c.ticker.Register(c.act); err != nil {
		return err
	}
	if err := c.ticker.Start(); err != nil {
		return err
	}
	c.logger.Info().Bool("recovered", c.recovered).Msg("actor started")
	return nil
}

// Serve runs the management API until ctx is cancelled. With no management
// listener configured it blocks until cancellation.
func (c *Container) Serve(ctx context.Context) error {
	if c.manage == nil {
		<-ctx.Done()
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- c.manage.ListenAndServe() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return c.manage.Shutdown(shutdownCtx)
	}
}

// Stop shuts the actor down in dependency order: no new ticks, then no new
// events, then the transport.
func (c *Container) Stop() {
	c.ticker.Stop()
	c.act.Stop()
	if err := c.transport.Close(); err != nil {
		c.logger.Error().Err(err).Msg("transport close failed")
	}
	c.logger.Info().Msg("actor stopped")
}

// recover replays persisted state through the kernel on the actor loop.
// Inventory slices load first so delegations and their pools exist before
// the reservations that draw on them.
func (c *Container) recover() error {
	slices, err := c.db.Slices()
	if err != nil {
		return err
	}
	delegations, err := c.db.Delegations()
	if err != nil {
		return err
	}
	reservations, err := c.db.Reservations()
	if err != nil {
		return err
	}

	sort.Slice(slices, func(i, j int) bool {
		if slices[i].Inventory() != slices[j].Inventory() {
			return slices[i].Inventory()
		}
		return slices[i].CreatedAt < slices[j].CreatedAt
	})
	sort.Slice(reservations, func(i, j int) bool {
		return reservations[i].CreatedAt < reservations[j].CreatedAt
	})

	err = c.act.ExecuteOnLoop(func() error {
		for _, s := range slices {
			if err := c.kern.RecoverSlice(s); err != nil {
				return errs.Wrap(errs.Internal, err, "recover slice %s", s.SliceID)
			}
		}
		for _, d := range delegations {
			if err := c.kern.RecoverDelegation(d); err != nil {
				return errs.Wrap(errs.Internal, err, "recover delegation %s", d.DID)
			}
		}
		for _, r := range reservations {
			if err := c.kern.RecoverReservation(r); err != nil {
				return errs.Wrap(errs.Internal, err, "recover reservation %s", r.RID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info().
		Int("slices", len(slices)).
		Int("delegations", len(delegations)).
		Int("reservations", len(reservations)).
		Msg("recovery ended")
	return nil
}

// cleanBoot builds the initial state of a first start. Authorities create
// their inventory slice and advertise one delegation per broker peer;
// brokers register delegation shadows for the peers they are configured to
// claim from and claim them.
func (c *Container) cleanBoot() error {
	switch c.cfg.Actor.Type {
	case config.TypeAuthority:
		return c.bootAuthority()
	case config.TypeBroker:
		return c.bootBroker()
	}
	return nil
}

func (c *Container) bootAuthority() error {
	if len(c.cfg.Actor.Resources) == 0 {
		return nil
	}
	owner := ids.AuthToken{Name: c.cfg.Actor.Name, GUID: ids.ID(c.cfg.Actor.GUID)}
	return c.act.ExecuteOnLoop(func() error {
		inv := kernel.NewSlice(ids.NewID(), c.cfg.Actor.Name+"-inventory", kernel.SliceTypeInventory, owner)
		if err := c.kern.RegisterSlice(inv); err != nil {
			return err
		}
		ap, _ := c.pol.(*policy.Authority)
		for _, peer := range c.cfg.Peers {
			if peer.Type != config.TypeBroker || peer.Delegation == "" {
				continue
			}
			rc := c.cfg.Actor.Resources[0]
			units, gstr := rc.Units, ""
			if ap != nil {
				units, gstr, _ = ap.InventoryFor(rc.Type)
			}
			d := kernel.NewDelegation(ids.ID(peer.Delegation), inv.SliceID, ids.ID(c.cfg.Actor.GUID), units, rc.Type, gstr)
			if err := c.kern.RegisterDelegation(d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Container) bootBroker() error {
	owner := ids.AuthToken{Name: c.cfg.Actor.Name, GUID: ids.ID(c.cfg.Actor.GUID)}
	return c.act.ExecuteOnLoop(func() error {
		var inv *kernel.Slice
		for _, peer := range c.cfg.Peers {
			if peer.Type != config.TypeAuthority || peer.Delegation == "" {
				continue
			}
			if inv == nil {
				inv = kernel.NewSlice(ids.NewID(), c.cfg.Actor.Name+"-inventory", kernel.SliceTypeInventory, owner)
				if err := c.kern.RegisterSlice(inv); err != nil {
					return err
				}
			}
			d := kernel.NewDelegation(ids.ID(peer.Delegation), inv.SliceID, ids.ID(peer.GUID), 0, "", "")
			if err := c.kern.RegisterDelegation(d); err != nil {
				return err
			}
			if err := c.kern.ClaimDelegation(d.DID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/bson/primitive"
	"go.nebuladb.io/nebula-go-driver/event"
	"go.nebuladb.io/nebula-go-driver/internal/logger"
	driver "go.nebuladb.io/nebula-go-driver/x/mongo/driver"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
)

// ErrTopologyClosed occurs when a Cluster that has been disconnected is used again.
var ErrTopologyClosed = errors.New("topology is closed")

// ErrTopologyConnected occurs when Connect is called more than once on a Cluster.
var ErrTopologyConnected = errors.New("topology is connected or connecting")

const (
	topologyDisconnected int32 = iota
	topologyDisconnecting
	topologyConnected
	topologyConnecting
)

// config collects the deployment-wide knobs a Cluster needs in addition to what each Server
// already knows about itself.
type config struct {
	mode                   description.TopologyKind
	replicaSetName         string
	loadBalanced           bool
	seedList               []address.Address
	serverOpts             []ServerOption
	serverSelectionTimeout time.Duration
	uri                    string
	topologyMonitor        *event.Dispatcher
	logger                 *logger.Logger
}

// Option configures a Cluster.
type Option func(*config)

func newConfig(opts ...Option) *config {
	cfg := &config{serverSelectionTimeout: 30 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithSeedList sets the initial set of addresses to monitor.
func WithSeedList(addrs ...address.Address) Option {
	return func(cfg *config) { cfg.seedList = addrs }
}

// WithReplicaSetName pins the expected replica set name, forcing Single-seed topologies to start
// as ReplicaSetNoPrimary instead of Single.
func WithReplicaSetName(name string) Option {
	return func(cfg *config) { cfg.replicaSetName = name }
}

// WithLoadBalanced marks this deployment as sitting behind a load balancer.
func WithLoadBalanced(lb bool) Option {
	return func(cfg *config) { cfg.loadBalanced = lb }
}

// WithServerOptions appends options applied to every Server this Cluster creates.
func WithServerOptions(opts ...ServerOption) Option {
	return func(cfg *config) { cfg.serverOpts = append(cfg.serverOpts, opts...) }
}

// WithServerSelectionTimeout bounds how long SelectServer blocks before giving up.
func WithServerSelectionTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.serverSelectionTimeout = d }
}

// WithTopologyMonitor installs the event dispatcher for Topology-level SDAM events.
func WithTopologyMonitor(d *event.Dispatcher) Option {
	return func(cfg *config) { cfg.topologyMonitor = d }
}

// WithLogger installs the structured logger SDAM transitions are reported through; a
// nil logger (the default) disables topology-component logging without affecting event
// subscribers.
func WithLogger(l *logger.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// WithURI records the connection string this Cluster was built from, surfaced only for
// diagnostics (String, logging) — it plays no role in topology behavior.
func WithURI(uri string) Option {
	return func(cfg *config) { cfg.uri = uri }
}

// WithTopologyMode overrides the topology kind inferred from the seed list and replica set name,
// for callers that already know the deployment shape (e.g. an explicit directConnection).
func WithTopologyMode(kind description.TopologyKind) Option {
	return func(cfg *config) { cfg.mode = kind }
}

// Cluster is the single writer of the deployment-wide description.Topology: it
// owns one Server per member, applies description.Apply to every update it observes, and answers
// SelectServer against the current snapshot. It implements driver.Deployment.
type Cluster struct {
	cfg   *config
	id    string
	state int32

	mu      sync.Mutex // serializes every topology mutation; single-writer discipline
	desc    description.Topology
	servers map[address.Address]*Server
	rand    *rand.Rand

	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Topology
	currentSubscriberID uint64
	subscriptionsClosed bool

	waiterMu sync.Mutex
	waiters  map[chan struct{}]struct{}
}

// New constructs a Cluster seeded with the given options, but does not start monitoring; call
// Connect to do that.
func New(opts ...Option) (*Cluster, error) {
	cfg := newConfig(opts...)
	if cfg.loadBalanced && cfg.replicaSetName != "" {
		return nil, errors.New("loadBalanced=true is incompatible with a replicaSet name")
	}
	if len(cfg.seedList) == 0 {
		return nil, errors.New("topology requires at least one seed address")
	}

	kind := description.TopologyUnknown
	switch {
	case cfg.mode != description.TopologyUnknown:
		kind = cfg.mode
	case cfg.loadBalanced:
		kind = description.LoadBalanced
	case cfg.replicaSetName != "":
		kind = description.ReplicaSetNoPrimary
	case len(cfg.seedList) == 1:
		kind = description.Single
	}

	servers := make([]description.Server, 0, len(cfg.seedList))
	for _, addr := range cfg.seedList {
		servers = append(servers, description.NewDefaultServer(addr))
	}

	c := &Cluster{
		cfg: cfg,
		id:  primitive.NewObjectID().Hex(),
		desc: description.Topology{
			Kind:         kind,
			Servers:      servers,
			SetName:      cfg.replicaSetName,
			LoadBalanced: cfg.loadBalanced,
			Compatible:   true,
		},
		servers:     make(map[address.Address]*Server),
		subscribers: make(map[uint64]chan description.Topology),
		waiters:     make(map[chan struct{}]struct{}),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	return c, nil
}

// Connect starts monitoring every seed address.
func (c *Cluster) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != topologyDisconnected {
		return ErrTopologyConnected
	}
	c.state = topologyConnecting

	c.publishTopologyOpening()
	for _, sd := range c.desc.Servers {
		c.addServerLocked(sd.Addr)
	}
	c.publishTopologyChanged(description.Topology{}, c.desc)
	c.state = topologyConnected
	return nil
}

// addServerLocked starts a new Server for addr and wires its description updates back into
// applyAndStore. Callers must hold c.mu.
func (c *Cluster) addServerLocked(addr address.Address) {
	if _, ok := c.servers[addr]; ok {
		return
	}
	c.publishServerOpening(addr)
	srv := NewServer(addr, c.cfg.serverOpts...)
	c.servers[addr] = srv
	_ = srv.Connect(func(sd description.Server) description.Server {
		return c.applyAndStore(sd)
	})
}

// applyAndStore runs description.Apply under the single-writer lock, stores the resulting
// Topology, reconciles the live Server set against it, and returns the stored description for
// the reporting server (which may differ from sd if Apply rejected it as stale).
func (c *Cluster) applyAndStore(sd description.Server) description.Server {
	c.mu.Lock()
	old := c.desc
	c.desc = description.Apply(c.desc, sd)
	new := c.desc
	c.reconcileServersLocked(old, new)
	c.mu.Unlock()

	c.publishServerChanged(sd.Addr, new)
	c.publishTopologyChanged(old, new)
	c.broadcast(new)
	c.wakeWaiters()

	stored, ok := new.FindServer(sd.Addr)
	if !ok {
		return sd
	}
	return stored
}

// reconcileServersLocked starts monitors for servers that entered the topology and stops them for
// servers that left it. Callers must hold c.mu.
func (c *Cluster) reconcileServersLocked(old, new description.Topology) {
	diff := description.DiffTopology(old, new)
	for _, sd := range diff.AddedServers {
		c.addServerLocked(sd.Addr)
	}
	for _, sd := range diff.RemovedServers {
		if srv, ok := c.servers[sd.Addr]; ok {
			delete(c.servers, sd.Addr)
			c.publishServerClosed(sd.Addr)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Disconnect(ctx)
			}()
		}
	}
}

// Disconnect stops every Server's monitor and closes every connection pool.
func (c *Cluster) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != topologyConnected {
		c.mu.Unlock()
		return ErrTopologyClosed
	}
	c.state = topologyDisconnecting
	servers := make([]*Server, 0, len(c.servers))
	for _, srv := range c.servers {
		servers = append(servers, srv)
	}
	c.servers = make(map[address.Address]*Server)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error { return srv.Disconnect(gctx) })
	}
	firstErr := g.Wait()

	c.subLock.Lock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	c.subscriptionsClosed = true
	c.subLock.Unlock()

	c.publishTopologyClosed()
	c.mu.Lock()
	c.state = topologyDisconnected
	c.mu.Unlock()
	return firstErr
}

// Description returns the current topology snapshot.
func (c *Cluster) Description() description.Topology {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// Kind reports the current topology kind, implementing driver.Deployment.
func (c *Cluster) Kind() description.TopologyKind { return c.Description().Kind }

// SelectServer blocks until selector matches at least one server, or ctx/serverSelectionTimeout
// elapses, implementing driver.Deployment.
func (c *Cluster) SelectServer(ctx context.Context, selector description.ServerSelector) (driver.Server, error) {
	if c.cfg.serverSelectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.serverSelectionTimeout)
		defer cancel()
	}

	wake := make(chan struct{}, 1)
	c.waiterMu.Lock()
	c.waiters[wake] = struct{}{}
	c.waiterMu.Unlock()
	defer func() {
		c.waiterMu.Lock()
		delete(c.waiters, wake)
		c.waiterMu.Unlock()
	}()

	for {
		td := c.Description()
		if !td.Compatible {
			return nil, driver.IncompatibleServerError{Message: td.CompatibilityErr.Error()}
		}

		candidates, err := selector.SelectServer(td, td.Servers)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			c.mu.Lock()
			chosen := candidates[c.rand.Intn(len(candidates))]
			srv, ok := c.servers[chosen.Addr]
			c.mu.Unlock()
			if ok {
				return &SelectedServer{Server: srv, Kind: td.Kind}, nil
			}
		}

		c.RequestImmediateCheck()
		select {
		case <-wake:
		case <-time.After(minHeartbeatInterval):
		case <-ctx.Done():
			return nil, driver.SelectionTimeoutError{Wrapped: ctx.Err()}
		}
	}
}

// RequestImmediateCheck asks every known server to heartbeat now, used when selection finds no
// eligible candidate.
func (c *Cluster) RequestImmediateCheck() {
	c.mu.Lock()
	servers := make([]*Server, 0, len(c.servers))
	for _, srv := range c.servers {
		servers = append(servers, srv)
	}
	c.mu.Unlock()
	for _, srv := range servers {
		srv.RequestImmediateCheck()
	}
}

func (c *Cluster) wakeWaiters() {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()
	for ch := range c.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel fed with every Topology snapshot following a description.Apply
// call, pre-populated with the current one.
func (c *Cluster) Subscribe() (*Subscription, error) {
	ch := make(chan description.Topology, 1)
	ch <- c.Description()

	c.subLock.Lock()
	defer c.subLock.Unlock()
	if c.subscriptionsClosed {
		return nil, ErrTopologyClosed
	}
	id := c.currentSubscriberID
	c.subscribers[id] = ch
	c.currentSubscriberID++
	return &Subscription{C: ch, c: c, id: id}, nil
}

func (c *Cluster) broadcast(td description.Topology) {
	c.subLock.Lock()
	defer c.subLock.Unlock()
	for _, ch := range c.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- td
	}
}

// Subscription is a live feed of Topology snapshots.
type Subscription struct {
	C  <-chan description.Topology
	c  *Cluster
	id uint64
}

// Unsubscribe stops delivery and closes the subscription channel.
func (s *Subscription) Unsubscribe() error {
	s.c.subLock.Lock()
	defer s.c.subLock.Unlock()
	if s.c.subscriptionsClosed {
		return nil
	}
	ch, ok := s.c.subscribers[s.id]
	if !ok {
		return nil
	}
	close(ch)
	delete(s.c.subscribers, s.id)
	return nil
}

func (c *Cluster) publishTopologyOpening() {
	if c.cfg.topologyMonitor == nil {
		return
	}
	c.cfg.topologyMonitor.PublishTopologyOpening(&event.TopologyOpeningEvent{TopologyID: c.id})
}

func (c *Cluster) publishTopologyChanged(old, new description.Topology) {
	if c.cfg.logger != nil && c.cfg.logger.Is(logger.LevelDebug, logger.ComponentTopology) {
		c.cfg.logger.Print(logger.LevelDebug, logger.TopologyMessage{
			TopologyID: c.id,
			Previous:   old.Kind.String(),
			New:        new.Kind.String(),
		})
	}
	if c.cfg.topologyMonitor == nil {
		return
	}
	c.cfg.topologyMonitor.PublishTopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
		TopologyID:          c.id,
		PreviousDescription: old,
		NewDescription:      new,
	})
}

func (c *Cluster) publishTopologyClosed() {
	if c.cfg.topologyMonitor == nil {
		return
	}
	c.cfg.topologyMonitor.PublishTopologyClosed(&event.TopologyClosedEvent{TopologyID: c.id})
}

func (c *Cluster) publishServerOpening(addr address.Address) {
	if c.cfg.topologyMonitor == nil {
		return
	}
	c.cfg.topologyMonitor.PublishServerOpening(&event.ServerOpeningEvent{TopologyID: c.id, Address: addr.String()})
}

func (c *Cluster) publishServerChanged(addr address.Address, new description.Topology) {
	if c.cfg.topologyMonitor == nil {
		return
	}
	sd, ok := new.FindServer(addr)
	if !ok {
		return
	}
	c.cfg.topologyMonitor.PublishServerDescriptionChanged(&event.ServerDescriptionChangedEvent{
		TopologyID:     c.id,
		Address:        addr.String(),
		NewDescription: sd,
	})
}

func (c *Cluster) publishServerClosed(addr address.Address) {
	if c.cfg.topologyMonitor == nil {
		return
	}
	c.cfg.topologyMonitor.PublishServerClosed(&event.ServerClosedEvent{TopologyID: c.id, Address: addr.String()})
}

// String implements fmt.Stringer for diagnostic logging.
func (c *Cluster) String() string {
	td := c.Description()
	if c.cfg.uri != "" {
		return fmt.Sprintf("Topology{URI: %s, Kind: %s, Servers: %d}", c.cfg.uri, td.Kind, len(td.Servers))
	}
	return fmt.Sprintf("Topology{Kind: %s, Servers: %d}", td.Kind, len(td.Servers))
}

// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements the concrete Deployment: the per-server Monitor
// and connection pool, and the single-writer Cluster that applies description.Apply to every
// Monitor update and serves server selection.
package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/event"
	driver "go.nebuladb.io/nebula-go-driver/x/mongo/driver"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/auth"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/compression"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/operation"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/session"
)

// ErrServerClosed occurs when an attempt to check out a connection is made after the server has
// been disconnected.
var ErrServerClosed = errors.New("server is closed")

// ErrServerConnected occurs when Connect is called on a server that is already connected.
var ErrServerConnected = errors.New("server is connected")

// ErrSubscribeAfterClosed occurs when Subscribe is called on a disconnected server.
var ErrSubscribeAfterClosed = errors.New("cannot subscribe to a disconnected server")

const (
	disconnected int32 = iota
	disconnecting
	connected
	connecting
)

// serverConfig collects the tuning knobs for one Server, assembled by ServerOption functions.
type serverConfig struct {
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	appName           string
	compressors       []string
	minConns          uint64
	maxConns          uint64
	maxIdleTime       time.Duration
	waitQueueTimeout  time.Duration
	connectionOpts    []ConnectionOption
	serverMonitor     *event.Dispatcher
	poolMonitor       *event.Dispatcher
	clock             *session.ClusterClock
	authenticator     func(context.Context, *Connection) error
}

// ServerOption configures a Server at construction time.
type ServerOption func(*serverConfig)

func newServerConfig(opts ...ServerOption) *serverConfig {
	cfg := &serverConfig{
		heartbeatInterval: 10 * time.Second,
		heartbeatTimeout:  10 * time.Second,
		maxConns:          100,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithHeartbeatInterval sets the interval between scheduled heartbeats.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.heartbeatInterval = d }
}

// WithHeartbeatTimeout sets the per-heartbeat connect/read/write deadline.
func WithHeartbeatTimeout(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.heartbeatTimeout = d }
}

// WithServerAppName sets the application name reported during handshakes.
func WithServerAppName(name string) ServerOption {
	return func(cfg *serverConfig) { cfg.appName = name }
}

// WithServerCompressors sets the compressor names offered during handshakes, in preference order.
func WithServerCompressors(names []string) ServerOption {
	return func(cfg *serverConfig) { cfg.compressors = names }
}

// WithMinConns sets the pool's minPoolSize.
func WithMinConns(n uint64) ServerOption { return func(cfg *serverConfig) { cfg.minConns = n } }

// WithMaxConns sets the pool's maxPoolSize.
func WithMaxConns(n uint64) ServerOption { return func(cfg *serverConfig) { cfg.maxConns = n } }

// WithMaxIdleTime sets how long an idle pooled connection may live before being discarded.
func WithMaxIdleTime(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.maxIdleTime = d }
}

// WithWaitQueueTimeout sets how long a checkout may block before failing.
func WithWaitQueueTimeout(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.waitQueueTimeout = d }
}

// WithServerConnectionOptions appends options applied to every Connection this server dials.
func WithServerConnectionOptions(opts ...ConnectionOption) ServerOption {
	return func(cfg *serverConfig) { cfg.connectionOpts = append(cfg.connectionOpts, opts...) }
}

// WithServerMonitor installs the event dispatcher for SDAM events raised by this server.
func WithServerMonitor(d *event.Dispatcher) ServerOption {
	return func(cfg *serverConfig) { cfg.serverMonitor = d }
}

// WithPoolMonitor installs the event dispatcher for CMAP events raised by this server's pool.
func WithPoolMonitor(d *event.Dispatcher) ServerOption {
	return func(cfg *serverConfig) { cfg.poolMonitor = d }
}

// WithServerClusterClock sets the cluster clock gossiped on every heartbeat.
func WithServerClusterClock(clock *session.ClusterClock) ServerOption {
	return func(cfg *serverConfig) { cfg.clock = clock }
}

// WithServerAuthenticator installs a credential-negotiation step run immediately after every
// pooled connection's Hello handshake succeeds.
func WithServerAuthenticator(fn func(context.Context, *Connection) error) ServerOption {
	return func(cfg *serverConfig) { cfg.authenticator = fn }
}

// WithCredential wraps an auth.Authenticator as a WithServerAuthenticator callback, bridging
// the mechanism-specific SASL machinery to the per-connection handshake hook.
func WithCredential(mechanism string, cred *auth.Cred, httpClient *http.Client) (ServerOption, error) {
	authenticator, err := auth.CreateAuthenticator(mechanism, cred)
	if err != nil {
		return nil, err
	}
	return WithServerAuthenticator(func(ctx context.Context, c *Connection) error {
		return authenticator.Auth(ctx, &auth.Config{
			Description: c.Description(),
			Conn:        c,
			HTTPClient:  httpClient,
		})
	}), nil
}

// SelectedServer pairs a chosen Server with the TopologyKind it was selected from.
type SelectedServer struct {
	*Server
	Kind description.TopologyKind
}

// Description returns a description of the selected server as of its last heartbeat.
func (ss *SelectedServer) Description() description.SelectedServer {
	return description.SelectedServer{Server: ss.Server.Description(), Kind: ss.Kind}
}

// updateTopologyCallback is invoked by a Server on every new description, giving the owning
// Cluster a chance to apply it and feed back the description that should actually be stored
// (e.g. after staleness rejection).
type updateTopologyCallback func(description.Server) description.Server

// Server binds one address's Monitor and connection pool together. It implements driver.Server.
type Server struct {
	cfg             *serverConfig
	address         address.Address
	connectionstate int32

	pool *pool
	mon  *Monitor

	updateTopologyCallback atomic.Value // updateTopologyCallback

	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Server
	currentSubscriberID uint64
	subscriptionsClosed bool

	processErrorLock sync.Mutex
}

// ConnectServer constructs a Server and immediately starts its background monitoring.
func ConnectServer(addr address.Address, updateCallback updateTopologyCallback, opts ...ServerOption) (*Server, error) {
	s := NewServer(addr, opts...)
	if err := s.Connect(updateCallback); err != nil {
		return nil, err
	}
	return s, nil
}

// NewServer constructs a Server without starting its monitor; call Connect to begin monitoring.
func NewServer(addr address.Address, opts ...ServerOption) *Server {
	cfg := newServerConfig(opts...)
	s := &Server{
		cfg:         cfg,
		address:     addr,
		subscribers: make(map[uint64]chan description.Server),
	}

	hello := operation.NewHello().AppName(cfg.appName).Compressors(cfg.compressors).ClusterClock(cfg.clock)
	handshaker := HandshakerFunc(func(ctx context.Context, a address.Address, c *Connection) (description.Server, error) {
		desc, err := hello.RunHandshake(ctx, a, c)
		if err != nil {
			return desc, err
		}
		if cfg.authenticator != nil {
			if err := cfg.authenticator(ctx, c); err != nil {
				return desc, err
			}
		}
		return desc, nil
	})

	pc := poolConfig{
		Address:          addr,
		MinPoolSize:      cfg.minConns,
		MaxPoolSize:      cfg.maxConns,
		MaxIdleTime:      cfg.maxIdleTime,
		WaitQueueTimeout: cfg.waitQueueTimeout,
		ConnectionOptions: append(
			append([]ConnectionOption{WithHandshaker(handshaker)}, cfg.connectionOpts...),
			WithCompressorNames(cfg.compressors),
		),
		PoolMonitor: cfg.poolMonitor,
	}
	s.pool = newPool(pc)
	return s
}

// WithCompressorNames resolves compressor names to compression.Compressor values and installs
// them via WithCompressors; unknown names are ignored.
func WithCompressorNames(names []string) ConnectionOption {
	comps := make([]compression.Compressor, 0, len(names))
	for _, n := range names {
		if c, ok := compression.ByName(n); ok {
			comps = append(comps, c)
		}
	}
	return WithCompressors(comps...)
}

// Connect starts this Server's Monitor and marks the pool ready once the first heartbeat lands.
func (s *Server) Connect(updateCallback updateTopologyCallback) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, disconnected, connecting) {
		return ErrServerConnected
	}
	s.updateTopologyCallback.Store(updateCallback)

	mc := monitorConfig{
		Address:           s.address,
		HeartbeatInterval: s.cfg.heartbeatInterval,
		HeartbeatTimeout:  s.cfg.heartbeatTimeout,
		AppName:           s.cfg.appName,
		Compressors:       s.cfg.compressors,
		ConnectionOptions: s.cfg.connectionOpts,
		ServerMonitor:     s.cfg.serverMonitor,
		ClusterClock:      s.cfg.clock,
	}
	s.mon = NewMonitor(mc)
	s.mon.Subscribe(s.updateDescription)
	s.updateDescription(s.mon.Description())

	if s.mon.Description().Kind != description.Unknown {
		s.pool.ready()
	}

	atomic.StoreInt32(&s.connectionstate, connected)
	return nil
}

// Disconnect stops the Monitor and closes the connection pool.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, connected, disconnecting) {
		return ErrServerClosed
	}
	s.updateTopologyCallback.Store(updateTopologyCallback(nil))
	s.mon.Close()
	err := s.pool.close(ctx)

	s.subLock.Lock()
	for id, c := range s.subscribers {
		close(c)
		delete(s.subscribers, id)
	}
	s.subscriptionsClosed = true
	s.subLock.Unlock()

	atomic.StoreInt32(&s.connectionstate, disconnected)
	return err
}

// Connection checks out a pooled connection, implementing driver.Server.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	if atomic.LoadInt32(&s.connectionstate) != connected {
		return nil, ErrServerClosed
	}
	conn, err := s.pool.get(ctx)
	if err != nil {
		s.ProcessHandshakeError(err)
		return nil, err
	}
	return conn, nil
}

// ProcessHandshakeError implements SDAM error handling for errors observed before a connection
// finishes its handshake.
func (s *Server) ProcessHandshakeError(err error) {
	if err == nil {
		return
	}
	wrapped := unwrapConnectionError(err)
	if wrapped == nil {
		return
	}
	s.updateDescription(description.NewServerFromError(s.address, wrapped, s.Description().TopologyVersion))
	s.pool.clear(wrapped, nil)
}

// Description returns the server's most recently observed description.
func (s *Server) Description() description.Server {
	if s.mon == nil {
		return description.NewDefaultServer(s.address)
	}
	return s.mon.Description()
}

// SelectedDescription returns a description.SelectedServer of kind Single, for one-off commands
// run directly against this server outside of normal selection.
func (s *Server) SelectedDescription() description.SelectedServer {
	return description.SelectedServer{Server: s.Description(), Kind: description.Single}
}

// Subscribe returns a channel that receives every subsequent description this server observes,
// pre-populated with the current one.
func (s *Server) Subscribe() (*ServerSubscription, error) {
	if atomic.LoadInt32(&s.connectionstate) != connected {
		return nil, ErrSubscribeAfterClosed
	}
	ch := make(chan description.Server, 1)
	ch <- s.Description()

	s.subLock.Lock()
	defer s.subLock.Unlock()
	if s.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := s.currentSubscriberID
	s.subscribers[id] = ch
	s.currentSubscriberID++
	return &ServerSubscription{C: ch, s: s, id: id}, nil
}

// RequestImmediateCheck asks the underlying Monitor to heartbeat now.
func (s *Server) RequestImmediateCheck() {
	if s.mon != nil {
		s.mon.RequestImmediateCheck()
	}
}

// ProcessError implements driver.ErrorProcessor: it feeds an application-observed error back into
// SDAM, possibly marking this server Unknown and clearing its pool.
func (s *Server) ProcessError(err error, conn driver.Connection) {
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	if err == nil || conn.Stale() {
		return
	}
	desc := conn.Description()

	if cerr, ok := err.(driver.Error); ok && (cerr.NodeIsRecovering() || cerr.NotMaster()) {
		if cerr.TopologyVersion != nil && description.CompareTopologyVersion(desc.TopologyVersion, cerr.TopologyVersion) >= 0 {
			return
		}
		s.updateDescription(description.NewServerFromError(s.address, err, cerr.TopologyVersion))
		s.RequestImmediateCheck()
		if cerr.NodeIsShuttingDown() || desc.WireVersion == nil || desc.WireVersion.Max < 8 {
			s.pool.clear(err, desc.ServiceID)
		}
		return
	}
	if wcerr, ok := err.(driver.WriteConcernError); ok && (wcerr.NodeIsRecovering() || wcerr.NotMaster()) {
		if wcerr.TopologyVersion != nil && description.CompareTopologyVersion(desc.TopologyVersion, wcerr.TopologyVersion) >= 0 {
			return
		}
		s.updateDescription(description.NewServerFromError(s.address, err, wcerr.TopologyVersion))
		s.RequestImmediateCheck()
		if wcerr.NodeIsShuttingDown() || desc.WireVersion == nil || desc.WireVersion.Max < 8 {
			s.pool.clear(err, desc.ServiceID)
		}
		return
	}

	wrapped := unwrapConnectionError(err)
	if wrapped == nil {
		return
	}
	if netErr, ok := wrapped.(net.Error); ok && netErr.Timeout() {
		return
	}
	if errors.Is(wrapped, context.Canceled) || errors.Is(wrapped, context.DeadlineExceeded) {
		return
	}

	s.updateDescription(description.NewServerFromError(s.address, err, desc.TopologyVersion))
	s.pool.clear(err, desc.ServiceID)
}

// updateDescription is the Monitor subscriber callback: it runs the owning Cluster's merge
// callback, stores the result, fans it out to subscribers, and readies the pool when the result is
// not Unknown. It never pauses the pool; pool.clear does that.
func (s *Server) updateDescription(desc description.Server) {
	if cb, ok := s.updateTopologyCallback.Load().(updateTopologyCallback); ok && cb != nil {
		desc = cb(desc)
	}

	if desc.Kind != description.Unknown {
		s.pool.ready()
	}

	s.subLock.Lock()
	for _, c := range s.subscribers {
		select {
		case <-c:
		default:
		}
		c <- desc
	}
	s.subLock.Unlock()
}

// String implements fmt.Stringer for diagnostic logging.
func (s *Server) String() string {
	desc := s.Description()
	str := fmt.Sprintf("Addr: %s, Type: %s", s.address, desc.Kind)
	if len(desc.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %s", desc.Tags)
	}
	if atomic.LoadInt32(&s.connectionstate) == connected {
		str += fmt.Sprintf(", Average RTT: %s", desc.AverageRTT)
	}
	if desc.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", desc.LastError)
	}
	return str
}

// ServerSubscription is a live feed of description.Server updates for one Server.
type ServerSubscription struct {
	C  <-chan description.Server
	s  *Server
	id uint64
}

// Unsubscribe stops delivery and closes the subscription channel.
func (ss *ServerSubscription) Unsubscribe() error {
	ss.s.subLock.Lock()
	defer ss.s.subLock.Unlock()
	if ss.s.subscriptionsClosed {
		return nil
	}
	ch, ok := ss.s.subscribers[ss.id]
	if !ok {
		return nil
	}
	close(ch)
	delete(ss.s.subscribers, ss.id)
	return nil
}

// unwrapConnectionError returns the network error wrapped by err, or nil if err does not
// represent a connection-level failure.
func unwrapConnectionError(err error) error {
	driverErr, ok := err.(driver.Error)
	if !ok || !driverErr.NetworkError() {
		// a bare network error (not wrapped in a driver.Error) still counts
		var netErr net.Error
		if errors.As(err, &netErr) {
			return netErr
		}
		return nil
	}
	return driverErr.Wrapped
}

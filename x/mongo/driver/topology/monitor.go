// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"time"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/event"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/operation"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/session"
)

// minHeartbeatInterval rate-limits RequestImmediateCheck: even an application-error-triggered
// check never fires more often than this.
const minHeartbeatInterval = 500 * time.Millisecond

const rttAlpha = 0.2

// monitorConfig configures a Monitor's heartbeat cadence and connection behavior.
type monitorConfig struct {
	Address           address.Address
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AppName           string
	Compressors       []string
	ConnectionOptions []ConnectionOption
	ServerMonitor     *event.Dispatcher
	ClusterClock      *session.ClusterClock
}

// Monitor is the per-server heartbeat worker: it owns a dedicated monitoring
// connection, periodically runs the hello/isMaster handshake command, and publishes the
// resulting description.Server to its single subscriber (the owning Server).
type Monitor struct {
	cfg     monitorConfig
	desc    description.Server
	descMu  sync.Mutex

	averageRTT    time.Duration
	averageRTTSet bool

	checkNow chan struct{}
	done     chan struct{}
	closed   chan struct{}
	closeOnce sync.Once

	subscriberMu sync.Mutex
	subscriber   func(description.Server)

	conn *Connection
}

// NewMonitor starts a Monitor for addr and immediately performs the first heartbeat
// synchronously, so callers never observe a server description before it is known.
func NewMonitor(cfg monitorConfig) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		desc:     description.NewDefaultServer(cfg.Address),
		checkNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	desc, conn := m.heartbeat(nil)
	m.conn = conn
	m.setDescription(desc)
	go m.run()
	return m
}

// Subscribe installs the single callback notified after every heartbeat (the owning Server).
func (m *Monitor) Subscribe(fn func(description.Server)) {
	m.subscriberMu.Lock()
	m.subscriber = fn
	m.subscriberMu.Unlock()
}

// RequestImmediateCheck asks the monitor to heartbeat now rather than waiting for the next
// scheduled tick, subject to the minHeartbeatInterval rate limiter.
func (m *Monitor) RequestImmediateCheck() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

// Description returns the most recently published server description.
func (m *Monitor) Description() description.Server {
	m.descMu.Lock()
	defer m.descMu.Unlock()
	return m.desc
}

func (m *Monitor) setDescription(desc description.Server) {
	m.descMu.Lock()
	m.desc = desc
	m.descMu.Unlock()

	m.subscriberMu.Lock()
	fn := m.subscriber
	m.subscriberMu.Unlock()
	if fn != nil {
		fn(desc)
	}
}

func (m *Monitor) run() {
	heartbeatTicker := time.NewTicker(m.cfg.HeartbeatInterval)
	rateLimiter := time.NewTicker(minHeartbeatInterval)
	defer heartbeatTicker.Stop()
	defer rateLimiter.Stop()
	defer close(m.closed)

	conn := m.conn
	for {
		select {
		case <-m.done:
			if conn != nil {
				conn.Close()
			}
			return
		case <-heartbeatTicker.C:
		case <-m.checkNow:
		}

		select {
		case <-m.done:
			if conn != nil {
				conn.Close()
			}
			return
		case <-rateLimiter.C:
		}

		desc, newConn := m.heartbeat(conn)
		conn = newConn
		m.setDescription(desc)
	}
}

// heartbeat runs one hello/isMaster round trip, reusing conn if it is still usable, and returns
// the resulting description along with the (possibly new) monitoring connection.
func (m *Monitor) heartbeat(conn *Connection) (description.Server, *Connection) {
	const maxRetry = 2
	var saved error
	var desc description.Server
	var set bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for attempt := 1; attempt <= maxRetry; attempt++ {
		if conn != nil && conn.Expired() {
			conn.Close()
			conn = nil
		}

		start := time.Now()
		awaited := conn != nil

		if conn == nil {
			opts := append([]ConnectionOption{
				WithReadTimeout(m.cfg.HeartbeatTimeout),
				WithWriteTimeout(m.cfg.HeartbeatTimeout),
				WithCompressorNames(m.cfg.Compressors),
			}, m.cfg.ConnectionOptions...)

			hello := operation.NewHello().AppName(m.cfg.AppName).Compressors(m.cfg.Compressors)
			opts = append(opts, WithHandshaker(HandshakerFunc(func(ctx context.Context, addr address.Address, c *Connection) (description.Server, error) {
				return hello.RunHandshake(ctx, addr, c)
			})))

			var err error
			conn, err = connect(ctx, m.cfg.Address, newConnectionConfig(opts...))
			if err != nil {
				saved = err
				conn = nil
				continue
			}
			desc = conn.desc
		} else {
			m.publishStarted(awaited)
			hello := operation.NewHello().AppName(m.cfg.AppName).ClusterClock(m.cfg.ClusterClock)
			result, err := hello.RunCommand(ctx, conn)
			if err != nil {
				m.publishFailed(time.Since(start), err, awaited)
				saved = err
				conn.Close()
				conn = nil
				continue
			}
			desc = result.Describe(m.cfg.Address)
			m.publishSucceeded(time.Since(start), awaited)
		}

		delay := time.Since(start)
		desc = desc.SetAverageRTT(m.updateAverageRTT(delay))
		desc.HeartbeatInterval = m.cfg.HeartbeatInterval
		set = true
		break
	}

	if !set {
		desc = description.NewServerFromError(m.cfg.Address, saved, m.Description().TopologyVersion)
	}
	return desc, conn
}

func (m *Monitor) updateAverageRTT(delay time.Duration) time.Duration {
	if !m.averageRTTSet {
		m.averageRTT = delay
		m.averageRTTSet = true
	} else {
		m.averageRTT = time.Duration(rttAlpha*float64(delay) + (1-rttAlpha)*float64(m.averageRTT))
	}
	return m.averageRTT
}

func (m *Monitor) publishStarted(awaited bool) {
	if m.cfg.ServerMonitor == nil {
		return
	}
	m.cfg.ServerMonitor.PublishServerHeartbeatStarted(&event.ServerHeartbeatStartedEvent{
		ConnectionID: m.cfg.Address.String(),
		Awaited:      awaited,
	})
}

func (m *Monitor) publishSucceeded(d time.Duration, awaited bool) {
	if m.cfg.ServerMonitor == nil {
		return
	}
	m.cfg.ServerMonitor.PublishServerHeartbeatSucceeded(&event.ServerHeartbeatSucceededEvent{
		DurationNanos: d.Nanoseconds(),
		ConnectionID:  m.cfg.Address.String(),
		Awaited:       awaited,
	})
}

func (m *Monitor) publishFailed(d time.Duration, err error, awaited bool) {
	if m.cfg.ServerMonitor == nil {
		return
	}
	m.cfg.ServerMonitor.PublishServerHeartbeatFailed(&event.ServerHeartbeatFailedEvent{
		DurationNanos: d.Nanoseconds(),
		Failure:       err,
		ConnectionID:  m.cfg.Address.String(),
		Awaited:       awaited,
	})
}

// Close stops the monitor's background goroutine and closes its monitoring connection.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	<-m.closed
}

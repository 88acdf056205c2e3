// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/event"
)

// poolState mirrors CMAP's pool lifecycle: a pool starts paused (no background
// connecting, checkouts fail fast), becomes ready once its Server has a non-Unknown description,
// and is closed exactly once.
type poolState uint8

const (
	poolPaused poolState = iota
	poolReady
	poolClosed
)

// PoolClearedError is returned by checkout attempts made against (or parked on) a cleared pool.
type PoolClearedError struct {
	Address address.Address
	Wrapped error
}

func (e *PoolClearedError) Error() string {
	if e.Wrapped != nil {
		return "connection pool for " + e.Address.String() + " was cleared: " + e.Wrapped.Error()
	}
	return "connection pool for " + e.Address.String() + " was cleared"
}

func (e *PoolClearedError) Unwrap() error { return e.Wrapped }

// CheckOutTimeoutError is returned when waitQueueTimeoutMS elapses before a connection becomes
// available.
type CheckOutTimeoutError struct{ Address address.Address }

func (e *CheckOutTimeoutError) Error() string {
	return "timed out while checking out a connection to server " + e.Address.String()
}

// ErrPoolClosed is returned by checkouts against a closed pool.
var ErrPoolClosed = errors.New("connection pool is closed")

// poolConfig collects the CMAP tuning knobs for one server's pool.
type poolConfig struct {
	Address            address.Address
	MinPoolSize        uint64
	MaxPoolSize        uint64
	MaxConnecting      uint64
	MaxIdleTime        time.Duration
	WaitQueueTimeout   time.Duration
	ConnectionOptions  []ConnectionOption
	PoolMonitor        *event.Dispatcher
}

// waiter is one parked checkout request; the pool signals it exactly once with either a
// connection or an error.
type waiter struct {
	ch chan waitResult
}

type waitResult struct {
	conn *Connection
	err  error
}

// pool implements CMAP: a per-server bounded set of Connections, with FIFO waiter fairness and
// generation-based invalidation.
type pool struct {
	address address.Address
	cfg     poolConfig
	monitor *event.Dispatcher

	mu         sync.Mutex
	state      poolState
	idle       []*Connection // LIFO: most-recently-returned connection reused first
	totalConns uint64
	waiters    []*waiter // strict FIFO queue

	generation     uint64
	lbGenerations  map[[12]byte]uint64 // load-balancer mode: generation scoped per service_id

	closeCh  chan struct{}
	maintWG  sync.WaitGroup
}

func newPool(cfg poolConfig) *pool {
	p := &pool{
		address:       cfg.Address,
		cfg:           cfg,
		monitor:       cfg.PoolMonitor,
		state:         poolPaused,
		lbGenerations: make(map[[12]byte]uint64),
		closeCh:       make(chan struct{}),
	}
	p.publish(event.PoolCreated, nil, "")
	return p
}

func (p *pool) publish(typ string, connID *uint64, reason string) {
	if p.monitor == nil {
		return
	}
	ev := &event.PoolEvent{Type: typ, Address: p.address.String(), Reason: reason}
	if connID != nil {
		ev.ConnectionID = *connID
	}
	p.monitor.PublishPool(ev)
}

// ready transitions the pool out of Paused, allowing checkouts and starting the background
// minPoolSize maintenance loop.
func (p *pool) ready() {
	p.mu.Lock()
	if p.state != poolPaused {
		p.mu.Unlock()
		return
	}
	p.state = poolReady
	p.mu.Unlock()

	p.publish(event.PoolReady, nil, "")
	if p.cfg.MinPoolSize > 0 {
		p.maintWG.Add(1)
		go p.maintainMinPoolSize()
	}
}

func (p *pool) maintainMinPoolSize() {
	defer p.maintWG.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			state := p.state
			need := state == poolReady && p.totalConns < p.cfg.MinPoolSize
			if need {
				p.totalConns++
			}
			p.mu.Unlock()
			if !need {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			conn, err := p.dialAndHandshake(ctx)
			cancel()
			if err != nil {
				p.mu.Lock()
				p.totalConns--
				p.mu.Unlock()
				continue
			}
			p.mu.Lock()
			p.idle = append(p.idle, conn)
			p.mu.Unlock()
			p.wakeOneWaiter()
		}
	}
}

func (p *pool) dialAndHandshake(ctx context.Context) (*Connection, error) {
	conn, err := connect(ctx, p.address, newConnectionConfig(p.cfg.ConnectionOptions...))
	if err != nil {
		return nil, err
	}
	conn.pool = p
	conn.generation = p.currentGeneration(conn.desc.ServiceID)
	id := nextConnectionID()
	conn.driverConnectionID = int64(id)
	p.publish(event.ConnectionCreated, &id, "")
	p.publish(event.ConnectionReady, &id, "")
	return conn, nil
}

func (p *pool) currentGeneration(serviceID *[12]byte) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if serviceID == nil {
		return p.generation
	}
	return p.lbGenerations[*serviceID]
}

// getGeneration is the public accessor used by Server to stamp descriptions produced while a
// particular connection generation was live.
func (p *pool) getGeneration(serviceID *[12]byte) uint64 { return p.currentGeneration(serviceID) }

// stale reports whether a checked-out connection's generation has since been cleared.
func (p *pool) stale(generation uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return generation < p.generation
}

// get checks out a connection, blocking (subject to ctx and waitQueueTimeoutMS) if the pool is
// at maxPoolSize with none idle.
func (p *pool) get(ctx context.Context) (*Connection, error) {
	connID := uint64(0)
	p.publish(event.ConnectionCheckOutStarted, &connID, "")

	deadlineCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.WaitQueueTimeout > 0 {
		deadlineCtx, cancel = context.WithTimeout(ctx, p.cfg.WaitQueueTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		switch p.state {
		case poolClosed:
			p.mu.Unlock()
			p.publish(event.ConnectionCheckOutFailed, nil, event.ReasonPoolClosed)
			return nil, ErrPoolClosed
		case poolPaused:
			p.mu.Unlock()
			p.publish(event.ConnectionCheckOutFailed, nil, event.ReasonConnectionErrored)
			return nil, &PoolClearedError{Address: p.address}
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			if conn.Expired() || conn.Stale() {
				p.mu.Lock()
				p.totalConns--
				p.mu.Unlock()
				conn.Close()
				p.publish(event.ConnectionClosed, nil, event.ReasonStale)
				continue
			}
			p.publish(event.ConnectionCheckedOut, nil, "")
			return conn, nil
		}

		if p.totalConns < p.cfg.MaxPoolSize || p.cfg.MaxPoolSize == 0 {
			p.totalConns++
			p.mu.Unlock()
			conn, err := p.dialAndHandshake(deadlineCtx)
			if err != nil {
				p.mu.Lock()
				p.totalConns--
				p.mu.Unlock()
				p.publish(event.ConnectionCheckOutFailed, nil, event.ReasonConnectionErrored)
				return nil, err
			}
			p.publish(event.ConnectionCheckedOut, nil, "")
			return conn, nil
		}

		w := &waiter{ch: make(chan waitResult, 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case res := <-w.ch:
			if res.err != nil {
				p.publish(event.ConnectionCheckOutFailed, nil, event.ReasonConnectionErrored)
				return nil, res.err
			}
			p.publish(event.ConnectionCheckedOut, nil, "")
			return res.conn, nil
		case <-deadlineCtx.Done():
			p.removeWaiter(w)
			p.publish(event.ConnectionCheckOutFailed, nil, event.ReasonTimedOut)
			return nil, &CheckOutTimeoutError{Address: p.address}
		}
	}
}

func (p *pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// wakeOneWaiter hands an idle connection to the longest-waiting parked checkout, if any, in
// strict FIFO order.
func (p *pool) wakeOneWaiter() {
	for {
		p.mu.Lock()
		if len(p.waiters) == 0 || len(p.idle) == 0 {
			p.mu.Unlock()
			return
		}
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		select {
		case w.ch <- waitResult{conn: conn}:
			return
		default:
			// waiter already timed out and is no longer receiving; put the connection back.
			p.mu.Lock()
			p.idle = append(p.idle, conn)
			p.mu.Unlock()
		}
	}
}

// put returns a connection to the pool (checkin), discarding it instead if it is dead, expired,
// or stale relative to the pool's current generation.
func (p *pool) put(c *Connection) {
	p.publish(event.ConnectionCheckedIn, nil, "")

	if c.Expired() || c.Stale() {
		p.mu.Lock()
		p.totalConns--
		state := p.state
		p.mu.Unlock()
		c.Close()
		p.publish(event.ConnectionClosed, nil, event.ReasonIdle)
		if state != poolClosed {
			p.wakeOneWaiter()
		}
		return
	}

	p.mu.Lock()
	if p.state == poolClosed {
		p.totalConns--
		p.mu.Unlock()
		c.Close()
		p.publish(event.ConnectionClosed, nil, event.ReasonPoolClosed)
		return
	}

	// Try to hand the connection directly to the oldest waiter before it goes idle.
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		select {
		case w.ch <- waitResult{conn: c}:
			return
		default:
		}
		p.mu.Lock()
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// clear invalidates every connection currently live in this pool: idle connections are closed
// immediately, checked-out connections are discarded on their next checkin or use (detected via
// Stale), and any parked waiters are woken with PoolClearedError. When serviceID is non-nil, only that load-balanced backend's generation advances.
func (p *pool) clear(err error, serviceID *[12]byte) {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return
	}
	if serviceID != nil {
		p.lbGenerations[*serviceID]++
	} else {
		p.generation++
	}
	p.state = poolPaused

	idle := p.idle
	p.idle = nil
	p.totalConns -= uint64(len(idle))

	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
		p.publish(event.ConnectionClosed, nil, event.ReasonError)
	}
	clearErr := &PoolClearedError{Address: p.address, Wrapped: err}
	for _, w := range waiters {
		select {
		case w.ch <- waitResult{err: clearErr}:
		default:
		}
	}
	p.publish(event.PoolCleared, nil, "")
}

// close tears the pool down permanently; no further checkouts will succeed.
func (p *pool) close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = poolClosed
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.closeCh)
	p.maintWG.Wait()

	for _, c := range idle {
		c.Close()
	}
	for _, w := range waiters {
		select {
		case w.ch <- waitResult{err: ErrPoolClosed}:
		default:
		}
	}
	p.publish(event.PoolClosed, nil, "")
	return nil
}

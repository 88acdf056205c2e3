// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package event

// Monitoring bundles the three monitor kinds a caller may subscribe to. It must be handed to
// the Client constructor up front: SDAM and CMAP start publishing from the very first heartbeat,
// so a monitor installed after Connect would miss the initial TopologyOpening/ServerOpening
// burst.
type Monitoring struct {
	Server  *ServerMonitor
	Command *CommandMonitor
	Pool    *PoolMonitor
}

// job is a queued dispatch: exactly one of its fields is non-nil.
type job struct {
	serverFn  func()
	commandFn func()
	poolFn    func()
}

// Dispatcher delivers events to a Monitoring's callbacks on a single background goroutine, so
// subscriber callbacks run off the publisher's goroutine. Delivery is in order: events are never
// dropped or reordered, only queued. The queue holds 256 events; while it is full, a publish call
// blocks until the dispatcher goroutine takes an event off it.
type Dispatcher struct {
	mon   *Monitoring
	queue chan job
	done  chan struct{}
}

// NewDispatcher starts a dispatcher for mon. A nil mon is valid: every publish call becomes a
// no-op, letting callers unconditionally publish without checking for a subscriber first.
func NewDispatcher(mon *Monitoring) *Dispatcher {
	d := &Dispatcher{mon: mon, queue: make(chan job, 256), done: make(chan struct{})}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for j := range d.queue {
		switch {
		case j.serverFn != nil:
			j.serverFn()
		case j.commandFn != nil:
			j.commandFn()
		case j.poolFn != nil:
			j.poolFn()
		}
	}
}

// Close drains the queue and stops the dispatcher goroutine.
func (d *Dispatcher) Close() {
	close(d.queue)
	<-d.done
}

// PublishServerHeartbeatStarted enqueues ev for the Server monitor's ServerHeartbeatStarted
// callback, if both are set.
func (d *Dispatcher) PublishServerHeartbeatStarted(ev *ServerHeartbeatStartedEvent) {
	if d == nil || d.mon == nil || d.mon.Server == nil || d.mon.Server.ServerHeartbeatStarted == nil {
		return
	}
	fn := d.mon.Server.ServerHeartbeatStarted
	d.queue <- job{serverFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishServerHeartbeatSucceeded(ev *ServerHeartbeatSucceededEvent) {
	if d == nil || d.mon == nil || d.mon.Server == nil || d.mon.Server.ServerHeartbeatSucceeded == nil {
		return
	}
	fn := d.mon.Server.ServerHeartbeatSucceeded
	d.queue <- job{serverFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishServerHeartbeatFailed(ev *ServerHeartbeatFailedEvent) {
	if d == nil || d.mon == nil || d.mon.Server == nil || d.mon.Server.ServerHeartbeatFailed == nil {
		return
	}
	fn := d.mon.Server.ServerHeartbeatFailed
	d.queue <- job{serverFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishTopologyOpening(ev *TopologyOpeningEvent) {
	if d == nil || d.mon == nil || d.mon.Server == nil || d.mon.Server.TopologyOpening == nil {
		return
	}
	fn := d.mon.Server.TopologyOpening
	d.queue <- job{serverFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishTopologyDescriptionChanged(ev *TopologyDescriptionChangedEvent) {
	if d == nil || d.mon == nil || d.mon.Server == nil || d.mon.Server.TopologyDescriptionChanged == nil {
		return
	}
	fn := d.mon.Server.TopologyDescriptionChanged
	d.queue <- job{serverFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishTopologyClosed(ev *TopologyClosedEvent) {
	if d == nil || d.mon == nil || d.mon.Server == nil || d.mon.Server.TopologyClosed == nil {
		return
	}
	fn := d.mon.Server.TopologyClosed
	d.queue <- job{serverFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishServerOpening(ev *ServerOpeningEvent) {
	if d == nil || d.mon == nil || d.mon.Server == nil || d.mon.Server.ServerOpening == nil {
		return
	}
	fn := d.mon.Server.ServerOpening
	d.queue <- job{serverFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishServerDescriptionChanged(ev *ServerDescriptionChangedEvent) {
	if d == nil || d.mon == nil || d.mon.Server == nil || d.mon.Server.ServerDescriptionChanged == nil {
		return
	}
	fn := d.mon.Server.ServerDescriptionChanged
	d.queue <- job{serverFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishServerClosed(ev *ServerClosedEvent) {
	if d == nil || d.mon == nil || d.mon.Server == nil || d.mon.Server.ServerClosed == nil {
		return
	}
	fn := d.mon.Server.ServerClosed
	d.queue <- job{serverFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishCommandStarted(ev *CommandStartedEvent) {
	if d == nil || d.mon == nil || d.mon.Command == nil || d.mon.Command.Started == nil {
		return
	}
	fn := d.mon.Command.Started
	d.queue <- job{commandFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishCommandSucceeded(ev *CommandSucceededEvent) {
	if d == nil || d.mon == nil || d.mon.Command == nil || d.mon.Command.Succeeded == nil {
		return
	}
	fn := d.mon.Command.Succeeded
	d.queue <- job{commandFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishCommandFailed(ev *CommandFailedEvent) {
	if d == nil || d.mon == nil || d.mon.Command == nil || d.mon.Command.Failed == nil {
		return
	}
	fn := d.mon.Command.Failed
	d.queue <- job{commandFn: func() { fn(ev) }}
}

func (d *Dispatcher) PublishPool(ev *PoolEvent) {
	if d == nil || d.mon == nil || d.mon.Pool == nil || d.mon.Pool.Event == nil {
		return
	}
	fn := d.mon.Pool.Event
	d.queue <- job{poolFn: func() { fn(ev) }}
}

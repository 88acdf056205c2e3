// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Command nebulastat prints a running line of per-server pool and heartbeat activity, the way
// mongostat prints a running line of server-wide operation counters, by subscribing to the
// driver's event.Monitoring callbacks instead of polling a serverStatus command.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"go.nebuladb.io/nebula-go-driver/event"
	"go.nebuladb.io/nebula-go-driver/mongo"
)

// serverCounters tallies the pool and heartbeat events observed for one server address since the
// last printed line.
type serverCounters struct {
	checkedOut int64
	checkedIn  int64
	created    int64
	closed     int64
	heartbeats int64
	failures   int64
}

type statState struct {
	mu      sync.Mutex
	servers map[string]*serverCounters
}

func newStatState() *statState {
	return &statState{servers: make(map[string]*serverCounters)}
}

func (s *statState) counters(addr string) *serverCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.servers[addr]
	if !ok {
		c = &serverCounters{}
		s.servers[addr] = c
	}
	return c
}

func (s *statState) snapshotAndReset() map[string]serverCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]serverCounters, len(s.servers))
	for addr, c := range s.servers {
		out[addr] = serverCounters{
			checkedOut: atomic.SwapInt64(&c.checkedOut, 0),
			checkedIn:  atomic.SwapInt64(&c.checkedIn, 0),
			created:    atomic.SwapInt64(&c.created, 0),
			closed:     atomic.SwapInt64(&c.closed, 0),
			heartbeats: atomic.SwapInt64(&c.heartbeats, 0),
			failures:   atomic.SwapInt64(&c.failures, 0),
		}
	}
	return out
}

func (s *statState) monitoring() *event.Monitoring {
	return &event.Monitoring{
		Pool: &event.PoolMonitor{
			Event: func(ev *event.PoolEvent) {
				c := s.counters(ev.Address)
				switch ev.Type {
				case event.ConnectionCheckedOut:
					atomic.AddInt64(&c.checkedOut, 1)
				case event.ConnectionCheckedIn:
					atomic.AddInt64(&c.checkedIn, 1)
				case event.ConnectionCreated:
					atomic.AddInt64(&c.created, 1)
				case event.ConnectionClosed:
					atomic.AddInt64(&c.closed, 1)
				}
			},
		},
		Server: &event.ServerMonitor{
			ServerHeartbeatSucceeded: func(ev *event.ServerHeartbeatSucceededEvent) {
				atomic.AddInt64(&s.counters(ev.ConnectionID).heartbeats, 1)
			},
			ServerHeartbeatFailed: func(ev *event.ServerHeartbeatFailedEvent) {
				atomic.AddInt64(&s.counters(ev.ConnectionID).failures, 1)
			},
		},
	}
}

func main() {
	uri := flag.String("uri", "mongodb://localhost:27017", "connection URI")
	interval := flag.Duration("interval", time.Second, "reporting interval")
	flag.Parse()

	if err := run(*uri, *interval); err != nil {
		log.Fatalf("nebulastat: %v", err)
	}
}

func run(uri string, interval time.Duration) error {
	state := newStatState()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := mongo.Connect(ctx, mongo.ClientOptions{URI: uri, Monitor: state.monitoring()})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect(context.Background())

	fmt.Println("address\t\tcreated\tclosed\tcheckout\tcheckin\thbsucc\thbfail")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for addr, c := range state.snapshotAndReset() {
				fmt.Printf("%-16s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					addr, c.created, c.closed, c.checkedOut, c.checkedIn, c.heartbeats, c.failures)
			}
		}
	}
}

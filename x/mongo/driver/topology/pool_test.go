// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.nebuladb.io/nebula-go-driver/address"
)

func newTestPool() *pool {
	return newPool(poolConfig{
		Address:     address.Address("localhost:27017"),
		MaxPoolSize: 2,
	})
}

func TestPoolCheckoutFailsWhilePaused(t *testing.T) {
	p := newTestPool()

	_, err := p.get(context.Background())

	var clearedErr *PoolClearedError
	if !errors.As(err, &clearedErr) {
		t.Fatalf("get() on a paused pool = %v, want *PoolClearedError", err)
	}
}

func TestPoolCheckoutFailsAfterClose(t *testing.T) {
	p := newTestPool()
	p.ready()
	if err := p.close(context.Background()); err != nil {
		t.Fatalf("close() returned %v", err)
	}

	_, err := p.get(context.Background())
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("get() after close() = %v, want ErrPoolClosed", err)
	}
}

func TestPoolClearBumpsGenerationAndPauses(t *testing.T) {
	p := newTestPool()
	p.ready()

	startGen := p.getGeneration(nil)
	p.clear(errors.New("network error"), nil)

	if got := p.getGeneration(nil); got != startGen+1 {
		t.Fatalf("generation after clear() = %d, want %d", got, startGen+1)
	}

	_, err := p.get(context.Background())
	var clearedErr *PoolClearedError
	if !errors.As(err, &clearedErr) {
		t.Fatalf("get() after clear() = %v, want *PoolClearedError (pool re-paused)", err)
	}
}

func TestPoolClearWakesParkedWaitersWithPoolClearedError(t *testing.T) {
	p := newTestPool()
	p.ready()

	w := &waiter{ch: make(chan waitResult, 1)}
	p.mu.Lock()
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	p.clear(errors.New("connection reset"), nil)

	select {
	case res := <-w.ch:
		var clearedErr *PoolClearedError
		if !errors.As(res.err, &clearedErr) {
			t.Fatalf("parked waiter woke with %v, want *PoolClearedError", res.err)
		}
	case <-time.After(time.Second):
		t.Fatal("parked waiter was never woken by clear()")
	}
}

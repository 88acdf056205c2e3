// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver defines the interfaces the OperationExecutor dispatches against — Deployment,
// Server, Connection — independent of any concrete topology or transport implementation.
package driver

import (
	"context"

	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
)

// Deployment is implemented by types that can select a server from a deployment and report its
// current topology description. Cluster is the concrete implementation.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Description() description.Topology
	Kind() description.TopologyKind
}

// Server represents one addressable member of the deployment. Implementations pool connections
// and route ProcessError/ProcessHandshakeError callbacks back into SDAM.
type Server interface {
	Connection(context.Context) (Connection, error)
	ErrorProcessor
}

// Connection represents one authenticated duplex channel to a server, carrying
// pre-framed wire messages. WriteWireMessage/ReadWireMessage operate on fully-built byte slices;
// compression and decompression happen inside the implementation, transparent to callers.
type Connection interface {
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context, dst []byte) ([]byte, error)
	Description() description.Server
	Close() error
	ID() string
	Stale() bool
	DriverConnectionID() int64
}

// ErrorProcessor implementations feed application errors observed during command execution back
// into SDAM so a server can be marked Unknown and its pool cleared.
type ErrorProcessor interface {
	ProcessError(err error, conn Connection)
}

// Selector implementations select and return a Server directly, without needing to re-evaluate a
// description.ServerSelector against a Deployment — used when an operation has already pinned a
// server (e.g. within a transaction).
type Selector interface {
	Select(context.Context) (Server, error)
}

// Executor implementations run an operation against an already-selected Server.
type Executor interface {
	Execute(context.Context, Server) error
}

// SelectExecutor combines Selector and Executor; every concrete operation type implements it.
type SelectExecutor interface {
	Selector
	Executor
}

// RetryableSelectExecutor additionally knows how to retry itself once, given the error that
// caused the first attempt to fail.
type RetryableSelectExecutor interface {
	SelectExecutor
	RetryExecute(ctx context.Context, srv Server, firstErr error) error
}

// RetryMode controls how many times an operation may retry.
type RetryMode uint8

// Retry modes.
const (
	RetryNone RetryMode = iota
	RetryOnce
	RetryOncePerCommand
	RetryContext
)

// Enabled reports whether this mode permits any retry at all.
func (rm RetryMode) Enabled() bool {
	return rm == RetryOnce || rm == RetryOncePerCommand || rm == RetryContext
}

// Retryable reports whether err is a driver.Error marked retryable.
func Retryable(err error) bool {
	e, ok := err.(Error)
	return ok && e.Retryable()
}

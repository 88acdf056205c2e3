// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation implements the handshake and generic command operations that sit atop the
// wire message and BSON layers: Hello (the handshake), and Command (the generic
// encode/send/decode/classify machinery every CRUD operation is built from).
package operation

import (
	"context"
	"runtime"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/session"
)

const driverName = "nebula-go-driver"
const driverVersion = "1.0.0"

// wireReadWriter is the minimal Connection surface Hello needs, satisfied by both
// topology.Connection (pre-handshake) and driver.Connection (post-handshake).
type wireReadWriter interface {
	WriteWireMessage(context.Context, []byte) error
	ReadWireMessage(context.Context, []byte) ([]byte, error)
}

// Hello runs the handshake command (hello, always sent as OP_MSG; there is no OP_QUERY isMaster
// form for servers that lack OP_MSG) that produces the initial description.Server for a freshly
// dialed connection, and is also used by Monitor for every subsequent heartbeat.
type Hello struct {
	appName      string
	compressors  []string
	clock        *session.ClusterClock
	loadBalanced bool
}

// NewHello constructs a Hello operation.
func NewHello() *Hello { return &Hello{} }

// AppName sets the application name reported in client metadata.
func (h *Hello) AppName(name string) *Hello { h.appName = name; return h }

// Compressors sets the compressor names offered during the handshake.
func (h *Hello) Compressors(c []string) *Hello { h.compressors = c; return h }

// ClusterClock sets the cluster clock to gossip $clusterTime on this command.
func (h *Hello) ClusterClock(clock *session.ClusterClock) *Hello { h.clock = clock; return h }

// LoadBalanced marks this handshake as occurring over a load-balanced connection.
func (h *Hello) LoadBalanced(lb bool) *Hello { h.loadBalanced = lb; return h }

func (h *Hello) command() bsoncore.Document {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "hello", 1)
	doc = bsoncore.AppendStringElement(doc, "$db", "admin")

	metaIdx, doc := bsoncore.AppendDocumentElementStart(doc, "client")
	driverIdx, doc := bsoncore.AppendDocumentElementStart(doc, "driver")
	doc = bsoncore.AppendStringElement(doc, "name", driverName)
	doc = bsoncore.AppendStringElement(doc, "version", driverVersion)
	doc, _ = bsoncore.AppendDocumentEnd(doc, driverIdx)
	osIdx, doc := bsoncore.AppendDocumentElementStart(doc, "os")
	doc = bsoncore.AppendStringElement(doc, "type", runtime.GOOS)
	doc = bsoncore.AppendStringElement(doc, "architecture", runtime.GOARCH)
	doc, _ = bsoncore.AppendDocumentEnd(doc, osIdx)
	doc = bsoncore.AppendStringElement(doc, "platform", runtime.Version())
	if h.appName != "" {
		appIdx, d := bsoncore.AppendDocumentElementStart(doc, "application")
		d = bsoncore.AppendStringElement(d, "name", h.appName)
		doc, _ = bsoncore.AppendDocumentEnd(d, appIdx)
	}
	doc, _ = bsoncore.AppendDocumentEnd(doc, metaIdx)

	if len(h.compressors) > 0 {
		arrIdx, d := bsoncore.AppendArrayElementStart(doc, "compression")
		for i, c := range h.compressors {
			d = bsoncore.AppendStringElement(d, itoa(i), c)
		}
		doc, _ = bsoncore.AppendArrayEnd(d, arrIdx)
	}

	if h.loadBalanced {
		doc = bsoncore.AppendBooleanElement(doc, "loadBalanced", true)
	}

	if h.clock != nil {
		if ct := h.clock.GetClusterTime(); ct != nil {
			doc = bsoncore.AppendDocumentElement(doc, "$clusterTime", ct)
		}
	}

	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// RunHandshake executes Hello as a Handshaker would: issues the command over a newly dialed,
// not-yet-pooled connection and returns the resulting description directly.
func (h *Hello) RunHandshake(ctx context.Context, addr address.Address, conn wireReadWriter) (description.Server, error) {
	doc, err := roundTrip(ctx, conn, h.command())
	if err != nil {
		return description.NewServerFromError(addr, err, nil), err
	}
	return description.NewServerFromHello(addr, doc), nil
}

// HelloResult wraps a successful hello reply for the monitor's reuse-existing-connection path.
type HelloResult struct {
	doc bsoncore.Document
}

// Describe converts the raw reply into a description.Server for addr.
func (r HelloResult) Describe(addr address.Address) description.Server {
	return description.NewServerFromHello(addr, r.doc)
}

// RunCommand executes Hello over an already-connected Connection (the monitor's "awaited" path,
// reusing the live monitoring connection instead of redialing).
func (h *Hello) RunCommand(ctx context.Context, conn wireReadWriter) (HelloResult, error) {
	doc, err := roundTrip(ctx, conn, h.command())
	if err != nil {
		return HelloResult{}, err
	}
	return HelloResult{doc: doc}, nil
}

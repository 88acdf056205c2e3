// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"

	"go.nebuladb.io/nebula-go-driver/bson/bsontype"
	"go.nebuladb.io/nebula-go-driver/bson/primitive"
	"go.nebuladb.io/nebula-go-driver/internal"
	"go.nebuladb.io/nebula-go-driver/readpref"
	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
	driver "go.nebuladb.io/nebula-go-driver/x/mongo/driver"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/session"
)

// Command is the generic encode/select/send/decode/classify machinery every CRUD operation is
// built from: it owns nothing domain-specific beyond a command-document builder,
// deferring insert/find/update semantics entirely to the caller's AppendCommand.
type Command struct {
	// AppendCommand appends this operation's command body (everything but $db, lsid, txnNumber,
	// and $clusterTime, which Command itself manages) to dst and returns the extended slice.
	AppendCommand func(dst []byte, desc description.SelectedServer) ([]byte, error)

	Database   string
	Deployment driver.Deployment
	ReadPref   *readpref.ReadPref
	Session    *session.Client
	Clock      *session.ClusterClock
	Retryable  bool
}

// Result carries the raw server reply and enough context (selected server, resulting error) for
// the retry and error-propagation logic layered on top of Execute.
type Result struct {
	Raw    bsoncore.Document
	Server description.SelectedServer
}

// Execute selects a server per ReadPref, runs the command, and returns the decoded reply. When
// Retryable is set and the error is a network, not-primary, or node-recovering error or carries
// the RetryableWriteError label, it selects a server again and retries once.
func (c *Command) Execute(ctx context.Context) (Result, error) {
	selector := description.ReadPrefSelector(c.ReadPref)

	srv, err := c.Deployment.SelectServer(ctx, selector)
	if err != nil {
		return Result{}, err
	}
	conn, err := srv.Connection(ctx)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	res, err := c.roundTripOne(ctx, srv, conn)
	if err != nil && c.Retryable && isRetryable(err) {
		srv2, serr := c.Deployment.SelectServer(ctx, selector)
		if serr == nil {
			conn2, cerr := srv2.Connection(ctx)
			if cerr == nil {
				defer conn2.Close()
				return c.roundTripOne(ctx, srv2, conn2)
			}
		}
	}
	return res, err
}

func (c *Command) roundTripOne(ctx context.Context, srv driver.Server, conn driver.Connection) (Result, error) {
	cmd, err := c.buildCommand(conn.Description())
	if err != nil {
		return Result{}, err
	}

	// A command cancelled by its caller mid-flight leaves the connection in an unknown state (the
	// server may still write a reply the next caller would misread as theirs), so closing it here
	// is what keeps it from going back into the pool.
	listener := internal.NewCancellationListener()
	go listener.Listen(ctx, func() { conn.Close() })
	defer listener.StopListening()

	reply, err := roundTrip(ctx, conn, cmd)
	c.gossip(reply)
	if err != nil {
		srv.ProcessError(err, conn)
		return Result{Raw: reply, Server: selectedFromConn(conn)}, err
	}
	return Result{Raw: reply, Server: selectedFromConn(conn)}, nil
}

func selectedFromConn(conn driver.Connection) description.SelectedServer {
	return description.SelectedServer{Server: conn.Description(), Kind: description.Single}
}

func (c *Command) buildCommand(desc description.Server) (bsoncore.Document, error) {
	sd := description.SelectedServer{Server: desc, Kind: description.Single}
	idx, dst := bsoncore.AppendDocumentStart(nil)

	var err error
	dst, err = c.AppendCommand(dst, sd)
	if err != nil {
		return nil, err
	}

	dst = bsoncore.AppendStringElement(dst, "$db", c.Database)

	if c.Session != nil {
		dst = bsoncore.AppendDocumentElement(dst, "lsid", c.Session.SessionID)
		if c.Session.TxnNumber != 0 {
			dst = bsoncore.AppendInt64Element(dst, "txnNumber", c.Session.TxnNumber)
		}
	}

	var ct bsoncore.Document
	if c.Session != nil && c.Session.ClusterTime != nil {
		ct = c.Session.ClusterTime
	} else {
		ct = c.Clock.GetClusterTime()
	}
	if ct != nil {
		dst = bsoncore.AppendDocumentElement(dst, "$clusterTime", ct)
	}

	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst, nil
}

// gossip advances the session's and the deployment-wide cluster clock from a reply's
// $clusterTime/operationTime tokens, independent of whether the command itself succeeded.
func (c *Command) gossip(reply bsoncore.Document) {
	if reply == nil {
		return
	}
	if ct, ok := reply.Lookup("$clusterTime").DocumentOK(); ok {
		c.Clock.AdvanceClusterTime(ct)
		if c.Session != nil {
			c.Session.AdvanceClusterTime(ct)
		}
	}
	if c.Session != nil {
		if v := reply.Lookup("operationTime"); v.Type == bsontype.Timestamp {
			ts, i := v.Timestamp()
			c.Session.AdvanceOperationTime(primitive.Timestamp{T: ts, I: i})
		}
	}
}

func isRetryable(err error) bool {
	switch e := err.(type) {
	case driver.Error:
		return e.NetworkError() || e.HasErrorLabel(driver.RetryableWriteErrorLabel) || e.NotMaster() || e.NodeIsRecovering()
	case driver.WriteCommandError:
		if e.WriteConcernError != nil && (e.WriteConcernError.NotMaster() || e.WriteConcernError.NodeIsRecovering()) {
			return true
		}
		return e.HasErrorLabel(driver.RetryableWriteErrorLabel)
	default:
		return false
	}
}

// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"
	"time"

	"go.nebuladb.io/nebula-go-driver/bson/primitive"
	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
)

// Error is the string-backed error type of this package's sentinel errors, such as ErrSessionEnded.
type Error string

func (e Error) Error() string { return string(e) }

// ErrSessionEnded occurs when a session is used after a call to EndSession.
const ErrSessionEnded = Error("ended session was used")

// serverSession is one entry in the logical session id namespace, keyed by lsid and reused once
// released back to the Pool.
type serverSession struct {
	SessionID  bsoncore.Document // {id: <uuid>}
	LastUsed   time.Time
	Dirty      bool // marked when a command against it returned a network error
	TxnNumber  int64
}

func newServerSession() *serverSession {
	uuid := primitive.NewUUID()
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendBinaryElement(doc, "id", primitive.UUIDSubtype, uuid.Data)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return &serverSession{SessionID: doc, LastUsed: time.Now()}
}

func (ss *serverSession) expired(timeoutMinutes uint32) bool {
	if timeoutMinutes == 0 {
		return false
	}
	// The driver treats a session as stale one minute before the server's timeout to account for
	// network latency between the driver's last-used check and the server's own clock.
	staleAfter := time.Duration(timeoutMinutes)*time.Minute - time.Minute
	return time.Since(ss.LastUsed) >= staleAfter
}

// Pool is the process-wide reservoir of server sessions: released sessions are reused
// oldest-first so that, across restarts of a driver with many short-lived sessions, the
// deployment's session table doesn't grow without bound.
type Pool struct {
	mu       sync.Mutex
	sessions []*serverSession // oldest-first
}

// NewPool returns an empty server session Pool.
func NewPool() *Pool { return &Pool{} }

// GetSession returns a reusable, non-expired session if one exists, else allocates a new one.
func (p *Pool) GetSession(timeoutMinutes uint32) *serverSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.sessions) > 0 {
		ss := p.sessions[0]
		p.sessions = p.sessions[1:]
		if !ss.expired(timeoutMinutes) {
			return ss
		}
	}
	return newServerSession()
}

// ReturnSession releases ss back to the pool unless it is dirty (network error observed) or
// already expired, in which case it is discarded so the server can reap it naturally.
func (p *Pool) ReturnSession(ss *serverSession, timeoutMinutes uint32) {
	if ss == nil || ss.Dirty || ss.expired(timeoutMinutes) {
		return
	}
	ss.LastUsed = time.Now()
	p.mu.Lock()
	p.sessions = append(p.sessions, ss)
	p.mu.Unlock()
}

// TransactionState enumerates where a Client is in the multi-statement transaction lifecycle.
type TransactionState uint8

// Transaction states.
const (
	TransactionNone TransactionState = iota
	TransactionStarting
	TransactionInProgress
	TransactionCommitted
	TransactionAborted
)

// Client is a logical session: the handle an application holds, whether created implicitly for
// a single operation or explicitly for a multi-statement transaction.
type Client struct {
	*serverSession

	ClusterTime   bsoncore.Document
	OperationTime primitive.Timestamp
	HasOperationTime bool

	Terminated bool

	TransactionState       TransactionState
	RetryingCommit         bool
	PinnedServerAddr       string
	PinnedServiceID        *[12]byte

	pool           *Pool
	timeoutMinutes uint32
}

// NewImplicitClient allocates a Client backed by a fresh-or-reused server session, used for any
// operation that did not receive an explicit session from the application.
func NewImplicitClient(pool *Pool, timeoutMinutes uint32) *Client {
	return &Client{
		serverSession:  pool.GetSession(timeoutMinutes),
		pool:           pool,
		timeoutMinutes: timeoutMinutes,
	}
}

// AdvanceClusterTime updates the session's view of cluster time, matching the semantics of
// ClusterClock.AdvanceClusterTime but scoped to this session alone.
func (c *Client) AdvanceClusterTime(newTime bsoncore.Document) {
	if newTime == nil {
		return
	}
	if c.ClusterTime == nil || compareClusterTime(newTime, c.ClusterTime) > 0 {
		c.ClusterTime = newTime
	}
}

// AdvanceOperationTime updates the session's causal-consistency operationTime token if ts is
// newer than what's stored.
func (c *Client) AdvanceOperationTime(ts primitive.Timestamp) {
	if !c.HasOperationTime || ts.Compare(c.OperationTime) > 0 {
		c.OperationTime = ts
		c.HasOperationTime = true
	}
}

// StartTransaction transitions the session into TransactionStarting and bumps its txnNumber.
func (c *Client) StartTransaction() error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.TxnNumber++
	c.TransactionState = TransactionStarting
	c.RetryingCommit = false
	return nil
}

// MarkDirty flags the underlying server session as unfit for reuse, per the server-session
// reservoir's "discard on network error" rule.
func (c *Client) MarkDirty() { c.Dirty = true }

// EndSession releases the session's server-side resources back to the pool and marks the Client
// terminated. After that, StartTransaction returns ErrSessionEnded; the other methods do not check.
func (c *Client) EndSession() {
	if c.Terminated {
		return
	}
	c.Terminated = true
	c.pool.ReturnSession(c.serverSession, c.timeoutMinutes)
}

// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"errors"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/operation"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/topology"
)

// pinnedDeployment overrides server selection to a single known address, so a getMore or
// killCursors lands on the same server that opened the cursor regardless of the read
// preference an operation.Command would otherwise apply.
type pinnedDeployment struct {
	*topology.Cluster
	sel description.ServerSelector
}

func (p pinnedDeployment) SelectServer(ctx context.Context, _ description.ServerSelector) (driver.Server, error) {
	return p.Cluster.SelectServer(ctx, p.sel)
}

// Cursor iterates the results of a find (and subsequent getMore) command, exactly the shape
// nebuladump and Collection.Find both need.
type Cursor struct {
	coll     *Collection
	addr     address.Address
	cursorID int64
	ns       string
	batch    []bsoncore.Document
	pos      int
	err      error
	closed   bool
}

// addressSelector pins server selection to exactly one already-known address, used so a
// getMore lands on the same server that opened the cursor.
func addressSelector(addr address.Address) description.ServerSelector {
	return description.ServerSelectorFunc(func(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
		for _, s := range candidates {
			if s.Addr == addr {
				return []description.Server{s}, nil
			}
		}
		return nil, nil
	})
}

func newCursorFromReply(coll *Collection, addr address.Address, reply bsoncore.Document) (*Cursor, error) {
	cur, ok := reply.Lookup("cursor").DocumentOK()
	if !ok {
		return nil, errors.New("mongo: reply missing cursor field")
	}
	c := &Cursor{coll: coll, addr: addr}
	elems, err := cur.Elements()
	if err != nil {
		return nil, err
	}
	for _, elem := range elems {
		switch elem.Key() {
		case "id":
			if id, ok := elem.Value().AsInt64OK(); ok {
				c.cursorID = id
			}
		case "ns":
			if s, ok := elem.Value().StringValueOK(); ok {
				c.ns = s
			}
		case "firstBatch", "nextBatch":
			arr, ok := elem.Value().ArrayOK()
			if !ok {
				continue
			}
			vals, err := arr.Values()
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				if doc, ok := v.DocumentOK(); ok {
					c.batch = append(c.batch, doc)
				}
			}
		}
	}
	return c, nil
}

// Next reports whether another document is available, fetching the next getMore batch over the
// wire if the current batch is exhausted. It does not move past a document; Current does. It
// returns false once the cursor is exhausted or an error occurred; call Err to distinguish the two.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.pos < len(c.batch) {
		return true
	}
	if c.cursorID == 0 {
		return false
	}
	if err := c.fetchMore(ctx); err != nil {
		c.err = err
		return false
	}
	return c.pos < len(c.batch)
}

// Current returns the next buffered document and moves past it, or nil if the buffered batch is
// exhausted.
func (c *Cursor) Current() bsoncore.Document {
	if c.pos >= len(c.batch) {
		return nil
	}
	doc := c.batch[c.pos]
	c.pos++
	return doc
}

// Err returns the first error encountered during iteration, if any.
func (c *Cursor) Err() error { return c.err }

// Close kills the cursor server-side if it has not already been exhausted.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed || c.cursorID == 0 {
		c.closed = true
		return nil
	}
	c.closed = true

	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendStringElement(doc, "killCursors", c.coll.name)
	arrIdx, doc := bsoncore.AppendArrayElementStart(doc, "cursors")
	doc = bsoncore.AppendInt64Element(doc, "0", c.cursorID)
	doc, _ = bsoncore.AppendArrayEnd(doc, arrIdx)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)

	cmd := &operation.Command{
		AppendCommand: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			return append(dst, doc[4:len(doc)-1]...), nil
		},
		Database:   c.coll.db.name,
		Deployment: pinnedDeployment{Cluster: c.coll.db.client.deployment, sel: addressSelector(c.addr)},
		Session:    c.coll.db.client.newImplicitSession(),
		Clock:      c.coll.db.client.clock,
	}
	_, err := cmd.Execute(ctx)
	return err
}

func (c *Cursor) fetchMore(ctx context.Context) error {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt64Element(doc, "getMore", c.cursorID)
	doc = bsoncore.AppendStringElement(doc, "collection", c.coll.name)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)

	cmd := &operation.Command{
		AppendCommand: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			return append(dst, doc[4:len(doc)-1]...), nil
		},
		Database:   c.coll.db.name,
		Deployment: pinnedDeployment{Cluster: c.coll.db.client.deployment, sel: addressSelector(c.addr)},
		Session:    c.coll.db.client.newImplicitSession(),
		Clock:      c.coll.db.client.clock,
	}
	res, err := cmd.Execute(ctx)
	if err != nil {
		return err
	}
	next, err := newCursorFromReply(c.coll, c.addr, res.Raw)
	if err != nil {
		return err
	}
	c.batch = next.batch
	c.pos = 0
	c.cursorID = next.cursorID
	return nil
}

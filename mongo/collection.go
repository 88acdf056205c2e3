// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"errors"

	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/operation"
)

// Collection is a handle to a named collection within a Database. Every method builds a raw
// command document and runs it through operation.Command — filters, updates, and results all
// pass through as bsoncore.Document, with no query-language semantics of their own.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection's name.
func (coll *Collection) Name() string { return coll.name }

func (coll *Collection) command(appendCommand func(dst []byte, desc description.SelectedServer) ([]byte, error), retryable bool) *operation.Command {
	client := coll.db.client
	return &operation.Command{
		AppendCommand: appendCommand,
		Database:      coll.db.name,
		Deployment:    client.deployment,
		ReadPref:      client.readPref,
		Session:       client.newImplicitSession(),
		Clock:         client.clock,
		Retryable:     retryable,
	}
}

// InsertOne inserts a single document and returns its "_id" value.
func (coll *Collection) InsertOne(ctx context.Context, doc bsoncore.Document) (bsoncore.Value, error) {
	if _, err := coll.db.client.deploymentOrErr(); err != nil {
		return bsoncore.Value{}, err
	}
	id, withID, err := ensureID(doc)
	if err != nil {
		return bsoncore.Value{}, err
	}

	cmd := coll.command(func(dst []byte, _ description.SelectedServer) ([]byte, error) {
		dst = bsoncore.AppendStringElement(dst, "insert", coll.name)
		arrIdx, dst := bsoncore.AppendArrayElementStart(dst, "documents")
		dst = bsoncore.AppendDocumentElement(dst, "0", withID)
		dst, _ = bsoncore.AppendArrayEnd(dst, arrIdx)
		return dst, nil
	}, true)

	res, err := cmd.Execute(ctx)
	if err != nil {
		return bsoncore.Value{}, err
	}
	if n, ok := res.Raw.Lookup("n").AsInt64OK(); !ok || n != 1 {
		return bsoncore.Value{}, errors.New("mongo: insert did not report exactly one inserted document")
	}
	return id, nil
}

// ensureID returns doc's "_id" field, generating and prepending an ObjectID-less bsoncore.Value
// placeholder is not attempted here: callers that omit "_id" get an error, matching this
// package's "no query-language semantics beyond passthrough" scope.
func ensureID(doc bsoncore.Document) (bsoncore.Value, bsoncore.Document, error) {
	v := doc.Lookup("_id")
	if v.Type == 0 {
		return bsoncore.Value{}, nil, errors.New("mongo: document must contain an \"_id\" field")
	}
	return v, doc, nil
}

// Find issues a find command with filter and returns a Cursor over the matching documents.
func (coll *Collection) Find(ctx context.Context, filter bsoncore.Document) (*Cursor, error) {
	if _, err := coll.db.client.deploymentOrErr(); err != nil {
		return nil, err
	}

	cmd := coll.command(func(dst []byte, _ description.SelectedServer) ([]byte, error) {
		dst = bsoncore.AppendStringElement(dst, "find", coll.name)
		dst = bsoncore.AppendDocumentElement(dst, "filter", filter)
		return dst, nil
	}, true)

	res, err := cmd.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return newCursorFromReply(coll, res.Server.Server.Addr, res.Raw)
}

// UpdateOne applies update to the first document matching filter.
func (coll *Collection) UpdateOne(ctx context.Context, filter, update bsoncore.Document) error {
	if _, err := coll.db.client.deploymentOrErr(); err != nil {
		return err
	}

	cmd := coll.command(func(dst []byte, _ description.SelectedServer) ([]byte, error) {
		dst = bsoncore.AppendStringElement(dst, "update", coll.name)
		arrIdx, dst := bsoncore.AppendArrayElementStart(dst, "updates")
		uIdx, dst := bsoncore.AppendDocumentElementStart(dst, "0")
		dst = bsoncore.AppendDocumentElement(dst, "q", filter)
		dst = bsoncore.AppendDocumentElement(dst, "u", update)
		dst, _ = bsoncore.AppendDocumentEnd(dst, uIdx)
		dst, _ = bsoncore.AppendArrayEnd(dst, arrIdx)
		return dst, nil
	}, false)

	_, err := cmd.Execute(ctx)
	return err
}

// CountDocuments returns the number of documents matching filter, via the aggregation
// $match/$count pipeline the server expects in place of the removed legacy "count" command.
func (coll *Collection) CountDocuments(ctx context.Context, filter bsoncore.Document) (int64, error) {
	if _, err := coll.db.client.deploymentOrErr(); err != nil {
		return 0, err
	}

	cmd := coll.command(func(dst []byte, _ description.SelectedServer) ([]byte, error) {
		dst = bsoncore.AppendStringElement(dst, "aggregate", coll.name)
		arrIdx, dst := bsoncore.AppendArrayElementStart(dst, "pipeline")

		matchIdx, dst := bsoncore.AppendDocumentElementStart(dst, "0")
		dst = bsoncore.AppendDocumentElement(dst, "$match", filter)
		dst, _ = bsoncore.AppendDocumentEnd(dst, matchIdx)

		countIdx, dst := bsoncore.AppendDocumentElementStart(dst, "1")
		dst = bsoncore.AppendStringElement(dst, "$count", "n")
		dst, _ = bsoncore.AppendDocumentEnd(dst, countIdx)

		dst, _ = bsoncore.AppendArrayEnd(dst, arrIdx)
		dst = bsoncore.AppendDocumentElement(dst, "cursor", bsoncore.Empty())
		return dst, nil
	}, true)

	res, err := cmd.Execute(ctx)
	if err != nil {
		return 0, err
	}
	cur, err := newCursorFromReply(coll, res.Server.Server.Addr, res.Raw)
	if err != nil {
		return 0, err
	}
	if !cur.Next(ctx) {
		return 0, cur.Err()
	}
	n, ok := cur.Current().Lookup("n").AsInt64OK()
	if !ok {
		return 0, errors.New("mongo: malformed count response")
	}
	return n, nil
}

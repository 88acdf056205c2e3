// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readconcern describes the consistency and isolation properties requested of reads.
package readconcern

import (
	"go.nebuladb.io/nebula-go-driver/bson/bsontype"
	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
)

// ReadConcern describes the level of isolation for read operations.
type ReadConcern struct {
	level string
}

// New constructs an empty (server-default) ReadConcern, or one with a level set via options.
func New(opts ...Option) *ReadConcern {
	rc := &ReadConcern{}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Option configures a ReadConcern.
type Option func(*ReadConcern)

// Level sets the read concern level (e.g. "majority", "local", "snapshot").
func Level(level string) Option { return func(rc *ReadConcern) { rc.level = level } }

// Majority is shorthand for New(Level("majority")).
func Majority() *ReadConcern { return New(Level("majority")) }

// MarshalBSONValue encodes the read concern as a BSON document value.
func (rc *ReadConcern) MarshalBSONValue() (bsontype.Type, []byte, error) {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	if rc != nil && rc.level != "" {
		doc = bsoncore.AppendStringElement(doc, "level", rc.level)
	}
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	return bsontype.EmbeddedDocument, doc, err
}

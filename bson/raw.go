// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bson exposes the document- and value-level BSON handles every command monitor and log
// line carries, as thin wrappers over x/bsonx/bsoncore's append-only wire encoding.
package bson

import (
	"go.nebuladb.io/nebula-go-driver/bson/bsontype"
	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
)

// Raw is a raw, wire-level BSON document, typically the bytes sent to or received from a server
// in a command monitoring event or a log line.
type Raw []byte

// String renders the document as extended-JSON-ish debug text, matching bsoncore.Document.
func (r Raw) String() string {
	return bsoncore.Document(r).String()
}

// Lookup traverses a path of keys through nested documents, returning the zero RawValue if any
// key along the path is missing.
func (r Raw) Lookup(keys ...string) RawValue {
	v := bsoncore.Document(r).Lookup(keys...)
	return RawValue{Type: v.Type, Value: v.Data}
}

// RawValue is a BSON type tag plus its encoded bytes, the value-level counterpart to Raw.
type RawValue struct {
	Type  bsontype.Type
	Value []byte
}

// String renders the value for debugging, matching bsoncore.Value.
func (rv RawValue) String() string {
	return bsoncore.Value{Type: rv.Type, Data: rv.Value}.String()
}

// IsZero reports whether rv is the zero RawValue (no type, no data).
func (rv RawValue) IsZero() bool {
	return rv.Type == 0 && rv.Value == nil
}

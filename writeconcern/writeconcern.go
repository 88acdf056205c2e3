// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package writeconcern describes the replication acknowledgement level required for a write.
package writeconcern

import (
	"errors"
	"time"

	"go.nebuladb.io/nebula-go-driver/bson/bsontype"
	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
)

// ErrEmptyWriteConcern indicates a write concern with no fields set; callers should omit it.
var ErrEmptyWriteConcern = errors.New("write concern has no fields set")

// WriteConcern describes the level of acknowledgement requested from Nebula for write ops.
type WriteConcern struct {
	W        interface{} // int, string (e.g. "majority"), or nil
	Journal  *bool
	WTimeout time.Duration
}

// New builds a WriteConcern from options.
func New(opts ...Option) *WriteConcern {
	wc := &WriteConcern{}
	for _, opt := range opts {
		opt(wc)
	}
	return wc
}

// Option configures a WriteConcern.
type Option func(*WriteConcern)

// W sets the W field.
func W(w interface{}) Option { return func(wc *WriteConcern) { wc.W = w } }

// J sets the journal requirement.
func J(j bool) Option { return func(wc *WriteConcern) { wc.Journal = &j } }

// WTimeout sets the write concern timeout.
func WTimeout(d time.Duration) Option { return func(wc *WriteConcern) { wc.WTimeout = d } }

// Majority is shorthand for New(W("majority")).
func Majority() *WriteConcern { return New(W("majority")) }

// AckWrite reports whether wc requests acknowledgement (nil means the server default, which is
// acknowledged; only an explicit w=0 is unacknowledged).
func AckWrite(wc *WriteConcern) bool {
	if wc == nil {
		return true
	}
	if i, ok := wc.W.(int); ok {
		return i != 0
	}
	return true
}

// MarshalBSONValue encodes the write concern as a BSON document value.
func (wc *WriteConcern) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if wc == nil || (wc.W == nil && wc.Journal == nil && wc.WTimeout == 0) {
		return bsontype.EmbeddedDocument, nil, ErrEmptyWriteConcern
	}
	idx, doc := bsoncore.AppendDocumentStart(nil)
	switch w := wc.W.(type) {
	case int:
		doc = bsoncore.AppendInt32Element(doc, "w", int32(w))
	case string:
		doc = bsoncore.AppendStringElement(doc, "w", w)
	}
	if wc.Journal != nil {
		doc = bsoncore.AppendBooleanElement(doc, "j", *wc.Journal)
	}
	if wc.WTimeout > 0 {
		doc = bsoncore.AppendInt64Element(doc, "wtimeout", wc.WTimeout.Milliseconds())
	}
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	return bsontype.EmbeddedDocument, doc, err
}

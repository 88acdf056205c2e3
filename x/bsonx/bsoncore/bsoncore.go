// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore is a light, append-only layer over raw BSON bytes. The core of the driver
// never reflects over Go structs to build or read a command — it appends elements directly to a
// byte buffer and reads them back with zero-copy Value slices, keeping the full BSON codec
// (struct reflection, registries, extended JSON) out of the command path entirely.
package bsoncore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"go.nebuladb.io/nebula-go-driver/bson/bsontype"
)

// ErrMissingNull is returned when a document or array is missing its terminating null byte.
var ErrMissingNull = errors.New("document or array is missing null terminator")

// Document is a raw, wire-level BSON document.
type Document []byte

// Array is a raw, wire-level BSON array.
type Array []byte

// Value is a zero-copy reference into a Document or Array: a BSON type tag plus the raw encoded
// bytes of the value (not including the type byte or key).
type Value struct {
	Type bsontype.Type
	Data []byte
}

// Element is the raw bytes of a single (type, key, value) triple as it appears in a document.
type Element []byte

// NewDocumentBuilder starts an empty document buffer; equivalent to AppendDocumentStart(nil).
func NewDocumentBuilder() (int32, []byte) { return AppendDocumentStart(nil) }

// AppendDocumentStart reserves 4 bytes for the document's length and returns the index of that
// reservation so the caller can later call AppendDocumentEnd.
func AppendDocumentStart(dst []byte) (int32, []byte) {
	idx := int32(len(dst))
	return idx, append(dst, 0x00, 0x00, 0x00, 0x00)
}

// AppendDocumentEnd appends the trailing null byte and backfills the length reserved by
// AppendDocumentStart.
func AppendDocumentEnd(dst []byte, idx int32) ([]byte, error) {
	if int(idx) < 0 || int(idx)+4 > len(dst) {
		return dst, fmt.Errorf("invalid document start index %d", idx)
	}
	dst = append(dst, 0x00)
	return UpdateLength(dst, idx, int32(len(dst))-idx), nil
}

// UpdateLength writes length (the total encoded size starting at idx) into the 4 bytes at idx.
func UpdateLength(dst []byte, idx, length int32) []byte {
	binary.LittleEndian.PutUint32(dst[idx:idx+4], uint32(length))
	return dst
}

// AppendArrayElementStart writes the header for an array-typed element and reserves its length
// prefix, returning the index for a later AppendArrayEnd.
func AppendArrayElementStart(dst []byte, key string) (int32, []byte) {
	dst = AppendHeader(dst, bsontype.Array, key)
	return AppendDocumentStart(dst)
}

// AppendArrayEnd is an alias for AppendDocumentEnd: arrays and documents share wire encoding.
func AppendArrayEnd(dst []byte, idx int32) ([]byte, error) { return AppendDocumentEnd(dst, idx) }

// AppendDocumentElementStart writes the header for an embedded-document-typed element and
// reserves its length prefix, returning the index for a later AppendDocumentEnd.
func AppendDocumentElementStart(dst []byte, key string) (int32, []byte) {
	dst = AppendHeader(dst, bsontype.EmbeddedDocument, key)
	return AppendDocumentStart(dst)
}

// AppendHeader appends a BSON type byte followed by the element's C-string key.
func AppendHeader(dst []byte, t bsontype.Type, key string) []byte {
	dst = append(dst, byte(t))
	dst = append(dst, key...)
	return append(dst, 0x00)
}

// AppendDoubleElement appends a float64-valued element.
func AppendDoubleElement(dst []byte, key string, f float64) []byte {
	dst = AppendHeader(dst, bsontype.Double, key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
	return append(dst, buf[:]...)
}

// AppendStringElement appends a UTF-8 string-valued element.
func AppendStringElement(dst []byte, key, val string) []byte {
	dst = AppendHeader(dst, bsontype.String, key)
	return appendString(dst, val)
}

func appendString(dst []byte, val string) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(val)+1))
	dst = append(dst, buf[:]...)
	dst = append(dst, val...)
	return append(dst, 0x00)
}

// AppendDocumentElement appends an already-encoded sub-document as an element.
func AppendDocumentElement(dst []byte, key string, doc []byte) []byte {
	dst = AppendHeader(dst, bsontype.EmbeddedDocument, key)
	return append(dst, doc...)
}

// AppendArrayElement appends an already-encoded array as an element.
func AppendArrayElement(dst []byte, key string, arr []byte) []byte {
	dst = AppendHeader(dst, bsontype.Array, key)
	return append(dst, arr...)
}

// AppendBinaryElement appends a binary-valued element with the given subtype.
func AppendBinaryElement(dst []byte, key string, subtype byte, b []byte) []byte {
	dst = AppendHeader(dst, bsontype.Binary, key)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(b)))
	dst = append(dst, buf[:]...)
	dst = append(dst, subtype)
	return append(dst, b...)
}

// AppendObjectIDElement appends a 12-byte ObjectID-valued element.
func AppendObjectIDElement(dst []byte, key string, oid [12]byte) []byte {
	dst = AppendHeader(dst, bsontype.ObjectID, key)
	return append(dst, oid[:]...)
}

// AppendBooleanElement appends a boolean-valued element.
func AppendBooleanElement(dst []byte, key string, b bool) []byte {
	dst = AppendHeader(dst, bsontype.Boolean, key)
	if b {
		return append(dst, 0x01)
	}
	return append(dst, 0x00)
}

// AppendDateTimeElement appends a UTC datetime element (milliseconds since the epoch).
func AppendDateTimeElement(dst []byte, key string, dt int64) []byte {
	dst = AppendHeader(dst, bsontype.DateTime, key)
	return appendi64(dst, dt)
}

// AppendNullElement appends a null-valued element.
func AppendNullElement(dst []byte, key string) []byte {
	return AppendHeader(dst, bsontype.Null, key)
}

// AppendInt32Element appends an int32-valued element.
func AppendInt32Element(dst []byte, key string, i int32) []byte {
	dst = AppendHeader(dst, bsontype.Int32, key)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append(dst, buf[:]...)
}

// AppendTimestampElement appends a BSON timestamp element: increment then time, both uint32.
func AppendTimestampElement(dst []byte, key string, t, i uint32) []byte {
	dst = AppendHeader(dst, bsontype.Timestamp, key)
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], i)
	binary.LittleEndian.PutUint32(buf[4:8], t)
	return append(dst, buf[:]...)
}

// AppendInt64Element appends an int64-valued element.
func AppendInt64Element(dst []byte, key string, i int64) []byte {
	dst = AppendHeader(dst, bsontype.Int64, key)
	return appendi64(dst, i)
}

func appendi64(dst []byte, i int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(i))
	return append(dst, buf[:]...)
}

// BuildDocument appends a set of pre-built elements between a fresh start/end pair.
func BuildDocument(dst []byte, elems ...[]byte) []byte {
	idx, dst := AppendDocumentStart(dst)
	for _, e := range elems {
		dst = append(dst, e...)
	}
	dst, _ = AppendDocumentEnd(dst, idx)
	return dst
}

// BuildDocumentFromElements is BuildDocument starting from a new empty buffer.
func BuildDocumentFromElements(elems ...[]byte) Document {
	return Document(BuildDocument(nil, elems...))
}

// Empty returns the canonical 5-byte empty BSON document.
func Empty() Document { return Document{0x05, 0x00, 0x00, 0x00, 0x00} }

// ReadLength reads the int32 length prefix from the front of src.
func ReadLength(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src[0:4])), src[4:], true
}

// ReadKey reads a C-string key from the front of src.
func ReadKey(src []byte) (string, []byte, bool) {
	idx := indexByte(src, 0x00)
	if idx < 0 {
		return "", src, false
	}
	return string(src[:idx]), src[idx+1:], true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func valueSize(t bsontype.Type, src []byte) (int, bool) {
	switch t {
	case bsontype.Double, bsontype.DateTime, bsontype.Timestamp, bsontype.Int64:
		return 8, len(src) >= 8
	case bsontype.Int32:
		return 4, len(src) >= 4
	case bsontype.Boolean:
		return 1, len(src) >= 1
	case bsontype.Null, bsontype.Undefined, bsontype.MinKey, bsontype.MaxKey:
		return 0, true
	case bsontype.ObjectID:
		return 12, len(src) >= 12
	case bsontype.String, bsontype.JavaScript, bsontype.Symbol:
		if len(src) < 4 {
			return 0, false
		}
		l := int(int32(binary.LittleEndian.Uint32(src[0:4])))
		return 4 + l, len(src) >= 4+l
	case bsontype.EmbeddedDocument, bsontype.Array:
		if len(src) < 4 {
			return 0, false
		}
		l := int(int32(binary.LittleEndian.Uint32(src[0:4])))
		return l, len(src) >= l
	case bsontype.Binary:
		if len(src) < 5 {
			return 0, false
		}
		l := int(int32(binary.LittleEndian.Uint32(src[0:4])))
		return 5 + l, len(src) >= 5+l
	default:
		return 0, false
	}
}

// ReadElement reads a single (type, key, value) triple from the front of src, returning the
// Element and the remaining bytes.
func ReadElement(src []byte) (Element, []byte, bool) {
	if len(src) < 1 {
		return nil, src, false
	}
	t := bsontype.Type(src[0])
	rest := src[1:]
	_, rest2, ok := ReadKey(rest)
	if !ok {
		return nil, src, false
	}
	sz, ok := valueSize(t, rest2)
	if !ok {
		return nil, src, false
	}
	total := len(src) - len(rest2) + sz
	if total > len(src) {
		return nil, src, false
	}
	return Element(src[:total]), src[total:], true
}

// Key returns the element's key.
func (e Element) Key() string {
	if len(e) < 2 {
		return ""
	}
	k, _, _ := ReadKey(e[1:])
	return k
}

// Value returns the element's Value.
func (e Element) Value() Value {
	if len(e) < 1 {
		return Value{}
	}
	t := bsontype.Type(e[0])
	_, rest, ok := ReadKey(e[1:])
	if !ok {
		return Value{}
	}
	return Value{Type: t, Data: rest}
}

// Validate checks that e decodes cleanly.
func (e Element) Validate() error {
	if len(e) < 2 {
		return errors.New("element too short")
	}
	v := e.Value()
	if v.Type == bsontype.EmbeddedDocument || v.Type == bsontype.Array {
		return Document(v.Data).Validate()
	}
	return nil
}

// DebugString renders the element for debugging.
func (e Element) DebugString() string {
	return fmt.Sprintf("%s: %s", e.Key(), e.Value().String())
}

func (e Element) String() string { return e.DebugString() }

// Elements parses all top-level elements out of a document.
func (d Document) Elements() ([]Element, error) {
	if len(d) < 5 {
		return nil, fmt.Errorf("document too short: %d bytes", len(d))
	}
	length, rest, ok := ReadLength(d)
	if !ok || int(length) > len(d) {
		return nil, fmt.Errorf("document length %d exceeds buffer of %d bytes", length, len(d))
	}
	rest = rest[:length-4-1] // exclude the trailing null byte
	var elems []Element
	for len(rest) > 0 {
		elem, next, ok := ReadElement(rest)
		if !ok {
			return elems, errors.New("malformed element while parsing document")
		}
		elems = append(elems, elem)
		rest = next
	}
	return elems, nil
}

// Values parses all top-level values out of an array.
func (a Array) Values() ([]Value, error) {
	elems, err := Document(a).Elements()
	if err != nil {
		return nil, err
	}
	vals := make([]Value, len(elems))
	for i, e := range elems {
		vals[i] = e.Value()
	}
	return vals, nil
}

// Validate validates the document's length framing and every contained element.
func (d Document) Validate() error {
	length, rest, ok := ReadLength(d)
	if !ok {
		return errors.New("document too short to contain a length")
	}
	if int(length) > len(d) {
		return fmt.Errorf("document length %d exceeds buffer of %d bytes", length, len(d))
	}
	if d[length-1] != 0x00 {
		return ErrMissingNull
	}
	body := rest[:length-4-1]
	for len(body) > 0 {
		elem, next, ok := ReadElement(body)
		if !ok {
			return errors.New("malformed element while validating document")
		}
		if err := elem.Validate(); err != nil {
			return err
		}
		body = next
	}
	return nil
}

// Lookup traverses a path of keys through nested documents, returning the zero Value if any key
// along the path is missing — callers that need to distinguish "absent" from "present but empty"
// should use LookupErr directly.
func (d Document) Lookup(keys ...string) Value {
	v, _ := d.LookupErr(keys...)
	return v
}

// LookupErr traverses a path of keys through nested documents.
func (d Document) LookupErr(keys ...string) (Value, error) {
	if len(keys) == 0 {
		return Value{}, errors.New("no keys given to LookupErr")
	}
	elems, err := d.Elements()
	if err != nil {
		return Value{}, err
	}
	for _, e := range elems {
		if e.Key() != keys[0] {
			continue
		}
		v := e.Value()
		if len(keys) == 1 {
			return v, nil
		}
		if v.Type != bsontype.EmbeddedDocument {
			return Value{}, fmt.Errorf("key %q is not a document", keys[0])
		}
		return Document(v.Data).LookupErr(keys[1:]...)
	}
	return Value{}, fmt.Errorf("key %q not found", keys[0])
}

// String renders the document as extended-JSON-ish debug text (not a full EJSON implementation).
func (d Document) String() string {
	elems, err := d.Elements()
	if err != nil {
		return "<malformed>"
	}
	s := "{"
	for i, e := range elems {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%q:%s", e.Key(), e.Value().String())
	}
	return s + "}"
}

// StringValueOK returns the value as a Go string if it is BSON string-typed.
func (v Value) StringValueOK() (string, bool) {
	if v.Type != bsontype.String || len(v.Data) < 4 {
		return "", false
	}
	l := int(int32(binary.LittleEndian.Uint32(v.Data[0:4])))
	if len(v.Data) < 4+l {
		return "", false
	}
	return string(v.Data[4 : 4+l-1]), true
}

// StringValue returns the value as a Go string, or "" if it is not string-typed.
func (v Value) StringValue() string {
	s, _ := v.StringValueOK()
	return s
}

// Int32OK returns the value as an int32 if it is BSON int32-typed.
func (v Value) Int32OK() (int32, bool) {
	if v.Type != bsontype.Int32 || len(v.Data) < 4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(v.Data[0:4])), true
}

// Int64OK returns the value as an int64 if it is BSON int64-typed.
func (v Value) Int64OK() (int64, bool) {
	if v.Type != bsontype.Int64 || len(v.Data) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(v.Data[0:8])), true
}

// AsInt64OK coerces int32, int64, or double values into an int64.
func (v Value) AsInt64OK() (int64, bool) {
	switch v.Type {
	case bsontype.Int32:
		i, ok := v.Int32OK()
		return int64(i), ok
	case bsontype.Int64:
		return v.Int64OK()
	case bsontype.Double:
		d, ok := v.DoubleOK()
		return int64(d), ok
	default:
		return 0, false
	}
}

// DoubleOK returns the value as a float64 if it is BSON double-typed.
func (v Value) DoubleOK() (float64, bool) {
	if v.Type != bsontype.Double || len(v.Data) < 8 {
		return 0, false
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.Data[0:8])), true
}

// BooleanOK returns the value as a bool if it is BSON boolean-typed.
func (v Value) BooleanOK() (bool, bool) {
	if v.Type != bsontype.Boolean || len(v.Data) < 1 {
		return false, false
	}
	return v.Data[0] != 0x00, true
}

// DocumentOK returns the value as a Document if it is BSON document-typed.
func (v Value) DocumentOK() (Document, bool) {
	if v.Type != bsontype.EmbeddedDocument {
		return nil, false
	}
	return Document(v.Data), true
}

// ArrayOK returns the value as an Array if it is BSON array-typed.
func (v Value) ArrayOK() (Array, bool) {
	if v.Type != bsontype.Array {
		return nil, false
	}
	return Array(v.Data), true
}

// ObjectIDOK returns the value as a 12-byte ObjectID if it is BSON ObjectID-typed.
func (v Value) ObjectIDOK() ([12]byte, bool) {
	var oid [12]byte
	if v.Type != bsontype.ObjectID || len(v.Data) < 12 {
		return oid, false
	}
	copy(oid[:], v.Data[:12])
	return oid, true
}

// BinaryOK returns the value's subtype and raw bytes if it is BSON binary-typed.
func (v Value) BinaryOK() (byte, []byte, bool) {
	if v.Type != bsontype.Binary || len(v.Data) < 5 {
		return 0, nil, false
	}
	l := int(int32(binary.LittleEndian.Uint32(v.Data[0:4])))
	if len(v.Data) < 5+l {
		return 0, nil, false
	}
	return v.Data[4], v.Data[5 : 5+l], true
}

// Timestamp returns the (time, increment) pair if the value is BSON timestamp-typed.
func (v Value) Timestamp() (t, i uint32) {
	if v.Type != bsontype.Timestamp || len(v.Data) < 8 {
		return 0, 0
	}
	i = binary.LittleEndian.Uint32(v.Data[0:4])
	t = binary.LittleEndian.Uint32(v.Data[4:8])
	return t, i
}

// IsZero reports whether the value is the zero Value (no type, no data).
func (v Value) IsZero() bool { return v.Type == 0 && v.Data == nil }

// String renders the value for debugging.
func (v Value) String() string {
	switch v.Type {
	case bsontype.String:
		return fmt.Sprintf("%q", v.StringValue())
	case bsontype.Int32:
		i, _ := v.Int32OK()
		return fmt.Sprintf("%d", i)
	case bsontype.Int64:
		i, _ := v.Int64OK()
		return fmt.Sprintf("%d", i)
	case bsontype.Double:
		d, _ := v.DoubleOK()
		return fmt.Sprintf("%v", d)
	case bsontype.Boolean:
		b, _ := v.BooleanOK()
		return fmt.Sprintf("%v", b)
	case bsontype.EmbeddedDocument:
		return Document(v.Data).String()
	case bsontype.Null:
		return "null"
	default:
		return fmt.Sprintf("<%s>", v.Type)
	}
}

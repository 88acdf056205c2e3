// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessagex provides raw byte-append and byte-read helpers for building and parsing
// wire messages without an intermediate struct representation, mirroring the style of
// x/bsonx/bsoncore for documents.
package wiremessagex

import (
	"encoding/binary"

	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/wiremessage"
)

// AppendHeaderStart appends a header to dst with an unset message length, returning the index at
// which the length should later be written with UpdateMessageLength, and the resulting slice.
func AppendHeaderStart(dst []byte, reqid, respto int32, opcode wiremessage.OpCode) (int32, []byte) {
	idx := int32(len(dst))
	dst = append(dst, make([]byte, 4)...) // messageLength, filled in later
	dst = appendi32(dst, reqid)
	dst = appendi32(dst, respto)
	dst = appendi32(dst, int32(opcode))
	return idx, dst
}

// UpdateMessageLength writes the final message length at idx once dst is complete.
func UpdateMessageLength(dst []byte, idx int32) []byte {
	binary.LittleEndian.PutUint32(dst[idx:], uint32(len(dst[idx:])))
	return dst
}

// ReadHeader reads a message header from the front of src.
func ReadHeader(src []byte) (length, requestID, responseTo int32, opcode wiremessage.OpCode, rem []byte, ok bool) {
	if len(src) < 16 {
		return 0, 0, 0, 0, src, false
	}
	length = readi32(src)
	requestID = readi32(src[4:])
	responseTo = readi32(src[8:])
	opcode = wiremessage.OpCode(readi32(src[12:]))
	return length, requestID, responseTo, opcode, src[16:], true
}

// --- OP_MSG ---

// AppendMsgFlags appends the OP_MSG flagBits field.
func AppendMsgFlags(dst []byte, flags wiremessage.MsgFlag) []byte {
	return appendu32(dst, uint32(flags))
}

// ReadMsgFlags reads the OP_MSG flagBits field.
func ReadMsgFlags(src []byte) (wiremessage.MsgFlag, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return wiremessage.MsgFlag(readu32(src)), src[4:], true
}

// AppendMsgSectionType appends a section's leading type byte.
func AppendMsgSectionType(dst []byte, stype wiremessage.SectionType) []byte {
	return append(dst, byte(stype))
}

// ReadMsgSectionType reads a section's leading type byte.
func ReadMsgSectionType(src []byte) (wiremessage.SectionType, []byte, bool) {
	if len(src) < 1 {
		return 0, src, false
	}
	return wiremessage.SectionType(src[0]), src[1:], true
}

// AppendMsgSectionSingleDocument appends a kind-0 section body (just the document).
func AppendMsgSectionSingleDocument(dst []byte, doc bsoncore.Document) []byte {
	return append(dst, doc...)
}

// ReadMsgSectionSingleDocument reads a kind-0 section body.
func ReadMsgSectionSingleDocument(src []byte) (bsoncore.Document, []byte, bool) {
	length, ok := peekLength(src)
	if !ok || int(length) > len(src) {
		return nil, src, false
	}
	return bsoncore.Document(src[:length]), src[length:], true
}

// AppendMsgSectionDocumentSequence appends a kind-1 section: size, identifier, then the
// concatenated raw documents.
func AppendMsgSectionDocumentSequence(dst []byte, identifier string, docs ...bsoncore.Document) []byte {
	idx := len(dst)
	dst = append(dst, make([]byte, 4)...) // size, filled below
	dst = append(dst, identifier...)
	dst = append(dst, 0x00)
	for _, doc := range docs {
		dst = append(dst, doc...)
	}
	binary.LittleEndian.PutUint32(dst[idx:], uint32(len(dst[idx:])+4)) // +4 for the type byte already written
	return dst
}

// ReadMsgSectionDocumentSequence reads a kind-1 section, returning its identifier and documents.
func ReadMsgSectionDocumentSequence(src []byte) (identifier string, docs []bsoncore.Document, rem []byte, ok bool) {
	if len(src) < 4 {
		return "", nil, src, false
	}
	size := readi32(src)
	if int(size) > len(src)+4 || size < 4 {
		return "", nil, src, false
	}
	section := src[4 : size-4]
	rest := src[size-4:]

	nullIdx := indexByte(section, 0x00)
	if nullIdx < 0 {
		return "", nil, src, false
	}
	identifier = string(section[:nullIdx])
	body := section[nullIdx+1:]
	for len(body) > 0 {
		length, ok := peekLength(body)
		if !ok || int(length) > len(body) {
			return "", nil, src, false
		}
		docs = append(docs, bsoncore.Document(body[:length]))
		body = body[length:]
	}
	return identifier, docs, rest, true
}

// --- OP_QUERY ---

// AppendQueryFlags appends an OP_QUERY flags field.
func AppendQueryFlags(dst []byte, flags wiremessage.QueryFlag) []byte { return appendu32(dst, uint32(flags)) }

// AppendQueryNumberToSkip appends the numberToSkip field.
func AppendQueryNumberToSkip(dst []byte, n int32) []byte { return appendi32(dst, n) }

// AppendQueryNumberToReturn appends the numberToReturn field.
func AppendQueryNumberToReturn(dst []byte, n int32) []byte { return appendi32(dst, n) }

// --- OP_REPLY ---

// ReadReplyFlags reads the OP_REPLY responseFlags field.
func ReadReplyFlags(src []byte) (wiremessage.ReplyFlag, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return wiremessage.ReplyFlag(readu32(src)), src[4:], true
}

// ReadReplyCursorID reads the OP_REPLY cursorID field.
func ReadReplyCursorID(src []byte) (int64, []byte, bool) {
	if len(src) < 8 {
		return 0, src, false
	}
	return int64(binary.LittleEndian.Uint64(src)), src[8:], true
}

// ReadReplyStartingFrom reads the OP_REPLY startingFrom field.
func ReadReplyStartingFrom(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return readi32(src), src[4:], true
}

// ReadReplyNumberReturned reads the OP_REPLY numberReturned field.
func ReadReplyNumberReturned(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return readi32(src), src[4:], true
}

// ReadReplyDocument reads the single document in an OP_REPLY body.
func ReadReplyDocument(src []byte) (bsoncore.Document, []byte, bool) {
	length, ok := peekLength(src)
	if !ok || int(length) > len(src) {
		return nil, src, false
	}
	return bsoncore.Document(src[:length]), src[length:], true
}

// --- OP_COMPRESSED ---

// CompressedHeader is the fixed-size metadata that precedes a compressed payload.
type CompressedHeader struct {
	OriginalOpCode   wiremessage.OpCode
	UncompressedSize int32
	CompressorID     wiremessage.CompressorID
}

// AppendCompressedHeader appends the OP_COMPRESSED metadata fields (original opcode,
// uncompressed size, compressor id) ahead of the compressed payload bytes.
func AppendCompressedHeader(dst []byte, h CompressedHeader) []byte {
	dst = appendi32(dst, int32(h.OriginalOpCode))
	dst = appendi32(dst, h.UncompressedSize)
	dst = append(dst, byte(h.CompressorID))
	return dst
}

// ReadCompressedHeader reads the OP_COMPRESSED metadata fields.
func ReadCompressedHeader(src []byte) (CompressedHeader, []byte, bool) {
	if len(src) < 9 {
		return CompressedHeader{}, src, false
	}
	h := CompressedHeader{
		OriginalOpCode:   wiremessage.OpCode(readi32(src)),
		UncompressedSize: readi32(src[4:]),
		CompressorID:     wiremessage.CompressorID(src[8]),
	}
	return h, src[9:], true
}

func appendi32(dst []byte, v int32) []byte { return appendu32(dst, uint32(v)) }

func appendu32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readi32(src []byte) int32 { return int32(readu32(src)) }

func readu32(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}

func peekLength(src []byte) (int32, bool) {
	if len(src) < 4 {
		return 0, false
	}
	return readi32(src), true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package compression implements the OP_COMPRESSED payload codecs negotiated during the
// handshake's compressors list: snappy, zlib, and zstd.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/wiremessage"
)

// Compressor compresses and decompresses OP_COMPRESSED payloads for one negotiated algorithm.
type Compressor interface {
	CompressorID() wiremessage.CompressorID
	Name() string
	CompressBytes(src, dst []byte) ([]byte, error)
	UncompressBytes(src, dst []byte) ([]byte, error)
}

// ByName returns the Compressor registered for name (one of "snappy", "zlib", "zstd"), or false
// if name is not a compressor this driver implements.
func ByName(name string) (Compressor, bool) {
	switch name {
	case "snappy":
		return SnappyCompressor{}, true
	case "zlib":
		return ZlibCompressor{Level: zlib.DefaultCompression}, true
	case "zstd":
		return ZstdCompressor{}, true
	default:
		return nil, false
	}
}

// ByID returns the Compressor registered for a wire-negotiated CompressorID.
func ByID(id wiremessage.CompressorID) (Compressor, bool) {
	switch id {
	case wiremessage.CompressorSnappy:
		return SnappyCompressor{}, true
	case wiremessage.CompressorZLib:
		return ZlibCompressor{Level: zlib.DefaultCompression}, true
	case wiremessage.CompressorZStd:
		return ZstdCompressor{}, true
	default:
		return nil, false
	}
}

// SnappyCompressor implements Compressor using github.com/golang/snappy.
type SnappyCompressor struct{}

// CompressorID implements Compressor.
func (SnappyCompressor) CompressorID() wiremessage.CompressorID { return wiremessage.CompressorSnappy }

// Name implements Compressor.
func (SnappyCompressor) Name() string { return "snappy" }

// CompressBytes implements Compressor.
func (SnappyCompressor) CompressBytes(src, dst []byte) ([]byte, error) {
	return snappy.Encode(dst[:0], src), nil
}

// UncompressBytes implements Compressor.
func (SnappyCompressor) UncompressBytes(src, dst []byte) ([]byte, error) {
	return snappy.Decode(dst[:0], src)
}

// ZlibCompressor implements Compressor using github.com/klauspost/compress/zlib.
type ZlibCompressor struct {
	Level int
}

// CompressorID implements Compressor.
func (ZlibCompressor) CompressorID() wiremessage.CompressorID { return wiremessage.CompressorZLib }

// Name implements Compressor.
func (ZlibCompressor) Name() string { return "zlib" }

// CompressBytes implements Compressor.
func (c ZlibCompressor) CompressBytes(src, dst []byte) ([]byte, error) {
	var buf bytes.Buffer
	level := c.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return dst, err
	}
	if _, err := w.Write(src); err != nil {
		return dst, err
	}
	if err := w.Close(); err != nil {
		return dst, err
	}
	return append(dst[:0], buf.Bytes()...), nil
}

// UncompressBytes implements Compressor.
func (ZlibCompressor) UncompressBytes(src, dst []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return dst, err
	}
	defer r.Close()
	buf := bytes.NewBuffer(dst[:0])
	if _, err := io.Copy(buf, r); err != nil {
		return dst, err
	}
	return buf.Bytes(), nil
}

// ZstdCompressor implements Compressor using github.com/klauspost/compress/zstd.
type ZstdCompressor struct{}

// CompressorID implements Compressor.
func (ZstdCompressor) CompressorID() wiremessage.CompressorID { return wiremessage.CompressorZStd }

// Name implements Compressor.
func (ZstdCompressor) Name() string { return "zstd" }

// CompressBytes implements Compressor.
func (ZstdCompressor) CompressBytes(src, dst []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return dst, err
	}
	defer enc.Close()
	return enc.EncodeAll(src, dst[:0]), nil
}

// UncompressBytes implements Compressor.
func (ZstdCompressor) UncompressBytes(src, dst []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return dst, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return dst, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/compression"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/wiremessage"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/wiremessage/wiremessagex"
)

var globalConnectionID uint64

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

// ErrConnectionClosed occurs when a method is invoked on a closed connection.
var ErrConnectionClosed = errors.New("connection is closed")

// Dialer is used to make network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements Dialer.
func (df DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return df(ctx, network, address)
}

// DefaultDialer is used when no Dialer option is supplied.
var DefaultDialer Dialer = &net.Dialer{}

// Handshaker performs a handshake over a freshly dialed connection and returns the resulting
// server description, used to populate the first description.Server after a successful dial.
type Handshaker interface {
	Handshake(ctx context.Context, addr address.Address, c *Connection) (description.Server, error)
}

// HandshakerFunc adapts a function to the Handshaker interface.
type HandshakerFunc func(context.Context, address.Address, *Connection) (description.Server, error)

// Handshake implements Handshaker.
func (hf HandshakerFunc) Handshake(ctx context.Context, addr address.Address, c *Connection) (description.Server, error) {
	return hf(ctx, addr, c)
}

// connectionConfig holds dial-time configuration for a Connection.
type connectionConfig struct {
	dialer       Dialer
	tlsConfig    *tls.Config
	handshaker   Handshaker
	idleTimeout  time.Duration
	lifeTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	compressors  []compression.Compressor
}

// ConnectionOption configures a Connection at dial time.
type ConnectionOption func(*connectionConfig)

// WithDialer overrides the Dialer used to make the network connection.
func WithDialer(d Dialer) ConnectionOption { return func(c *connectionConfig) { c.dialer = d } }

// WithTLSConfig enables TLS using the given configuration.
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(c *connectionConfig) { c.tlsConfig = cfg }
}

// WithHandshaker installs the handshake performed immediately after dialing.
func WithHandshaker(h Handshaker) ConnectionOption {
	return func(c *connectionConfig) { c.handshaker = h }
}

// WithIdleTimeout sets the maximum time a connection may sit unused in a pool.
func WithIdleTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.idleTimeout = d }
}

// WithLifeTimeout sets the maximum total lifetime of a connection (maxConnectionLifeTime).
func WithLifeTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.lifeTimeout = d }
}

// WithReadTimeout sets the per-read socket deadline.
func WithReadTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.readTimeout = d }
}

// WithWriteTimeout sets the per-write socket deadline.
func WithWriteTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.writeTimeout = d }
}

// WithCompressors registers the compressors offered during the handshake, in preference order.
func WithCompressors(c ...compression.Compressor) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.compressors = c }
}

func newConnectionConfig(opts ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{dialer: DefaultDialer}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// Connection is a single authenticated duplex channel to one server. It
// implements driver.Connection.
type Connection struct {
	addr address.Address
	id   string
	nc   net.Conn

	idleTimeout      time.Duration
	idleDeadline     atomic.Value // time.Time
	lifetimeDeadline time.Time
	readTimeout      time.Duration
	writeTimeout     time.Duration

	compressor    compression.Compressor
	compressorMap map[wiremessage.CompressorID]compression.Compressor

	desc        description.Server
	generation  uint64
	driverConnectionID int64

	dead int32 // atomic
	pool *pool
}

// connect dials addr and, if cfg.handshaker is set, performs the handshake. The returned
// Connection is not yet pooled — pool.get wraps it and stamps the owning generation.
func connect(ctx context.Context, addr address.Address, cfg *connectionConfig) (*Connection, error) {
	nc, err := cfg.dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, err
	}
	if cfg.tlsConfig != nil {
		nc, err = configureTLS(ctx, nc, addr, cfg.tlsConfig.Clone())
		if err != nil {
			return nil, err
		}
	}

	var lifetimeDeadline time.Time
	if cfg.lifeTimeout > 0 {
		lifetimeDeadline = time.Now().Add(cfg.lifeTimeout)
	}

	compressorMap := make(map[wiremessage.CompressorID]compression.Compressor, len(cfg.compressors))
	for _, c := range cfg.compressors {
		compressorMap[c.CompressorID()] = c
	}

	c := &Connection{
		addr:             addr,
		id:               fmt.Sprintf("%s[-%d]", addr, nextConnectionID()),
		nc:               nc,
		idleTimeout:      cfg.idleTimeout,
		lifetimeDeadline: lifetimeDeadline,
		readTimeout:      cfg.readTimeout,
		writeTimeout:     cfg.writeTimeout,
		compressorMap:    compressorMap,
	}
	c.bumpIdleDeadline()

	if cfg.handshaker != nil {
		desc, err := cfg.handshaker.Handshake(ctx, addr, c)
		if err != nil {
			nc.Close()
			return nil, err
		}
		c.desc = desc
		for _, comp := range cfg.compressors {
			if containsString(desc.Compression, comp.Name()) {
				c.compressor = comp
				break
			}
		}
	}
	return c, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func configureTLS(ctx context.Context, nc net.Conn, addr address.Address, cfg *tls.Config) (net.Conn, error) {
	if !cfg.InsecureSkipVerify && cfg.ServerName == "" {
		hostname := addr.String()
		if i := strings.LastIndex(hostname, ":"); i != -1 {
			hostname = hostname[:i]
		}
		cfg.ServerName = hostname
	}
	client := tls.Client(nc, cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- client.HandshakeContext(ctx) }()
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}

func (c *Connection) bumpIdleDeadline() {
	if c.idleTimeout > 0 {
		c.idleDeadline.Store(time.Now().Add(c.idleTimeout))
	}
}

// Expired reports whether the connection has exceeded its idle or lifetime deadline, or has
// already been marked dead by a prior I/O error.
func (c *Connection) Expired() bool {
	now := time.Now()
	if d, ok := c.idleDeadline.Load().(time.Time); ok && !d.IsZero() && now.After(d) {
		return true
	}
	if !c.lifetimeDeadline.IsZero() && now.After(c.lifetimeDeadline) {
		return true
	}
	return atomic.LoadInt32(&c.dead) == 1
}

// Stale reports whether this connection's pool generation has been invalidated since checkout.
func (c *Connection) Stale() bool {
	return c.pool != nil && c.generation < c.pool.currentGeneration(c.desc.ServiceID)
}

// markDead flags the connection as unusable; the pool discards it on check-in rather than
// recycling it.
func (c *Connection) markDead() { atomic.StoreInt32(&c.dead, 1) }

// ID returns a human-readable connection identifier for logs and events.
func (c *Connection) ID() string { return c.id }

// DriverConnectionID returns the CMAP-visible per-pool sequence number assigned at checkout.
func (c *Connection) DriverConnectionID() int64 { return c.driverConnectionID }

// Description returns the server description captured during the handshake.
func (c *Connection) Description() description.Server { return c.desc }

// Close releases the underlying socket. It does not return the connection to a pool; callers
// that want pooled semantics should go through Server.Connection/pool checkin instead.
func (c *Connection) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Close()
}

// WriteWireMessage writes one fully-encoded, possibly-to-be-compressed wire message.
func (c *Connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	if atomic.LoadInt32(&c.dead) == 1 {
		return ErrConnectionClosed
	}
	defer c.bumpIdleDeadline()

	out := wm
	if c.compressor != nil {
		compressed, err := c.compressWireMessage(wm)
		if err == nil {
			out = compressed
		}
	}

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.nc.Write(out)
	if err != nil {
		c.markDead()
	}
	return err
}

// ReadWireMessage reads one wire message, decompressing an OP_COMPRESSED frame transparently,
// and appends it to dst.
func (c *Connection) ReadWireMessage(ctx context.Context, dst []byte) ([]byte, error) {
	if atomic.LoadInt32(&c.dead) == 1 {
		return dst, ErrConnectionClosed
	}
	defer c.bumpIdleDeadline()

	deadline := time.Time{}
	if c.readTimeout > 0 {
		deadline = time.Now().Add(c.readTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return dst, err
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		c.markDead()
		return dst, err
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < 16 {
		c.markDead()
		return dst, fmt.Errorf("malformed wire message: length %d smaller than header", size)
	}

	full := make([]byte, size)
	copy(full, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, full[4:]); err != nil {
		c.markDead()
		return dst, err
	}

	_, _, _, opcode, _, ok := wiremessagex.ReadHeader(full)
	if !ok {
		return dst, errors.New("malformed wire message: truncated header")
	}
	if opcode != wiremessage.OpCompressed {
		return append(dst, full...), nil
	}

	return c.decompressWireMessage(dst, full)
}

func (c *Connection) compressWireMessage(wm []byte) ([]byte, error) {
	_, _, _, origOpcode, rest, ok := wiremessagex.ReadHeader(wm)
	if !ok {
		return wm, errors.New("malformed wire message: truncated header")
	}
	compressed, err := c.compressor.CompressBytes(rest, nil)
	if err != nil {
		return wm, err
	}

	idx, out := wiremessagex.AppendHeaderStart(nil, wiremessage.NextRequestID(), 0, wiremessage.OpCompressed)
	out = wiremessagex.AppendCompressedHeader(out, wiremessagex.CompressedHeader{
		OriginalOpCode:   origOpcode,
		UncompressedSize: int32(len(rest)),
		CompressorID:     c.compressor.CompressorID(),
	})
	out = append(out, compressed...)
	return wiremessagex.UpdateMessageLength(out, idx), nil
}

func (c *Connection) decompressWireMessage(dst, wm []byte) ([]byte, error) {
	_, reqID, respTo, _, rest, ok := wiremessagex.ReadHeader(wm)
	if !ok {
		return dst, errors.New("malformed OP_COMPRESSED: truncated header")
	}
	ch, payload, ok := wiremessagex.ReadCompressedHeader(rest)
	if !ok {
		return dst, errors.New("malformed OP_COMPRESSED: truncated metadata")
	}
	comp, ok := c.compressorMap[ch.CompressorID]
	if !ok {
		comp, ok = compression.ByID(ch.CompressorID)
		if !ok {
			return dst, fmt.Errorf("unsupported compressor id %d", ch.CompressorID)
		}
	}
	uncompressed, err := comp.UncompressBytes(payload, make([]byte, 0, ch.UncompressedSize))
	if err != nil {
		return dst, err
	}

	idx, out := wiremessagex.AppendHeaderStart(dst, reqID, respTo, ch.OriginalOpCode)
	out = append(out, uncompressed...)
	return wiremessagex.UpdateMessageLength(out, idx), nil
}

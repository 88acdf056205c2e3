// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"time"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/readpref"
)

// VersionRange represents a range of wire protocol versions a server accepts, [Min, Max].
type VersionRange struct {
	Min int32
	Max int32
}

// Includes reports whether v falls within the range.
func (vr VersionRange) Includes(v int32) bool { return v >= vr.Min && v <= vr.Max }

// Server is an immutable snapshot of one server's observable state as of its last heartbeat or
// application error, per the data model's ServerDescription. A Server value is never
// mutated; a new value atomically replaces the old one in the owning Topology.
type Server struct {
	Addr      address.Address
	Kind      ServerKind
	LastError error

	WireVersion *VersionRange

	Hosts    []string
	Passives []string
	Arbiters []string

	SetName   string
	SetVersion uint32
	ElectionID [12]byte
	HasElectionID bool
	Primary   address.Address
	Me        address.Address

	LastWriteDate time.Time
	LastUpdateTime time.Time
	AverageRTT     time.Duration
	AverageRTTSet  bool

	SessionTimeoutMinutes     uint32
	SessionTimeoutMinutesSet  bool

	TopologyVersion *TopologyVersion

	Tags readpref.TagSet

	HeartbeatInterval time.Duration

	ServiceID     *[12]byte // set only for LoadBalancer-kind servers behind a load balancer
	MaxBatchCount int32
	MaxDocumentSize int32
	MaxMessageSize int32

	Compression []string // compressors this server advertised during the handshake
}

// NewDefaultServer returns the zero-value Unknown description for a freshly seeded address.
func NewDefaultServer(addr address.Address) Server {
	return Server{Addr: addr, Kind: Unknown, LastUpdateTime: time.Now()}
}

// NewServerFromError returns an Unknown ServerDescription carrying a terminal error, as produced
// by a failed heartbeat or an application error fed back from the OperationExecutor.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		Kind:            Unknown,
		LastError:       err,
		LastUpdateTime:  time.Now(),
		TopologyVersion: tv,
	}
}

// SetAverageRTT returns a copy of desc with the average round-trip time set.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// DataBearing reports whether this server can answer reads.
func (s Server) DataBearing() bool { return s.Kind.DataBearing() }

// Members returns the union of hosts, passives, and arbiters the primary reported — the set of
// addresses that remain part of the replica set.
func (s Server) Members() []string {
	members := make([]string, 0, len(s.Hosts)+len(s.Passives)+len(s.Arbiters))
	members = append(members, s.Hosts...)
	members = append(members, s.Passives...)
	members = append(members, s.Arbiters...)
	return members
}

func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

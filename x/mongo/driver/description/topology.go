// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"go.nebuladb.io/nebula-go-driver/address"
)

// Topology is an immutable snapshot of the deployment as a whole, derived purely from the
// individual Server descriptions by Apply. A new Topology value atomically replaces
// the old one under the Cluster's single-writer discipline.
type Topology struct {
	Kind       TopologyKind
	Servers    []Server
	SetName    string
	MaxSetVersion uint32
	MaxElectionID [12]byte
	HasMaxElectionID bool

	SessionTimeoutMinutes    uint32
	SessionTimeoutMinutesSet bool

	Compatible       bool
	CompatibilityErr error

	LoadBalanced bool
}

// SessionsSupported reports whether a server's wire version range supports logical sessions
// (wire version >= 6, introduced with Nebula 3.6 feature parity).
func SessionsSupported(wireVersion *VersionRange) bool {
	return wireVersion != nil && wireVersion.Max >= 6
}

// FindServer returns the Server description for addr, if present in the topology.
func (t Topology) FindServer(addr address.Address) (Server, bool) {
	for _, s := range t.Servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return Server{}, false
}

// HasServer reports whether addr is a member of the topology.
func (t Topology) HasServer(addr address.Address) bool {
	_, ok := t.FindServer(addr)
	return ok
}

// Primary returns the current primary's description, if the topology has one.
func (t Topology) Primary() (Server, bool) {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return s, true
		}
	}
	return Server{}, false
}

// replaceServer returns a copy of t with addr's description replaced (or appended if new).
func (t Topology) replaceServer(addr address.Address, sd Server) Topology {
	servers := make([]Server, 0, len(t.Servers)+1)
	replaced := false
	for _, s := range t.Servers {
		if s.Addr == addr {
			servers = append(servers, sd)
			replaced = true
			continue
		}
		servers = append(servers, s)
	}
	if !replaced {
		servers = append(servers, sd)
	}
	t.Servers = servers
	return t
}

// removeServer returns a copy of t with addr removed entirely.
func (t Topology) removeServer(addr address.Address) Topology {
	servers := make([]Server, 0, len(t.Servers))
	for _, s := range t.Servers {
		if s.Addr != addr {
			servers = append(servers, s)
		}
	}
	t.Servers = servers
	return t
}

// Diff describes what changed between two Topology snapshots, used to keep the Cluster's live
// Server set (monitors + pools) in sync with the abstract description.
type Diff struct {
	AddedServers   []Server
	RemovedServers []Server
}

// DiffTopology computes the Diff between old and new, by address.
func DiffTopology(old, new Topology) Diff {
	var d Diff
	oldSet := make(map[address.Address]struct{}, len(old.Servers))
	for _, s := range old.Servers {
		oldSet[s.Addr] = struct{}{}
	}
	newSet := make(map[address.Address]struct{}, len(new.Servers))
	for _, s := range new.Servers {
		newSet[s.Addr] = struct{}{}
		if _, ok := oldSet[s.Addr]; !ok {
			d.AddedServers = append(d.AddedServers, s)
		}
	}
	for _, s := range old.Servers {
		if _, ok := newSet[s.Addr]; !ok {
			d.RemovedServers = append(d.RemovedServers, s)
		}
	}
	return d
}

// SelectedServer pairs a chosen Server description with the TopologyKind it was selected from,
// since some command-construction decisions (e.g. slaveOK, readPreference passthrough) depend on
// both.
type SelectedServer struct {
	Server Server
	Kind   TopologyKind
}

// WireVersion returns the selected server's wire version range.
func (ss SelectedServer) WireVersion() *VersionRange { return ss.Server.WireVersion }

// SessionTimeoutMinutes returns the selected server's logical session timeout.
func (ss SelectedServer) SessionTimeoutMinutes() uint32 { return ss.Server.SessionTimeoutMinutes }

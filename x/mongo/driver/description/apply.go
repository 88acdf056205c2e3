// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"go.nebuladb.io/nebula-go-driver/address"
)

// SupportedWireVersions is the range of wire protocol versions this driver speaks. It is used to
// compute Topology.Compatible.
var SupportedWireVersions = VersionRange{Min: 0, Max: 25}

// Apply is the pure topology rule function apply(td, sd) -> td' that folds one fresh server
// description into a topology description. It must be invoked under the Cluster's single-writer
// lock; it never mutates its arguments.
func Apply(old Topology, sd Server) Topology {
	// Rule 1: drop updates for servers no longer in the topology.
	if !old.HasServer(sd.Addr) {
		return old
	}

	// Rule 2: staleness guard on topologyVersion.
	if existing, ok := old.FindServer(sd.Addr); ok {
		if CompareTopologyVersion(existing.TopologyVersion, sd.TopologyVersion) > 0 {
			return old
		}
	}

	t := old
	switch t.Kind {
	case TopologyUnknown:
		t = applyToUnknown(t, sd)
	case Sharded:
		t = applyToSharded(t, sd)
	case ReplicaSetNoPrimary:
		t = applyToReplicaSetNoPrimary(t, sd)
	case ReplicaSetWithPrimary:
		t = applyToReplicaSetWithPrimary(t, sd)
	case Single, LoadBalanced:
		t = t.replaceServer(sd.Addr, sd)
	}

	t = recomputeSessionTimeout(t)
	t = recomputeCompatibility(t)
	return t
}

func applyToUnknown(t Topology, sd Server) Topology {
	switch sd.Kind {
	case Standalone:
		if len(t.Servers) == 1 {
			t.Kind = Single
			return t.replaceServer(sd.Addr, sd)
		}
		return t.removeServer(sd.Addr)
	case Mongos:
		t.Kind = Sharded
		return t.replaceServer(sd.Addr, sd)
	case RSPrimary, RSSecondary, RSArbiter, RSOther, RSGhost:
		t.Kind = ReplicaSetNoPrimary
		return applyToReplicaSetNoPrimary(t, sd)
	case LoadBalancer:
		t.Kind = LoadBalanced
		return t.replaceServer(sd.Addr, sd)
	default: // Unknown stays Unknown
		return t.replaceServer(sd.Addr, sd)
	}
}

func applyToSharded(t Topology, sd Server) Topology {
	if sd.Kind != Mongos && sd.Kind != Unknown {
		return t.removeServer(sd.Addr)
	}
	return t.replaceServer(sd.Addr, sd)
}

func applyToReplicaSetNoPrimary(t Topology, sd Server) Topology {
	switch sd.Kind {
	case Standalone, Mongos:
		return t.removeServer(sd.Addr)
	case RSPrimary:
		t = t.replaceServer(sd.Addr, sd)
		return updateRSFromPrimary(t, sd)
	case RSSecondary, RSArbiter, RSOther:
		t = absorbSetName(t, sd)
		t = t.replaceServer(sd.Addr, sd)
		return absorbHostList(t, sd)
	case RSGhost:
		return t.replaceServer(sd.Addr, sd)
	default:
		return t.replaceServer(sd.Addr, sd)
	}
}

func applyToReplicaSetWithPrimary(t Topology, sd Server) Topology {
	switch sd.Kind {
	case Standalone, Mongos:
		t = t.removeServer(sd.Addr)
		return checkStillHasPrimary(t)
	case RSPrimary:
		// Enforce election_id/set_version monotonicity.
		if !primaryIsFresher(t, sd) {
			stale := sd
			stale.Kind = Unknown
			stale.LastError = fmt.Errorf("member %s reports stale electionId/setVersion", sd.Addr)
			return t.replaceServer(sd.Addr, stale)
		}
		// Mark any other RSPrimary as Unknown — at most one primary per invariant.
		t.Servers = append([]Server(nil), t.Servers...)
		for i, existing := range t.Servers {
			if existing.Kind == RSPrimary && existing.Addr != sd.Addr {
				t.Servers[i] = Server{Addr: existing.Addr, Kind: Unknown, LastUpdateTime: existing.LastUpdateTime}
			}
		}
		t = t.replaceServer(sd.Addr, sd)
		return updateRSFromPrimary(t, sd)
	case RSSecondary, RSArbiter, RSOther:
		t = t.replaceServer(sd.Addr, sd)
		return checkStillHasPrimary(t)
	case RSGhost:
		t = t.replaceServer(sd.Addr, sd)
		return checkStillHasPrimary(t)
	default: // Unknown, network error
		t = t.replaceServer(sd.Addr, sd)
		return checkStillHasPrimary(t)
	}
}

// primaryIsFresher reports whether sd's (setVersion, electionId) is >= the topology's stored max.
func primaryIsFresher(t Topology, sd Server) bool {
	if !t.HasMaxElectionID && t.MaxSetVersion == 0 {
		return true
	}
	if sd.HasElectionID && t.HasMaxElectionID {
		if sd.ElectionID != t.MaxElectionID {
			// Different election epochs: compare by set version only when election ids can't be
			// ordered bytewise in a meaningful way; fall through to setVersion comparison.
			if sd.SetVersion < t.MaxSetVersion {
				return false
			}
			return true
		}
	}
	return sd.SetVersion >= t.MaxSetVersion
}

// updateRSFromPrimary absorbs the primary's host list, removing members the primary no longer
// reports and adding new ones as Unknown placeholders, then marks the topology WithPrimary.
func updateRSFromPrimary(t Topology, primary Server) Topology {
	if primary.HasElectionID {
		t.MaxElectionID = primary.ElectionID
		t.HasMaxElectionID = true
	}
	if primary.SetVersion > t.MaxSetVersion {
		t.MaxSetVersion = primary.SetVersion
	}
	if t.SetName == "" {
		t.SetName = primary.SetName
	} else if t.SetName != primary.SetName {
		// setName mismatch: the server does not belong to this set.
		t = t.removeServer(primary.Addr)
		return checkStillHasPrimary(t)
	}

	members := make(map[address.Address]struct{})
	for _, h := range primary.Members() {
		members[address.Address(h)] = struct{}{}
	}

	kept := make([]Server, 0, len(t.Servers))
	for _, s := range t.Servers {
		if _, ok := members[s.Addr]; ok || s.Addr == primary.Addr {
			kept = append(kept, s)
		}
	}
	for addr := range members {
		if !containsAddr(kept, addr) {
			kept = append(kept, NewDefaultServer(addr))
		}
	}
	t.Servers = kept

	return checkStillHasPrimary(t)
}

func containsAddr(servers []Server, addr address.Address) bool {
	for _, s := range servers {
		if s.Addr == addr {
			return true
		}
	}
	return false
}

func absorbSetName(t Topology, sd Server) Topology {
	if t.SetName == "" {
		t.SetName = sd.SetName
	}
	return t
}

func absorbHostList(t Topology, sd Server) Topology {
	members := make(map[address.Address]struct{})
	for _, h := range sd.Members() {
		members[address.Address(h)] = struct{}{}
	}
	for addr := range members {
		if !t.HasServer(addr) {
			t = t.replaceServer(addr, NewDefaultServer(addr))
		}
	}
	return t
}

// checkStillHasPrimary transitions ReplicaSetWithPrimary back to ReplicaSetNoPrimary once no
// member reports itself as RSPrimary.
func checkStillHasPrimary(t Topology) Topology {
	if _, ok := t.Primary(); ok {
		t.Kind = ReplicaSetWithPrimary
	} else if t.Kind != TopologyUnknown {
		t.Kind = ReplicaSetNoPrimary
	}
	return t
}

func recomputeSessionTimeout(t Topology) Topology {
	var min uint32
	set := false
	any := false
	for _, s := range t.Servers {
		if !s.DataBearing() {
			continue
		}
		any = true
		if !s.SessionTimeoutMinutesSet {
			set = false
			break
		}
		if !set || s.SessionTimeoutMinutes < min {
			min = s.SessionTimeoutMinutes
			set = true
		}
	}
	if !any {
		set = false
	}
	t.SessionTimeoutMinutesSet = set
	if set {
		t.SessionTimeoutMinutes = min
	}
	return t
}

func recomputeCompatibility(t Topology) Topology {
	for _, s := range t.Servers {
		if s.WireVersion == nil {
			continue
		}
		if SupportedWireVersions.Min > s.WireVersion.Max {
			t.Compatible = false
			t.CompatibilityErr = fmt.Errorf(
				"server at %s reports wire version max %d, but this driver requires at least %d (server too old)",
				s.Addr, s.WireVersion.Max, SupportedWireVersions.Min)
			return t
		}
		if SupportedWireVersions.Max < s.WireVersion.Min {
			t.Compatible = false
			t.CompatibilityErr = fmt.Errorf(
				"server at %s reports wire version min %d, but this driver supports up to %d (server too new)",
				s.Addr, s.WireVersion.Min, SupportedWireVersions.Max)
			return t
		}
	}
	t.Compatible = true
	t.CompatibilityErr = nil
	return t
}

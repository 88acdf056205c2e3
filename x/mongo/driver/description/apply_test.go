// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"errors"
	"testing"

	"go.nebuladb.io/nebula-go-driver/address"
)

func TestApplyUnknownToSingle(t *testing.T) {
	addr := address.Address("a:27017")
	td := Topology{Kind: TopologyUnknown, Servers: []Server{NewDefaultServer(addr)}}

	sd := NewDefaultServer(addr)
	sd.Kind = Standalone
	sd.WireVersion = &VersionRange{Min: 0, Max: 17}

	got := Apply(td, sd)

	if got.Kind != Single {
		t.Fatalf("Kind = %v, want Single", got.Kind)
	}
	if !got.Compatible {
		t.Fatalf("Compatible = false, want true: %v", got.CompatibilityErr)
	}
}

func TestApplyUnknownToSharded(t *testing.T) {
	addr := address.Address("a:27017")
	td := Topology{Kind: TopologyUnknown, Servers: []Server{NewDefaultServer(addr)}}

	sd := NewDefaultServer(addr)
	sd.Kind = Mongos

	got := Apply(td, sd)
	if got.Kind != Sharded {
		t.Fatalf("Kind = %v, want Sharded", got.Kind)
	}
}

func TestApplyReplicaSetElectsPrimary(t *testing.T) {
	a, b := address.Address("a:27017"), address.Address("b:27017")
	td := Topology{
		Kind:    ReplicaSetNoPrimary,
		SetName: "rs0",
		Servers: []Server{NewDefaultServer(a), NewDefaultServer(b)},
	}

	primary := NewDefaultServer(a)
	primary.Kind = RSPrimary
	primary.SetName = "rs0"
	primary.SetVersion = 1
	primary.HasElectionID = true
	primary.ElectionID = [12]byte{1}
	primary.Hosts = []string{"a:27017", "b:27017"}

	got := Apply(td, primary)

	if got.Kind != ReplicaSetWithPrimary {
		t.Fatalf("Kind = %v, want ReplicaSetWithPrimary", got.Kind)
	}
	if _, ok := got.Primary(); !ok {
		t.Fatalf("expected a primary in the resulting topology")
	}
	if got.MaxSetVersion != 1 || !got.HasMaxElectionID {
		t.Fatalf("expected MaxSetVersion/electionId to be absorbed from the primary")
	}
}

func TestApplyRejectsStalePrimary(t *testing.T) {
	a, b := address.Address("a:27017"), address.Address("b:27017")
	td := Topology{
		Kind:             ReplicaSetWithPrimary,
		SetName:          "rs0",
		MaxSetVersion:    5,
		HasMaxElectionID: true,
		MaxElectionID:    [12]byte{9},
		Servers: []Server{
			func() Server { s := NewDefaultServer(a); s.Kind = RSPrimary; s.SetVersion = 5; s.HasElectionID = true; s.ElectionID = [12]byte{9}; return s }(),
			NewDefaultServer(b),
		},
	}

	stale := NewDefaultServer(b)
	stale.Kind = RSPrimary
	stale.SetVersion = 3
	stale.HasElectionID = true
	stale.ElectionID = [12]byte{9}

	got := Apply(td, stale)

	p, ok := got.Primary()
	if !ok || p.Addr != a {
		t.Fatalf("expected a to remain primary, got primary=%v ok=%v", p.Addr, ok)
	}
	rejected, _ := got.FindServer(b)
	if rejected.Kind != Unknown {
		t.Fatalf("expected stale primary at b to be marked Unknown, got %v", rejected.Kind)
	}
}

func TestApplyDropsPrimaryWhenMemberStepsDown(t *testing.T) {
	a, b := address.Address("a:27017"), address.Address("b:27017")
	primaryA := NewDefaultServer(a)
	primaryA.Kind = RSPrimary
	td := Topology{
		Kind:    ReplicaSetWithPrimary,
		SetName: "rs0",
		Servers: []Server{primaryA, NewDefaultServer(b)},
	}

	stepped := NewDefaultServer(a)
	stepped.Kind = RSSecondary
	stepped.SetName = "rs0"

	got := Apply(td, stepped)

	if got.Kind != ReplicaSetNoPrimary {
		t.Fatalf("Kind = %v, want ReplicaSetNoPrimary after primary steps down", got.Kind)
	}
}

func TestApplyIgnoresUpdateForRemovedServer(t *testing.T) {
	a := address.Address("a:27017")
	td := Topology{Kind: TopologyUnknown}

	sd := NewDefaultServer(a)
	sd.Kind = Standalone

	got := Apply(td, sd)
	if got.HasServer(a) {
		t.Fatalf("expected update for a server outside the topology to be dropped")
	}
}

func TestApplyStaleTopologyVersionGuard(t *testing.T) {
	a := address.Address("a:27017")
	fresh := NewDefaultServer(a)
	fresh.Kind = Standalone
	fresh.TopologyVersion = &TopologyVersion{ProcessID: [12]byte{1}, Counter: 5}

	td := Topology{Kind: Single, Servers: []Server{fresh}}

	stale := NewDefaultServer(a)
	stale.Kind = Standalone
	stale.TopologyVersion = &TopologyVersion{ProcessID: [12]byte{1}, Counter: 3}
	stale.LastError = errors.New("stale heartbeat delivered out of order")

	got := Apply(td, stale)

	s, _ := got.FindServer(a)
	if s.TopologyVersion.Counter != 5 {
		t.Fatalf("expected the stale update to be ignored, topologyVersion.Counter = %d, want 5", s.TopologyVersion.Counter)
	}
}

func TestApplyIncompatibleWireVersion(t *testing.T) {
	a := address.Address("a:27017")
	td := Topology{Kind: TopologyUnknown, Servers: []Server{NewDefaultServer(a)}}

	sd := NewDefaultServer(a)
	sd.Kind = Standalone
	sd.WireVersion = &VersionRange{Min: 100, Max: 120}

	got := Apply(td, sd)
	if got.Compatible {
		t.Fatalf("expected incompatible wire version range to mark the topology incompatible")
	}
	if got.CompatibilityErr == nil {
		t.Fatalf("expected a non-nil CompatibilityErr")
	}
}

// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"testing"

	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
)

func clusterTimeDoc(t, i uint32) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendTimestampElement(dst, "clusterTime", t, i)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func TestClusterClockAdvancesOnlyForward(t *testing.T) {
	var cc ClusterClock

	cc.AdvanceClusterTime(clusterTimeDoc(100, 1))
	if got := cc.GetClusterTime(); got == nil {
		t.Fatal("expected a cluster time after the first advance")
	}

	// An older time must not roll the clock backwards.
	cc.AdvanceClusterTime(clusterTimeDoc(50, 9))
	ts, i := cc.GetClusterTime().Lookup("clusterTime").Timestamp()
	if ts != 100 || i != 1 {
		t.Fatalf("clock regressed to (%d, %d), want (100, 1)", ts, i)
	}

	// A newer time (same seconds, higher increment) must advance it.
	cc.AdvanceClusterTime(clusterTimeDoc(100, 7))
	ts, i = cc.GetClusterTime().Lookup("clusterTime").Timestamp()
	if ts != 100 || i != 7 {
		t.Fatalf("clock = (%d, %d), want (100, 7)", ts, i)
	}
}

func TestClusterClockNilReceiverIsSafe(t *testing.T) {
	var cc *ClusterClock
	if got := cc.GetClusterTime(); got != nil {
		t.Fatalf("GetClusterTime() on a nil *ClusterClock = %v, want nil", got)
	}
	cc.AdvanceClusterTime(clusterTimeDoc(1, 1)) // must not panic
}

// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements logical session management: the cluster-time gossip clock shared
// by every operation regardless of whether an explicit session is in play, the server-session
// pool backing implicit and explicit sessions, and per-session transaction state.
package session

import (
	"sync"

	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
)

// ClusterClock tracks the highest $clusterTime seen across any server in the deployment so it
// can be gossiped on every subsequent outgoing command, independent of logical sessions.
type ClusterClock struct {
	mu   sync.Mutex
	time bsoncore.Document
}

// GetClusterTime returns the current cluster time document, or nil if none has been observed.
func (cc *ClusterClock) GetClusterTime() bsoncore.Document {
	if cc == nil {
		return nil
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.time
}

// AdvanceClusterTime updates the clock if newTime is strictly greater than the stored time,
// comparing by the embedded clusterTime BSON timestamp field.
func (cc *ClusterClock) AdvanceClusterTime(newTime bsoncore.Document) {
	if cc == nil || newTime == nil {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.time == nil || compareClusterTime(newTime, cc.time) > 0 {
		cc.time = newTime
	}
}

func compareClusterTime(a, b bsoncore.Document) int {
	at, ai := bsoncore.Document(a).Lookup("clusterTime").Timestamp()
	bt, bi := bsoncore.Document(b).Lookup("clusterTime").Timestamp()
	switch {
	case at != bt:
		if at > bt {
			return 1
		}
		return -1
	case ai > bi:
		return 1
	case ai < bi:
		return -1
	default:
		return 0
	}
}

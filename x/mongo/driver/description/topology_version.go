// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// TopologyVersion is the opaque (processId, counter) ordering tag Nebula servers attach to
// hello replies so monitors can detect and drop out-of-order or stale replies.
type TopologyVersion struct {
	ProcessID [12]byte
	Counter   int64
}

// CompareTopologyVersion returns -1, 0, or 1 comparing the counters of v1 and v2 when they share
// a processId. When the processIds differ, the versions are incomparable and 0 is returned,
// meaning the caller should treat the new version as superseding (a process restart resets
// ordering). A nil TopologyVersion is always considered older than a non-nil one.
func CompareTopologyVersion(v1, v2 *TopologyVersion) int {
	if v1 == nil || v2 == nil {
		if v1 == v2 {
			return 0
		}
		if v1 == nil {
			return -1
		}
		return 1
	}
	if v1.ProcessID != v2.ProcessID {
		return 0
	}
	switch {
	case v1.Counter < v2.Counter:
		return -1
	case v1.Counter > v2.Counter:
		return 1
	default:
		return 0
	}
}

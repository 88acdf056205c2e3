// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"time"

	"go.nebuladb.io/nebula-go-driver/readpref"
)

// ServerSelector narrows a Topology down to the set of Server candidates that satisfy some
// criterion. Selectors compose: CompositeSelector chains several together, each filtering the
// previous step's output.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc adapts a plain function to the ServerSelector interface.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements ServerSelector.
func (f ServerSelectorFunc) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	return f(t, candidates)
}

// CompositeSelector runs each selector in turn, narrowing candidates at every stage.
type CompositeSelector struct {
	Selectors []ServerSelector
}

// SelectServer implements ServerSelector.
func (cs *CompositeSelector) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	var err error
	for _, sel := range cs.Selectors {
		candidates, err = sel.SelectServer(t, candidates)
		if err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

// WriteSelector restricts candidates to servers that can accept writes: the primary in a replica
// set, any mongos in a sharded cluster, the lone server in Single mode.
var WriteSelector = ServerSelectorFunc(func(t Topology, candidates []Server) ([]Server, error) {
	switch t.Kind {
	case ReplicaSetWithPrimary, ReplicaSetNoPrimary:
		out := make([]Server, 0, 1)
		for _, s := range candidates {
			if s.Kind == RSPrimary {
				out = append(out, s)
			}
		}
		return out, nil
	case Sharded:
		out := make([]Server, 0, len(candidates))
		for _, s := range candidates {
			if s.Kind == Mongos {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return candidates, nil
	}
})

// ReadPrefSelector filters candidates by read preference mode and tag sets. It is a
// no-op outside of replica set topologies, where the server kind alone already determines
// eligibility (Single, Sharded, LoadBalanced).
func ReadPrefSelector(rp *readpref.ReadPref) ServerSelector {
	return ServerSelectorFunc(func(t Topology, candidates []Server) ([]Server, error) {
		if rp == nil || (t.Kind != ReplicaSetWithPrimary && t.Kind != ReplicaSetNoPrimary) {
			return candidates, nil
		}

		var kindFiltered []Server
		switch rp.Mode() {
		case readpref.PrimaryMode:
			for _, s := range candidates {
				if s.Kind == RSPrimary {
					kindFiltered = append(kindFiltered, s)
				}
			}
			return kindFiltered, nil
		case readpref.SecondaryMode:
			for _, s := range candidates {
				if s.Kind == RSSecondary {
					kindFiltered = append(kindFiltered, s)
				}
			}
		case readpref.PrimaryPreferredMode:
			for _, s := range candidates {
				if s.Kind == RSPrimary {
					return []Server{s}, nil
				}
			}
			for _, s := range candidates {
				if s.Kind == RSSecondary {
					kindFiltered = append(kindFiltered, s)
				}
			}
		case readpref.SecondaryPreferredMode:
			for _, s := range candidates {
				if s.Kind == RSSecondary {
					kindFiltered = append(kindFiltered, s)
				}
			}
			if len(kindFiltered) == 0 {
				for _, s := range candidates {
					if s.Kind == RSPrimary {
						kindFiltered = append(kindFiltered, s)
					}
				}
			}
		case readpref.NearestMode:
			for _, s := range candidates {
				if s.Kind == RSPrimary || s.Kind == RSSecondary {
					kindFiltered = append(kindFiltered, s)
				}
			}
		default:
			kindFiltered = candidates
		}

		tagSets := rp.TagSets()
		if len(tagSets) == 0 {
			return kindFiltered, nil
		}
		var tagFiltered []Server
		for _, ts := range tagSets {
			for _, s := range kindFiltered {
				if serverMatchesTagSet(s, ts) {
					tagFiltered = append(tagFiltered, s)
				}
			}
			if len(tagFiltered) > 0 {
				return tagFiltered, nil
			}
		}
		return nil, nil
	})
}

func serverMatchesTagSet(s Server, ts readpref.TagSet) bool {
	for _, want := range ts {
		found := false
		for _, have := range s.Tags {
			if have.Name == want.Name && have.Value == want.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// defaultLocalThreshold mirrors the driver's default localThresholdMS.
const defaultLocalThreshold = 15 * time.Millisecond

// LatencySelector keeps only the candidates within the local threshold window of the fastest
// known server.
func LatencySelector(threshold time.Duration) ServerSelector {
	if threshold <= 0 {
		threshold = defaultLocalThreshold
	}
	return ServerSelectorFunc(func(_ Topology, candidates []Server) ([]Server, error) {
		if len(candidates) == 0 {
			return candidates, nil
		}
		var min time.Duration
		minSet := false
		for _, s := range candidates {
			if s.AverageRTTSet && (!minSet || s.AverageRTT < min) {
				min = s.AverageRTT
				minSet = true
			}
		}
		out := make([]Server, 0, len(candidates))
		for _, s := range candidates {
			if !s.AverageRTTSet || s.AverageRTT <= min+threshold {
				out = append(out, s)
			}
		}
		return out, nil
	})
}

// minMaxStaleness is the lowest maxStalenessSeconds the driver permits.
const minMaxStaleness = 90 * time.Second

// MaxStalenessSelector drops secondaries whose estimated staleness exceeds the read preference's
// maxStalenessSeconds. heartbeatFrequency is the monitor's configured interval, used to floor the
// permitted staleness at max(maxStaleness, 90s, 2*heartbeatFrequency).
func MaxStalenessSelector(rp *readpref.ReadPref, heartbeatFrequency time.Duration) ServerSelector {
	return ServerSelectorFunc(func(t Topology, candidates []Server) ([]Server, error) {
		maxStaleness, ok := rp.MaxStaleness()
		if !ok || maxStaleness == 0 {
			return candidates, nil
		}
		floor := minMaxStaleness
		if twiceHB := 2 * heartbeatFrequency; twiceHB > floor {
			floor = twiceHB
		}
		if maxStaleness < floor {
			maxStaleness = floor
		}

		primary, hasPrimary := t.Primary()
		out := make([]Server, 0, len(candidates))
		for _, s := range candidates {
			if s.Kind != RSSecondary {
				out = append(out, s)
				continue
			}
			var staleness time.Duration
			switch {
			case hasPrimary:
				staleness = s.LastUpdateTime.Sub(s.LastWriteDate) -
					primary.LastUpdateTime.Sub(primary.LastWriteDate) + s.HeartbeatInterval
			default:
				staleness = estimateStalenessNoPrimary(t, s)
			}
			if staleness <= maxStaleness {
				out = append(out, s)
			}
		}
		return out, nil
	})
}

func estimateStalenessNoPrimary(t Topology, s Server) time.Duration {
	var maxWrite time.Time
	for _, other := range t.Servers {
		if other.Kind == RSSecondary && other.LastWriteDate.After(maxWrite) {
			maxWrite = other.LastWriteDate
		}
	}
	if maxWrite.IsZero() {
		return 0
	}
	return maxWrite.Sub(s.LastWriteDate) + s.HeartbeatInterval
}

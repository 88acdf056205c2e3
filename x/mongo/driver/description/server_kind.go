// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// ServerKind represents the type of a single server as reported by its last heartbeat.
type ServerKind uint32

// ServerKind constants, as specified by the SDAM specification.
const (
	Unknown ServerKind = 1 << iota
	Standalone
	Mongos
	PossiblePrimary
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	LoadBalancer
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	case PossiblePrimary:
		return "PossiblePrimary"
	default:
		return "Unknown"
	}
}

// DataBearing reports whether a server of this kind holds data and can answer reads: true for
// Standalone, RSPrimary, RSSecondary, and Mongos, false for every other kind.
func (kind ServerKind) DataBearing() bool {
	switch kind {
	case Standalone, RSPrimary, RSSecondary, Mongos:
		return true
	default:
		return false
	}
}

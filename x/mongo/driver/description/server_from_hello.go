// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"time"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/readpref"
	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
)

// NewServerFromHello parses a hello/isMaster command reply into a Server description, classifying
// the reporting node's ServerKind from the combination of fields present.
func NewServerFromHello(addr address.Address, doc bsoncore.Document) Server {
	s := Server{Addr: addr, Kind: Standalone, LastUpdateTime: time.Now(), LastWriteDate: time.Now()}

	elems, err := doc.Elements()
	if err != nil {
		s.Kind = Unknown
		s.LastError = err
		return s
	}

	var isReplicaSet, isMongos, isWritablePrimary, secondary, arbiterOnly, hidden, isLB, notOK bool

	for _, elem := range elems {
		key := elem.Key()
		val := elem.Value()
		switch key {
		case "ok":
			if f, ok := val.DoubleOK(); ok && f == 0 {
				notOK = true
			}
		case "ismaster", "isWritablePrimary":
			isWritablePrimary, _ = val.BooleanOK()
		case "secondary":
			secondary, _ = val.BooleanOK()
		case "arbiterOnly":
			arbiterOnly, _ = val.BooleanOK()
		case "hidden":
			hidden, _ = val.BooleanOK()
		case "msg":
			if str, ok := val.StringValueOK(); ok && str == "isdbgrid" {
				isMongos = true
			}
		case "setName":
			s.SetName, _ = val.StringValueOK()
			isReplicaSet = true
		case "setVersion":
			if n, ok := val.AsInt64OK(); ok {
				s.SetVersion = uint32(n)
			}
		case "electionId":
			if oid, ok := val.ObjectIDOK(); ok {
				s.ElectionID = oid
				s.HasElectionID = true
			}
		case "primary":
			if str, ok := val.StringValueOK(); ok {
				s.Primary = address.Address(str)
			}
		case "me":
			if str, ok := val.StringValueOK(); ok {
				s.Me = address.Address(str)
			}
		case "hosts":
			s.Hosts = stringArray(val)
		case "passives":
			s.Passives = stringArray(val)
		case "arbiters":
			s.Arbiters = stringArray(val)
		case "tags":
			s.Tags = tagSet(val)
		case "minWireVersion":
			ensureWireVersion(&s)
			if n, ok := val.AsInt64OK(); ok {
				s.WireVersion.Min = int32(n)
			}
		case "maxWireVersion":
			ensureWireVersion(&s)
			if n, ok := val.AsInt64OK(); ok {
				s.WireVersion.Max = int32(n)
			}
		case "maxBsonObjectSize":
			if n, ok := val.AsInt64OK(); ok {
				s.MaxDocumentSize = int32(n)
			}
		case "maxMessageSizeBytes":
			if n, ok := val.AsInt64OK(); ok {
				s.MaxMessageSize = int32(n)
			}
		case "maxWriteBatchSize":
			if n, ok := val.AsInt64OK(); ok {
				s.MaxBatchCount = int32(n)
			}
		case "logicalSessionTimeoutMinutes":
			if n, ok := val.AsInt64OK(); ok {
				s.SessionTimeoutMinutes = uint32(n)
				s.SessionTimeoutMinutesSet = true
			}
		case "compression":
			s.Compression = stringArray(val)
		case "topologyVersion":
			if d, ok := val.DocumentOK(); ok {
				tv := &TopologyVersion{}
				if pid, ok := d.Lookup("processId").ObjectIDOK(); ok {
					tv.ProcessID = pid
				}
				if n, ok := d.Lookup("counter").AsInt64OK(); ok {
					tv.Counter = n
				}
				s.TopologyVersion = tv
			}
		case "serviceId":
			if oid, ok := val.ObjectIDOK(); ok {
				id := oid
				s.ServiceID = &id
				isLB = true
			}
		}
	}

	switch {
	case notOK:
		s.Kind = Unknown
	case isLB:
		s.Kind = LoadBalancer
	case isMongos:
		s.Kind = Mongos
	case isReplicaSet:
		switch {
		case isWritablePrimary:
			s.Kind = RSPrimary
		case secondary:
			s.Kind = RSSecondary
		case arbiterOnly:
			s.Kind = RSArbiter
		case hidden:
			s.Kind = RSOther
		default:
			s.Kind = RSOther
		}
	default:
		s.Kind = Standalone
	}

	return s
}

func ensureWireVersion(s *Server) {
	if s.WireVersion == nil {
		s.WireVersion = &VersionRange{}
	}
}

func stringArray(v bsoncore.Value) []string {
	arr, ok := v.ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, elemVal := range values {
		if str, ok := elemVal.StringValueOK(); ok {
			out = append(out, str)
		}
	}
	return out
}

func tagSet(v bsoncore.Value) readpref.TagSet {
	doc, ok := v.DocumentOK()
	if !ok {
		return nil
	}
	elems, err := doc.Elements()
	if err != nil {
		return nil
	}
	var ts readpref.TagSet
	for _, elem := range elems {
		if str, ok := elem.Value().StringValueOK(); ok {
			ts = append(ts, readpref.Tag{Name: elem.Key(), Value: str})
		}
	}
	return ts
}

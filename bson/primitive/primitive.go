// Package primitive contains the BSON-specific primitive types that can't be represented in
// vanilla Go. It is grounded on the wire-level value types every operation, handshake, and
// session needs: ObjectID identity, Timestamp for $clusterTime/operationTime, and the opaque
// UUID used for logical session ids.
package primitive

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ObjectID is the BSON ObjectID type.
type ObjectID [12]byte

var objectIDCounter = newObjectIDCounter()

func newObjectIDCounter() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

var processUnique = newProcessUnique()

func newProcessUnique() [5]byte {
	var b [5]byte
	_, _ = rand.Read(b[:])
	return b
}

// NewObjectID generates a new ObjectID.
func NewObjectID() ObjectID {
	var oid ObjectID
	binary.BigEndian.PutUint32(oid[0:4], uint32(time.Now().Unix()))
	copy(oid[4:9], processUnique[:])
	ctr := atomic.AddUint32(&objectIDCounter, 1)
	oid[9] = byte(ctr >> 16)
	oid[10] = byte(ctr >> 8)
	oid[11] = byte(ctr)
	return oid
}

// Hex returns the hex string representation of the ObjectID.
func (id ObjectID) Hex() string { return hex.EncodeToString(id[:]) }

func (id ObjectID) String() string { return fmt.Sprintf("ObjectID(%q)", id.Hex()) }

// IsZero returns whether the ObjectID is the zero value.
func (id ObjectID) IsZero() bool { return id == ObjectID{} }

// Timestamp is the BSON timestamp type, used internally by Nebula for replication and
// for $clusterTime/operationTime tokens.
type Timestamp struct {
	T uint32 // seconds since epoch
	I uint32 // ordinal, increments within a second
}

// Compare returns -1, 0, or 1 if ts is less than, equal to, or greater than other.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.T < other.T:
		return -1
	case ts.T > other.T:
		return 1
	case ts.I < other.I:
		return -1
	case ts.I > other.I:
		return 1
	default:
		return 0
	}
}

// DateTime represents the BSON datetime type, milliseconds since the Unix epoch.
type DateTime int64

// NewDateTimeFromTime creates a DateTime from a time.Time.
func NewDateTimeFromTime(t time.Time) DateTime {
	return DateTime(t.UnixNano() / int64(time.Millisecond))
}

// Time returns the time.Time this DateTime represents.
func (d DateTime) Time() time.Time {
	return time.Unix(int64(d)/1000, int64(d)%1000*int64(time.Millisecond))
}

// Binary represents the BSON binary type.
type Binary struct {
	Subtype byte
	Data    []byte
}

// UUIDSubtype is the binary subtype used for UUID values (e.g. lsid).
const UUIDSubtype = 0x04

// NewUUID generates a random (version 4) UUID wrapped as a Binary value.
func NewUUID() Binary {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return Binary{Subtype: UUIDSubtype, Data: b[:]}
}
